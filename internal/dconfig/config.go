// Package dconfig loads the node's YAML runtime configuration, following
// the teacher's internal/config.go idiom: a single struct tree unmarshaled
// with gopkg.in/yaml.v3, then defaulted field-by-field.
package dconfig

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the node process's RuntimeConfig (§3a): reactor tuning,
// PortAllocator pool sizes, rendezvous server address, node identity, TUN
// parameters, and logging.
type Config struct {
	NodeID     uint32           `yaml:"node_id"`
	Rendezvous RendezvousConfig `yaml:"rendezvous"`
	Ports      PortsConfig      `yaml:"ports"`
	Reactor    ReactorConfig    `yaml:"reactor"`
	Tun        TunConfig        `yaml:"tun"`
	UDPGW      UDPGWConfig      `yaml:"udpgw"`
	Log        LogConfig        `yaml:"log"`
}

// RendezvousConfig names the rendezvous server(s) this node registers
// with; Upstreams mirrors the teacher's multi-upstream failover idiom,
// re-targeted at rendezvous-server endpoints per §3a.
type RendezvousConfig struct {
	Upstreams []RendezvousUpstream `yaml:"upstreams"`
}

// RendezvousUpstream is one candidate rendezvous server.
type RendezvousUpstream struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Weight  int    `yaml:"weight"`
}

// PortsConfig sizes the two PortAllocator pools and their decay grace
// period.
type PortsConfig struct {
	NumSymmPorts int           `yaml:"num_symm_ports"`
	NumFastPorts int           `yaml:"num_fast_ports"`
	DecayTimeout time.Duration `yaml:"decay_timeout"`
}

// ReactorConfig tunes the SysReactor event loop.
type ReactorConfig struct {
	MaxPollTimeout time.Duration `yaml:"max_poll_timeout"`
}

// TunConfig describes the TUN device bridge (collaborator, §6).
type TunConfig struct {
	Enable      bool   `yaml:"enable"`
	Device      string `yaml:"device"`
	MTU         int    `yaml:"mtu"`
	NetifIPAddr string `yaml:"netif_ipaddr"`
	NetifNetmask string `yaml:"netif_netmask"`
	TunNS       string `yaml:"tun_ns"`
}

// UDPGWConfig mirrors the udpgw sub-module's CLI flags (§6).
type UDPGWConfig struct {
	MaxConnectionsForClient int    `yaml:"max_connections_for_client"`
	LocalUDPAddr            string `yaml:"local_udp_addr"`
	UniqueLocalPorts        bool   `yaml:"unique_local_ports"`
}

// LogConfig controls zap's logger construction.
type LogConfig struct {
	Level string `yaml:"level"` // debug|info|warn|error
}

// Load reads and defaults a Config from path, following the teacher's
// LoadConfig idiom of unmarshal-then-fill-zero-values.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if c.Ports.NumSymmPorts == 0 {
		c.Ports.NumSymmPorts = 32
	}
	if c.Ports.NumFastPorts == 0 {
		c.Ports.NumFastPorts = 64
	}
	if c.Ports.DecayTimeout == 0 {
		c.Ports.DecayTimeout = 30 * time.Second
	}
	if c.Reactor.MaxPollTimeout == 0 {
		c.Reactor.MaxPollTimeout = time.Second
	}
	if c.Tun.MTU == 0 {
		c.Tun.MTU = 1400
	}
	if c.UDPGW.MaxConnectionsForClient == 0 {
		c.UDPGW.MaxConnectionsForClient = 256
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for i := range c.Rendezvous.Upstreams {
		if c.Rendezvous.Upstreams[i].Weight <= 0 {
			c.Rendezvous.Upstreams[i].Weight = 1
		}
	}

	return &c, nil
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dtun-go/dtun/internal/dreactor"
	"github.com/dtun-go/dtun/internal/portalloc"
	"github.com/dtun-go/dtun/internal/rendezvous"
	"github.com/dtun-go/dtun/internal/shandle"
	"go.uber.org/zap"
)

// peer is one entry in the local registry kept by add/list/connect/
// disconnect; it names enough to repeat a rendezvous connect attempt
// without retyping the server address and node id each time.
type peer struct {
	NodeID         uint32 `yaml:"node_id"`
	RendezvousAddr string `yaml:"rendezvous_addr"`
}

type registry struct {
	Peers map[string]peer `yaml:"peers"`
}

func registryPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".dtun", "peers.yaml"), nil
}

func loadRegistry() (*registry, error) {
	path, err := registryPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &registry{Peers: map[string]peer{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var reg registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if reg.Peers == nil {
		reg.Peers = map[string]peer{}
	}
	return &reg, nil
}

func saveRegistry(reg *registry) error {
	path, err := registryPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// connectToPeer drives a single, short-lived rendezvous session against a
// registered peer and reports the outcome; it does not hand the resulting
// handle to a TUN bridge, unlike dnode, since this command is for
// diagnosing reachability rather than running a tunnel.
func connectToPeer(localNodeID uint32, p peer) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	reactor, err := dreactor.New(log)
	if err != nil {
		return fmt.Errorf("reactor: %w", err)
	}
	go reactor.Run()
	defer reactor.Stop()

	ports := portalloc.New(log, 32, 64, 0)
	newSocket := func() (shandle.Handle, error) {
		return dreactor.NewUDP(log, reactor, 0)
	}

	svc, err := rendezvous.NewService(log, p.RendezvousAddr, localNodeID, ports, newSocket)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", p.RendezvousAddr, err)
	}
	defer svc.Close()

	select {
	case res := <-svc.RequestConnect(p.NodeID):
		if res.Err != nil {
			return fmt.Errorf("rendezvous with node %d failed: %w", p.NodeID, res.Err)
		}
		if res.Handle != nil {
			res.Handle.Close()
		}
		fmt.Printf("connected: peer=%s:%d\n", res.PeerIP, res.PeerPort)
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("rendezvous with node %d timed out", p.NodeID)
	}
}

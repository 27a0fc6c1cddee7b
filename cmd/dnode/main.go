// Command dnode is the tun2socks-equivalent front end (§6): it opens an
// existing TUN device, rendezvous-connects to a peer node, and bridges IP
// flows off the device through the resulting UTP handle.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dtun-go/dtun/internal"
	"github.com/dtun-go/dtun/internal/dreactor"
	"github.com/dtun-go/dtun/internal/portalloc"
	"github.com/dtun-go/dtun/internal/rendezvous"
	"github.com/dtun-go/dtun/internal/shandle"
	"github.com/dtun-go/dtun/internal/utp"
)

func main() {
	tunDev := flag.String("tundev", "", "existing TUN device name (required)")
	netifIPAddr := flag.String("netif-ipaddr", "", "TUN interface IPv4 address (required)")
	netifNetmask := flag.String("netif-netmask", "", "TUN interface IPv4 netmask (required)")
	tunNS := flag.String("tun-ns", "", "nameserver IPv4 handed to clients behind the TUN (required)")
	_ = flag.String("netif-ip6addr", "", "optional TUN interface IPv6 address")
	_ = flag.String("username", "", "unused: this rendezvous transport authenticates at the NAT-punch layer, not per-flow")
	_ = flag.String("password", "", "unused, see --username")
	_ = flag.String("password-file", "", "unused, see --username")
	_ = flag.Bool("append-source-to-username", false, "unused, see --username")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")

	rendezvousAddr := flag.String("rendezvous-addr", "", "rendezvous server address, host:port (required)")
	nodeID := flag.Uint("node-id", 0, "this node's id in the rendezvous directory (required)")
	peerID := flag.Uint("peer-id", 0, "peer node id to connect to; 0 waits for an inbound connect instead")
	flag.Parse()

	log, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if *tunNS == "" || *netifIPAddr == "" || *netifNetmask == "" || *tunDev == "" {
		fmt.Fprintln(os.Stderr, "dnode: --tundev, --netif-ipaddr, --netif-netmask and --tun-ns are required")
		os.Exit(1)
	}
	if *rendezvousAddr == "" || *nodeID == 0 {
		fmt.Fprintln(os.Stderr, "dnode: --rendezvous-addr and --node-id are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, runConfig{
		tunDev:         *tunDev,
		netifIPAddr:    *netifIPAddr,
		netifNetmask:   *netifNetmask,
		tunNS:          *tunNS,
		rendezvousAddr: *rendezvousAddr,
		nodeID:         uint32(*nodeID),
		peerID:         uint32(*peerID),
	}); err != nil {
		log.Error("dnode exited with error", zap.Error(err))
		os.Exit(1)
	}
}

type runConfig struct {
	tunDev, netifIPAddr, netifNetmask, tunNS string
	rendezvousAddr                           string
	nodeID, peerID                           uint32
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	return cfg.Build()
}

func run(ctx context.Context, log *zap.Logger, cfg runConfig) error {
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

	svc, err := rendezvous.NewService(log, cfg.rendezvousAddr, cfg.nodeID, ports, newSocket)
	if err != nil {
		return fmt.Errorf("rendezvous connect: %w", err)
	}
	defer svc.Close()

	var res rendezvous.Result
	if cfg.peerID != 0 {
		log.Info("requesting connect", zap.Uint32("peer_id", cfg.peerID))
		select {
		case res = <-svc.RequestConnect(cfg.peerID):
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		log.Info("waiting for an inbound rendezvous connect")
		select {
		case res = <-svc.Accept:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if res.Err != nil {
		return fmt.Errorf("rendezvous session failed: %v", res.Err)
	}
	log.Info("rendezvous established", zap.String("peer", fmt.Sprintf("%s:%d", res.PeerIP, res.PeerPort)))

	manager := utp.New(log)
	handle, err := upgradeToStream(manager, res, cfg.peerID == 0)
	if err != nil {
		return fmt.Errorf("utp upgrade: %w", err)
	}

	bridge, err := internal.NewTunBridgeClient(handle)
	if err != nil {
		return fmt.Errorf("tun bridge: %w", err)
	}

	tunCfg := internal.TunConfig{Enable: true, Device: cfg.tunDev}
	return internal.RunTunNative(ctx, tunCfg, bridge)
}

// upgradeToStream closes the raw punched socket and hands its local port
// to the UTP multiplexer, so the reliable-stream engine takes over the
// exact 4-tuple the rendezvous engine just punched (§4.5/§4.6). The side
// that waited for an inbound connect listens for the peer's stream; the
// side that requested the connect dials it.
func upgradeToStream(manager *utp.StreamManager, res rendezvous.Result, isAcceptor bool) (*utp.Handle, error) {
	localAddr, _ := res.Handle.LocalAddr().(*net.UDPAddr)
	if localAddr == nil {
		return nil, fmt.Errorf("utp upgrade: punch socket has no UDP local address")
	}
	localPort := localAddr.Port
	if err := res.Handle.Close(); err != nil {
		return nil, fmt.Errorf("utp upgrade: release punch socket: %w", err)
	}

	if isAcceptor {
		ln, err := manager.Listen(localPort)
		if err != nil {
			return nil, err
		}
		return ln.Accept()
	}

	tag := utp.NewTag(uint16(localPort), 0)
	return manager.Dial(localPort, res.PeerIP, res.PeerPort, tag)
}

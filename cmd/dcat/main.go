// Command dcat is a minimal TCP byte-pump used to manually test
// connectivity through a rendezvous-established tunnel: one side listens,
// the other dials, and bytes flow stdin->socket or socket->stdout
// depending on --reverse.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"go.uber.org/zap"
)

func main() {
	listenPort := flag.Int("listenPort", 0, "run in server mode, listening on this TCP port")
	localPort := flag.Int("localPort", 0, "run in client mode, binding this local TCP port")
	targetIP := flag.String("targetIp", "", "client mode: IP to connect to")
	targetPort := flag.Int("targetPort", 0, "client mode: port to connect to")
	reverse := flag.Bool("reverse", false, "swap read/write direction (socket->stdout instead of stdin->socket)")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	log, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	var conn net.Conn
	switch {
	case *listenPort > 0:
		conn, err = acceptOne(*listenPort)
	case *localPort > 0 && *targetIP != "" && *targetPort > 0:
		conn, err = dialFrom(*localPort, *targetIP, *targetPort)
	default:
		fmt.Fprintln(os.Stderr, "dcat: specify --listenPort, or --localPort/--targetIp/--targetPort")
		os.Exit(1)
	}
	if err != nil {
		log.Error("dcat: setup failed", zap.Error(err))
		os.Exit(1)
	}
	defer conn.Close()

	pump(log, conn, *reverse)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	return cfg.Build()
}

func acceptOne(port int) (net.Conn, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen :%d: %w", port, err)
	}
	defer ln.Close()
	return ln.Accept()
}

func dialFrom(localPort int, targetIP string, targetPort int) (net.Conn, error) {
	laddr := &net.TCPAddr{Port: localPort}
	raddr := &net.TCPAddr{IP: net.ParseIP(targetIP), Port: targetPort}
	return net.DialTCP("tcp", laddr, raddr)
}

// pump copies stdin->conn, or conn->stdout when reverse is set.
func pump(log *zap.Logger, conn net.Conn, reverse bool) {
	if reverse {
		n, err := io.Copy(os.Stdout, conn)
		log.Debug("conn->stdout done", zap.Int64("bytes", n), zap.Error(err))
		return
	}
	n, err := io.Copy(conn, os.Stdin)
	log.Debug("stdin->conn done", zap.Int64("bytes", n), zap.Error(err))
}

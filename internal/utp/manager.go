// Package utp implements StreamManager: the overlay that runs a
// reliable-stream-over-UDP engine (github.com/xtaci/kcp-go/v5) on top of
// shared UDP sockets, multiplexing many logical streams per socket via a
// 16-byte per-stream tag, and routing inbound datagrams to the right
// logical stream.
package utp

import (
	"fmt"
	"net"
	"sync"

	"github.com/xtaci/kcp-go/v5"
	"go.uber.org/zap"
)

// StreamManager owns the per-UDP-port ConnectionInfo cache and is the
// entry point for creating UTP listeners and connections.
type StreamManager struct {
	log *zap.Logger

	mu     sync.Mutex
	byPort map[int]*ConnectionInfo
}

// New constructs an empty StreamManager.
func New(log *zap.Logger) *StreamManager {
	return &StreamManager{log: log, byPort: make(map[int]*ConnectionInfo)}
}

// createTransportConnection de-dupes by local UDP port: if a live
// ConnectionInfo already exists for port, its handle count is bumped and
// it is reused; otherwise a fresh UDP socket is opened and bound.
func (m *StreamManager) createTransportConnection(port int) (*ConnectionInfo, error) {
	m.mu.Lock()
	if ci, ok := m.byPort[port]; ok {
		m.mu.Unlock()
		ci.acquireHandle()
		return ci, nil
	}
	m.mu.Unlock()

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("utp: listen udp4 :%d: %w", port, err)
	}
	actualPort := udpConn.LocalAddr().(*net.UDPAddr).Port

	ci := newConnectionInfo(m.log, actualPort, udpConn, m.forget)
	ci.acquireHandle()

	m.mu.Lock()
	m.byPort[actualPort] = ci
	m.mu.Unlock()

	return ci, nil
}

func (m *StreamManager) forget(ci *ConnectionInfo) {
	m.mu.Lock()
	delete(m.byPort, ci.localPort)
	m.mu.Unlock()
	_ = ci.conn.Close()
}

// Dial opens a UTP stream to (ip, port) on a newly bound (or reused) local
// UDP port, tagged with tag. kcp-go's conv-keyed session multiplexing rides
// underneath the tag-demux layer (see tag.go).
func (m *StreamManager) Dial(localPort int, ip net.IP, port int, tag Tag) (*Handle, error) {
	ci, err := m.createTransportConnection(localPort)
	if err != nil {
		return nil, err
	}

	pc := newTagPacketConn(ci, ip)
	conv := tag.Conv()
	ci.addEngineSocket(conv)

	raddr := &net.UDPAddr{IP: ip, Port: port}
	sess, err := kcp.NewConn3(conv, raddr, nil, 0, 0, pc)
	if err != nil {
		ci.removeEngineSocket(conv)
		ci.releaseHandle(true)
		return nil, fmt.Errorf("utp: kcp NewConn3: %w", err)
	}

	return newHandle(ci, pc, sess, conv, tag), nil
}

// Listener accepts inbound UTP streams on one shared local UDP port.
type Listener struct {
	ci *ConnectionInfo
	ln *kcp.Listener
}

// Listen creates (or reuses) a ConnectionInfo bound to localPort and
// returns a Listener that yields a *Handle per accepted peer.
func (m *StreamManager) Listen(localPort int) (*Listener, error) {
	ci, err := m.createTransportConnection(localPort)
	if err != nil {
		return nil, err
	}

	pc := newTagPacketConn(ci, net.IPv4zero)
	ln, err := kcp.ServeConn(nil, 0, 0, pc)
	if err != nil {
		ci.releaseHandle(true)
		return nil, fmt.Errorf("utp: kcp ServeConn: %w", err)
	}

	return &Listener{ci: ci, ln: ln}, nil
}

// Accept blocks for the next inbound session and wraps it as a *Handle.
func (l *Listener) Accept() (*Handle, error) {
	sess, err := l.ln.AcceptKCP()
	if err != nil {
		return nil, err
	}
	conv := sess.GetConv()
	l.ci.addEngineSocket(conv)
	l.ci.acquireHandle()

	peerAddr, _ := sess.RemoteAddr().(*net.UDPAddr)
	var tag Tag
	if peerAddr != nil {
		tag = NewTag(uint16(peerAddr.Port), conv)
	}

	return newHandle(l.ci, nil, sess, conv, tag), nil
}

// Close stops accepting and releases the listener's reference on its
// ConnectionInfo.
func (l *Listener) Close() error {
	err := l.ln.Close()
	l.ci.releaseHandle(false)
	return err
}

// Stats reports liveness counters for metrics export.
func (m *StreamManager) Stats() (openPorts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPort)
}

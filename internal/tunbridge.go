package internal

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/xtaci/smux"

	"github.com/dtun-go/dtun/internal/shandle"
)

// TunConfig describes the TUN device and the UDP flow table's idle
// bookkeeping; the bridge's peer connection itself is passed to
// RunTunNative separately, since it is established by the rendezvous
// engine before the TUN loop starts.
type TunConfig struct {
	Enable bool
	Device string

	UDPMaxFlows    int
	UDPIdleTimeout time.Duration
	UDPGCInterval  time.Duration
}

// bridgeConn adapts a shandle.Handle's callback-driven Read/Write to the
// blocking net.Conn interface smux.Client/smux.Server expect, so a single
// rendezvous-established UTP handle can carry many logical TCP flows.
type bridgeConn struct {
	h        shandle.Handle
	readBuf  chan []byte
	readErr  chan error
	pending  []byte
	closeOnce sync.Once
	closed   chan struct{}
}

func newBridgeConn(h shandle.Handle) *bridgeConn {
	c := &bridgeConn{
		h:       h,
		readBuf: make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
	c.armReadLoop()
	return c
}

func (c *bridgeConn) armReadLoop() {
	buf := make([]byte, 65536)
	var loop shandle.ReadCompletion
	loop = func(n int, _ net.Addr, err error) {
		if err != nil {
			select {
			case c.readErr <- err:
			default:
			}
			return
		}
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case c.readBuf <- chunk:
			case <-c.closed:
				return
			}
		}
		c.h.Read(buf, shandle.ReadOne, loop)
	}
	c.h.Read(buf, shandle.ReadOne, loop)
}

func (c *bridgeConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	select {
	case chunk := <-c.readBuf:
		n := copy(p, chunk)
		if n < len(chunk) {
			c.pending = chunk[n:]
		}
		return n, nil
	case err := <-c.readErr:
		return 0, err
	case <-c.closed:
		return 0, io.EOF
	}
}

func (c *bridgeConn) Write(p []byte) (int, error) {
	done := make(chan error, 1)
	c.h.Write(p, func(_ int, err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			return 0, err
		}
		return len(p), nil
	case <-c.closed:
		return 0, shandle.ErrClosed
	}
}

func (c *bridgeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.h.Close()
}

func (c *bridgeConn) LocalAddr() net.Addr                { return c.h.LocalAddr() }
func (c *bridgeConn) RemoteAddr() net.Addr               { return c.h.PeerAddr() }
func (c *bridgeConn) SetDeadline(t time.Time) error      { return nil }
func (c *bridgeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *bridgeConn) SetWriteDeadline(t time.Time) error { return nil }

// TunBridge multiplexes TCP flows accepted off the gVisor netstack onto
// one rendezvous-established UTP handle via smux, replacing the teacher's
// per-flow Outline-over-websocket dial.
type TunBridge struct {
	sess *smux.Session
}

// NewTunBridgeClient is used by the dnode side that owns the TUN device:
// it opens one smux stream per TCP flow over the shared handle.
func NewTunBridgeClient(h shandle.Handle) (*TunBridge, error) {
	sess, err := smux.Client(newBridgeConn(h), smux.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("tunbridge: smux client: %w", err)
	}
	return &TunBridge{sess: sess}, nil
}

// NewTunBridgeServer is used by the peer node on the far end of the
// rendezvous-established handle: it returns the smux server session, from
// which ServeTunBridge accepts one stream per flow and dials its destination.
func NewTunBridgeServer(h shandle.Handle) (*smux.Session, error) {
	sess, err := smux.Server(newBridgeConn(h), smux.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("tunbridge: smux server: %w", err)
	}
	return sess, nil
}

// DialTCP opens a new multiplexed stream and sends the destination as a
// length-prefixed header, matching ServeTunBridge's expectations.
func (b *TunBridge) DialTCP(dst string) (net.Conn, error) {
	stream, err := b.sess.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("tunbridge: open stream: %w", err)
	}
	if len(dst) > 255 {
		stream.Close()
		return nil, errors.New("tunbridge: destination too long")
	}
	hdr := append([]byte{byte(len(dst))}, []byte(dst)...)
	if _, err := stream.Write(hdr); err != nil {
		stream.Close()
		return nil, fmt.Errorf("tunbridge: write header: %w", err)
	}
	return stream, nil
}

// ServeTunBridge accepts streams from sess (the far end of a
// NewTunBridgeServer session) until it closes, dialing each stream's
// requested destination and pumping bytes both ways.
func ServeTunBridge(sess *smux.Session) error {
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return err
		}
		go serveStream(stream)
	}
}

func serveStream(stream *smux.Stream) {
	defer stream.Close()

	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(stream, lenBuf); err != nil {
		return
	}
	dstBuf := make([]byte, lenBuf[0])
	if _, err := io.ReadFull(stream, dstBuf); err != nil {
		return
	}
	dst := string(dstBuf)

	if rest, ok := cutPrefix(dst, "udp!"); ok {
		serveUDPStream(stream, rest)
		return
	}

	out, err := net.DialTimeout("tcp", dst, 10*time.Second)
	if err != nil {
		return
	}
	defer out.Close()

	go io.Copy(out, stream)
	_, _ = io.Copy(stream, out)
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return s, false
	}
	return s[len(prefix):], true
}

// serveUDPStream relays length-prefixed datagrams read off stream to dst,
// and writes replies back length-prefixed, matching tunHandleUDP's framing.
func serveUDPStream(stream *smux.Stream, dst string) {
	raddr, err := net.ResolveUDPAddr("udp", dst)
	if err != nil {
		return
	}
	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return
	}
	defer pc.Close()

	go func() {
		buf := make([]byte, 65535)
		for {
			n, _, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			hdr := []byte{byte(n >> 8), byte(n)}
			if _, err := stream.Write(hdr); err != nil {
				return
			}
			if _, err := stream.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	lenBuf := make([]byte, 2)
	payload := make([]byte, 65535)
	for {
		if _, err := io.ReadFull(stream, lenBuf); err != nil {
			return
		}
		n := int(lenBuf[0])<<8 | int(lenBuf[1])
		if n > len(payload) {
			return
		}
		if _, err := io.ReadFull(stream, payload[:n]); err != nil {
			return
		}
		if _, err := pc.WriteTo(payload[:n], raddr); err != nil {
			return
		}
	}
}

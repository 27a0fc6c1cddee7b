package utp

import (
	"io"
	"net"
	"sync"

	"github.com/xtaci/kcp-go/v5"

	"github.com/dtun-go/dtun/internal/shandle"
)

// ringBufferSize is the UtpHandle read-buffer capacity named in §4.5/§8.
const ringBufferSize = 208 * 1024

// Handle is the SHandle variant backed by one kcp-go session. It buffers
// inbound bytes into a fixed-capacity ring so Read completions can be
// delivered without blocking the pump goroutine on a slow consumer.
type Handle struct {
	ci   *ConnectionInfo
	pc   *tagPacketConn // nil for accepted (listener-side) sessions
	sess *kcp.UDPSession
	conv uint32
	tag  Tag

	mu       sync.Mutex
	closed   bool
	ring     []byte
	readErr  error
	pumpOnce sync.Once
	stopPump chan struct{}
}

func newHandle(ci *ConnectionInfo, pc *tagPacketConn, sess *kcp.UDPSession, conv uint32, tag Tag) *Handle {
	h := &Handle{
		ci:       ci,
		pc:       pc,
		sess:     sess,
		conv:     conv,
		tag:      tag,
		stopPump: make(chan struct{}),
	}
	go h.pumpReads()
	return h
}

// pumpReads drains kcp's blocking Read into the ring buffer; this is the
// one goroutine per handle that bridges the engine's blocking API to the
// SHandle completion-callback model.
func (h *Handle) pumpReads() {
	buf := make([]byte, 65536)
	for {
		n, err := h.sess.Read(buf)
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		if err != nil {
			h.readErr = err
			h.mu.Unlock()
			return
		}
		if len(h.ring)+n > ringBufferSize {
			// Drop to the most recent data rather than grow unbounded;
			// a well-behaved peer stays within the advertised window.
			overflow := len(h.ring) + n - ringBufferSize
			if overflow < len(h.ring) {
				h.ring = h.ring[overflow:]
			} else {
				h.ring = h.ring[:0]
			}
		}
		h.ring = append(h.ring, buf[:n]...)
		h.mu.Unlock()

		select {
		case <-h.stopPump:
			return
		default:
		}
	}
}

// LocalAddr implements shandle.Handle.
func (h *Handle) LocalAddr() net.Addr { return h.sess.LocalAddr() }

// PeerAddr implements shandle.Handle.
func (h *Handle) PeerAddr() net.Addr {
	addr := h.sess.RemoteAddr()
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		if port, ok := h.ci.resolvePeerPortByIP(udpAddr.IP); ok {
			return &net.UDPAddr{IP: udpAddr.IP, Port: port}
		}
	}
	return addr
}

// Duplicate implements shandle.Handle: a UTP stream has no backing raw fd.
func (h *Handle) Duplicate() (int, error) { return -1, shandle.ErrClosed }

// GetTTL / SetTTL implement shandle.Handle as stubs: GetTTL reports 0 and
// SetTTL does nothing, leaving the underlying socket's TTL as the punching
// phase set it.
func (h *Handle) GetTTL() (int, error) { return 0, nil }
func (h *Handle) SetTTL(int) error     { return nil }

// Ping implements shandle.Handle: UTP streams don't issue raw support-pings
// themselves; that's a punching-phase kernel-handle operation.
func (h *Handle) Ping(net.IP, int) error { return nil }

// CanReuse implements shandle.Handle.
func (h *Handle) CanReuse() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		return false
	}
	handles, sockets := h.ci.numHandlesAndSockets()
	return handles == 0 && sockets == 0
}

// Read implements shandle.Handle by draining the ring buffer; mode Drain
// keeps delivering chunks until the ring is empty, then fires the sentinel.
func (h *Handle) Read(buf []byte, mode shandle.ReadMode, cb shandle.ReadCompletion) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		cb(0, nil, shandle.ErrClosed)
		return
	}
	if len(h.ring) == 0 {
		if h.readErr != nil {
			cb(0, nil, h.readErr)
			return
		}
		if mode == shandle.ReadDrain {
			cb(0, nil, nil)
		}
		return
	}

	n := copy(buf, h.ring)
	h.ring = h.ring[n:]
	cb(n, h.PeerAddr(), nil)

	if mode == shandle.ReadDrain {
		// Re-enter until the ring is empty; that call fires the sentinel.
		go h.Read(buf, mode, cb)
	}
}

// Write implements shandle.Handle.
func (h *Handle) Write(buf []byte, cb shandle.WriteCompletion) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cb(0, shandle.ErrClosed)
		return
	}
	h.mu.Unlock()

	n, err := h.sess.Write(buf)
	cb(n, err)
}

// WriteTo implements shandle.Handle: a connected UTP stream has one peer,
// so WriteTo degrades to Write.
func (h *Handle) WriteTo(buf []byte, _ net.IP, _ int, cb shandle.WriteCompletion) {
	h.Write(buf, cb)
}

// Close implements shandle.Handle. Idempotent; releases the handle's
// reference on its ConnectionInfo so the port can eventually be reclaimed.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.stopPump)
	err := h.sess.Close()
	h.ci.removeEngineSocket(h.conv)
	h.ci.releaseHandle(false)
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

package dreactor

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dtun-go/dtun/internal/shandle"
)

type pendingRead struct {
	buf  []byte
	mode shandle.ReadMode
	cb   shandle.ReadCompletion
}

type pendingWrite struct {
	buf  []byte
	ip   net.IP
	port int
	cb   shandle.WriteCompletion
}

// KernelConn is the SHandle variant backed by a non-blocking kernel UDP
// socket, driven by one Reactor. It is the handle used for rendezvous
// punching sockets, MTU-discovery probes, and the HELLO/FAST control pings.
type KernelConn struct {
	log     *zap.Logger
	reactor *Reactor
	fd      int

	mu       sync.Mutex
	closed   bool
	reads    []pendingRead
	writes   []pendingWrite
	mask     EventMask
	peerAddr *net.UDPAddr
}

// NewUDP creates, binds (INADDR_ANY:port, or ephemeral if port==0), and
// registers a non-blocking UDP socket with reactor.
func NewUDP(log *zap.Logger, reactor *Reactor, port int) (*KernelConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("dreactor: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dreactor: set nonblock: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dreactor: SO_REUSEADDR: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dreactor: bind: %w", err)
	}

	kc := &KernelConn{log: log, reactor: reactor, fd: fd, mask: EventRead}
	if err := reactor.Add(kc, EventRead); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return kc, nil
}

// FD implements dreactor.Handler.
func (k *KernelConn) FD() int { return k.fd }

// LocalAddr implements shandle.Handle.
func (k *KernelConn) LocalAddr() net.Addr {
	sa, err := unix.Getsockname(k.fd)
	if err != nil {
		return nil
	}
	return sockaddrToUDPAddr(sa)
}

// PeerAddr implements shandle.Handle.
func (k *KernelConn) PeerAddr() net.Addr {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.peerAddr == nil {
		return nil
	}
	return k.peerAddr
}

// Duplicate implements shandle.Handle.
func (k *KernelConn) Duplicate() (int, error) {
	return unix.Dup(k.fd)
}

// GetTTL implements shandle.Handle.
func (k *KernelConn) GetTTL() (int, error) {
	return unix.GetsockoptInt(k.fd, unix.IPPROTO_IP, unix.IP_TTL)
}

// SetTTL implements shandle.Handle.
func (k *KernelConn) SetTTL(ttl int) error {
	return unix.SetsockoptInt(k.fd, unix.IPPROTO_IP, unix.IP_TTL, ttl)
}

// supportPing is the 4-byte NAT-punch magic; the final byte distinguishes
// an ordinary punch (0xDD) from a symmetric-NAT final confirmation (0xEE).
var supportPing = [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
var supportPingFinal = [4]byte{0xAA, 0xBB, 0xCC, 0xEE}

// Ping implements shandle.Handle.
func (k *KernelConn) Ping(ip net.IP, port int) error {
	k.WriteTo(supportPing[:], ip, port, func(int, error) {})
	return nil
}

// CanReuse implements shandle.Handle: a kernel conn is reusable once closed.
func (k *KernelConn) CanReuse() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

// Read implements shandle.Handle.
func (k *KernelConn) Read(buf []byte, mode shandle.ReadMode, cb shandle.ReadCompletion) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		cb(0, nil, shandle.ErrClosed)
		return
	}
	k.reads = append(k.reads, pendingRead{buf: buf, mode: mode, cb: cb})
	k.mu.Unlock()
	k.reactor.Dispatch(k.pumpReads)
}

// Write implements shandle.Handle: it requires a connected peer, and no
// KernelConn path sets one (WriteTo does not), so Write always completes
// with an error; callers in this module use WriteTo directly instead.
func (k *KernelConn) Write(buf []byte, cb shandle.WriteCompletion) {
	k.mu.Lock()
	peer := k.peerAddr
	k.mu.Unlock()
	if peer == nil {
		cb(0, fmt.Errorf("dreactor: Write with no peer set, use WriteTo"))
		return
	}
	k.WriteTo(buf, peer.IP, peer.Port, cb)
}

// WriteTo implements shandle.Handle.
func (k *KernelConn) WriteTo(buf []byte, ip net.IP, port int, cb shandle.WriteCompletion) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		cb(0, shandle.ErrClosed)
		return
	}
	k.writes = append(k.writes, pendingWrite{buf: buf, ip: ip, port: port, cb: cb})
	k.mu.Unlock()
	k.reactor.Dispatch(k.pumpWrites)
}

// HandleRead implements dreactor.Handler, invoked on the reactor goroutine.
func (k *KernelConn) HandleRead() {
	k.pumpReads()
}

// HandleWrite implements dreactor.Handler, invoked on the reactor goroutine.
func (k *KernelConn) HandleWrite() {
	k.pumpWrites()
}

func (k *KernelConn) pumpReads() {
	for {
		k.mu.Lock()
		if len(k.reads) == 0 {
			k.mu.Unlock()
			return
		}
		req := k.reads[0]
		k.mu.Unlock()

		n, from, err := k.recvOnce(req.buf)
		if err == unix.EAGAIN {
			if req.mode == shandle.ReadDrain {
				// End of burst: pop the request and fire the sentinel.
				k.popRead()
				req.cb(0, nil, nil)
				continue
			}
			return // wait for the next EPOLLIN
		}

		if err != nil {
			k.popRead()
			req.cb(0, nil, err)
			continue
		}

		req.cb(n, from, nil)
		if req.mode != shandle.ReadDrain {
			// One, All, and From complete after a single datagram.
			k.popRead()
		}
		// ReadDrain stays at the head of the queue and is re-driven by
		// the next loop iteration until EAGAIN produces the sentinel.
	}
}

func (k *KernelConn) popRead() {
	k.mu.Lock()
	if len(k.reads) > 0 {
		k.reads = k.reads[1:]
	}
	k.mu.Unlock()
}

func (k *KernelConn) recvOnce(buf []byte) (int, net.Addr, error) {
	n, from, err := unix.Recvfrom(k.fd, buf, unix.MSG_DONTWAIT)
	if err != nil {
		return 0, nil, err
	}
	var addr net.Addr
	if from != nil {
		addr = sockaddrToUDPAddr(from)
	}
	return n, addr, nil
}

func (k *KernelConn) pumpWrites() {
	for {
		k.mu.Lock()
		if len(k.writes) == 0 {
			k.mu.Unlock()
			return
		}
		req := k.writes[0]
		k.mu.Unlock()

		sa := &unix.SockaddrInet4{Port: req.port}
		copy(sa.Addr[:], req.ip.To4())
		err := unix.Sendto(k.fd, req.buf, unix.MSG_DONTWAIT, sa)

		k.mu.Lock()
		if len(k.writes) > 0 {
			k.writes = k.writes[1:]
		}
		k.mu.Unlock()

		if err == unix.EAGAIN {
			k.mu.Lock()
			k.writes = append([]pendingWrite{req}, k.writes...)
			k.mu.Unlock()
			return
		}
		if err != nil {
			req.cb(0, err)
			continue
		}
		req.cb(len(req.buf), nil)
	}
}

// Close implements shandle.Handle. Idempotent.
func (k *KernelConn) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	reads := k.reads
	writes := k.writes
	k.reads = nil
	k.writes = nil
	k.mu.Unlock()

	for _, r := range reads {
		r.cb(0, nil, shandle.ErrClosed)
	}
	for _, w := range writes {
		w.cb(0, shandle.ErrClosed)
	}

	k.reactor.Remove(k)
	return unix.Close(k.fd)
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}
	default:
		return nil
	}
}

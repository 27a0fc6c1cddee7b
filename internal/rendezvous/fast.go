package rendezvous

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/dtun-go/dtun/internal/dproto"
	"github.com/dtun-go/dtun/internal/portalloc"
	"github.com/dtun-go/dtun/internal/shandle"
)

// punchSocket is the minimal surface the fast strategy needs from a
// punching socket: it's satisfied by dreactor.KernelConn.
type punchSocket = shandle.Handle

// SocketFactory creates an unbound (INADDR_ANY) UDP punchSocket. Supplied
// by the caller so the rendezvous package stays independent of any one
// reactor implementation.
type SocketFactory func() (punchSocket, error)

const (
	fastInitialTTL  = 2
	fastMaxTTL      = 64
	fastProbeStride = 25 * time.Millisecond
	fastMaxSteps    = 3 // initial attempt + 2 retries
)

// FastSession drives §4.6.1: both peers reserve a pair of Fast ports,
// exchange external addresses through the rendezvous server, and punch
// with a TTL-ramped probe train.
type FastSession struct {
	*session

	newSocket SocketFactory

	peerIP   net.IP
	peerPort int
	sock     punchSocket

	stepIdx int
	ttl     int
	tries   int
	probeAt time.Time
}

// NewFastSession constructs a session for connID. isOwner selects which
// side drives the step counter per §4.6.1's owner/non-owner roles.
func NewFastSession(log *zap.Logger, ports *portalloc.Allocator, ctrl ControlChannel, connID dproto.ConnID, isOwner bool, newSocket SocketFactory, cb Callback) *FastSession {
	return &FastSession{
		session:   newSession(log, ports, ctrl, connID, isOwner, cb),
		newSocket: newSocket,
	}
}

// Start begins the owner's half of the handshake: reserve ports and send
// READY. The non-owner calls OnReady instead, once the READY arrives over
// the control channel.
func (fs *FastSession) Start() {
	fs.state = StatePreparing
	fs.armWatchdog()

	if !fs.isOwner {
		return // wait for the peer's READY via OnReady
	}

	if !fs.reservePorts() {
		fs.fail(dproto.ErrUnknown)
		return
	}

	if err := fs.ctrl.Send(dproto.Message{Code: dproto.MsgReady, Body: &dproto.MsgReadyBody{ConnID: fs.connID.Idx}}); err != nil {
		fs.fail(dproto.ErrUnknown)
		return
	}
}

// OnReady is the non-owner's entry point, invoked by the demuxing
// RendezvousService when a READY for this ConnID arrives.
func (fs *FastSession) OnReady() {
	if fs.isOwner || fs.state != StatePreparing {
		return
	}
	if !fs.reservePorts() {
		fs.fail(dproto.ErrUnknown)
		return
	}
}

func (fs *FastSession) reservePorts() bool {
	res := fs.ports.Reserve(portalloc.Fast, 2)
	if res == nil {
		return false
	}
	fs.reservation = res

	sock, err := fs.newSocket()
	if err != nil {
		res.Free()
		fs.reservation = nil
		return false
	}
	fs.sock = sock
	armRead(sock, fs.onDatagram)

	// Duplicating the punching socket's fd keeps a live reference the
	// PortAllocator-facing port stays bound to even if this Handle's
	// owner later closes it mid-handshake.
	if _, err := sock.Duplicate(); err != nil {
		return false
	}
	return true
}

// OnFast is invoked when the server relays the peer's external address via
// FAST(node_ip, node_port): the punch train starts immediately.
func (fs *FastSession) OnFast(peerIP net.IP, peerPort int) {
	if fs.state != StatePreparing && fs.state != StatePunching {
		return
	}
	fs.peerIP = peerIP
	fs.peerPort = peerPort
	fs.state = StatePunching
	fs.ttl = fastInitialTTL
	fs.tries = 0
	fs.armStep()
}

// armStep applies the current TTL to the punching socket and sends the
// first probe of the step; nextStep is what reserves a fresh port pair.
func (fs *FastSession) armStep() {
	_ = fs.sock.SetTTL(fs.ttl)
	fs.sendProbe()
}

func (fs *FastSession) sendProbe() {
	fs.sock.WriteTo(supportPingFast[:], fs.peerIP, fs.peerPort, func(int, error) {})
	fs.tries++

	if fs.tries >= fastMaxTTL-fastInitialTTL+1 {
		fs.nextStep()
		return
	}

	fs.ttl++
	_ = fs.sock.SetTTL(fs.ttl)
	time.AfterFunc(fastProbeStride, fs.watch.Wrap(fs.sendProbe))
}

// nextStep restarts punching with a fresh Fast port pair after a full TTL
// ramp produces no reply, up to fastMaxSteps total attempts.
func (fs *FastSession) nextStep() {
	fs.stepIdx++
	if fs.stepIdx >= fastMaxSteps {
		fs.fail(dproto.ErrUnknown)
		return
	}

	if fs.sock != nil {
		_ = fs.sock.Close()
	}
	if fs.reservation != nil {
		fs.reservation.Free()
		fs.reservation = nil
	}

	if !fs.reservePorts() {
		fs.fail(dproto.ErrUnknown)
		return
	}
	// The retried attempt waits for a fresh FAST from the server before
	// punching resumes (handled by the next OnFast call).
	fs.state = StatePreparing
}

// onDatagram is armRead's delivery callback: any non-support-ping payload is
// ignored (the punching socket only ever carries 4-byte magic pings during
// this phase), a matching magic ping completes the session.
func (fs *FastSession) onDatagram(data []byte, from *net.UDPAddr) {
	if len(data) != 4 {
		return
	}
	fs.OnPunchReply(from.IP, from.Port)
}

// OnPunchReply completes the session once a probe reply matching the
// expected magic and peer is observed on the punching socket.
func (fs *FastSession) OnPunchReply(fromIP net.IP, fromPort int) {
	if fs.state != StatePunching {
		return
	}
	if !fromIP.Equal(fs.peerIP) || fromPort != fs.peerPort {
		return
	}

	_ = fs.sock.SetTTL(defaultTTL)
	if fs.reservation != nil {
		fs.reservation.Keepalive()
	}
	fs.succeed(fs.sock, fs.peerIP, fs.peerPort, fs.reservation)
}

const defaultTTL = 64

var supportPingFast = [4]byte{0xAA, 0xBB, 0xCC, 0xDD}

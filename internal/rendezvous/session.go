// Package rendezvous implements the NAT-traversal session engine: given a
// ConnId, it drives one of two strategies (fast, for at least one
// non-symmetric peer; symmetric, birthday-paradox port-scan for two
// symmetric-NAT peers) to open a direct UDP 4-tuple, then hands the caller
// a socket handle plus the port reservation backing it.
package rendezvous

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/dtun-go/dtun/internal/dmetrics"
	"github.com/dtun-go/dtun/internal/dproto"
	"github.com/dtun-go/dtun/internal/opwatch"
	"github.com/dtun-go/dtun/internal/portalloc"
	"github.com/dtun-go/dtun/internal/shandle"
)

// State is RendezvousSession's lifecycle, per §3/§4.6.
type State int

const (
	StateUnstarted State = iota
	StatePreparing
	StatePunching
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StatePreparing:
		return "preparing"
	case StatePunching:
		return "punching"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// outerWatchdog bounds every rendezvous session per §4.6's failure
// semantics and testable-property scenario 6.
const outerWatchdog = 18 * time.Second

// Result is delivered exactly once to a session's completion callback.
type Result struct {
	Handle      shandle.Handle
	PeerIP      net.IP
	PeerPort    int
	Reservation *portalloc.Reservation
	Err         error
}

// Callback receives a session's terminal Result.
type Callback func(Result)

// ControlChannel is the subset of the control connection a session needs:
// send one message, and receive a stream of messages addressed to this
// session's ConnID (demuxed by the caller, e.g. the client-side
// RendezvousService).
type ControlChannel interface {
	Send(m dproto.Message) error
}

// session carries the fields common to every strategy variant.
type session struct {
	log      *zap.Logger
	ports    *portalloc.Allocator
	ctrl     ControlChannel
	connID   dproto.ConnID
	isOwner  bool
	watch    *opwatch.Watch
	callback Callback

	state      State
	fired      bool
	reservation *portalloc.Reservation
	watchdog   *time.Timer
	startedAt  time.Time
	strategy   string
}

func newSession(log *zap.Logger, ports *portalloc.Allocator, ctrl ControlChannel, connID dproto.ConnID, isOwner bool, cb Callback) *session {
	s := &session{
		log:       log,
		ports:     ports,
		ctrl:      ctrl,
		connID:    connID,
		isOwner:   isOwner,
		watch:     opwatch.New(),
		callback:  cb,
		state:     StateUnstarted,
		startedAt: time.Now(),
		strategy:  "fast",
	}
	return s
}

// armWatchdog starts the 18s outer timeout; fail() after it fires is a
// no-op if the session already completed.
func (s *session) armWatchdog() {
	s.watchdog = time.AfterFunc(outerWatchdog, s.watch.Wrap(func() {
		s.fail(dproto.ErrUnknown)
	}))
}

// fireOnce guarantees exactly one Callback invocation per session, per
// §8's invariant.
func (s *session) fireOnce(res Result) {
	if s.fired {
		return
	}
	s.fired = true
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	if s.reservation != nil && res.Reservation == nil {
		s.reservation.Free()
	}
	s.watch.Close()

	outcome := "established"
	if res.Err != nil {
		outcome = "failed"
	}
	dmetrics.ObserveRendezvousAttempt(s.strategy, outcome, time.Since(s.startedAt))

	s.callback(res)
}

func (s *session) succeed(h shandle.Handle, ip net.IP, port int, res *portalloc.Reservation) {
	s.state = StateEstablished
	s.fireOnce(Result{Handle: h, PeerIP: ip, PeerPort: port, Reservation: res})
}

func (s *session) fail(code dproto.ErrCode) {
	s.state = StateFailed
	s.fireOnce(Result{Err: code})
}

// armRead starts (and perpetually re-arms) a ReadFrom loop on a punching
// socket, delivering every successfully received datagram to onDatagram.
// It stops re-arming once the socket reports any error (ErrClosed included).
func armRead(sock punchSocket, onDatagram func(data []byte, from *net.UDPAddr)) {
	buf := make([]byte, 2048)
	var loop shandle.ReadCompletion
	loop = func(n int, from net.Addr, err error) {
		if err != nil {
			return
		}
		if udpAddr, ok := from.(*net.UDPAddr); ok && n > 0 {
			onDatagram(append([]byte(nil), buf[:n]...), udpAddr)
		}
		sock.Read(buf, shandle.ReadFrom, loop)
	}
	sock.Read(buf, shandle.ReadFrom, loop)
}

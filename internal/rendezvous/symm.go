package rendezvous

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/dtun-go/dtun/internal/dproto"
	"github.com/dtun-go/dtun/internal/portalloc"
)

const (
	symmCandidatesPerStep = 601
	symmCandidateBase     = 1024
	symmBurstInterval     = 10 * time.Millisecond
	symmConfirmCount      = 3
	symmConfirmInterval   = 150 * time.Millisecond
	symmConnectorPoolSize = 100
)

var symmFinalPing = [4]byte{0xAA, 0xBB, 0xCC, 0xEE}

// SymmAcceptorSession implements §4.6.2: the acceptor is behind the
// port-unpredictable symmetric NAT and sweeps candidate destination ports
// on the (stationary) connector's known IP, advancing in steps of
// symmCandidatesPerStep until the connector reports a hit.
type SymmAcceptorSession struct {
	*session

	newSocket SocketFactory
	targetIP  net.IP

	step      int
	sock      punchSocket
	keepalive []punchSocket // previously punched sockets, re-pinged each step
}

// NewSymmAcceptorSession constructs an acceptor-role symmetric session
// targeting the connector's known IP.
func NewSymmAcceptorSession(log *zap.Logger, ports *portalloc.Allocator, ctrl ControlChannel, connID dproto.ConnID, targetIP net.IP, newSocket SocketFactory, cb Callback) *SymmAcceptorSession {
	s := newSession(log, ports, ctrl, connID, true, cb)
	s.strategy = "symm"
	return &SymmAcceptorSession{
		session:   s,
		newSocket: newSocket,
		targetIP:  targetIP,
	}
}

// Start begins sweeping step 0's candidate port window.
func (as *SymmAcceptorSession) Start() {
	as.state = StatePunching
	as.armWatchdog()
	as.sweepStep()
}

func (as *SymmAcceptorSession) sweepStep() {
	sock, err := as.newSocket()
	if err != nil {
		as.fail(dproto.ErrUnknown)
		return
	}
	as.sock = sock
	as.keepalive = append(as.keepalive, sock)
	armRead(sock, func(data []byte, from *net.UDPAddr) {
		if len(data) != 4 {
			return
		}
		as.OnPunchReply(from.IP, from.Port)
	})

	base := symmCandidateBase + as.step*symmCandidatesPerStep
	as.pingCandidate(sock, base, 0)
}

// pingCandidate walks the current step's candidate window one port at a
// time, paced by symmBurstInterval, plus a keepalive ping to every
// previously punched socket so earlier NAT mappings don't expire.
func (as *SymmAcceptorSession) pingCandidate(sock punchSocket, base, offset int) {
	if as.state != StatePunching {
		return
	}
	if offset >= symmCandidatesPerStep {
		as.endStep()
		return
	}

	port := base + offset
	sock.WriteTo(supportPingFast[:], as.targetIP, port, func(int, error) {})

	for _, ka := range as.keepalive {
		if ka != sock {
			ka.Ping(as.targetIP, port)
		}
	}

	time.AfterFunc(symmBurstInterval, as.watch.Wrap(func() {
		as.pingCandidate(sock, base, offset+1)
	}))
}

func (as *SymmAcceptorSession) endStep() {
	if as.state != StatePunching {
		return
	}
	_ = as.ctrl.Send(dproto.Message{Code: dproto.MsgSymmNext, Body: &dproto.MsgSymmNextBody{ConnID: as.connID.Idx}})
	as.step++
	as.sweepStep()
}

// OnPunchReply completes the acceptor's session once the connector's reply
// is observed, confirming with three final EE pings 150ms apart before
// reporting success.
func (as *SymmAcceptorSession) OnPunchReply(fromIP net.IP, fromPort int) {
	if as.state != StatePunching {
		return
	}
	if !fromIP.Equal(as.targetIP) {
		return
	}
	as.state = StateEstablished // provisionally; confirmed below
	as.confirmReply(fromIP, fromPort, 0)
}

func (as *SymmAcceptorSession) confirmReply(ip net.IP, port, n int) {
	if n >= symmConfirmCount {
		as.succeed(as.sock, ip, port, as.reservation)
		return
	}
	as.sock.WriteTo(symmFinalPing[:], ip, port, func(int, error) {})
	time.AfterFunc(symmConfirmInterval, as.watch.Wrap(func() {
		as.confirmReply(ip, port, n+1)
	}))
}

// SymmConnectorSession implements §4.6.3: the stationary connector listens
// on a pool of ephemeral sockets for the acceptor's sweep and reports the
// winning 4-tuple once a ping arrives.
type SymmConnectorSession struct {
	*session

	newSocket SocketFactory
	sockets   []punchSocket
}

// NewSymmConnectorSession constructs a connector-role symmetric session.
func NewSymmConnectorSession(log *zap.Logger, ports *portalloc.Allocator, ctrl ControlChannel, connID dproto.ConnID, newSocket SocketFactory, cb Callback) *SymmConnectorSession {
	s := newSession(log, ports, ctrl, connID, false, cb)
	s.strategy = "symm"
	return &SymmConnectorSession{
		session:   s,
		newSocket: newSocket,
	}
}

// Start opens the listening pool and notifies the acceptor to begin its
// sweep.
func (cs *SymmConnectorSession) Start() {
	cs.state = StatePunching
	cs.armWatchdog()

	cs.sockets = make([]punchSocket, 0, symmConnectorPoolSize)
	for i := 0; i < symmConnectorPoolSize; i++ {
		sock, err := cs.newSocket()
		if err != nil {
			continue
		}
		cs.sockets = append(cs.sockets, sock)
		bound := sock
		armRead(bound, func(data []byte, from *net.UDPAddr) {
			if len(data) != 4 {
				return
			}
			cs.OnPing(bound, from.IP, from.Port)
		})
	}
	if len(cs.sockets) == 0 {
		cs.fail(dproto.ErrUnknown)
		return
	}

	_ = cs.ctrl.Send(dproto.Message{Code: dproto.MsgSymmNext, Body: &dproto.MsgSymmNextBody{ConnID: cs.connID.Idx}})
}

// OnPing is called by the datagram dispatcher for every punch received on
// one of the pool sockets; winnerSock identifies which one.
func (cs *SymmConnectorSession) OnPing(winnerSock punchSocket, fromIP net.IP, fromPort int) {
	if cs.state != StatePunching {
		return
	}
	cs.state = StateEstablished

	for _, s := range cs.sockets {
		if s != winnerSock {
			_ = s.Close()
		}
	}
	cs.succeed(winnerSock, fromIP, fromPort, cs.reservation)
}

package rendezvous

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dtun-go/dtun/internal/dproto"
	"github.com/dtun-go/dtun/internal/portalloc"
)

// attempt tracks one in-flight rendezvous attempt, owning whichever
// strategy session variant was chosen once the server's CONN_OK arrived.
type attempt struct {
	fast     *FastSession
	symmAcc  *SymmAcceptorSession
	symmConn *SymmConnectorSession
	done     chan Result
}

// Service is the client-side control-plane half of §2's RendezvousService:
// it owns the TCP connection to the rendezvous server, demultiplexes
// inbound messages by ConnId to the matching session, and exposes
// RequestConnect to callers that want a direct UDP path to a peer.
type Service struct {
	log       *zap.Logger
	conn      net.Conn
	sendMu    sync.Mutex
	ports     *portalloc.Allocator
	newSocket SocketFactory

	nodeID  uint32
	nextIdx uint32

	mu       sync.Mutex
	attempts map[uint32]*attempt
	closed   bool

	// Accept delivers sessions the rendezvous server pushed to this node as
	// an acceptor (inbound CONN), per the opposite half of requestConnect's
	// data flow (§2).
	Accept chan Result
}

// NewService dials the rendezvous server at addr, registers nodeID with the
// directory via HELLO, and starts the read loop.
func NewService(log *zap.Logger, addr string, nodeID uint32, ports *portalloc.Allocator, newSocket SocketFactory) (*Service, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: dial %s: %w", addr, err)
	}
	s := &Service{
		log:       log,
		conn:      conn,
		ports:     ports,
		newSocket: newSocket,
		nodeID:    nodeID,
		attempts:  make(map[uint32]*attempt),
		Accept:    make(chan Result, 8),
	}
	if err := s.Send(dproto.Message{Code: dproto.MsgHello, Body: &dproto.MsgHelloBody{NodeID: nodeID}}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rendezvous: register node %d: %w", nodeID, err)
	}
	go s.readLoop()
	return s, nil
}

// Send implements ControlChannel by writing one framed message to the
// server connection; writes are serialized against concurrent sessions.
func (s *Service) Send(m dproto.Message) error {
	b, err := dproto.Encode(m)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_, err = s.conn.Write(b)
	return err
}

// RequestConnect asks the rendezvous server to pair this node with peerID
// and drives whichever traversal strategy the server assigns, delivering
// the terminal Result on the returned channel. The wire body's remoteIP/
// remotePort fields are sent zeroed: no caller has a meaningful punch
// address to self-report at this point in the flow (the punch socket
// doesn't exist yet), so the server instead relays each side's
// TCP-observed control-connection address as its UDP address proxy.
func (s *Service) RequestConnect(peerID uint32) <-chan Result {
	done := make(chan Result, 1)
	idx := atomic.AddUint32(&s.nextIdx, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		done <- Result{Err: dproto.ErrUnknown}
		return done
	}
	s.attempts[idx] = &attempt{done: done}
	s.mu.Unlock()

	err := s.Send(dproto.Message{
		Code: dproto.MsgHelloConn,
		Body: &dproto.MsgHelloConnBody{
			SrcNodeID: s.nodeID,
			DstNodeID: peerID,
			ConnID:    idx,
		},
	})
	if err != nil {
		s.finish(idx, Result{Err: dproto.ErrUnknown})
	}
	return done
}

func (s *Service) finish(idx uint32, res Result) {
	s.mu.Lock()
	a, ok := s.attempts[idx]
	if ok {
		delete(s.attempts, idx)
	}
	s.mu.Unlock()
	if ok {
		a.done <- res
	}
}

// readLoop demultiplexes every inbound message by the ConnId embedded in
// its body to the attempt's active session, per §2's control-plane flow.
func (s *Service) readLoop() {
	for {
		msg, err := dproto.DecodeFrom(s.conn)
		if err != nil {
			s.log.Debug("rendezvous control connection closed", zap.Error(err))
			s.shutdown()
			return
		}
		s.dispatch(msg)
	}
}

func (s *Service) dispatch(msg dproto.Message) {
	switch body := msg.Body.(type) {
	case *dproto.MsgConnBody:
		s.onConn(body)
	case *dproto.MsgConnOKBody:
		s.onConnOK(body)
	case *dproto.MsgConnErrBody:
		s.finish(body.ConnID, Result{Err: dproto.ErrCode(body.ErrCode)})
	case *dproto.MsgReadyBody:
		s.withAttempt(body.ConnID, func(a *attempt) {
			if a.fast != nil {
				a.fast.OnReady()
			}
		})
	case *dproto.MsgFastBody:
		// FAST carries no ConnId in the wire layout named by §4.7; in
		// this implementation it is routed to the sole in-flight fast
		// attempt, matching the common single-outstanding-connect usage.
		s.withSoleFast(func(fs *FastSession) {
			fs.OnFast(uint32ToIP(body.NodeIP), int(body.NodePort))
		})
	case *dproto.MsgSymmNextBody:
		s.withAttempt(body.ConnID, func(a *attempt) {
			if a.symmConn != nil {
				// the connector already reacted by opening its pool in
				// Start(); a repeat SYMM_NEXT just re-announces intent.
				return
			}
		})
	default:
		// PROBE / PROBE_RESULT / HELLO_ACC / HELLO_SYMM_NEXT / SYMM_DONE_*
		// are server-directory bookkeeping messages with no client-side
		// session action in this implementation.
	}
}

func (s *Service) onConnOK(body *dproto.MsgConnOKBody) {
	s.mu.Lock()
	a, ok := s.attempts[body.ConnID]
	s.mu.Unlock()
	if !ok {
		return
	}

	connID := dproto.ConnID{NodeID: s.nodeID, Idx: body.ConnID}
	peerIP := uint32ToIP(body.DstNodeIP)
	peerPort := int(body.DstNodePort)
	role := dproto.Role(body.Role)

	cb := func(r Result) { s.finish(body.ConnID, r) }

	switch role {
	case dproto.RoleConn, dproto.RoleAcc:
		// Both sides already know their peer's address from this message
		// (or, on the acceptor side, from the CONN that preceded it), so
		// both drive punching immediately rather than waiting on a
		// READY/FAST round-trip the server would otherwise have to relay.
		fs := NewFastSession(s.log, s.ports, s, connID, true, s.newSocket, cb)
		a.fast = fs
		fs.Start()
		fs.OnFast(peerIP, peerPort)
	case dproto.RoleAccSymm:
		as := NewSymmAcceptorSession(s.log, s.ports, s, connID, peerIP, s.newSocket, cb)
		a.symmAcc = as
		as.Start()
	case dproto.RoleConnSymm:
		cs := NewSymmConnectorSession(s.log, s.ports, s, connID, s.newSocket, cb)
		a.symmConn = cs
		cs.Start()
	}
}

// onConn handles an unsolicited CONN pushed by the server: this node was
// picked as the acceptor side of some other node's requestConnect. A fresh
// attempt is created and its terminal Result is delivered on Accept rather
// than a RequestConnect caller's channel.
func (s *Service) onConn(body *dproto.MsgConnBody) {
	s.mu.Lock()
	if _, exists := s.attempts[body.ConnID]; exists {
		s.mu.Unlock()
		return
	}
	a := &attempt{done: make(chan Result, 1)}
	s.attempts[body.ConnID] = a
	s.mu.Unlock()

	connID := dproto.ConnID{NodeID: s.nodeID, Idx: body.ConnID}
	peerIP := uint32ToIP(body.SrcNodeIP)
	peerPort := int(body.SrcNodePort)
	role := dproto.Role(body.Role)

	cb := func(r Result) {
		s.finish(body.ConnID, Result{})
		select {
		case s.Accept <- r:
		default:
			s.log.Warn("rendezvous accept channel full, dropping established session")
		}
	}

	switch role {
	case dproto.RoleAccSymm:
		as := NewSymmAcceptorSession(s.log, s.ports, s, connID, peerIP, s.newSocket, cb)
		a.symmAcc = as
		as.Start()
	default:
		fs := NewFastSession(s.log, s.ports, s, connID, true, s.newSocket, cb)
		a.fast = fs
		fs.Start()
		fs.OnFast(peerIP, peerPort)
	}
}

func (s *Service) withAttempt(idx uint32, fn func(*attempt)) {
	s.mu.Lock()
	a, ok := s.attempts[idx]
	s.mu.Unlock()
	if ok {
		fn(a)
	}
}

// withSoleFast applies fn to the only pending fast-role attempt, if exactly
// one exists.
func (s *Service) withSoleFast(fn func(*FastSession)) {
	s.mu.Lock()
	var found *FastSession
	n := 0
	for _, a := range s.attempts {
		if a.fast != nil {
			found = a.fast
			n++
		}
	}
	s.mu.Unlock()
	if n == 1 {
		fn(found)
	}
}

func (s *Service) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	attempts := s.attempts
	s.attempts = make(map[uint32]*attempt)
	s.mu.Unlock()

	for _, a := range attempts {
		a.done <- Result{Err: dproto.ErrUnknown}
	}
}

// Close tears down the control connection.
func (s *Service) Close() error {
	s.shutdown()
	return s.conn.Close()
}

// uint32ToIP unpacks an IPv4 address from the wire's uint32 field, whose
// little-endian-serialized bytes appear in normal dotted-quad octet order
// (§4.7/§6).
func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

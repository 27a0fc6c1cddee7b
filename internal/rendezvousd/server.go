// Package rendezvousd implements the rendezvous server's directory service
// and connect-request broker: nodes register over a persistent TCP
// connection, and one node's connect request is paired with the target
// node's connection so both sides receive a CONN_OK/CONN telling them who
// to punch toward.
//
// This is supplemented from original_source/dmaster, whose Server.cpp left
// the actual pairing logic (onSessionStartConnector et al.) as empty stubs;
// the directory and forwarding behavior implemented here is this module's
// own design, built to the wire contract named in SPEC_FULL.md §4.7/§6.
package rendezvousd

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dtun-go/dtun/internal/dproto"
)

// DefaultPort is the rendezvous server's default listening port (§6).
const DefaultPort = 2345

// connectRequestRate and connectRequestBurst bound how often one registered
// node may issue HELLO_CONN before this server starts refusing them with
// ERR_UNKNOWN; a node retry-looping against an unreachable peer should not
// be able to flood the directory's broker goroutine.
const (
	connectRequestRate  = 5
	connectRequestBurst = 10
)

type nodeEntry struct {
	id      uint32
	conn    net.Conn
	sendMu  sync.Mutex
	sessTag string
	limiter *rate.Limiter
}

func (n *nodeEntry) send(m dproto.Message) error {
	b, err := dproto.Encode(m)
	if err != nil {
		return err
	}
	n.sendMu.Lock()
	defer n.sendMu.Unlock()
	_, err = n.conn.Write(b)
	return err
}

// Directory is the in-memory NodeDirectory (§3a): node id to its live
// control connection. Not persisted, per the Non-goal on persistent state.
type Directory struct {
	mu    sync.Mutex
	nodes map[uint32]*nodeEntry
}

func newDirectory() *Directory {
	return &Directory{nodes: make(map[uint32]*nodeEntry)}
}

func (d *Directory) register(e *nodeEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[e.id] = e
}

func (d *Directory) unregister(e *nodeEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.nodes[e.id]; ok && cur == e {
		delete(d.nodes, e.id)
	}
}

func (d *Directory) lookup(id uint32) (*nodeEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.nodes[id]
	return e, ok
}

// Server accepts node control connections and brokers connect requests
// between them.
type Server struct {
	log *zap.Logger
	ln  net.Listener
	dir *Directory
}

// Listen binds the server to addr (":2345" for DefaultPort on all
// interfaces).
func Listen(log *zap.Logger, addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvousd: listen %s: %w", addr, err)
	}
	return &Server{log: log, ln: ln, dir: newDirectory()}, nil
}

// Addr reports the bound listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) handle(conn net.Conn) {
	var entry *nodeEntry
	defer func() {
		if entry != nil {
			s.dir.unregister(entry)
		}
		conn.Close()
	}()

	for {
		msg, err := dproto.DecodeFrom(conn)
		if err != nil {
			return
		}

		switch body := msg.Body.(type) {
		case *dproto.MsgHelloBody:
			entry = &nodeEntry{
				id:      body.NodeID,
				conn:    conn,
				sessTag: uuid.NewString(),
				limiter: rate.NewLimiter(connectRequestRate, connectRequestBurst),
			}
			s.dir.register(entry)
			s.log.Debug("node registered", zap.Uint32("node_id", body.NodeID), zap.String("session", entry.sessTag))
		case *dproto.MsgHelloConnBody:
			s.handleConnectRequest(entry, body)
		default:
			s.log.Warn("rendezvousd: unexpected message from control connection", zap.Uint8("code", uint8(msg.Code)))
		}
	}
}

// handleConnectRequest brokers one connect attempt: on success, the
// requester gets CONN_OK naming the target's address, and the target gets
// CONN naming the requester's address, each carrying the same connId and a
// complementary role so both ends pick the Fast strategy (§4.6.1).
func (s *Server) handleConnectRequest(requester *nodeEntry, body *dproto.MsgHelloConnBody) {
	if requester == nil {
		s.log.Warn("rendezvousd: HELLO_CONN before HELLO, dropping")
		return
	}
	if !requester.limiter.Allow() {
		s.log.Warn("rendezvousd: connect request rate exceeded", zap.Uint32("node_id", requester.id), zap.String("session", requester.sessTag))
		_ = requester.send(dproto.Message{
			Code: dproto.MsgConnErr,
			Body: &dproto.MsgConnErrBody{ConnID: body.ConnID, ErrCode: uint32(dproto.ErrUnknown)},
		})
		return
	}

	target, ok := s.dir.lookup(body.DstNodeID)
	if !ok {
		_ = requester.send(dproto.Message{
			Code: dproto.MsgConnErr,
			Body: &dproto.MsgConnErrBody{ConnID: body.ConnID, ErrCode: uint32(dproto.ErrNotFound)},
		})
		return
	}

	// The TCP control connection's observed remote address stands in for
	// the node's UDP address (§3a's "TCP RemoteAddr as UDP address proxy"):
	// neither side can self-report a meaningful punch port before a punch
	// socket exists, so the server relays what it actually observed.
	requesterIP, requesterPort := splitRemoteAddr(requester.conn)

	if err := target.send(dproto.Message{
		Code: dproto.MsgConn,
		Body: &dproto.MsgConnBody{
			SrcNodeID:   requester.id,
			SrcNodeIP:   requesterIP,
			SrcNodePort: requesterPort,
			ConnID:      body.ConnID,
			IP:          requesterIP,
			Port:        requesterPort,
			Role:        uint8(dproto.RoleAcc),
		},
	}); err != nil {
		_ = requester.send(dproto.Message{
			Code: dproto.MsgConnErr,
			Body: &dproto.MsgConnErrBody{ConnID: body.ConnID, ErrCode: uint32(dproto.ErrUnknown)},
		})
		return
	}

	targetIP, targetPort := splitRemoteAddr(target.conn)
	_ = requester.send(dproto.Message{
		Code: dproto.MsgConnOK,
		Body: &dproto.MsgConnOKBody{
			ConnID:      body.ConnID,
			DstNodeIP:   targetIP,
			DstNodePort: targetPort,
			Role:        uint8(dproto.RoleConn),
		},
	})
}

func splitRemoteAddr(conn net.Conn) (ip uint32, port uint16) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok || addr.IP.To4() == nil {
		return 0, 0
	}
	v4 := addr.IP.To4()
	ip = uint32(v4[0]) | uint32(v4[1])<<8 | uint32(v4[2])<<16 | uint32(v4[3])<<24
	return ip, uint16(addr.Port)
}

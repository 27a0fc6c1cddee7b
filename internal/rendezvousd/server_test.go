package rendezvousd

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dtun-go/dtun/internal/dproto"
)

func dialAndRegister(t *testing.T, addr string, nodeID uint32) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	b, err := dproto.Encode(dproto.Message{Code: dproto.MsgHello, Body: &dproto.MsgHelloBody{NodeID: nodeID}})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	return conn
}

func TestServerBrokersConnectRequest(t *testing.T) {
	srv, err := Listen(zap.NewNop(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	addr := srv.Addr().String()
	requester := dialAndRegister(t, addr, 1)
	defer requester.Close()
	target := dialAndRegister(t, addr, 2)
	defer target.Close()

	time.Sleep(50 * time.Millisecond) // let both HELLOs land

	b, err := dproto.Encode(dproto.Message{
		Code: dproto.MsgHelloConn,
		Body: &dproto.MsgHelloConnBody{SrcNodeID: 1, DstNodeID: 2, ConnID: 42, RemoteIP: 0, RemotePort: 5000},
	})
	if err != nil {
		t.Fatalf("encode hello_conn: %v", err)
	}
	if _, err := requester.Write(b); err != nil {
		t.Fatalf("write hello_conn: %v", err)
	}

	target.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := dproto.DecodeFrom(target)
	if err != nil {
		t.Fatalf("target never received CONN: %v", err)
	}
	if msg.Code != dproto.MsgConn {
		t.Fatalf("expected CONN, got %#x", msg.Code)
	}
	connBody := msg.Body.(*dproto.MsgConnBody)
	if connBody.ConnID != 42 || connBody.SrcNodeID != 1 {
		t.Fatalf("unexpected CONN body: %#v", connBody)
	}

	requester.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err = dproto.DecodeFrom(requester)
	if err != nil {
		t.Fatalf("requester never received CONN_OK: %v", err)
	}
	if msg.Code != dproto.MsgConnOK {
		t.Fatalf("expected CONN_OK, got %#x", msg.Code)
	}
	okBody := msg.Body.(*dproto.MsgConnOKBody)
	if okBody.ConnID != 42 {
		t.Fatalf("unexpected CONN_OK body: %#v", okBody)
	}
}

func TestServerRepliesNotFoundForUnknownTarget(t *testing.T) {
	srv, err := Listen(zap.NewNop(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	requester := dialAndRegister(t, srv.Addr().String(), 10)
	defer requester.Close()
	time.Sleep(20 * time.Millisecond)

	b, _ := dproto.Encode(dproto.Message{
		Code: dproto.MsgHelloConn,
		Body: &dproto.MsgHelloConnBody{SrcNodeID: 10, DstNodeID: 999, ConnID: 1},
	})
	if _, err := requester.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}

	requester.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := dproto.DecodeFrom(requester)
	if err != nil {
		t.Fatalf("no reply: %v", err)
	}
	if msg.Code != dproto.MsgConnErr {
		t.Fatalf("expected CONN_ERR, got %#x", msg.Code)
	}
	errBody := msg.Body.(*dproto.MsgConnErrBody)
	if dproto.ErrCode(errBody.ErrCode) != dproto.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", dproto.ErrCode(errBody.ErrCode))
	}
}

func TestServerThrottlesConnectRequestFlood(t *testing.T) {
	srv, err := Listen(zap.NewNop(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	requester := dialAndRegister(t, srv.Addr().String(), 20)
	defer requester.Close()
	time.Sleep(20 * time.Millisecond)

	const attempts = connectRequestBurst + 5
	for i := uint32(0); i < attempts; i++ {
		b, _ := dproto.Encode(dproto.Message{
			Code: dproto.MsgHelloConn,
			Body: &dproto.MsgHelloConnBody{SrcNodeID: 20, DstNodeID: 999, ConnID: i},
		})
		if _, err := requester.Write(b); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	requester.SetReadDeadline(time.Now().Add(2 * time.Second))
	var throttled int
	for i := uint32(0); i < attempts; i++ {
		msg, err := dproto.DecodeFrom(requester)
		if err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
		errBody := msg.Body.(*dproto.MsgConnErrBody)
		switch dproto.ErrCode(errBody.ErrCode) {
		case dproto.ErrNotFound:
			// within the limiter's burst allowance, reached the lookup.
		case dproto.ErrUnknown:
			throttled++
		default:
			t.Fatalf("reply %d: unexpected error code %v", i, dproto.ErrCode(errBody.ErrCode))
		}
	}
	if throttled == 0 {
		t.Fatalf("expected the limiter to throttle at least one of %d requests", attempts)
	}
}

package rendezvous

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dtun-go/dtun/internal/dproto"
)

func newTestServicePair(t *testing.T) (*Service, net.Conn) {
	t.Helper()
	client, server := net.Pipe()

	svc := &Service{
		log:       zap.NewNop(),
		conn:      client,
		ports:     newTestAllocator(),
		newSocket: func() (punchSocket, error) { return newFakeSock(), nil },
		nodeID:    1,
		attempts:  make(map[uint32]*attempt),
	}
	go svc.readLoop()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	return svc, server
}

func readOneMessage(t *testing.T, conn net.Conn) dproto.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := dproto.DecodeFrom(conn)
	if err != nil {
		t.Fatalf("failed to decode message from client: %v", err)
	}
	return msg
}

func TestServiceRequestConnectSendsHelloConn(t *testing.T) {
	svc, server := newTestServicePair(t)

	go svc.RequestConnect(2)

	msg := readOneMessage(t, server)
	if msg.Code != dproto.MsgHelloConn {
		t.Fatalf("expected HELLO_CONN, got code %#x", msg.Code)
	}
	body := msg.Body.(*dproto.MsgHelloConnBody)
	if body.DstNodeID != 2 {
		t.Fatalf("unexpected DstNodeID %d", body.DstNodeID)
	}
}

func TestServiceConnErrResolvesRequest(t *testing.T) {
	svc, server := newTestServicePair(t)

	resultCh := svc.RequestConnect(2)
	readOneMessage(t, server) // the HELLO_CONN

	b, err := dproto.Encode(dproto.Message{
		Code: dproto.MsgConnErr,
		Body: &dproto.MsgConnErrBody{ConnID: 1, ErrCode: uint32(dproto.ErrNotFound)},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := server.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case res := <-resultCh:
		if res.Err != dproto.ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request was never resolved")
	}
}

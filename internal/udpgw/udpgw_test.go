package udpgw

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	f := frame{
		flags:   0,
		conID:   7,
		addr:    &net.UDPAddr{IP: net.ParseIP("203.0.113.9").To4(), Port: 53},
		payload: []byte("hello"),
	}
	b := encodeFrame(f)
	got, err := decodeFrame(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.conID != f.conID || !got.addr.IP.Equal(f.addr.IP) || got.addr.Port != f.addr.Port {
		t.Fatalf("round trip mismatch: %#v", got)
	}
	if string(got.payload) != "hello" {
		t.Fatalf("payload mismatch: %q", got.payload)
	}
}

func TestDecodeFrameRejectsShortHeader(t *testing.T) {
	if _, err := decodeFrame([]byte{1}); err == nil {
		t.Fatal("expected error for short header")
	}
}

// fakeConn is an in-memory Conn: frames written by the gateway are captured,
// and frames queued by the test are delivered via ReadFrame.
type fakeConn struct {
	in  chan []byte
	out chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 8), out: make(chan []byte, 8)}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	b, ok := <-c.in
	if !ok {
		return nil, net.ErrClosed
	}
	return b, nil
}

func (c *fakeConn) WriteFrame(b []byte) error {
	c.out <- b
	return nil
}

func TestGatewayRelaysDatagramToDestinationAndBack(t *testing.T) {
	dest, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer dest.Close()

	go func() {
		buf := make([]byte, 2048)
		n, from, err := dest.ReadFrom(buf)
		if err != nil {
			return
		}
		dest.WriteTo(buf[:n], from)
	}()

	conn := newFakeConn()
	gw := New(zap.NewNop(), conn, 10)
	go gw.Run()
	defer gw.Close()

	destAddr := dest.LocalAddr().(*net.UDPAddr)
	req := encodeFrame(frame{conID: 1, addr: destAddr, payload: []byte("ping")})
	conn.in <- req

	select {
	case reply := <-conn.out:
		got, err := decodeFrame(reply)
		if err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if string(got.payload) != "ping" {
			t.Fatalf("unexpected echo payload: %q", got.payload)
		}
		if got.conID != 1 {
			t.Fatalf("unexpected conid %d", got.conID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never relayed a reply back to the client")
	}
}

func TestGatewayRejectsConnectionsPastLimit(t *testing.T) {
	conn := newFakeConn()
	gw := New(zap.NewNop(), conn, 1)
	go gw.Run()
	defer gw.Close()

	dest, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer dest.Close()
	addr := dest.LocalAddr().(*net.UDPAddr)

	conn.in <- encodeFrame(frame{conID: 1, addr: addr, payload: []byte("a")})
	time.Sleep(50 * time.Millisecond)
	conn.in <- encodeFrame(frame{conID: 2, addr: addr, payload: []byte("b")})
	time.Sleep(50 * time.Millisecond)

	gw.mu.Lock()
	n := len(gw.relays)
	gw.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly 1 relay to survive the cap, got %d", n)
	}
}

package rendezvous

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dtun-go/dtun/internal/dproto"
	"github.com/dtun-go/dtun/internal/portalloc"
)

func newTestAllocator() *portalloc.Allocator {
	return portalloc.New(zap.NewNop(), 16, 16, time.Hour)
}

func TestFastSessionOwnerHappyPath(t *testing.T) {
	ctrl := &fakeCtrl{}
	var lastSock *fakeSock
	factory := func() (punchSocket, error) {
		lastSock = newFakeSock()
		return lastSock, nil
	}

	resultCh := make(chan Result, 1)
	connID := dproto.ConnID{NodeID: 1, Idx: 7}
	fs := NewFastSession(zap.NewNop(), newTestAllocator(), ctrl, connID, true, factory, func(r Result) {
		resultCh <- r
	})

	fs.Start()
	if fs.state != StatePreparing {
		t.Fatalf("expected Preparing after Start, got %v", fs.state)
	}

	sent := ctrl.sent()
	if len(sent) != 1 || sent[0].Code != dproto.MsgReady {
		t.Fatalf("expected a single READY, got %#v", sent)
	}

	peerIP := net.ParseIP("198.51.100.9")
	fs.OnFast(peerIP, 4500)
	if fs.state != StatePunching {
		t.Fatalf("expected Punching after OnFast, got %v", fs.state)
	}

	fs.OnPunchReply(peerIP, 4500)

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("unexpected error result: %v", res.Err)
		}
		if res.Handle != lastSock {
			t.Fatalf("result handle does not match the punching socket")
		}
		if !res.PeerIP.Equal(peerIP) || res.PeerPort != 4500 {
			t.Fatalf("unexpected peer in result: %v:%d", res.PeerIP, res.PeerPort)
		}
	case <-time.After(time.Second):
		t.Fatal("session never completed")
	}
}

func TestFastSessionNonOwnerWaitsForReady(t *testing.T) {
	ctrl := &fakeCtrl{}
	factory := func() (punchSocket, error) { return newFakeSock(), nil }
	connID := dproto.ConnID{NodeID: 2, Idx: 9}

	fs := NewFastSession(zap.NewNop(), newTestAllocator(), ctrl, connID, false, factory, func(Result) {})
	fs.Start()

	if len(ctrl.sent()) != 0 {
		t.Fatalf("non-owner must not send before OnReady")
	}

	fs.OnReady()
	sent := ctrl.sent()
	if len(sent) != 0 || fs.sock == nil {
		t.Fatalf("expected OnReady to open a punching socket without sending a control message, got %#v", sent)
	}
}

func TestFastSessionIgnoresReplyFromWrongPeer(t *testing.T) {
	ctrl := &fakeCtrl{}
	factory := func() (punchSocket, error) { return newFakeSock(), nil }
	connID := dproto.ConnID{NodeID: 3, Idx: 1}

	fired := false
	fs := NewFastSession(zap.NewNop(), newTestAllocator(), ctrl, connID, true, factory, func(Result) {
		fired = true
	})
	fs.Start()
	fs.OnFast(net.ParseIP("198.51.100.9"), 4500)

	fs.OnPunchReply(net.ParseIP("203.0.113.1"), 4500) // wrong IP
	if fired {
		t.Fatalf("session completed on a reply from an unexpected peer")
	}
}

func TestFastSessionOuterWatchdogFailsSession(t *testing.T) {
	ctrl := &fakeCtrl{}
	factory := func() (punchSocket, error) { return newFakeSock(), nil }
	connID := dproto.ConnID{NodeID: 4, Idx: 2}

	resultCh := make(chan Result, 1)
	fs := NewFastSession(zap.NewNop(), newTestAllocator(), ctrl, connID, false, factory, func(r Result) {
		resultCh <- r
	})
	fs.Start()
	fs.watchdog.Reset(10 * time.Millisecond)

	select {
	case res := <-resultCh:
		if res.Err == nil {
			t.Fatalf("expected watchdog failure, got success")
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog never fired")
	}
}

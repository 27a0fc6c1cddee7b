package rendezvous

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dtun-go/dtun/internal/dproto"
)

func TestSymmConnectorSendsNextAndOpensPool(t *testing.T) {
	ctrl := &fakeCtrl{}
	opened := 0
	factory := func() (punchSocket, error) {
		opened++
		return newFakeSock(), nil
	}
	connID := dproto.ConnID{NodeID: 10, Idx: 1}

	cs := NewSymmConnectorSession(zap.NewNop(), newTestAllocator(), ctrl, connID, factory, func(Result) {})
	cs.Start()

	if opened != symmConnectorPoolSize {
		t.Fatalf("expected %d pool sockets opened, got %d", symmConnectorPoolSize, opened)
	}
	sent := ctrl.sent()
	if len(sent) != 1 || sent[0].Code != dproto.MsgSymmNext {
		t.Fatalf("expected a single SYMM_NEXT, got %#v", sent)
	}
}

func TestSymmConnectorOnPingClosesLosersAndSucceeds(t *testing.T) {
	ctrl := &fakeCtrl{}
	var socks []*fakeSock
	factory := func() (punchSocket, error) {
		s := newFakeSock()
		socks = append(socks, s)
		return s, nil
	}
	connID := dproto.ConnID{NodeID: 11, Idx: 2}

	resultCh := make(chan Result, 1)
	cs := NewSymmConnectorSession(zap.NewNop(), newTestAllocator(), ctrl, connID, factory, func(r Result) {
		resultCh <- r
	})
	cs.Start()

	winner := socks[3]
	peerIP := net.ParseIP("198.51.100.20")
	cs.OnPing(winner, peerIP, 55000)

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.Handle != winner {
			t.Fatalf("result handle is not the winning socket")
		}
	case <-time.After(time.Second):
		t.Fatal("connector session never completed")
	}

	for i, s := range socks {
		if s == winner {
			continue
		}
		if !s.closed {
			t.Fatalf("loser socket %d was not closed", i)
		}
	}
}

func TestSymmAcceptorAdvancesStepsAndSendsSymmNext(t *testing.T) {
	ctrl := &fakeCtrl{}
	factory := func() (punchSocket, error) { return newFakeSock(), nil }
	connID := dproto.ConnID{NodeID: 12, Idx: 3}

	as := NewSymmAcceptorSession(zap.NewNop(), newTestAllocator(), ctrl, connID, net.ParseIP("198.51.100.30"), factory, func(Result) {})
	as.Start()

	deadline := time.After(10 * time.Second)
	for {
		if len(ctrl.sent()) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("acceptor never advanced a step (no SYMM_NEXT observed)")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if ctrl.sent()[0].Code != dproto.MsgSymmNext {
		t.Fatalf("expected SYMM_NEXT on step advance, got %#v", ctrl.sent()[0])
	}
}

func TestSymmAcceptorConfirmsReplyBeforeSucceeding(t *testing.T) {
	ctrl := &fakeCtrl{}
	var sock *fakeSock
	factory := func() (punchSocket, error) {
		sock = newFakeSock()
		return sock, nil
	}
	peerIP := net.ParseIP("198.51.100.40")
	connID := dproto.ConnID{NodeID: 13, Idx: 4}

	resultCh := make(chan Result, 1)
	as := NewSymmAcceptorSession(zap.NewNop(), newTestAllocator(), ctrl, connID, peerIP, factory, func(r Result) {
		resultCh <- r
	})
	as.Start()
	as.OnPunchReply(peerIP, 61000)

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.PeerPort != 61000 {
			t.Fatalf("unexpected peer port %d", res.PeerPort)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor never confirmed and succeeded")
	}

	if sock.writeCount() < symmConfirmCount {
		t.Fatalf("expected at least %d confirmation pings, got %d", symmConfirmCount, sock.writeCount())
	}
}

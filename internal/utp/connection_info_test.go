package utp

import (
	"net"
	"testing"
	"time"
)

func TestInboundDatagramTracksNewPeerTag(t *testing.T) {
	ci := newConnectionInfo(nil, 5000, nil, nil)
	ip := net.ParseIP("203.0.113.5")
	tag := NewTag(4000, 1)

	ci.onInboundDatagram(ip, 4000, tag)

	port, ok := ci.resolvePeerPort(ip, tag)
	if !ok || port != 4000 {
		t.Fatalf("expected port 4000 for fresh tag, got %d (ok=%v)", port, ok)
	}
}

func TestInboundDatagramDetectsNATRebind(t *testing.T) {
	ci := newConnectionInfo(nil, 5000, nil, nil)
	ip := net.ParseIP("203.0.113.5")
	tag := NewTag(4000, 1)

	ci.onInboundDatagram(ip, 4000, tag)
	ci.onInboundDatagram(ip, 4555, tag) // peer's NAT rebound to a new port

	port, ok := ci.resolvePeerPortByIP(ip)
	if !ok || port != 4555 {
		t.Fatalf("expected rebind to update mapped port to 4555, got %d (ok=%v)", port, ok)
	}
}

func TestMarkActiveAndReapInactive(t *testing.T) {
	ci := newConnectionInfo(nil, 5000, nil, nil)
	ip := net.ParseIP("203.0.113.5")
	tag := NewTag(4000, 1)

	ci.onInboundDatagram(ip, 4000, tag)
	ci.reapInactive(ip, tag) // firewall callback never fired

	if _, ok := ci.resolvePeerPort(ip, tag); ok {
		t.Fatalf("expected inactive tag entry to be reaped")
	}

	ci.onInboundDatagram(ip, 4000, tag)
	ci.markActive(ip, tag)
	ci.reapInactive(ip, tag) // now active, must survive

	if _, ok := ci.resolvePeerPort(ip, tag); !ok {
		t.Fatalf("expected active tag entry to survive reaping")
	}
}

func TestConnectionInfoExistsIffReferenced(t *testing.T) {
	released := make(chan struct{}, 1)
	ci := newConnectionInfo(nil, 5000, nil, func(*ConnectionInfo) {
		released <- struct{}{}
	})

	ci.acquireHandle()
	conv := uint32(42)
	ci.addEngineSocket(conv)

	handles, sockets := ci.numHandlesAndSockets()
	if handles != 1 || sockets != 1 {
		t.Fatalf("expected 1 handle and 1 engine socket, got %d/%d", handles, sockets)
	}

	ci.removeEngineSocket(conv)
	ci.releaseHandle(true) // abrupt path uses the short grace delay

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatalf("ConnectionInfo was not released after handles and sockets both reached zero")
	}
}

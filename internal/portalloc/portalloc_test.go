package portalloc

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestReserveZeroPoolsFailsImmediately(t *testing.T) {
	a := New(zap.NewNop(), 0, 0, 30*time.Second)

	if r := a.Reserve(Symm, 1); r != nil {
		t.Fatalf("expected nil reservation from an empty symm pool")
	}
	if r := a.Reserve(Fast, 1); r != nil {
		t.Fatalf("expected nil reservation from an empty fast pool")
	}
}

func TestReserveAndFreeRoundTrip(t *testing.T) {
	a := New(zap.NewNop(), 2, 2, 10*time.Millisecond)

	r := a.Reserve(Fast, 2)
	if r == nil {
		t.Fatalf("expected reservation to succeed")
	}
	if len(r.Ports()) != 2 {
		t.Fatalf("expected 2 ports, got %d", len(r.Ports()))
	}

	stats := a.Stats()
	if stats.ReservedPorts[Fast] != 2 {
		t.Fatalf("expected 2 reserved fast ports, got %d", stats.ReservedPorts[Fast])
	}

	r.Free()

	stats = a.Stats()
	if stats.ReservedPorts[Fast] != 0 {
		t.Fatalf("expected 0 reserved fast ports after free, got %d", stats.ReservedPorts[Fast])
	}
}

func TestReservationDecayBlocksWaitlist(t *testing.T) {
	a := New(zap.NewNop(), 0, 1, 40*time.Millisecond)

	r := a.Reserve(Fast, 1)
	if r == nil {
		t.Fatalf("expected initial reservation to succeed")
	}
	r.Free()

	// Immediately requesting the single fast port again must not succeed
	// synchronously: it should queue and resolve only after the decay
	// interval elapses.
	if r2 := a.Reserve(Fast, 1); r2 != nil {
		t.Fatalf("expected reservation to be blocked by decay, got an immediate grant")
	}

	done := make(chan struct{})
	res := a.ReserveDelayed(Fast, 1, func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("delayed reservation never satisfied")
	}

	if len(res.Ports()) != 1 {
		t.Fatalf("expected delayed reservation to hold 1 port")
	}
}

func TestKeepaliveRetainsOnlyFirstPort(t *testing.T) {
	a := New(zap.NewNop(), 0, 4, 30*time.Second)

	r := a.Reserve(Fast, 4)
	if r == nil {
		t.Fatalf("expected reservation to succeed")
	}
	first := r.Ports()[0]

	r.Keepalive()

	ports := r.Ports()
	if len(ports) != 1 || ports[0] != first {
		t.Fatalf("expected keepalive to retain only the first port %d, got %v", first, ports)
	}

	stats := a.Stats()
	if stats.ReservedPorts[Fast] != 1 {
		t.Fatalf("expected 1 reserved fast port after keepalive, got %d", stats.ReservedPorts[Fast])
	}
}

func TestInvariantReservedNeverExceedsPool(t *testing.T) {
	a := New(zap.NewNop(), 3, 5, 30*time.Second)

	var held []*Reservation
	for i := 0; i < 10; i++ {
		if r := a.Reserve(Fast, 1); r != nil {
			held = append(held, r)
		}
	}

	stats := a.Stats()
	if stats.ReservedPorts[Fast] > stats.NumPorts[Fast] {
		t.Fatalf("reserved %d exceeds pool %d", stats.ReservedPorts[Fast], stats.NumPorts[Fast])
	}
	if len(held) != 5 {
		t.Fatalf("expected exactly 5 successful single-port fast reservations, got %d", len(held))
	}

	for _, r := range held {
		r.Free()
	}
}

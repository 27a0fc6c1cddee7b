package mtu

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"
)

// fakeSender emulates a path with a fixed MTU: probes at or below pathMTU
// succeed immediately (through d.OnReply), larger ones are silently
// dropped so the caller's timeout path fires instead.
type fakeSender struct {
	d       *Discovery
	pathMTU int
}

func (f *fakeSender) SendProbe(payload []byte) error {
	if len(payload) <= f.pathMTU {
		reply := make([]byte, 4)
		binary.LittleEndian.PutUint32(reply, binary.LittleEndian.Uint32(payload))
		go f.d.OnReply(reply)
	}
	return nil
}

func TestConvergesToPathMTU(t *testing.T) {
	var mu sync.Mutex
	var result int
	done := make(chan struct{})

	sender := &fakeSender{pathMTU: 1430}
	d := New(sender, 1200, 1500, func(mtu int) {
		mu.Lock()
		result = mtu
		mu.Unlock()
		close(done)
	})
	sender.d = d
	// Shrink the per-probe timeout and retry count so a multi-level
	// binary search (each level needing up to timeoutsToLower real
	// timeouts before the window narrows) fits in a fast test run
	// instead of the package's production probeTimeout/timeoutsToLower.
	d.probeTimeout = 10 * time.Millisecond
	d.timeoutsToLower = 3

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("discovery did not converge")
	}

	mu.Lock()
	defer mu.Unlock()
	if result < 1200 || result > 1430 {
		t.Fatalf("converged MTU %d outside expected [1200,1430] floor range", result)
	}
}

func TestStaleReplyIgnored(t *testing.T) {
	// A path MTU below every probe size means no real probe is answered, so
	// the stale reply below is the only thing that could trigger convergence.
	sender := &fakeSender{pathMTU: 0}
	fired := make(chan int, 1)
	d := New(sender, 1200, 1500, func(mtu int) { fired <- mtu })
	sender.d = d

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stale := make([]byte, 4)
	binary.LittleEndian.PutUint32(stale, 999)
	d.OnReply(stale)

	select {
	case <-fired:
		t.Fatalf("convergence fired early in response to a stale reply")
	case <-time.After(100 * time.Millisecond):
	}
}

// Package mtu implements path MTU discovery over an unreliable datagram
// transport by binary search: probe at the midpoint size, raise the floor
// on a timely reply, lower the ceiling after repeated timeouts at that
// size, and converge once the search window is narrow enough.
package mtu

import (
	"encoding/binary"
	"sync"
	"time"
)

const (
	probeTimeout    = 3 * time.Second
	timeoutsToLower = 6
	convergeWindow  = 16
)

// Sender transmits a probe or probe-reply payload to the peer. Discovery
// builds each probe payload itself: curMTU bytes holding the little-endian
// probe index in the first 4 bytes and zero filler after it; any transport
// header is the Sender's to add.
type Sender interface {
	SendProbe(payload []byte) error
}

// Discovery runs the binary-search MTU convergence algorithm described in
// the specification against one peer.
type Discovery struct {
	sender Sender
	minMTU int
	maxMTU int

	// probeTimeout and timeoutsToLower default to the package constants;
	// tests narrow them to keep convergence time bounded without a real
	// multi-second wait per probe.
	probeTimeout    time.Duration
	timeoutsToLower int

	mu       sync.Mutex
	curIndex uint32
	curMTU   int
	curTries int
	timer    *time.Timer
	done     bool
	onDone   func(mtu int)
}

// New constructs a Discovery bounded by [minMTU, maxMTU]. onDone is invoked
// exactly once, with the converged MTU, from whichever goroutine observes
// convergence.
func New(sender Sender, minMTU, maxMTU int, onDone func(mtu int)) *Discovery {
	return &Discovery{
		sender:          sender,
		minMTU:          minMTU,
		maxMTU:          maxMTU,
		curMTU:          (minMTU + maxMTU) / 2,
		onDone:          onDone,
		probeTimeout:    probeTimeout,
		timeoutsToLower: timeoutsToLower,
	}
}

// Start sends the first probe and arms the timeout.
func (d *Discovery) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendProbeLocked()
}

func (d *Discovery) sendProbeLocked() error {
	payload := make([]byte, d.curMTU)
	binary.LittleEndian.PutUint32(payload, d.curIndex)

	if d.timer != nil {
		d.timer.Stop()
	}
	idx := d.curIndex
	d.timer = time.AfterFunc(d.probeTimeout, func() { d.onTimeout(idx) })

	return d.sender.SendProbe(payload)
}

// OnReply must be called with the reply payload (starting with the
// 4-byte little-endian index the probe carried).
func (d *Discovery) OnReply(payload []byte) {
	if len(payload) < 4 {
		return
	}
	idx := binary.LittleEndian.Uint32(payload)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done || idx != d.curIndex {
		return // stale reply for a superseded probe, ignored
	}

	d.minMTU = d.curMTU
	d.advanceLocked()
}

func (d *Discovery) onTimeout(idx uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done || idx != d.curIndex {
		return
	}

	d.curTries++
	if d.curTries < d.timeoutsToLower {
		d.sendProbeLocked()
		return
	}

	d.maxMTU = d.curMTU - 1
	d.advanceLocked()
}

// advanceLocked re-centers the search window, checks for convergence, and
// either fires onDone or issues the next probe. Caller holds d.mu.
func (d *Discovery) advanceLocked() {
	if d.maxMTU-d.minMTU <= convergeWindow {
		d.done = true
		if d.timer != nil {
			d.timer.Stop()
		}
		go d.onDone(d.minMTU)
		return
	}

	d.curMTU = (d.minMTU + d.maxMTU) / 2
	d.curIndex++
	d.curTries = 0
	d.sendProbeLocked()
}

// Stop aborts discovery without calling onDone.
func (d *Discovery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done = true
	if d.timer != nil {
		d.timer.Stop()
	}
}

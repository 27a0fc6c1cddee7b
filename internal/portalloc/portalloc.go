// Package portalloc hands out port-identifier leases for the NAT-traversal
// plane. It tracks two independent pools -- Symm ports used by the
// symmetric-NAT rendezvous strategy and Fast ports used by the fast
// strategy -- each with its own size, waitlist, and decay grace period.
package portalloc

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Class identifies which pool a port belongs to.
type Class int

const (
	Symm Class = iota
	Fast
	numClasses = 2
)

func (c Class) String() string {
	if c == Symm {
		return "symm"
	}
	return "fast"
}

type status int

const (
	statusFree status = iota
	statusReservedSymm
	statusReservedFast
)

// portState is one leaseable identifier. Ports live for the entire process
// lifetime; only status and decayTime mutate.
type portState struct {
	id        uint32
	status    status
	decayTime time.Time // zero value + infinite flag below
	infinite  bool       // decayTime == +infinity (in active use)
}

func (p *portState) decayed(now time.Time) bool {
	if p.infinite {
		return false
	}
	return !p.decayTime.After(now)
}

// Reservation is owned by the caller. While alive it holds a non-empty list
// of leased port ids; Free returns them to the Free state and schedules
// their decay.
type Reservation struct {
	a     *Allocator
	class Class
	ports []*portState

	// waitlist linkage, valid only while the reservation is queued
	elem *list.Element
}

// Ports returns the currently held port ids, in reservation order.
func (r *Reservation) Ports() []uint32 {
	ids := make([]uint32, len(r.ports))
	for i, p := range r.ports {
		ids[i] = p.id
	}
	return ids
}

// Keepalive keeps only the first port of the reservation, releasing the
// rest to decaying state. It models "probe many ports, keep one" punching.
func (r *Reservation) Keepalive() {
	r.a.keepalive(r)
}

// Free releases all ports held by the reservation. Safe to call on an
// empty (already-freed, or never-satisfied and cancelled) reservation.
func (r *Reservation) Free() {
	r.a.free(r)
}

type request struct {
	numPorts int
	res      *Reservation
	callback func()
}

// Allocator is the shared, mutex-guarded port pool.
type Allocator struct {
	log *zap.Logger

	decayTimeout time.Duration

	mu           sync.Mutex
	numPorts     [numClasses]int
	reservedPorts [numClasses]int
	ports        []*portState // kept sorted by (decayTime ASC, id ASC)
	waitlists    [numClasses]*list.List
	decayRunning bool

	timerMu    sync.Mutex
	timerGen   int
}

// New constructs an allocator with the given pool sizes and decay grace
// period (typically 30s).
func New(log *zap.Logger, numSymmPorts, numFastPorts int, decayTimeout time.Duration) *Allocator {
	a := &Allocator{
		log:          log,
		decayTimeout: decayTimeout,
	}
	a.numPorts[Symm] = numSymmPorts
	a.numPorts[Fast] = numFastPorts
	a.waitlists[Symm] = list.New()
	a.waitlists[Fast] = list.New()

	total := numSymmPorts + numFastPorts
	a.ports = make([]*portState, total)
	for i := 0; i < total; i++ {
		a.ports[i] = &portState{id: uint32(i), status: statusFree}
	}
	return a
}

func (a *Allocator) statusFor(c Class) status {
	if c == Symm {
		return statusReservedSymm
	}
	return statusReservedFast
}

// sortPorts keeps a.ports ordered (decayTime ASC, id ASC); infinite-decay
// (in-use) ports sort last.
func (a *Allocator) sortPorts() {
	sort.Slice(a.ports, func(i, j int) bool {
		pi, pj := a.ports[i], a.ports[j]
		if pi.infinite != pj.infinite {
			return !pi.infinite
		}
		if !pi.infinite && !pi.decayTime.Equal(pj.decayTime) {
			return pi.decayTime.Before(pj.decayTime)
		}
		return pi.id < pj.id
	})
}

// reservePorts scans the sorted set for up to numPorts free, non-decaying
// entries. Returns nil if fewer than numPorts are available, in which case
// nothing is mutated.
func (a *Allocator) reservePorts(numPorts int, class Class) []*portState {
	now := time.Now()
	a.sortPorts()

	var picked []*portState
	for _, p := range a.ports {
		if len(picked) == numPorts {
			break
		}
		if !p.decayed(now) {
			continue
		}
		if p.status == statusFree {
			picked = append(picked, p)
		}
	}

	if len(picked) != numPorts {
		return nil
	}

	st := a.statusFor(class)
	for _, p := range picked {
		p.status = st
		p.infinite = true
	}
	a.reservedPorts[class] += numPorts
	return picked
}

// Reserve immediately reserves numPorts ports of the given class, or
// returns nil if the pool cannot currently satisfy the request (because of
// capacity or decay-grace ports not yet free).
func (a *Allocator) Reserve(class Class, numPorts int) *Reservation {
	a.mu.Lock()
	defer a.mu.Unlock()

	if numPorts > a.numPorts[class]-a.reservedPorts[class] {
		return nil
	}

	ports := a.reservePorts(numPorts, class)
	if ports == nil {
		return nil
	}

	return &Reservation{a: a, class: class, ports: ports}
}

// ReserveDelayed queues a reservation request that is satisfied as soon as
// capacity allows, calling callback exactly once (possibly synchronously
// from a later Free/decay event, never from within ReserveDelayed itself).
// The returned Reservation's Ports() is empty until callback fires.
func (a *Allocator) ReserveDelayed(class Class, numPorts int, callback func()) *Reservation {
	res := &Reservation{a: a, class: class}

	a.mu.Lock()
	elem := a.waitlists[class].PushBack(&request{numPorts: numPorts, res: res, callback: callback})
	res.elem = elem
	a.mu.Unlock()

	go a.processRequests(class)

	return res
}

func (a *Allocator) keepalive(r *Reservation) {
	a.mu.Lock()

	if len(r.ports) == 0 {
		a.mu.Unlock()
		return
	}

	now := time.Now()
	kept := r.ports[0]
	rest := r.ports[1:]
	for _, p := range rest {
		p.status = statusFree
		p.infinite = false
		p.decayTime = now.Add(a.decayTimeout)
	}
	a.reservedPorts[r.class] -= len(rest)

	r.ports = []*portState{kept}
	kept.decayTime = time.Time{}
	kept.infinite = true

	startDecay := len(rest) > 0 && !a.decayRunning
	if startDecay {
		a.decayRunning = true
	}
	a.mu.Unlock()

	go a.processRequests(r.class)

	if startDecay {
		a.scheduleDecay(a.decayTimeout + time.Millisecond)
	}
}

func (a *Allocator) free(r *Reservation) {
	a.mu.Lock()

	if r.elem != nil {
		a.waitlists[r.class].Remove(r.elem)
		r.elem = nil
		a.mu.Unlock()
		return
	}

	if len(r.ports) == 0 {
		a.mu.Unlock()
		return
	}

	now := time.Now()
	startDecay := false
	for _, p := range r.ports {
		p.status = statusFree
		if p.infinite {
			p.infinite = false
			p.decayTime = now.Add(a.decayTimeout)
			startDecay = true
		}
	}
	a.reservedPorts[r.class] -= len(r.ports)
	r.ports = nil

	running := a.decayRunning
	if !running && startDecay {
		a.decayRunning = true
	}
	a.mu.Unlock()

	go a.processRequests(Symm)
	go a.processRequests(Fast)

	if startDecay && !running {
		a.scheduleDecay(a.decayTimeout + time.Millisecond)
	}
}

// scheduleDecay arranges onDecayTimeout to run once after d, unless a newer
// schedule has since superseded it.
func (a *Allocator) scheduleDecay(d time.Duration) {
	a.timerMu.Lock()
	a.timerGen++
	gen := a.timerGen
	a.timerMu.Unlock()

	time.AfterFunc(d, func() {
		a.timerMu.Lock()
		stale := gen != a.timerGen
		a.timerMu.Unlock()
		if stale {
			return
		}
		a.onDecayTimeout()
	})
}

func (a *Allocator) onDecayTimeout() {
	a.processRequests(Symm)
	a.processRequests(Fast)

	a.mu.Lock()
	a.decayRunning = false

	now := time.Now()
	var nextTimeout time.Duration
	for _, p := range a.ports {
		if !p.infinite && p.decayTime.After(now) {
			a.decayRunning = true
			nextTimeout = p.decayTime.Sub(now) + time.Millisecond
			break
		}
	}
	a.mu.Unlock()

	if nextTimeout > 0 {
		a.scheduleDecay(nextTimeout)
	}
}

// processRequests services one class's waitlist FIFO, invoking callbacks
// outside the lock so they may re-enter the allocator.
func (a *Allocator) processRequests(class Class) {
	for {
		a.mu.Lock()
		wl := a.waitlists[class]
		front := wl.Front()
		if front == nil {
			a.mu.Unlock()
			return
		}
		req := front.Value.(*request)

		if req.numPorts > a.numPorts[class]-a.reservedPorts[class] {
			a.mu.Unlock()
			return
		}

		ports := a.reservePorts(req.numPorts, class)
		if ports == nil {
			a.mu.Unlock()
			return
		}

		req.res.ports = ports
		req.res.elem = nil
		wl.Remove(front)
		a.mu.Unlock()

		req.callback()
	}
}

// Stats reports current pool utilization, for metrics export.
type Stats struct {
	NumPorts      [numClasses]int
	ReservedPorts [numClasses]int
	WaitlistLen   [numClasses]int
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var s Stats
	s.NumPorts = a.numPorts
	s.ReservedPorts = a.reservedPorts
	s.WaitlistLen[Symm] = a.waitlists[Symm].Len()
	s.WaitlistLen[Fast] = a.waitlists[Fast].Len()
	return s
}

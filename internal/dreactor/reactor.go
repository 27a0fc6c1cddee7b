// Package dreactor implements SysReactor: a single-thread, epoll-driven
// event loop that multiplexes non-blocking kernel socket I/O and scheduled
// callbacks, and that other goroutines can safely add/remove/update
// handlers on, or post/dispatch callbacks into, while it runs.
package dreactor

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// EventMask is the set of poll events a Handler wants delivered.
type EventMask uint32

const (
	EventRead EventMask = 1 << iota
	EventWrite
)

func (m EventMask) epollBits() uint32 {
	var bits uint32
	if m&EventRead != 0 {
		bits |= unix.EPOLLIN
	}
	if m&EventWrite != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}

// Handler is registered against a reactor for one fd. HandleRead/HandleWrite
// run on the reactor goroutine; they must not block.
type Handler interface {
	FD() int
	HandleRead()
	HandleWrite()
}

type socketEntry struct {
	cookie  uint64
	handler Handler
	fd      int
	mask    EventMask
	inEpoll bool
}

type timerEntry struct {
	deadline time.Time
	seq      uint64
	cb       func()
	index    int
	canceled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Reactor is SysReactor: one goroutine driving epoll_wait, a timer
// priority queue, and a cookie-keyed handler registry that cross-thread
// callers mutate under a mutex.
type Reactor struct {
	log *zap.Logger

	epfd         int
	wakeR, wakeW int

	mu         sync.Mutex
	cond       *sync.Cond
	nextCookie uint64
	cookieOf   map[Handler]uint64
	entries    map[uint64]*socketEntry
	fdToEntry  map[int]*socketEntry
	inFlight   map[uint64]int
	stopped    bool

	timerMu  sync.Mutex
	timers   timerHeap
	timerSeq uint64

	dispatchMu    sync.Mutex
	dispatchQueue []func()

	// reactorGID is neither set nor read; Dispatch does not detect the
	// reactor's own goroutine.
	reactorGID int64
}

// New creates a Reactor. Call Run from the goroutine that should own it.
func New(log *zap.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dreactor: epoll_create1: %w", err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("dreactor: self-pipe: %w", err)
	}

	r := &Reactor{
		log:       log,
		epfd:      epfd,
		wakeR:     fds[0],
		wakeW:     fds[1],
		cookieOf:  make(map[Handler]uint64),
		entries:   make(map[uint64]*socketEntry),
		fdToEntry: make(map[int]*socketEntry),
		inFlight:  make(map[uint64]int),
	}
	r.cond = sync.NewCond(&r.mu)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r.wakeR)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, r.wakeR, &ev); err != nil {
		unix.Close(r.epfd)
		unix.Close(r.wakeR)
		unix.Close(r.wakeW)
		return nil, fmt.Errorf("dreactor: arm self-pipe: %w", err)
	}

	return r, nil
}

// Add registers handler for the given initial event mask and assigns it a
// monotonically increasing cookie.
func (r *Reactor) Add(handler Handler, mask EventMask) error {
	r.mu.Lock()
	r.nextCookie++
	cookie := r.nextCookie
	se := &socketEntry{cookie: cookie, handler: handler, fd: handler.FD(), mask: mask}
	r.entries[cookie] = se
	r.fdToEntry[se.fd] = se
	r.cookieOf[handler] = cookie
	r.mu.Unlock()

	ev := unix.EpollEvent{Events: mask.epollBits(), Fd: int32(se.fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, se.fd, &ev); err != nil {
		return fmt.Errorf("dreactor: epoll_ctl add fd=%d: %w", se.fd, err)
	}

	r.mu.Lock()
	se.inEpoll = true
	r.mu.Unlock()
	return nil
}

// Update recomputes the desired poll mask for handler. A no-op mask change
// costs no syscall.
func (r *Reactor) Update(handler Handler, mask EventMask) error {
	r.mu.Lock()
	cookie, ok := r.cookieOf[handler]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	se := r.entries[cookie]
	if se.mask == mask {
		r.mu.Unlock()
		return nil
	}
	se.mask = mask
	fd := se.fd
	inEpoll := se.inEpoll
	r.mu.Unlock()

	if !inEpoll {
		return nil
	}

	// del+add rather than mod, so stale wakeups queued against the old
	// mask are drained rather than delivered against the new handler state.
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	ev := unix.EpollEvent{Events: mask.epollBits(), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("dreactor: epoll_ctl re-add fd=%d: %w", fd, err)
	}
	return nil
}

// Remove unregisters handler. It blocks until any in-flight dispatch of
// this handler has returned, so that by the time Remove returns the caller
// may safely close the underlying fd.
func (r *Reactor) Remove(handler Handler) {
	r.mu.Lock()
	cookie, ok := r.cookieOf[handler]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.cookieOf, handler)
	se := r.entries[cookie]
	delete(r.entries, cookie)
	if se != nil {
		delete(r.fdToEntry, se.fd)
		if se.inEpoll {
			_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, se.fd, nil)
		}
	}

	for r.inFlight[cookie] > 0 {
		r.cond.Wait()
	}
	delete(r.inFlight, cookie)
	r.mu.Unlock()
}

// Post schedules cb to run on the reactor goroutine after delay, ordered
// against other timers by a priority queue on deadline.
func (r *Reactor) Post(cb func(), delay time.Duration) {
	r.timerMu.Lock()
	r.timerSeq++
	e := &timerEntry{deadline: time.Now().Add(delay), seq: r.timerSeq, cb: cb}
	heap.Push(&r.timers, e)
	r.timerMu.Unlock()

	r.wake()
}

// Dispatch queues cb to run on the reactor goroutine on its next tick. It
// always queues: a call made from the reactor goroutine itself does not run
// cb inline.
func (r *Reactor) Dispatch(cb func()) {
	r.dispatchMu.Lock()
	r.dispatchQueue = append(r.dispatchQueue, cb)
	r.dispatchMu.Unlock()
	r.wake()
}

func (r *Reactor) wake() {
	var one [1]byte
	_, _ = unix.Write(r.wakeW, one[:])
}

func (r *Reactor) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// nextTimeoutMs returns the epoll_wait timeout, in milliseconds, derived
// from the earliest pending timer deadline, or -1 to block indefinitely.
func (r *Reactor) nextTimeoutMs() int {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	if len(r.timers) == 0 {
		return -1
	}
	d := time.Until(r.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > int64(1<<30) {
		ms = 1 << 30
	}
	return int(ms)
}

func (r *Reactor) runTimers() {
	now := time.Now()
	for {
		r.timerMu.Lock()
		if len(r.timers) == 0 || r.timers[0].deadline.After(now) {
			r.timerMu.Unlock()
			return
		}
		e := heap.Pop(&r.timers).(*timerEntry)
		r.timerMu.Unlock()

		if !e.canceled {
			e.cb()
		}
	}
}

func (r *Reactor) runDispatchQueue() {
	r.dispatchMu.Lock()
	q := r.dispatchQueue
	r.dispatchQueue = nil
	r.dispatchMu.Unlock()

	for _, cb := range q {
		cb()
	}
}

func (r *Reactor) dispatchFD(fd int, events uint32) {
	r.mu.Lock()
	se := r.fdToEntry[fd]
	if se == nil {
		r.mu.Unlock()
		return
	}
	cookie := se.cookie
	r.inFlight[cookie]++
	handler := se.handler
	r.mu.Unlock()

	if events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		handler.HandleRead()
	}
	if events&unix.EPOLLOUT != 0 {
		handler.HandleWrite()
	}

	r.mu.Lock()
	r.inFlight[cookie]--
	if r.inFlight[cookie] == 0 {
		r.cond.Broadcast()
	}
	r.mu.Unlock()
}

// Run drives the event loop until Stop is called. It must be called from
// exactly one goroutine.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, 128)
	for {
		r.mu.Lock()
		stopped := r.stopped
		r.mu.Unlock()
		if stopped {
			return nil
		}

		n, err := unix.EpollWait(r.epfd, events, r.nextTimeoutMs())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("dreactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakeR {
				r.drainWake()
				continue
			}
			r.dispatchFD(fd, events[i].Events)
		}

		r.runTimers()
		r.runDispatchQueue()
	}
}

// Stop signals Run to return after the current iteration. Safe to call
// from a signal handler.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.wake()
}

// Close releases the epoll fd and self-pipe. Call after Run has returned.
func (r *Reactor) Close() error {
	_ = unix.Close(r.wakeR)
	_ = unix.Close(r.wakeW)
	return unix.Close(r.epfd)
}

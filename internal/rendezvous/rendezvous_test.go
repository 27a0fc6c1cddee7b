package rendezvous

import (
	"net"
	"sync"

	"github.com/dtun-go/dtun/internal/dproto"
	"github.com/dtun-go/dtun/internal/shandle"
)

// fakeCtrl records every message sent over the control channel.
type fakeCtrl struct {
	mu  sync.Mutex
	out []dproto.Message
}

func (f *fakeCtrl) Send(m dproto.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, m)
	return nil
}

func (f *fakeCtrl) sent() []dproto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dproto.Message, len(f.out))
	copy(out, f.out)
	return out
}

// fakeSock is a minimal shandle.Handle standing in for a punching socket in
// tests; it records writes and TTL changes instead of touching a real fd.
type fakeSock struct {
	mu      sync.Mutex
	closed  bool
	ttl     int
	writes  []fakeWrite
	onWrite func(ip net.IP, port int, buf []byte)
}

type fakeWrite struct {
	ip   net.IP
	port int
	buf  []byte
}

func newFakeSock() *fakeSock { return &fakeSock{} }

func (s *fakeSock) LocalAddr() net.Addr { return &net.UDPAddr{Port: 1} }
func (s *fakeSock) PeerAddr() net.Addr  { return nil }
func (s *fakeSock) Duplicate() (int, error) {
	return 3, nil
}
func (s *fakeSock) GetTTL() (int, error) { return s.ttl, nil }
func (s *fakeSock) SetTTL(ttl int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
	return nil
}
func (s *fakeSock) Ping(ip net.IP, port int) error { return nil }
func (s *fakeSock) CanReuse() bool                 { return s.closed }
func (s *fakeSock) Read(buf []byte, mode shandle.ReadMode, cb shandle.ReadCompletion) {}
func (s *fakeSock) Write(buf []byte, cb shandle.WriteCompletion)                      { cb(len(buf), nil) }
func (s *fakeSock) WriteTo(buf []byte, ip net.IP, port int, cb shandle.WriteCompletion) {
	s.mu.Lock()
	s.writes = append(s.writes, fakeWrite{ip: ip, port: port, buf: append([]byte(nil), buf...)})
	cb2 := s.onWrite
	s.mu.Unlock()
	if cb2 != nil {
		cb2(ip, port, buf)
	}
	cb(len(buf), nil)
}
func (s *fakeSock) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSock) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

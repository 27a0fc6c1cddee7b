// Package udpgw implements the UDP gateway sub-module named in §6: it
// accepts client UDP datagrams framed with a small per-connection header
// over a TCP control connection and relays them to their real destination,
// demultiplexing replies back by connection id.
//
// Supplemented from original_source/dnode/udpgw/udpgw.c's udpgw_header
// framing (flags byte + conid + destination address), generalized to the
// channel-per-destination, context-cancelled teardown idiom the teacher
// uses for SOCKS5 UDP association (internal/outline_udp.go).
package udpgw

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Flag bits carried in udpgw_header.flags.
const (
	FlagKeepalive uint8 = 1 << 0
	FlagRebind    uint8 = 1 << 1
	FlagDNS       uint8 = 1 << 2
	FlagIPv6      uint8 = 1 << 3
)

// maxDatagram bounds a single relayed UDP payload.
const maxDatagram = 65507

// connTimeout closes an idle per-conid relay after this much inactivity.
const connTimeout = 30 * time.Second

// frame is one client->gateway message: header + destination address (v4
// unless FlagIPv6) + payload, or just the header for a keepalive.
type frame struct {
	flags   uint8
	conID   uint16
	addr    *net.UDPAddr
	payload []byte
}

// Conn is a length-implicit duplex transport the gateway reads frames from
// and writes frames to, e.g. a net.Conn wrapping a length-prefixed codec.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
}

type relay struct {
	conID  uint16
	pc     net.PacketConn
	origIP net.IP
	last   time.Time
	cancel context.CancelFunc
}

// Gateway relays UDP datagrams on behalf of one client connection,
// multiplexed by conid over a single transport.
type Gateway struct {
	log    *zap.Logger
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc

	maxConns int

	mu     sync.Mutex
	relays map[uint16]*relay
}

// New constructs a Gateway bound to conn, allowing at most maxConns
// concurrent per-client relays (the `--max-connections-for-client` limit).
func New(log *zap.Logger, conn Conn, maxConns int) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		log:      log,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		maxConns: maxConns,
		relays:   make(map[uint16]*relay),
	}
}

// Run drains frames from the transport until it errors or Close is called.
func (g *Gateway) Run() error {
	for {
		b, err := g.conn.ReadFrame()
		if err != nil {
			g.Close()
			return err
		}
		f, err := decodeFrame(b)
		if err != nil {
			g.log.Warn("udpgw: dropping malformed frame", zap.Error(err))
			continue
		}
		g.handleFrame(f)
	}
}

// Close tears down every open relay and stops Run.
func (g *Gateway) Close() {
	g.cancel()
	g.mu.Lock()
	relays := g.relays
	g.relays = make(map[uint16]*relay)
	g.mu.Unlock()
	for _, r := range relays {
		r.cancel()
		r.pc.Close()
	}
}

func (g *Gateway) handleFrame(f frame) {
	if f.flags&FlagKeepalive != 0 {
		g.mu.Lock()
		if r, ok := g.relays[f.conID]; ok {
			r.last = time.Now()
		}
		g.mu.Unlock()
		return
	}

	g.mu.Lock()
	r, ok := g.relays[f.conID]
	rebind := ok && (f.flags&FlagRebind != 0 || !r.origIP.Equal(f.addr.IP))
	g.mu.Unlock()

	if ok && rebind {
		g.closeRelay(f.conID)
		ok = false
	}

	if !ok {
		var err error
		r, err = g.openRelay(f.conID, f.addr.IP)
		if err != nil {
			g.log.Warn("udpgw: failed to open relay", zap.Uint16("conid", f.conID), zap.Error(err))
			return
		}
	}

	r.last = time.Now()
	if _, err := r.pc.WriteTo(f.payload, f.addr); err != nil {
		g.log.Debug("udpgw: write to destination failed", zap.Error(err))
	}
}

func (g *Gateway) openRelay(conID uint16, origIP net.IP) (*relay, error) {
	g.mu.Lock()
	if len(g.relays) >= g.maxConns {
		g.mu.Unlock()
		return nil, fmt.Errorf("udpgw: max connections (%d) reached", g.maxConns)
	}
	g.mu.Unlock()

	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(g.ctx)
	r := &relay{conID: conID, pc: pc, origIP: origIP, last: time.Now(), cancel: cancel}

	g.mu.Lock()
	g.relays[conID] = r
	g.mu.Unlock()

	go g.pumpReplies(ctx, r)
	go g.reapIfIdle(ctx, r)

	return r, nil
}

func (g *Gateway) closeRelay(conID uint16) {
	g.mu.Lock()
	r, ok := g.relays[conID]
	if ok {
		delete(g.relays, conID)
	}
	g.mu.Unlock()
	if ok {
		r.cancel()
		r.pc.Close()
	}
}

func (g *Gateway) pumpReplies(ctx context.Context, r *relay) {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := r.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		udpFrom, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		reply := encodeFrame(frame{conID: r.conID, addr: udpFrom, payload: buf[:n]})
		if err := g.conn.WriteFrame(reply); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (g *Gateway) reapIfIdle(ctx context.Context, r *relay) {
	t := time.NewTicker(connTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if time.Since(r.last) > connTimeout {
				g.closeRelay(r.conID)
				return
			}
		}
	}
}

// decodeFrame parses a client->gateway udpgw frame: 1-byte flags, 2-byte
// conid, then a 4-or-16-byte address + 2-byte port (unless keepalive, which
// carries no address), then the payload.
func decodeFrame(b []byte) (frame, error) {
	if len(b) < 3 {
		return frame{}, fmt.Errorf("udpgw: short header")
	}
	f := frame{flags: b[0], conID: binary.LittleEndian.Uint16(b[1:3])}
	rest := b[3:]

	if f.flags&FlagKeepalive != 0 {
		return f, nil
	}

	addrLen := 4
	if f.flags&FlagIPv6 != 0 {
		addrLen = 16
	}
	if len(rest) < addrLen+2 {
		return frame{}, fmt.Errorf("udpgw: short address")
	}
	ip := net.IP(append([]byte(nil), rest[:addrLen]...))
	port := binary.LittleEndian.Uint16(rest[addrLen : addrLen+2])
	f.addr = &net.UDPAddr{IP: ip, Port: int(port)}
	f.payload = rest[addrLen+2:]
	return f, nil
}

// encodeFrame serializes a gateway->client reply frame in the same layout.
func encodeFrame(f frame) []byte {
	v4 := f.addr.IP.To4()
	addrLen := 4
	flags := f.flags
	if v4 == nil {
		addrLen = 16
		flags |= FlagIPv6
		v4 = f.addr.IP.To16()
	}

	out := make([]byte, 3+addrLen+2+len(f.payload))
	out[0] = flags
	binary.LittleEndian.PutUint16(out[1:3], f.conID)
	copy(out[3:3+addrLen], v4)
	binary.LittleEndian.PutUint16(out[3+addrLen:3+addrLen+2], uint16(f.addr.Port))
	copy(out[3+addrLen+2:], f.payload)
	return out
}

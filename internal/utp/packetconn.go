package utp

import (
	"net"
	"time"
)

// tagPacketConn is the net.PacketConn kcp-go reads/writes through. It is
// where §4.5's inbound/outbound tag handling lives: strip the 16-byte tag
// from inbound datagrams (updating ConnectionInfo's routing table as it
// goes), and prepend the tag the destination peer expects on outbound
// datagrams, translating to that peer's last-known actual UDP port.
type tagPacketConn struct {
	ci *ConnectionInfo
	// defaultPeerIP is used by listener-side conns before any peer has
	// been observed, purely to size address-family handling; per-packet
	// peer IP always comes from the datagram itself.
	defaultPeerIP net.IP
}

func newTagPacketConn(ci *ConnectionInfo, defaultPeerIP net.IP) *tagPacketConn {
	return &tagPacketConn{ci: ci, defaultPeerIP: defaultPeerIP}
}

// ReadFrom implements net.PacketConn. Support-ping probes are consumed
// here and never surfaced to kcp-go; everything else has its tag stripped
// and tracked before the remainder is handed up as the kcp wire payload.
func (c *tagPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	raw := make([]byte, len(p)+16)
	for {
		n, addr, err := c.ci.conn.ReadFrom(raw)
		if err != nil {
			return 0, addr, err
		}

		if isSupportPing(raw[:n]) {
			continue // NAT-keepalive / symm-confirmation probe, drop and re-arm
		}

		if n < 16 {
			continue // malformed for this protocol, drop
		}

		udpAddr, _ := addr.(*net.UDPAddr)
		var tag Tag
		copy(tag[:], raw[:16])

		if udpAddr != nil {
			c.ci.onInboundDatagram(udpAddr.IP, udpAddr.Port, tag)
			c.ci.markActive(udpAddr.IP, tag)
		}

		payload := raw[16:n]
		copied := copy(p, payload)
		return copied, addr, nil
	}
}

// WriteTo implements net.PacketConn: send to the actual port last observed
// for addr's peer IP (addr's own port if none is known), prefixed with a tag
// built from this socket's local port and conv 0, per §4.5's outbound
// handling.
func (c *tagPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, net.InvalidAddrError("utp: WriteTo requires a *net.UDPAddr")
	}

	actualPort := udpAddr.Port
	if port, ok := c.ci.resolvePeerPortByIP(udpAddr.IP); ok {
		actualPort = port
	}

	// The tag's port-convention field always reflects this socket's own
	// local port, matching what the peer's multiplexer expects to see.
	localPort := c.ci.conn.LocalAddr().(*net.UDPAddr).Port
	tag := NewTag(uint16(localPort), 0)

	out := make([]byte, 16+len(p))
	copy(out, tag[:])
	copy(out[16:], p)

	dst := &net.UDPAddr{IP: udpAddr.IP, Port: actualPort}
	n, err := c.ci.conn.WriteTo(out, dst)
	if n > 16 {
		n -= 16
	}
	return n, err
}

func (c *tagPacketConn) Close() error        { return nil } // ConnectionInfo owns the real socket
func (c *tagPacketConn) LocalAddr() net.Addr { return c.ci.conn.LocalAddr() }

func (c *tagPacketConn) SetDeadline(t time.Time) error      { return c.ci.conn.SetDeadline(t) }
func (c *tagPacketConn) SetReadDeadline(t time.Time) error  { return c.ci.conn.SetReadDeadline(t) }
func (c *tagPacketConn) SetWriteDeadline(t time.Time) error { return c.ci.conn.SetWriteDeadline(t) }

package utp

import (
	"encoding/binary"
	"hash/fnv"
)

// Tag is the 16-byte opaque per-stream identifier embedded at the front of
// every UTP datagram. By convention of the engine, the first two bytes
// equal the peer's actual UDP source port.
type Tag [16]byte

// NewTag builds a tag whose first two bytes are srcPort, with the
// remaining 14 bytes derived from conv so that Conv(tag) inverts cleanly
// for datagrams this process originated.
func NewTag(srcPort uint16, conv uint32) Tag {
	var t Tag
	binary.LittleEndian.PutUint16(t[0:2], srcPort)
	binary.LittleEndian.PutUint32(t[2:6], conv)
	return t
}

// Port returns the tag's embedded source-port convention field.
func (t Tag) Port() uint16 {
	return binary.LittleEndian.Uint16(t[0:2])
}

// Conv derives the kcp-go session identifier ("conv") this tag routes to.
// When the tag was built by NewTag, this recovers the original conv
// exactly; for tags received from a peer whose engine does not follow that
// layout, it falls back to an FNV hash of the full tag so routing is still
// stable and collision-resistant across peers sharing one UDP port.
func (t Tag) Conv() uint32 {
	if isLocallyMinted(t) {
		return binary.LittleEndian.Uint32(t[2:6])
	}
	h := fnv.New32a()
	_, _ = h.Write(t[:])
	return h.Sum32()
}

// isLocallyMinted is a best-effort check that bytes 6..16 are zero, the
// pattern NewTag leaves them in; it only affects which derivation path
// Conv takes; it's not a trust boundary.
func isLocallyMinted(t Tag) bool {
	for _, b := range t[6:] {
		if b != 0 {
			return false
		}
	}
	return true
}

// supportPingMagic and supportPingFinalMagic identify the 4-byte
// NAT-keepalive / symmetric-confirmation probes, which never carry a tag.
var supportPingMagic = [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
var supportPingFinalMagic = [4]byte{0xAA, 0xBB, 0xCC, 0xEE}

func isSupportPing(b []byte) bool {
	return len(b) == 4 && (b[0] == 0xAA && b[1] == 0xBB && b[2] == 0xCC && (b[3] == 0xDD || b[3] == 0xEE))
}

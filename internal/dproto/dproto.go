// Package dproto implements the rendezvous control-channel wire protocol:
// one-byte message codes followed by fixed-layout, little-endian bodies.
package dproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MsgCode identifies the wire message type.
type MsgCode uint8

const (
	MsgProbe         MsgCode = 0x0
	MsgHello         MsgCode = 0x1
	MsgHelloConn     MsgCode = 0x2
	MsgHelloAcc      MsgCode = 0x3
	MsgHelloSymmNext MsgCode = 0x4
	MsgSymmDoneOut   MsgCode = 0x5
	MsgProbeResult   MsgCode = 0x6
	MsgConn          MsgCode = 0x7
	MsgConnErr       MsgCode = 0x8
	MsgConnOK        MsgCode = 0x9
	MsgSymmNext      MsgCode = 0x10
	MsgSymmDoneIn    MsgCode = 0x11
	MsgReady         MsgCode = 0x12
	MsgFast          MsgCode = 0x13
	MsgNext          MsgCode = 0x14
)

// ErrCode is a rendezvous-level error code carried in CONN_ERR.
type ErrCode uint32

const (
	ErrNone     ErrCode = 0x0
	ErrUnknown  ErrCode = 0x1
	ErrNotFound ErrCode = 0x2
	// ErrSymm indicates both peers are behind a symmetric NAT: no traversal
	// strategy in this spec can connect them.
	ErrSymm ErrCode = 0x3
)

func (e ErrCode) Error() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrUnknown:
		return "unknown"
	case ErrNotFound:
		return "not found"
	case ErrSymm:
		return "both peers behind symmetric NAT"
	default:
		return fmt.Sprintf("errcode(%d)", uint32(e))
	}
}

// Role is the rendezvous role carried in CONN / CONN_OK.
type Role uint8

const (
	RoleConn     Role = 0x0
	RoleConnSymm Role = 0x1
	RoleAcc      Role = 0x2
	RoleAccSymm  Role = 0x3
)

// Addr is the wire representation of an IPv4 address + port pair: four
// bytes of address followed by two bytes of port.
type Addr struct {
	IP   uint32
	Port uint16
}

// ConnID identifies one rendezvous attempt.
type ConnID struct {
	NodeID uint32
	Idx    uint32
}

type MsgProbeBody struct {
	Dummy uint8
}

type MsgHelloBody struct {
	NodeID    uint32
	ProbeIP   uint32
	ProbePort uint16
}

type MsgHelloConnBody struct {
	SrcNodeID  uint32
	DstNodeID  uint32
	ConnID     uint32
	RemoteIP   uint32
	RemotePort uint16
}

type MsgHelloAccBody struct {
	SrcNodeID uint32
	DstNodeID uint32
	ConnID    uint32
}

type MsgHelloSymmNextBody struct {
	SrcNodeID uint32
	DstNodeID uint32
	ConnID    uint32
	Failed    uint8
}

type MsgSymmDoneOutBody struct {
	DstNodeID uint32
	ConnID    uint32
}

type MsgProbeResultBody struct {
	SrcIP   uint32
	SrcPort uint16
}

type MsgConnBody struct {
	SrcNodeID   uint32
	SrcNodeIP   uint32
	SrcNodePort uint16
	ConnID      uint32
	IP          uint32
	Port        uint16
	Role        uint8
}

type MsgConnErrBody struct {
	ConnID  uint32
	ErrCode uint32
}

type MsgConnOKBody struct {
	ConnID     uint32
	DstNodeIP  uint32
	DstNodePort uint16
	Role        uint8
}

type MsgSymmNextBody struct {
	ConnID uint32
	Port   uint16
}

type MsgSymmDoneInBody struct {
	SrcNodeID uint32
	ConnID    uint32
}

type MsgReadyBody struct {
	ConnID uint32
}

type MsgFastBody struct {
	NodeIP   uint32
	NodePort uint16
}

type MsgNextBody struct {
	ConnID uint32
}

// Message pairs a code with its decoded body. Body holds one of the
// Msg*Body types above, selected by Code.
type Message struct {
	Code MsgCode
	Body any
}

// Encode writes the one-byte header followed by the little-endian body.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := buf.WriteByte(byte(m.Code)); err != nil {
		return nil, err
	}
	if m.Body != nil {
		if err := binary.Write(&buf, binary.LittleEndian, m.Body); err != nil {
			return nil, fmt.Errorf("dproto: encode body for code %#x: %w", m.Code, err)
		}
	}
	return buf.Bytes(), nil
}

// bodyFor returns a pointer to a zero-valued body struct for the given
// code, or nil for codes with no body (none currently defined, but the
// indirection keeps Decode uniform).
func bodyFor(code MsgCode) (any, error) {
	switch code {
	case MsgProbe:
		return new(MsgProbeBody), nil
	case MsgHello:
		return new(MsgHelloBody), nil
	case MsgHelloConn:
		return new(MsgHelloConnBody), nil
	case MsgHelloAcc:
		return new(MsgHelloAccBody), nil
	case MsgHelloSymmNext:
		return new(MsgHelloSymmNextBody), nil
	case MsgSymmDoneOut:
		return new(MsgSymmDoneOutBody), nil
	case MsgProbeResult:
		return new(MsgProbeResultBody), nil
	case MsgConn:
		return new(MsgConnBody), nil
	case MsgConnErr:
		return new(MsgConnErrBody), nil
	case MsgConnOK:
		return new(MsgConnOKBody), nil
	case MsgSymmNext:
		return new(MsgSymmNextBody), nil
	case MsgSymmDoneIn:
		return new(MsgSymmDoneInBody), nil
	case MsgReady:
		return new(MsgReadyBody), nil
	case MsgFast:
		return new(MsgFastBody), nil
	case MsgNext:
		return new(MsgNextBody), nil
	default:
		return nil, fmt.Errorf("dproto: unknown message code %#x", byte(code))
	}
}

// Decode parses a full message (header + body) from b, returning the
// number of bytes consumed.
func Decode(b []byte) (Message, int, error) {
	if len(b) < 1 {
		return Message{}, 0, fmt.Errorf("dproto: short read, no header byte")
	}
	code := MsgCode(b[0])
	body, err := bodyFor(code)
	if err != nil {
		return Message{}, 0, err
	}

	r := bytes.NewReader(b[1:])
	if err := binary.Read(r, binary.LittleEndian, body); err != nil {
		return Message{}, 0, fmt.Errorf("dproto: decode body for code %#x: %w", code, err)
	}

	consumed := len(b) - r.Len()
	return Message{Code: code, Body: body}, consumed, nil
}

// DecodeFrom reads one header byte and its fixed-layout body directly off
// r, for callers driving a persistent stream (the control connection)
// rather than a discrete datagram.
func DecodeFrom(r io.Reader) (Message, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	code := MsgCode(hdr[0])
	body, err := bodyFor(code)
	if err != nil {
		return Message{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, body); err != nil {
		return Message{}, fmt.Errorf("dproto: decode body for code %#x: %w", code, err)
	}
	return Message{Code: code, Body: body}, nil
}

// Size returns the encoded length, header included, for a message of the
// given code.
func Size(code MsgCode) (int, error) {
	body, err := bodyFor(code)
	if err != nil {
		return 0, err
	}
	return 1 + binary.Size(body), nil
}

package dproto

import (
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{Code: MsgProbe, Body: &MsgProbeBody{Dummy: 7}},
		{Code: MsgHello, Body: &MsgHelloBody{NodeID: 1, ProbeIP: 0x0100007f, ProbePort: 1234}},
		{Code: MsgConn, Body: &MsgConnBody{SrcNodeID: 1, SrcNodeIP: 2, SrcNodePort: 3, ConnID: 4, IP: 5, Port: 6, Role: uint8(RoleAccSymm)}},
		{Code: MsgConnErr, Body: &MsgConnErrBody{ConnID: 9, ErrCode: uint32(ErrNotFound)}},
		{Code: MsgConnOK, Body: &MsgConnOKBody{ConnID: 9, DstNodeIP: 10, DstNodePort: 11, Role: uint8(RoleConn)}},
		{Code: MsgSymmNext, Body: &MsgSymmNextBody{ConnID: 1, Port: 2}},
		{Code: MsgReady, Body: &MsgReadyBody{ConnID: 42}},
		{Code: MsgFast, Body: &MsgFastBody{NodeIP: 1, NodePort: 2}},
	}

	for _, m := range cases {
		encoded, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode(%#x): %v", m.Code, err)
		}

		decoded, n, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%#x): %v", m.Code, err)
		}
		if n != len(encoded) {
			t.Fatalf("Decode consumed %d bytes, want %d", n, len(encoded))
		}
		if decoded.Code != m.Code {
			t.Fatalf("decoded code %#x, want %#x", decoded.Code, m.Code)
		}
		if !reflect.DeepEqual(decoded.Body, m.Body) {
			t.Fatalf("decoded body %#v, want %#v", decoded.Body, m.Body)
		}

		reencoded, err := Encode(decoded)
		if err != nil {
			t.Fatalf("re-Encode(%#x): %v", m.Code, err)
		}
		if !reflect.DeepEqual(reencoded, encoded) {
			t.Fatalf("re-encode mismatch: got %v want %v", reencoded, encoded)
		}
	}
}

func TestDecodeUnknownCode(t *testing.T) {
	if _, _, err := Decode([]byte{0xff}); err == nil {
		t.Fatalf("expected an error for an unknown message code")
	}
}

func TestDecodeShortBody(t *testing.T) {
	if _, _, err := Decode([]byte{byte(MsgHello), 0x01}); err == nil {
		t.Fatalf("expected an error for a truncated body")
	}
}

package packet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/meshlink/meshlink/core"
)

func instanceFrom(b byte) core.Instance {
	var id [core.InstanceIDSize]byte
	id[0] = b
	return core.NewInstance(id, "")
}

func TestRoundTrip(t *testing.T) {
	origin := instanceFrom(0x01)
	dest := instanceFrom(0x02)

	tests := []struct {
		name string
		pkt  Packet
	}{
		{"handshake", &HandshakePacket{Sequence: 7, Originator: origin, InternetHops: 3}},
		{"update reachable", &UpdatePacket{Sequence: 9, Instance: dest, HopCount: 2, Reachable: true, InternetHops: 1}},
		{"update withdrawal", &UpdatePacket{Sequence: 10, Instance: dest, HopCount: 16, Reachable: false, InternetHops: 16}},
		{"data", &DataPacket{Sequence: 42, Origin: origin, Destination: dest, Payload: []byte("hello mesh")}},
		{"data empty payload", &DataPacket{Sequence: 42, Origin: origin, Destination: dest, Payload: nil}},
		{"ack", &AckPacket{Sequence: 42, Origin: dest, Destination: origin}},
		{"internet", &InternetPacket{Sequence: 100, Originator: origin, URL: "http://example.com/x", Body: []byte(`{"a":1}`), TestID: 5, HopCount: 0}},
		{"internet response", &InternetResponsePacket{Sequence: 100, Originator: origin, Code: 200, Body: []byte("ok")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := tt.pkt.Encode(nil)
			got, err := Decode(wire)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.Kind() != tt.pkt.Kind() {
				t.Fatalf("Kind() = %v, want %v", got.Kind(), tt.pkt.Kind())
			}
			rewired := got.Encode(nil)
			if !bytes.Equal(rewired, wire) {
				t.Fatalf("re-encoded mismatch:\n got  %x\n want %x", rewired, wire)
			}
		})
	}
}

func TestDecode_Truncated(t *testing.T) {
	full := (&DataPacket{Sequence: 1, Origin: instanceFrom(1), Destination: instanceFrom(2), Payload: []byte("x")}).Encode(nil)

	for n := 0; n < len(full); n++ {
		if _, err := Decode(full[:n]); !errors.Is(err, core.ErrMalformed) {
			t.Errorf("Decode(truncated to %d bytes) error = %v, want core.ErrMalformed", n, err)
		}
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode([]byte{0xEE, 0x00, 0x00})
	if !errors.Is(err, core.ErrMalformed) {
		t.Errorf("Decode(unknown kind) error = %v, want core.ErrMalformed", err)
	}
}

func TestDecode_EmptyFrame(t *testing.T) {
	_, err := Decode(nil)
	if !errors.Is(err, core.ErrMalformed) {
		t.Errorf("Decode(nil) error = %v, want core.ErrMalformed", err)
	}
}

func TestDecode_OversizedLengthPrefix(t *testing.T) {
	pkt := &DataPacket{Sequence: 1, Origin: instanceFrom(1), Destination: instanceFrom(2), Payload: nil}
	wire := pkt.Encode(nil)
	// Overwrite the payload_len prefix (last 4 bytes before the empty payload)
	// with a value far beyond MaxBodySize.
	lenOff := len(wire) - 4
	wire[lenOff] = 0x7F
	wire[lenOff+1] = 0xFF
	wire[lenOff+2] = 0xFF
	wire[lenOff+3] = 0xFF

	if _, err := Decode(wire); !errors.Is(err, core.ErrMalformed) {
		t.Errorf("Decode(oversized length) error = %v, want core.ErrMalformed", err)
	}
}

func TestAckReusesDataSequence(t *testing.T) {
	data := &DataPacket{Sequence: 1234, Origin: instanceFrom(1), Destination: instanceFrom(2), Payload: []byte("x")}
	ack := &AckPacket{Sequence: data.Seq(), Origin: data.Destination, Destination: data.Origin}
	if ack.Seq() != data.Seq() {
		t.Errorf("ack sequence = %d, want %d", ack.Seq(), data.Seq())
	}
}

// Package packet implements the wire codec for the six mesh packet kinds
// and the per-host sequence number generator. The codec is pure: Decode
// fails with core.ErrMalformed on truncation, an unknown kind tag, or a
// length field that overflows the remaining bytes; nothing here touches a
// routing table, a transport, or a clock.
package packet

import (
	"fmt"

	"github.com/meshlink/meshlink/core"
)

// Kind identifies one of the six wire packet variants. It is the frame's
// first byte.
type Kind uint8

const (
	KindHandshake        Kind = 0x01
	KindUpdate           Kind = 0x02
	KindData             Kind = 0x03
	KindAck              Kind = 0x04
	KindInternet         Kind = 0x05
	KindInternetResponse Kind = 0x06
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "HANDSHAKE"
	case KindUpdate:
		return "UPDATE"
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindInternet:
		return "INTERNET"
	case KindInternetResponse:
		return "INTERNET_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(k))
	}
}

// Packet is the common interface implemented by all six wire variants.
// Every variant carries a sequence number.
type Packet interface {
	Kind() Kind
	Seq() uint16
	// Encode appends the wire representation of this packet (including the
	// leading kind tag) to dst and returns the extended slice.
	Encode(dst []byte) []byte
}

// HandshakePacket announces the originator Instance after a new Device
// becomes available.
type HandshakePacket struct {
	Sequence     uint16
	Originator   core.Instance
	InternetHops uint8
}

func (p *HandshakePacket) Kind() Kind  { return KindHandshake }
func (p *HandshakePacket) Seq() uint16 { return p.Sequence }

// UpdatePacket is a distance-vector advertisement for a single destination
// Instance.
type UpdatePacket struct {
	Sequence     uint16
	Instance     core.Instance
	HopCount     uint8
	Reachable    bool
	InternetHops uint8
}

func (p *UpdatePacket) Kind() Kind  { return KindUpdate }
func (p *UpdatePacket) Seq() uint16 { return p.Sequence }

// DataPacket carries an application payload from Origin to Destination.
type DataPacket struct {
	Sequence    uint16
	Origin      core.Instance
	Destination core.Instance
	Payload     []byte
}

func (p *DataPacket) Kind() Kind  { return KindData }
func (p *DataPacket) Seq() uint16 { return p.Sequence }

// AckPacket end-to-end acknowledges delivery of a DataPacket. Sequence is
// the acknowledged DataPacket's sequence, not a freshly generated one —
// the sequence space is shared across packet kinds.
type AckPacket struct {
	Sequence    uint16
	Origin      core.Instance
	Destination core.Instance
}

func (p *AckPacket) Kind() Kind  { return KindAck }
func (p *AckPacket) Seq() uint16 { return p.Sequence }

// InternetPacket requests that an intermediate peer with external
// connectivity perform an HTTP call on the originator's behalf.
type InternetPacket struct {
	Sequence   uint16
	Originator core.Instance
	URL        string
	Body       []byte
	TestID     uint32
	HopCount   uint8
}

func (p *InternetPacket) Kind() Kind  { return KindInternet }
func (p *InternetPacket) Seq() uint16 { return p.Sequence }

// InternetResponsePacket carries the result of an InternetPacket back to
// its originator.
type InternetResponsePacket struct {
	Sequence   uint16
	Originator core.Instance
	Code       uint16
	Body       []byte
}

func (p *InternetResponsePacket) Kind() Kind  { return KindInternetResponse }
func (p *InternetResponsePacket) Seq() uint16 { return p.Sequence }

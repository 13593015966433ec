package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/meshlink/meshlink/core"
)

// MaxBodySize caps the payload/body/url length accepted by Decode, guarding
// against a corrupt or hostile length prefix claiming gigabytes. 64 KiB
// comfortably exceeds any single BLE-relayed application message.
const MaxBodySize = 64 * 1024

// Decode parses a single frame (kind tag plus fields) into the matching
// Packet variant. It fails with core.ErrMalformed wrapped via %w on
// truncation, an unrecognized kind tag, or a length prefix that overflows
// the remaining bytes.
func Decode(data []byte) (Packet, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty frame", core.ErrMalformed)
	}
	kind := Kind(data[0])
	body := data[1:]

	switch kind {
	case KindHandshake:
		return decodeHandshake(body)
	case KindUpdate:
		return decodeUpdate(body)
	case KindData:
		return decodeData(body)
	case KindAck:
		return decodeAck(body)
	case KindInternet:
		return decodeInternet(body)
	case KindInternetResponse:
		return decodeInternetResponse(body)
	default:
		return nil, fmt.Errorf("%w: unknown kind tag 0x%02x", core.ErrMalformed, uint8(kind))
	}
}

func readU16(b []byte, off int) (uint16, int, error) {
	if len(b) < off+2 {
		return 0, off, fmt.Errorf("%w: truncated u16", core.ErrMalformed)
	}
	return binary.BigEndian.Uint16(b[off : off+2]), off + 2, nil
}

func readU32(b []byte, off int) (uint32, int, error) {
	if len(b) < off+4 {
		return 0, off, fmt.Errorf("%w: truncated u32", core.ErrMalformed)
	}
	return binary.BigEndian.Uint32(b[off : off+4]), off + 4, nil
}

func readU8(b []byte, off int) (uint8, int, error) {
	if len(b) < off+1 {
		return 0, off, fmt.Errorf("%w: truncated u8", core.ErrMalformed)
	}
	return b[off], off + 1, nil
}

func readInstance(b []byte, off int) (core.Instance, int, error) {
	if len(b) < off+core.InstanceIDSize {
		return core.Instance{}, off, fmt.Errorf("%w: truncated instance", core.ErrMalformed)
	}
	var id [core.InstanceIDSize]byte
	copy(id[:], b[off:off+core.InstanceIDSize])
	return core.NewInstance(id, ""), off + core.InstanceIDSize, nil
}

func readBytes(b []byte, off int) ([]byte, int, error) {
	n, off, err := readU32(b, off)
	if err != nil {
		return nil, off, err
	}
	if n > MaxBodySize {
		return nil, off, fmt.Errorf("%w: length %d exceeds maximum", core.ErrMalformed, n)
	}
	if len(b) < off+int(n) {
		return nil, off, fmt.Errorf("%w: truncated variable field", core.ErrMalformed)
	}
	out := make([]byte, n)
	copy(out, b[off:off+int(n)])
	return out, off + int(n), nil
}

func writeU16(dst []byte, v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return append(dst, buf[:]...)
}

func writeU32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func writeInstance(dst []byte, inst core.Instance) []byte {
	id := inst.ID()
	return append(dst, id[:]...)
}

func writeBytes(dst []byte, b []byte) []byte {
	dst = writeU32(dst, uint32(len(b)))
	return append(dst, b...)
}

// --- Handshake: seq:u16, originator:Instance, internet_hops:u8 ---

func decodeHandshake(b []byte) (*HandshakePacket, error) {
	seq, off, err := readU16(b, 0)
	if err != nil {
		return nil, err
	}
	orig, off, err := readInstance(b, off)
	if err != nil {
		return nil, err
	}
	hops, _, err := readU8(b, off)
	if err != nil {
		return nil, err
	}
	return &HandshakePacket{Sequence: seq, Originator: orig, InternetHops: hops}, nil
}

func (p *HandshakePacket) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindHandshake))
	dst = writeU16(dst, p.Sequence)
	dst = writeInstance(dst, p.Originator)
	dst = append(dst, p.InternetHops)
	return dst
}

// --- Update: seq:u16, instance:Instance, hop_count:u8, reachable:u8, internet_hops:u8 ---

func decodeUpdate(b []byte) (*UpdatePacket, error) {
	seq, off, err := readU16(b, 0)
	if err != nil {
		return nil, err
	}
	inst, off, err := readInstance(b, off)
	if err != nil {
		return nil, err
	}
	hopCount, off, err := readU8(b, off)
	if err != nil {
		return nil, err
	}
	reachable, off, err := readU8(b, off)
	if err != nil {
		return nil, err
	}
	internetHops, _, err := readU8(b, off)
	if err != nil {
		return nil, err
	}
	return &UpdatePacket{
		Sequence:     seq,
		Instance:     inst,
		HopCount:     hopCount,
		Reachable:    reachable != 0,
		InternetHops: internetHops,
	}, nil
}

func (p *UpdatePacket) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindUpdate))
	dst = writeU16(dst, p.Sequence)
	dst = writeInstance(dst, p.Instance)
	dst = append(dst, p.HopCount)
	if p.Reachable {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	dst = append(dst, p.InternetHops)
	return dst
}

// --- Data: seq:u16, origin:Instance, destination:Instance, payload_len:u32, payload:bytes ---

func decodeData(b []byte) (*DataPacket, error) {
	seq, off, err := readU16(b, 0)
	if err != nil {
		return nil, err
	}
	origin, off, err := readInstance(b, off)
	if err != nil {
		return nil, err
	}
	dest, off, err := readInstance(b, off)
	if err != nil {
		return nil, err
	}
	payload, _, err := readBytes(b, off)
	if err != nil {
		return nil, err
	}
	return &DataPacket{Sequence: seq, Origin: origin, Destination: dest, Payload: payload}, nil
}

func (p *DataPacket) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindData))
	dst = writeU16(dst, p.Sequence)
	dst = writeInstance(dst, p.Origin)
	dst = writeInstance(dst, p.Destination)
	dst = writeBytes(dst, p.Payload)
	return dst
}

// --- Ack: seq:u16, origin:Instance, destination:Instance ---

func decodeAck(b []byte) (*AckPacket, error) {
	seq, off, err := readU16(b, 0)
	if err != nil {
		return nil, err
	}
	origin, off, err := readInstance(b, off)
	if err != nil {
		return nil, err
	}
	dest, _, err := readInstance(b, off)
	if err != nil {
		return nil, err
	}
	return &AckPacket{Sequence: seq, Origin: origin, Destination: dest}, nil
}

func (p *AckPacket) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindAck))
	dst = writeU16(dst, p.Sequence)
	dst = writeInstance(dst, p.Origin)
	dst = writeInstance(dst, p.Destination)
	return dst
}

// --- Internet: seq:u16, originator:Instance, hop_count:u8, test_id:u32, url_len:u32, url:utf8, body_len:u32, body:bytes ---

func decodeInternet(b []byte) (*InternetPacket, error) {
	seq, off, err := readU16(b, 0)
	if err != nil {
		return nil, err
	}
	originator, off, err := readInstance(b, off)
	if err != nil {
		return nil, err
	}
	hopCount, off, err := readU8(b, off)
	if err != nil {
		return nil, err
	}
	testID, off, err := readU32(b, off)
	if err != nil {
		return nil, err
	}
	urlBytes, off, err := readBytes(b, off)
	if err != nil {
		return nil, err
	}
	body, _, err := readBytes(b, off)
	if err != nil {
		return nil, err
	}
	return &InternetPacket{
		Sequence:   seq,
		Originator: originator,
		HopCount:   hopCount,
		TestID:     testID,
		URL:        string(urlBytes),
		Body:       body,
	}, nil
}

func (p *InternetPacket) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindInternet))
	dst = writeU16(dst, p.Sequence)
	dst = writeInstance(dst, p.Originator)
	dst = append(dst, p.HopCount)
	dst = writeU32(dst, p.TestID)
	dst = writeBytes(dst, []byte(p.URL))
	dst = writeBytes(dst, p.Body)
	return dst
}

// --- InternetResponse: seq:u16, originator:Instance, code:u16, body_len:u32, body:bytes ---

func decodeInternetResponse(b []byte) (*InternetResponsePacket, error) {
	seq, off, err := readU16(b, 0)
	if err != nil {
		return nil, err
	}
	originator, off, err := readInstance(b, off)
	if err != nil {
		return nil, err
	}
	code, off, err := readU16(b, off)
	if err != nil {
		return nil, err
	}
	body, _, err := readBytes(b, off)
	if err != nil {
		return nil, err
	}
	return &InternetResponsePacket{Sequence: seq, Originator: originator, Code: code, Body: body}, nil
}

func (p *InternetResponsePacket) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindInternetResponse))
	dst = writeU16(dst, p.Sequence)
	dst = writeInstance(dst, p.Originator)
	dst = writeU16(dst, p.Code)
	dst = writeBytes(dst, p.Body)
	return dst
}

package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrPacketTooShort is returned when a packet buffer ends mid-field.
	ErrPacketTooShort = errors.New("packet too short")

	// ErrUnknownPacketType is returned for an unrecognized variant tag.
	ErrUnknownPacketType = errors.New("unknown packet type")
)

// Wire layout, big endian throughout:
//
//	u8       route length
//	u8 * N   route hops
//	u8       hop index
//	u64      session id
//	u8       variant tag
//	...      variant fields (see below)
//
// Variant fields:
//
//	fragment        u64 index, u64 total, u8 size, 128 bytes of data
//	ack             u64 index
//	nack            u64 index, u8 reason, u8 implicated node
//	flood req/resp  u64 flood id, u8 initiator, u8 trace length, u8 * M trace

// Encode serializes a Packet to its wire form.
func (p Packet) Encode() ([]byte, error) {
	if len(p.Header.Hops) > math.MaxUint8 {
		return nil, fmt.Errorf("route too long: %d hops", len(p.Header.Hops))
	}
	if p.Header.HopIndex < 0 || p.Header.HopIndex > math.MaxUint8 {
		return nil, fmt.Errorf("hop index out of range: %d", p.Header.HopIndex)
	}

	buf := make([]byte, 0, 2+len(p.Header.Hops)+9+FragmentSize+17)
	buf = append(buf, byte(len(p.Header.Hops)))
	for _, hop := range p.Header.Hops {
		buf = append(buf, byte(hop))
	}
	buf = append(buf, byte(p.Header.HopIndex))
	buf = appendUint64(buf, p.SessionID)
	buf = append(buf, byte(p.Type))

	switch p.Type {
	case TypeFragment:
		if p.Fragment == nil {
			return nil, errors.New("fragment packet without fragment payload")
		}
		buf = appendUint64(buf, p.Fragment.FragmentIndex)
		buf = appendUint64(buf, p.Fragment.TotalFragments)
		buf = append(buf, p.Fragment.Size)
		buf = append(buf, p.Fragment.Data[:]...)
	case TypeAck:
		if p.Ack == nil {
			return nil, errors.New("ack packet without ack payload")
		}
		buf = appendUint64(buf, p.Ack.FragmentIndex)
	case TypeNack:
		if p.Nack == nil {
			return nil, errors.New("nack packet without nack payload")
		}
		buf = appendUint64(buf, p.Nack.FragmentIndex)
		buf = append(buf, byte(p.Nack.Reason), byte(p.Nack.NodeID))
	case TypeFloodRequest, TypeFloodResponse:
		if p.Flood == nil {
			return nil, errors.New("flood packet without flood payload")
		}
		if len(p.Flood.PathTrace) > math.MaxUint8 {
			return nil, fmt.Errorf("path trace too long: %d nodes", len(p.Flood.PathTrace))
		}
		buf = appendUint64(buf, p.Flood.FloodID)
		buf = append(buf, byte(p.Flood.Initiator), byte(len(p.Flood.PathTrace)))
		for _, node := range p.Flood.PathTrace {
			buf = append(buf, byte(node))
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacketType, byte(p.Type))
	}

	return buf, nil
}

// Decode parses a Packet from its wire form.
func Decode(buf []byte) (Packet, error) {
	var p Packet
	r := reader{buf: buf}

	routeLen, err := r.byte()
	if err != nil {
		return p, err
	}
	hops := make([]NodeID, routeLen)
	for i := range hops {
		b, err := r.byte()
		if err != nil {
			return p, err
		}
		hops[i] = NodeID(b)
	}
	hopIndex, err := r.byte()
	if err != nil {
		return p, err
	}
	p.Header = SourceRoutingHeader{Hops: hops, HopIndex: int(hopIndex)}

	if p.SessionID, err = r.uint64(); err != nil {
		return p, err
	}
	tag, err := r.byte()
	if err != nil {
		return p, err
	}
	p.Type = PacketType(tag)

	switch p.Type {
	case TypeFragment:
		f := &Fragment{}
		if f.FragmentIndex, err = r.uint64(); err != nil {
			return p, err
		}
		if f.TotalFragments, err = r.uint64(); err != nil {
			return p, err
		}
		if f.Size, err = r.byte(); err != nil {
			return p, err
		}
		data, err := r.bytes(FragmentSize)
		if err != nil {
			return p, err
		}
		copy(f.Data[:], data)
		p.Fragment = f
	case TypeAck:
		a := &Ack{}
		if a.FragmentIndex, err = r.uint64(); err != nil {
			return p, err
		}
		p.Ack = a
	case TypeNack:
		n := &Nack{}
		if n.FragmentIndex, err = r.uint64(); err != nil {
			return p, err
		}
		reason, err := r.byte()
		if err != nil {
			return p, err
		}
		node, err := r.byte()
		if err != nil {
			return p, err
		}
		n.Reason = NackType(reason)
		n.NodeID = NodeID(node)
		p.Nack = n
	case TypeFloodRequest, TypeFloodResponse:
		f := &Flood{}
		if f.FloodID, err = r.uint64(); err != nil {
			return p, err
		}
		initiator, err := r.byte()
		if err != nil {
			return p, err
		}
		f.Initiator = NodeID(initiator)
		traceLen, err := r.byte()
		if err != nil {
			return p, err
		}
		f.PathTrace = make([]NodeID, traceLen)
		for i := range f.PathTrace {
			b, err := r.byte()
			if err != nil {
				return p, err
			}
			f.PathTrace[i] = NodeID(b)
		}
		p.Flood = f
	default:
		return p, fmt.Errorf("%w: %d", ErrUnknownPacketType, tag)
	}

	return p, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) byte() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, ErrPacketTooShort
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, ErrPacketTooShort
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

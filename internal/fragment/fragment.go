// Package fragment splits application messages into fixed-size fragment
// packets and reassembles inbound fragments back into messages.
package fragment

import (
	"sync"

	"github.com/meshnode/meshnode/pkg/packet"
)

// Split cuts payload into packet.FragmentSize cells and wraps each in a
// fragment packet carrying the given session and route. An empty payload
// still yields a single (empty) fragment so the receiver observes the
// message.
func Split(sessionID uint64, route packet.SourceRoutingHeader, payload []byte) []packet.Packet {
	total := (len(payload) + packet.FragmentSize - 1) / packet.FragmentSize
	if total == 0 {
		total = 1
	}

	packets := make([]packet.Packet, 0, total)
	for i := 0; i < total; i++ {
		cell := payload[i*packet.FragmentSize:]
		if len(cell) > packet.FragmentSize {
			cell = cell[:packet.FragmentSize]
		}
		f := &packet.Fragment{
			FragmentIndex:  uint64(i),
			TotalFragments: uint64(total),
			Size:           uint8(len(cell)),
		}
		copy(f.Data[:], cell)

		hops := make([]packet.NodeID, len(route.Hops))
		copy(hops, route.Hops)

		packets = append(packets, packet.Packet{
			Header:    packet.SourceRoutingHeader{Hops: hops, HopIndex: route.HopIndex},
			SessionID: sessionID,
			Type:      packet.TypeFragment,
			Fragment:  f,
		})
	}
	return packets
}

type pending struct {
	total uint64
	cells map[uint64][]byte
}

// sessionKey identifies one exchange. Session counters are per sender, so
// the originating node is part of the key: two senders using the same
// session number must never share reassembly state.
type sessionKey struct {
	origin  packet.NodeID
	session uint64
}

// Reassembler collects fragments by origin and session until a message
// completes. Duplicate fragments are tolerated; an exchange's state is
// dropped once its message is returned.
type Reassembler struct {
	mu       sync.Mutex
	sessions map[sessionKey]*pending
}

// NewReassembler constructs an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{sessions: make(map[sessionKey]*pending)}
}

// Add records one fragment. When the fragment completes its message, the
// reassembled payload is returned with ok set.
func (r *Reassembler) Add(p packet.Packet) (payload []byte, ok bool) {
	if p.Type != packet.TypeFragment || p.Fragment == nil {
		return nil, false
	}
	f := p.Fragment
	if f.TotalFragments == 0 || f.FragmentIndex >= f.TotalFragments {
		return nil, false
	}

	key := sessionKey{session: p.SessionID}
	if len(p.Header.Hops) > 0 {
		key.origin = p.Header.Hops[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[key]
	if !exists {
		s = &pending{total: f.TotalFragments, cells: make(map[uint64][]byte)}
		r.sessions[key] = s
	}
	if _, dup := s.cells[f.FragmentIndex]; dup {
		return nil, false
	}
	cell := make([]byte, f.Size)
	copy(cell, f.Data[:f.Size])
	s.cells[f.FragmentIndex] = cell

	if uint64(len(s.cells)) < s.total {
		return nil, false
	}

	delete(r.sessions, key)
	var message []byte
	for i := uint64(0); i < s.total; i++ {
		message = append(message, s.cells[i]...)
	}
	return message, true
}

// Pending returns the number of sessions with incomplete messages.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

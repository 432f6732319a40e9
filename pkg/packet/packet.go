// Package packet defines the wire model of the hop network: source-routed
// packet envelopes and their payload variants.
package packet

import (
	"fmt"
	"strconv"
)

// NodeID is the identifier of a network participant. It is assigned once,
// at node construction, and never changes.
type NodeID uint8

// MarshalJSON encodes the id as a plain number. Without it hop lists would
// marshal as base64 strings, NodeID being a byte.
func (id NodeID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(id), 10)), nil
}

// UnmarshalJSON decodes the id from a plain number.
func (id *NodeID) UnmarshalJSON(data []byte) error {
	v, err := strconv.ParseUint(string(data), 10, 8)
	if err != nil {
		return err
	}
	*id = NodeID(v)
	return nil
}

// FragmentSize is the fixed payload cell size of a data fragment.
const FragmentSize = 128

// SourceRoutingHeader carries the full route of a packet plus a cursor into
// it. HopIndex points at the hop that most recently handled the packet; it
// only ever grows while the packet travels.
type SourceRoutingHeader struct {
	Hops     []NodeID `json:"hops"`
	HopIndex int      `json:"hop_index"`
}

// CurrentHop returns the node the cursor points at.
func (h SourceRoutingHeader) CurrentHop() (NodeID, bool) {
	if h.HopIndex < 0 || h.HopIndex >= len(h.Hops) {
		return 0, false
	}
	return h.Hops[h.HopIndex], true
}

// NextHop returns the node after the cursor.
func (h SourceRoutingHeader) NextHop() (NodeID, bool) {
	if h.HopIndex+1 >= len(h.Hops) {
		return 0, false
	}
	return h.Hops[h.HopIndex+1], true
}

// Destination returns the final route element.
func (h SourceRoutingHeader) Destination() (NodeID, bool) {
	if len(h.Hops) == 0 {
		return 0, false
	}
	return h.Hops[len(h.Hops)-1], true
}

// Advance moves the cursor one hop forward.
func (h *SourceRoutingHeader) Advance() {
	h.HopIndex++
}

// IsLastHop reports whether the cursor is at or past the final route
// element, i.e. whether the packet has reached its destination.
func (h SourceRoutingHeader) IsLastHop() bool {
	return h.HopIndex >= len(h.Hops)-1
}

func (h SourceRoutingHeader) String() string {
	return fmt.Sprintf("%v@%d", h.Hops, h.HopIndex)
}

// ReverseRoute builds the return route of a packet: the traveled prefix of
// the route, current hop included, reversed, with the cursor reset. It is
// the stock route for acknowledgments and negative acknowledgments heading
// back to a packet's origin.
func ReverseRoute(h SourceRoutingHeader) SourceRoutingHeader {
	i := h.HopIndex
	if i > len(h.Hops)-1 {
		i = len(h.Hops) - 1
	}
	if i < 0 {
		return SourceRoutingHeader{}
	}
	hops := make([]NodeID, i+1)
	for j := 0; j <= i; j++ {
		hops[j] = h.Hops[i-j]
	}
	return SourceRoutingHeader{Hops: hops, HopIndex: 0}
}

// PacketType distinguishes the payload variants of a Packet.
type PacketType byte

const (
	// TypeFragment is a data fragment of an application message.
	TypeFragment PacketType = iota + 1

	// TypeAck is a positive acknowledgment of one fragment.
	TypeAck

	// TypeNack is a negative acknowledgment describing a forwarding failure.
	TypeNack

	// TypeFloodRequest is a network-discovery flood probe.
	TypeFloodRequest

	// TypeFloodResponse carries a discovered path back to a flood initiator.
	TypeFloodResponse
)

func (t PacketType) String() string {
	switch t {
	case TypeFragment:
		return "fragment"
	case TypeAck:
		return "ack"
	case TypeNack:
		return "nack"
	case TypeFloodRequest:
		return "flood-request"
	case TypeFloodResponse:
		return "flood-response"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// NackType is the closed set of negative acknowledgment reasons.
type NackType byte

const (
	// NackErrorInRouting means the expected next hop is not a known neighbor.
	// The implicated node is the unreachable next hop.
	NackErrorInRouting NackType = iota + 1

	// NackUnexpectedRecipient means the packet's route does not name the
	// handling node at its current position. The implicated node is the
	// handling node itself.
	NackUnexpectedRecipient

	// NackDropped is a generic transport-level drop.
	NackDropped
)

func (t NackType) String() string {
	switch t {
	case NackErrorInRouting:
		return "error-in-routing"
	case NackUnexpectedRecipient:
		return "unexpected-recipient"
	case NackDropped:
		return "dropped"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Fragment is one cell of a larger application message.
type Fragment struct {
	FragmentIndex  uint64             `json:"fragment_index"`
	TotalFragments uint64             `json:"total_fragments"`
	Size           uint8              `json:"size"`
	Data           [FragmentSize]byte `json:"data"`
}

// Payload returns the used portion of the fragment cell.
func (f *Fragment) Payload() []byte {
	return f.Data[:f.Size]
}

// Ack acknowledges one fragment.
type Ack struct {
	FragmentIndex uint64 `json:"fragment_index"`
}

// Nack reports a forwarding failure for one fragment. For non-fragment
// packets the index is 0.
type Nack struct {
	FragmentIndex uint64   `json:"fragment_index"`
	Reason        NackType `json:"reason"`
	NodeID        NodeID   `json:"node_id"`
}

// Flood is the payload of both flood variants. PathTrace accumulates the
// nodes a request has traversed and is echoed back verbatim in the response.
type Flood struct {
	FloodID   uint64   `json:"flood_id"`
	Initiator NodeID   `json:"initiator"`
	PathTrace []NodeID `json:"path_trace"`
}

// Packet is the envelope exchanged between nodes. Exactly one payload
// variant, selected by Type, is set.
type Packet struct {
	Header    SourceRoutingHeader `json:"header"`
	SessionID uint64              `json:"session_id"`
	Type      PacketType          `json:"type"`

	Fragment *Fragment `json:"fragment,omitempty"`
	Ack      *Ack      `json:"ack,omitempty"`
	Nack     *Nack     `json:"nack,omitempty"`
	Flood    *Flood    `json:"flood,omitempty"`
}

// FragmentIndex returns the fragment index the packet refers to, or 0 when
// the variant carries none.
func (p Packet) FragmentIndex() uint64 {
	switch p.Type {
	case TypeFragment:
		if p.Fragment != nil {
			return p.Fragment.FragmentIndex
		}
	case TypeAck:
		if p.Ack != nil {
			return p.Ack.FragmentIndex
		}
	case TypeNack:
		if p.Nack != nil {
			return p.Nack.FragmentIndex
		}
	}
	return 0
}

func (p Packet) String() string {
	return fmt.Sprintf("%s session=%d route=%s", p.Type, p.SessionID, p.Header)
}

package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceRoutingHeader(t *testing.T) {
	h := SourceRoutingHeader{Hops: []NodeID{10, 1, 2}, HopIndex: 0}

	cur, ok := h.CurrentHop()
	require.True(t, ok)
	assert.Equal(t, NodeID(10), cur)

	next, ok := h.NextHop()
	require.True(t, ok)
	assert.Equal(t, NodeID(1), next)

	dst, ok := h.Destination()
	require.True(t, ok)
	assert.Equal(t, NodeID(2), dst)

	assert.False(t, h.IsLastHop())

	h.HopIndex = 2
	assert.True(t, h.IsLastHop())
	_, ok = h.NextHop()
	assert.False(t, ok)

	h.HopIndex = 3
	_, ok = h.CurrentHop()
	assert.False(t, ok)
	assert.True(t, h.IsLastHop())
}

func TestReverseRoute(t *testing.T) {
	h := SourceRoutingHeader{Hops: []NodeID{10, 1, 2}, HopIndex: 1}
	rev := ReverseRoute(h)
	assert.Equal(t, []NodeID{1, 10}, rev.Hops)
	assert.Equal(t, 0, rev.HopIndex)

	// Cursor past the end (local delivery) reverses the full route.
	h.HopIndex = 3
	rev = ReverseRoute(h)
	assert.Equal(t, []NodeID{2, 1, 10}, rev.Hops)

	rev = ReverseRoute(SourceRoutingHeader{})
	assert.Empty(t, rev.Hops)
}

func TestEncodeDecodeFragment(t *testing.T) {
	f := &Fragment{FragmentIndex: 3, TotalFragments: 7, Size: 5}
	copy(f.Data[:], "hello")

	p := Packet{
		Header:    SourceRoutingHeader{Hops: []NodeID{10, 1, 2}, HopIndex: 1},
		SessionID: 42,
		Type:      TypeFragment,
		Fragment:  f,
	}

	raw, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, []byte("hello"), got.Fragment.Payload())
}

func TestEncodeDecodeNack(t *testing.T) {
	p := Packet{
		Header:    SourceRoutingHeader{Hops: []NodeID{2, 1, 10}},
		SessionID: 7,
		Type:      TypeNack,
		Nack:      &Nack{FragmentIndex: 1, Reason: NackErrorInRouting, NodeID: 5},
	}

	raw, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestEncodeDecodeFlood(t *testing.T) {
	p := Packet{
		Type:  TypeFloodRequest,
		Flood: &Flood{FloodID: 9, Initiator: 10, PathTrace: []NodeID{10, 1}},
	}

	raw, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, got.Flood)
	assert.Equal(t, p.Flood.PathTrace, got.Flood.PathTrace)
	assert.Empty(t, got.Header.Hops)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil)
	assert.Equal(t, ErrPacketTooShort, err)

	p := Packet{Type: TypeAck, Ack: &Ack{FragmentIndex: 1}}
	raw, err := p.Encode()
	require.NoError(t, err)

	_, err = Decode(raw[:len(raw)-1])
	assert.Equal(t, ErrPacketTooShort, err)

	raw[10] = 0xff // variant tag (route length 0, hop index, session id precede it)
	_, err = Decode(raw)
	assert.Error(t, err)
}

func TestEncodeRejectsUnencodableHeader(t *testing.T) {
	p := Packet{
		Header: SourceRoutingHeader{Hops: []NodeID{10, 1}, HopIndex: 256},
		Type:   TypeAck,
		Ack:    &Ack{},
	}
	_, err := p.Encode()
	assert.Error(t, err)

	p.Header.HopIndex = -1
	_, err = p.Encode()
	assert.Error(t, err)

	p.Header = SourceRoutingHeader{Hops: make([]NodeID, 300)}
	_, err = p.Encode()
	assert.Error(t, err)
}

func TestFragmentIndexByVariant(t *testing.T) {
	frag := Packet{Type: TypeFragment, Fragment: &Fragment{FragmentIndex: 4}}
	assert.Equal(t, uint64(4), frag.FragmentIndex())

	ack := Packet{Type: TypeAck, Ack: &Ack{FragmentIndex: 2}}
	assert.Equal(t, uint64(2), ack.FragmentIndex())

	flood := Packet{Type: TypeFloodRequest, Flood: &Flood{}}
	assert.Equal(t, uint64(0), flood.FragmentIndex())
}

package fragment

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshnode/meshnode/pkg/packet"
)

func TestSplit(t *testing.T) {
	route := packet.SourceRoutingHeader{Hops: []packet.NodeID{10, 1, 2}}
	payload := bytes.Repeat([]byte("x"), packet.FragmentSize*2+5)

	packets := Split(7, route, payload)
	require.Len(t, packets, 3)

	for i, p := range packets {
		assert.Equal(t, uint64(7), p.SessionID)
		assert.Equal(t, packet.TypeFragment, p.Type)
		assert.Equal(t, uint64(i), p.Fragment.FragmentIndex)
		assert.Equal(t, uint64(3), p.Fragment.TotalFragments)
		assert.Equal(t, route.Hops, p.Header.Hops)
	}
	assert.Equal(t, uint8(packet.FragmentSize), packets[0].Fragment.Size)
	assert.Equal(t, uint8(5), packets[2].Fragment.Size)
}

func TestSplitEmptyPayload(t *testing.T) {
	packets := Split(1, packet.SourceRoutingHeader{Hops: []packet.NodeID{10, 1}}, nil)
	require.Len(t, packets, 1)
	assert.Equal(t, uint8(0), packets[0].Fragment.Size)
	assert.Equal(t, uint64(1), packets[0].Fragment.TotalFragments)
}

func TestReassemble(t *testing.T) {
	route := packet.SourceRoutingHeader{Hops: []packet.NodeID{10, 1}}
	payload := bytes.Repeat([]byte("ab"), packet.FragmentSize) // 2 fragments

	packets := Split(3, route, payload)
	require.Len(t, packets, 2)

	r := NewReassembler()

	got, ok := r.Add(packets[1])
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Equal(t, 1, r.Pending())

	// Duplicates are tolerated.
	_, ok = r.Add(packets[1])
	assert.False(t, ok)

	got, ok = r.Add(packets[0])
	require.True(t, ok)
	assert.Equal(t, payload, got)
	assert.Equal(t, 0, r.Pending())
}

func TestReassembleInterleavedSessions(t *testing.T) {
	route := packet.SourceRoutingHeader{Hops: []packet.NodeID{10, 1}}
	a := Split(1, route, bytes.Repeat([]byte("a"), packet.FragmentSize+1))
	b := Split(2, route, []byte("b"))

	r := NewReassembler()

	_, ok := r.Add(a[0])
	require.False(t, ok)

	got, ok := r.Add(b[0])
	require.True(t, ok)
	assert.Equal(t, []byte("b"), got)

	got, ok = r.Add(a[1])
	require.True(t, ok)
	assert.Len(t, got, packet.FragmentSize+1)
}

func TestReassembleDistinguishesOrigins(t *testing.T) {
	// Session counters are per sender: nodes 10 and 11 both use session 1.
	a := Split(1, packet.SourceRoutingHeader{Hops: []packet.NodeID{10, 1, 2}},
		bytes.Repeat([]byte("a"), packet.FragmentSize*2))
	b := Split(1, packet.SourceRoutingHeader{Hops: []packet.NodeID{11, 1, 2}},
		bytes.Repeat([]byte("b"), packet.FragmentSize*2))

	r := NewReassembler()

	// One fragment from each exchange must never complete as one message.
	_, ok := r.Add(a[0])
	require.False(t, ok)
	_, ok = r.Add(b[1])
	require.False(t, ok)
	assert.Equal(t, 2, r.Pending())

	got, ok := r.Add(a[1])
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte("a"), packet.FragmentSize*2), got)

	got, ok = r.Add(b[0])
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte("b"), packet.FragmentSize*2), got)
	assert.Equal(t, 0, r.Pending())
}

func TestReassembleIgnoresMalformed(t *testing.T) {
	r := NewReassembler()

	_, ok := r.Add(packet.Packet{Type: packet.TypeAck, Ack: &packet.Ack{}})
	assert.False(t, ok)

	_, ok = r.Add(packet.Packet{
		Type:     packet.TypeFragment,
		Fragment: &packet.Fragment{FragmentIndex: 5, TotalFragments: 2},
	})
	assert.False(t, ok)
	assert.Equal(t, 0, r.Pending())
}

package listener

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshnode/meshnode/internal/fragment"
	"github.com/meshnode/meshnode/pkg/gateway"
	"github.com/meshnode/meshnode/pkg/packet"
	"github.com/meshnode/meshnode/pkg/transmitter"
)

type recordedCommand struct {
	sessionID uint64
	cmd       transmitter.Command
}

type testEnv struct {
	listener *Listener
	receiver chan packet.Packet
	wire     chan packet.Packet // neighbor 1's inbound channel
	messages chan Message
	commands []recordedCommand
	floods   []packet.Packet
}

func newTestEnv(t *testing.T, nodeID packet.NodeID) *testEnv {
	t.Helper()

	env := &testEnv{
		receiver: make(chan packet.Packet, 16),
		wire:     make(chan packet.Packet, 16),
		messages: make(chan Message, 16),
	}
	gw := gateway.New(&gateway.Config{NodeID: nodeID, Receiver: env.receiver})
	gw.AddNeighbor(1, env.wire)

	env.listener = New(&Config{
		Gateway:  gw,
		Packets:  env.receiver,
		Messages: env.messages,
		OnCommand: func(sessionID uint64, cmd transmitter.Command) {
			env.commands = append(env.commands, recordedCommand{sessionID, cmd})
		},
		OnFlood: func(p packet.Packet) {
			env.floods = append(env.floods, p)
		},
	})
	return env
}

func TestTerminalFragmentIsAckedAndReassembled(t *testing.T) {
	env := newTestEnv(t, 2)

	route := packet.SourceRoutingHeader{Hops: []packet.NodeID{10, 1, 2}}
	packets := fragment.Split(5, route, []byte("payload"))
	require.Len(t, packets, 1)

	p := packets[0]
	p.Header.HopIndex = 2 // as delivered by the previous hop
	env.listener.handle(p)

	// Ack routed back along the reversed route via neighbor 1.
	require.Len(t, env.wire, 1)
	ack := <-env.wire
	require.Equal(t, packet.TypeAck, ack.Type)
	assert.Equal(t, []packet.NodeID{2, 1, 10}, ack.Header.Hops)
	assert.Equal(t, 1, ack.Header.HopIndex)
	assert.Equal(t, uint64(0), ack.Ack.FragmentIndex)

	require.Len(t, env.messages, 1)
	msg := <-env.messages
	assert.Equal(t, uint64(5), msg.SessionID)
	assert.Equal(t, packet.NodeID(10), msg.Source)
	assert.Equal(t, []byte("payload"), msg.Payload)
}

func TestInTransitFragmentIsForwarded(t *testing.T) {
	env := newTestEnv(t, 2)

	p := packet.Packet{
		Header:    packet.SourceRoutingHeader{Hops: []packet.NodeID{10, 2, 1}, HopIndex: 1},
		SessionID: 5,
		Type:      packet.TypeFragment,
		Fragment:  &packet.Fragment{FragmentIndex: 0, TotalFragments: 2},
	}
	env.listener.handle(p)

	require.Len(t, env.wire, 1)
	got := <-env.wire
	assert.Equal(t, packet.TypeFragment, got.Type)
	assert.Equal(t, 2, got.Header.HopIndex)
	assert.Len(t, env.messages, 0)
}

func TestAckBecomesConfirmed(t *testing.T) {
	env := newTestEnv(t, 10)

	env.listener.handle(packet.Packet{
		Header:    packet.SourceRoutingHeader{Hops: []packet.NodeID{2, 1, 10}, HopIndex: 2},
		SessionID: 5,
		Type:      packet.TypeAck,
		Ack:       &packet.Ack{FragmentIndex: 3},
	})

	require.Len(t, env.commands, 1)
	assert.Equal(t, uint64(5), env.commands[0].sessionID)
	assert.Equal(t, transmitter.Confirmed, env.commands[0].cmd.Type)
}

func TestNackBecomesResend(t *testing.T) {
	env := newTestEnv(t, 10)

	for _, reason := range []packet.NackType{packet.NackDropped, packet.NackErrorInRouting} {
		env.commands = nil
		env.listener.handle(packet.Packet{
			Header:    packet.SourceRoutingHeader{Hops: []packet.NodeID{10}},
			SessionID: 5,
			Type:      packet.TypeNack,
			Nack:      &packet.Nack{FragmentIndex: 4, Reason: reason, NodeID: 1},
		})

		require.Len(t, env.commands, 1)
		assert.Equal(t, transmitter.Resend, env.commands[0].cmd.Type)
		assert.Equal(t, uint64(4), env.commands[0].cmd.FragmentIndex)
	}

	// An unexpected-recipient nack is terminal for the route: no resend.
	env.commands = nil
	env.listener.handle(packet.Packet{
		Header:    packet.SourceRoutingHeader{Hops: []packet.NodeID{10}},
		SessionID: 5,
		Type:      packet.TypeNack,
		Nack:      &packet.Nack{Reason: packet.NackUnexpectedRecipient, NodeID: 7},
	})
	assert.Len(t, env.commands, 0)
}

func TestInTransitAckIsForwarded(t *testing.T) {
	env := newTestEnv(t, 2)

	env.listener.handle(packet.Packet{
		Header:    packet.SourceRoutingHeader{Hops: []packet.NodeID{3, 2, 1, 10}, HopIndex: 1},
		SessionID: 5,
		Type:      packet.TypeAck,
		Ack:       &packet.Ack{},
	})

	assert.Len(t, env.wire, 1)
	assert.Len(t, env.commands, 0)
}

func TestFloodPacketsReachController(t *testing.T) {
	env := newTestEnv(t, 2)

	env.listener.handle(packet.Packet{
		Type:  packet.TypeFloodRequest,
		Flood: &packet.Flood{FloodID: 1, Initiator: 10, PathTrace: []packet.NodeID{10}},
	})
	require.Len(t, env.floods, 1)

	// An in-transit flood response travels on, a terminal one is handled.
	env.listener.handle(packet.Packet{
		Header: packet.SourceRoutingHeader{Hops: []packet.NodeID{3, 2, 1}, HopIndex: 1},
		Type:   packet.TypeFloodResponse,
		Flood:  &packet.Flood{FloodID: 1, Initiator: 1, PathTrace: []packet.NodeID{1, 2, 3}},
	})
	assert.Len(t, env.floods, 1)
	assert.Len(t, env.wire, 1)

	env.listener.handle(packet.Packet{
		Header: packet.SourceRoutingHeader{Hops: []packet.NodeID{3, 2}, HopIndex: 1},
		Type:   packet.TypeFloodResponse,
		Flood:  &packet.Flood{FloodID: 2, Initiator: 2, PathTrace: []packet.NodeID{2, 3}},
	})
	assert.Len(t, env.floods, 2)
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	env := newTestEnv(t, 2)

	done := make(chan struct{})
	go func() {
		env.listener.Run()
		close(done)
	}()

	env.receiver <- packet.Packet{
		Type:  packet.TypeFloodRequest,
		Flood: &packet.Flood{FloodID: 9, Initiator: 3, PathTrace: []packet.NodeID{3}},
	}
	close(env.receiver)
	<-done

	assert.Len(t, env.floods, 1)
}

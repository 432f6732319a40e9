package node

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshnode/meshnode/pkg/packet"
)

func newTestNode(t *testing.T, id packet.NodeID) *Node {
	t.Helper()

	conf := &Config{NodeID: id, QueueSize: 256}
	conf.Transmission.WindowSize = 1
	conf.Transmission.RetryTimeout = Duration(200 * time.Millisecond)

	n, err := NewNode(conf)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	return n
}

// line builds the topology 10 <-> 1 <-> 2.
func line(t *testing.T) (a, b, c *Node) {
	t.Helper()

	a = newTestNode(t, 10)
	b = newTestNode(t, 1)
	c = newTestNode(t, 2)

	a.ConnectNeighbor(1, b.Inbound())
	b.ConnectNeighbor(10, a.Inbound())
	b.ConnectNeighbor(2, c.Inbound())
	c.ConnectNeighbor(1, b.Inbound())
	return a, b, c
}

func closeAll(t *testing.T, nodes ...*Node) {
	t.Helper()
	for _, n := range nodes {
		for _, id := range n.Neighbors() {
			n.DisconnectNeighbor(id)
		}
	}
	// Let in-flight packets drain before the receiving channels close.
	time.Sleep(50 * time.Millisecond)
	for _, n := range nodes {
		require.NoError(t, n.Close())
	}
}

func TestDiscoveryLearnsRoutes(t *testing.T) {
	a, b, c := line(t)
	defer closeAll(t, a, b, c)

	a.StartFlood()

	require.Eventually(t, func() bool {
		routes, err := a.Routes()
		require.NoError(t, err)
		return len(routes) == 2
	}, 2*time.Second, 10*time.Millisecond)

	routes, err := a.Routes()
	require.NoError(t, err)
	hops := map[packet.NodeID][]packet.NodeID{}
	for _, r := range routes {
		hops[r.Destination] = r.Hops
	}
	assert.Equal(t, []packet.NodeID{10, 1}, hops[1])
	assert.Equal(t, []packet.NodeID{10, 1, 2}, hops[2])
}

func TestEndToEndTransfer(t *testing.T) {
	a, b, c := line(t)
	defer closeAll(t, a, b, c)

	a.StartFlood()
	require.Eventually(t, func() bool {
		routes, err := a.Routes()
		require.NoError(t, err)
		return len(routes) == 2
	}, 2*time.Second, 10*time.Millisecond)

	payload := bytes.Repeat([]byte("meshnode"), 100) // several fragments
	id, err := a.SendMessage(2, payload)
	require.NoError(t, err)

	select {
	case msg := <-c.Messages():
		assert.Equal(t, packet.NodeID(10), msg.Source)
		assert.Equal(t, payload, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message did not arrive")
	}

	require.Eventually(t, func() bool {
		for _, transfer := range a.Transfers() {
			if transfer.ID == id {
				return transfer.Status == TransferDone
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendToDirectNeighborWithoutRoutes(t *testing.T) {
	a := newTestNode(t, 10)
	b := newTestNode(t, 1)
	a.ConnectNeighbor(1, b.Inbound())
	b.ConnectNeighbor(10, a.Inbound())
	defer closeAll(t, a, b)

	_, err := a.SendMessage(1, []byte("hi"))
	require.NoError(t, err)

	select {
	case msg := <-b.Messages():
		assert.Equal(t, []byte("hi"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message did not arrive")
	}
}

func TestSendMessageNoRoute(t *testing.T) {
	a := newTestNode(t, 10)
	defer closeAll(t, a)

	_, err := a.SendMessage(9, []byte("hi"))
	assert.Equal(t, ErrNoRoute, err)
}

func TestSendMessageViaValidation(t *testing.T) {
	a := newTestNode(t, 10)
	defer closeAll(t, a)

	_, err := a.SendMessageVia(nil, []byte("hi"))
	assert.Equal(t, ErrEmptyRoute, err)

	_, err = a.SendMessageVia([]packet.NodeID{1, 2}, []byte("hi"))
	assert.Equal(t, ErrWrongOrigin, err)
}

func TestSelfTransfer(t *testing.T) {
	a := newTestNode(t, 10)
	defer closeAll(t, a)

	_, err := a.SendMessageVia([]packet.NodeID{10}, []byte("loopback"))
	require.NoError(t, err)

	select {
	case msg := <-a.Messages():
		assert.Equal(t, []byte("loopback"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message did not arrive")
	}
}

func TestCloseCancelsPendingTransfer(t *testing.T) {
	a := newTestNode(t, 10)

	// Next hop 5 is unknown, so the transfer can never complete.
	id, err := a.SendMessageVia([]packet.NodeID{10, 5}, []byte("hi"))
	require.NoError(t, err)

	require.NoError(t, a.Close())

	var got *Transfer
	for _, transfer := range a.Transfers() {
		if transfer.ID == id {
			tr := transfer
			got = &tr
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, TransferCancelled, got.Status)
}

func TestSummary(t *testing.T) {
	a, b, c := line(t)
	defer closeAll(t, a, b, c)

	s := a.Summary()
	assert.Equal(t, packet.NodeID(10), s.NodeID)
	assert.Equal(t, Version, s.Version)
	assert.Len(t, s.Neighbors, 1)
	assert.Equal(t, 0, s.Transfers)
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"2s"`)))
	assert.Equal(t, Duration(2*time.Second), d)

	raw, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(raw))

	require.NoError(t, d.UnmarshalJSON([]byte(`1500000000`)))
	assert.Equal(t, Duration(1500*time.Millisecond), d)

	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))
}

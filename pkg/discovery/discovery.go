// Package discovery implements flood-based route discovery: a node floods a
// probe through the network, every reached node answers with the path the
// probe traveled, and the initiator records those paths as routes.
package discovery

import (
	"sync"
	"sync/atomic"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/meshnode/meshnode/pkg/gateway"
	"github.com/meshnode/meshnode/pkg/packet"
	"github.com/meshnode/meshnode/pkg/topology"
)

// Config configures a Controller.
type Config struct {
	Logger  *logging.Logger
	Gateway *gateway.Gateway

	// Table receives the routes learned from flood responses.
	Table topology.Table
}

type floodKey struct {
	initiator packet.NodeID
	id        uint64
}

// Controller drives and answers discovery floods for one node. HandlePacket
// is safe for concurrent use, though a node's listener invokes it from a
// single goroutine.
type Controller struct {
	log   *logging.Logger
	gw    *gateway.Gateway
	table topology.Table

	nextFloodID uint64

	mu   sync.Mutex
	seen map[floodKey]struct{}
}

// New constructs a Controller.
func New(config *Config) *Controller {
	log := config.Logger
	if log == nil {
		log = logging.MustGetLogger("discovery")
	}
	return &Controller{
		log:   log,
		gw:    config.Gateway,
		table: config.Table,
		seen:  make(map[floodKey]struct{}),
	}
}

// StartFlood emits a flood request to every neighbor and returns the flood
// identifier. Responses arrive asynchronously through HandlePacket.
func (c *Controller) StartFlood() uint64 {
	id := atomic.AddUint64(&c.nextFloodID, 1)
	self := c.gw.LocalID()
	c.markSeen(floodKey{initiator: self, id: id})

	n := c.gw.Broadcast(packet.Packet{
		Type: packet.TypeFloodRequest,
		Flood: &packet.Flood{
			FloodID:   id,
			Initiator: self,
			PathTrace: []packet.NodeID{self},
		},
	})
	c.log.Debugf("flood %d started, %d neighbors probed", id, n)
	return id
}

// HandlePacket processes one discovery packet delivered to this node.
func (c *Controller) HandlePacket(p packet.Packet) {
	if p.Flood == nil {
		return
	}
	switch p.Type {
	case packet.TypeFloodRequest:
		c.handleRequest(p)
	case packet.TypeFloodResponse:
		c.handleResponse(p)
	}
}

// handleRequest extends the probe's path trace with this node and either
// answers it (already seen, or nowhere left to flood) or rebroadcasts it to
// the remaining neighbors.
func (c *Controller) handleRequest(p packet.Packet) {
	self := c.gw.LocalID()
	flood := p.Flood

	if flood.Initiator == self {
		// Own probe looped back.
		return
	}

	trace := append(append([]packet.NodeID(nil), flood.PathTrace...), self)
	var from packet.NodeID
	if len(flood.PathTrace) > 0 {
		from = flood.PathTrace[len(flood.PathTrace)-1]
	}

	key := floodKey{initiator: flood.Initiator, id: flood.FloodID}
	if !c.markSeen(key) {
		c.respond(flood, trace)
		return
	}

	forwarded := c.gw.Broadcast(packet.Packet{
		Type: packet.TypeFloodRequest,
		Flood: &packet.Flood{
			FloodID:   flood.FloodID,
			Initiator: flood.Initiator,
			PathTrace: trace,
		},
	}, from)
	if forwarded == 0 {
		// Leaf node: nothing to flood, answer instead.
		c.respond(flood, trace)
	}
}

// respond routes a flood response back along the reversed path trace.
func (c *Controller) respond(flood *packet.Flood, trace []packet.NodeID) {
	hops := make([]packet.NodeID, len(trace))
	for i, node := range trace {
		hops[len(trace)-1-i] = node
	}

	response := packet.Packet{
		Header: packet.SourceRoutingHeader{Hops: hops, HopIndex: 0},
		Type:   packet.TypeFloodResponse,
		Flood: &packet.Flood{
			FloodID:   flood.FloodID,
			Initiator: flood.Initiator,
			PathTrace: trace,
		},
	}
	if err := c.gw.Forward(response); err != nil {
		c.log.WithError(err).Debugf("flood %d: response not routable", flood.FloodID)
	}
}

// handleResponse records, at the initiator, a route to every node on the
// returned path trace.
func (c *Controller) handleResponse(p packet.Packet) {
	flood := p.Flood
	if flood.Initiator != c.gw.LocalID() || c.table == nil {
		return
	}

	for i := 1; i < len(flood.PathTrace); i++ {
		hops := flood.PathTrace[:i+1]
		if _, err := c.table.AddRoute(hops); err != nil {
			c.log.WithError(err).Warnf("flood %d: failed to store route %v", flood.FloodID, hops)
		}
	}
	c.log.Debugf("flood %d: recorded path %v", flood.FloodID, flood.PathTrace)
}

// markSeen returns false if the flood was already seen.
func (c *Controller) markSeen(key floodKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[key]; dup {
		return false
	}
	c.seen[key] = struct{}{}
	return true
}

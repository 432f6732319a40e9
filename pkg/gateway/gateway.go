// Package gateway implements a node's forwarding plane: the neighbor table
// and the source-route cursor logic that moves packets one hop further,
// delivers them locally, or reports why neither was possible.
package gateway

import (
	"fmt"
	"sync"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/meshnode/meshnode/pkg/packet"
)

// NackRouteFunc builds the return route of a negative acknowledgment from
// the header of the packet that failed, as the gateway received it. Building
// that route is the caller's obligation; packet.ReverseRoute is the stock
// implementation.
type NackRouteFunc func(failed packet.SourceRoutingHeader) packet.SourceRoutingHeader

// RoutingError is returned by Forward when the route names a next hop that
// is not a known neighbor.
type RoutingError struct {
	NextHop packet.NodeID
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no neighbor for next hop %d", e.NextHop)
}

// UnexpectedRecipientError is returned by Forward when the route does not
// name this node at the packet's current position.
type UnexpectedRecipientError struct {
	NodeID packet.NodeID
}

func (e *UnexpectedRecipientError) Error() string {
	return fmt.Sprintf("node %d is not the route's current hop", e.NodeID)
}

// Config configures a Gateway.
type Config struct {
	Logger *logging.Logger

	// NodeID is this node's identifier.
	NodeID packet.NodeID

	// Receiver is the local receiving channel. Packets destined for this
	// node and locally synthesized nacks are delivered here. It is assumed
	// present and drained for the node's whole lifetime; an unavailable
	// receiver is a broken node, not packet loss, and Forward panics on it.
	Receiver chan<- packet.Packet

	// NackRoute builds return routes for synthesized nacks.
	NackRoute NackRouteFunc
}

// Gateway owns a node's neighbor table and forwards source-routed packets.
// Forwarding may run concurrently from any number of goroutines; topology
// changes serialize against it.
type Gateway struct {
	log       *logging.Logger
	nodeID    packet.NodeID
	receiver  chan<- packet.Packet
	nackRoute NackRouteFunc

	mu        sync.RWMutex
	neighbors map[packet.NodeID]chan<- packet.Packet
}

// New constructs a Gateway.
func New(config *Config) *Gateway {
	log := config.Logger
	if log == nil {
		log = logging.MustGetLogger("gateway")
	}
	nackRoute := config.NackRoute
	if nackRoute == nil {
		nackRoute = packet.ReverseRoute
	}
	return &Gateway{
		log:       log,
		nodeID:    config.NodeID,
		receiver:  config.Receiver,
		nackRoute: nackRoute,
		neighbors: make(map[packet.NodeID]chan<- packet.Packet),
	}
}

// LocalID returns this node's identifier.
func (g *Gateway) LocalID() packet.NodeID {
	return g.nodeID
}

// AddNeighbor registers the outbound channel of a neighbor. Adding an
// already known neighbor overwrites its channel.
func (g *Gateway) AddNeighbor(id packet.NodeID, ch chan<- packet.Packet) {
	g.mu.Lock()
	g.neighbors[id] = ch
	g.mu.Unlock()
}

// RemoveNeighbor drops a neighbor from the table. Removing an unknown
// neighbor is a no-op.
func (g *Gateway) RemoveNeighbor(id packet.NodeID) {
	g.mu.Lock()
	delete(g.neighbors, id)
	g.mu.Unlock()
}

// Neighbors returns a snapshot of the known neighbor identifiers.
func (g *Gateway) Neighbors() []packet.NodeID {
	g.mu.RLock()
	ids := make([]packet.NodeID, 0, len(g.neighbors))
	for id := range g.neighbors {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	return ids
}

// Broadcast sends p to every neighbor except the excluded ones. Sends do
// not block; a full channel loses that copy. It returns the number of
// neighbors the packet was offered to.
func (g *Gateway) Broadcast(p packet.Packet, except ...packet.NodeID) int {
	excluded := make(map[packet.NodeID]struct{}, len(except))
	for _, id := range except {
		excluded[id] = struct{}{}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	n := 0
	for id, ch := range g.neighbors {
		if _, skip := excluded[id]; skip {
			continue
		}
		n++
		select {
		case ch <- p:
		default:
			g.log.Debugf("neighbor %d channel full, dropping broadcast %s", id, p)
		}
	}
	return n
}

// Forward advances the packet's route cursor and moves the packet along:
//
//   - If the route does not name this node at the cursor, an
//     unexpected-recipient nack is delivered locally and the matching error
//     is returned.
//   - If the advanced cursor falls past the route's end, this node is the
//     destination and the packet is delivered to the local receiver.
//   - If the next hop is a known neighbor, the packet is sent on its channel
//     without blocking; a full channel is silent loss, recovered (if at all)
//     by the sender's retransmission logic.
//   - If the next hop is unknown, an error-in-routing nack is delivered
//     locally and the matching error is returned.
//
// Per call at most one packet is placed on a neighbor channel and at most
// one nack on the local receiver.
func (g *Gateway) Forward(p packet.Packet) error {
	received := p.Header

	if cur, ok := received.CurrentHop(); !ok || cur != g.nodeID {
		g.log.Warnf("unexpected recipient: node %d handling route %s", g.nodeID, received)
		g.sendNack(p, packet.NackUnexpectedRecipient, g.nodeID)
		return &UnexpectedRecipientError{NodeID: g.nodeID}
	}

	p.Header.Advance()

	next, ok := p.Header.CurrentHop()
	if !ok {
		// Route exhausted: this node is the destination.
		g.deliverLocal(p)
		return nil
	}

	g.mu.RLock()
	ch, known := g.neighbors[next]
	g.mu.RUnlock()

	if !known {
		g.log.Warnf("routing error: next hop %d of route %s is not a neighbor", next, received)
		failed := p
		failed.Header = received
		g.sendNack(failed, packet.NackErrorInRouting, next)
		return &RoutingError{NextHop: next}
	}

	select {
	case ch <- p:
	default:
		g.log.Debugf("neighbor %d channel full, dropping %s", next, p)
	}
	return nil
}

// sendNack synthesizes a negative acknowledgment for a failed packet and
// delivers it to the local receiver. The nack inherits the failed packet's
// session and, for data fragments, its fragment index.
func (g *Gateway) sendNack(failed packet.Packet, reason packet.NackType, implicated packet.NodeID) {
	var fragmentIndex uint64
	if failed.Type == packet.TypeFragment && failed.Fragment != nil {
		fragmentIndex = failed.Fragment.FragmentIndex
	}

	// Route construction is delegated; failed carries the header as this
	// node received it, before the cursor moved.
	g.deliverLocal(packet.Packet{
		Header:    g.nackRoute(failed.Header),
		SessionID: failed.SessionID,
		Type:      packet.TypeNack,
		Nack: &packet.Nack{
			FragmentIndex: fragmentIndex,
			Reason:        reason,
			NodeID:        implicated,
		},
	})
}

func (g *Gateway) deliverLocal(p packet.Packet) {
	select {
	case g.receiver <- p:
	default:
		panic(fmt.Sprintf("gateway %d: local receiver unavailable, node wiring is broken", g.nodeID))
	}
}

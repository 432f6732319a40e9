// Package node wires a complete hop-network node: the forwarding gateway,
// the inbound listener, flood discovery, the route store and per-session
// fragment transmission.
package node

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/meshnode/meshnode/internal/fragment"
	"github.com/meshnode/meshnode/pkg/discovery"
	"github.com/meshnode/meshnode/pkg/gateway"
	"github.com/meshnode/meshnode/pkg/listener"
	"github.com/meshnode/meshnode/pkg/packet"
	"github.com/meshnode/meshnode/pkg/topology"
	"github.com/meshnode/meshnode/pkg/transmitter"
)

// Version is the node version.
const Version = "0.1.0"

// DefaultQueueSize is the receiving channel capacity when the config leaves
// it unset.
const DefaultQueueSize = 512

var (
	// ErrNoRoute is returned when no stored route reaches the destination.
	ErrNoRoute = errors.New("no route to destination")

	// ErrEmptyRoute is returned for an explicit route without hops.
	ErrEmptyRoute = errors.New("route must contain at least one hop")

	// ErrWrongOrigin is returned for an explicit route that does not start
	// at this node.
	ErrWrongOrigin = errors.New("route must start at this node")
)

// TransferStatus describes the lifecycle of an outbound transfer.
type TransferStatus string

const (
	// TransferPending means fragments are still in flight.
	TransferPending TransferStatus = "pending"

	// TransferDone means every fragment was confirmed.
	TransferDone TransferStatus = "done"

	// TransferCancelled means the node shut down mid-transfer.
	TransferCancelled TransferStatus = "cancelled"
)

// Transfer describes one outbound message transmission.
type Transfer struct {
	ID          uuid.UUID       `json:"id"`
	SessionID   uint64          `json:"session_id"`
	Destination packet.NodeID   `json:"destination"`
	Hops        []packet.NodeID `json:"hops"`
	Fragments   int             `json:"fragments"`
	Status      TransferStatus  `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
}

// Summary holds the top-level state exposed by the management API.
type Summary struct {
	NodeID    packet.NodeID   `json:"node_id"`
	Version   string          `json:"version"`
	Neighbors []packet.NodeID `json:"neighbors"`
	Routes    int             `json:"routes"`
	Transfers int             `json:"transfers"`
}

// Node is a single network participant: it forwards in-transit traffic,
// terminates traffic addressed to it, answers discovery floods and sends
// its own messages reliably.
type Node struct {
	conf   *Config
	logger *logging.Logger

	gw       *gateway.Gateway
	listener *listener.Listener
	disc     *discovery.Controller
	table    topology.Table

	inbound  chan packet.Packet
	messages chan listener.Message

	nextSession uint64

	mu        sync.RWMutex
	sessions  map[uint64]chan transmitter.Command
	transfers map[uuid.UUID]*Transfer

	handlers     sync.WaitGroup
	listenerDone chan struct{}
	closeOnce    sync.Once
	closeErr     error
}

// NewNode constructs a Node from a config.
func NewNode(conf *Config) (*Node, error) {
	logger := logging.MustGetLogger(fmt.Sprintf("node.%d", conf.NodeID))

	queue := conf.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}

	var table topology.Table
	var err error
	if conf.Routing.Location != "" {
		table, err = topology.BoltDBTable(conf.Routing.Location)
		if err != nil {
			return nil, fmt.Errorf("route store: %s", err)
		}
	} else {
		table = topology.InMemoryTable()
	}

	n := &Node{
		conf:         conf,
		logger:       logger,
		table:        table,
		inbound:      make(chan packet.Packet, queue),
		messages:     make(chan listener.Message, queue),
		sessions:     make(map[uint64]chan transmitter.Command),
		transfers:    make(map[uuid.UUID]*Transfer),
		listenerDone: make(chan struct{}),
	}

	n.gw = gateway.New(&gateway.Config{
		Logger:   logger,
		NodeID:   conf.NodeID,
		Receiver: n.inbound,
	})
	n.disc = discovery.New(&discovery.Config{
		Logger:  logger,
		Gateway: n.gw,
		Table:   table,
	})
	n.listener = listener.New(&listener.Config{
		Logger:    logger,
		Gateway:   n.gw,
		Packets:   n.inbound,
		Messages:  n.messages,
		OnCommand: n.routeCommand,
		OnFlood:   n.disc.HandlePacket,
	})
	return n, nil
}

// Start runs the node's inbound listener.
func (n *Node) Start() error {
	go func() {
		defer close(n.listenerDone)
		n.listener.Run()
	}()
	n.logger.Infof("node %d started", n.conf.NodeID)
	return nil
}

// Close shuts the node down: in-flight transfers are cancelled, the
// listener stopped and the route store closed. The node must already be
// detached from its neighbors, i.e. nothing may still send on the channel
// returned by Inbound.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		for sessionID, commands := range n.sessions {
			delete(n.sessions, sessionID)
			close(commands)
		}
		for _, transfer := range n.transfers {
			if transfer.Status == TransferPending {
				transfer.Status = TransferCancelled
			}
		}
		n.mu.Unlock()

		n.handlers.Wait()

		close(n.inbound)
		<-n.listenerDone

		n.closeErr = n.table.Close()
		n.logger.Infof("node %d closed", n.conf.NodeID)
	})
	return n.closeErr
}

// LocalID returns the node's identifier.
func (n *Node) LocalID() packet.NodeID {
	return n.conf.NodeID
}

// Inbound returns the channel neighbors must send this node's traffic on.
func (n *Node) Inbound() chan<- packet.Packet {
	return n.inbound
}

// Messages returns reassembled application messages addressed to this node.
func (n *Node) Messages() <-chan listener.Message {
	return n.messages
}

// ConnectNeighbor registers a link to a neighbor, identified by id and
// reachable through its inbound channel.
func (n *Node) ConnectNeighbor(id packet.NodeID, inbound chan<- packet.Packet) {
	n.gw.AddNeighbor(id, inbound)
}

// DisconnectNeighbor removes a link.
func (n *Node) DisconnectNeighbor(id packet.NodeID) {
	n.gw.RemoveNeighbor(id)
}

// Neighbors returns the identifiers of the connected neighbors.
func (n *Node) Neighbors() []packet.NodeID {
	return n.gw.Neighbors()
}

// StartFlood launches a discovery flood and returns its identifier.
func (n *Node) StartFlood() uint64 {
	return n.disc.StartFlood()
}

// Routes returns every stored route.
func (n *Node) Routes() ([]topology.Route, error) {
	return n.table.AllRoutes()
}

// Summary returns the node's top-level state.
func (n *Node) Summary() Summary {
	n.mu.RLock()
	transfers := len(n.transfers)
	n.mu.RUnlock()

	return Summary{
		NodeID:    n.conf.NodeID,
		Version:   Version,
		Neighbors: n.Neighbors(),
		Routes:    n.table.Count(),
		Transfers: transfers,
	}
}

// Transfers returns a snapshot of all known transfers.
func (n *Node) Transfers() []Transfer {
	n.mu.RLock()
	defer n.mu.RUnlock()

	transfers := make([]Transfer, 0, len(n.transfers))
	for _, t := range n.transfers {
		transfers = append(transfers, *t)
	}
	return transfers
}

// SendMessage transmits payload to dst over the best stored route (fewest
// hops), falling back to the direct link if dst is a neighbor.
func (n *Node) SendMessage(dst packet.NodeID, payload []byte) (uuid.UUID, error) {
	hops, err := n.resolveRoute(dst)
	if err != nil {
		return uuid.UUID{}, err
	}
	return n.sendVia(hops, payload)
}

// SendMessageVia transmits payload over an explicit route starting at this
// node.
func (n *Node) SendMessageVia(hops []packet.NodeID, payload []byte) (uuid.UUID, error) {
	if len(hops) == 0 {
		return uuid.UUID{}, ErrEmptyRoute
	}
	if hops[0] != n.conf.NodeID {
		return uuid.UUID{}, ErrWrongOrigin
	}
	return n.sendVia(hops, payload)
}

func (n *Node) resolveRoute(dst packet.NodeID) ([]packet.NodeID, error) {
	routes, err := n.table.Routes(dst)
	if err != nil {
		return nil, err
	}
	var best []packet.NodeID
	for _, r := range routes {
		if best == nil || len(r.Hops) < len(best) {
			best = r.Hops
		}
	}
	if best != nil {
		return best, nil
	}

	for _, id := range n.Neighbors() {
		if id == dst {
			return []packet.NodeID{n.conf.NodeID, dst}, nil
		}
	}
	return nil, ErrNoRoute
}

func (n *Node) sendVia(hops []packet.NodeID, payload []byte) (uuid.UUID, error) {
	sessionID := atomic.AddUint64(&n.nextSession, 1)
	route := packet.SourceRoutingHeader{Hops: hops, HopIndex: 0}
	fragments := fragment.Split(sessionID, route, payload)

	commands := make(chan transmitter.Command, 64)
	handler := transmitter.New(&transmitter.Config{
		Logger:       n.logger,
		Gateway:      n.gw,
		Fragments:    fragments,
		Commands:     commands,
		WindowSize:   n.conf.Transmission.WindowSize,
		RetryTimeout: time.Duration(n.conf.Transmission.RetryTimeout),
	})

	transfer := &Transfer{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Destination: hops[len(hops)-1],
		Hops:        append([]packet.NodeID(nil), hops...),
		Fragments:   len(fragments),
		Status:      TransferPending,
		StartedAt:   time.Now(),
	}

	n.mu.Lock()
	n.sessions[sessionID] = commands
	n.transfers[transfer.ID] = transfer
	n.mu.Unlock()

	n.handlers.Add(1)
	go func() {
		defer n.handlers.Done()
		handler.Run()
		n.completeTransfer(transfer.ID, sessionID)
	}()

	n.logger.Infof("transfer %s: %d fragments to node %d via %v",
		transfer.ID, len(fragments), transfer.Destination, hops)
	return transfer.ID, nil
}

// routeCommand relays an acknowledgment-derived command to the session it
// belongs to. Commands for unknown sessions are dropped: the transfer is
// already complete or was never ours.
func (n *Node) routeCommand(sessionID uint64, cmd transmitter.Command) {
	// The send happens under the read lock so Close cannot close the
	// channel between the lookup and the send.
	n.mu.RLock()
	defer n.mu.RUnlock()

	commands, ok := n.sessions[sessionID]
	if !ok {
		n.logger.Debugf("command %s for unknown session %d dropped", cmd.Type, sessionID)
		return
	}
	select {
	case commands <- cmd:
	default:
		n.logger.Warnf("session %d command queue full, dropping %s", sessionID, cmd.Type)
	}
}

func (n *Node) completeTransfer(id uuid.UUID, sessionID uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.sessions, sessionID)
	if t, ok := n.transfers[id]; ok && t.Status == TransferPending {
		t.Status = TransferDone
	}
}

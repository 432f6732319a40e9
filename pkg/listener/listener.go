// Package listener implements a node's inbound plane: it drains the node's
// receiving channel, forwards in-transit packets, acknowledges and
// reassembles fragments addressed to this node, and translates inbound
// acknowledgments into transmission commands.
package listener

import (
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/meshnode/meshnode/internal/fragment"
	"github.com/meshnode/meshnode/pkg/gateway"
	"github.com/meshnode/meshnode/pkg/packet"
	"github.com/meshnode/meshnode/pkg/transmitter"
)

// Message is a fully reassembled application message.
type Message struct {
	SessionID uint64
	Source    packet.NodeID
	Payload   []byte
}

// Config configures a Listener.
type Config struct {
	Logger *logging.Logger

	// Gateway forwards in-transit packets and sends acknowledgments back.
	Gateway *gateway.Gateway

	// Packets is the node's receiving channel: neighbors send inbound
	// traffic here and the Gateway delivers terminal packets and
	// locally synthesized nacks here.
	Packets <-chan packet.Packet

	// Messages receives reassembled application messages. A nil channel
	// drops them.
	Messages chan<- Message

	// OnCommand is invoked for every acknowledgment addressed to this node,
	// translated into a transmission command for the session it belongs to.
	// Invocations happen on the listener's single goroutine, preserving
	// arrival order.
	OnCommand func(sessionID uint64, cmd transmitter.Command)

	// OnFlood is invoked for network-discovery packets addressed to (or
	// flooding through) this node.
	OnFlood func(p packet.Packet)
}

// Listener demultiplexes a node's inbound packets by type and route
// position. Run processes packets until the receiving channel closes.
type Listener struct {
	log         *logging.Logger
	gw          *gateway.Gateway
	packets     <-chan packet.Packet
	messages    chan<- Message
	onCommand   func(uint64, transmitter.Command)
	onFlood     func(packet.Packet)
	reassembler *fragment.Reassembler
}

// New constructs a Listener.
func New(config *Config) *Listener {
	log := config.Logger
	if log == nil {
		log = logging.MustGetLogger("listener")
	}
	return &Listener{
		log:         log,
		gw:          config.Gateway,
		packets:     config.Packets,
		messages:    config.Messages,
		onCommand:   config.OnCommand,
		onFlood:     config.OnFlood,
		reassembler: fragment.NewReassembler(),
	}
}

// Run drains the receiving channel until it closes.
func (l *Listener) Run() {
	for p := range l.packets {
		l.handle(p)
	}
	l.log.Debug("receiving channel closed")
}

func (l *Listener) handle(p packet.Packet) {
	switch p.Type {
	case packet.TypeFragment:
		l.handleFragment(p)
	case packet.TypeAck:
		l.handleAck(p)
	case packet.TypeNack:
		l.handleNack(p)
	case packet.TypeFloodRequest:
		l.handleFlood(p)
	case packet.TypeFloodResponse:
		if !p.Header.IsLastHop() {
			l.forward(p)
			return
		}
		l.handleFlood(p)
	default:
		l.log.Warnf("dropping packet of unknown type: %s", p)
	}
}

func (l *Listener) handleFragment(p packet.Packet) {
	if p.Fragment == nil {
		l.log.Warnf("dropping fragment packet without payload: %s", p)
		return
	}
	if !p.Header.IsLastHop() {
		l.forward(p)
		return
	}

	// This node is the destination: acknowledge, then reassemble.
	ack := packet.Packet{
		Header:    packet.ReverseRoute(p.Header),
		SessionID: p.SessionID,
		Type:      packet.TypeAck,
		Ack:       &packet.Ack{FragmentIndex: p.Fragment.FragmentIndex},
	}
	if err := l.gw.Forward(ack); err != nil {
		l.log.WithError(err).Warnf("failed to route ack for session %d", p.SessionID)
	}

	payload, done := l.reassembler.Add(p)
	if !done {
		return
	}
	var source packet.NodeID
	if len(p.Header.Hops) > 0 {
		source = p.Header.Hops[0]
	}
	l.deliver(Message{SessionID: p.SessionID, Source: source, Payload: payload})
}

func (l *Listener) handleAck(p packet.Packet) {
	if p.Ack == nil {
		return
	}
	if !p.Header.IsLastHop() {
		l.forward(p)
		return
	}
	if l.onCommand == nil {
		return
	}
	// Acknowledgments are translated in arrival order; Confirmed retires
	// the sending window's head.
	l.onCommand(p.SessionID, transmitter.Command{Type: transmitter.Confirmed})
}

func (l *Listener) handleNack(p packet.Packet) {
	if p.Nack == nil {
		return
	}
	if !p.Header.IsLastHop() {
		l.forward(p)
		return
	}

	switch p.Nack.Reason {
	case packet.NackDropped, packet.NackErrorInRouting:
		if l.onCommand == nil {
			return
		}
		l.onCommand(p.SessionID, transmitter.Command{
			Type:          transmitter.Resend,
			FragmentIndex: p.Nack.FragmentIndex,
		})
	case packet.NackUnexpectedRecipient:
		// The route itself is wrong; resending on it cannot help.
		l.log.Warnf("session %d: route rejected by node %d", p.SessionID, p.Nack.NodeID)
	default:
		l.log.Warnf("dropping nack with unknown reason: %s", p)
	}
}

func (l *Listener) handleFlood(p packet.Packet) {
	if p.Flood == nil {
		l.log.Warnf("dropping flood packet without payload: %s", p)
		return
	}
	if l.onFlood != nil {
		l.onFlood(p)
	}
}

func (l *Listener) forward(p packet.Packet) {
	// Forwarding failures already produced a nack toward the origin.
	if err := l.gw.Forward(p); err != nil {
		l.log.WithError(err).Debugf("forward failed for %s", p)
	}
}

func (l *Listener) deliver(m Message) {
	if l.messages == nil {
		return
	}
	select {
	case l.messages <- m:
	default:
		l.log.Warnf("message channel full, dropping message of session %d", m.SessionID)
	}
}

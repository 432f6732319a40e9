// Package transmitter implements reliable delivery of one session's outbound
// fragments: a sliding window over the fragment sequence, one retry task per
// in-flight fragment, and a command loop that advances the window on
// acknowledgment and triggers immediate resends on negative acknowledgment.
package transmitter

import (
	"sync"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/meshnode/meshnode/pkg/gateway"
	"github.com/meshnode/meshnode/pkg/packet"
)

const (
	// DefaultWindowSize is the number of fragments in flight when the config
	// leaves it unset.
	DefaultWindowSize = 1

	// DefaultRetryTimeout is the per-fragment retransmission timeout when
	// the config leaves it unset.
	DefaultRetryTimeout = 2 * time.Second
)

// CommandType enumerates the commands driving a Handler.
type CommandType int

const (
	// Confirmed retires the oldest in-flight fragment and advances the
	// window by one.
	Confirmed CommandType = iota

	// Resend instructs the task of a specific fragment to retransmit
	// immediately instead of waiting out its timeout.
	Resend
)

func (t CommandType) String() string {
	switch t {
	case Confirmed:
		return "confirmed"
	case Resend:
		return "resend"
	default:
		return "unknown"
	}
}

// Command is a control signal for a Handler. FragmentIndex is meaningful for
// Resend only: Confirmed carries no index and always retires the window head.
// Acknowledgments are therefore assumed to arrive in fragment order; that is
// a protocol precondition of the command producer, not enforced here.
type Command struct {
	Type          CommandType
	FragmentIndex uint64
}

// Config configures a Handler.
type Config struct {
	Logger *logging.Logger

	// Gateway places fragments on the wire. It is shared with the node's
	// other senders and safe for concurrent use.
	Gateway *gateway.Gateway

	// Fragments is the ordered, immutable fragment sequence of one session.
	// A new session requires a new Handler.
	Fragments []packet.Packet

	// Commands delivers Confirmed/Resend signals. Closing it tears the
	// Handler down: all remaining tasks stop without their fragments being
	// confirmed, which is the normal cancellation path.
	Commands <-chan Command

	WindowSize   int
	RetryTimeout time.Duration
}

// Handler schedules one session's fragments. Run drives it to completion.
type Handler struct {
	log       *logging.Logger
	gw        *gateway.Gateway
	fragments []packet.Packet
	commands  <-chan Command
	window    int
	timeout   time.Duration

	mu          sync.Mutex
	windowStart uint64
	tasks       map[uint64]chan Command

	wg sync.WaitGroup
}

// New constructs a Handler.
func New(config *Config) *Handler {
	log := config.Logger
	if log == nil {
		log = logging.MustGetLogger("transmitter")
	}
	window := config.WindowSize
	if window <= 0 {
		window = DefaultWindowSize
	}
	timeout := config.RetryTimeout
	if timeout <= 0 {
		timeout = DefaultRetryTimeout
	}
	return &Handler{
		log:       log,
		gw:        config.Gateway,
		fragments: config.Fragments,
		commands:  config.Commands,
		window:    window,
		timeout:   timeout,
		tasks:     make(map[uint64]chan Command),
	}
}

// Run admits fragments into the window and consumes commands until every
// fragment is confirmed or the command channel closes. It returns only after
// all retry tasks have stopped.
func (h *Handler) Run() {
	defer h.wg.Wait()

	for {
		h.admitWindow()
		if h.WindowStart() >= uint64(len(h.fragments)) {
			h.log.Debugf("all %d fragments confirmed", len(h.fragments))
			return
		}

		cmd, ok := <-h.commands
		if !ok {
			h.teardown()
			return
		}
		switch cmd.Type {
		case Confirmed:
			h.onConfirmed()
		case Resend:
			h.onResend(cmd.FragmentIndex)
		default:
			h.log.Warnf("unknown command %d dropped", cmd.Type)
		}
	}
}

// WindowStart returns the index of the oldest unconfirmed fragment.
func (h *Handler) WindowStart() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.windowStart
}

// activeTasks returns a snapshot of the in-flight fragment indices.
func (h *Handler) activeTasks() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	indices := make([]uint64, 0, len(h.tasks))
	for i := range h.tasks {
		indices = append(indices, i)
	}
	return indices
}

// admitWindow starts a retry task for every fragment inside the window that
// does not have one yet. Task count never exceeds the window size.
func (h *Handler) admitWindow() {
	h.mu.Lock()
	defer h.mu.Unlock()

	end := h.windowStart + uint64(h.window)
	if n := uint64(len(h.fragments)); end > n {
		end = n
	}
	for i := h.windowStart; i < end; i++ {
		if _, active := h.tasks[i]; active {
			continue
		}
		ch := make(chan Command, 1)
		h.tasks[i] = ch
		h.wg.Add(1)
		go h.retryLoop(i, h.fragments[i], ch)
	}
}

// onConfirmed retires the window head: its task is told to stop, its
// registry entry removed, and the window advanced by exactly one.
func (h *Handler) onConfirmed() {
	h.mu.Lock()
	head := h.windowStart
	ch, active := h.tasks[head]
	if active {
		delete(h.tasks, head)
	}
	h.windowStart++
	h.mu.Unlock()

	if !active {
		return
	}
	select {
	case ch <- Command{Type: Confirmed}:
	default:
	}
	close(ch)
}

// onResend relays an immediate-resend instruction to the task of the given
// fragment. A miss means the fragment is already confirmed or out of window
// and the command is dropped.
func (h *Handler) onResend(index uint64) {
	h.mu.Lock()
	ch, active := h.tasks[index]
	h.mu.Unlock()

	if !active {
		h.log.Debugf("resend for inactive fragment %d dropped", index)
		return
	}
	select {
	case ch <- Command{Type: Resend, FragmentIndex: index}:
	default:
		// A resend is already queued for this task.
	}
}

// teardown cancels every remaining task by closing its control channel.
func (h *Handler) teardown() {
	h.mu.Lock()
	for i, ch := range h.tasks {
		delete(h.tasks, i)
		close(ch)
	}
	h.mu.Unlock()
}

// retryLoop is the per-fragment task: transmit, then wait for whichever
// comes first of the retry timeout, a Resend, a Confirmed, or the control
// channel closing.
func (h *Handler) retryLoop(index uint64, p packet.Packet, commands <-chan Command) {
	defer h.wg.Done()

	for {
		if err := h.gw.Forward(p); err != nil {
			h.log.WithError(err).Warnf("fragment %d: forward failed", index)
		}

		select {
		case <-time.After(h.timeout):
			h.log.Debugf("fragment %d: retry timeout, resending", index)
		case cmd, ok := <-commands:
			if !ok {
				h.log.Debugf("fragment %d: cancelled", index)
				return
			}
			switch cmd.Type {
			case Confirmed:
				return
			case Resend:
				h.log.Debugf("fragment %d: immediate resend", index)
			}
		}
	}
}

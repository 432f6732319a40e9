package node

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/meshnode/meshnode/pkg/packet"
)

// Duration wraps time.Duration to allow parsing from and serializing to
// JSON ("2s", "150ms").
type Duration time.Duration

// MarshalJSON implements json marshaling.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json unmarshaling.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return errors.New("invalid duration")
	}
}

// InterfaceConfig defines the listening interfaces of a node.
type InterfaceConfig struct {
	// HTTPAddr is the management API address. Empty disables the API.
	HTTPAddr string `json:"http_addr"`
}

// TransmissionConfig tunes outbound fragment scheduling.
type TransmissionConfig struct {
	WindowSize   int      `json:"window_size"`
	RetryTimeout Duration `json:"retry_timeout"` // time value, examples: 2s, 500ms
}

// RoutingConfig selects the route store backend.
type RoutingConfig struct {
	// Location is the BoltDB path of the route store. Empty keeps routes
	// in memory only.
	Location string `json:"location"`
}

// Config defines the configuration of a node.
type Config struct {
	NodeID packet.NodeID `json:"node_id"`

	Transmission TransmissionConfig `json:"transmission"`
	Routing      RoutingConfig      `json:"routing"`

	// QueueSize is the capacity of the node's receiving channel and of the
	// inbound channel it hands to neighbors.
	QueueSize int `json:"queue_size"`

	ShutdownTimeout Duration `json:"shutdown_timeout"` // time value, examples: 10s, 1m

	Interfaces InterfaceConfig `json:"interfaces"`

	LogLevel string `json:"log_level"`
}

package driver

import (
	"errors"
	"sync/atomic"
	"time"
)

// DefaultDisposeTimeout bounds a graceful disconnect.
const DefaultDisposeTimeout = 5 * time.Second

// ErrForceReleased is returned by Disconnect when the graceful close did not
// finish in time and resources were released without it.
var ErrForceReleased = errors.New("connection force-released")

// State is the lifecycle state of a connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time view of a connection.
type Status struct {
	IsConnected bool      `json:"is_connected"`
	State       State     `json:"state"`
	LastChange  time.Time `json:"last_change"`
	LastError   string    `json:"last_error,omitempty"`
}

// statusCell holds a connection's Status for lock-free reads.
type statusCell struct {
	v atomic.Pointer[Status]
}

func (c *statusCell) get() Status {
	if s := c.v.Load(); s != nil {
		return *s
	}
	return Status{State: StateDisconnected}
}

func (c *statusCell) set(state State, err error) {
	s := &Status{State: state, IsConnected: state == StateConnected, LastChange: time.Now()}
	if err != nil {
		s.LastError = err.Error()
	}
	c.v.Store(s)
}

package engine

import (
	"time"

	"opclink/connman"
	"opclink/opc"
	"opclink/transport"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Connection events
	EventConnectionState EventType = iota + 1
	EventConnectionAdded
	EventConnectionRemoved
	EventAlarm

	// Uplink events
	EventUplinkChanged
	EventPublisherStarted
	EventPublisherFailed

	// Write events
	EventWriteLogged

	// Model events
	EventModelLoaded
	EventModelUnloaded
	EventModelFailed
	EventInferenceOutput

	// System events
	EventConfigApplied
	EventConfigRejected
	EventNamespaceChanged
)

var eventNames = map[EventType]string{
	EventConnectionState:   "connection_state",
	EventConnectionAdded:   "connection_added",
	EventConnectionRemoved: "connection_removed",
	EventAlarm:             "alarm",
	EventUplinkChanged:     "uplink_changed",
	EventPublisherStarted:  "publisher_started",
	EventPublisherFailed:   "publisher_failed",
	EventWriteLogged:       "write_logged",
	EventModelLoaded:       "model_loaded",
	EventModelUnloaded:     "model_unloaded",
	EventModelFailed:       "model_failed",
	EventInferenceOutput:   "inference_output",
	EventConfigApplied:     "config_applied",
	EventConfigRejected:    "config_rejected",
	EventNamespaceChanged:  "namespace_changed",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// ConnectionEvent is the payload for connection state changes.
type ConnectionEvent struct {
	Status connman.ConnectionStatus `json:"status"`
}

// ServerEvent is the payload for servers added or removed by a reload.
type ServerEvent struct {
	ID string `json:"id"`
}

// AlarmEvent is the payload for alarm notifications.
type AlarmEvent struct {
	ConnectionID string         `json:"connection_id"`
	Alarm        opc.AlarmEvent `json:"alarm"`
}

// UplinkEvent is the payload for uplink availability changes.
type UplinkEvent struct {
	Available bool `json:"available"`
}

// ServiceEvent is the payload for publisher lifecycle events.
type ServiceEvent struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// WriteEvent is the payload for audited writes.
type WriteEvent struct {
	Log transport.CriticalWriteLog `json:"log"`
}

// ModelEvent is the payload for model lifecycle events.
type ModelEvent struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Location string `json:"location,omitempty"`
	Error    string `json:"error,omitempty"`
}

// InferenceEvent is the payload for model results.
type InferenceEvent struct {
	Output transport.EdgeInferenceOutput `json:"output"`
}

// SystemEvent is the payload for system-level events.
type SystemEvent struct {
	Detail string `json:"detail,omitempty"`
}

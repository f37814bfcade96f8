package opc

import (
	"fmt"
	"time"
)

// AlarmState is the lifecycle state of an alarm condition.
type AlarmState int

const (
	AlarmInactive AlarmState = iota
	AlarmActive
	AlarmAcknowledged
	AlarmConfirmed
)

func (s AlarmState) String() string {
	switch s {
	case AlarmInactive:
		return "Inactive"
	case AlarmActive:
		return "Active"
	case AlarmAcknowledged:
		return "Acknowledged"
	case AlarmConfirmed:
		return "Confirmed"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the state by name.
func (s AlarmState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AckState is the acknowledgement state reported alongside an alarm.
type AckState int

const (
	Unacknowledged AckState = iota
	Acknowledged
	Confirmed
)

func (s AckState) String() string {
	switch s {
	case Unacknowledged:
		return "Unacknowledged"
	case Acknowledged:
		return "Acknowledged"
	case Confirmed:
		return "Confirmed"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the ack state by name.
func (s AckState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AlarmEvent is one alarm or condition notification.
type AlarmEvent struct {
	EventID   string     `json:"event_id"`
	Source    string     `json:"source"`
	Condition string     `json:"condition"`
	Severity  uint16     `json:"severity"`
	State     AlarmState `json:"state"`
	AckState  AckState   `json:"ack_state"`
	Message   string     `json:"message,omitempty"`
	Time      time.Time  `json:"time"`
}

var alarmTransitions = map[AlarmState][]AlarmState{
	AlarmInactive:     {AlarmActive},
	AlarmActive:       {AlarmAcknowledged, AlarmInactive},
	AlarmAcknowledged: {AlarmConfirmed, AlarmActive, AlarmInactive},
	AlarmConfirmed:    {AlarmActive, AlarmInactive},
}

// CanTransition reports whether an alarm may move from one state to another.
func CanTransition(from, to AlarmState) bool {
	for _, s := range alarmTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the alarm into a new state and updates AckState.
// Recurrence (back to Active) resets acknowledgement.
func (e *AlarmEvent) Transition(to AlarmState, at time.Time) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("alarm %s: invalid transition %s -> %s", e.EventID, e.State, to)
	}
	e.State = to
	switch to {
	case AlarmActive:
		e.AckState = Unacknowledged
	case AlarmAcknowledged:
		e.AckState = Acknowledged
	case AlarmConfirmed:
		e.AckState = Confirmed
	}
	if !at.IsZero() {
		e.Time = at
	}
	return nil
}

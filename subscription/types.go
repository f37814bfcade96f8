// Package subscription manages server-side subscriptions and monitored
// items for one connection and delivers their notifications in order.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opclink/opc"
)

var (
	ErrInvalidTransition    = errors.New("invalid subscription state transition")
	ErrUnknownSubscription  = errors.New("unknown subscription")
	ErrUnknownMonitoredItem = errors.New("unknown monitored item")
	ErrEngineClosed         = errors.New("subscription engine closed")
)

// State is the lifecycle state of a subscription.
type State int

const (
	StateCreated State = iota
	StateActive
	StateSuspended
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateActive:
		return "Active"
	case StateSuspended:
		return "Suspended"
	case StateDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var transitions = map[State][]State{
	StateCreated:   {StateActive, StateDeleted},
	StateActive:    {StateSuspended, StateDeleted},
	StateSuspended: {StateActive, StateDeleted},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(id uint32, from, to State) error {
	return fmt.Errorf("subscription %d: %s -> %s: %w", id, from, to, ErrInvalidTransition)
}

// Params are the requested subscription settings. The server may revise them.
type Params struct {
	PublishingInterval time.Duration `json:"publishing_interval"`
	LifetimeCount      uint32        `json:"lifetime_count"`
	KeepAliveCount     uint32        `json:"keep_alive_count"`
	MaxNotifications   uint32        `json:"max_notifications"`
	Priority           uint8         `json:"priority"`
}

// Revised holds the values the server granted.
type Revised struct {
	SubscriptionID     uint32        `json:"subscription_id"`
	PublishingInterval time.Duration `json:"publishing_interval"`
	LifetimeCount      uint32        `json:"lifetime_count"`
	KeepAliveCount     uint32        `json:"keep_alive_count"`
}

// KeepAliveTimeout is how long the server may stay silent before the
// subscription is considered unhealthy.
func (r Revised) KeepAliveTimeout() time.Duration {
	return r.PublishingInterval * time.Duration(r.KeepAliveCount)
}

// LifetimeTimeout is how long the server keeps the subscription without
// a publish request.
func (r Revised) LifetimeTimeout() time.Duration {
	return r.PublishingInterval * time.Duration(r.LifetimeCount)
}

// DiscardPolicy picks which value a full item queue drops.
type DiscardPolicy int

const (
	DiscardOldest DiscardPolicy = iota
	DiscardNewest
)

func (d DiscardPolicy) String() string {
	if d == DiscardNewest {
		return "newest"
	}
	return "oldest"
}

// ItemRequest asks for one monitored item.
type ItemRequest struct {
	NodeAddress      string
	TagID            string
	SamplingInterval time.Duration
	QueueSize        uint32
	DiscardPolicy    DiscardPolicy
}

// ItemResult is the per-item outcome of a batch operation.
type ItemResult struct {
	NodeAddress             string        `json:"node"`
	TagID                   string        `json:"tag,omitempty"`
	ItemID                  uint32        `json:"item_id,omitempty"`
	RevisedSamplingInterval time.Duration `json:"revised_sampling_interval,omitempty"`
	RevisedQueueSize        uint32        `json:"revised_queue_size,omitempty"`
	Err                     error         `json:"-"`
}

// ItemModify changes the sampling of an existing item.
type ItemModify struct {
	ItemID           uint32
	SamplingInterval time.Duration
	QueueSize        uint32
}

// ItemValue is one data change inside a notification, identified by the
// client handle assigned when the item was created.
type ItemValue struct {
	ClientHandle uint32
	Value        opc.DataValue
}

// Notification is one publish response from the server.
type Notification struct {
	SubscriptionID uint32
	SequenceNumber uint32
	Items          []ItemValue
	Events         []opc.AlarmEvent
	KeepAlive      bool
}

// NotifyFunc receives notifications from a backend. It must not block.
type NotifyFunc func(Notification)

// BackendItem is a monitored item create or modify request as the backend sees it.
type BackendItem struct {
	ItemID           uint32
	ClientHandle     uint32
	NodeAddress      string
	SamplingInterval time.Duration
	QueueSize        uint32
	DiscardOldest    bool
}

// BackendItemResult is the server's answer for one item.
type BackendItemResult struct {
	ItemID                  uint32
	RevisedSamplingInterval time.Duration
	RevisedQueueSize        uint32
	Err                     error
}

// Backend is the protocol session primitive set. Result slices are
// index-aligned with their requests.
type Backend interface {
	CreateSubscription(ctx context.Context, p Params, notify NotifyFunc) (Revised, error)
	ModifySubscription(ctx context.Context, id uint32, p Params) (Revised, error)
	SetPublishingMode(ctx context.Context, id uint32, enabled bool) error
	DeleteSubscription(ctx context.Context, id uint32) error
	CreateMonitoredItems(ctx context.Context, id uint32, items []BackendItem) ([]BackendItemResult, error)
	ModifyMonitoredItems(ctx context.Context, id uint32, items []BackendItem) ([]BackendItemResult, error)
	DeleteMonitoredItems(ctx context.Context, id uint32, itemIDs []uint32) ([]error, error)
}

// DataChange is a delivered item value.
type DataChange struct {
	ConnectionID   string
	SubscriptionID uint32
	ItemID         uint32
	TagID          string
	NodeAddress    string
	Value          opc.DataValue
	// Overflow is set on the first value delivered after the item's
	// client queue discarded values.
	Overflow bool
}

// Consumer receives delivered notifications. Calls come from the engine's
// dispatcher goroutine and must not block.
type Consumer interface {
	OnDataChange(DataChange)
	OnAlarm(connectionID string, ev opc.AlarmEvent)
}

// Status reports a change in subscription health or state.
type Status struct {
	ConnectionID   string `json:"connection_id"`
	SubscriptionID uint32 `json:"subscription_id"`
	IsActive       bool   `json:"is_active"`
	State          State  `json:"state"`
}

// Info is a snapshot of one subscription.
type Info struct {
	ID        uint32    `json:"id"`
	State     State     `json:"state"`
	Requested Params    `json:"requested"`
	Revised   Revised   `json:"revised"`
	Items     int       `json:"items"`
	Stale     bool      `json:"stale"`
	LastSeen  time.Time `json:"last_seen"`
}

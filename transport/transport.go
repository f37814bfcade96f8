// Package transport defines the messages the runtime sends upstream and the
// publisher contract the bus implementations (Kafka, MQTT, Valkey, NATS)
// satisfy.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"opclink/opc"
)

// ErrUnavailable is returned by Publish when no uplink can take the batch.
var ErrUnavailable = errors.New("transport unavailable")

// Kind names a message type on the wire.
type Kind string

const (
	KindRealtimeData       Kind = "RealtimeDataBatch"
	KindHistoricalData     Kind = "HistoricalDataBatch"
	KindAlarmEvents        Kind = "AlarmEventBatch"
	KindCriticalWriteLog   Kind = "CriticalWriteLog"
	KindInferenceOutput    Kind = "EdgeInferenceOutput"
	KindSubscriptionStatus Kind = "SubscriptionStatus"
)

// Segment is the short topic segment for the kind.
func (k Kind) Segment() string {
	switch k {
	case KindRealtimeData:
		return "data"
	case KindHistoricalData:
		return "history"
	case KindAlarmEvents:
		return "alarms"
	case KindCriticalWriteLog:
		return "writes"
	case KindInferenceOutput:
		return "inference"
	case KindSubscriptionStatus:
		return "status"
	}
	return "unknown"
}

// Batch is any message that can be published.
type Batch interface {
	Kind() Kind
	// Key identifies the source (connection, tag or model). Publishers use
	// it as the last topic segment and as the partition key.
	Key() string
}

// RealtimeDataBatch carries live values from one connection.
type RealtimeDataBatch struct {
	ConnectionID string         `json:"connection_id"`
	Points       []opc.TagValue `json:"points"`
}

func (RealtimeDataBatch) Kind() Kind { return KindRealtimeData }
func (b RealtimeDataBatch) Key() string { return b.ConnectionID }

// HistoricalDataBatch carries values read from a history server.
type HistoricalDataBatch struct {
	ConnectionID string         `json:"connection_id"`
	Points       []opc.TagValue `json:"points"`
	Range        opc.TimeRange  `json:"range"`
}

func (HistoricalDataBatch) Kind() Kind { return KindHistoricalData }
func (b HistoricalDataBatch) Key() string { return b.ConnectionID }

// AlarmEventBatch carries alarm notifications from one connection.
type AlarmEventBatch struct {
	ConnectionID string           `json:"connection_id"`
	Events       []opc.AlarmEvent `json:"events"`
}

func (AlarmEventBatch) Kind() Kind { return KindAlarmEvents }
func (b AlarmEventBatch) Key() string { return b.ConnectionID }

// Write outcomes recorded in CriticalWriteLog.
const (
	OutcomeWritten   = "written"
	OutcomePending   = "pending"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeExpired   = "expired"
	OutcomeConfirmed = "confirmed"
)

// CriticalWriteLog is the audit record of one write attempt.
type CriticalWriteLog struct {
	TagID         string      `json:"tag_id"`
	Value         interface{} `json:"value"`
	Requester     string      `json:"requester"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Outcome       string      `json:"outcome"`
	Reason        string      `json:"reason,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

func (CriticalWriteLog) Kind() Kind { return KindCriticalWriteLog }
func (b CriticalWriteLog) Key() string { return b.TagID }

// EdgeInferenceOutput is one model result.
type EdgeInferenceOutput struct {
	ModelName string             `json:"model_name"`
	Version   string             `json:"version"`
	Results   map[string]float64 `json:"results"`
	Status    string             `json:"status"`
	Exceeded  []string           `json:"exceeded,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func (EdgeInferenceOutput) Kind() Kind { return KindInferenceOutput }
func (b EdgeInferenceOutput) Key() string { return b.ModelName }

// SubscriptionStatus reports a subscription going stale or recovering.
type SubscriptionStatus struct {
	ConnectionID   string    `json:"connection_id"`
	SubscriptionID uint32    `json:"subscription_id"`
	IsActive       bool      `json:"is_active"`
	Timestamp      time.Time `json:"timestamp"`
}

func (SubscriptionStatus) Kind() Kind { return KindSubscriptionStatus }
func (b SubscriptionStatus) Key() string { return b.ConnectionID }

// Envelope wraps every payload on the wire.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	Namespace string          `json:"namespace"`
	SentAt    time.Time       `json:"sent_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Codec encodes batches into envelopes.
type Codec struct {
	Namespace string
	// Compress applies snappy block compression to the encoded envelope.
	Compress bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Encode serialises b into an envelope.
func (c Codec) Encode(b Batch) ([]byte, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", b.Kind(), err)
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	data, err := json.Marshal(Envelope{
		Kind:      b.Kind(),
		Namespace: c.Namespace,
		SentAt:    now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if c.Compress {
		return snappy.Encode(nil, data), nil
	}
	return data, nil
}

// Decode parses an envelope produced by Encode with the same settings.
func (c Codec) Decode(data []byte) (*Envelope, error) {
	if c.Compress {
		raw, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("decompress envelope: %w", err)
		}
		data = raw
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Subject returns the topic segments for b: namespace, kind segment, key.
// Empty segments are omitted.
func (c Codec) Subject(b Batch) []string {
	out := make([]string, 0, 3)
	for _, s := range []string{c.Namespace, b.Kind().Segment(), b.Key()} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Publisher sends batches to one upstream bus.
type Publisher interface {
	Publish(ctx context.Context, b Batch) error
	Available() bool
	Name() string
}

// Starter is implemented by publishers that hold a connection.
type Starter interface {
	Start(ctx context.Context) error
	Stop() error
}

// WriteCommand is a write request received over a bus.
type WriteCommand struct {
	TagID         string      `json:"tag_id"`
	Value         interface{} `json:"value"`
	Requester     string      `json:"requester,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// WriteResult answers a WriteCommand on the bus it arrived on.
type WriteResult struct {
	TagID         string    `json:"tag_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// WriteHandler executes a bus write command and returns its outcome
// (OutcomeWritten, OutcomePending, ...).
type WriteHandler func(ctx context.Context, cmd WriteCommand) (string, error)

// NewWriteResult builds the reply for cmd.
func NewWriteResult(cmd WriteCommand, outcome string, err error) WriteResult {
	r := WriteResult{
		TagID:         cmd.TagID,
		CorrelationID: cmd.CorrelationID,
		Outcome:       outcome,
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		r.Error = err.Error()
		if r.Outcome == "" {
			r.Outcome = OutcomeFailed
		}
	}
	return r
}

package transport

import (
	"context"
	"sync"
)

// Memory is an in-process publisher that records batches. It is used by
// tests and by `opclink run` when no bus is configured.
type Memory struct {
	mu        sync.Mutex
	name      string
	available bool
	failNext  []error
	batches   []Batch
	onPublish func(Batch)
}

// NewMemory creates an available in-memory publisher.
func NewMemory(name string) *Memory {
	return &Memory{name: name, available: true}
}

// Name implements Publisher.
func (m *Memory) Name() string { return m.name }

// Available implements Publisher.
func (m *Memory) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// SetAvailable simulates the uplink going down or coming back.
func (m *Memory) SetAvailable(v bool) {
	m.mu.Lock()
	m.available = v
	m.mu.Unlock()
}

// FailNext queues errors returned by the next Publish calls.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	m.failNext = append(m.failNext, errs...)
	m.mu.Unlock()
}

// OnPublish installs a hook called for every accepted batch.
func (m *Memory) OnPublish(fn func(Batch)) {
	m.mu.Lock()
	m.onPublish = fn
	m.mu.Unlock()
}

// Publish records b.
func (m *Memory) Publish(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if !m.available {
		m.mu.Unlock()
		return ErrUnavailable
	}
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		m.mu.Unlock()
		return err
	}
	m.batches = append(m.batches, b)
	hook := m.onPublish
	m.mu.Unlock()
	if hook != nil {
		hook(b)
	}
	return nil
}

// Batches returns the recorded batches in publish order.
func (m *Memory) Batches() []Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Batch, len(m.batches))
	copy(out, m.batches)
	return out
}

// OfKind returns recorded batches of one kind.
func (m *Memory) OfKind(k Kind) []Batch {
	var out []Batch
	for _, b := range m.Batches() {
		if b.Kind() == k {
			out = append(out, b)
		}
	}
	return out
}

// TagIDs lists the tag of every recorded realtime and historical point.
func (m *Memory) TagIDs() []string {
	var out []string
	for _, b := range m.Batches() {
		switch v := b.(type) {
		case RealtimeDataBatch:
			for _, p := range v.Points {
				out = append(out, p.TagID)
			}
		case HistoricalDataBatch:
			for _, p := range v.Points {
				out = append(out, p.TagID)
			}
		}
	}
	return out
}

// Reset clears recorded batches.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.batches = nil
	m.mu.Unlock()
}

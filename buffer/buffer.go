// Package buffer provides the bounded store-and-forward queue that holds
// telemetry while the uplink is unavailable.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opclink/logging"
	"opclink/opc"
)

// DefaultCapacity is used when no capacity is configured.
const DefaultCapacity = 10000

// evictions are summarised at most this often
const evictLogInterval = 10 * time.Second

// ErrBufferFull is returned by Enqueue under the Reject policy.
var ErrBufferFull = errors.New("buffer full")

// OverflowPolicy decides what Enqueue does at capacity.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest item to make room.
	DropOldest OverflowPolicy = "drop_oldest"
	// DropNewest silently discards the incoming item.
	DropNewest OverflowPolicy = "drop_newest"
	// Reject refuses the incoming item with ErrBufferFull.
	Reject OverflowPolicy = "reject"
)

// ParseOverflowPolicy maps a configuration string to a policy.
// Empty selects DropOldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case "", DropOldest:
		return DropOldest, nil
	case DropNewest:
		return DropNewest, nil
	case Reject:
		return Reject, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// Item is one buffered sample.
type Item struct {
	TagID       string        `json:"tag_id"`
	Value       opc.DataValue `json:"value"`
	EnqueueTime time.Time     `json:"enqueue_time"`
}

// Sink receives drained items. A failed call drops the items it was given.
type Sink interface {
	PublishItems(ctx context.Context, items []Item) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, items []Item) error

// PublishItems calls f.
func (f SinkFunc) PublishItems(ctx context.Context, items []Item) error { return f(ctx, items) }

// Observer receives buffer measurements; the metrics package implements it.
type Observer interface {
	BufferSize(name string, size int)
	BufferEvicted(name string, n int)
	BufferDrained(name string, published, dropped int)
}

// Options configures a Buffer.
type Options struct {
	Name           string
	Capacity       int
	Overflow       OverflowPolicy
	DrainBatchSize int
	Logger         *slog.Logger
	Observer       Observer
}

// Stats is a snapshot of buffer counters.
type Stats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Enqueued  uint64 `json:"enqueued"`
	Evicted   uint64 `json:"evicted"`
	Rejected  uint64 `json:"rejected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Cleared   uint64 `json:"cleared"`
}

// DrainResult reports the outcome of one DrainAndPublish call.
type DrainResult struct {
	Published int
	Dropped   int
}

// Buffer is a fixed-capacity FIFO ring of Items, safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	entries []Item
	head    int
	count   int
	size    int

	name       string
	overflow   OverflowPolicy
	drainBatch int
	logger     *slog.Logger
	observer   Observer

	stats Stats

	evictedSinceLog int
	lastEvictLog    time.Time

	drainMu sync.Mutex
}

// New creates a buffer. Capacity <= 0 selects DefaultCapacity.
func New(opts Options) *Buffer {
	size := opts.Capacity
	if size <= 0 {
		size = DefaultCapacity
	}
	overflow := opts.Overflow
	if overflow == "" {
		overflow = DropOldest
	}
	batch := opts.DrainBatchSize
	if batch <= 0 {
		batch = 1
	}
	return &Buffer{
		entries:    make([]Item, size),
		size:       size,
		name:       opts.Name,
		overflow:   overflow,
		drainBatch: batch,
		logger:     logging.OrDiscard(opts.Logger),
		observer:   opts.Observer,
	}
}

// Capacity returns the fixed capacity.
func (b *Buffer) Capacity() int { return b.size }

// Count returns the number of buffered items.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Enqueue appends an item. At capacity the overflow policy applies; under
// DropOldest the oldest item is evicted, which is logged but not an error.
func (b *Buffer) Enqueue(item Item) error {
	if item.EnqueueTime.IsZero() {
		item.EnqueueTime = time.Now()
	}

	b.mu.Lock()
	if b.count == b.size {
		switch b.overflow {
		case Reject:
			b.stats.Rejected++
			b.mu.Unlock()
			return ErrBufferFull
		case DropNewest:
			b.stats.Rejected++
			b.noteEvictionLocked(item, "dropped newest")
			b.mu.Unlock()
			return nil
		default:
			evicted := b.entries[b.head]
			b.entries[b.head] = Item{}
			b.head = (b.head + 1) % b.size
			b.count--
			b.stats.Evicted++
			b.noteEvictionLocked(evicted, "evicted oldest")
		}
	}

	idx := (b.head + b.count) % b.size
	b.entries[idx] = item
	b.count++
	b.stats.Enqueued++
	n := b.count
	b.mu.Unlock()

	if b.observer != nil {
		b.observer.BufferSize(b.name, n)
	}
	return nil
}

// noteEvictionLocked logs the first loss immediately and then a periodic
// summary, so a long outage does not flood the log.
func (b *Buffer) noteEvictionLocked(lost Item, what string) {
	b.evictedSinceLog++
	if b.observer != nil {
		b.observer.BufferEvicted(b.name, 1)
	}
	now := time.Now()
	if b.lastEvictLog.IsZero() || now.Sub(b.lastEvictLog) >= evictLogInterval {
		b.logger.Warn("buffer at capacity, data lost",
			"buffer", b.name,
			"action", what,
			"lost", b.evictedSinceLog,
			"capacity", b.size,
			"tag", lost.TagID,
			"lost_timestamp", lost.Value.Timestamp)
		logging.DebugLog("buffer", "%s: %s, %d lost since last report (tag %s)", b.name, what, b.evictedSinceLog, lost.TagID)
		b.lastEvictLog = now
		b.evictedSinceLog = 0
	}
}

// dequeueLocked removes up to n items from the head.
func (b *Buffer) dequeueLocked(n int) []Item {
	if n > b.count {
		n = b.count
	}
	out := make([]Item, n)
	for i := 0; i < n; i++ {
		out[i] = b.entries[b.head]
		b.entries[b.head] = Item{}
		b.head = (b.head + 1) % b.size
	}
	b.count -= n
	return out
}

// Dequeue removes and returns up to n items in FIFO order.
func (b *Buffer) Dequeue(n int) []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dequeueLocked(n)
}

// Snapshot returns a copy of the buffered items in FIFO order.
func (b *Buffer) Snapshot() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Item, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.entries[(b.head+i)%b.size]
	}
	return out
}

// DrainAndPublish forwards buffered items to sink in FIFO order until the
// buffer is empty or ctx is cancelled. Items whose publish fails are dropped,
// never re-enqueued. Items not yet dequeued when ctx ends stay buffered.
// Only one drain runs at a time.
func (b *Buffer) DrainAndPublish(ctx context.Context, sink Sink) DrainResult {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	var res DrainResult
	for {
		if ctx.Err() != nil {
			break
		}

		b.mu.Lock()
		batch := b.dequeueLocked(b.drainBatch)
		remaining := b.count
		b.mu.Unlock()

		if len(batch) == 0 {
			break
		}

		if err := b.publish(ctx, sink, batch); err != nil {
			res.Dropped += len(batch)
			b.logger.Warn("buffered items dropped after publish failure",
				"buffer", b.name, "count", len(batch), "first_tag", batch[0].TagID, "error", err)
		} else {
			res.Published += len(batch)
		}

		if b.observer != nil {
			b.observer.BufferSize(b.name, remaining)
		}
	}

	b.mu.Lock()
	b.stats.Published += uint64(res.Published)
	b.stats.Dropped += uint64(res.Dropped)
	b.mu.Unlock()

	if b.observer != nil && (res.Published > 0 || res.Dropped > 0) {
		b.observer.BufferDrained(b.name, res.Published, res.Dropped)
	}
	if res.Published > 0 || res.Dropped > 0 {
		b.logger.Info("buffer drained", "buffer", b.name, "published", res.Published, "dropped", res.Dropped)
	}
	return res
}

// publish isolates sink panics so one bad batch cannot stop the drain.
func (b *Buffer) publish(ctx context.Context, sink Sink, items []Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return sink.PublishItems(ctx, items)
}

// Clear discards all buffered items without forwarding them and returns
// how many were discarded.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	n := b.count
	for i := range b.entries {
		b.entries[i] = Item{}
	}
	b.head = 0
	b.count = 0
	b.stats.Cleared += uint64(n)
	b.mu.Unlock()

	if n > 0 {
		b.logger.Info("buffer cleared", "buffer", b.name, "discarded", n)
	}
	if b.observer != nil {
		b.observer.BufferSize(b.name, 0)
	}
	return n
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Size = b.count
	s.Capacity = b.size
	return s
}

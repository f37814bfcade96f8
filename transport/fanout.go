package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"opclink/logging"
)

// Observer receives publish outcomes; the metrics package implements it.
type Observer interface {
	Published(publisher string, kind Kind, err error)
}

// Fanout publishes each batch to every available publisher.
type Fanout struct {
	mu       sync.RWMutex
	pubs     []Publisher
	logger   *slog.Logger
	observer Observer
}

// NewFanout creates a fanout over pubs.
func NewFanout(logger *slog.Logger, observer Observer, pubs ...Publisher) *Fanout {
	return &Fanout{pubs: pubs, logger: logging.OrDiscard(logger), observer: observer}
}

// Add appends a publisher.
func (f *Fanout) Add(p Publisher) {
	f.mu.Lock()
	f.pubs = append(f.pubs, p)
	f.mu.Unlock()
}

// Replace swaps the publisher set and returns the previous one.
func (f *Fanout) Replace(pubs []Publisher) []Publisher {
	f.mu.Lock()
	defer f.mu.Unlock()
	old := f.pubs
	f.pubs = pubs
	return old
}

// Publishers returns a copy of the publisher list.
func (f *Fanout) Publishers() []Publisher {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Publisher, len(f.pubs))
	copy(out, f.pubs)
	return out
}

// Name implements Publisher.
func (f *Fanout) Name() string { return "fanout" }

// Available reports whether any publisher is available.
func (f *Fanout) Available() bool {
	for _, p := range f.Publishers() {
		if p.Available() {
			return true
		}
	}
	return false
}

// Publish sends b to every available publisher. It succeeds when at least
// one publisher accepted the batch; it returns ErrUnavailable when none was
// available and the joined errors when all attempts failed.
func (f *Fanout) Publish(ctx context.Context, b Batch) error {
	var (
		errs      []error
		delivered int
	)
	for _, p := range f.Publishers() {
		if !p.Available() {
			continue
		}
		err := p.Publish(ctx, b)
		if f.observer != nil {
			f.observer.Published(p.Name(), b.Kind(), err)
		}
		if err != nil {
			f.logger.Warn("publish failed", "publisher", p.Name(), "kind", b.Kind(), "key", b.Key(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		delivered++
	}
	if delivered > 0 {
		return nil
	}
	if len(errs) == 0 {
		return ErrUnavailable
	}
	return errors.Join(errs...)
}

// Start starts every publisher that holds a connection. Failures are
// logged and do not stop the others; the count of started publishers is
// returned.
func (f *Fanout) Start(ctx context.Context) int {
	started := 0
	for _, p := range f.Publishers() {
		s, ok := p.(Starter)
		if !ok {
			started++
			continue
		}
		if err := s.Start(ctx); err != nil {
			f.logger.Error("transport start failed", "publisher", p.Name(), "error", err)
			continue
		}
		started++
	}
	return started
}

// Stop stops every publisher that holds a connection.
func (f *Fanout) Stop() {
	for _, p := range f.Publishers() {
		if s, ok := p.(Starter); ok {
			if err := s.Stop(); err != nil {
				f.logger.Warn("transport stop failed", "publisher", p.Name(), "error", err)
			}
		}
	}
}

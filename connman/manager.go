// Package connman runs one worker per configured OPC server. Each worker
// owns its connection, reconnects with backoff, collects values by
// subscription or polling, and routes them to the uplink or its buffer.
package connman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"opclink/buffer"
	"opclink/driver"
	"opclink/logging"
	"opclink/opc"
	"opclink/policy"
	"opclink/subscription"
	"opclink/transport"
)

// ErrUnknownConnection is returned for a connection ID that is not configured.
var ErrUnknownConnection = errors.New("unknown connection")

// ErrUnknownTag is returned for a tag ID that is not configured.
var ErrUnknownTag = errors.New("unknown tag")

// Observer receives manager measurements; the metrics package implements it.
type Observer interface {
	buffer.Observer
	subscription.Observer
	SetConnectionState(connection, protocol, state string)
	ForgetConnection(connection string)
	RecordReconnect(connection string, err error)
	SetSubscriptionStale(connection string, subscriptionID uint32, stale bool)
	RecordWriteDecision(outcome, reason string)
}

// ValueObserver receives every collected value. The inference feeder
// implements it.
type ValueObserver interface {
	Observe(tagID string, v opc.DataValue)
}

// Hooks are called on manager events. They must not block.
type Hooks struct {
	OnStatus func(ConnectionStatus)
	OnWrite  func(transport.CriticalWriteLog)
	OnAlarm  func(connectionID string, ev opc.AlarmEvent)
	OnUplink func(available bool)
}

// Options configures a Manager.
type Options struct {
	Registry  *driver.Registry
	Publisher transport.Publisher
	Policy    *policy.Engine
	Values    ValueObserver
	Observer  Observer
	Hooks     Hooks
	Logger    *slog.Logger

	// Buffer is the template for per-connection buffers. Name, Logger
	// and Observer are set per worker.
	Buffer         buffer.Options
	Backoff        Backoff
	BatchInterval  time.Duration
	MaxBatch       int
	ShutdownGrace  time.Duration
	UplinkInterval time.Duration
	HealthInterval time.Duration
}

// ConnectionStatus is a snapshot of one connection.
type ConnectionStatus struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Protocol      opc.Protocol        `json:"protocol"`
	Endpoint      string              `json:"endpoint"`
	Enabled       bool                `json:"enabled"`
	State         driver.State        `json:"state"`
	LastChange    time.Time           `json:"last_change"`
	LastError     string              `json:"last_error,omitempty"`
	Live          bool                `json:"live"`
	Reconnects    uint64              `json:"reconnects"`
	Tags          int                 `json:"tags"`
	Buffer        buffer.Stats        `json:"buffer"`
	Subscriptions []subscription.Info `json:"subscriptions,omitempty"`
}

// Manager owns the workers.
type Manager struct {
	opts     Options
	logger   *slog.Logger
	registry *driver.Registry
	pub      transport.Publisher
	policy   *policy.Engine
	observer Observer

	backoff        Backoff
	batchInterval  time.Duration
	maxBatch       int
	shutdownGrace  time.Duration
	uplinkInterval time.Duration
	healthInterval time.Duration

	mu      sync.RWMutex
	servers []opc.ServerConfig
	workers map[string]*Worker
	tags    map[string]opc.TagDefinition
	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	bg sync.WaitGroup
}

// NewManager creates a manager for servers and tags. Workers are created
// for every server; only enabled ones are started by Start.
func NewManager(opts Options, servers []opc.ServerConfig, tags []opc.TagDefinition) (*Manager, error) {
	if opts.Registry == nil {
		opts.Registry = driver.NewRegistry()
	}
	if opts.Publisher == nil {
		opts.Publisher = transport.NewFanout(opts.Logger, nil)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	logger := logging.OrDiscard(opts.Logger).With("component", "connman")
	if opts.Policy == nil {
		opts.Policy = policy.NewEngine(policy.Options{Logger: opts.Logger})
	}

	m := &Manager{
		opts:           opts,
		logger:         logger,
		registry:       opts.Registry,
		pub:            opts.Publisher,
		policy:         opts.Policy,
		observer:       opts.Observer,
		backoff:        opts.Backoff.withDefaults(),
		batchInterval:  durationOr(opts.BatchInterval, time.Second),
		maxBatch:       opts.MaxBatch,
		shutdownGrace:  durationOr(opts.ShutdownGrace, 10*time.Second),
		uplinkInterval: durationOr(opts.UplinkInterval, time.Second),
		healthInterval: durationOr(opts.HealthInterval, 5*time.Second),
		workers:        make(map[string]*Worker),
	}
	if m.maxBatch <= 0 {
		m.maxBatch = 500
	}

	m.tags = indexTags(tags)
	for _, cfg := range servers {
		w, err := newWorker(m, cfg, tagsFor(tags, cfg.ID))
		if err != nil {
			return nil, err
		}
		m.workers[cfg.ID] = w
	}
	m.servers = append([]opc.ServerConfig(nil), servers...)
	return m, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func indexTags(tags []opc.TagDefinition) map[string]opc.TagDefinition {
	out := make(map[string]opc.TagDefinition, len(tags))
	for _, t := range tags {
		out[t.ID] = t
	}
	return out
}

func tagsFor(tags []opc.TagDefinition, serverID string) []opc.TagDefinition {
	var out []opc.TagDefinition
	for _, t := range tags {
		if t.ServerID == serverID {
			out = append(out, t)
		}
	}
	return out
}

// Start makes one connection attempt per enabled server, concurrently and
// bounded by ctx, then leaves every worker running in the background.
// Servers that failed keep retrying with backoff.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	var workers []*Worker
	for _, cfg := range m.servers {
		if cfg.Enabled {
			workers = append(workers, m.workers[cfg.ID])
		}
	}
	m.mu.Unlock()

	connected := make([]bool, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		g.Go(func() error {
			connected[i] = w.connect(gctx) == nil
			return nil
		})
	}
	_ = g.Wait()

	up := 0
	for i, w := range workers {
		mode := startFailed
		if connected[i] {
			mode = startConnected
			up++
		}
		w.start(m.ctx, mode)
	}

	m.bg.Add(1)
	go m.uplinkMonitor(m.ctx)

	m.logger.Info("connection manager started", "servers", len(workers), "connected", up)
	return ctx.Err()
}

// Shutdown stops every worker within the shutdown grace period. Workers
// still running at the deadline are force-released.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, m.shutdownGrace)
	defer cancel()
	err := m.stopWorkers(sctx, workers)
	m.bg.Wait()
	m.logger.Info("connection manager stopped")
	return err
}

func (m *Manager) stopWorkers(ctx context.Context, workers []*Worker) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Reconfigure applies a new server and tag set. Workers whose server or
// tags changed are restarted; unchanged workers keep running.
func (m *Manager) Reconfigure(ctx context.Context, servers []opc.ServerConfig, tags []opc.TagDefinition) error {
	next := make(map[string]opc.ServerConfig, len(servers))
	for _, s := range servers {
		next[s.ID] = s
	}

	m.mu.Lock()
	var stopped []*Worker
	for id, w := range m.workers {
		cfg, ok := next[id]
		if ok && reflect.DeepEqual(cfg, w.cfg) && reflect.DeepEqual(tagsFor(tags, id), w.tags) {
			continue
		}
		stopped = append(stopped, w)
		delete(m.workers, id)
	}

	var created []*Worker
	var errs []error
	for _, cfg := range servers {
		if _, ok := m.workers[cfg.ID]; ok {
			continue
		}
		w, err := newWorker(m, cfg, tagsFor(tags, cfg.ID))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.workers[cfg.ID] = w
		created = append(created, w)
	}
	m.tags = indexTags(tags)
	m.servers = append([]opc.ServerConfig(nil), servers...)
	running, runCtx := m.running, m.ctx
	m.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, m.shutdownGrace)
	defer cancel()
	if err := m.stopWorkers(sctx, stopped); err != nil {
		errs = append(errs, err)
	}
	for _, w := range stopped {
		if _, still := next[w.cfg.ID]; !still {
			m.observer.ForgetConnection(w.cfg.ID)
		}
		if n := w.buf.Count(); n > 0 {
			m.logger.Warn("buffered values discarded on reconfigure", "connection", w.cfg.ID, "count", n)
		}
	}

	if running {
		for _, w := range created {
			if w.cfg.Enabled {
				w.start(runCtx, attemptNow)
			}
		}
	}
	m.logger.Info("connections reconfigured", "restarted", len(stopped), "started", len(created), "servers", len(servers))
	return errors.Join(errs...)
}

// uplinkMonitor kicks every worker to drain its buffer when the uplink
// comes back.
func (m *Manager) uplinkMonitor(ctx context.Context) {
	defer m.bg.Done()
	ticker := time.NewTicker(m.uplinkInterval)
	defer ticker.Stop()

	prev := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		avail := m.pub.Available()
		if avail == prev {
			continue
		}
		prev = avail
		if avail {
			m.logger.Info("uplink available")
			for _, w := range m.workerList() {
				select {
				case w.kick <- struct{}{}:
				default:
				}
			}
		} else {
			m.logger.Warn("uplink unavailable, buffering")
		}
		if h := m.opts.Hooks.OnUplink; h != nil {
			h(avail)
		}
	}
}

func (m *Manager) workerList() []*Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.ID < out[j].cfg.ID })
	return out
}

func (m *Manager) worker(id string) (*Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return w, nil
}

// Worker returns the worker for a connection.
func (m *Manager) Worker(id string) (*Worker, bool) {
	w, err := m.worker(id)
	return w, err == nil
}

// Status returns a snapshot of every connection ordered by ID.
func (m *Manager) Status() []ConnectionStatus {
	workers := m.workerList()
	out := make([]ConnectionStatus, len(workers))
	for i, w := range workers {
		out[i] = w.Status()
	}
	return out
}

// Connection returns the snapshot of one connection.
func (m *Manager) Connection(id string) (ConnectionStatus, error) {
	w, err := m.worker(id)
	if err != nil {
		return ConnectionStatus{}, err
	}
	return w.Status(), nil
}

// Tag returns a configured tag.
func (m *Manager) Tag(id string) (opc.TagDefinition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tags[id]
	return t, ok
}

// Tags returns every configured tag ordered by ID.
func (m *Manager) Tags() []opc.TagDefinition {
	m.mu.RLock()
	out := make([]opc.TagDefinition, 0, len(m.tags))
	for _, t := range m.tags {
		out = append(out, t)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Values returns the last collected values of a connection.
func (m *Manager) Values(id string) ([]opc.TagValue, error) {
	w, err := m.worker(id)
	if err != nil {
		return nil, err
	}
	return w.Values(), nil
}

// Browse lists the children of node on a connection.
func (m *Manager) Browse(ctx context.Context, id, node string) ([]opc.BrowseNode, error) {
	w, err := m.worker(id)
	if err != nil {
		return nil, err
	}
	if w.State() != driver.StateConnected {
		return nil, opc.NewCommError(id, "browse", 0, opc.ErrNotConnected)
	}
	bctx, cancel := context.WithTimeout(ctx, w.requestTimeout())
	defer cancel()
	return w.conn.Browse(bctx, node)
}

// AcknowledgeAlarm acknowledges an alarm on an alarms and events connection.
func (m *Manager) AcknowledgeAlarm(ctx context.Context, id, eventID, comment string) error {
	src, w, err := m.alarmSource(id, "acknowledge")
	if err != nil {
		return err
	}
	actx, cancel := context.WithTimeout(ctx, w.requestTimeout())
	defer cancel()
	return src.Acknowledge(actx, eventID, comment)
}

// ConfirmAlarm confirms an acknowledged alarm.
func (m *Manager) ConfirmAlarm(ctx context.Context, id, eventID string) error {
	src, w, err := m.alarmSource(id, "confirm")
	if err != nil {
		return err
	}
	actx, cancel := context.WithTimeout(ctx, w.requestTimeout())
	defer cancel()
	return src.Confirm(actx, eventID)
}

func (m *Manager) alarmSource(id, op string) (driver.AlarmSource, *Worker, error) {
	w, err := m.worker(id)
	if err != nil {
		return nil, nil, err
	}
	src, ok := w.conn.(driver.AlarmSource)
	if !ok {
		return nil, nil, &opc.NotApplicableError{Protocol: w.cfg.Protocol, Operation: op}
	}
	return src, w, nil
}

type nopObserver struct{}

func (nopObserver) BufferSize(string, int) {}
func (nopObserver) BufferEvicted(string, int) {}
func (nopObserver) BufferDrained(string, int, int) {}
func (nopObserver) NotificationReceived(string, int) {}
func (nopObserver) NotificationDropped(string) {}
func (nopObserver) SetConnectionState(string, string, string) {}
func (nopObserver) ForgetConnection(string) {}
func (nopObserver) RecordReconnect(string, error) {}
func (nopObserver) SetSubscriptionStale(string, uint32, bool) {}
func (nopObserver) RecordWriteDecision(string, string) {}

package connman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"opclink/buffer"
	"opclink/driver"
	"opclink/logging"
	"opclink/opc"
	"opclink/subscription"
	"opclink/transport"
)

// DefaultRequestTimeout bounds connect and write calls for servers
// without a request timeout.
const DefaultRequestTimeout = 10 * time.Second

// maxPendingAlarms caps alarm events held while the uplink is down.
const maxPendingAlarms = 1000

type startMode int

const (
	attemptNow startMode = iota
	startConnected
	startFailed
)

// Worker owns one server connection: its reconnect loop, value
// collection and resilience buffer.
type Worker struct {
	mgr    *Manager
	cfg    opc.ServerConfig
	tags   []opc.TagDefinition
	conn   driver.Connection
	subs   *subscription.Engine
	buf    *buffer.Buffer
	logger *slog.Logger

	mu         sync.RWMutex
	state      driver.State
	lastChange time.Time
	lastErr    error
	reconnects uint64
	lostAt     time.Time
	values     map[string]opc.DataValue

	// routeMu guards live, pending and alarms. While live, points are
	// batched for direct publishing; otherwise they go to the buffer.
	routeMu sync.Mutex
	live    bool
	pending []opc.TagValue
	alarms  []opc.AlarmEvent
	flushMu sync.Mutex

	lost     chan error
	flushNow chan struct{}
	kick     chan struct{}
	statusCh chan subscription.Status

	cancel context.CancelFunc
	done   chan struct{}
}

func newWorker(m *Manager, cfg opc.ServerConfig, tags []opc.TagDefinition) (*Worker, error) {
	conn, err := m.registry.Create(cfg)
	if err != nil {
		return nil, err
	}

	bopts := m.opts.Buffer
	bopts.Name = cfg.ID
	bopts.Logger = m.logger
	bopts.Observer = m.observer

	w := &Worker{
		mgr:        m,
		cfg:        cfg,
		tags:       tags,
		conn:       conn,
		buf:        buffer.New(bopts),
		logger:     m.logger.With("connection", cfg.ID, "protocol", cfg.Protocol.String()),
		state:      driver.StateDisconnected,
		lastChange: time.Now(),
		values:     make(map[string]opc.DataValue),
		lost:       make(chan error, 1),
		flushNow:   make(chan struct{}, 1),
		kick:       make(chan struct{}, 1),
		statusCh:   make(chan subscription.Status, 64),
	}

	if sub, ok := conn.(driver.Subscriber); ok {
		w.subs = subscription.NewEngine(sub, subscription.Options{
			ConnectionID: cfg.ID,
			Logger:       m.logger,
			Observer:     m.observer,
			OnStatus:     w.onSubscriptionStatus,
		})
		w.subs.AddConsumer(w)
		w.subs.Start()
	}
	m.observer.SetConnectionState(cfg.ID, cfg.Protocol.String(), driver.StateDisconnected.String())
	return w, nil
}

// ID returns the server ID.
func (w *Worker) ID() string { return w.cfg.ID }

func (w *Worker) start(parent context.Context, mode startMode) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		w.run(ctx, mode)
	}()
}

// stop ends the worker loop, waiting until ctx is done. A worker still
// busy at the deadline has its connection force-released.
func (w *Worker) stop(ctx context.Context) error {
	defer func() {
		if w.subs != nil {
			w.subs.Close()
		}
	}()
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
	}

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.conn.Disconnect(expired)
	if err == nil {
		err = driver.ErrForceReleased
	}
	w.logger.Warn("worker did not stop within grace period, connection force-released", "error", err)
	w.setState(driver.StateDisconnected, nil)
	return fmt.Errorf("%s: %w", w.cfg.ID, err)
}

// run owns the connection until ctx ends.
func (w *Worker) run(ctx context.Context, mode startMode) {
	connected := mode == startConnected
	if mode == attemptNow {
		connected = w.connect(ctx) == nil
	}

	attempt := 0
	for {
		if connected {
			attempt = 0
			w.serve(ctx)
			w.teardown()
		}
		if ctx.Err() != nil {
			w.finish()
			return
		}

		delay := w.mgr.backoff.Delay(attempt)
		attempt++
		w.logger.Info("reconnecting", "in", delay.Round(time.Millisecond), "attempt", attempt)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			w.finish()
			return
		case <-t.C:
		}

		err := w.connect(ctx)
		connected = err == nil
		w.mu.Lock()
		w.reconnects++
		w.mu.Unlock()
		w.mgr.observer.RecordReconnect(w.cfg.ID, err)
	}
}

func (w *Worker) requestTimeout() time.Duration {
	if w.cfg.RequestTimeout > 0 {
		return w.cfg.RequestTimeout
	}
	return DefaultRequestTimeout
}

func (w *Worker) connect(ctx context.Context) error {
	w.setState(driver.StateConnecting, nil)
	cctx, cancel := context.WithTimeout(ctx, w.requestTimeout())
	defer cancel()

	if err := w.conn.Connect(cctx, w.cfg); err != nil {
		w.setState(driver.StateError, err)
		w.logger.Warn("connect failed", "endpoint", w.cfg.Endpoint, "error", err)
		return err
	}
	w.setState(driver.StateConnected, nil)
	w.logger.Info("connected", "endpoint", w.cfg.Endpoint)
	return nil
}

// serve collects values until the session is lost or ctx ends. A panic
// anywhere in the session ends it; the run loop then reconnects.
func (w *Worker) serve(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panic recovered", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	sctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	// a stale signal from a previous session must not end this one
	select {
	case <-w.lost:
	default:
	}

	if err := w.setup(sctx, &wg); err != nil {
		w.logger.Warn("session setup failed", "error", err)
		if driver.IsConnectionError(err) {
			w.setState(driver.StateError, err)
			return
		}
	}

	w.drainThenGoLive(sctx)
	w.mu.RLock()
	lostAt := w.lostAt
	w.mu.RUnlock()
	if w.cfg.BackfillOnReconnect && !lostAt.IsZero() {
		w.goSafe(sctx, &wg, "backfill", func(ctx context.Context) {
			w.backfill(ctx, lostAt)
		})
	}

	flushTick := time.NewTicker(w.mgr.batchInterval)
	defer flushTick.Stop()
	healthTick := time.NewTicker(w.mgr.healthInterval)
	defer healthTick.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return
		case err := <-w.lost:
			w.logger.Warn("connection lost", "error", err)
			w.setState(driver.StateError, err)
			w.flush(sctx)
			return
		case <-w.kick:
			if !w.isLive() {
				w.drainThenGoLive(sctx)
			}
		case <-flushTick.C:
			w.flush(sctx)
			if !w.isLive() && w.mgr.pub.Available() {
				w.drainThenGoLive(sctx)
			}
		case <-w.flushNow:
			w.flush(sctx)
		case st := <-w.statusCh:
			w.handleSubscriptionStatus(sctx, st)
		case <-healthTick.C:
			if err := w.checkHealth(sctx); err != nil {
				w.logger.Warn("health check failed", "error", err)
				w.setState(driver.StateError, err)
				w.flush(sctx)
				return
			}
		}
	}
}

// setup starts collection according to the connection's capabilities.
func (w *Worker) setup(ctx context.Context, wg *sync.WaitGroup) error {
	var errs []error

	if w.subs != nil && len(w.tags) > 0 {
		if err := w.subscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if src, ok := w.conn.(driver.AlarmSource); ok {
		events := src.Events()
		w.goSafe(ctx, wg, "alarms", func(ctx context.Context) {
			w.forwardAlarms(ctx, events)
		})
	}

	if p, ok := w.conn.(driver.Poller); ok {
		for rate, tags := range groupByRate(w.tags, p.MinScanRate()) {
			w.goSafe(ctx, wg, "poll", func(ctx context.Context) {
				w.pollGroup(ctx, rate, tags)
			})
		}
	}
	return errors.Join(errs...)
}

// goSafe runs fn until ctx ends. A panic in fn ends the session.
func (w *Worker) goSafe(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("worker panic recovered", "task", name, "panic", r, "stack", string(debug.Stack()))
				w.signalLost(fmt.Errorf("%s task panicked: %v", name, r))
			}
		}()
		fn(ctx)
	}()
}

func (w *Worker) signalLost(err error) {
	select {
	case w.lost <- err:
	default:
	}
}

func (w *Worker) subscribe(ctx context.Context) error {
	params := subscription.Params{
		PublishingInterval: w.cfg.PublishingInterval,
		KeepAliveCount:     w.cfg.KeepAliveCount,
		LifetimeCount:      w.cfg.LifetimeCount,
	}
	if params.PublishingInterval <= 0 {
		params.PublishingInterval = time.Second
	}
	if params.KeepAliveCount == 0 {
		params.KeepAliveCount = 10
	}
	if params.LifetimeCount == 0 {
		params.LifetimeCount = 3 * params.KeepAliveCount
	}

	info, err := w.subs.Create(ctx, params)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}

	reqs := make([]subscription.ItemRequest, 0, len(w.tags))
	for _, t := range w.tags {
		req := subscription.ItemRequest{
			NodeAddress:      t.NodeAddress,
			TagID:            t.ID,
			SamplingInterval: t.ScanRate,
			QueueSize:        t.QueueSize,
		}
		if req.QueueSize == 0 {
			req.QueueSize = 1
		}
		if t.DiscardNewest {
			req.DiscardPolicy = subscription.DiscardNewest
		}
		reqs = append(reqs, req)
	}
	results, err := w.subs.AddMonitoredItems(ctx, info.ID, reqs)
	if err != nil {
		return fmt.Errorf("add monitored items: %w", err)
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			w.logger.Warn("monitored item rejected", "tag", r.TagID, "node", r.NodeAddress, "error", r.Err)
		}
	}
	w.logger.Info("subscription created", "subscription", info.ID, "items", len(results)-failed, "failed", failed)
	return nil
}

// OnDataChange receives subscription values.
func (w *Worker) OnDataChange(dc subscription.DataChange) {
	if dc.Overflow {
		logging.DebugLog("connman", "%s: item %s queue overflowed", w.cfg.ID, dc.TagID)
	}
	w.ingest(opc.TagValue{TagID: dc.TagID, DataValue: dc.Value})
}

// OnAlarm receives subscription event notifications.
func (w *Worker) OnAlarm(connectionID string, ev opc.AlarmEvent) {
	w.alarm(ev)
}

func (w *Worker) onSubscriptionStatus(st subscription.Status) {
	select {
	case w.statusCh <- st:
	default:
		logging.DebugLog("connman", "%s: subscription status dropped", w.cfg.ID)
	}
}

func (w *Worker) handleSubscriptionStatus(ctx context.Context, st subscription.Status) {
	stale := !st.IsActive && st.State == subscription.StateActive
	w.mgr.observer.SetSubscriptionStale(w.cfg.ID, st.SubscriptionID, stale)
	if err := w.publish(ctx, transport.SubscriptionStatus{
		ConnectionID:   w.cfg.ID,
		SubscriptionID: st.SubscriptionID,
		IsActive:       st.IsActive,
		Timestamp:      time.Now().UTC(),
	}); err != nil {
		logging.DebugLog("connman", "%s: subscription status not published: %v", w.cfg.ID, err)
	}
	if stale {
		w.signalLost(fmt.Errorf("subscription %d stopped receiving notifications", st.SubscriptionID))
	}
}

func groupByRate(tags []opc.TagDefinition, min time.Duration) map[time.Duration][]opc.TagDefinition {
	groups := make(map[time.Duration][]opc.TagDefinition)
	for _, t := range tags {
		rate := t.ScanRate
		if rate <= 0 {
			rate = time.Second
		}
		if rate < min {
			rate = min
		}
		groups[rate] = append(groups[rate], t)
	}
	return groups
}

// pollGroup reads tags sharing a scan rate and ingests values that changed.
func (w *Worker) pollGroup(ctx context.Context, rate time.Duration, tags []opc.TagDefinition) {
	nodes := make([]string, len(tags))
	for i, t := range tags {
		nodes[i] = t.NodeAddress
	}
	last := make(map[string]opc.DataValue, len(tags))

	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for {
		vals, err := w.conn.Read(ctx, nodes)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil && driver.IsConnectionError(err):
			w.signalLost(err)
			return
		case err != nil:
			logging.DebugLog("connman", "%s: poll of %d tags failed: %v", w.cfg.ID, len(nodes), err)
		default:
			var changes []opc.TagValue
			for i, v := range vals {
				if i >= len(tags) {
					break
				}
				id := tags[i].ID
				if prev, ok := last[id]; ok && !valueChanged(prev, v) {
					continue
				}
				last[id] = v
				changes = append(changes, opc.TagValue{TagID: id, DataValue: v})
			}
			if len(changes) > 0 {
				w.ingest(changes...)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func valueChanged(prev, cur opc.DataValue) bool {
	return prev.Quality != cur.Quality || !reflect.DeepEqual(prev.Value, cur.Value)
}

func (w *Worker) forwardAlarms(ctx context.Context, events <-chan opc.AlarmEvent) {
	if events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					w.signalLost(errors.New("alarm event stream closed"))
				}
				return
			}
			w.alarm(ev)
		}
	}
}

// checkHealth checks connections that have no periodic traffic of their own.
func (w *Worker) checkHealth(ctx context.Context) error {
	st := w.conn.Status()
	if st.State == driver.StateError || !st.IsConnected {
		if st.LastError != "" {
			return errors.New(st.LastError)
		}
		return opc.ErrNotConnected
	}
	if w.subs != nil {
		return nil
	}
	if _, ok := w.conn.(driver.Poller); ok {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, w.requestTimeout())
	defer cancel()
	if _, err := w.conn.Browse(pctx, ""); err != nil && driver.IsConnectionError(err) {
		return err
	}
	return nil
}

// teardown closes the session after serve returns.
func (w *Worker) teardown() {
	w.setLive(false)

	ctx, cancel := context.WithTimeout(context.Background(), w.mgr.shutdownGrace)
	defer cancel()
	if w.subs != nil {
		if w.conn.Status().IsConnected {
			if err := w.subs.DeleteAll(ctx); err != nil {
				logging.DebugLog("connman", "%s: delete subscriptions: %v", w.cfg.ID, err)
			}
		}
		w.subs.Forget()
	}
	if err := w.conn.Disconnect(ctx); err != nil {
		w.logger.Warn("disconnect", "error", err)
	}

	w.mu.Lock()
	w.lostAt = time.Now()
	failed := w.state == driver.StateError
	w.mu.Unlock()
	if !failed {
		w.setState(driver.StateDisconnected, nil)
	}
}

// finish runs once when the worker loop exits.
func (w *Worker) finish() {
	w.flush(context.Background())
	if w.conn.Status().IsConnected {
		ctx, cancel := context.WithTimeout(context.Background(), w.mgr.shutdownGrace)
		_ = w.conn.Disconnect(ctx)
		cancel()
	}
	w.setState(driver.StateDisconnected, nil)
	w.logger.Info("worker stopped", "buffered", w.buf.Count())
}

func (w *Worker) setState(state driver.State, err error) {
	w.mu.Lock()
	changed := w.state != state || (err != nil && (w.lastErr == nil || w.lastErr.Error() != err.Error()))
	w.state = state
	if err != nil {
		w.lastErr = err
	} else if state == driver.StateConnected {
		w.lastErr = nil
	}
	if changed {
		w.lastChange = time.Now()
	}
	w.mu.Unlock()

	if !changed {
		return
	}
	w.mgr.observer.SetConnectionState(w.cfg.ID, w.cfg.Protocol.String(), state.String())
	if w.mgr.opts.Hooks.OnStatus != nil {
		w.mgr.opts.Hooks.OnStatus(w.Status())
	}
}

// State returns the worker's connection state.
func (w *Worker) State() driver.State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Values returns the last collected value of each tag.
func (w *Worker) Values() []opc.TagValue {
	w.mu.RLock()
	out := make([]opc.TagValue, 0, len(w.values))
	for id, v := range w.values {
		out = append(out, opc.TagValue{TagID: id, DataValue: v})
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TagID < out[j].TagID })
	return out
}

// Status returns a snapshot of the worker.
func (w *Worker) Status() ConnectionStatus {
	w.mu.RLock()
	st := ConnectionStatus{
		ID:         w.cfg.ID,
		Name:       w.cfg.DisplayName(),
		Protocol:   w.cfg.Protocol,
		Endpoint:   w.cfg.Endpoint,
		Enabled:    w.cfg.Enabled,
		State:      w.state,
		LastChange: w.lastChange,
		Reconnects: w.reconnects,
		Tags:       len(w.tags),
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	w.mu.RUnlock()

	st.Live = w.isLive()
	st.Buffer = w.buf.Stats()
	if w.subs != nil {
		st.Subscriptions = w.subs.Subscriptions()
	}
	return st
}

// Buffer returns the worker's resilience buffer.
func (w *Worker) Buffer() *buffer.Buffer { return w.buf }

// write sends one value to the server.
func (w *Worker) write(ctx context.Context, node string, value interface{}) error {
	if w.State() != driver.StateConnected {
		return opc.NewCommError(w.cfg.ID, "write", 0, opc.ErrNotConnected)
	}
	wctx, cancel := context.WithTimeout(ctx, w.requestTimeout())
	defer cancel()
	err := w.conn.Write(wctx, node, value)
	if err != nil && driver.IsConnectionError(err) {
		w.signalLost(err)
	}
	return err
}

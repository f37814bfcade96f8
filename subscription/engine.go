package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"opclink/logging"
	"opclink/opc"
)

const (
	DefaultNotifyQueue      = 1024
	DefaultReorderWindow    = 8
	DefaultWatchdogInterval = 500 * time.Millisecond
	// staleFactor scales the keep-alive timeout before a silent
	// subscription is reported inactive.
	staleFactor = 1.5
)

// Observer receives engine measurements; the metrics package implements it.
type Observer interface {
	NotificationReceived(connectionID string, items int)
	NotificationDropped(connectionID string)
}

// Options configures an Engine.
type Options struct {
	ConnectionID     string
	NotifyQueue      int
	ReorderWindow    int
	WatchdogInterval time.Duration
	Logger           *slog.Logger
	Observer         Observer
	OnStatus         func(Status)
	Now              func() time.Time
}

// MonitoredItem is one item of a subscription with its client-side
// queue of undelivered values.
type MonitoredItem struct {
	ItemID           uint32
	ClientHandle     uint32
	NodeAddress      string
	TagID            string
	SamplingInterval time.Duration
	QueueSize        uint32
	DiscardPolicy    DiscardPolicy

	queue     []opc.DataValue
	overflow  bool
	Overflows uint64
}

func (it *MonitoredItem) push(v opc.DataValue) {
	limit := int(it.QueueSize)
	if limit < 1 {
		limit = 1
	}
	if len(it.queue) >= limit {
		it.overflow = true
		it.Overflows++
		if it.DiscardPolicy == DiscardNewest {
			return
		}
		copy(it.queue, it.queue[1:])
		it.queue = it.queue[:len(it.queue)-1]
	}
	it.queue = append(it.queue, v)
}

type subscription struct {
	id        uint32
	state     State
	requested Params
	revised   Revised
	items     map[uint32]*MonitoredItem
	byHandle  map[uint32]*MonitoredItem

	nextSeq  uint32
	held     map[uint32]Notification
	lastSeen time.Time
	stale    bool
}

func (s *subscription) info() Info {
	return Info{
		ID:        s.id,
		State:     s.state,
		Requested: s.requested,
		Revised:   s.revised,
		Items:     len(s.items),
		Stale:     s.stale,
		LastSeen:  s.lastSeen,
	}
}

// Engine owns the subscriptions of one connection. Backend calls happen
// on the caller's goroutine; notification delivery happens on a single
// dispatcher goroutine started by Start.
type Engine struct {
	backend Backend
	connID  string
	logger  *slog.Logger
	obs     Observer
	status  func(Status)
	now     func() time.Time

	window   int
	watchdog time.Duration

	mu         sync.Mutex
	subs       map[uint32]*subscription
	consumers  []Consumer
	nextHandle uint32

	notifyCh chan Notification
	kick     chan struct{}
	closed   atomic.Bool
	dropped  atomic.Uint64
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates an engine over backend. Call Start to begin delivery.
func NewEngine(backend Backend, opts Options) *Engine {
	q := opts.NotifyQueue
	if q <= 0 {
		q = DefaultNotifyQueue
	}
	w := opts.ReorderWindow
	if w <= 0 {
		w = DefaultReorderWindow
	}
	wd := opts.WatchdogInterval
	if wd <= 0 {
		wd = DefaultWatchdogInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		backend:  backend,
		connID:   opts.ConnectionID,
		logger:   logging.OrDiscard(opts.Logger).With("server", opts.ConnectionID),
		obs:      opts.Observer,
		status:   opts.OnStatus,
		now:      now,
		window:   w,
		watchdog: wd,
		subs:     make(map[uint32]*subscription),
		notifyCh: make(chan Notification, q),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// AddConsumer registers a consumer for delivered notifications.
func (e *Engine) AddConsumer(c Consumer) {
	e.mu.Lock()
	e.consumers = append(e.consumers, c)
	e.mu.Unlock()
}

// Start launches the dispatcher goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.dispatch()
}

// Close stops the dispatcher. Subscriptions are not deleted on the server;
// call DeleteAll first for that.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	close(e.stop)
	e.wg.Wait()
}

// Dropped returns the number of notifications discarded because the
// notification queue was full.
func (e *Engine) Dropped() uint64 { return e.dropped.Load() }

// Notify queues a notification for delivery and returns immediately. When
// the queue is full the oldest queued notification is discarded.
func (e *Engine) Notify(n Notification) {
	if e.closed.Load() {
		return
	}
	for {
		select {
		case e.notifyCh <- n:
			return
		default:
		}
		select {
		case <-e.notifyCh:
			total := e.dropped.Add(1)
			if e.obs != nil {
				e.obs.NotificationDropped(e.connID)
			}
			if total == 1 || total%100 == 0 {
				e.logger.Warn("notification queue full, dropped oldest", "dropped_total", total)
			}
		default:
		}
	}
}

// Create creates a subscription on the server and stores the revised
// parameters. The subscription starts in the Created state and becomes
// Active once it has monitored items.
func (e *Engine) Create(ctx context.Context, p Params) (Info, error) {
	if e.closed.Load() {
		return Info{}, ErrEngineClosed
	}
	rev, err := e.backend.CreateSubscription(ctx, p, e.Notify)
	if err != nil {
		return Info{}, fmt.Errorf("create subscription: %w", err)
	}
	s := &subscription{
		id:        rev.SubscriptionID,
		state:     StateCreated,
		requested: p,
		revised:   rev,
		items:     make(map[uint32]*MonitoredItem),
		byHandle:  make(map[uint32]*MonitoredItem),
		held:      make(map[uint32]Notification),
		lastSeen:  e.now(),
	}
	e.mu.Lock()
	e.subs[s.id] = s
	info := s.info()
	e.mu.Unlock()

	e.logger.Info("subscription created", "subscription", s.id,
		"publishing_interval", rev.PublishingInterval, "keep_alive", rev.KeepAliveCount, "lifetime", rev.LifetimeCount)
	return info, nil
}

// Modify changes the subscription parameters.
func (e *Engine) Modify(ctx context.Context, id uint32, p Params) (Info, error) {
	if _, err := e.lookup(id); err != nil {
		return Info{}, err
	}
	rev, err := e.backend.ModifySubscription(ctx, id, p)
	if err != nil {
		return Info{}, fmt.Errorf("modify subscription %d: %w", id, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.subs[id]
	if !ok {
		return Info{}, fmt.Errorf("subscription %d: %w", id, ErrUnknownSubscription)
	}
	rev.SubscriptionID = id
	s.requested = p
	s.revised = rev
	return s.info(), nil
}

// AddMonitoredItems creates items in one batch. Items the server rejects
// carry their error in the result; accepted items are kept.
func (e *Engine) AddMonitoredItems(ctx context.Context, id uint32, reqs []ItemRequest) ([]ItemResult, error) {
	if _, err := e.lookup(id); err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	batch := make([]BackendItem, len(reqs))
	for i, r := range reqs {
		e.nextHandle++
		batch[i] = BackendItem{
			ClientHandle:     e.nextHandle,
			NodeAddress:      r.NodeAddress,
			SamplingInterval: r.SamplingInterval,
			QueueSize:        r.QueueSize,
			DiscardOldest:    r.DiscardPolicy == DiscardOldest,
		}
	}
	e.mu.Unlock()

	res, err := e.backend.CreateMonitoredItems(ctx, id, batch)
	if err != nil {
		return nil, fmt.Errorf("create monitored items on subscription %d: %w", id, err)
	}
	if len(res) != len(batch) {
		return nil, fmt.Errorf("create monitored items on subscription %d: %d results for %d items", id, len(res), len(batch))
	}

	out := make([]ItemResult, len(reqs))
	var statuses []Status
	e.mu.Lock()
	s, ok := e.subs[id]
	added := 0
	for i, r := range reqs {
		out[i] = ItemResult{NodeAddress: r.NodeAddress, TagID: r.TagID, Err: res[i].Err}
		if res[i].Err != nil {
			e.logger.Warn("monitored item rejected", "subscription", id, "node", r.NodeAddress, "tag", r.TagID, "error", res[i].Err)
			continue
		}
		out[i].ItemID = res[i].ItemID
		out[i].RevisedSamplingInterval = res[i].RevisedSamplingInterval
		out[i].RevisedQueueSize = res[i].RevisedQueueSize
		if !ok {
			continue
		}
		qs := res[i].RevisedQueueSize
		if qs == 0 {
			qs = r.QueueSize
		}
		it := &MonitoredItem{
			ItemID:           res[i].ItemID,
			ClientHandle:     batch[i].ClientHandle,
			NodeAddress:      r.NodeAddress,
			TagID:            r.TagID,
			SamplingInterval: res[i].RevisedSamplingInterval,
			QueueSize:        qs,
			DiscardPolicy:    r.DiscardPolicy,
		}
		s.items[it.ItemID] = it
		s.byHandle[it.ClientHandle] = it
		added++
	}
	if ok && added > 0 && s.state == StateCreated {
		s.state = StateActive
		s.lastSeen = e.now()
		statuses = append(statuses, e.statusOf(s))
	}
	e.mu.Unlock()

	if !ok {
		return out, fmt.Errorf("subscription %d deleted during item creation: %w", id, ErrUnknownSubscription)
	}
	e.emit(statuses)
	logging.DebugLog("subscription", "%s: sub %d added %d/%d items", e.connID, id, added, len(reqs))
	return out, nil
}

// ModifyMonitoredItems changes sampling interval and queue size of
// existing items.
func (e *Engine) ModifyMonitoredItems(ctx context.Context, id uint32, mods []ItemModify) ([]ItemResult, error) {
	if _, err := e.lookup(id); err != nil {
		return nil, err
	}

	out := make([]ItemResult, len(mods))
	var batch []BackendItem
	var index []int
	e.mu.Lock()
	s, ok := e.subs[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("subscription %d: %w", id, ErrUnknownSubscription)
	}
	for i, m := range mods {
		it, ok := s.items[m.ItemID]
		if !ok {
			out[i] = ItemResult{ItemID: m.ItemID, Err: fmt.Errorf("item %d: %w", m.ItemID, ErrUnknownMonitoredItem)}
			continue
		}
		out[i] = ItemResult{NodeAddress: it.NodeAddress, TagID: it.TagID, ItemID: it.ItemID}
		batch = append(batch, BackendItem{
			ItemID:           m.ItemID,
			ClientHandle:     it.ClientHandle,
			NodeAddress:      it.NodeAddress,
			SamplingInterval: m.SamplingInterval,
			QueueSize:        m.QueueSize,
			DiscardOldest:    it.DiscardPolicy == DiscardOldest,
		})
		index = append(index, i)
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return out, nil
	}
	res, err := e.backend.ModifyMonitoredItems(ctx, id, batch)
	if err != nil {
		return nil, fmt.Errorf("modify monitored items on subscription %d: %w", id, err)
	}
	if len(res) != len(batch) {
		return nil, fmt.Errorf("modify monitored items on subscription %d: %d results for %d items", id, len(res), len(batch))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok = e.subs[id]
	for j, i := range index {
		out[i].Err = res[j].Err
		if res[j].Err != nil {
			continue
		}
		out[i].RevisedSamplingInterval = res[j].RevisedSamplingInterval
		out[i].RevisedQueueSize = res[j].RevisedQueueSize
		if !ok {
			continue
		}
		if it, found := s.items[batch[j].ItemID]; found {
			it.SamplingInterval = res[j].RevisedSamplingInterval
			if res[j].RevisedQueueSize > 0 {
				it.QueueSize = res[j].RevisedQueueSize
			}
			for len(it.queue) > int(max(it.QueueSize, 1)) {
				it.queue = it.queue[1:]
			}
		}
	}
	return out, nil
}

// RemoveMonitoredItems deletes items. The returned slice holds one error
// (or nil) per requested ID.
func (e *Engine) RemoveMonitoredItems(ctx context.Context, id uint32, itemIDs []uint32) ([]error, error) {
	if _, err := e.lookup(id); err != nil {
		return nil, err
	}
	if len(itemIDs) == 0 {
		return nil, nil
	}
	errs, err := e.backend.DeleteMonitoredItems(ctx, id, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("delete monitored items on subscription %d: %w", id, err)
	}
	if len(errs) != len(itemIDs) {
		return nil, fmt.Errorf("delete monitored items on subscription %d: %d results for %d items", id, len(errs), len(itemIDs))
	}
	e.mu.Lock()
	if s, ok := e.subs[id]; ok {
		for i, itemID := range itemIDs {
			if errs[i] != nil {
				continue
			}
			if it, found := s.items[itemID]; found {
				delete(s.byHandle, it.ClientHandle)
				delete(s.items, itemID)
			}
		}
	}
	e.mu.Unlock()
	return errs, nil
}

// SetPublishing suspends (false) or resumes (true) a subscription. Values
// arriving while suspended are held in the items' queues and delivered
// on resume.
func (e *Engine) SetPublishing(ctx context.Context, id uint32, active bool) error {
	cur, err := e.lookup(id)
	if err != nil {
		return err
	}
	to := StateSuspended
	if active {
		to = StateActive
	}
	if !CanTransition(cur, to) {
		return transitionError(id, cur, to)
	}
	if err := e.backend.SetPublishingMode(ctx, id, active); err != nil {
		return fmt.Errorf("set publishing mode on subscription %d: %w", id, err)
	}

	e.mu.Lock()
	s, ok := e.subs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("subscription %d: %w", id, ErrUnknownSubscription)
	}
	if !CanTransition(s.state, to) {
		from := s.state
		e.mu.Unlock()
		return transitionError(id, from, to)
	}
	s.state = to
	s.lastSeen = e.now()
	s.stale = false
	st := e.statusOf(s)
	e.mu.Unlock()

	e.emit([]Status{st})
	if active {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Delete removes the subscription from the server and the engine.
func (e *Engine) Delete(ctx context.Context, id uint32) error {
	cur, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !CanTransition(cur, StateDeleted) {
		return transitionError(id, cur, StateDeleted)
	}
	err = e.backend.DeleteSubscription(ctx, id)
	e.forget(id)
	if err != nil {
		return fmt.Errorf("delete subscription %d: %w", id, err)
	}
	return nil
}

// DeleteAll removes every subscription. Local state is always cleared,
// even when the server calls fail, since it runs on disconnect.
func (e *Engine) DeleteAll(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]uint32, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs []error
	for _, id := range ids {
		if err := e.backend.DeleteSubscription(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("delete subscription %d: %w", id, err))
		}
		e.forget(id)
	}
	return errors.Join(errs...)
}

// Forget drops all local state without contacting the server, for when
// the session is already gone.
func (e *Engine) Forget() {
	e.mu.Lock()
	ids := make([]uint32, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.forget(id)
	}
}

func (e *Engine) forget(id uint32) {
	e.mu.Lock()
	s, ok := e.subs[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	s.state = StateDeleted
	delete(e.subs, id)
	st := e.statusOf(s)
	e.mu.Unlock()
	e.emit([]Status{st})
	e.logger.Info("subscription deleted", "subscription", id)
}

func (e *Engine) lookup(id uint32) (State, error) {
	if e.closed.Load() {
		return StateDeleted, ErrEngineClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.subs[id]
	if !ok {
		return StateDeleted, fmt.Errorf("subscription %d: %w", id, ErrUnknownSubscription)
	}
	return s.state, nil
}

// Get returns a snapshot of one subscription.
func (e *Engine) Get(id uint32) (Info, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.subs[id]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Subscriptions returns snapshots of all subscriptions ordered by ID.
func (e *Engine) Subscriptions() []Info {
	e.mu.Lock()
	out := make([]Info, 0, len(e.subs))
	for _, s := range e.subs {
		out = append(out, s.info())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Items returns copies of a subscription's monitored items ordered by ID.
func (e *Engine) Items(id uint32) []MonitoredItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.subs[id]
	if !ok {
		return nil
	}
	out := make([]MonitoredItem, 0, len(s.items))
	for _, it := range s.items {
		c := *it
		c.queue = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

func (e *Engine) statusOf(s *subscription) Status {
	return Status{
		ConnectionID:   e.connID,
		SubscriptionID: s.id,
		IsActive:       s.state == StateActive && !s.stale,
		State:          s.state,
	}
}

func (e *Engine) emit(statuses []Status) {
	if e.status == nil {
		return
	}
	for _, st := range statuses {
		e.status(st)
	}
}

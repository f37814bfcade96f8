package sim

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"sync"
	"time"

	"opclink/logging"
	"opclink/opc"
	"opclink/subscription"
)

const (
	minPublishingInterval = 10 * time.Millisecond
	defaultKeepAliveCount = 10
	eventQueue            = 256
)

// Session is one client session on a simulated server. It implements
// driver.ClassicServer and subscription.Backend.
type Session struct {
	srv *Server

	mu       sync.Mutex
	events   chan opc.AlarmEvent
	closed   bool
	subs     map[uint32]*simSub
	nextSub  uint32
	nextItem uint32
}

type simItem struct {
	node     string
	handle   uint32
	sampling time.Duration
	queue    uint32
	last     opc.DataValue
	hasLast  bool
}

type simSub struct {
	id         uint32
	rev        subscription.Revised
	notify     subscription.NotifyFunc
	publishing bool
	items      map[uint32]*simItem
	seq        uint32
	idle       uint32
	stop       chan struct{}
}

// Server returns the simulated server behind the session.
func (s *Session) Server() *Server { return s.srv }

func (s *Session) Open(ctx context.Context, endpoint string, cred *opc.Credential) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	name := u.Host
	if name == "" {
		name = u.Opaque
	}
	if name == "" {
		return fmt.Errorf("sim endpoint %q has no server name", endpoint)
	}
	srv := Lookup(name)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if err := srv.check(); err != nil {
		return err
	}
	if want := u.Query().Get("user"); want != "" && (cred == nil || cred.Username != want) {
		return fmt.Errorf("%s: BadUserAccessDenied", name)
	}

	s.mu.Lock()
	s.srv = srv
	s.events = make(chan opc.AlarmEvent, eventQueue)
	s.subs = make(map[uint32]*simSub)
	s.closed = false
	s.mu.Unlock()
	srv.attached[s] = struct{}{}
	logging.DebugLog("sim", "%s: session opened", name)
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed || s.srv == nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		close(sub.stop)
		delete(s.subs, id)
	}
	srv := s.srv
	events := s.events
	s.mu.Unlock()

	srv.mu.Lock()
	delete(srv.attached, s)
	srv.mu.Unlock()
	close(events)
	return nil
}

// server returns the backing server after checking that both the session
// and the server are up. The server lock is held on success.
func (s *Session) server() (*Server, error) {
	s.mu.Lock()
	srv, closed := s.srv, s.closed
	s.mu.Unlock()
	if srv == nil || closed {
		return nil, opc.ErrNotConnected
	}
	srv.mu.Lock()
	if err := srv.check(); err != nil {
		srv.mu.Unlock()
		return nil, err
	}
	return srv, nil
}

func (s *Session) ReadItems(ctx context.Context, items []string) ([]opc.DataValue, error) {
	srv, err := s.server()
	if err != nil {
		return nil, err
	}
	defer srv.mu.Unlock()
	now := time.Now()
	out := make([]opc.DataValue, len(items))
	for i, name := range items {
		it, ok := srv.items[name]
		if !ok {
			out[i] = opc.NewDataValue(nil, opc.QualityBad, now)
			continue
		}
		out[i] = it.current(now)
	}
	return out, nil
}

func (s *Session) WriteItem(ctx context.Context, name string, value interface{}) error {
	srv, err := s.server()
	if err != nil {
		return err
	}
	defer srv.mu.Unlock()
	it, ok := srv.items[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownItem)
	}
	if !it.writable {
		return fmt.Errorf("%s: %w", name, ErrReadOnly)
	}
	dv := opc.NewDataValue(value, opc.QualityGood, time.Time{})
	it.value = dv
	it.record(dv)
	srv.writes++
	return nil
}

func (s *Session) BrowseItems(ctx context.Context, branch string) ([]opc.BrowseNode, error) {
	srv, err := s.server()
	if err != nil {
		return nil, err
	}
	defer srv.mu.Unlock()
	return srv.browse(branch), nil
}

func (s *Session) ReadRaw(ctx context.Context, items []string, r opc.TimeRange, maxValues uint32) (map[string][]opc.DataValue, error) {
	srv, err := s.server()
	if err != nil {
		return nil, err
	}
	defer srv.mu.Unlock()
	out := make(map[string][]opc.DataValue, len(items))
	for _, name := range items {
		it, ok := srv.items[name]
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, ErrUnknownItem)
		}
		var vals []opc.DataValue
		for _, v := range it.history {
			if v.Timestamp.Before(r.Start) || v.Timestamp.After(r.End) {
				continue
			}
			vals = append(vals, v)
			if maxValues > 0 && uint32(len(vals)) >= maxValues {
				break
			}
		}
		out[name] = vals
	}
	return out, nil
}

func (s *Session) Events() <-chan opc.AlarmEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

func (s *Session) deliverEvent(ev opc.AlarmEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
		logging.DebugLog("sim", "%s: event queue full, dropped %s", s.srv.name, ev.EventID)
	}
}

func (s *Session) Acknowledge(ctx context.Context, eventID, comment string) error {
	if _, err := s.checkOpen(); err != nil {
		return err
	}
	return s.srv.transition(eventID, opc.AlarmAcknowledged, comment)
}

func (s *Session) Confirm(ctx context.Context, eventID string) error {
	if _, err := s.checkOpen(); err != nil {
		return err
	}
	return s.srv.transition(eventID, opc.AlarmConfirmed, "")
}

func (s *Session) checkOpen() (*Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil || s.closed {
		return nil, opc.ErrNotConnected
	}
	return s.srv, nil
}

func revise(p subscription.Params, id uint32) subscription.Revised {
	r := subscription.Revised{
		SubscriptionID:     id,
		PublishingInterval: p.PublishingInterval,
		KeepAliveCount:     p.KeepAliveCount,
		LifetimeCount:      p.LifetimeCount,
	}
	if r.PublishingInterval < minPublishingInterval {
		r.PublishingInterval = minPublishingInterval
	}
	if r.KeepAliveCount == 0 {
		r.KeepAliveCount = defaultKeepAliveCount
	}
	if r.LifetimeCount < 3*r.KeepAliveCount {
		r.LifetimeCount = 3 * r.KeepAliveCount
	}
	return r
}

func (s *Session) CreateSubscription(ctx context.Context, p subscription.Params, notify subscription.NotifyFunc) (subscription.Revised, error) {
	srv, err := s.server()
	if err != nil {
		return subscription.Revised{}, err
	}
	srv.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	sub := &simSub{
		id:         s.nextSub,
		rev:        revise(p, s.nextSub),
		notify:     notify,
		publishing: true,
		items:      make(map[uint32]*simItem),
		stop:       make(chan struct{}),
	}
	s.subs[sub.id] = sub
	go s.publish(sub)
	return sub.rev, nil
}

func (s *Session) ModifySubscription(ctx context.Context, id uint32, p subscription.Params) (subscription.Revised, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, err := s.lookupLocked(id)
	if err != nil {
		return subscription.Revised{}, err
	}
	sub.rev = revise(p, id)
	return sub.rev, nil
}

func (s *Session) lookupLocked(id uint32) (*simSub, error) {
	if s.srv == nil || s.closed {
		return nil, opc.ErrNotConnected
	}
	sub, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %d: BadSubscriptionIdInvalid", id)
	}
	return sub, nil
}

func (s *Session) SetPublishingMode(ctx context.Context, id uint32, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	sub.publishing = enabled
	return nil
}

func (s *Session) DeleteSubscription(ctx context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	close(sub.stop)
	delete(s.subs, id)
	return nil
}

func (s *Session) CreateMonitoredItems(ctx context.Context, id uint32, items []subscription.BackendItem) ([]subscription.BackendItemResult, error) {
	srv, err := s.server()
	if err != nil {
		return nil, err
	}
	known := make([]bool, len(items))
	for i, it := range items {
		_, known[i] = srv.items[it.NodeAddress]
	}
	srv.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	sub, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	out := make([]subscription.BackendItemResult, len(items))
	for i, it := range items {
		if !known[i] {
			out[i].Err = fmt.Errorf("%s: BadNodeIdUnknown", it.NodeAddress)
			continue
		}
		s.nextItem++
		sampling := it.SamplingInterval
		if sampling < sub.rev.PublishingInterval {
			sampling = sub.rev.PublishingInterval
		}
		q := it.QueueSize
		if q == 0 {
			q = 1
		}
		sub.items[s.nextItem] = &simItem{node: it.NodeAddress, handle: it.ClientHandle, sampling: sampling, queue: q}
		out[i] = subscription.BackendItemResult{ItemID: s.nextItem, RevisedSamplingInterval: sampling, RevisedQueueSize: q}
	}
	return out, nil
}

func (s *Session) ModifyMonitoredItems(ctx context.Context, id uint32, items []subscription.BackendItem) ([]subscription.BackendItemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	out := make([]subscription.BackendItemResult, len(items))
	for i, it := range items {
		mi, ok := sub.items[it.ItemID]
		if !ok {
			out[i].Err = fmt.Errorf("item %d: BadMonitoredItemIdInvalid", it.ItemID)
			continue
		}
		mi.sampling = max(it.SamplingInterval, sub.rev.PublishingInterval)
		if it.QueueSize > 0 {
			mi.queue = it.QueueSize
		}
		out[i] = subscription.BackendItemResult{ItemID: it.ItemID, RevisedSamplingInterval: mi.sampling, RevisedQueueSize: mi.queue}
	}
	return out, nil
}

func (s *Session) DeleteMonitoredItems(ctx context.Context, id uint32, itemIDs []uint32) ([]error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	out := make([]error, len(itemIDs))
	for i, itemID := range itemIDs {
		if _, ok := sub.items[itemID]; !ok {
			out[i] = fmt.Errorf("item %d: BadMonitoredItemIdInvalid", itemID)
			continue
		}
		delete(sub.items, itemID)
	}
	return out, nil
}

// publish runs one subscription's publishing cycle: changed values are
// sent as data notifications, idle cycles as keep-alives.
func (s *Session) publish(sub *simSub) {
	s.mu.Lock()
	interval := sub.rev.PublishingInterval
	s.mu.Unlock()
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-sub.stop:
			return
		case <-t.C:
		}
		n, ok := s.cycle(sub)
		if ok {
			sub.notify(n)
		}
	}
}

func (s *Session) cycle(sub *simSub) (subscription.Notification, bool) {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	srv.mu.Lock()
	down := srv.down != nil
	now := time.Now()
	current := map[string]opc.DataValue{}
	if !down {
		for name, it := range srv.items {
			current[name] = it.current(now)
		}
	}
	srv.mu.Unlock()
	if down {
		return subscription.Notification{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-sub.stop:
		return subscription.Notification{}, false
	default:
	}

	n := subscription.Notification{SubscriptionID: sub.id}
	if sub.publishing {
		for _, mi := range sub.items {
			v, ok := current[mi.node]
			if !ok {
				continue
			}
			if mi.hasLast && v.Quality == mi.last.Quality && reflect.DeepEqual(v.Value, mi.last.Value) {
				continue
			}
			mi.last, mi.hasLast = v, true
			n.Items = append(n.Items, subscription.ItemValue{ClientHandle: mi.handle, Value: v})
		}
	}
	if len(n.Items) > 0 {
		sub.idle = 0
		sub.seq++
		n.SequenceNumber = sub.seq
		return n, true
	}
	sub.idle++
	if sub.idle >= sub.rev.KeepAliveCount {
		sub.idle = 0
		n.KeepAlive = true
		n.SequenceNumber = sub.seq + 1
		return n, true
	}
	return subscription.Notification{}, false
}

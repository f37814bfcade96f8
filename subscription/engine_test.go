package subscription

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opclink/opc"
)

type fakeBackend struct {
	mu      sync.Mutex
	nextSub uint32
	nextID  uint32
	notify  map[uint32]NotifyFunc
	reject  map[string]bool
	deleted []uint32
	publish map[uint32]bool
	failDel bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{notify: map[uint32]NotifyFunc{}, reject: map[string]bool{}, publish: map[uint32]bool{}}
}

func (f *fakeBackend) CreateSubscription(ctx context.Context, p Params, n NotifyFunc) (Revised, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	f.notify[f.nextSub] = n
	interval := p.PublishingInterval
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return Revised{SubscriptionID: f.nextSub, PublishingInterval: interval, LifetimeCount: p.LifetimeCount, KeepAliveCount: p.KeepAliveCount}, nil
}

func (f *fakeBackend) ModifySubscription(ctx context.Context, id uint32, p Params) (Revised, error) {
	return Revised{SubscriptionID: id, PublishingInterval: p.PublishingInterval, LifetimeCount: p.LifetimeCount, KeepAliveCount: p.KeepAliveCount}, nil
}

func (f *fakeBackend) SetPublishingMode(ctx context.Context, id uint32, enabled bool) error {
	f.mu.Lock()
	f.publish[id] = enabled
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) DeleteSubscription(ctx context.Context, id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	if f.failDel {
		return errors.New("session closed")
	}
	return nil
}

func (f *fakeBackend) CreateMonitoredItems(ctx context.Context, id uint32, items []BackendItem) ([]BackendItemResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]BackendItemResult, len(items))
	for i, it := range items {
		if f.reject[it.NodeAddress] {
			out[i].Err = errors.New("BadNodeIdUnknown")
			continue
		}
		f.nextID++
		out[i] = BackendItemResult{ItemID: f.nextID, RevisedSamplingInterval: it.SamplingInterval, RevisedQueueSize: it.QueueSize}
	}
	return out, nil
}

func (f *fakeBackend) ModifyMonitoredItems(ctx context.Context, id uint32, items []BackendItem) ([]BackendItemResult, error) {
	out := make([]BackendItemResult, len(items))
	for i, it := range items {
		out[i] = BackendItemResult{ItemID: it.ItemID, RevisedSamplingInterval: it.SamplingInterval * 2, RevisedQueueSize: it.QueueSize}
	}
	return out, nil
}

func (f *fakeBackend) DeleteMonitoredItems(ctx context.Context, id uint32, ids []uint32) ([]error, error) {
	return make([]error, len(ids)), nil
}

type recorder struct {
	mu      sync.Mutex
	changes []DataChange
	alarms  []opc.AlarmEvent
	got     chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 1024)} }

func (r *recorder) OnDataChange(dc DataChange) {
	r.mu.Lock()
	r.changes = append(r.changes, dc)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) OnAlarm(conn string, ev opc.AlarmEvent) {
	r.mu.Lock()
	r.alarms = append(r.alarms, ev)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d deliveries", i, n)
		}
	}
}

func (r *recorder) values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Value.Value.(float64)
	}
	return out
}

func val(v float64) opc.DataValue { return opc.NewDataValue(v, opc.QualityGood, time.Time{}) }

func setup(t *testing.T, opts Options) (*Engine, *fakeBackend, *recorder) {
	t.Helper()
	b := newFakeBackend()
	opts.ConnectionID = "plc1"
	e := NewEngine(b, opts)
	r := newRecorder()
	e.AddConsumer(r)
	e.Start()
	t.Cleanup(e.Close)
	return e, b, r
}

func createWithItem(t *testing.T, e *Engine, queue uint32) (Info, ItemResult) {
	t.Helper()
	info, err := e.Create(context.Background(), Params{PublishingInterval: time.Second, KeepAliveCount: 10, LifetimeCount: 30})
	require.NoError(t, err)
	res, err := e.AddMonitoredItems(context.Background(), info.ID, []ItemRequest{{NodeAddress: "ns=2;s=Temp", TagID: "temp", QueueSize: queue}})
	require.NoError(t, err)
	require.NoError(t, res[0].Err)
	return info, res[0]
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateCreated, StateActive, true},
		{StateCreated, StateSuspended, false},
		{StateActive, StateSuspended, true},
		{StateSuspended, StateActive, true},
		{StateActive, StateActive, false},
		{StateSuspended, StateDeleted, true},
		{StateDeleted, StateActive, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCreateStoresRevisedValues(t *testing.T) {
	e, _, _ := setup(t, Options{})
	info, err := e.Create(context.Background(), Params{PublishingInterval: time.Millisecond, KeepAliveCount: 3, LifetimeCount: 9})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, info.State)
	assert.Equal(t, 10*time.Millisecond, info.Revised.PublishingInterval)
	assert.Equal(t, 30*time.Millisecond, info.Revised.KeepAliveTimeout())
	assert.Equal(t, 90*time.Millisecond, info.Revised.LifetimeTimeout())
}

func TestPartialItemFailureKeepsSuccesses(t *testing.T) {
	e, b, _ := setup(t, Options{})
	b.reject["ns=2;s=Missing"] = true
	info, err := e.Create(context.Background(), Params{PublishingInterval: time.Second, KeepAliveCount: 5})
	require.NoError(t, err)

	res, err := e.AddMonitoredItems(context.Background(), info.ID, []ItemRequest{
		{NodeAddress: "ns=2;s=A", TagID: "a"},
		{NodeAddress: "ns=2;s=Missing", TagID: "missing"},
		{NodeAddress: "ns=2;s=B", TagID: "b"},
	})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.NoError(t, res[0].Err)
	assert.Error(t, res[1].Err)
	assert.NoError(t, res[2].Err)

	got, ok := e.Get(info.ID)
	require.True(t, ok)
	assert.Equal(t, 2, got.Items)
	assert.Equal(t, StateActive, got.State)
}

func TestDeliveryInSequenceOrder(t *testing.T) {
	e, _, r := setup(t, Options{})
	info, item := createWithItem(t, e, 10)
	h := e.Items(info.ID)[0].ClientHandle
	require.Equal(t, item.ItemID, e.Items(info.ID)[0].ItemID)

	for _, seq := range []uint32{1, 3, 2, 4} {
		e.Notify(Notification{SubscriptionID: info.ID, SequenceNumber: seq, Items: []ItemValue{{ClientHandle: h, Value: val(float64(seq))}}})
	}
	r.wait(t, 4)
	assert.Equal(t, []float64{1, 2, 3, 4}, r.values())
}

func TestDeliveryAcrossSequenceWrap(t *testing.T) {
	e, _, r := setup(t, Options{})
	info, _ := createWithItem(t, e, 10)
	h := e.Items(info.ID)[0].ClientHandle

	seqs := []uint32{math.MaxUint32 - 1, 1, math.MaxUint32, 2}
	for i, seq := range seqs {
		e.Notify(Notification{SubscriptionID: info.ID, SequenceNumber: seq, Items: []ItemValue{{ClientHandle: h, Value: val(float64(i))}}})
	}
	r.wait(t, 4)
	assert.Equal(t, []float64{0, 2, 1, 3}, r.values(), "1 follows 4294967295 and must not be treated as late")
}

func TestSequenceComparison(t *testing.T) {
	tests := []struct {
		a, b uint32
		want bool
	}{
		{1, 2, true},
		{2, 1, false},
		{5, 5, false},
		{math.MaxUint32, 1, true},
		{1, math.MaxUint32, false},
		{math.MaxUint32 - 10, 3, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, seqBefore(tt.a, tt.b), "seqBefore(%d, %d)", tt.a, tt.b)
	}
	assert.Equal(t, uint32(1), seqNext(math.MaxUint32))
	assert.Equal(t, uint32(8), seqNext(7))
}

func TestGapSkippedAfterWindow(t *testing.T) {
	e, _, r := setup(t, Options{ReorderWindow: 2})
	info, _ := createWithItem(t, e, 10)
	h := e.Items(info.ID)[0].ClientHandle

	// 2 never arrives.
	for _, seq := range []uint32{1, 3, 4, 5} {
		e.Notify(Notification{SubscriptionID: info.ID, SequenceNumber: seq, Items: []ItemValue{{ClientHandle: h, Value: val(float64(seq))}}})
	}
	r.wait(t, 4)
	assert.Equal(t, []float64{1, 3, 4, 5}, r.values())
}

func TestSuspendedValuesQueueBounded(t *testing.T) {
	e, b, r := setup(t, Options{})
	info, _ := createWithItem(t, e, 2)
	h := e.Items(info.ID)[0].ClientHandle

	require.NoError(t, e.SetPublishing(context.Background(), info.ID, false))
	assert.False(t, b.publish[info.ID])
	assert.ErrorIs(t, e.SetPublishing(context.Background(), info.ID, false), ErrInvalidTransition)

	for seq := uint32(1); seq <= 5; seq++ {
		e.Notify(Notification{SubscriptionID: info.ID, SequenceNumber: seq, Items: []ItemValue{{ClientHandle: h, Value: val(float64(seq))}}})
	}
	require.Eventually(t, func() bool {
		items := e.Items(info.ID)
		return len(items) == 1 && items[0].Overflows == 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.SetPublishing(context.Background(), info.ID, true))
	r.wait(t, 2)
	assert.Equal(t, []float64{4, 5}, r.values())
	r.mu.Lock()
	assert.True(t, r.changes[0].Overflow)
	assert.False(t, r.changes[1].Overflow)
	r.mu.Unlock()
}

func TestDiscardNewest(t *testing.T) {
	it := &MonitoredItem{QueueSize: 2, DiscardPolicy: DiscardNewest}
	for i := 1; i <= 4; i++ {
		it.push(val(float64(i)))
	}
	require.Len(t, it.queue, 2)
	assert.Equal(t, 1.0, it.queue[0].Value)
	assert.Equal(t, 2.0, it.queue[1].Value)
	assert.Equal(t, uint64(2), it.Overflows)
}

func TestAlarmsDelivered(t *testing.T) {
	e, _, r := setup(t, Options{})
	info, _ := createWithItem(t, e, 1)
	e.Notify(Notification{SubscriptionID: info.ID, SequenceNumber: 1, Events: []opc.AlarmEvent{{EventID: "ev1", State: opc.AlarmActive}}})
	r.wait(t, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.alarms, 1)
	assert.Equal(t, "ev1", r.alarms[0].EventID)
}

func TestStaleWatchdog(t *testing.T) {
	statuses := make(chan Status, 16)
	e, _, _ := setup(t, Options{WatchdogInterval: 5 * time.Millisecond, OnStatus: func(s Status) { statuses <- s }})
	info, err := e.Create(context.Background(), Params{PublishingInterval: 10 * time.Millisecond, KeepAliveCount: 2})
	require.NoError(t, err)
	_, err = e.AddMonitoredItems(context.Background(), info.ID, []ItemRequest{{NodeAddress: "n", TagID: "t"}})
	require.NoError(t, err)

	first := <-statuses
	assert.True(t, first.IsActive)

	select {
	case st := <-statuses:
		assert.False(t, st.IsActive)
		assert.Equal(t, info.ID, st.SubscriptionID)
	case <-time.After(2 * time.Second):
		t.Fatal("stale status not reported")
	}

	e.Notify(Notification{SubscriptionID: info.ID, KeepAlive: true})
	select {
	case st := <-statuses:
		assert.True(t, st.IsActive)
	case <-time.After(2 * time.Second):
		t.Fatal("recovery not reported")
	}
}

func TestNotifyDropsOldestWhenFull(t *testing.T) {
	b := newFakeBackend()
	e := NewEngine(b, Options{NotifyQueue: 2})
	for i := uint32(1); i <= 5; i++ {
		e.Notify(Notification{SubscriptionID: 1, SequenceNumber: i})
	}
	assert.Equal(t, uint64(3), e.Dropped())
	assert.Equal(t, uint32(4), (<-e.notifyCh).SequenceNumber)
	assert.Equal(t, uint32(5), (<-e.notifyCh).SequenceNumber)
}

func TestModifyAndRemoveItems(t *testing.T) {
	e, _, _ := setup(t, Options{})
	info, item := createWithItem(t, e, 4)

	res, err := e.ModifyMonitoredItems(context.Background(), info.ID, []ItemModify{
		{ItemID: item.ItemID, SamplingInterval: 100 * time.Millisecond, QueueSize: 8},
		{ItemID: 999},
	})
	require.NoError(t, err)
	assert.NoError(t, res[0].Err)
	assert.Equal(t, 200*time.Millisecond, res[0].RevisedSamplingInterval)
	assert.ErrorIs(t, res[1].Err, ErrUnknownMonitoredItem)
	assert.Equal(t, uint32(8), e.Items(info.ID)[0].QueueSize)

	errs, err := e.RemoveMonitoredItems(context.Background(), info.ID, []uint32{item.ItemID})
	require.NoError(t, err)
	assert.NoError(t, errs[0])
	assert.Empty(t, e.Items(info.ID))
}

func TestDeleteAllClearsStateOnFailure(t *testing.T) {
	e, b, _ := setup(t, Options{})
	createWithItem(t, e, 1)
	createWithItem(t, e, 1)
	b.failDel = true

	err := e.DeleteAll(context.Background())
	assert.Error(t, err)
	assert.Empty(t, e.Subscriptions())
	assert.Len(t, b.deleted, 2)

	_, err = e.AddMonitoredItems(context.Background(), 1, []ItemRequest{{NodeAddress: "x"}})
	assert.ErrorIs(t, err, ErrUnknownSubscription)
}

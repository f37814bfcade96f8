package connman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opclink/buffer"
	"opclink/driver"
	"opclink/opc"
	"opclink/policy"
	"opclink/sim"
	"opclink/transport"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, time.Minute, b.Delay(10))
	assert.Equal(t, time.Minute, b.Delay(5000))

	low := Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.2, random: func() float64 { return 0 }}
	assert.Equal(t, 800*time.Millisecond, low.Delay(0))
	high := Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.2, random: func() float64 { return 1 }}
	assert.Equal(t, 1200*time.Millisecond, high.Delay(0))

	var zero Backoff
	assert.InDelta(t, float64(time.Second), float64(zero.Delay(0)), float64(200*time.Millisecond))
}

func TestGroupByRate(t *testing.T) {
	tags := []opc.TagDefinition{
		{ID: "a", ScanRate: 10 * time.Millisecond},
		{ID: "b", ScanRate: 100 * time.Millisecond},
		{ID: "c", ScanRate: 100 * time.Millisecond},
		{ID: "d"},
	}
	groups := groupByRate(tags, 50*time.Millisecond)
	require.Len(t, groups, 3)
	assert.Len(t, groups[50*time.Millisecond], 1)
	assert.Len(t, groups[100*time.Millisecond], 2)
	assert.Len(t, groups[time.Second], 1)
}

type harness struct {
	mgr *Manager
	mem *transport.Memory
	pol *policy.Engine

	mu     sync.Mutex
	logs   []transport.CriticalWriteLog
	alarms []opc.AlarmEvent
}

func newHarness(t *testing.T, servers []opc.ServerConfig, tags []opc.TagDefinition, capacity int) *harness {
	t.Helper()
	h := &harness{mem: transport.NewMemory("test")}
	h.pol = policy.NewEngine(policy.Options{
		ConfirmationTimeout: time.Minute,
		OnExpire: func(ev policy.Evaluation) {
			h.mgr.WriteExpired(ev)
		},
	})
	mgr, err := NewManager(Options{
		Publisher:      h.mem,
		Policy:         h.pol,
		Buffer:         buffer.Options{Capacity: capacity, Overflow: buffer.DropOldest, DrainBatchSize: 10},
		Backoff:        Backoff{Base: 20 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2},
		BatchInterval:  20 * time.Millisecond,
		UplinkInterval: 20 * time.Millisecond,
		HealthInterval: 50 * time.Millisecond,
		ShutdownGrace:  2 * time.Second,
		Hooks: Hooks{
			OnWrite: func(l transport.CriticalWriteLog) {
				h.mu.Lock()
				h.logs = append(h.logs, l)
				h.mu.Unlock()
			},
			OnAlarm: func(_ string, ev opc.AlarmEvent) {
				h.mu.Lock()
				h.alarms = append(h.alarms, ev)
				h.mu.Unlock()
			},
		},
	}, servers, tags)
	require.NoError(t, err)
	h.mgr = mgr
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.mgr.Start(context.Background()))
	t.Cleanup(func() { h.mgr.Shutdown(context.Background()) })
}

func (h *harness) outcomes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.logs))
	for i, l := range h.logs {
		out[i] = l.Outcome
	}
	return out
}

func (h *harness) waitState(t *testing.T, id string, want driver.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := h.mgr.Connection(id)
		return err == nil && st.State == want
	}, 3*time.Second, 10*time.Millisecond, "connection %s never reached %s", id, want)
}

func points(n int) []opc.TagValue {
	out := make([]opc.TagValue, n)
	for i := range out {
		out[i] = opc.TagValue{TagID: fmt.Sprintf("p%03d", i), DataValue: opc.NewDataValue(float64(i), opc.QualityGood, time.Time{})}
	}
	return out
}

func tagIDs(pts []opc.TagValue) []string {
	out := make([]string, len(pts))
	for i, p := range pts {
		out[i] = p.TagID
	}
	return out
}

func daServer(id, name string) opc.ServerConfig {
	return opc.ServerConfig{ID: id, Protocol: opc.ProtocolDA, Endpoint: "sim://" + name, Enabled: true}
}

func TestBufferedWhileUplinkDownThenDrainedInOrder(t *testing.T) {
	sim.Reset()
	h := newHarness(t, []opc.ServerConfig{daServer("s1", "buf-order")}, nil, 100)
	w, ok := h.mgr.Worker("s1")
	require.True(t, ok)

	h.mem.SetAvailable(false)
	pts := points(50)
	w.ingest(pts...)
	assert.Equal(t, 50, w.Buffer().Count())
	assert.Empty(t, h.mem.Batches())

	h.mem.SetAvailable(true)
	w.drainThenGoLive(context.Background())
	assert.Equal(t, 0, w.Buffer().Count())
	assert.True(t, w.isLive())
	assert.Equal(t, tagIDs(pts), h.mem.TagIDs())
}

func TestBufferOverflowKeepsNewest(t *testing.T) {
	sim.Reset()
	h := newHarness(t, []opc.ServerConfig{daServer("s1", "buf-overflow")}, nil, 100)
	w, _ := h.mgr.Worker("s1")

	h.mem.SetAvailable(false)
	pts := points(150)
	w.ingest(pts...)
	stats := w.Buffer().Stats()
	assert.Equal(t, 100, stats.Size)
	assert.EqualValues(t, 50, stats.Evicted)

	h.mem.SetAvailable(true)
	w.drainThenGoLive(context.Background())
	assert.Equal(t, tagIDs(pts[50:]), h.mem.TagIDs())
}

func TestFailedFlushMovesPointsToBuffer(t *testing.T) {
	sim.Reset()
	h := newHarness(t, []opc.ServerConfig{daServer("s1", "buf-flush")}, nil, 100)
	w, _ := h.mgr.Worker("s1")

	w.drainThenGoLive(context.Background())
	require.True(t, w.isLive())

	pts := points(5)
	w.ingest(pts[:3]...)
	h.mem.FailNext(errors.New("broker rejected batch"))
	w.flush(context.Background())
	assert.False(t, w.isLive())
	assert.Equal(t, 3, w.Buffer().Count())

	// values arriving before the drain must queue behind the buffered ones
	w.ingest(pts[3:]...)
	assert.Equal(t, 5, w.Buffer().Count())

	w.drainThenGoLive(context.Background())
	assert.True(t, w.isLive())
	assert.Equal(t, tagIDs(pts), h.mem.TagIDs())
}

func TestDrainStopsWhenUplinkFails(t *testing.T) {
	sim.Reset()
	h := newHarness(t, []opc.ServerConfig{daServer("s1", "buf-stop")}, nil, 100)
	w, _ := h.mgr.Worker("s1")

	h.mem.SetAvailable(false)
	w.ingest(points(30)...)
	h.mem.SetAvailable(true)
	h.mem.OnPublish(func(transport.Batch) { h.mem.FailNext(errors.New("uplink dropped")) })

	w.drainThenGoLive(context.Background())
	assert.False(t, w.isLive())
	// first batch of 10 published, second dropped, rest kept
	assert.Len(t, h.mem.TagIDs(), 10)
	assert.Equal(t, 10, w.Buffer().Count())
}

func TestPolledServerPublishesChanges(t *testing.T) {
	sim.Reset()
	srv := sim.Lookup("poll-plant")
	tags := []opc.TagDefinition{
		{ID: "setpoint", ServerID: "s1", NodeAddress: "Static.Setpoint", ScanRate: 50 * time.Millisecond},
	}
	h := newHarness(t, []opc.ServerConfig{daServer("s1", "poll-plant")}, tags, 100)
	h.start(t)
	h.waitState(t, "s1", driver.StateConnected)

	require.Eventually(t, func() bool { return len(h.mem.TagIDs()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	srv.Set("Static.Setpoint", 61.5)
	require.Eventually(t, func() bool {
		vals, err := h.mgr.Values("s1")
		return err == nil && len(vals) == 1 && vals[0].Value == 61.5
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.mem.TagIDs()) >= 2 }, 2*time.Second, 10*time.Millisecond)

	// unchanged values are not republished
	n := len(h.mem.TagIDs())
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, n, len(h.mem.TagIDs()))
}

func TestReconnectAfterServerFailure(t *testing.T) {
	sim.Reset()
	srv := sim.Lookup("flaky-plant")
	tags := []opc.TagDefinition{
		{ID: "setpoint", ServerID: "s1", NodeAddress: "Static.Setpoint", ScanRate: 50 * time.Millisecond},
	}
	h := newHarness(t, []opc.ServerConfig{daServer("s1", "flaky-plant")}, tags, 100)
	h.start(t)
	h.waitState(t, "s1", driver.StateConnected)

	srv.Fail(nil)
	require.Eventually(t, func() bool {
		st, _ := h.mgr.Connection("s1")
		return st.State != driver.StateConnected && st.LastError != ""
	}, 3*time.Second, 10*time.Millisecond)

	srv.Recover()
	h.waitState(t, "s1", driver.StateConnected)
	st, err := h.mgr.Connection("s1")
	require.NoError(t, err)
	assert.Positive(t, st.Reconnects)
}

func TestUnreachableServerDoesNotBlockOthers(t *testing.T) {
	sim.Reset()
	sim.Lookup("down-plant").Fail(nil)
	h := newHarness(t, []opc.ServerConfig{daServer("down", "down-plant"), daServer("up", "up-plant")}, nil, 100)
	h.start(t)

	h.waitState(t, "up", driver.StateConnected)
	st, err := h.mgr.Connection("down")
	require.NoError(t, err)
	assert.NotEqual(t, driver.StateConnected, st.State)
}

func TestSubscriptionServerPublishesChanges(t *testing.T) {
	sim.Reset()
	cfg := opc.ServerConfig{
		ID: "ua1", Protocol: opc.ProtocolUA, Endpoint: "sim://ua-plant", Enabled: true,
		PublishingInterval: 20 * time.Millisecond, KeepAliveCount: 5,
	}
	tags := []opc.TagDefinition{{ID: "setpoint", ServerID: "ua1", NodeAddress: "Static.Setpoint"}}
	h := newHarness(t, []opc.ServerConfig{cfg}, tags, 100)
	h.start(t)
	h.waitState(t, "ua1", driver.StateConnected)

	require.Eventually(t, func() bool {
		st, _ := h.mgr.Connection("ua1")
		return len(st.Subscriptions) == 1 && st.Subscriptions[0].Items == 1
	}, 2*time.Second, 10*time.Millisecond)

	sim.Lookup("ua-plant").Set("Static.Setpoint", 12.0)
	require.Eventually(t, func() bool {
		vals, _ := h.mgr.Values("ua1")
		return len(vals) == 1 && vals[0].Value == 12.0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, id := range h.mem.TagIDs() {
			if id == "setpoint" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWritePipeline(t *testing.T) {
	sim.Reset()
	srv := sim.Lookup("write-plant")
	tags := []opc.TagDefinition{
		{ID: "sp", ServerID: "s1", NodeAddress: "Static.Setpoint", DataType: opc.TypeDouble, Writable: true},
		{ID: "sp.guarded", ServerID: "s1", NodeAddress: "Static.Setpoint", DataType: opc.TypeDouble, Writable: true},
		{ID: "name", ServerID: "s1", NodeAddress: "Static.Name", DataType: opc.TypeString},
	}
	h := newHarness(t, []opc.ServerConfig{daServer("s1", "write-plant")}, tags, 100)
	require.NoError(t, h.pol.LoadPolicies([]policy.WriteLimitPolicy{
		{TagPattern: "sp.guarded", RequiresConfirmation: true},
	}, nil))
	h.start(t)
	h.waitState(t, "s1", driver.StateConnected)
	ctx := context.Background()

	res, err := h.mgr.Write(ctx, policy.WriteRequest{TagID: "sp", Value: "72.5", Requester: "op1"})
	require.NoError(t, err)
	assert.Equal(t, transport.OutcomeWritten, res.Outcome)
	assert.NotEmpty(t, res.CorrelationID)
	v, _ := srv.Value("Static.Setpoint")
	assert.Equal(t, 72.5, v.Value)

	res, err = h.mgr.Write(ctx, policy.WriteRequest{TagID: "name", Value: "x", Requester: "op1"})
	assert.ErrorIs(t, err, policy.ErrInvalidValue)
	assert.Equal(t, transport.OutcomeRejected, res.Outcome)

	_, err = h.mgr.Write(ctx, policy.WriteRequest{TagID: "missing", Value: 1, Requester: "op1"})
	assert.ErrorIs(t, err, policy.ErrInvalidValue)

	res, err = h.mgr.Write(ctx, policy.WriteRequest{TagID: "sp.guarded", Value: 10.0, Requester: "op1"})
	require.NoError(t, err)
	assert.Equal(t, transport.OutcomePending, res.Outcome)
	assert.False(t, res.ExpiresAt.IsZero())
	v, _ = srv.Value("Static.Setpoint")
	assert.Equal(t, 72.5, v.Value)
	require.Len(t, h.mgr.PendingWrites(), 1)

	res, err = h.mgr.Confirm(ctx, res.CorrelationID, "supervisor")
	require.NoError(t, err)
	assert.Equal(t, transport.OutcomeWritten, res.Outcome)
	v, _ = srv.Value("Static.Setpoint")
	assert.Equal(t, 10.0, v.Value)

	_, err = h.mgr.Confirm(ctx, "nope", "supervisor")
	assert.ErrorIs(t, err, policy.ErrUnknownCorrelation)

	assert.Equal(t, []string{
		transport.OutcomeWritten,
		transport.OutcomeRejected,
		transport.OutcomeRejected,
		transport.OutcomePending,
		transport.OutcomeConfirmed,
		transport.OutcomeWritten,
	}, h.outcomes())
	assert.Len(t, h.mem.OfKind(transport.KindCriticalWriteLog), 6)
}

func TestWriteFailsWhenDisconnected(t *testing.T) {
	sim.Reset()
	tags := []opc.TagDefinition{{ID: "sp", ServerID: "s1", NodeAddress: "Static.Setpoint", Writable: true}}
	h := newHarness(t, []opc.ServerConfig{daServer("s1", "idle-plant")}, tags, 100)

	res, err := h.mgr.Write(context.Background(), policy.WriteRequest{TagID: "sp", Value: 1.0, Requester: "op1"})
	assert.ErrorIs(t, err, opc.ErrNotConnected)
	assert.Equal(t, transport.OutcomeFailed, res.Outcome)
	assert.Equal(t, []string{transport.OutcomeFailed}, h.outcomes())
}

func TestHandleBusWrite(t *testing.T) {
	sim.Reset()
	tags := []opc.TagDefinition{{ID: "sp", ServerID: "s1", NodeAddress: "Static.Setpoint", Writable: true}}
	h := newHarness(t, []opc.ServerConfig{daServer("s1", "bus-plant")}, tags, 100)
	h.start(t)
	h.waitState(t, "s1", driver.StateConnected)

	var handler transport.WriteHandler = h.mgr.HandleBusWrite
	outcome, err := handler(context.Background(), transport.WriteCommand{TagID: "sp", Value: 33.0})
	require.NoError(t, err)
	assert.Equal(t, transport.OutcomeWritten, outcome)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.logs, 1)
	assert.Equal(t, "bus", h.logs[0].Requester)
}

func TestReadHistory(t *testing.T) {
	sim.Reset()
	srv := sim.Lookup("hist-plant")
	start := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		srv.SetValue("Flow", opc.NewDataValue(float64(i), opc.QualityGood, start.Add(time.Duration(i)*time.Second)))
	}
	servers := []opc.ServerConfig{
		{ID: "h1", Protocol: opc.ProtocolHDA, Endpoint: "sim://hist-plant", Enabled: true},
		daServer("d1", "hist-da"),
	}
	tags := []opc.TagDefinition{
		{ID: "flow", ServerID: "h1", NodeAddress: "Flow"},
		{ID: "sp", ServerID: "d1", NodeAddress: "Static.Setpoint"},
	}
	h := newHarness(t, servers, tags, 100)
	h.start(t)
	h.waitState(t, "h1", driver.StateConnected)
	ctx := context.Background()

	rng := opc.TimeRange{Start: start, End: start.Add(2500 * time.Millisecond)}
	batch, err := h.mgr.ReadHistory(ctx, "h1", HistoryRequest{Range: rng, Publish: true})
	require.NoError(t, err)
	require.Len(t, batch.Points, 3)
	for i, p := range batch.Points {
		assert.Equal(t, "flow", p.TagID)
		assert.Equal(t, float64(i), p.Value)
	}
	assert.Len(t, h.mem.OfKind(transport.KindHistoricalData), 1)

	batch, err = h.mgr.ReadHistory(ctx, "h1", HistoryRequest{Range: rng, MaxValues: 2})
	require.NoError(t, err)
	assert.Len(t, batch.Points, 2)

	_, err = h.mgr.ReadHistory(ctx, "h1", HistoryRequest{TagIDs: []string{"sp"}, Range: rng})
	assert.ErrorIs(t, err, ErrUnknownTag)

	_, err = h.mgr.ReadHistory(ctx, "h1", HistoryRequest{Range: opc.TimeRange{Start: start}})
	assert.Error(t, err)

	_, err = h.mgr.ReadHistory(ctx, "d1", HistoryRequest{Range: rng})
	assert.ErrorIs(t, err, opc.ErrNotApplicable)

	_, err = h.mgr.ReadHistory(ctx, "nope", HistoryRequest{Range: rng})
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestAlarmsForwarded(t *testing.T) {
	sim.Reset()
	servers := []opc.ServerConfig{{ID: "a1", Protocol: opc.ProtocolAC, Endpoint: "sim://alarm-plant", Enabled: true}}
	h := newHarness(t, servers, nil, 100)
	h.start(t)
	h.waitState(t, "a1", driver.StateConnected)

	sim.Lookup("alarm-plant").RaiseAlarm(opc.AlarmEvent{EventID: "ev1", Source: "Tank1", Condition: "HighLevel", Severity: 700})
	require.Eventually(t, func() bool {
		return len(h.mem.OfKind(transport.KindAlarmEvents)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	b := h.mem.OfKind(transport.KindAlarmEvents)[0].(transport.AlarmEventBatch)
	require.Len(t, b.Events, 1)
	assert.Equal(t, "ev1", b.Events[0].EventID)
	h.mu.Lock()
	assert.Len(t, h.alarms, 1)
	h.mu.Unlock()

	require.NoError(t, h.mgr.AcknowledgeAlarm(context.Background(), "a1", "ev1", "seen"))
	err := h.mgr.AcknowledgeAlarm(context.Background(), "nope", "ev1", "")
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestAlarmOperationsNotApplicable(t *testing.T) {
	sim.Reset()
	h := newHarness(t, []opc.ServerConfig{daServer("d1", "na-plant")}, nil, 100)
	err := h.mgr.ConfirmAlarm(context.Background(), "d1", "ev1")
	assert.ErrorIs(t, err, opc.ErrNotApplicable)
}

func TestReconfigure(t *testing.T) {
	sim.Reset()
	h := newHarness(t, []opc.ServerConfig{daServer("s1", "rc-one")}, nil, 100)
	h.start(t)
	h.waitState(t, "s1", driver.StateConnected)
	before, _ := h.mgr.Worker("s1")

	servers := []opc.ServerConfig{daServer("s1", "rc-one"), daServer("s2", "rc-two")}
	require.NoError(t, h.mgr.Reconfigure(context.Background(), servers, nil))
	h.waitState(t, "s2", driver.StateConnected)
	after, _ := h.mgr.Worker("s1")
	assert.Same(t, before, after, "unchanged worker must keep running")

	require.NoError(t, h.mgr.Reconfigure(context.Background(), servers[1:], nil))
	status := h.mgr.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "s2", status[0].ID)
	_, err := h.mgr.Connection("s1")
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestDisabledServerNotStarted(t *testing.T) {
	sim.Reset()
	cfg := daServer("off", "off-plant")
	cfg.Enabled = false
	h := newHarness(t, []opc.ServerConfig{cfg}, nil, 100)
	h.start(t)

	time.Sleep(100 * time.Millisecond)
	st, err := h.mgr.Connection("off")
	require.NoError(t, err)
	assert.Equal(t, driver.StateDisconnected, st.State)
	assert.False(t, st.Enabled)
}

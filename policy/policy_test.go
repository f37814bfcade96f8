package policy

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opclink/opc"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func writableTag(id string, dt opc.DataType) *opc.TagDefinition {
	return &opc.TagDefinition{ID: id, ServerID: "srv", NodeAddress: "ns=2;s=" + id, DataType: dt, Writable: true}
}

func fptr(f float64) *float64 { return &f }

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pat, s string
		want   bool
	}{
		{"line1/*", "line1/pump/speed", true},
		{"line1/*", "line2/pump", false},
		{"*speed", "line1/pump/speed", true},
		{"line?/pump", "line3/pump", true},
		{"line?/pump", "line10/pump", false},
		{"*", "", true},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxbyy", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, globMatch(tt.pat, tt.s), "%s ~ %s", tt.pat, tt.s)
	}
}

func TestMostSpecificPolicyWins(t *testing.T) {
	e := NewEngine(Options{})
	require.NoError(t, e.LoadPolicies([]WriteLimitPolicy{
		{TagPattern: "*", MaxWritesPerInterval: 100, Interval: time.Minute},
		{TagPattern: "line1/*", MaxWritesPerInterval: 10, Interval: time.Minute},
		{TagPattern: "line1/valve*", MaxWritesPerInterval: 5, Interval: time.Minute},
		{TagPattern: "line1/valve7", MaxWritesPerInterval: 1, Interval: time.Minute},
	}, nil))

	tests := []struct {
		tag  string
		want string
	}{
		{"line1/valve7", "line1/valve7"},
		{"line1/valve3", "line1/valve*"},
		{"line1/pump", "line1/*"},
		{"line2/pump", "*"},
	}
	for _, tt := range tests {
		p, ok := e.Resolve(tt.tag)
		require.True(t, ok)
		assert.Equal(t, tt.want, p.TagPattern, tt.tag)
	}
}

func TestNoPolicyAlwaysAllowed(t *testing.T) {
	e := NewEngine(Options{})
	require.NoError(t, e.LoadPolicies([]WriteLimitPolicy{
		{TagPattern: "line1/*", MaxWritesPerInterval: 1, Interval: time.Hour},
	}, nil))

	tag := writableTag("line2/setpoint", opc.TypeDouble)
	for i := 0; i < 50; i++ {
		req := WriteRequest{TagID: tag.ID, Value: float64(i), Requester: "op"}
		ev, err := e.Evaluate(req, tag)
		require.NoError(t, err)
		assert.Equal(t, Allowed, ev.Decision)
		e.RecordSuccessfulWrite(ev.Request)
	}
}

func TestRateLimitExactlyK(t *testing.T) {
	clock := newClock()
	e := NewEngine(Options{Now: clock.Now})
	const k = 3
	require.NoError(t, e.LoadPolicies([]WriteLimitPolicy{
		{TagPattern: "line1/*", MaxWritesPerInterval: k, Interval: 10 * time.Second},
	}, nil))
	tag := writableTag("line1/speed", opc.TypeInt)

	for i := 0; i < k; i++ {
		ev, err := e.Evaluate(WriteRequest{TagID: tag.ID, Value: i, Requester: "op"}, tag)
		require.NoError(t, err, "write %d", i)
		e.RecordSuccessfulWrite(ev.Request)
		clock.Advance(time.Second)
	}

	_, err := e.Evaluate(WriteRequest{TagID: tag.ID, Value: 99, Requester: "op"}, tag)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimitExceeded))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonRateLimitExceeded, rej.Reason)

	// the first write leaves the window after 10s from its commit
	clock.Advance(7*time.Second + time.Millisecond)
	_, err = e.Evaluate(WriteRequest{TagID: tag.ID, Value: 100, Requester: "op"}, tag)
	assert.NoError(t, err)
}

func TestInFlightWritesCountAgainstQuota(t *testing.T) {
	e := NewEngine(Options{})
	require.NoError(t, e.LoadPolicies([]WriteLimitPolicy{
		{TagPattern: "valve", MaxWritesPerInterval: 2, Interval: time.Minute},
	}, nil))
	tag := writableTag("valve", opc.TypeBool)

	_, err := e.Evaluate(WriteRequest{TagID: "valve", Value: true}, tag)
	require.NoError(t, err)
	_, err = e.Evaluate(WriteRequest{TagID: "valve", Value: false}, tag)
	require.NoError(t, err)
	_, err = e.Evaluate(WriteRequest{TagID: "valve", Value: true}, tag)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestFailedWriteDoesNotConsumeQuota(t *testing.T) {
	e := NewEngine(Options{})
	require.NoError(t, e.LoadPolicies([]WriteLimitPolicy{
		{TagPattern: "valve", MaxWritesPerInterval: 1, Interval: time.Minute},
	}, nil))
	tag := writableTag("valve", opc.TypeBool)

	for i := 0; i < 5; i++ {
		ev, err := e.Evaluate(WriteRequest{TagID: "valve", Value: true}, tag)
		require.NoError(t, err, "attempt %d", i)
		e.RecordFailedWrite(ev.Request)
	}
	used, max := e.Usage("valve")
	assert.Equal(t, 0, used)
	assert.Equal(t, 1, max)

	ev, err := e.Evaluate(WriteRequest{TagID: "valve", Value: true}, tag)
	require.NoError(t, err)
	e.RecordSuccessfulWrite(ev.Request)
	_, err = e.Evaluate(WriteRequest{TagID: "valve", Value: true}, tag)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestInvalidValue(t *testing.T) {
	e := NewEngine(Options{})
	require.NoError(t, e.LoadPolicies(nil, []ValidationRule{
		{TagPattern: "tank/level_sp", Min: fptr(0), Max: fptr(100)},
		{TagPattern: "mode", AllowedValues: []interface{}{"auto", "manual"}},
	}))

	tests := []struct {
		name    string
		tag     *opc.TagDefinition
		value   interface{}
		wantErr bool
	}{
		{"in range", writableTag("tank/level_sp", opc.TypeDouble), 42.0, false},
		{"above max", writableTag("tank/level_sp", opc.TypeDouble), 120.0, true},
		{"below min", writableTag("tank/level_sp", opc.TypeDouble), -1.0, true},
		{"wrong type", writableTag("tank/level_sp", opc.TypeDouble), "high", true},
		{"allowed enum", writableTag("mode", opc.TypeString), "auto", false},
		{"disallowed enum", writableTag("mode", opc.TypeString), "off", true},
		{"read only", &opc.TagDefinition{ID: "ro", DataType: opc.TypeInt}, 1, true},
		{"unknown tag", nil, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "ro"
			if tt.tag != nil {
				id = tt.tag.ID
			}
			ev, err := e.Evaluate(WriteRequest{TagID: id, Value: tt.value}, tt.tag)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidValue)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, ev.Value)
		})
	}
}

func TestConfirmation(t *testing.T) {
	clock := newClock()
	var mu sync.Mutex
	var expired []Evaluation
	e := NewEngine(Options{
		Now:                 clock.Now,
		ConfirmationTimeout: 30 * time.Second,
		OnExpire: func(ev Evaluation) {
			mu.Lock()
			expired = append(expired, ev)
			mu.Unlock()
		},
	})
	require.NoError(t, e.LoadPolicies([]WriteLimitPolicy{
		{TagPattern: "reactor/*", MaxWritesPerInterval: 1, Interval: time.Minute, RequiresConfirmation: true},
	}, nil))
	tag := writableTag("reactor/temp_sp", opc.TypeDouble)

	t.Run("confirm releases write", func(t *testing.T) {
		ev, err := e.Evaluate(WriteRequest{TagID: tag.ID, Value: 80.0, Requester: "alice", CorrelationID: "c1"}, tag)
		require.NoError(t, err)
		assert.Equal(t, Pending, ev.Decision)
		assert.Len(t, e.Pending(), 1)

		confirmed, err := e.Confirm("c1", "bob")
		require.NoError(t, err)
		assert.Equal(t, Allowed, confirmed.Decision)
		assert.Equal(t, 80.0, confirmed.Value)
		e.RecordSuccessfulWrite(confirmed.Request)
		assert.Empty(t, e.Pending())

		_, err = e.Confirm("c1", "bob")
		assert.ErrorIs(t, err, ErrUnknownCorrelation)
	})

	t.Run("unconfirmed write expires", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		_, err := e.Evaluate(WriteRequest{TagID: tag.ID, Value: 81.0, Requester: "alice", CorrelationID: "c2"}, tag)
		require.NoError(t, err)

		clock.Advance(31 * time.Second)
		assert.Equal(t, 1, e.ExpirePending())
		mu.Lock()
		require.Len(t, expired, 1)
		assert.Equal(t, "c2", expired[0].Request.CorrelationID)
		mu.Unlock()

		// expired reservation is returned to the window
		used, _ := e.Usage(tag.ID)
		assert.Equal(t, 0, used)
	})

	t.Run("late confirm reports timeout", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		_, err := e.Evaluate(WriteRequest{TagID: tag.ID, Value: 82.0, CorrelationID: "c3"}, tag)
		require.NoError(t, err)
		clock.Advance(45 * time.Second)
		_, err = e.Confirm("c3", "bob")
		assert.ErrorIs(t, err, ErrConfirmationTimeout)
	})

	t.Run("cancel", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		ev, err := e.Evaluate(WriteRequest{TagID: tag.ID, Value: 83.0}, tag)
		require.NoError(t, err)
		assert.NotEmpty(t, ev.Request.CorrelationID, "correlation id is generated")
		assert.True(t, e.Cancel(ev.Request.CorrelationID))
		assert.False(t, e.Cancel(ev.Request.CorrelationID))
	})
}

func TestLoadPoliciesAtomic(t *testing.T) {
	e := NewEngine(Options{})
	setA := []WriteLimitPolicy{{TagPattern: "a/*", MaxWritesPerInterval: 1000, Interval: time.Hour}}
	setB := []WriteLimitPolicy{
		{TagPattern: "b/*", MaxWritesPerInterval: 1000, Interval: time.Hour},
		{TagPattern: "c/*", MaxWritesPerInterval: 1000, Interval: time.Hour},
	}
	require.NoError(t, e.LoadPolicies(setA, nil))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				_ = e.LoadPolicies(setB, nil)
			} else {
				_ = e.LoadPolicies(setA, nil)
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		ps := e.Policies()
		switch len(ps) {
		case 1:
			assert.Equal(t, "a/*", ps[0].TagPattern)
		case 2:
			assert.Equal(t, "b/*", ps[0].TagPattern)
			assert.Equal(t, "c/*", ps[1].TagPattern)
		default:
			t.Fatalf("observed half-updated set of %d policies", len(ps))
		}
	}
	close(stop)
	wg.Wait()
}

func TestLoadPoliciesRejectsBadSet(t *testing.T) {
	e := NewEngine(Options{})
	require.NoError(t, e.LoadPolicies([]WriteLimitPolicy{{TagPattern: "x", MaxWritesPerInterval: 1, Interval: time.Second}}, nil))

	err := e.LoadPolicies([]WriteLimitPolicy{{TagPattern: "y", MaxWritesPerInterval: 5}}, nil)
	require.Error(t, err)
	// previous set remains in effect
	p, ok := e.Resolve("x")
	require.True(t, ok)
	assert.Equal(t, "x", p.TagPattern)

	err = e.LoadPolicies(nil, []ValidationRule{{TagPattern: "z", Min: fptr(10), Max: fptr(1)}})
	assert.Error(t, err)
}

func TestRateWindowSurvivesReload(t *testing.T) {
	e := NewEngine(Options{})
	pol := []WriteLimitPolicy{{TagPattern: "valve", MaxWritesPerInterval: 1, Interval: time.Hour}}
	require.NoError(t, e.LoadPolicies(pol, nil))
	tag := writableTag("valve", opc.TypeBool)

	ev, err := e.Evaluate(WriteRequest{TagID: "valve", Value: true}, tag)
	require.NoError(t, err)
	e.RecordSuccessfulWrite(ev.Request)

	require.NoError(t, e.LoadPolicies(pol, nil))
	_, err = e.Evaluate(WriteRequest{TagID: "valve", Value: true}, tag)
	assert.ErrorIs(t, err, ErrRateLimitExceeded, "unchanged pattern keeps its counter")

	require.NoError(t, e.LoadPolicies([]WriteLimitPolicy{{TagPattern: "val*", MaxWritesPerInterval: 1, Interval: time.Hour}}, nil))
	_, err = e.Evaluate(WriteRequest{TagID: "valve", Value: true}, tag)
	assert.NoError(t, err, "new pattern starts a fresh window")
}

func TestConcurrentEvaluateNeverExceedsQuota(t *testing.T) {
	e := NewEngine(Options{})
	const k = 10
	require.NoError(t, e.LoadPolicies([]WriteLimitPolicy{{TagPattern: "*", MaxWritesPerInterval: k, Interval: time.Hour}}, nil))
	tag := writableTag("hot", opc.TypeInt)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev, err := e.Evaluate(WriteRequest{TagID: "hot", Value: i, CorrelationID: fmt.Sprint(i)}, tag)
			if err != nil {
				return
			}
			e.RecordSuccessfulWrite(ev.Request)
			mu.Lock()
			accepted++
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, k, accepted)
}

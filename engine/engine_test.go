package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opclink/config"
	"opclink/driver"
	"opclink/inference"
	"opclink/metrics"
	"opclink/opc"
	"opclink/policy"
	"opclink/sim"
	"opclink/transport"
)

const fahrenheitModel = `model_name: fahrenheit
version: "1"
runtime: linear
input_schema: {c: double}
output_schema: {f: double}
linear:
  f: {weights: {c: 1.8}, bias: 32}
thresholds:
  f: {max: 150}
`

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) of(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func writeModel(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testConfig(t *testing.T, plant string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Batch.Interval = 20 * time.Millisecond
	cfg.Reconnect.Base = 20 * time.Millisecond
	cfg.Reconnect.Max = 100 * time.Millisecond
	cfg.ShutdownGrace = 2 * time.Second
	cfg.PollRate = 50 * time.Millisecond
	cfg.Servers = []opc.ServerConfig{
		{ID: "line1", Protocol: opc.ProtocolDA, Endpoint: "sim://" + plant, Enabled: true},
	}
	cfg.Tags = []opc.TagDefinition{
		{ID: "tank.temp", ServerID: "line1", NodeAddress: "Tank.Temp", DataType: opc.TypeDouble},
		{ID: "tank.setpoint", ServerID: "line1", NodeAddress: "Tank.Setpoint", DataType: opc.TypeDouble, Writable: true},
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, path string) (*Engine, *transport.Memory, *recorder) {
	t.Helper()
	mem := transport.NewMemory("test")
	rec := &recorder{}
	e := New(Config{
		AppConfig:  cfg,
		ConfigPath: path,
		Metrics:    metrics.NewRegistry(),
		Registry:   driver.NewRegistry(),
		Publishers: []transport.Publisher{mem},
	})
	e.Events.Subscribe(rec.record)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Stop(context.Background()) })
	return e, mem, rec
}

func waitConnected(t *testing.T, e *Engine, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := e.GetConnections().Connection(id)
		return err == nil && st.State == driver.StateConnected
	}, 3*time.Second, 10*time.Millisecond, "connection %s never connected", id)
}

func TestEnginePublishesValuesAndInference(t *testing.T) {
	sim.Reset()
	srv := sim.Lookup("engine-plant")
	srv.AddItem("Tank.Temp", 20.0, false)
	srv.AddItem("Tank.Setpoint", 50.0, true)

	cfg := testConfig(t, "engine-plant")
	cfg.Models = []config.ModelConfig{{Name: "fahrenheit", Location: writeModel(t, t.TempDir(), "f.yaml", fahrenheitModel)}}
	cfg.ModelBindings = []inference.ModelBinding{{Model: "fahrenheit", Features: map[string]string{"c": "tank.temp"}}}

	e, mem, rec := newTestEngine(t, cfg, "")

	require.Len(t, rec.of(EventModelLoaded), 1)
	assert.Equal(t, "fahrenheit", rec.of(EventModelLoaded)[0].Payload.(ModelEvent).Name)

	waitConnected(t, e, "line1")
	require.Eventually(t, func() bool {
		return len(mem.OfKind(transport.KindInferenceOutput)) > 0
	}, 3*time.Second, 10*time.Millisecond)

	out := mem.OfKind(transport.KindInferenceOutput)[0].(transport.EdgeInferenceOutput)
	assert.Equal(t, "fahrenheit", out.ModelName)
	assert.InDelta(t, 68.0, out.Results["f"], 1e-9)
	assert.Equal(t, string(inference.StatusSuccess), out.Status)
	// Realtime points go out on the batch flush, after the inference output.
	assert.Eventually(t, func() bool {
		for _, id := range mem.TagIDs() {
			if id == "tank.temp" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	assert.NotEmpty(t, rec.of(EventConnectionState))
	assert.NotEmpty(t, rec.of(EventInferenceOutput))
}

func TestEngineWriteEmitsAuditEvent(t *testing.T) {
	sim.Reset()
	srv := sim.Lookup("write-engine-plant")
	srv.AddItem("Tank.Temp", 20.0, false)
	srv.AddItem("Tank.Setpoint", 50.0, true)

	cfg := testConfig(t, "write-engine-plant")
	cfg.WritePolicies = []policy.WriteLimitPolicy{{TagPattern: "tank.*", MaxWritesPerInterval: 1, Interval: time.Minute}}
	e, mem, rec := newTestEngine(t, cfg, "")
	waitConnected(t, e, "line1")

	res, err := e.GetConnections().Write(context.Background(), policy.WriteRequest{TagID: "tank.setpoint", Value: 55.0, Requester: "op1"})
	require.NoError(t, err)
	assert.Equal(t, transport.OutcomeWritten, res.Outcome)

	_, err = e.GetConnections().Write(context.Background(), policy.WriteRequest{TagID: "tank.setpoint", Value: 56.0, Requester: "op1"})
	require.Error(t, err)

	writes := rec.of(EventWriteLogged)
	require.Len(t, writes, 2)
	assert.Equal(t, transport.OutcomeWritten, writes[0].Payload.(WriteEvent).Log.Outcome)
	assert.Equal(t, transport.OutcomeRejected, writes[1].Payload.(WriteEvent).Log.Outcome)
	assert.Len(t, mem.OfKind(transport.KindCriticalWriteLog), 2)

	v, ok := srv.Value("Tank.Setpoint")
	require.True(t, ok)
	assert.Equal(t, 55.0, v.Value)
}

func TestApplyAddsServerAndRejectsInvalid(t *testing.T) {
	sim.Reset()
	sim.Lookup("apply-plant").AddItem("Tank.Temp", 1.0, false)
	sim.Lookup("apply-plant-2").AddItem("Flow", 2.0, false)

	e, _, rec := newTestEngine(t, testConfig(t, "apply-plant"), "")

	next := cloneConfig(e.GetConfig())
	next.Servers = append(next.Servers, opc.ServerConfig{ID: "line2", Protocol: opc.ProtocolDA, Endpoint: "sim://apply-plant-2", Enabled: true})
	next.Tags = append(append([]opc.TagDefinition(nil), next.Tags...), opc.TagDefinition{ID: "flow", ServerID: "line2", NodeAddress: "Flow"})
	require.NoError(t, e.Apply(context.Background(), next))

	waitConnected(t, e, "line2")
	require.Len(t, rec.of(EventConnectionAdded), 1)
	assert.Equal(t, "line2", rec.of(EventConnectionAdded)[0].Payload.(ServerEvent).ID)
	assert.Len(t, rec.of(EventConfigApplied), 1)

	bad := cloneConfig(e.GetConfig())
	bad.Tags = append(append([]opc.TagDefinition(nil), bad.Tags...), opc.TagDefinition{ID: "ghost", ServerID: "nowhere", NodeAddress: "X"})
	err := e.Apply(context.Background(), bad)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Len(t, rec.of(EventConfigRejected), 1)
	assert.Nil(t, e.GetConfig().FindTag("ghost"))
	assert.NotNil(t, e.GetConfig().FindServer("line2"))
}

func TestSetServerEnabledPersists(t *testing.T) {
	sim.Reset()
	sim.Lookup("toggle-plant").AddItem("Tank.Temp", 1.0, false)

	path := filepath.Join(t.TempDir(), "opclink.yaml")
	cfg := testConfig(t, "toggle-plant")
	require.NoError(t, cfg.Save(path))

	e, _, _ := newTestEngine(t, cfg, path)
	waitConnected(t, e, "line1")

	require.NoError(t, e.SetServerEnabled(context.Background(), "line1", false))
	st, err := e.GetConnections().Connection("line1")
	require.NoError(t, err)
	assert.False(t, st.Enabled)

	saved, err := config.Load(path)
	require.NoError(t, err)
	assert.False(t, saved.FindServer("line1").Enabled)

	assert.ErrorIs(t, e.SetServerEnabled(context.Background(), "nope", true), ErrNotFound)
}

func TestAddAndRemoveModel(t *testing.T) {
	sim.Reset()
	sim.Lookup("model-plant").AddItem("Tank.Temp", 1.0, false)
	dir := t.TempDir()

	e, _, rec := newTestEngine(t, testConfig(t, "model-plant"), "")
	ctx := context.Background()

	require.NoError(t, e.AddModel(ctx, "fahrenheit", writeModel(t, dir, "f.yaml", fahrenheitModel)))
	_, ok := e.GetPipeline().Model("fahrenheit")
	assert.True(t, ok)
	assert.NotNil(t, e.GetConfig().FindModel("fahrenheit"))

	err := e.AddModel(ctx, "celsius", writeModel(t, dir, "c.yaml", fahrenheitModel))
	require.ErrorIs(t, err, ErrModelMismatch)
	assert.NotEmpty(t, rec.of(EventModelFailed))
	_, ok = e.GetPipeline().Model("fahrenheit")
	assert.True(t, ok, "a misnamed artifact must not displace the configured model")

	bound := cloneConfig(e.GetConfig())
	bound.ModelBindings = []inference.ModelBinding{{Model: "fahrenheit", Features: map[string]string{"c": "tank.temp"}}}
	require.NoError(t, e.Apply(ctx, bound))
	assert.ErrorIs(t, e.RemoveModel(ctx, "fahrenheit"), ErrModelInUse)

	unbound := cloneConfig(e.GetConfig())
	unbound.ModelBindings = nil
	require.NoError(t, e.Apply(ctx, unbound))

	require.NoError(t, e.RemoveModel(ctx, "fahrenheit"))
	_, ok = e.GetPipeline().Model("fahrenheit")
	assert.False(t, ok)
	assert.Len(t, rec.of(EventModelUnloaded), 1)
	assert.ErrorIs(t, e.RemoveModel(ctx, "fahrenheit"), ErrNotFound)
}

func TestReloadConfigFromFile(t *testing.T) {
	sim.Reset()
	sim.Lookup("reload-plant").AddItem("Tank.Temp", 1.0, false)

	path := filepath.Join(t.TempDir(), "opclink.yaml")
	cfg := testConfig(t, "reload-plant")
	require.NoError(t, cfg.Save(path))
	e, _, _ := newTestEngine(t, cfg, path)

	edited := cloneConfig(cfg)
	edited.WritePolicies = []policy.WriteLimitPolicy{{TagPattern: "tank.setpoint", RequiresConfirmation: true}}
	require.NoError(t, edited.Save(path))

	require.NoError(t, e.ReloadConfig(context.Background()))
	require.Len(t, e.GetPolicy().Policies(), 1)
	assert.True(t, e.GetPolicy().Policies()[0].RequiresConfirmation)

	require.NoError(t, os.WriteFile(path, []byte("namespace: [broken"), 0o644))
	require.Error(t, e.ReloadConfig(context.Background()))
	assert.Len(t, e.GetPolicy().Policies(), 1)
}

func TestApplyBeforeStart(t *testing.T) {
	e := New(Config{Metrics: metrics.NewRegistry()})
	assert.ErrorIs(t, e.Apply(context.Background(), config.DefaultConfig()), ErrNotStarted)
	assert.NoError(t, e.Stop(context.Background()))
}

// Package engine wires the runtime together: configuration, transports,
// write policy, edge inference and the connection manager. The API, TUI
// and CLI are thin consumers of an Engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opclink/buffer"
	"opclink/config"
	"opclink/connman"
	"opclink/driver"
	"opclink/inference"
	"opclink/logging"
	"opclink/metrics"
	"opclink/modelstore"
	"opclink/opc"
	"opclink/policy"
	"opclink/transport"
)

// publishTimeout bounds publishing one inference output.
const publishTimeout = 5 * time.Second

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	Logger     *slog.Logger
	Metrics    *metrics.Registry
	// Registry overrides the connection factories, for tests.
	Registry *driver.Registry
	// Publishers replaces the publishers built from AppConfig.Transports.
	Publishers []transport.Publisher
	// Watch reloads ConfigPath when it changes on disk.
	Watch bool
}

// Engine owns every runtime component.
type Engine struct {
	cfgMu      sync.RWMutex
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	params     Config

	metrics  *metrics.Registry
	fanout   *transport.Fanout
	policy   *policy.Engine
	store    *modelstore.Store
	pipeline *inference.Pipeline
	feeder   *inference.Feeder
	conns    *connman.Manager
	watcher  *config.Watcher

	// applyMu serializes configuration changes.
	applyMu sync.Mutex
	models  map[string]string // model name -> location loaded from

	Events *EventBus

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a new Engine. Call Start to build and run the components.
func New(c Config) *Engine {
	if c.AppConfig == nil {
		c.AppConfig = config.DefaultConfig()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.DefaultRegistry()
	}
	return &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		logger:     logging.OrDiscard(c.Logger),
		params:     c,
		metrics:    c.Metrics,
		models:     make(map[string]string),
		Events:     NewEventBus(c.Logger),
	}
}

// Start builds every component from the configuration and starts them.
// Servers that cannot be reached do not fail Start; they keep retrying in
// the background.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}
	cfg := e.GetConfig()
	e.ctx, e.cancel = context.WithCancel(context.Background())

	// Transports
	pubs := e.params.Publishers
	if pubs == nil {
		pubs = e.buildPublishers(cfg)
	}
	e.fanout = transport.NewFanout(e.logger, e.metrics, pubs...)
	e.startPublishers(ctx, pubs)

	// Write policy
	e.policy = policy.NewEngine(policy.Options{
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		Logger:              e.logger,
		OnExpire:            e.writeExpired,
	})
	if err := e.policy.LoadPolicies(cfg.WritePolicies, cfg.ValidationRules); err != nil {
		return e.abort(fmt.Errorf("load write policies: %w", err))
	}
	e.goRun(e.policy.Run)

	// Edge inference
	e.store = modelstore.New(cfg.ModelStore, e.logger)
	e.pipeline = inference.NewPipeline(inference.Options{
		Source:   e.store,
		Logger:   e.logger,
		Observer: e.metrics,
	})
	e.syncModels(ctx, cfg.Models)
	e.feeder = inference.NewFeeder(e.pipeline, inference.FeederOptions{
		Logger:   e.logger,
		OnOutput: e.inferenceOutput,
	})
	if err := e.feeder.SetBindings(cfg.ModelBindings); err != nil {
		return e.abort(fmt.Errorf("model bindings: %w", err))
	}
	e.goRun(e.feeder.Run)

	// Connections
	overflow, err := buffer.ParseOverflowPolicy(cfg.Buffer.Overflow)
	if err != nil {
		return e.abort(err)
	}
	e.conns, err = connman.NewManager(connman.Options{
		Registry:  e.params.Registry,
		Publisher: e.fanout,
		Policy:    e.policy,
		Values:    e.feeder,
		Observer:  e.metrics,
		Logger:    e.logger,
		Hooks: connman.Hooks{
			OnStatus: func(s connman.ConnectionStatus) { e.emit(EventConnectionState, ConnectionEvent{Status: s}) },
			OnWrite:  func(l transport.CriticalWriteLog) { e.emit(EventWriteLogged, WriteEvent{Log: l}) },
			OnAlarm: func(id string, ev opc.AlarmEvent) {
				e.emit(EventAlarm, AlarmEvent{ConnectionID: id, Alarm: ev})
			},
			OnUplink: func(up bool) { e.emit(EventUplinkChanged, UplinkEvent{Available: up}) },
		},
		Buffer: buffer.Options{
			Capacity:       cfg.Buffer.Capacity,
			Overflow:       overflow,
			DrainBatchSize: cfg.Buffer.DrainBatchSize,
		},
		Backoff: connman.Backoff{
			Base:       cfg.Reconnect.Base,
			Max:        cfg.Reconnect.Max,
			Multiplier: cfg.Reconnect.Multiplier,
			Jitter:     cfg.Reconnect.Jitter,
		},
		BatchInterval: cfg.Batch.Interval,
		MaxBatch:      cfg.Batch.MaxPoints,
		ShutdownGrace: cfg.ShutdownGrace,
	}, cfg.Servers, withScanRate(cfg.Tags, cfg.PollRate))
	if err != nil {
		return e.abort(err)
	}
	if err := e.conns.Start(ctx); err != nil {
		e.logger.Warn("startup interrupted", "error", err)
	}

	if e.params.Watch && e.configPath != "" {
		w, err := config.NewWatcher(e.configPath, cfg, config.WatcherOptions{
			Logger:   e.logger,
			OnChange: func(next *config.Config) { _ = e.Apply(e.ctx, next) },
			OnError: func(err error) {
				e.emit(EventConfigRejected, SystemEvent{Detail: err.Error()})
			},
		})
		if err != nil {
			e.logger.Warn("config watcher not started", "path", e.configPath, "error", err)
		} else {
			e.watcher = w
		}
	}

	e.applyMu.Lock()
	e.started = true
	e.applyMu.Unlock()
	e.logger.Info("engine started",
		"namespace", cfg.Namespace,
		"servers", len(cfg.Servers),
		"tags", len(cfg.Tags),
		"publishers", len(pubs),
		"models", len(e.pipeline.Models()))
	return nil
}

// withScanRate gives tags without a scan rate the configured poll rate.
func withScanRate(tags []opc.TagDefinition, rate time.Duration) []opc.TagDefinition {
	if rate <= 0 {
		return tags
	}
	out := make([]opc.TagDefinition, len(tags))
	for i, t := range tags {
		if t.ScanRate <= 0 {
			t.ScanRate = rate
		}
		out[i] = t
	}
	return out
}

// abort undoes a partial Start.
func (e *Engine) abort(err error) error {
	e.cancel()
	e.wg.Wait()
	e.fanout.Stop()
	if e.pipeline != nil {
		e.pipeline.Close()
	}
	return err
}

func (e *Engine) goRun(fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

// Stop shuts down every component. Connections are stopped first so their
// final flush reaches the transports.
func (e *Engine) Stop(ctx context.Context) error {
	e.applyMu.Lock()
	if !e.started {
		e.applyMu.Unlock()
		return nil
	}
	e.started = false
	e.applyMu.Unlock()

	var errs []error
	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.conns.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("connections: %w", err))
	}
	e.cancel()
	e.wg.Wait()
	e.fanout.Stop()
	e.pipeline.Close()
	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

// Managers provides access to the runtime components.
// *Engine satisfies this interface via its accessor methods.
type Managers interface {
	GetConfig() *config.Config
	GetConfigPath() string
	GetConnections() *connman.Manager
	GetPolicy() *policy.Engine
	GetPipeline() *inference.Pipeline
	GetFeeder() *inference.Feeder
	GetFanout() *transport.Fanout
	GetMetrics() *metrics.Registry
}

// Verify *Engine implements Managers at compile time.
var _ Managers = (*Engine)(nil)

// GetConfig returns the configuration snapshot in effect.
func (e *Engine) GetConfig() *config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

func (e *Engine) GetConfigPath() string { return e.configPath }
func (e *Engine) GetConnections() *connman.Manager { return e.conns }
func (e *Engine) GetPolicy() *policy.Engine { return e.policy }
func (e *Engine) GetPipeline() *inference.Pipeline { return e.pipeline }
func (e *Engine) GetFeeder() *inference.Feeder { return e.feeder }
func (e *Engine) GetFanout() *transport.Fanout { return e.fanout }
func (e *Engine) GetMetrics() *metrics.Registry { return e.metrics }
func (e *Engine) GetModelStore() *modelstore.Store { return e.store }
func (e *Engine) Logger() *slog.Logger { return e.logger }

func (e *Engine) setConfig(c *config.Config) {
	e.cfgMu.Lock()
	e.cfg = c
	e.cfgMu.Unlock()
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}

// writeExpired forwards policy expiries to the connection manager's audit.
func (e *Engine) writeExpired(ev policy.Evaluation) {
	if e.conns != nil {
		e.conns.WriteExpired(ev)
	}
}

// handleBusWrite is the write handler given to bus transports.
func (e *Engine) handleBusWrite(ctx context.Context, cmd transport.WriteCommand) (string, error) {
	if e.conns == nil {
		return transport.OutcomeFailed, ErrNotStarted
	}
	return e.conns.HandleBusWrite(ctx, cmd)
}

// inferenceOutput publishes one model result upstream.
func (e *Engine) inferenceOutput(out inference.Output) {
	b := transport.EdgeInferenceOutput{
		ModelName: out.ModelName,
		Version:   out.Version,
		Results:   out.Results,
		Status:    string(out.Status),
		Exceeded:  out.Exceeded,
		Timestamp: out.Timestamp,
	}
	ctx, cancel := context.WithTimeout(e.ctx, publishTimeout)
	defer cancel()
	if err := e.fanout.Publish(ctx, b); err != nil {
		logging.DebugLog("engine", "inference output %s not published: %v", out.ModelName, err)
	}
	e.emit(EventInferenceOutput, InferenceEvent{Output: b})
}

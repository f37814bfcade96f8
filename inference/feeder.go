package inference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opclink/logging"
	"opclink/opc"
)

// Trigger decides when a bound model runs.
type Trigger string

const (
	TriggerOnChange Trigger = "on_change"
	TriggerInterval Trigger = "interval"
)

// DefaultTriggerQueue is the number of pending runs the feeder holds
// before new triggers are dropped.
const DefaultTriggerQueue = 256

// ModelBinding maps model input features to live tags.
type ModelBinding struct {
	Model    string            `yaml:"model" json:"model" validate:"required"`
	Features map[string]string `yaml:"features" json:"features" validate:"required,min=1"`
	Trigger  Trigger           `yaml:"trigger,omitempty" json:"trigger,omitempty" validate:"omitempty,oneof=on_change interval"`
	Interval time.Duration     `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// FeederOptions configures a Feeder.
type FeederOptions struct {
	QueueSize int
	Logger    *slog.Logger
	// OnOutput receives every completed run, including failed ones as
	// Status Error outputs. It is called from the feeder's worker.
	OnOutput func(Output)
}

type featureRef struct {
	binding int
	feature string
}

// Feeder keeps the latest value of every bound tag and runs models when
// their trigger fires. Observe never blocks.
type Feeder struct {
	pipeline *Pipeline
	logger   *slog.Logger
	onOutput func(Output)

	mu       sync.Mutex
	bindings []ModelBinding
	byTag    map[string][]featureRef
	latest   map[string]opc.DataValue
	tickers  context.CancelFunc
	runCtx   context.Context

	triggers chan int
	dropped  uint64
}

// NewFeeder creates a feeder over pipeline.
func NewFeeder(pipeline *Pipeline, opts FeederOptions) *Feeder {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultTriggerQueue
	}
	return &Feeder{
		pipeline: pipeline,
		logger:   logging.OrDiscard(opts.Logger),
		onOutput: opts.OnOutput,
		byTag:    make(map[string][]featureRef),
		latest:   make(map[string]opc.DataValue),
		triggers: make(chan int, size),
	}
}

// SetBindings replaces all bindings. Latest values for tags that are still
// bound are kept.
func (f *Feeder) SetBindings(bindings []ModelBinding) error {
	byTag := make(map[string][]featureRef)
	for i, b := range bindings {
		if b.Model == "" {
			return fmt.Errorf("binding %d: model is required", i)
		}
		if b.Trigger == TriggerInterval && b.Interval <= 0 {
			return fmt.Errorf("binding %q: interval trigger needs a positive interval", b.Model)
		}
		for feature, tag := range b.Features {
			byTag[tag] = append(byTag[tag], featureRef{binding: i, feature: feature})
		}
	}

	f.mu.Lock()
	f.bindings = append([]ModelBinding(nil), bindings...)
	f.byTag = byTag
	for tag := range f.latest {
		if _, ok := byTag[tag]; !ok {
			delete(f.latest, tag)
		}
	}
	ctx := f.runCtx
	f.mu.Unlock()

	// Drain triggers that index the old binding list.
	for {
		select {
		case <-f.triggers:
			continue
		default:
		}
		break
	}
	if ctx != nil {
		f.startTickers(ctx)
	}
	return nil
}

// Bindings returns a copy of the current bindings.
func (f *Feeder) Bindings() []ModelBinding {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ModelBinding(nil), f.bindings...)
}

// Observe records a tag value and queues on_change runs for the bindings
// that use it. Bad quality values are ignored.
func (f *Feeder) Observe(tagID string, v opc.DataValue) {
	if v.Quality == opc.QualityBad {
		return
	}
	f.mu.Lock()
	refs, ok := f.byTag[tagID]
	if !ok {
		f.mu.Unlock()
		return
	}
	f.latest[tagID] = v
	var fire []int
	for _, r := range refs {
		if f.bindings[r.binding].Trigger != TriggerInterval {
			fire = append(fire, r.binding)
		}
	}
	f.mu.Unlock()

	for _, idx := range fire {
		f.enqueue(idx)
	}
}

func (f *Feeder) enqueue(idx int) {
	select {
	case f.triggers <- idx:
	default:
		f.mu.Lock()
		f.dropped++
		n := f.dropped
		f.mu.Unlock()
		if n == 1 || n%100 == 0 {
			f.logger.Warn("inference trigger queue full, dropping", "dropped_total", n)
		}
	}
}

// Dropped returns the number of triggers dropped because the queue was full.
func (f *Feeder) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Run executes queued triggers until ctx is done.
func (f *Feeder) Run(ctx context.Context) {
	f.mu.Lock()
	f.runCtx = ctx
	f.mu.Unlock()
	f.startTickers(ctx)

	defer func() {
		f.mu.Lock()
		if f.tickers != nil {
			f.tickers()
			f.tickers = nil
		}
		f.runCtx = nil
		f.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case idx := <-f.triggers:
			f.runBinding(ctx, idx)
		}
	}
}

func (f *Feeder) startTickers(ctx context.Context) {
	f.mu.Lock()
	if f.tickers != nil {
		f.tickers()
	}
	tctx, cancel := context.WithCancel(ctx)
	f.tickers = cancel
	bindings := f.bindings
	f.mu.Unlock()

	for i, b := range bindings {
		if b.Trigger != TriggerInterval {
			continue
		}
		go func(idx int, every time.Duration) {
			t := time.NewTicker(every)
			defer t.Stop()
			for {
				select {
				case <-tctx.Done():
					return
				case <-t.C:
					f.enqueue(idx)
				}
			}
		}(i, b.Interval)
	}
}

// runBinding assembles the feature map for one binding and runs it. A
// binding whose tags have not all reported yet is skipped.
func (f *Feeder) runBinding(ctx context.Context, idx int) {
	f.mu.Lock()
	if idx >= len(f.bindings) {
		f.mu.Unlock()
		return
	}
	b := f.bindings[idx]
	features := make(map[string]interface{}, len(b.Features))
	for feature, tag := range b.Features {
		if v, ok := f.latest[tag]; ok {
			features[feature] = v.Value
		}
	}
	f.mu.Unlock()

	if len(features) < len(b.Features) {
		logging.DebugLog("inference", "%s: waiting for %d of %d features", b.Model, len(b.Features)-len(features), len(b.Features))
		return
	}

	out, err := f.pipeline.Run(ctx, b.Model, features)
	if err != nil {
		f.logger.Warn("inference failed", "model", b.Model, "error", err)
		out = &Output{ModelName: b.Model, Status: StatusError, Timestamp: time.Now()}
		if info, ok := f.pipeline.Model(b.Model); ok {
			out.Version = info.Version
		}
	} else if out.Status == StatusThresholdExceeded {
		f.logger.Info("inference threshold exceeded", "model", b.Model, "outputs", out.Exceeded)
	}
	if f.onOutput != nil {
		f.onOutput(*out)
	}
}

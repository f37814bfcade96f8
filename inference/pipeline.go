// Package inference runs local models over the live tag stream. Models
// are loaded, swapped and unloaded while inference is in progress; each
// call runs against the session it captured at entry.
package inference

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"opclink/logging"
	"opclink/opc"
)

// DefaultDisposeTimeout bounds how long a retired session may take to close.
const DefaultDisposeTimeout = 5 * time.Second

// ArtifactSource opens model artifacts by storage path.
type ArtifactSource interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// fileSource opens plain filesystem paths.
type fileSource struct{}

func (fileSource) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Observer receives inference measurements; the metrics package implements it.
type Observer interface {
	InferenceCompleted(model string, status Status, d time.Duration)
	ModelLoaded(model, version string)
	ModelUnloaded(model string)
}

// Options configures a Pipeline.
type Options struct {
	Source         ArtifactSource
	Logger         *slog.Logger
	Observer       Observer
	DisposeTimeout time.Duration
	Now            func() time.Time
}

// sessionRef is one loaded model version. It is closed once it has been
// retired and the last in-flight call has released it.
type sessionRef struct {
	meta       Metadata
	thresholds map[string]Threshold
	session    Session
	loadedAt   time.Time

	mu      sync.Mutex
	refs    int
	retired bool
	once    sync.Once
	dispose func(*sessionRef)
}

func (r *sessionRef) acquire() {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
}

func (r *sessionRef) release() {
	r.mu.Lock()
	r.refs--
	done := r.retired && r.refs == 0
	r.mu.Unlock()
	if done {
		r.disposeAsync()
	}
}

// disposeAsync closes the session off the caller's goroutine.
func (r *sessionRef) disposeAsync() {
	go r.once.Do(func() { r.dispose(r) })
}

func (r *sessionRef) retire() {
	r.mu.Lock()
	r.retired = true
	done := r.refs == 0
	r.mu.Unlock()
	if done {
		r.disposeAsync()
	}
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	Metadata
	Runtime  string    `json:"runtime"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Pipeline owns at most one active session per model name.
type Pipeline struct {
	mu     sync.RWMutex
	active map[string]*sessionRef
	kinds  map[string]string

	loadMu    sync.Mutex
	loadLocks map[string]*sync.Mutex

	source         ArtifactSource
	logger         *slog.Logger
	observer       Observer
	disposeTimeout time.Duration
	now            func() time.Time
}

// NewPipeline creates an empty pipeline.
func NewPipeline(opts Options) *Pipeline {
	src := opts.Source
	if src == nil {
		src = fileSource{}
	}
	timeout := opts.DisposeTimeout
	if timeout <= 0 {
		timeout = DefaultDisposeTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		active:         make(map[string]*sessionRef),
		kinds:          make(map[string]string),
		loadLocks:      make(map[string]*sync.Mutex),
		source:         src,
		logger:         logging.OrDiscard(opts.Logger),
		observer:       opts.Observer,
		disposeTimeout: timeout,
		now:            now,
	}
}

// lockFor returns the per-model mutex that serialises load and unload.
func (p *Pipeline) lockFor(name string) *sync.Mutex {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	l, ok := p.loadLocks[name]
	if !ok {
		l = &sync.Mutex{}
		p.loadLocks[name] = l
	}
	return l
}

// LoadModel reads the artifact at path, builds a session and swaps it in
// for the model's name. The previous version keeps serving until the swap
// and is closed after its in-flight calls finish.
func (p *Pipeline) LoadModel(ctx context.Context, path string) (Metadata, error) {
	rc, err := p.source.Open(ctx, path)
	if err != nil {
		return Metadata{}, fmt.Errorf("open model %s: %w", path, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return Metadata{}, fmt.Errorf("read model %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}

	art, err := ParseArtifact(data)
	if err != nil {
		return Metadata{}, err
	}
	if art.StoragePath == "" {
		art.StoragePath = path
	}
	return art.Metadata, p.LoadArtifact(ctx, art)
}

// LoadArtifact installs an already parsed artifact.
func (p *Pipeline) LoadArtifact(ctx context.Context, art *Artifact) error {
	if err := art.validate(); err != nil {
		return err
	}
	rt, err := lookupRuntime(art.Runtime)
	if err != nil {
		return fmt.Errorf("model %q: %w", art.ModelName, err)
	}

	l := p.lockFor(art.ModelName)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	sess, err := rt.NewSession(art)
	if err != nil {
		return fmt.Errorf("model %q version %s: %w", art.ModelName, art.Version, err)
	}

	next := &sessionRef{
		meta:       art.Metadata,
		thresholds: art.Thresholds,
		session:    sess,
		loadedAt:   p.now(),
		dispose:    p.disposeSession,
	}

	p.mu.Lock()
	old := p.active[art.ModelName]
	p.active[art.ModelName] = next
	p.kinds[art.ModelName] = rt.Name()
	p.mu.Unlock()

	if old != nil {
		old.retire()
		p.logger.Info("model replaced", "model", art.ModelName, "old_version", old.meta.Version, "version", art.Version)
	} else {
		p.logger.Info("model loaded", "model", art.ModelName, "version", art.Version, "runtime", rt.Name())
	}
	if p.observer != nil {
		p.observer.ModelLoaded(art.ModelName, art.Version)
	}
	return nil
}

// UnloadModel removes the model. In-flight calls complete against the
// session they hold; later calls get ModelNotFound. It reports whether
// the model was loaded.
func (p *Pipeline) UnloadModel(name string) bool {
	l := p.lockFor(name)
	l.Lock()
	defer l.Unlock()

	p.mu.Lock()
	old, ok := p.active[name]
	delete(p.active, name)
	delete(p.kinds, name)
	p.mu.Unlock()

	if !ok {
		return false
	}
	old.retire()
	p.logger.Info("model unloaded", "model", name, "version", old.meta.Version)
	if p.observer != nil {
		p.observer.ModelUnloaded(name)
	}
	return true
}

// disposeSession closes a retired session. It stops waiting after the
// dispose timeout and logs the session as force-released.
func (p *Pipeline) disposeSession(r *sessionRef) {
	done := make(chan error, 1)
	go func() { done <- r.session.Close() }()

	select {
	case err := <-done:
		if err != nil {
			p.logger.Warn("model session close failed", "model", r.meta.ModelName, "version", r.meta.Version, "error", err)
		}
		logging.DebugLog("inference", "disposed %s v%s", r.meta.ModelName, r.meta.Version)
	case <-time.After(p.disposeTimeout):
		p.logger.Error("model session close timed out, force-released",
			"model", r.meta.ModelName, "version", r.meta.Version, "timeout", p.disposeTimeout)
	}
}

// Run validates the feature map against the model's input schema and runs
// one inference. It never returns partial results.
func (p *Pipeline) Run(ctx context.Context, name string, features map[string]interface{}) (*Output, error) {
	p.mu.RLock()
	ref, ok := p.active[name]
	if ok {
		ref.acquire()
	}
	p.mu.RUnlock()
	if !ok {
		return nil, &ModelNotFoundError{Model: name}
	}
	defer ref.release()

	start := time.Now()
	out, err := p.run(ctx, ref, features)
	if p.observer != nil {
		status := StatusError
		if err == nil {
			status = out.Status
		}
		p.observer.InferenceCompleted(name, status, time.Since(start))
	}
	return out, err
}

func (p *Pipeline) run(ctx context.Context, ref *sessionRef, features map[string]interface{}) (out *Output, err error) {
	meta := ref.meta
	inputs := make(map[string]float64, len(meta.InputSchema))
	for _, field := range meta.Inputs() {
		raw, ok := features[field]
		if !ok || raw == nil {
			return nil, &MissingModelInputError{Model: meta.ModelName, Field: field}
		}
		f, ok := opc.ToFloat(raw)
		if !ok {
			return nil, &InferenceError{Model: meta.ModelName, Err: fmt.Errorf("input %q: %T is not numeric", field, raw)}
		}
		inputs[field] = f
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &InferenceError{Model: meta.ModelName, Err: fmt.Errorf("runtime panic: %v", r)}
		}
	}()

	results, err := ref.session.Run(ctx, inputs)
	if err != nil {
		return nil, &InferenceError{Model: meta.ModelName, Err: err}
	}
	for _, name := range meta.Outputs() {
		if _, ok := results[name]; !ok {
			return nil, &InferenceError{Model: meta.ModelName, Err: fmt.Errorf("runtime did not produce output %q", name)}
		}
	}

	out = &Output{
		ModelName: meta.ModelName,
		Version:   meta.Version,
		Results:   make(map[string]float64, len(meta.OutputSchema)),
		Status:    StatusSuccess,
		Timestamp: p.now(),
	}
	for _, name := range meta.Outputs() {
		v := results[name]
		out.Results[name] = v
		if th, ok := ref.thresholds[name]; ok && th.exceeded(v) {
			out.Exceeded = append(out.Exceeded, name)
		}
	}
	if len(out.Exceeded) > 0 {
		out.Status = StatusThresholdExceeded
	}
	return out, nil
}

// Model returns information about a loaded model.
func (p *Pipeline) Model(name string) (ModelInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ref, ok := p.active[name]
	if !ok {
		return ModelInfo{}, false
	}
	return ModelInfo{Metadata: ref.meta, Runtime: p.kinds[name], LoadedAt: ref.loadedAt}, true
}

// Models lists loaded models sorted by name.
func (p *Pipeline) Models() []ModelInfo {
	p.mu.RLock()
	out := make([]ModelInfo, 0, len(p.active))
	for name, ref := range p.active {
		out = append(out, ModelInfo{Metadata: ref.meta, Runtime: p.kinds[name], LoadedAt: ref.loadedAt})
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out
}

// Close unloads every model.
func (p *Pipeline) Close() {
	p.mu.RLock()
	names := make([]string, 0, len(p.active))
	for name := range p.active {
		names = append(names, name)
	}
	p.mu.RUnlock()
	for _, name := range names {
		p.UnloadModel(name)
	}
}

package inference

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// Session is a loaded, runnable model instance. Run may be called
// concurrently; Close is called once, after the last Run returns.
type Session interface {
	Run(ctx context.Context, features map[string]float64) (map[string]float64, error)
	Close() error
}

// Runtime builds sessions from artifacts.
type Runtime interface {
	Name() string
	NewSession(a *Artifact) (Session, error)
}

var (
	runtimesMu sync.RWMutex
	runtimes   = map[string]Runtime{}
)

func init() {
	RegisterRuntime(linearRuntime{})
	RegisterRuntime(zscoreRuntime{})
}

// RegisterRuntime adds a runtime, typically from an init function.
// Registering a name twice replaces the earlier runtime.
func RegisterRuntime(r Runtime) {
	runtimesMu.Lock()
	defer runtimesMu.Unlock()
	runtimes[r.Name()] = r
}

func lookupRuntime(name string) (Runtime, error) {
	runtimesMu.RLock()
	defer runtimesMu.RUnlock()
	r, ok := runtimes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuntime, name)
	}
	return r, nil
}

// linearRuntime evaluates one weighted sum per output.
type linearRuntime struct{}

func (linearRuntime) Name() string { return "linear" }

func (linearRuntime) NewSession(a *Artifact) (Session, error) {
	for _, out := range a.Outputs() {
		spec, ok := a.Linear[out]
		if !ok {
			return nil, fmt.Errorf("linear model %q: no weights for output %q", a.ModelName, out)
		}
		for in := range spec.Weights {
			if _, ok := a.InputSchema[in]; !ok {
				return nil, fmt.Errorf("linear model %q: weight on undeclared input %q", a.ModelName, in)
			}
		}
		switch spec.Activation {
		case "", "none", "sigmoid", "relu", "tanh":
		default:
			return nil, fmt.Errorf("linear model %q: unknown activation %q", a.ModelName, spec.Activation)
		}
	}
	return &linearSession{outputs: a.Linear}, nil
}

type linearSession struct {
	outputs map[string]LinearOutput
}

func (s *linearSession) Run(ctx context.Context, features map[string]float64) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(s.outputs))
	for name, spec := range s.outputs {
		sum := spec.Bias
		for in, w := range spec.Weights {
			sum += w * features[in]
		}
		v := activate(spec.Activation, sum)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("output %q is not finite", name)
		}
		out[name] = v
	}
	return out, nil
}

func (s *linearSession) Close() error { return nil }

func activate(fn string, x float64) float64 {
	switch fn {
	case "sigmoid":
		return 1 / (1 + math.Exp(-x))
	case "relu":
		return math.Max(0, x)
	case "tanh":
		return math.Tanh(x)
	default:
		return x
	}
}

// zscoreRuntime standardises each input against training statistics.
// Outputs named after an input receive its z-score; an output named
// "max_abs" receives the largest absolute z-score.
type zscoreRuntime struct{}

func (zscoreRuntime) Name() string { return "zscore" }

func (zscoreRuntime) NewSession(a *Artifact) (Session, error) {
	for in, st := range a.ZScore {
		if _, ok := a.InputSchema[in]; !ok {
			return nil, fmt.Errorf("zscore model %q: statistics for undeclared input %q", a.ModelName, in)
		}
		if st.StdDev <= 0 {
			return nil, fmt.Errorf("zscore model %q: input %q needs a positive stddev", a.ModelName, in)
		}
	}
	for _, out := range a.Outputs() {
		if out == "max_abs" {
			continue
		}
		if _, ok := a.ZScore[out]; !ok {
			return nil, fmt.Errorf("zscore model %q: output %q has no statistics", a.ModelName, out)
		}
	}
	return &zscoreSession{stats: a.ZScore, outputs: a.Outputs()}, nil
}

type zscoreSession struct {
	stats   map[string]ZScoreFeature
	outputs []string
}

func (s *zscoreSession) Run(ctx context.Context, features map[string]float64) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	z := make(map[string]float64, len(s.stats))
	maxAbs := 0.0
	for in, st := range s.stats {
		v := (features[in] - st.Mean) / st.StdDev
		z[in] = v
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	out := make(map[string]float64, len(s.outputs))
	for _, name := range s.outputs {
		if name == "max_abs" {
			out[name] = maxAbs
		} else {
			out[name] = z[name]
		}
	}
	return out, nil
}

func (s *zscoreSession) Close() error { return nil }

// Package policy enforces write-safety limits before any value is sent to
// equipment: value validation, per-tag rolling rate limits and operator
// confirmation for critical tags.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"opclink/logging"
	"opclink/opc"
)

// DefaultConfirmationTimeout applies when Options leaves it unset.
const DefaultConfirmationTimeout = 30 * time.Second

// WriteLimitPolicy limits writes to tags matching TagPattern.
// MaxWritesPerInterval of 0 disables the rate check for the pattern.
type WriteLimitPolicy struct {
	TagPattern           string        `yaml:"tag_pattern" json:"tag_pattern" validate:"required"`
	MaxWritesPerInterval int           `yaml:"max_writes_per_interval" json:"max_writes_per_interval" validate:"gte=0"`
	Interval             time.Duration `yaml:"interval" json:"interval"`
	RequiresConfirmation bool          `yaml:"requires_confirmation,omitempty" json:"requires_confirmation,omitempty"`
}

// ValidationRule constrains values written to tags matching TagPattern.
type ValidationRule struct {
	TagPattern    string        `yaml:"tag_pattern" json:"tag_pattern" validate:"required"`
	Min           *float64      `yaml:"min,omitempty" json:"min,omitempty"`
	Max           *float64      `yaml:"max,omitempty" json:"max,omitempty"`
	AllowedValues []interface{} `yaml:"allowed_values,omitempty" json:"allowed_values,omitempty"`
}

// WriteRequest is a proposed write. It is evaluated once and never stored
// beyond the pending-confirmation table.
type WriteRequest struct {
	TagID         string      `json:"tag_id"`
	Value         interface{} `json:"value"`
	Requester     string      `json:"requester"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// Decision is the outcome of a successful evaluation.
type Decision int

const (
	// Allowed means forward the write now.
	Allowed Decision = iota
	// Pending means hold the write until Confirm is called.
	Pending
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "Allowed"
	case Pending:
		return "Pending"
	default:
		return "Unknown"
	}
}

// Evaluation is returned for admitted writes. Value holds the request value
// coerced to the tag's data type.
type Evaluation struct {
	Request   WriteRequest      `json:"request"`
	Value     interface{}       `json:"value"`
	Decision  Decision          `json:"decision"`
	Policy    string            `json:"policy,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
	Tag       opc.TagDefinition `json:"tag"`

	reserved bool
}

type compiledPolicy struct {
	WriteLimitPolicy
	pat pattern
}

type compiledRule struct {
	ValidationRule
	pat pattern
}

// policySet is immutable once published.
type policySet struct {
	policies []compiledPolicy
	rules    []compiledRule
	patterns map[string]bool
}

// Options configures an Engine.
type Options struct {
	ConfirmationTimeout time.Duration
	Logger              *slog.Logger
	// OnExpire is called for every pending write discarded unconfirmed.
	OnExpire func(Evaluation)
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine evaluates writes against the active policy set.
type Engine struct {
	set atomic.Pointer[policySet]

	mu      sync.Mutex
	windows map[string]*window
	pending map[string]*Evaluation

	timeout  time.Duration
	logger   *slog.Logger
	onExpire func(Evaluation)
	now      func() time.Time
}

// NewEngine creates an engine with an empty policy set, which allows
// every valid write.
func NewEngine(opts Options) *Engine {
	timeout := opts.ConfirmationTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		windows:  make(map[string]*window),
		pending:  make(map[string]*Evaluation),
		timeout:  timeout,
		logger:   logging.OrDiscard(opts.Logger),
		onExpire: opts.OnExpire,
		now:      now,
	}
	e.set.Store(&policySet{patterns: map[string]bool{}})
	return e
}

// LoadPolicies atomically replaces the complete policy and validation set.
// Evaluations in progress finish against the set they started with.
// Rate windows survive for patterns present in both sets.
func (e *Engine) LoadPolicies(policies []WriteLimitPolicy, rules []ValidationRule) error {
	next := &policySet{patterns: make(map[string]bool, len(policies))}
	for i, p := range policies {
		if p.TagPattern == "" {
			return fmt.Errorf("policy %d: empty tag pattern", i)
		}
		if p.MaxWritesPerInterval < 0 {
			return fmt.Errorf("policy %q: negative max_writes_per_interval", p.TagPattern)
		}
		if p.MaxWritesPerInterval > 0 && p.Interval <= 0 {
			return fmt.Errorf("policy %q: interval required with a rate limit", p.TagPattern)
		}
		next.policies = append(next.policies, compiledPolicy{WriteLimitPolicy: p, pat: compilePattern(p.TagPattern)})
		next.patterns[p.TagPattern] = true
	}
	for i, r := range rules {
		if r.TagPattern == "" {
			return fmt.Errorf("validation rule %d: empty tag pattern", i)
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return fmt.Errorf("validation rule %q: min > max", r.TagPattern)
		}
		next.rules = append(next.rules, compiledRule{ValidationRule: r, pat: compilePattern(r.TagPattern)})
	}

	e.mu.Lock()
	e.set.Store(next)
	for tag, w := range e.windows {
		if !next.patterns[w.pattern] {
			delete(e.windows, tag)
		}
	}
	e.mu.Unlock()

	e.logger.Info("write policies loaded", "policies", len(policies), "validation_rules", len(rules))
	logging.DebugLog("policy", "loaded %d policies, %d validation rules", len(policies), len(rules))
	return nil
}

// Policies returns the active policy set in declaration order.
func (e *Engine) Policies() []WriteLimitPolicy {
	set := e.set.Load()
	out := make([]WriteLimitPolicy, len(set.policies))
	for i, p := range set.policies {
		out[i] = p.WriteLimitPolicy
	}
	return out
}

// Resolve returns the most specific policy matching tagID.
func (e *Engine) Resolve(tagID string) (WriteLimitPolicy, bool) {
	p := resolvePolicy(e.set.Load(), tagID)
	if p == nil {
		return WriteLimitPolicy{}, false
	}
	return p.WriteLimitPolicy, true
}

func resolvePolicy(set *policySet, tagID string) *compiledPolicy {
	var best *compiledPolicy
	for i := range set.policies {
		p := &set.policies[i]
		if !p.pat.match(tagID) {
			continue
		}
		if best == nil || p.pat.moreSpecific(best.pat) {
			best = p
		}
	}
	return best
}

func resolveRule(set *policySet, tagID string) *compiledRule {
	var best *compiledRule
	for i := range set.rules {
		r := &set.rules[i]
		if !r.pat.match(tagID) {
			continue
		}
		if best == nil || r.pat.moreSpecific(best.pat) {
			best = r
		}
	}
	return best
}

// Evaluate checks a write against validation rules, the rate limit and the
// confirmation requirement. Admitted writes hold a quota reservation that
// must be settled with RecordSuccessfulWrite or RecordFailedWrite once the
// protocol write finishes. Pending writes are settled the same way after
// Confirm, or released automatically when they expire.
func (e *Engine) Evaluate(req WriteRequest, tag *opc.TagDefinition) (*Evaluation, error) {
	set := e.set.Load()

	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	value, err := validate(set, req, tag)
	if err != nil {
		return nil, err
	}

	ev := &Evaluation{Request: req, Value: value, Decision: Allowed, Tag: *tag}

	p := resolvePolicy(set, req.TagID)
	if p == nil {
		logging.DebugLog("policy", "%s: no policy, allowed (%s)", req.TagID, req.CorrelationID)
		return ev, nil
	}
	ev.Policy = p.TagPattern

	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.MaxWritesPerInterval > 0 {
		w := e.windowLocked(req.TagID, p.TagPattern)
		if !w.tryReserve(now, p.Interval, p.MaxWritesPerInterval) {
			logging.DebugLog("policy", "%s: rate limit %d/%s reached", req.TagID, p.MaxWritesPerInterval, p.Interval)
			return nil, reject(ReasonRateLimitExceeded, req.TagID,
				"%d writes per %s allowed by %q", p.MaxWritesPerInterval, p.Interval, p.TagPattern)
		}
		ev.reserved = true
	}

	if p.RequiresConfirmation {
		if _, dup := e.pending[req.CorrelationID]; dup {
			if ev.reserved {
				e.releaseLocked(req.TagID)
			}
			return nil, reject(ReasonInvalidValue, req.TagID, "correlation id %s already pending", req.CorrelationID)
		}
		ev.Decision = Pending
		ev.ExpiresAt = now.Add(e.timeout)
		held := *ev
		e.pending[req.CorrelationID] = &held
		e.logger.Info("write held for confirmation",
			"tag", req.TagID, "requester", req.Requester, "correlation_id", req.CorrelationID, "expires_at", ev.ExpiresAt)
	}
	return ev, nil
}

func validate(set *policySet, req WriteRequest, tag *opc.TagDefinition) (interface{}, error) {
	if tag == nil {
		return nil, reject(ReasonInvalidValue, req.TagID, "unknown tag")
	}
	if !tag.Writable {
		return nil, reject(ReasonInvalidValue, req.TagID, "tag is not writable")
	}
	value, err := tag.DataType.Coerce(req.Value)
	if err != nil {
		return nil, reject(ReasonInvalidValue, req.TagID, "%v", err)
	}

	r := resolveRule(set, req.TagID)
	if r == nil {
		return value, nil
	}
	if r.Min != nil || r.Max != nil {
		f, ok := opc.ToFloat(value)
		if !ok {
			return nil, reject(ReasonInvalidValue, req.TagID, "range check needs a numeric value, got %T", value)
		}
		if r.Min != nil && f < *r.Min {
			return nil, reject(ReasonInvalidValue, req.TagID, "%v below minimum %v", f, *r.Min)
		}
		if r.Max != nil && f > *r.Max {
			return nil, reject(ReasonInvalidValue, req.TagID, "%v above maximum %v", f, *r.Max)
		}
	}
	if len(r.AllowedValues) > 0 {
		got := fmt.Sprintf("%v", value)
		for _, a := range r.AllowedValues {
			if fmt.Sprintf("%v", a) == got {
				return value, nil
			}
		}
		return nil, reject(ReasonInvalidValue, req.TagID, "%v is not an allowed value", value)
	}
	return value, nil
}

func (e *Engine) windowLocked(tagID, pattern string) *window {
	w, ok := e.windows[tagID]
	if !ok || w.pattern != pattern {
		w = &window{pattern: pattern}
		e.windows[tagID] = w
	}
	return w
}

func (e *Engine) releaseLocked(tagID string) {
	if w, ok := e.windows[tagID]; ok {
		w.release()
	}
}

// RecordSuccessfulWrite commits the request's quota after the protocol
// write succeeded.
func (e *Engine) RecordSuccessfulWrite(req WriteRequest) {
	p := resolvePolicy(e.set.Load(), req.TagID)
	if p == nil || p.MaxWritesPerInterval == 0 {
		return
	}
	now := e.now()
	e.mu.Lock()
	e.windowLocked(req.TagID, p.TagPattern).commit(now)
	e.mu.Unlock()
}

// RecordFailedWrite returns the request's reservation; a write that failed
// at the protocol layer does not consume quota.
func (e *Engine) RecordFailedWrite(req WriteRequest) {
	p := resolvePolicy(e.set.Load(), req.TagID)
	if p == nil || p.MaxWritesPerInterval == 0 {
		return
	}
	e.mu.Lock()
	e.releaseLocked(req.TagID)
	e.mu.Unlock()
}

// Usage reports how much of the tag's current interval is used, including
// in-flight reservations.
func (e *Engine) Usage(tagID string) (used, max int) {
	p := resolvePolicy(e.set.Load(), tagID)
	if p == nil || p.MaxWritesPerInterval == 0 {
		return 0, 0
	}
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[tagID]
	if !ok {
		return 0, p.MaxWritesPerInterval
	}
	return w.used(now, p.Interval), p.MaxWritesPerInterval
}

// Confirm releases a pending write for forwarding. The caller must settle
// it with RecordSuccessfulWrite or RecordFailedWrite. A request found past
// its deadline is discarded and reported as ConfirmationTimeout.
func (e *Engine) Confirm(correlationID, confirmer string) (*Evaluation, error) {
	now := e.now()
	e.mu.Lock()
	ev, ok := e.pending[correlationID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownCorrelation, correlationID)
	}
	delete(e.pending, correlationID)
	if now.After(ev.ExpiresAt) {
		if ev.reserved {
			e.releaseLocked(ev.Request.TagID)
		}
		e.mu.Unlock()
		e.expired(*ev)
		return nil, reject(ReasonConfirmationTimeout, ev.Request.TagID, "confirmation arrived after %s", e.timeout)
	}
	e.mu.Unlock()

	ev.Decision = Allowed
	e.logger.Info("pending write confirmed",
		"tag", ev.Request.TagID, "requester", ev.Request.Requester, "confirmed_by", confirmer, "correlation_id", correlationID)
	return ev, nil
}

// Cancel drops a pending write without forwarding it.
func (e *Engine) Cancel(correlationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.pending[correlationID]
	if !ok {
		return false
	}
	delete(e.pending, correlationID)
	if ev.reserved {
		e.releaseLocked(ev.Request.TagID)
	}
	return true
}

// Pending lists writes awaiting confirmation, oldest deadline first.
func (e *Engine) Pending() []Evaluation {
	e.mu.Lock()
	out := make([]Evaluation, 0, len(e.pending))
	for _, ev := range e.pending {
		out = append(out, *ev)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// ExpirePending discards every pending write past its deadline and returns
// how many were discarded.
func (e *Engine) ExpirePending() int {
	now := e.now()
	var expired []Evaluation

	e.mu.Lock()
	for id, ev := range e.pending {
		if now.After(ev.ExpiresAt) {
			delete(e.pending, id)
			if ev.reserved {
				e.releaseLocked(ev.Request.TagID)
			}
			expired = append(expired, *ev)
		}
	}
	e.mu.Unlock()

	for _, ev := range expired {
		e.expired(ev)
	}
	return len(expired)
}

func (e *Engine) expired(ev Evaluation) {
	e.logger.Warn("pending write discarded",
		"reason", ReasonConfirmationTimeout,
		"tag", ev.Request.TagID,
		"requester", ev.Request.Requester,
		"correlation_id", ev.Request.CorrelationID)
	if e.onExpire != nil {
		e.onExpire(ev)
	}
}

// Run sweeps expired confirmations until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	interval := e.timeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ExpirePending()
		}
	}
}

package connman

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before each reconnect attempt:
// Base * Multiplier^attempt, capped at Max, spread by ±Jitter.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, 0..1

	// random returns values in [0,1); replaced in tests.
	random func() float64
}

// DefaultBackoff is used for zero fields.
var DefaultBackoff = Backoff{
	Base:       time.Second,
	Max:        time.Minute,
	Multiplier: 2,
	Jitter:     0.2,
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	if b.random == nil {
		b.random = rand.Float64
	}
	return b
}

// Delay returns the wait before attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) || math.IsInf(d, 1) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*b.random() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

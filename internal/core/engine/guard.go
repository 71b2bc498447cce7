package engine

import (
	"math/rand/v2"
	"time"
)

// GuardPolicy bounds how long the drain loop keeps retrying when the server
// keeps answering 429 despite local accounting.
type GuardPolicy struct {
	// MaxStalls is the number of consecutive stalled cycles tolerated before
	// the queue is failed with a LoopGuardError.
	// default: 30
	MaxStalls int

	// BaseDelay is the backoff after the first stalled cycle; it doubles for
	// each further consecutive stall.
	// default: 500ms
	BaseDelay time.Duration

	// MaxDelay caps a single backoff.
	// default: 30s
	MaxDelay time.Duration

	// Jitter spreads each backoff by +/- this fraction (0 disables).
	// default: 0.2
	Jitter float64
}

// DefaultGuardPolicy returns the policy used when none is configured.
func DefaultGuardPolicy() GuardPolicy {
	return GuardPolicy{
		MaxStalls: 30,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  30 * time.Second,
		Jitter:    0.2,
	}
}

func (p GuardPolicy) withDefaults() GuardPolicy {
	def := DefaultGuardPolicy()
	if p == (GuardPolicy{}) {
		return def
	}
	if p.MaxStalls <= 0 {
		p.MaxStalls = def.MaxStalls
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Backoff returns the delay before the cycle following the n-th consecutive
// stall. rnd must return values in [0,1); nil disables jitter.
func (p GuardPolicy) Backoff(n int, rnd func() float64) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}

	delay := p.BaseDelay
	for i := 1; i < n && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 && rnd != nil {
		spread := float64(delay) * p.Jitter
		delay += time.Duration(spread * (2*rnd() - 1))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func defaultRandom() float64 {
	return rand.Float64()
}

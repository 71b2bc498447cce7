package engine

import (
	"context"
	"time"
)

// DefaultSafetyMargin absorbs clock skew between client and server when
// waiting for a quota window to reset.
const DefaultSafetyMargin = time.Second

// NoSafetyMargin disables the margin. A zero SafetyMargin selects the default.
const NoSafetyMargin time.Duration = -1

// Clock abstracts time so the drain loop can be driven deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

// resetDeadline is the earliest instant a new window may be used.
func resetDeadline(reset int64, margin time.Duration) time.Time {
	return time.Unix(reset, 0).Add(margin)
}

// SleepUntil blocks until the window ending at reset (unix seconds) has
// passed plus margin. Each timer fire recomputes the remaining delay and
// re-arms if the deadline is not yet reached, so early wakeups converge on
// the real deadline.
func SleepUntil(ctx context.Context, clock Clock, reset int64, margin time.Duration) error {
	if clock == nil {
		clock = systemClock{}
	}
	deadline := resetDeadline(reset, margin)
	for {
		delay := deadline.Sub(clock.Now())
		if delay <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(delay):
		}
	}
}

// sleepFor waits d on clock; non-positive durations return immediately.
func sleepFor(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

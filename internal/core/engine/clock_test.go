package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stepClock completes every timer immediately, advancing time by the
// requested delay.
type stepClock struct {
	mu     sync.Mutex
	now    time.Time
	waits  []time.Duration
	stride func(time.Duration) time.Duration
}

func newStepClock(now time.Time) *stepClock {
	return &stepClock{now: now}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	step := d
	if c.stride != nil {
		step = c.stride(d)
	}
	c.now = c.now.Add(step)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *stepClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// frozenClock never fires its timers.
type frozenClock struct {
	now time.Time
}

func (c frozenClock) Now() time.Time                       { return c.now }
func (c frozenClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

func TestSleepUntilPastDeadlineReturnsImmediately(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newStepClock(now)

	err := SleepUntil(context.Background(), clock, now.Add(-5*time.Second).Unix(), time.Second)
	require.NoError(t, err)
	require.Empty(t, clock.Waits())
}

func TestSleepUntilWaitsResetPlusMargin(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newStepClock(now)
	reset := now.Add(10 * time.Second).Unix()

	require.NoError(t, SleepUntil(context.Background(), clock, reset, time.Second))
	require.Equal(t, []time.Duration{11 * time.Second}, clock.Waits())
	require.Equal(t, time.Unix(reset, 0).Add(time.Second).UTC(), clock.Now().UTC())
}

func TestSleepUntilRearmsAfterEarlyWakeup(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newStepClock(now)
	clock.stride = func(d time.Duration) time.Duration {
		if d > 100*time.Millisecond {
			return d - 100*time.Millisecond
		}
		return d
	}
	reset := now.Add(5 * time.Second).Unix()

	require.NoError(t, SleepUntil(context.Background(), clock, reset, time.Second))

	waits := clock.Waits()
	require.Len(t, waits, 2)
	require.Equal(t, 6*time.Second, waits[0])
	require.Equal(t, 100*time.Millisecond, waits[1])
	require.False(t, clock.Now().Before(time.Unix(reset, 0).Add(time.Second)))
}

func TestSleepUntilHonorsContext(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepUntil(ctx, frozenClock{now: now}, now.Add(time.Hour).Unix(), time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSleepForNonPositive(t *testing.T) {
	clock := newStepClock(time.Now())
	require.NoError(t, sleepFor(context.Background(), clock, 0))
	require.NoError(t, sleepFor(context.Background(), clock, -time.Second))
	require.Empty(t, clock.Waits())
}

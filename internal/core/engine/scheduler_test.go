package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatsugg/tatsuq/internal/core"
)

type scriptedTransport struct {
	clock   Clock
	handler func(call int, req core.Request) (*core.Response, error)

	mu    sync.Mutex
	calls []core.Request
	times []time.Time
}

func (t *scriptedTransport) Do(ctx context.Context, req core.Request) (*core.Response, error) {
	t.mu.Lock()
	n := len(t.calls)
	t.calls = append(t.calls, req)
	if t.clock != nil {
		t.times = append(t.times, t.clock.Now())
	}
	t.mu.Unlock()
	return t.handler(n, req)
}

func (t *scriptedTransport) Calls() []core.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.Request(nil), t.calls...)
}

func (t *scriptedTransport) Times() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.times...)
}

type recordingObserver struct {
	mu     sync.Mutex
	states []core.RateLimitState
}

func (o *recordingObserver) ObserveQuota(_ context.Context, state core.RateLimitState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
	return nil
}

func (o *recordingObserver) States() []core.RateLimitState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]core.RateLimitState(nil), o.states...)
}

func rateHeaders(limit, remaining int, reset int64) http.Header {
	header := http.Header{}
	header.Set(HeaderRateLimitLimit, strconv.Itoa(limit))
	header.Set(HeaderRateLimitRemaining, strconv.Itoa(remaining))
	header.Set(HeaderRateLimitReset, strconv.FormatInt(reset, 10))
	return header
}

func jsonResponse(status int, body string, header http.Header) *core.Response {
	if header == nil {
		header = http.Header{}
	}
	return &core.Response{StatusCode: status, Header: header, Body: []byte(body)}
}

func newTestScheduler(t *testing.T, transport Transport, opts Options) *Scheduler {
	t.Helper()
	if opts.Random == nil {
		opts.Random = func() float64 { return 0.5 }
	}
	s, err := NewScheduler(transport, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitAll(t *testing.T, futures []*Future) ([]json.RawMessage, []error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bodies := make([]json.RawMessage, len(futures))
	errs := make([]error, len(futures))
	for i, f := range futures {
		bodies[i], errs[i] = f.Wait(ctx)
		require.NotErrorIs(t, errs[i], context.DeadlineExceeded, "future %d never settled", i)
	}
	return bodies, errs
}

func waitIdle(t *testing.T, s *Scheduler) Status {
	t.Helper()
	require.Eventually(t, func() bool {
		st := s.Status()
		return !st.Running && st.InFlight == 0
	}, 5*time.Second, time.Millisecond)
	return s.Status()
}

func gets(n int) []core.Request {
	reqs := make([]core.Request, n)
	for i := range reqs {
		reqs[i] = core.Get(fmt.Sprintf("users/%d/profile", i))
	}
	return reqs
}

func TestSchedulerDispatchesWithinRemainingInOneCycle(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reset := now.Add(time.Minute).Unix()
	clock := newStepClock(now)

	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		// Stale remaining from the same window must not refill local quota.
		return jsonResponse(http.StatusOK, `{"ok":true}`, rateHeaders(10, 9, reset)), nil
	}}
	s := newTestScheduler(t, transport, Options{
		Clock:   clock,
		Initial: &core.RateLimitState{Limit: 10, Remaining: 5, Reset: reset},
	})

	_, errs := waitAll(t, s.SubmitBatch(gets(5)))
	for _, err := range errs {
		require.NoError(t, err)
	}

	st := waitIdle(t, s)
	assert.Equal(t, 1, st.Cycles)
	assert.Equal(t, 0, st.Sleeps)
	assert.Equal(t, PhaseIdle, st.Phase)
	require.NotNil(t, st.RateLimit)
	assert.Equal(t, 0, st.RateLimit.Remaining)
	assert.Len(t, transport.Calls(), 5)
}

func TestSchedulerUnknownQuotaStartsWithSingleRequest(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reset := now.Add(time.Minute).Unix()

	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		return jsonResponse(http.StatusOK, `{}`, rateHeaders(5, 4, reset)), nil
	}}
	s := newTestScheduler(t, transport, Options{Clock: newStepClock(now)})

	_, errs := waitAll(t, s.SubmitBatch(gets(5)))
	for _, err := range errs {
		require.NoError(t, err)
	}

	st := waitIdle(t, s)
	assert.Equal(t, 2, st.Cycles)
	calls := transport.Calls()
	require.Len(t, calls, 5)
	assert.Equal(t, "users/0/profile", calls[0].Target)
	assert.Equal(t, 0, st.RateLimit.Remaining)
}

func TestSchedulerPreservesFIFOWithSerialBudget(t *testing.T) {
	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		return jsonResponse(http.StatusOK, `{}`, nil), nil
	}}
	s := newTestScheduler(t, transport, Options{Clock: newStepClock(time.Now())})

	reqs := gets(6)
	_, errs := waitAll(t, s.SubmitBatch(reqs))
	for _, err := range errs {
		require.NoError(t, err)
	}

	calls := transport.Calls()
	require.Len(t, calls, len(reqs))
	for i := range reqs {
		assert.Equal(t, reqs[i].Target, calls[i].Target)
	}
	assert.Equal(t, 6, waitIdle(t, s).Cycles)
}

func TestSchedulerSleepsUntilResetWhenExhausted(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reset := now.Add(10 * time.Second).Unix()
	clock := newStepClock(now)

	transport := &scriptedTransport{clock: clock, handler: func(call int, req core.Request) (*core.Response, error) {
		return jsonResponse(http.StatusOK, `{"id":"1"}`, rateHeaders(2, 1, reset+60)), nil
	}}
	s := newTestScheduler(t, transport, Options{
		Clock:   clock,
		Initial: &core.RateLimitState{Limit: 2, Remaining: 0, Reset: reset},
	})

	body, err := s.Do(context.Background(), core.Get("users/1/profile"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1"}`, string(body))

	times := transport.Times()
	require.Len(t, times, 1)
	assert.False(t, times[0].Before(time.Unix(reset, 0).Add(DefaultSafetyMargin)))

	st := waitIdle(t, s)
	assert.Equal(t, 1, st.Sleeps)
	assert.Equal(t, 1, st.Cycles)
}

func TestSchedulerHonoursZeroedRemainingFromResponse(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reset := now.Add(30 * time.Second).Unix()
	clock := newStepClock(now)

	transport := &scriptedTransport{clock: clock, handler: func(call int, req core.Request) (*core.Response, error) {
		if call == 0 {
			return jsonResponse(http.StatusOK, `{}`, rateHeaders(3, 0, reset)), nil
		}
		return jsonResponse(http.StatusOK, `{}`, rateHeaders(3, 2, reset+60)), nil
	}}
	s := newTestScheduler(t, transport, Options{Clock: clock})

	_, errs := waitAll(t, s.SubmitBatch(gets(3)))
	for _, err := range errs {
		require.NoError(t, err)
	}

	times := transport.Times()
	require.Len(t, times, 3)
	assert.Equal(t, now, times[0])
	resume := time.Unix(reset, 0).Add(DefaultSafetyMargin)
	assert.False(t, times[1].Before(resume))
	assert.False(t, times[2].Before(resume))

	st := waitIdle(t, s)
	assert.Equal(t, 1, st.Sleeps)
}

func TestSchedulerNoSafetyMarginResumesAtReset(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reset := now.Add(10 * time.Second).Unix()
	clock := newStepClock(now)

	transport := &scriptedTransport{clock: clock, handler: func(call int, req core.Request) (*core.Response, error) {
		return jsonResponse(http.StatusOK, `{}`, rateHeaders(2, 1, reset+60)), nil
	}}
	s := newTestScheduler(t, transport, Options{
		Clock:        clock,
		SafetyMargin: NoSafetyMargin,
		Initial:      &core.RateLimitState{Limit: 2, Remaining: 0, Reset: reset},
	})

	_, err := s.Do(context.Background(), core.Get("users/1/profile"))
	require.NoError(t, err)

	times := transport.Times()
	require.Len(t, times, 1)
	assert.True(t, times[0].Equal(time.Unix(reset, 0)), "dispatched at %s", times[0])
	assert.Equal(t, []time.Duration{10 * time.Second}, clock.Waits())
}

func TestSchedulerUnauthorizedRejectsEverything(t *testing.T) {
	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		return jsonResponse(http.StatusUnauthorized, `{"message":"401: Unauthorized"}`, nil), nil
	}}
	s := newTestScheduler(t, transport, Options{Clock: newStepClock(time.Now())})

	_, errs := waitAll(t, s.SubmitBatch(gets(3)))

	var statusErr *StatusError
	require.ErrorAs(t, errs[0], &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.ErrorIs(t, errs[0], ErrUnauthorized)
	assert.ErrorIs(t, errs[1], ErrUnauthorized)
	assert.ErrorIs(t, errs[2], ErrUnauthorized)

	f := s.Submit(core.Get("users/9/profile"))
	require.True(t, f.Settled())
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Len(t, transport.Calls(), 1)
	st := waitIdle(t, s)
	assert.True(t, st.Invalid)
	assert.Nil(t, st.RateLimit)
}

// waitInvalid blocks a scripted response until the scheduler has processed a
// 401 from a concurrent request.
func waitInvalid(s **Scheduler) {
	deadline := time.Now().Add(5 * time.Second)
	for !(*s).Invalid() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func TestSchedulerThrottledAfterUnauthorizedIsNotRetried(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var s *Scheduler
	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		switch req.Target {
		case "users/0/profile":
			return jsonResponse(http.StatusUnauthorized, `{}`, nil), nil
		case "users/1/profile":
			if call < 2 {
				waitInvalid(&s)
				return jsonResponse(http.StatusTooManyRequests, `{}`, nil), nil
			}
		}
		return jsonResponse(http.StatusOK, `{}`, nil), nil
	}}
	s = newTestScheduler(t, transport, Options{
		Clock:   newStepClock(now),
		Initial: &core.RateLimitState{Limit: 2, Remaining: 2, Reset: now.Add(time.Minute).Unix()},
	})

	_, errs := waitAll(t, s.SubmitBatch(gets(3)))

	var statusErr *StatusError
	require.ErrorAs(t, errs[0], &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.ErrorIs(t, errs[1], ErrUnauthorized)
	assert.ErrorIs(t, errs[2], ErrUnauthorized)

	assert.Len(t, transport.Calls(), 2)
	assert.Equal(t, 0, waitIdle(t, s).QueueLength)
}

func TestSchedulerGateMutatingDropsThrottledWrite(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	patch := core.Request{Method: http.MethodPatch, Target: "guilds/1/members/2/score", Body: []byte(`{"action":0,"amount":5}`)}

	var s *Scheduler
	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		switch req.Target {
		case "users/0/profile":
			return jsonResponse(http.StatusUnauthorized, `{}`, nil), nil
		case patch.Target:
			waitInvalid(&s)
			return jsonResponse(http.StatusTooManyRequests, `{}`, nil), nil
		}
		return jsonResponse(http.StatusOK, `{"rank":3}`, nil), nil
	}}
	s = newTestScheduler(t, transport, Options{
		Clock:   newStepClock(now),
		Gate:    GateMutating,
		Initial: &core.RateLimitState{Limit: 2, Remaining: 2, Reset: now.Add(time.Minute).Unix()},
	})

	bodies, errs := waitAll(t, s.SubmitBatch([]core.Request{
		core.Get("users/0/profile"),
		patch,
		core.Get("guilds/1/rankings/members/2/all"),
	}))

	assert.ErrorIs(t, errs[0], ErrUnauthorized)
	assert.ErrorIs(t, errs[1], ErrUnauthorized)
	require.NoError(t, errs[2])
	assert.JSONEq(t, `{"rank":3}`, string(bodies[2]))

	patches := 0
	for _, call := range transport.Calls() {
		if call.Target == patch.Target {
			patches++
		}
	}
	assert.Equal(t, 1, patches)
}

func TestSchedulerGateMutatingKeepsReads(t *testing.T) {
	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		if call == 0 {
			return jsonResponse(http.StatusUnauthorized, `{}`, nil), nil
		}
		return jsonResponse(http.StatusOK, `{"rank":1}`, nil), nil
	}}
	s := newTestScheduler(t, transport, Options{Clock: newStepClock(time.Now()), Gate: GateMutating})

	_, err := s.Do(context.Background(), core.Get("users/1/profile"))
	require.ErrorIs(t, err, ErrUnauthorized)
	waitIdle(t, s)

	patch := core.Request{Method: http.MethodPatch, Target: "guilds/1/members/2/score", Body: []byte(`{"action":0,"amount":5}`)}
	f := s.Submit(patch)
	require.True(t, f.Settled())
	_, err = f.Wait(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)

	body, err := s.Do(context.Background(), core.Get("guilds/1/rankings/members/2/all"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"rank":1}`, string(body))
	assert.Len(t, transport.Calls(), 2)
}

func TestSchedulerNetworkErrorIsolated(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reset := now.Add(time.Minute).Unix()
	boom := errors.New("connection reset by peer")

	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		if req.Target == "users/1/profile" {
			return nil, boom
		}
		return jsonResponse(http.StatusOK, `{}`, rateHeaders(10, 9, reset)), nil
	}}
	s := newTestScheduler(t, transport, Options{
		Clock:   newStepClock(now),
		Initial: &core.RateLimitState{Limit: 10, Remaining: 10, Reset: reset},
	})

	_, errs := waitAll(t, s.SubmitBatch(gets(3)))
	require.NoError(t, errs[0])
	require.NoError(t, errs[2])

	var netErr *NetworkError
	require.ErrorAs(t, errs[1], &netErr)
	assert.ErrorIs(t, errs[1], boom)
}

func TestSchedulerNonSuccessResponses(t *testing.T) {
	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		switch req.Target {
		case "missing":
			return jsonResponse(http.StatusNotFound, `{"message":"Unknown Guild"}`, nil), nil
		case "garbled":
			return jsonResponse(http.StatusOK, `<html>`, nil), nil
		default:
			return jsonResponse(http.StatusNoContent, ``, nil), nil
		}
	}}
	s := newTestScheduler(t, transport, Options{Clock: newStepClock(time.Now())})

	bodies, errs := waitAll(t, s.SubmitBatch([]core.Request{
		core.Get("missing"),
		core.Get("garbled"),
		core.Get("empty"),
	}))

	var statusErr *StatusError
	require.ErrorAs(t, errs[0], &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Contains(t, statusErr.Error(), "Unknown Guild")
	assert.NotErrorIs(t, errs[0], ErrUnauthorized)

	require.Error(t, errs[1])
	assert.Contains(t, errs[1].Error(), "invalid json")

	require.NoError(t, errs[2])
	assert.Equal(t, "null", string(bodies[2]))
	assert.False(t, s.Invalid())
}

func TestSchedulerRequeuesOnTooManyRequests(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reset := now.Add(5 * time.Second).Unix()
	clock := newStepClock(now)

	transport := &scriptedTransport{clock: clock, handler: func(call int, req core.Request) (*core.Response, error) {
		if call == 0 {
			return jsonResponse(http.StatusTooManyRequests, `{"message":"slow down"}`, rateHeaders(5, 0, reset)), nil
		}
		return jsonResponse(http.StatusOK, `{"ok":true}`, rateHeaders(5, 4, reset+60)), nil
	}}
	s := newTestScheduler(t, transport, Options{Clock: clock})

	body, err := s.Do(context.Background(), core.Get("users/1/profile"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	times := transport.Times()
	require.Len(t, times, 2)
	assert.False(t, times[1].Before(time.Unix(reset, 0).Add(DefaultSafetyMargin)))

	st := waitIdle(t, s)
	assert.Equal(t, 0, st.Stalls)
	assert.GreaterOrEqual(t, st.Sleeps, 1)
	assert.Equal(t, 2, st.Cycles)
}

func TestSchedulerRetryAfterWithoutQuotaHeaders(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newStepClock(now)

	transport := &scriptedTransport{clock: clock, handler: func(call int, req core.Request) (*core.Response, error) {
		if call == 0 {
			header := http.Header{}
			header.Set("Retry-After", "20")
			return jsonResponse(http.StatusTooManyRequests, `{}`, header), nil
		}
		return jsonResponse(http.StatusOK, `{}`, nil), nil
	}}
	s := newTestScheduler(t, transport, Options{Clock: clock})

	_, err := s.Do(context.Background(), core.Get("users/1/profile"))
	require.NoError(t, err)

	times := transport.Times()
	require.Len(t, times, 2)
	assert.False(t, times[1].Before(now.Add(20*time.Second).Add(DefaultSafetyMargin)))
}

func TestSchedulerGuardTripsAfterConsecutiveStalls(t *testing.T) {
	clock := newStepClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		return jsonResponse(http.StatusTooManyRequests, `{}`, nil), nil
	}}
	s := newTestScheduler(t, transport, Options{
		Clock: clock,
		Guard: GuardPolicy{MaxStalls: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})

	_, errs := waitAll(t, s.SubmitBatch(gets(2)))
	for _, err := range errs {
		var guardErr *LoopGuardError
		require.ErrorAs(t, err, &guardErr)
		assert.Equal(t, 4, guardErr.Stalls)
		assert.Equal(t, 2, guardErr.Stranded)
	}

	assert.Len(t, transport.Calls(), 4)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, clock.Waits())

	st := waitIdle(t, s)
	assert.Equal(t, 0, st.Stalls)
	assert.Equal(t, 0, st.QueueLength)
}

func TestSchedulerCloseFailsQueued(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		return jsonResponse(http.StatusOK, `{}`, nil), nil
	}}
	s, err := NewScheduler(transport, Options{
		Clock:   frozenClock{now: now},
		Initial: &core.RateLimitState{Limit: 1, Remaining: 0, Reset: now.Add(time.Hour).Unix()},
	})
	require.NoError(t, err)

	futures := s.SubmitBatch(gets(3))
	require.Eventually(t, func() bool {
		return s.Status().Phase == PhaseSleeping
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 3, s.QueueSize())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, errs := waitAll(t, futures)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}

	_, err = s.Do(context.Background(), core.Get("users/1/profile"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, transport.Calls())
	assert.False(t, s.Status().Running)
}

func TestSchedulerNotifiesObserverOnNewWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reset := now.Add(time.Minute).Unix()
	observer := &recordingObserver{}

	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		return jsonResponse(http.StatusOK, `{}`, rateHeaders(5, 4-call, reset)), nil
	}}
	s := newTestScheduler(t, transport, Options{Clock: newStepClock(now), Observer: observer})

	_, errs := waitAll(t, s.SubmitBatch(gets(3)))
	for _, err := range errs {
		require.NoError(t, err)
	}
	waitIdle(t, s)

	// The new window is recorded as soon as it is seen; the spent quota is
	// recorded when the queue drains.
	assert.Equal(t, []core.RateLimitState{
		{Limit: 5, Remaining: 4, Reset: reset},
		{Limit: 5, Remaining: 2, Reset: reset},
	}, observer.States())
}

func TestSchedulerRecordedQuotaMatchesStatusWhenIdle(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reset := now.Add(time.Minute).Unix()
	observer := &recordingObserver{}

	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		return jsonResponse(http.StatusOK, `{}`, rateHeaders(5, 4-call, reset)), nil
	}}
	s := newTestScheduler(t, transport, Options{Clock: newStepClock(now), Observer: observer})

	_, errs := waitAll(t, s.SubmitBatch(gets(5)))
	for _, err := range errs {
		require.NoError(t, err)
	}
	st := waitIdle(t, s)

	states := observer.States()
	require.NotEmpty(t, states)
	require.NotNil(t, st.RateLimit)
	assert.Equal(t, *st.RateLimit, states[len(states)-1])
	assert.Equal(t, 0, states[len(states)-1].Remaining)

	// Nothing new to record on a second idle transition.
	recorded := len(states)
	_, err := s.Do(context.Background(), core.Get("users/9/profile"))
	require.NoError(t, err)
	waitIdle(t, s)
	assert.Len(t, observer.States(), recorded)
}

func TestSchedulerRecordsQuotaOnClose(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reset := now.Add(time.Hour).Unix()
	observer := &recordingObserver{}

	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		return jsonResponse(http.StatusOK, `{}`, nil), nil
	}}
	s, err := NewScheduler(transport, Options{
		Clock:    frozenClock{now: now},
		Observer: observer,
		Initial:  &core.RateLimitState{Limit: 1, Remaining: 1, Reset: reset},
	})
	require.NoError(t, err)

	futures := s.SubmitBatch(gets(2))
	require.Eventually(t, func() bool {
		return s.Status().Phase == PhaseSleeping
	}, 5*time.Second, time.Millisecond)
	assert.Empty(t, observer.States())

	require.NoError(t, s.Close())
	_, errs := waitAll(t, futures)
	require.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrClosed)

	assert.Equal(t, []core.RateLimitState{{Limit: 1, Remaining: 0, Reset: reset}}, observer.States())
}

func TestSchedulerRestartsAfterIdle(t *testing.T) {
	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		return jsonResponse(http.StatusOK, fmt.Sprintf(`{"call":%d}`, call), nil), nil
	}}
	s := newTestScheduler(t, transport, Options{Clock: newStepClock(time.Now())})

	_, err := s.Do(context.Background(), core.Get("users/1/profile"))
	require.NoError(t, err)
	waitIdle(t, s)

	body, err := s.Do(context.Background(), core.Get("users/2/profile"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"call":1}`, string(body))
	assert.Equal(t, 2, waitIdle(t, s).Cycles)
}

func TestNewSchedulerValidation(t *testing.T) {
	_, err := NewScheduler(nil, Options{})
	require.Error(t, err)

	_, err = NewScheduler(&scriptedTransport{}, Options{Gate: GateMode("reads")})
	require.Error(t, err)

	mode, err := ParseGateMode(" Mutating ")
	require.NoError(t, err)
	assert.Equal(t, GateMutating, mode)

	mode, err = ParseGateMode("")
	require.NoError(t, err)
	assert.Equal(t, GateAll, mode)
}

func TestSchedulerUsesCorrelationIDFromContext(t *testing.T) {
	transport := &scriptedTransport{handler: func(call int, req core.Request) (*core.Response, error) {
		return jsonResponse(http.StatusOK, `{}`, nil), nil
	}}
	s := newTestScheduler(t, transport, Options{Clock: newStepClock(time.Now())})

	ctx := core.WithRequestID(context.Background(), "req-7f3a")
	_, err := s.Do(ctx, core.Get("users/1/profile"))
	require.NoError(t, err)

	f := s.Submit(core.Get("users/2/profile"))
	assert.NotEmpty(t, f.ID())
	assert.NotEqual(t, "req-7f3a", f.ID())
	_, err = f.Wait(context.Background())
	require.NoError(t, err)

	calls := transport.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "req-7f3a", calls[0].ID)
	assert.Empty(t, calls[1].ID)
}

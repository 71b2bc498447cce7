package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tatsugg/tatsuq/internal/core"
	"github.com/tatsugg/tatsuq/internal/metrics"
)

// Transport performs one request against the remote API.
type Transport interface {
	Do(ctx context.Context, req core.Request) (*core.Response, error)
}

// Logger is satisfied by *zap.Logger and the gofulmen logging wrapper.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// GateMode selects which submissions are rejected once the credential has
// been invalidated by a 401.
type GateMode string

const (
	// GateAll rejects every submission and fails queued work.
	GateAll GateMode = "all"
	// GateMutating rejects only write requests; reads keep flowing.
	GateMutating GateMode = "mutating"
)

// ParseGateMode normalizes a configured gate mode.
func ParseGateMode(value string) (GateMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(GateAll):
		return GateAll, nil
	case string(GateMutating), "writes":
		return GateMutating, nil
	default:
		return "", fmt.Errorf("unsupported gate mode: %s", value)
	}
}

// Phase is the drain loop state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDispatching Phase = "dispatching"
	PhaseSleeping    Phase = "sleeping"
)

// Options configures a Scheduler. Zero values select defaults.
type Options struct {
	Clock  Clock
	Logger Logger

	// SafetyMargin is added to every reset deadline. Use NoSafetyMargin to
	// resume exactly at the reset instant.
	// default: 1s
	SafetyMargin time.Duration

	Gate  GateMode
	Guard GuardPolicy

	// Observer receives each newly recorded quota window and the local
	// window whenever the drain loop goes idle or stops.
	Observer QuotaObserver

	// Initial seeds the quota window, e.g. from a persisted snapshot.
	Initial *core.RateLimitState

	// Random feeds backoff jitter.
	Random func() float64
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	QueueLength int                  `json:"queue_length" yaml:"queue_length"`
	InFlight    int                  `json:"in_flight" yaml:"in_flight"`
	Running     bool                 `json:"running" yaml:"running"`
	Invalid     bool                 `json:"invalid" yaml:"invalid"`
	Phase       Phase                `json:"phase" yaml:"phase"`
	Cycles      int                  `json:"cycles" yaml:"cycles"`
	Sleeps      int                  `json:"sleeps" yaml:"sleeps"`
	Stalls      int                  `json:"stalls" yaml:"stalls"`
	RateLimit   *core.RateLimitState `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

type queued struct {
	seq        uint64
	id         string
	req        core.Request
	future     *Future
	enqueuedAt time.Time
	attempts   int
}

type outcome int

const (
	outcomeSettled outcome = iota
	outcomeThrottled
)

// dispatch tracks one in-flight request for the drain loop. It completes
// after the response has been applied, independent of the caller's Future.
type dispatch struct {
	done    chan struct{}
	outcome outcome
}

func (d *dispatch) Done() <-chan struct{} {
	return d.done
}

// Scheduler queues requests and drains them at the pace the remote quota
// allows. One Scheduler must own one credential: two schedulers sharing a
// credential each spend the same server-side quota.
type Scheduler struct {
	transport Transport
	clock     Clock
	logger    Logger
	margin    time.Duration
	gate      GateMode
	guard     GuardPolicy
	observer  QuotaObserver
	random    func() float64

	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	observeMu sync.Mutex
	persisted *core.RateLimitState

	mu       sync.Mutex
	queue    []*queued
	limits   tracker
	seq      uint64
	running  bool
	invalid  bool
	closed   bool
	phase    Phase
	inFlight int
	cycles   int
	sleeps   int
	stalls   int
}

// NewScheduler creates an idle scheduler around transport.
func NewScheduler(transport Transport, opts Options) (*Scheduler, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}

	gate := opts.Gate
	if gate == "" {
		gate = GateAll
	}
	if gate != GateAll && gate != GateMutating {
		return nil, fmt.Errorf("unsupported gate mode: %s", gate)
	}

	s := &Scheduler{
		transport: transport,
		clock:     opts.Clock,
		logger:    opts.Logger,
		margin:    opts.SafetyMargin,
		gate:      gate,
		guard:     opts.Guard.withDefaults(),
		observer:  opts.Observer,
		random:    opts.Random,
		wake:      make(chan struct{}, 1),
		phase:     PhaseIdle,
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	switch {
	case s.margin == 0:
		s.margin = DefaultSafetyMargin
	case s.margin < 0:
		s.margin = 0
	}
	if s.random == nil {
		s.random = defaultRandom
	}
	if opts.Initial != nil {
		s.limits.set(opts.Initial.Limit, opts.Initial.Remaining, opts.Initial.Reset)
		s.persisted = s.limits.snapshot()
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Submit enqueues req and starts draining if the scheduler is idle.
func (s *Scheduler) Submit(req core.Request) *Future {
	return s.SubmitBatch([]core.Request{req})[0]
}

// SubmitBatch enqueues reqs atomically, preserving their order.
func (s *Scheduler) SubmitBatch(reqs []core.Request) []*Future {
	futures := make([]*Future, len(reqs))
	if len(reqs) == 0 {
		return futures
	}

	var rejected []int

	s.mu.Lock()
	for i, req := range reqs {
		id := req.ID
		if id == "" {
			id = uuid.New().String()
		}
		if s.closed {
			futures[i] = failedFuture(id, ErrClosed)
			continue
		}
		if s.invalid && s.gates(req) {
			futures[i] = failedFuture(id, ErrUnauthorized)
			rejected = append(rejected, i)
			continue
		}

		s.seq++
		q := &queued{
			seq:        s.seq,
			id:         id,
			req:        req,
			future:     newFuture(id),
			enqueuedAt: s.clock.Now(),
		}
		s.queue = append(s.queue, q)
		futures[i] = q.future
	}
	depth := len(s.queue)
	if depth > 0 {
		s.startLocked()
	}
	s.mu.Unlock()

	for _, i := range rejected {
		metrics.RecordDispatch(metrics.OutcomeRejected)
		s.logger.Debug("Rejected request after credential invalidation",
			zap.String("request_id", futures[i].ID()),
			zap.String("method", reqs[i].Method),
			zap.String("target", reqs[i].Target))
	}
	metrics.SetQueueDepth(depth)

	return futures
}

// Do submits req and waits for its result. A correlation ID on ctx tags the
// request. Returning early because ctx is done does not withdraw it.
func (s *Scheduler) Do(ctx context.Context, req core.Request) (json.RawMessage, error) {
	return s.Submit(req.Tag(ctx)).Wait(ctx)
}

// QueueSize returns the number of requests not yet dispatched.
func (s *Scheduler) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Invalid reports whether the credential has been rejected.
func (s *Scheduler) Invalid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalid
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		QueueLength: len(s.queue),
		InFlight:    s.inFlight,
		Running:     s.running,
		Invalid:     s.invalid,
		Phase:       s.phase,
		Cycles:      s.cycles,
		Sleeps:      s.sleeps,
		Stalls:      s.stalls,
		RateLimit:   s.limits.snapshot(),
	}
}

// Close stops draining and fails every request still in the queue with
// ErrClosed. In-flight requests are cancelled through their context.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		s.cancel()
		for _, q := range pending {
			q.future.settle(nil, ErrClosed)
		}
		metrics.SetQueueDepth(0)
	})
	s.wg.Wait()
	return nil
}

func (s *Scheduler) gates(req core.Request) bool {
	return s.gate == GateAll || req.Mutating()
}

func (s *Scheduler) startLocked() {
	if s.running {
		s.poke()
		return
	}
	s.running = true
	s.phase = PhaseDispatching
	s.wg.Add(1)
	go s.drain()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) drain() {
	defer s.wg.Done()

	for {
		if s.ctx.Err() != nil {
			s.flushQuota()
			s.mu.Lock()
			s.running = false
			s.phase = PhaseIdle
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.inFlight == 0 {
				s.mu.Unlock()
				s.flushQuota()
				s.mu.Lock()
				if len(s.queue) > 0 || s.inFlight > 0 {
					s.mu.Unlock()
					continue
				}
				s.running = false
				s.phase = PhaseIdle
				s.stalls = 0
				cycles := s.cycles
				s.mu.Unlock()
				s.logger.Debug("Request queue drained", zap.Int("cycles", cycles))
				return
			}
			s.mu.Unlock()
			select {
			case <-s.ctx.Done():
			case <-s.wake:
			}
			continue
		}

		if s.limits.blocked(s.clock.Now(), s.margin) {
			reset := s.limits.state.Reset
			depth := len(s.queue)
			s.phase = PhaseSleeping
			s.sleeps++
			s.mu.Unlock()

			s.logger.Info("Quota exhausted; waiting for window reset",
				zap.Int64("reset", reset),
				zap.Time("resume_at", resetDeadline(reset, s.margin).UTC()),
				zap.Int("queued", depth))
			metrics.RecordSleep()
			_ = SleepUntil(s.ctx, s.clock, reset, s.margin)
			continue
		}

		s.cycles++
		s.phase = PhaseDispatching
		n := min(s.limits.budget(), len(s.queue))
		items := make([]*queued, n)
		copy(items, s.queue[:n])
		clear(s.queue[:n])
		s.queue = s.queue[n:]
		batch := make([]*dispatch, n)
		for i := range items {
			s.limits.spend()
			batch[i] = &dispatch{done: make(chan struct{})}
		}
		s.inFlight += n
		cycle := s.cycles
		depth := len(s.queue)
		s.mu.Unlock()

		s.logger.Debug("Dispatching batch",
			zap.Int("cycle", cycle),
			zap.Int("size", n),
			zap.Int("queued", depth))
		metrics.SetQueueDepth(depth)

		for i, q := range items {
			go s.dispatch(q, batch[i])
		}

		first, err := WaitAny(s.ctx, batch)
		if err != nil {
			continue
		}

		s.mu.Lock()
		if batch[first].outcome != outcomeThrottled {
			s.stalls = 0
			s.mu.Unlock()
			continue
		}
		s.stalls++
		stalls := s.stalls
		s.mu.Unlock()

		if stalls > s.guard.MaxStalls {
			s.tripGuard(stalls)
			continue
		}

		delay := s.guard.Backoff(stalls, s.random)
		s.logger.Warn("Remote api throttled request; backing off",
			zap.Int("stalls", stalls),
			zap.Duration("backoff", delay))
		if delay > 0 {
			s.mu.Lock()
			s.phase = PhaseSleeping
			s.sleeps++
			s.mu.Unlock()
			metrics.RecordSleep()
			_ = sleepFor(s.ctx, s.clock, delay)
		}
	}
}

func (s *Scheduler) tripGuard(stalls int) {
	s.mu.Lock()
	stranded := s.queue
	s.queue = nil
	s.stalls = 0
	report := &LoopGuardError{
		Stalls:   stalls,
		Cycles:   s.cycles,
		Stranded: len(stranded),
		State:    s.limits.snapshot(),
	}
	s.mu.Unlock()

	s.logger.Error("Drain loop guard tripped; failing queued requests",
		zap.Int("stalls", report.Stalls),
		zap.Int("cycles", report.Cycles),
		zap.Int("stranded", report.Stranded))
	metrics.RecordGuardTrip()
	metrics.SetQueueDepth(0)

	for _, q := range stranded {
		q.future.settle(nil, report)
	}
}

func (s *Scheduler) dispatch(q *queued, d *dispatch) {
	var observed *core.RateLimitState
	defer func() {
		// Record before releasing the slot so the idle flush runs last.
		if observed != nil {
			s.notifyObserver(*observed)
		}
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
		close(d.done)
		s.poke()
	}()

	resp, err := s.transport.Do(s.ctx, q.req)
	if err == nil && resp == nil {
		err = errors.New("transport returned no response")
	}
	if err != nil {
		s.logger.Warn("Request failed at transport layer",
			zap.String("request_id", q.id),
			zap.String("method", q.req.Method),
			zap.String("target", q.req.Target),
			zap.Error(err))
		metrics.RecordDispatch(metrics.OutcomeNetworkError)
		q.future.settle(nil, &NetworkError{Err: err})
		return
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		s.invalidate(q, resp)
	case http.StatusTooManyRequests:
		observed = s.throttle(q, resp)
		d.outcome = outcomeThrottled
	default:
		observed = s.observe(resp.Header)
		s.complete(q, resp)
	}
}

// observe applies quota headers and returns the new window, if any.
func (s *Scheduler) observe(header http.Header) *core.RateLimitState {
	state, ok := ParseRateLimit(header)
	if !ok {
		return nil
	}

	s.mu.Lock()
	changed := s.limits.set(state.Limit, state.Remaining, state.Reset)
	snap := s.limits.snapshot()
	s.mu.Unlock()

	metrics.SetRateLimitRemaining(snap.Remaining)
	if !changed {
		return nil
	}

	s.logger.Debug("Quota window updated",
		zap.Int("limit", snap.Limit),
		zap.Int("remaining", snap.Remaining),
		zap.Int64("reset", snap.Reset))
	return snap
}

// throttle handles a 429: the window is marked exhausted and the request goes
// back into the queue at its original position, unless the credential was
// invalidated while it was in flight and the gate covers it.
func (s *Scheduler) throttle(q *queued, resp *core.Response) *core.RateLimitState {
	now := s.clock.Now()
	state, ok := ParseRateLimit(resp.Header)
	wait, hasRetry := retryAfter(resp.Header, now)

	s.mu.Lock()
	changed := false
	switch {
	case ok:
		changed = s.limits.set(state.Limit, state.Remaining, state.Reset)
	case hasRetry && wait > 0:
		limit := 0
		if s.limits.state != nil {
			limit = s.limits.state.Limit
		}
		reset := int64(math.Ceil(float64(now.Add(wait).UnixMilli()) / 1000))
		changed = s.limits.set(limit, 0, reset)
	}
	s.limits.exhaust()

	closed := s.closed
	rejected := !closed && s.invalid && s.gates(q.req)
	if !closed && !rejected {
		q.attempts++
		idx, _ := slices.BinarySearchFunc(s.queue, q.seq, func(item *queued, seq uint64) int {
			switch {
			case item.seq < seq:
				return -1
			case item.seq > seq:
				return 1
			default:
				return 0
			}
		})
		s.queue = slices.Insert(s.queue, idx, q)
	}
	depth := len(s.queue)
	snap := s.limits.snapshot()
	s.mu.Unlock()

	metrics.RecordDispatch(metrics.OutcomeThrottled)
	switch {
	case closed:
		q.future.settle(nil, ErrClosed)
	case rejected:
		s.logger.Debug("Dropped throttled request after credential invalidation",
			zap.String("request_id", q.id),
			zap.String("method", q.req.Method),
			zap.String("target", q.req.Target))
		q.future.settle(nil, ErrUnauthorized)
	default:
		s.logger.Warn("Request throttled by remote api; requeued",
			zap.String("request_id", q.id),
			zap.String("target", q.req.Target),
			zap.Int("attempts", q.attempts),
			zap.Int("queued", depth))
		metrics.SetQueueDepth(depth)
	}

	if !changed {
		return nil
	}
	return snap
}

func (s *Scheduler) invalidate(q *queued, resp *core.Response) {
	s.mu.Lock()
	first := !s.invalid
	s.invalid = true
	var rejected []*queued
	if s.gate == GateAll {
		rejected = s.queue
		s.queue = nil
	}
	s.mu.Unlock()

	if first {
		s.logger.Error("Remote api rejected credential; scheduler invalidated",
			zap.String("request_id", q.id),
			zap.String("target", q.req.Target),
			zap.String("gate", string(s.gate)),
			zap.Int("rejected_queued", len(rejected)))
		metrics.RecordUnauthorized()
	}
	metrics.RecordDispatch(metrics.OutcomeUnauthorized)

	q.future.settle(nil, &StatusError{StatusCode: resp.StatusCode, Body: resp.Body})
	for _, r := range rejected {
		r.future.settle(nil, ErrUnauthorized)
	}
	if len(rejected) > 0 {
		metrics.SetQueueDepth(0)
	}
}

func (s *Scheduler) complete(q *queued, resp *core.Response) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("Remote api returned error status",
			zap.String("request_id", q.id),
			zap.String("target", q.req.Target),
			zap.Int("status", resp.StatusCode))
		metrics.RecordDispatch(metrics.OutcomeHTTPError)
		q.future.settle(nil, &StatusError{StatusCode: resp.StatusCode, Body: resp.Body})
		return
	}

	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		body = []byte("null")
	}
	if !json.Valid(body) {
		s.logger.Warn("Remote api returned invalid json",
			zap.String("request_id", q.id),
			zap.String("target", q.req.Target),
			zap.Int("status", resp.StatusCode))
		metrics.RecordDispatch(metrics.OutcomeInvalidBody)
		q.future.settle(nil, fmt.Errorf("decode response for %s: invalid json", q.req.Target))
		return
	}

	metrics.RecordDispatch(metrics.OutcomeOK)
	q.future.settle(json.RawMessage(body), nil)
}

// flushQuota hands the locally tracked window to the observer so a persisted
// snapshot reflects the requests spent since the last header update.
func (s *Scheduler) flushQuota() {
	if s.observer == nil {
		return
	}
	s.mu.Lock()
	snap := s.limits.snapshot()
	s.mu.Unlock()
	if snap != nil {
		s.notifyObserver(*snap)
	}
}

func (s *Scheduler) notifyObserver(state core.RateLimitState) {
	if s.observer == nil {
		return
	}

	s.observeMu.Lock()
	defer s.observeMu.Unlock()
	if s.persisted != nil && *s.persisted == state {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.observer.ObserveQuota(ctx, state); err != nil {
		s.logger.Warn("Failed to record quota window", zap.Error(err))
		return
	}
	s.persisted = &state
}

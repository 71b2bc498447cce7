package metrics

// Scheduler metric names
const (
	SchedulerDispatchTotal      = "scheduler_dispatch_total"
	SchedulerSleepsTotal        = "scheduler_sleeps_total"
	SchedulerQueueDepth         = "scheduler_queue_depth"
	SchedulerRateLimitRemaining = "scheduler_ratelimit_remaining"
	SchedulerGuardTripsTotal    = "scheduler_guard_trips_total"
	SchedulerUnauthorizedTotal  = "scheduler_unauthorized_total"
	SchedulerInFlight           = "scheduler_in_flight"
	SchedulerInvalid            = "scheduler_credential_invalid"
)

// Dispatch outcomes
const (
	OutcomeOK           = "ok"
	OutcomeHTTPError    = "http_error"
	OutcomeInvalidBody  = "invalid_body"
	OutcomeNetworkError = "network_error"
	OutcomeThrottled    = "throttled"
	OutcomeUnauthorized = "unauthorized"
	OutcomeRejected     = "rejected"
)

// RecordDispatch counts one request outcome.
func RecordDispatch(outcome string) {
	counter(SchedulerDispatchTotal, map[string]string{"outcome": outcome})
}

// RecordSleep counts a wait for a window reset or a stall backoff.
func RecordSleep() {
	counter(SchedulerSleepsTotal, nil)
}

// SetQueueDepth sets the number of requests waiting for dispatch.
func SetQueueDepth(depth int) {
	gauge(SchedulerQueueDepth, float64(depth))
}

// SetRateLimitRemaining sets the locally tracked remaining quota.
func SetRateLimitRemaining(remaining int) {
	gauge(SchedulerRateLimitRemaining, float64(remaining))
}

// RecordGuardTrip counts a drain loop halted by the stall guard.
func RecordGuardTrip() {
	counter(SchedulerGuardTripsTotal, nil)
}

// RecordUnauthorized counts credential invalidations.
func RecordUnauthorized() {
	counter(SchedulerUnauthorizedTotal, nil)
}

// SetInFlight sets the number of dispatched requests awaiting a response.
func SetInFlight(n int) {
	gauge(SchedulerInFlight, float64(n))
}

// SetCredentialInvalid is 1 once the remote api has rejected the credential.
func SetCredentialInvalid(invalid bool) {
	value := 0.0
	if invalid {
		value = 1
	}
	gauge(SchedulerInvalid, value)
}

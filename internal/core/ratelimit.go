package core

import "time"

// RateLimitState captures the server-reported quota window.
type RateLimitState struct {
	Limit     int   `json:"limit" yaml:"limit"`
	Remaining int   `json:"remaining" yaml:"remaining"`
	Reset     int64 `json:"reset" yaml:"reset"`
}

// ResetTime returns the window end as a UTC timestamp.
func (s RateLimitState) ResetTime() time.Time {
	return time.Unix(s.Reset, 0).UTC()
}

// Exhausted reports whether no local quota remains in the window.
func (s RateLimitState) Exhausted() bool {
	return s.Remaining <= 0
}

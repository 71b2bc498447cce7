package core

import (
	"net/http"
	"strings"
)

// Request is one logical API call waiting to be dispatched.
type Request struct {
	// ID correlates the call with its origin, such as an inbound HTTP
	// request. The scheduler assigns one when empty.
	ID     string      `json:"id,omitempty"`
	Method string      `json:"method"`
	Target string      `json:"target"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// Get builds a read-only request for target.
func Get(target string) Request {
	return Request{Method: http.MethodGet, Target: target}
}

// Mutating reports whether the request changes remote state.
func (r Request) Mutating() bool {
	switch strings.ToUpper(strings.TrimSpace(r.Method)) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// Response is the raw result of one transport round trip.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

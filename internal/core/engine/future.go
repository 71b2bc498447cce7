package engine

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
)

// Handle is anything that signals completion by closing a channel.
type Handle interface {
	Done() <-chan struct{}
}

// Future is the eventual result of one submitted request. It settles exactly
// once, with either the JSON body or an error.
type Future struct {
	id   string
	done chan struct{}
	once sync.Once
	body json.RawMessage
	err  error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// failedFuture returns a future that is already settled with err.
func failedFuture(id string, err error) *Future {
	f := newFuture(id)
	f.settle(nil, err)
	return f
}

// ID returns the request identifier assigned at submission.
func (f *Future) ID() string {
	return f.id
}

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done. Giving up on the wait
// does not withdraw the request from the queue.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.body, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the future has a result.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// settle records the outcome. Later calls are ignored and report false.
func (f *Future) settle(body json.RawMessage, err error) bool {
	settled := false
	f.once.Do(func() {
		f.body = body
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

var errNoHandles = errors.New("wait on empty handle set")

// WaitAny blocks until the first handle completes and returns its index.
func WaitAny[H Handle](ctx context.Context, handles []H) (int, error) {
	if len(handles) == 0 {
		return -1, errNoHandles
	}

	for i, h := range handles {
		select {
		case <-h.Done():
			return i, nil
		default:
		}
	}

	cases := make([]reflect.SelectCase, 0, len(handles)+1)
	for _, h := range handles {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(h.Done())})
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, _, _ := reflect.Select(cases)
	if chosen == len(handles) {
		return -1, ctx.Err()
	}
	return chosen, nil
}

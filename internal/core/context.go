package core

import "context"

type requestIDKey struct{}

// WithRequestID returns ctx carrying the caller's correlation ID. Requests
// submitted under ctx are logged with it.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the correlation ID stored by WithRequestID.
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Tag sets req.ID from ctx unless it is already set.
func (r Request) Tag(ctx context.Context) Request {
	if r.ID == "" {
		r.ID = RequestIDFrom(ctx)
	}
	return r
}

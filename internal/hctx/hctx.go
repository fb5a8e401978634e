package hctx

import (
	"context"
	"time"
)

// Request holds the per-execution metadata of the invocation being run.
// The runtime attaches it before calling the task body.
type Request struct {
	ID            string
	Task          string
	Queue         string
	Retries       int
	MaxRetries    int
	ETA           *time.Time
	Expires       *time.Time
	CorrelationID string
	ReplyTo       string
	Origin        string
	RootID        string
	ParentID      string
	Redelivered   bool
}

type ctxKey struct{}

// WithRequest returns a child context carrying the given request.
func WithRequest(parent context.Context, r *Request) context.Context {
	return context.WithValue(parent, ctxKey{}, r)
}

// From extracts the request from context if present.
func From(ctx context.Context) (*Request, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	r, ok := v.(*Request)
	return r, ok
}

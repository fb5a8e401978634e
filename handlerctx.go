package taskwire

import (
	"context"
	"time"

	"github.com/UniQw/taskwire/internal/hctx"
)

// TaskContext describes the invocation a task body is executing.
type TaskContext struct {
	ID    string
	Task  string
	Queue string
	// Retries is the number of earlier attempts of this invocation.
	Retries int
	// MaxRetries is the effective retry limit; Unbounded means no limit.
	MaxRetries    int
	ETA           *time.Time
	Expires       *time.Time
	CorrelationID string
	ReplyTo       string
	Origin        string
	RootID        string
	ParentID      string
	// Redelivered is set when the broker delivered this message before.
	Redelivered bool
}

func newTaskContext(r *hctx.Request) *TaskContext {
	return &TaskContext{
		ID:            r.ID,
		Task:          r.Task,
		Queue:         r.Queue,
		Retries:       r.Retries,
		MaxRetries:    r.MaxRetries,
		ETA:           r.ETA,
		Expires:       r.Expires,
		CorrelationID: r.CorrelationID,
		ReplyTo:       r.ReplyTo,
		Origin:        r.Origin,
		RootID:        r.RootID,
		ParentID:      r.ParentID,
		Redelivered:   r.Redelivered,
	}
}

// TaskFromContext returns the TaskContext of the running task.
// It reports false if ctx was not provided by a taskwire Server.
func TaskFromContext(ctx context.Context) (*TaskContext, bool) {
	r, ok := hctx.From(ctx)
	if !ok || r == nil {
		return nil, false
	}
	return newTaskContext(r), true
}

// LastAttempt reports whether a failure of this attempt will not be retried.
// Any negative limit means unbounded, matching the worker.
func (tc *TaskContext) LastAttempt() bool {
	return tc.MaxRetries >= 0 && tc.Retries >= tc.MaxRetries
}

// Retry is shorthand for Retry(err, delay) inside a bound task.
func (tc *TaskContext) Retry(err error, delay time.Duration) error {
	return Retry(err, delay)
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/UniQw/taskwire/protocol"
)

// Unbounded as Definition.MaxRetries retries forever.
const Unbounded = -1

// DefaultMaxRetryDelay caps retry backoff when a definition sets no maximum.
const DefaultMaxRetryDelay = time.Hour

// Definition is the engine's view of a registered task.
type Definition struct {
	Name string
	// Timeout bounds one execution. Zero runs to completion. A body that
	// ignores its context keeps its concurrency slot until it returns.
	Timeout time.Duration
	// MaxRetries is the retry limit; Unbounded retries forever.
	MaxRetries    int
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
	// AcksLate defers the ack until the outcome is known.
	AcksLate bool
	// Exec runs the task body for a decoded message.
	Exec func(ctx context.Context, msg *protocol.Message) (any, error)
}

// Resolver looks up the definition registered for a task name.
type Resolver func(name string) (*Definition, error)

// State is the lifecycle state of one delivery.
type State string

const (
	StateReceived       State = "received"
	StateDispatched     State = "dispatched"
	StateSucceeded      State = "succeeded"
	StateRetryScheduled State = "retry_scheduled"
	StateRejected       State = "rejected"
	// StateAborted marks a delivery that did not complete and was left to the
	// broker for redelivery (shutdown or failed early ack).
	StateAborted State = "aborted"
)

// Report describes how one delivery ended.
type Report struct {
	ID      string
	Task    string
	Queue   string
	State   State
	Retries int
	Err     error
	// Dispatched is set once the task body was started.
	Dispatched bool
	// Delay is the countdown of the scheduled retry.
	Delay    time.Duration
	Duration time.Duration
	Result   any
}

var (
	// ErrTimeout is the outcome of a task that exceeded its timeout.
	ErrTimeout = errors.New("taskwire: task timed out")
	// ErrExpired rejects a message whose expiry has passed.
	ErrExpired = errors.New("taskwire: task expired")

	errTimeout  = errors.New("task timeout")
	errShutdown = errors.New("taskwire: worker shutting down")
)

// Classify reports whether err should be retried and the delay its author
// suggested. Errors are retryable unless they (or an error they wrap)
// implement Retryable() returning false.
func Classify(err error) (retryable bool, delay time.Duration) {
	retryable = true
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		retryable = r.Retryable()
	}
	var d interface{ RetryDelay() time.Duration }
	if errors.As(err, &d) {
		delay = d.RetryDelay()
	}
	return retryable, delay
}

// RetryDelay computes the countdown before retry number retries+1:
// max(minDelay, 1s) doubled per previous retry, or the suggested delay when
// positive, clamped to [minDelay, maxDelay]. It never decreases as retries grows.
func RetryDelay(retries int, minDelay, maxDelay, suggested time.Duration) time.Duration {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxRetryDelay
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	d := suggested
	if d <= 0 {
		d = max(minDelay, time.Second)
		for i := 0; i < retries && d < maxDelay; i++ {
			d *= 2
		}
	}
	return min(max(d, minDelay), maxDelay)
}

// PanicError is the outcome of a task body that panicked. It is never retried.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string { return fmt.Sprintf("taskwire: task panicked: %v", e.Value) }

// Retryable implements the retry classification; panics are fatal.
func (e *PanicError) Retryable() bool { return false }

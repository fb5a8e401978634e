package taskwire

import (
	"errors"
	"fmt"
	"time"

	rtm "github.com/UniQw/taskwire/internal/runtime"
)

var (
	// ErrDuplicateTask is returned when a task name is registered twice.
	ErrDuplicateTask = errors.New("taskwire: duplicate task name")

	// ErrUnknownTask is wrapped by UnknownTaskError.
	ErrUnknownTask = errors.New("taskwire: unknown task")

	// ErrInvalidDefinition is returned for a definition without a name or body.
	ErrInvalidDefinition = errors.New("taskwire: invalid task definition")

	// ErrRegistrySealed is returned by Register once a server using the registry has started.
	ErrRegistrySealed = errors.New("taskwire: registry is sealed")

	// ErrTimeout is the outcome of a task that ran past its timeout.
	ErrTimeout = rtm.ErrTimeout

	// ErrExpired rejects a message whose expiry has passed.
	ErrExpired = rtm.ErrExpired

	// ErrAlreadyRunning is returned by Run on a server that is already running.
	ErrAlreadyRunning = rtm.ErrAlreadyRunning
)

// DuplicateTaskError reports a second registration of Name.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("taskwire: task %q already registered", e.Name)
}

func (e *DuplicateTaskError) Unwrap() error { return ErrDuplicateTask }

// UnknownTaskError reports a message for a task name nobody registered.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("taskwire: no task registered as %q", e.Name)
}

func (e *UnknownTaskError) Unwrap() error { return ErrUnknownTask }

// TaskError carries a task body's failure together with its retry policy.
// Construct it with Retry or Fatal.
type TaskError struct {
	Err   error
	Fatal bool
	Delay time.Duration
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return "taskwire: task failed"
	}
	return e.Err.Error()
}

func (e *TaskError) Unwrap() error { return e.Err }

// Retryable reports whether the engine may schedule another attempt.
func (e *TaskError) Retryable() bool { return !e.Fatal }

// RetryDelay is the suggested countdown; zero leaves it to the backoff.
func (e *TaskError) RetryDelay() time.Duration { return e.Delay }

// Retry marks err as retryable after delay. The delay is clamped to the
// task's retry bounds; zero uses the exponential backoff.
func Retry(err error, delay time.Duration) error {
	return &TaskError{Err: err, Delay: delay}
}

// Fatal marks err as final: the message is rejected without retry.
func Fatal(err error) error {
	return &TaskError{Err: err, Fatal: true}
}

// IsFatal reports whether err was marked with Fatal or is a recovered panic.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	ok, _ := rtm.Classify(err)
	return !ok
}

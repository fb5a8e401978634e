package taskwire

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Unbounded as TaskDefinition.MaxRetries retries forever.
const Unbounded = -1

// TaskFunc is the body of a task that does not need its execution context.
type TaskFunc func(ctx context.Context, args Args, kwargs Kwargs) (any, error)

// BoundTaskFunc is the body of a bound task. It receives the TaskContext of
// the invocation being executed.
type BoundTaskFunc func(ctx context.Context, tc *TaskContext, args Args, kwargs Kwargs) (any, error)

// TaskDefinition describes a task and its execution policy. It is copied on
// registration and immutable afterwards.
type TaskDefinition struct {
	// Name is the unique task name carried in every message.
	Name string
	// Run is the task body. Exactly one of Run and RunBound must be set.
	Run TaskFunc
	// RunBound is the body of a bound task.
	RunBound BoundTaskFunc
	// Bind reports whether the body receives its TaskContext. It is set on
	// registration when RunBound is used.
	Bind bool
	// Timeout bounds one execution. Zero means no timeout. The outcome is
	// reported when it elapses, but a body that ignores ctx keeps its worker
	// slot until it returns.
	Timeout time.Duration
	// MaxRetries is the retry limit. Zero never retries; Unbounded retries forever.
	MaxRetries int
	// MinRetryDelay and MaxRetryDelay bound the retry backoff. MaxRetryDelay
	// defaults to one hour.
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
	// AcksLate defers the broker ack until the task finished.
	AcksLate bool
}

func (d *TaskDefinition) validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	case d.Run == nil && d.RunBound == nil:
		return fmt.Errorf("%w: task %q has no body", ErrInvalidDefinition, d.Name)
	case d.Run != nil && d.RunBound != nil:
		return fmt.Errorf("%w: task %q sets both Run and RunBound", ErrInvalidDefinition, d.Name)
	case d.Bind && d.RunBound == nil:
		return fmt.Errorf("%w: bound task %q needs RunBound", ErrInvalidDefinition, d.Name)
	case d.Timeout < 0:
		return fmt.Errorf("%w: task %q has a negative timeout", ErrInvalidDefinition, d.Name)
	case d.MaxRetries < Unbounded:
		return fmt.Errorf("%w: task %q has max retries %d", ErrInvalidDefinition, d.Name, d.MaxRetries)
	case d.MinRetryDelay < 0 || d.MaxRetryDelay < 0:
		return fmt.Errorf("%w: task %q has a negative retry delay", ErrInvalidDefinition, d.Name)
	case d.MaxRetryDelay > 0 && d.MinRetryDelay > d.MaxRetryDelay:
		return fmt.Errorf("%w: task %q has min retry delay above max", ErrInvalidDefinition, d.Name)
	}
	return nil
}

func (d *TaskDefinition) handler() Handler {
	if d.RunBound != nil {
		return Handler(d.RunBound)
	}
	run := d.Run
	return func(ctx context.Context, _ *TaskContext, args Args, kwargs Kwargs) (any, error) {
		return run(ctx, args, kwargs)
	}
}

// ArgumentError reports a missing or mistyped task argument. Bad arguments
// never succeed on a retry, so it is fatal.
type ArgumentError struct {
	// Arg is the positional index ("#0") or keyword name.
	Arg  string
	Want string
	Got  any
}

func (e *ArgumentError) Error() string {
	if e.Got == nil {
		return fmt.Sprintf("taskwire: argument %s: missing, want %s", e.Arg, e.Want)
	}
	return fmt.Sprintf("taskwire: argument %s: got %T, want %s", e.Arg, e.Got, e.Want)
}

// Retryable implements the retry classification.
func (e *ArgumentError) Retryable() bool { return false }

// Args are the positional arguments of an invocation.
type Args []any

// Get returns argument i and whether it exists.
func (a Args) Get(i int) (any, bool) {
	if i < 0 || i >= len(a) {
		return nil, false
	}
	return a[i], true
}

func (a Args) value(i int, want string) (any, error) {
	v, ok := a.Get(i)
	if !ok || v == nil {
		return nil, &ArgumentError{Arg: fmt.Sprintf("#%d", i), Want: want}
	}
	return v, nil
}

// Int returns argument i as an integer.
func (a Args) Int(i int) (int64, error) {
	v, err := a.value(i, "integer")
	if err != nil {
		return 0, err
	}
	return asInt(fmt.Sprintf("#%d", i), v)
}

// Float returns argument i as a float.
func (a Args) Float(i int) (float64, error) {
	v, err := a.value(i, "number")
	if err != nil {
		return 0, err
	}
	return asFloat(fmt.Sprintf("#%d", i), v)
}

// String returns argument i as a string.
func (a Args) String(i int) (string, error) {
	v, err := a.value(i, "string")
	if err != nil {
		return "", err
	}
	return asString(fmt.Sprintf("#%d", i), v)
}

// Bool returns argument i as a bool.
func (a Args) Bool(i int) (bool, error) {
	v, err := a.value(i, "bool")
	if err != nil {
		return false, err
	}
	return asBool(fmt.Sprintf("#%d", i), v)
}

// Kwargs are the keyword arguments of an invocation.
type Kwargs map[string]any

// Get returns keyword k and whether it exists.
func (k Kwargs) Get(key string) (any, bool) {
	v, ok := k[key]
	return v, ok
}

func (k Kwargs) value(key, want string) (any, error) {
	v, ok := k[key]
	if !ok || v == nil {
		return nil, &ArgumentError{Arg: key, Want: want}
	}
	return v, nil
}

// Int returns keyword key as an integer.
func (k Kwargs) Int(key string) (int64, error) {
	v, err := k.value(key, "integer")
	if err != nil {
		return 0, err
	}
	return asInt(key, v)
}

// Float returns keyword key as a float.
func (k Kwargs) Float(key string) (float64, error) {
	v, err := k.value(key, "number")
	if err != nil {
		return 0, err
	}
	return asFloat(key, v)
}

// String returns keyword key as a string.
func (k Kwargs) String(key string) (string, error) {
	v, err := k.value(key, "string")
	if err != nil {
		return "", err
	}
	return asString(key, v)
}

// Bool returns keyword key as a bool.
func (k Kwargs) Bool(key string) (bool, error) {
	v, err := k.value(key, "bool")
	if err != nil {
		return false, err
	}
	return asBool(key, v)
}

// asInt accepts the serializers' int64 as well as integral floats and the
// sized ints of values that never crossed the wire.
func asInt(arg string, v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), nil
		}
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n), nil
		}
	case float64:
		if n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64 {
			return int64(n), nil
		}
	case float32:
		f := float64(n)
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), nil
		}
	}
	return 0, &ArgumentError{Arg: arg, Want: "integer", Got: v}
}

func asFloat(arg string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	if i, err := asInt(arg, v); err == nil {
		return float64(i), nil
	}
	return 0, &ArgumentError{Arg: arg, Want: "number", Got: v}
}

func asString(arg string, v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	}
	return "", &ArgumentError{Arg: arg, Want: "string", Got: v}
}

func asBool(arg string, v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, &ArgumentError{Arg: arg, Want: "bool", Got: v}
}

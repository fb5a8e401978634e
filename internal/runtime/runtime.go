package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/taskwire/broker"
	"github.com/UniQw/taskwire/internal/hctx"
	"github.com/UniQw/taskwire/protocol"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultConcurrency   = 10
	defaultShutdownGrace = 10 * time.Second
	defaultBrokerTimeout = 5 * time.Second
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Config configures an Engine. Zero values take the documented defaults.
type Config struct {
	// Queues to consume. One consumer loop runs per queue.
	Queues []string
	// Concurrency bounds simultaneously dispatched tasks across all queues. Default 10.
	Concurrency int
	// ShutdownGrace is how long in-flight tasks may keep running after Run's
	// context is cancelled. Default 10s; negative cancels them immediately.
	ShutdownGrace time.Duration
	// BrokerTimeout bounds each ack, reject and retry call. Default 5s.
	BrokerTimeout time.Duration
	Codec         *protocol.Codec
	Logger        Logger
	// OnStart is called when a delivery is dispatched to its task.
	OnStart func(Report)
	// OnFinish is called once per delivery with its terminal report.
	OnFinish func(Report)
}

// Engine pulls deliveries from a broker and drives each through the
// received, dispatched and terminal states.
type Engine struct {
	b       broker.Broker
	cfg     Config
	resolve Resolver
	codec   *protocol.Codec
	log     Logger
	sem     *semaphore.Weighted

	mu      sync.Mutex
	running bool
}

// New creates an engine. Run starts it.
func New(b broker.Broker, cfg Config, resolve Resolver) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = defaultBrokerTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.DefaultCodec()
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Engine{
		b:       b,
		cfg:     cfg,
		resolve: resolve,
		codec:   cfg.Codec,
		log:     lg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// ErrAlreadyRunning is returned by Run when the engine is already running.
var ErrAlreadyRunning = errors.New("taskwire: engine already running")

// Running reports whether Run is in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run consumes until ctx is cancelled or a queue loses its transport for good.
// On return no task of this engine is running any more. It returns nil on a
// cancelled ctx and the *broker.ConnectionError (or other consumer failure)
// otherwise.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if len(e.cfg.Queues) == 0 {
		return errors.New("taskwire: no queues configured")
	}
	e.log.Infof("engine starting: concurrency=%d queues=%v", e.cfg.Concurrency, e.cfg.Queues)

	// Task bodies outlive the pull context by up to ShutdownGrace.
	execCtx, cancelExec := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancelExec(nil)

	var tasks sync.WaitGroup
	g, pullCtx := errgroup.WithContext(ctx)
	for _, q := range e.cfg.Queues {
		g.Go(func() error { return e.consume(pullCtx, execCtx, q, &tasks) })
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		tasks.Wait()
		close(done)
	}()
	if e.cfg.ShutdownGrace > 0 {
		select {
		case <-done:
		case <-time.After(e.cfg.ShutdownGrace):
			e.log.Warnf("engine: shutdown grace %s elapsed; cancelling in-flight tasks", e.cfg.ShutdownGrace)
		}
	}
	cancelExec(errShutdown)
	<-done

	if err != nil {
		e.log.Errorf("engine stopped: %v", err)
		return err
	}
	e.log.Infof("engine stopped")
	return nil
}

// consume is the per-queue loop. A concurrency slot is acquired before the
// next delivery is pulled, so a saturated engine leaves messages in the broker.
func (e *Engine) consume(pullCtx, execCtx context.Context, queue string, tasks *sync.WaitGroup) error {
	c, err := e.b.Consume(pullCtx, queue)
	if err != nil {
		if pullCtx.Err() != nil {
			return nil
		}
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	for {
		if err := e.sem.Acquire(pullCtx, 1); err != nil {
			return nil
		}
		d, err := c.Next(pullCtx)
		if err != nil {
			e.sem.Release(1)
			if pullCtx.Err() != nil {
				return nil
			}
			return err
		}
		e.handle(execCtx, d, tasks)
	}
}

// handle runs the Received state in the consumer goroutine, which keeps
// dispatch start in delivery order. It owns one concurrency slot, which is
// handed to the task body once dispatched.
func (e *Engine) handle(execCtx context.Context, d *broker.Delivery, tasks *sync.WaitGroup) {
	start := time.Now()
	rep := Report{Queue: d.Queue, State: StateReceived}

	msg, err := e.codec.Decode(d.Body)
	if err != nil {
		e.rejectEarly(execCtx, d, rep, err, start)
		return
	}
	rep.ID, rep.Task, rep.Retries = msg.ID, msg.Task, msg.Retries

	if msg.Expired(start) {
		e.rejectEarly(execCtx, d, rep, fmt.Errorf("%w at %s", ErrExpired, msg.Expires.Format(time.RFC3339)), start)
		return
	}
	def, err := e.resolve(msg.Task)
	if err != nil {
		e.rejectEarly(execCtx, d, rep, err, start)
		return
	}

	if !def.AcksLate {
		if err := e.ack(execCtx, d); err != nil {
			// Not dispatched: the broker still owns the message and will redeliver it.
			rep.State = StateAborted
			rep.Err = fmt.Errorf("early ack: %w", err)
			e.finish(rep, start)
			e.sem.Release(1)
			return
		}
	}

	rep.State = StateDispatched
	rep.Dispatched = true
	if e.cfg.OnStart != nil {
		e.cfg.OnStart(rep)
	}
	tasks.Add(1)
	go func() {
		defer tasks.Done()
		e.execute(execCtx, d, msg, def, rep, start)
	}()
}

func (e *Engine) rejectEarly(ctx context.Context, d *broker.Delivery, rep Report, cause error, start time.Time) {
	defer e.sem.Release(1)
	if err := e.reject(ctx, d, false); err != nil {
		e.log.Errorf("reject failed: tag=%s queue=%s err=%v", d.Tag, d.Queue, err)
	}
	rep.State = StateRejected
	rep.Err = cause
	e.finish(rep, start)
}

type result struct {
	value any
	err   error
}

// execute runs the Dispatched state: the body races its timeout and the
// outcome drives the ack, retry or reject decision. The concurrency slot is
// released when the body returns, so a body that ignores its cancelled
// context still counts against Concurrency after its outcome is reported.
func (e *Engine) execute(execCtx context.Context, d *broker.Delivery, msg *protocol.Message, def *Definition, rep Report, start time.Time) {
	maxRetries := def.MaxRetries
	if msg.MaxRetries != nil {
		maxRetries = *msg.MaxRetries
	}
	timeout := def.Timeout
	if msg.TimeLimit != nil && *msg.TimeLimit > 0 {
		timeout = *msg.TimeLimit
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeoutCause(execCtx, timeout, errTimeout)
	} else {
		runCtx, cancel = context.WithCancel(execCtx)
	}
	defer cancel()
	runCtx = hctx.WithRequest(runCtx, &hctx.Request{
		ID:            msg.ID,
		Task:          msg.Task,
		Queue:         d.Queue,
		Retries:       msg.Retries,
		MaxRetries:    maxRetries,
		ETA:           msg.ETA,
		Expires:       msg.Expires,
		CorrelationID: msg.Properties.CorrelationID,
		ReplyTo:       msg.Properties.ReplyTo,
		Origin:        msg.Origin,
		RootID:        msg.RootID,
		ParentID:      msg.ParentID,
		Redelivered:   d.Redelivered,
	})

	done := make(chan result, 1)
	go func() {
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: newPanicError(r)}
			}
		}()
		v, err := def.Exec(runCtx, msg)
		done <- result{value: v, err: err}
	}()

	var res result
	finished := false
	select {
	case res = <-done:
		finished = true
	case <-runCtx.Done():
	}
	// A successful return counts; anything else after the context ended is
	// attributed to the timeout or to shutdown.
	if !finished || res.err != nil {
		switch cause := context.Cause(runCtx); {
		case errors.Is(cause, errTimeout):
			res = result{err: fmt.Errorf("%w after %s", ErrTimeout, timeout)}
		case errors.Is(cause, errShutdown):
			e.abort(execCtx, d, def, rep, start)
			return
		}
	}

	if res.err == nil {
		if def.AcksLate {
			if err := e.ack(execCtx, d); err != nil {
				e.log.Errorf("late ack failed: id=%s task=%s queue=%s err=%v", msg.ID, msg.Task, d.Queue, err)
			}
		}
		rep.State = StateSucceeded
		rep.Result = res.value
		e.finish(rep, start)
		return
	}

	rep.Err = res.err
	retryable, suggested := Classify(res.err)
	if !retryable || (maxRetries >= 0 && msg.Retries >= maxRetries) {
		e.fail(execCtx, d, def, rep, start)
		return
	}

	delay := RetryDelay(msg.Retries, def.MinRetryDelay, def.MaxRetryDelay, suggested)
	if err := e.retry(execCtx, msg, delay); err != nil {
		// A broken broker must not turn into a redelivery loop.
		e.log.Errorf("retry publish failed: id=%s task=%s queue=%s err=%v", msg.ID, msg.Task, d.Queue, err)
		rep.Err = errors.Join(res.err, err)
		e.fail(execCtx, d, def, rep, start)
		return
	}
	if def.AcksLate {
		// The successor is published, so the original is resolved without redelivery.
		if err := e.ack(execCtx, d); err != nil {
			e.log.Errorf("ack after retry failed: id=%s task=%s queue=%s err=%v", msg.ID, msg.Task, d.Queue, err)
		}
	}
	rep.State = StateRetryScheduled
	rep.Delay = delay
	e.finish(rep, start)
}

func (e *Engine) fail(ctx context.Context, d *broker.Delivery, def *Definition, rep Report, start time.Time) {
	if def.AcksLate {
		if err := e.reject(ctx, d, false); err != nil {
			e.log.Errorf("reject failed: id=%s task=%s queue=%s err=%v", rep.ID, rep.Task, d.Queue, err)
		}
	}
	rep.State = StateRejected
	e.finish(rep, start)
}

// abort handles a task cut short by shutdown. Late-ack deliveries go back to
// the broker; early-acked ones are lost and only reported.
func (e *Engine) abort(ctx context.Context, d *broker.Delivery, def *Definition, rep Report, start time.Time) {
	if def.AcksLate {
		if err := e.reject(ctx, d, true); err != nil {
			e.log.Errorf("requeue on shutdown failed: id=%s task=%s queue=%s err=%v", rep.ID, rep.Task, d.Queue, err)
		}
	}
	rep.State = StateAborted
	rep.Err = errShutdown
	e.finish(rep, start)
}

func (e *Engine) brokerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.BrokerTimeout)
}

func (e *Engine) ack(ctx context.Context, d *broker.Delivery) error {
	ctx, cancel := e.brokerCtx(ctx)
	defer cancel()
	return e.b.Ack(ctx, d)
}

func (e *Engine) reject(ctx context.Context, d *broker.Delivery, requeue bool) error {
	ctx, cancel := e.brokerCtx(ctx)
	defer cancel()
	return e.b.Reject(ctx, d, requeue)
}

func (e *Engine) retry(ctx context.Context, msg *protocol.Message, delay time.Duration) error {
	ctx, cancel := e.brokerCtx(ctx)
	defer cancel()
	return e.b.Retry(ctx, msg, delay)
}

func (e *Engine) finish(rep Report, start time.Time) {
	rep.Duration = time.Since(start)
	switch rep.State {
	case StateSucceeded:
		e.log.Debugf("processed: id=%s task=%s queue=%s duration=%s", rep.ID, rep.Task, rep.Queue, rep.Duration)
	case StateRetryScheduled:
		e.log.Warnf("retry scheduled: id=%s task=%s queue=%s retries=%d delay=%s err=%v", rep.ID, rep.Task, rep.Queue, rep.Retries, rep.Delay, rep.Err)
	case StateAborted:
		e.log.Warnf("aborted: id=%s task=%s queue=%s retries=%d err=%v", rep.ID, rep.Task, rep.Queue, rep.Retries, rep.Err)
	default:
		e.log.Errorf("task failed: id=%s task=%s queue=%s retries=%d err=%v", rep.ID, rep.Task, rep.Queue, rep.Retries, rep.Err)
	}
	if e.cfg.OnFinish != nil {
		e.cfg.OnFinish(rep)
	}
}

package broker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Unlimited as ReconnectPolicy.MaxAttempts retries until the context is done.
const Unlimited = -1

// ReconnectPolicy bounds the exponential backoff applied when the transport is unreachable.
type ReconnectPolicy struct {
	// InitialInterval is the first wait. Default 100ms.
	InitialInterval time.Duration
	// MaxInterval caps every wait. Default 10s.
	MaxInterval time.Duration
	// MaxAttempts is the total number of attempts, including the first.
	// Default 5; Unlimited retries forever.
	MaxAttempts int
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = 100 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 10 * time.Second
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	return p
}

func (p ReconnectPolicy) backOff(ctx context.Context) backoff.BackOff {
	p = p.withDefaults()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Reconnect runs op until it succeeds, the policy is exhausted, or ctx is done.
// Exhaustion yields *ConnectionError; a done context yields the context error.
func Reconnect(ctx context.Context, p ReconnectPolicy, lg Logger, op func(context.Context) error) error {
	if lg == nil {
		lg = NopLogger{}
	}
	attempts := 0
	var last error
	err := backoff.RetryNotify(func() error {
		attempts++
		last = op(ctx)
		return last
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		lg.Warnf("broker: connection attempt %d failed: %v; retrying in %s", attempts, err, wait)
	})
	if err == nil {
		if attempts > 1 {
			lg.Infof("broker: connection restored after %d attempts", attempts)
		}
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(last, &perm) {
		return perm.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, ctxErr) || last == nil) {
		return ctxErr
	}
	if last == nil {
		last = err
	}
	lg.Errorf("broker: giving up after %d attempts: %v", attempts, last)
	return &ConnectionError{Attempts: attempts, Err: last}
}

// Permanent marks an error returned from a Reconnect operation as not worth retrying.
// Reconnect returns the wrapped error unchanged.
func Permanent(err error) error { return backoff.Permanent(err) }

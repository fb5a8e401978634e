// Package broker defines the transport contract shared by producers and the
// worker engine, and the reconnect policy every transport applies.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/taskwire/protocol"
)

// Broker is implemented by every message transport.
// All methods must be safe for concurrent use.
type Broker interface {
	// Connect establishes the transport link, retrying with backoff per the
	// configured Reconnect policy. It returns *ConnectionError once the policy is exhausted.
	Connect(ctx context.Context) error
	// Publish encodes msg and makes it available on queue. A non-zero
	// opts.ETA defers delivery until that instant.
	Publish(ctx context.Context, queue string, msg *protocol.Message, opts PublishOptions) error
	// Consume returns a lazy, infinite stream of deliveries for queue.
	Consume(ctx context.Context, queue string) (Consumer, error)
	// Ack marks a delivery as fully processed. Acking an already resolved
	// delivery is logged and otherwise ignored.
	Ack(ctx context.Context, d *Delivery) error
	// Reject resolves a delivery negatively. requeue=true makes it available
	// again; requeue=false discards it or moves it to the dead-letter path.
	Reject(ctx context.Context, d *Delivery, requeue bool) error
	// Retry republishes msg with an incremented retry count to the queue it was
	// routed to, deferred by countdown. It is independent of any delivery handle.
	Retry(ctx context.Context, msg *protocol.Message, countdown time.Duration) error
	// Close releases the transport and stops background maintenance.
	Close() error
}

// Consumer yields deliveries for one queue.
type Consumer interface {
	// Next blocks until a delivery is available or ctx is done. Transport loss
	// is handled with the reconnect policy; *ConnectionError is returned when it
	// is exhausted.
	Next(ctx context.Context) (*Delivery, error)
}

// Delivery is one presentation of a message to a consumer.
// The handle must not be used after it has been acked or rejected.
type Delivery struct {
	// Tag is the transport-assigned handle for this delivery.
	Tag string
	// Queue the delivery was consumed from.
	Queue string
	// Body is the raw envelope as produced by protocol.Codec.Encode.
	Body []byte
	// Redelivered is set when the transport has presented this message before.
	Redelivered bool
	ReceivedAt  time.Time
}

// PublishOptions are per-publish delivery options.
type PublishOptions struct {
	// Priority > 0 is delivered before normal messages, < 0 after them.
	Priority int
	// ETA is the earliest delivery instant. Zero means immediately.
	ETA time.Time
}

// PastETAPolicy selects how a publish with an ETA already in the past is handled.
type PastETAPolicy int

const (
	// DeliverPastETA makes the message immediately available.
	DeliverPastETA PastETAPolicy = iota
	// RejectPastETA fails the publish with a *PublishError wrapping ErrETAExpired.
	RejectPastETA
)

func (p PastETAPolicy) String() string {
	switch p {
	case DeliverPastETA:
		return "deliver"
	case RejectPastETA:
		return "reject"
	}
	return fmt.Sprintf("PastETAPolicy(%d)", int(p))
}

// Config holds the transport-independent broker settings.
type Config struct {
	// Codec encodes published messages. Default protocol.DefaultCodec().
	Codec *protocol.Codec
	// Reconnect bounds the connection retry loop.
	Reconnect ReconnectPolicy
	// PastETA selects the policy for publishes whose ETA already passed.
	PastETA PastETAPolicy
	// DeadLetter keeps messages rejected without requeue instead of discarding them.
	DeadLetter bool
	// Logger for transport events. Default discards.
	Logger Logger
}

// WithDefaults returns a copy of c with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.Codec == nil {
		c.Codec = protocol.DefaultCodec()
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	c.Reconnect = c.Reconnect.withDefaults()
	return c
}

// CheckETA applies the past-ETA policy. It returns the ETA that should be used
// (zero when the message is immediately deliverable).
func (c Config) CheckETA(queue string, eta time.Time, now time.Time) (time.Time, error) {
	if eta.IsZero() || eta.After(now) {
		return eta, nil
	}
	if c.PastETA == RejectPastETA {
		return time.Time{}, &PublishError{Queue: queue, Err: ErrETAExpired}
	}
	return time.Time{}, nil
}

// PrepareRetry returns the successor of msg for a retry: a copy with the retry
// count incremented and the ETA moved to now+countdown when countdown is positive.
func PrepareRetry(msg *protocol.Message, countdown time.Duration, now time.Time) (*protocol.Message, PublishOptions) {
	next := msg.Clone()
	next.Retries++
	next.ETA = nil
	opts := PublishOptions{Priority: msg.Properties.Priority}
	if countdown > 0 {
		eta := now.Add(countdown).UTC()
		next.ETA = &eta
		opts.ETA = eta
	}
	return next, opts
}

// Band classifies a priority into one of three delivery bands.
type Band int

const (
	BandHigh Band = iota
	BandNormal
	BandLow
)

// Bands lists every band in delivery order.
var Bands = [...]Band{BandHigh, BandNormal, BandLow}

func (b Band) String() string {
	switch b {
	case BandHigh:
		return "high"
	case BandLow:
		return "low"
	}
	return "normal"
}

// BandOf maps a message priority to its band.
func BandOf(priority int) Band {
	switch {
	case priority > 0:
		return BandHigh
	case priority < 0:
		return BandLow
	}
	return BandNormal
}

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("taskwire: broker closed")

// ErrETAExpired is wrapped by a *PublishError when the past-ETA policy rejects a publish.
var ErrETAExpired = errors.New("taskwire: eta already passed")

// ConnectionError reports that the transport stayed unreachable after the
// reconnect policy was exhausted.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("taskwire: connection lost after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError reports a failed publish or retry publish.
type PublishError struct {
	Queue string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("taskwire: publish to %q failed: %v", e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

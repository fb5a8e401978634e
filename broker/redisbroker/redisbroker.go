// Package redisbroker is the reference broker.Broker transport on Redis.
//
// Each queue is a set of hash-tagged keys: one pending LIST per priority band,
// an active ZSET of leased deliveries scored by visibility deadline, a delayed
// ZSET scored by ETA, and a dead LIST. Deliveries whose lease expires are put
// back to pending by a reclaimer, which is how work held by a crashed worker is
// redelivered.
package redisbroker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/taskwire/broker"
	ikeys "github.com/UniQw/taskwire/internal/keys"
	"github.com/UniQw/taskwire/protocol"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultVisibility   = time.Hour
	defaultPollInterval = 50 * time.Millisecond
	schedulerInterval   = 100 * time.Millisecond
	reclaimInterval     = 200 * time.Millisecond
	cleanerInterval     = time.Second
	// maintenance drains at most this many members per tick
	batchSize = 256
)

// Config configures the Redis transport.
type Config struct {
	broker.Config

	// URL is a redis:// or rediss:// URL. Ignored when Client is set.
	URL string
	// Client is an existing connection. It is not closed by Close.
	Client redis.UniversalClient
	// VisibilityTimeout is how long a delivery stays leased before it is
	// redelivered. It must exceed the longest task run. Default 1h.
	VisibilityTimeout time.Duration
	// PollInterval is the wait between polls of an empty queue. Default 50ms.
	PollInterval time.Duration
	// KeyPrefix namespaces every key. Default "taskwire".
	KeyPrefix string
	// DeadRetention bounds how long dead letters are kept. Zero keeps them forever.
	DeadRetention time.Duration
}

// Broker is a broker.Broker backed by Redis.
type Broker struct {
	cfg       Config
	rdb       redis.UniversalClient
	ownClient bool
	log       broker.Logger

	mu     sync.Mutex
	queues map[string]ikeys.Queue
	maint  map[string]bool
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ broker.Broker = (*Broker)(nil)

// New creates a Redis broker. It does not contact the server; call Connect.
func New(cfg Config) (*Broker, error) {
	cfg.Config = cfg.Config.WithDefaults()
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibility
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = ikeys.DefaultPrefix
	}
	b := &Broker{
		cfg:    cfg,
		rdb:    cfg.Client,
		log:    cfg.Logger,
		queues: make(map[string]ikeys.Queue),
		maint:  make(map[string]bool),
		done:   make(chan struct{}),
	}
	if b.rdb == nil {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		b.rdb = redis.NewClient(opts)
		b.ownClient = true
	}
	return b, nil
}

// Client exposes the underlying Redis connection.
func (b *Broker) Client() redis.UniversalClient { return b.rdb }

func (b *Broker) keys(queue string) ikeys.Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.queues[queue]
	if !ok {
		k = ikeys.For(b.cfg.KeyPrefix, queue)
		b.queues[queue] = k
	}
	return k
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) ping(ctx context.Context) error {
	if b.isClosed() {
		return broker.Permanent(broker.ErrClosed)
	}
	return b.rdb.Ping(ctx).Err()
}

// Connect pings the server until it answers or the reconnect policy is exhausted.
func (b *Broker) Connect(ctx context.Context) error {
	return broker.Reconnect(ctx, b.cfg.Reconnect, b.log, b.ping)
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, queue string, msg *protocol.Message, opts broker.PublishOptions) error {
	if b.isClosed() {
		return &broker.PublishError{Queue: queue, Err: broker.ErrClosed}
	}
	m := msg.Clone()
	m.Properties.RoutingKey = queue
	m.Properties.Priority = opts.Priority
	m.Properties.DeliveryTag = uuid.NewString()
	raw, err := b.cfg.Codec.Encode(m)
	if err != nil {
		return err
	}
	eta, err := b.cfg.CheckETA(queue, opts.ETA, time.Now())
	if err != nil {
		return err
	}

	k := b.keys(queue)
	if !eta.IsZero() {
		err = b.rdb.ZAdd(ctx, k.Delayed, redis.Z{Score: etaScore(eta), Member: raw}).Err()
	} else {
		err = b.rdb.LPush(ctx, k.Pending[broker.BandOf(opts.Priority)], raw).Err()
	}
	if err != nil {
		return &broker.PublishError{Queue: queue, Err: err}
	}
	b.log.Debugf("redisbroker: published id=%s task=%s queue=%s", m.ID, m.Task, queue)
	return nil
}

// Consume implements broker.Broker. The first call for a queue starts its
// delayed scheduler, visibility reclaimer and dead-letter cleaner.
func (b *Broker) Consume(ctx context.Context, queue string) (broker.Consumer, error) {
	k := b.keys(queue)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	if !b.maint[queue] {
		b.maint[queue] = true
		b.startMaintenance(k)
	}
	b.mu.Unlock()
	return &consumer{b: b, k: k}, nil
}

type consumer struct {
	b *Broker
	k ikeys.Queue
}

// Next implements broker.Consumer.
func (c *consumer) Next(ctx context.Context) (*broker.Delivery, error) {
	b := c.b
	keys := []string{c.k.Pending[0], c.k.Pending[1], c.k.Pending[2], c.k.Active}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b.isClosed() {
			return nil, broker.ErrClosed
		}
		deadline := time.Now().Add(b.cfg.VisibilityTimeout).UnixMilli()
		res, err := dequeueScript.Run(ctx, b.rdb, keys, strconv.FormatInt(deadline, 10)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.log.Warnf("redisbroker: dequeue failed queue=%s err=%v; reconnecting", c.k.Name, err)
			if err := b.Connect(ctx); err != nil {
				return nil, err
			}
			continue
		}
		raw := memberBytes(res)
		if raw == nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-b.done:
				return nil, broker.ErrClosed
			case <-time.After(b.cfg.PollInterval):
			}
			continue
		}

		s, err := protocol.Peek(raw)
		tag := s.DeliveryTag
		if err != nil || tag == "" {
			// undecodable members still need a handle so the engine can reject them
			tag = uuid.NewString()
		}
		return &broker.Delivery{
			Tag:        tag,
			Queue:      c.k.Name,
			Body:       raw,
			ReceivedAt: time.Now(),
		}, nil
	}
}

// etaScore rounds up to the next millisecond so a message never becomes due early.
func etaScore(t time.Time) float64 {
	ms := t.UnixMilli()
	if t.Nanosecond()%int(time.Millisecond) != 0 {
		ms++
	}
	return float64(ms)
}

func memberBytes(res any) []byte {
	switch v := res.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

// Ack removes the lease. Acking a delivery that is no longer leased is logged and ignored.
func (b *Broker) Ack(ctx context.Context, d *broker.Delivery) error {
	k := b.keys(d.Queue)
	n, err := b.rdb.ZRem(ctx, k.Active, d.Body).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		b.log.Warnf("redisbroker: ack of unknown or already resolved delivery tag=%s queue=%s", d.Tag, d.Queue)
	}
	return nil
}

// Reject implements broker.Broker.
func (b *Broker) Reject(ctx context.Context, d *broker.Delivery, requeue bool) error {
	k := b.keys(d.Queue)
	var (
		n   int64
		err error
	)
	if requeue {
		s, _ := protocol.Peek(d.Body)
		n, err = moveScript.Run(ctx, b.rdb, []string{k.Active, k.Pending[broker.BandOf(s.Priority)]}, d.Body, "front").Int64()
	} else {
		keep, expire := "0", int64(0)
		if b.cfg.DeadLetter {
			keep = "1"
			if b.cfg.DeadRetention > 0 {
				expire = time.Now().Add(b.cfg.DeadRetention).UnixMilli()
			}
		}
		n, err = deadScript.Run(ctx, b.rdb, []string{k.Active, k.Dead, k.DeadExpiry}, d.Body, expire, keep).Int64()
	}
	if err != nil {
		return err
	}
	if n == 0 {
		b.log.Warnf("redisbroker: reject of unknown or already resolved delivery tag=%s queue=%s", d.Tag, d.Queue)
	}
	return nil
}

// Retry implements broker.Broker.
func (b *Broker) Retry(ctx context.Context, msg *protocol.Message, countdown time.Duration) error {
	queue := msg.Properties.RoutingKey
	if queue == "" {
		return &broker.PublishError{Err: errors.New("message has no routing key")}
	}
	next, opts := broker.PrepareRetry(msg, countdown, time.Now())
	return b.Publish(ctx, queue, next, opts)
}

// Close stops maintenance goroutines and, when the broker created the
// connection itself, closes it.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	if b.ownClient {
		return b.rdb.Close()
	}
	return nil
}

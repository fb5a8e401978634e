// Package membroker is an in-process broker.Broker. It honours the full
// contract (priorities, ETA, ack/reject, dead letters, reconnect) without a
// network, which makes it the transport of choice for engine tests.
package membroker

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/UniQw/taskwire/broker"
	"github.com/UniQw/taskwire/protocol"
	"github.com/google/uuid"
)

// ErrUnavailable is returned while the broker is marked down.
var ErrUnavailable = errors.New("membroker: transport unavailable")

type item struct {
	body        []byte
	queue       string
	band        broker.Band
	redelivered bool
	// seq orders in-flight items by delivery.
	seq uint64
}

type delayed struct {
	due time.Time
	seq uint64
	it  item
}

type delayHeap []delayed

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(delayed)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type queue struct {
	bands   [len(broker.Bands)][]item
	delayed delayHeap
}

func (q *queue) pending() int {
	n := 0
	for _, b := range q.bands {
		n += len(b)
	}
	return n
}

// Broker is an in-memory broker.Broker. The zero value is not usable; call New.
type Broker struct {
	cfg broker.Config

	mu       sync.Mutex
	queues   map[string]*queue
	inflight map[string]item
	dead     map[string][][]byte
	wake     chan struct{}
	seq      uint64
	down     bool
	closed   bool
}

var _ broker.Broker = (*Broker)(nil)

// New creates an empty in-memory broker.
func New(cfg broker.Config) *Broker {
	return &Broker{
		cfg:      cfg.WithDefaults(),
		queues:   make(map[string]*queue),
		inflight: make(map[string]item),
		dead:     make(map[string][][]byte),
		wake:     make(chan struct{}),
	}
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{}
		b.queues[name] = q
	}
	return q
}

// signalLocked wakes every waiting consumer.
func (b *Broker) signalLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *Broker) available() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.Permanent(broker.ErrClosed)
	}
	if b.down {
		return ErrUnavailable
	}
	return nil
}

// Connect succeeds immediately unless the broker is marked down, in which
// case it retries per the reconnect policy.
func (b *Broker) Connect(ctx context.Context) error {
	return broker.Reconnect(ctx, b.cfg.Reconnect, b.cfg.Logger, func(context.Context) error {
		return b.available()
	})
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, queueName string, msg *protocol.Message, opts broker.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return &broker.PublishError{Queue: queueName, Err: err}
	}
	m := msg.Clone()
	m.Properties.RoutingKey = queueName
	m.Properties.Priority = opts.Priority
	m.Properties.DeliveryTag = uuid.NewString()
	raw, err := b.cfg.Codec.Encode(m)
	if err != nil {
		return err
	}
	eta, err := b.cfg.CheckETA(queueName, opts.ETA, time.Now())
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &broker.PublishError{Queue: queueName, Err: broker.ErrClosed}
	}
	if b.down {
		return &broker.PublishError{Queue: queueName, Err: ErrUnavailable}
	}
	q := b.queueLocked(queueName)
	it := item{body: raw, queue: queueName, band: broker.BandOf(opts.Priority)}
	if !eta.IsZero() {
		b.seq++
		heap.Push(&q.delayed, delayed{due: eta, seq: b.seq, it: it})
	} else {
		q.bands[it.band] = append(q.bands[it.band], it)
	}
	b.signalLocked()
	return nil
}

// PublishRaw enqueues an already encoded body unchanged, bypassing the codec.
func (b *Broker) PublishRaw(queueName string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &broker.PublishError{Queue: queueName, Err: broker.ErrClosed}
	}
	q := b.queueLocked(queueName)
	q.bands[broker.BandNormal] = append(q.bands[broker.BandNormal], item{body: body, queue: queueName, band: broker.BandNormal})
	b.signalLocked()
	return nil
}

// Consume implements broker.Broker.
func (b *Broker) Consume(ctx context.Context, queueName string) (broker.Consumer, error) {
	if err := b.available(); err != nil {
		if errors.Is(err, broker.ErrClosed) {
			return nil, broker.ErrClosed
		}
		if err := b.Connect(ctx); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	b.queueLocked(queueName)
	b.mu.Unlock()
	return &consumer{b: b, queue: queueName}, nil
}

type consumer struct {
	b     *Broker
	queue string
}

// Next implements broker.Consumer.
func (c *consumer) Next(ctx context.Context) (*broker.Delivery, error) {
	b := c.b
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, broker.ErrClosed
		}
		if b.down {
			b.mu.Unlock()
			b.cfg.Logger.Warnf("membroker: consumer %s lost transport; reconnecting", c.queue)
			if err := b.Connect(ctx); err != nil {
				return nil, err
			}
			continue
		}

		now := time.Now()
		q := b.queueLocked(c.queue)
		for q.delayed.Len() > 0 && !q.delayed[0].due.After(now) {
			d := heap.Pop(&q.delayed).(delayed)
			q.bands[d.it.band] = append(q.bands[d.it.band], d.it)
		}
		for i := range q.bands {
			if len(q.bands[i]) == 0 {
				continue
			}
			it := q.bands[i][0]
			q.bands[i][0] = item{}
			q.bands[i] = q.bands[i][1:]
			tag := uuid.NewString()
			b.seq++
			it.seq = b.seq
			b.inflight[tag] = it
			b.mu.Unlock()
			return &broker.Delivery{
				Tag:         tag,
				Queue:       c.queue,
				Body:        it.body,
				Redelivered: it.redelivered,
				ReceivedAt:  now,
			}, nil
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if q.delayed.Len() > 0 {
			timer = time.NewTimer(q.delayed[0].due.Sub(now))
			fire = timer.C
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
		case <-wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Ack implements broker.Broker.
func (b *Broker) Ack(_ context.Context, d *broker.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrUnavailable
	}
	if _, ok := b.inflight[d.Tag]; !ok {
		b.cfg.Logger.Warnf("membroker: ack of unknown or already resolved delivery tag=%s queue=%s", d.Tag, d.Queue)
		return nil
	}
	delete(b.inflight, d.Tag)
	return nil
}

// Reject implements broker.Broker.
func (b *Broker) Reject(_ context.Context, d *broker.Delivery, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrUnavailable
	}
	it, ok := b.inflight[d.Tag]
	if !ok {
		b.cfg.Logger.Warnf("membroker: reject of unknown or already resolved delivery tag=%s queue=%s", d.Tag, d.Queue)
		return nil
	}
	delete(b.inflight, d.Tag)
	switch {
	case requeue:
		it.redelivered = true
		q := b.queueLocked(it.queue)
		q.bands[it.band] = append([]item{it}, q.bands[it.band]...)
		b.signalLocked()
	case b.cfg.DeadLetter:
		b.dead[it.queue] = append(b.dead[it.queue], it.body)
	}
	return nil
}

// Retry implements broker.Broker.
func (b *Broker) Retry(ctx context.Context, msg *protocol.Message, countdown time.Duration) error {
	queueName := msg.Properties.RoutingKey
	if queueName == "" {
		return &broker.PublishError{Err: errors.New("message has no routing key")}
	}
	next, opts := broker.PrepareRetry(msg, countdown, time.Now())
	return b.Publish(ctx, queueName, next, opts)
}

// Close implements broker.Broker. Waiting consumers return broker.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.signalLocked()
	return nil
}

// SetDown simulates losing (true) or regaining (false) the transport. Like a
// dropped AMQP channel, regaining it returns every unresolved delivery to the
// front of its queue marked as redelivered; their old tags become stale.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down && !down {
		b.requeueInflightLocked()
	}
	b.down = down
	b.signalLocked()
}

func (b *Broker) requeueInflightLocked() {
	if len(b.inflight) == 0 {
		return
	}
	items := make([]item, 0, len(b.inflight))
	for _, it := range b.inflight {
		items = append(items, it)
	}
	clear(b.inflight)
	// Prepend latest first so the earliest delivery ends up in front.
	slices.SortFunc(items, func(x, y item) int { return cmp.Compare(y.seq, x.seq) })
	for _, it := range items {
		it.redelivered = true
		q := b.queueLocked(it.queue)
		q.bands[it.band] = append([]item{it}, q.bands[it.band]...)
	}
}

// Len returns the number of messages waiting in queueName, delayed ones included.
func (b *Broker) Len(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return q.pending() + q.delayed.Len()
}

// InFlight returns the number of delivered but unresolved messages.
func (b *Broker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// DeadLetters returns a copy of the messages rejected without requeue from queueName.
func (b *Broker) DeadLetters(queueName string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.dead[queueName]...)
}

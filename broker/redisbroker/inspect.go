package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/UniQw/taskwire/broker"
	ikeys "github.com/UniQw/taskwire/internal/keys"
	"github.com/UniQw/taskwire/protocol"
	"github.com/redis/go-redis/v9"
)

// State names where a message currently lives inside a queue.
type State string

const (
	// StatePending contains messages ready for delivery (one LIST per band).
	StatePending State = "pending"
	// StateActive contains delivered, unresolved messages (ZSET).
	StateActive State = "active"
	// StateDelayed contains messages waiting for their ETA (ZSET).
	StateDelayed State = "delayed"
	// StateDead contains messages rejected without requeue (LIST).
	StateDead State = "dead"
)

// AllStates lists every queue state in a stable order.
var AllStates = []State{StatePending, StateActive, StateDelayed, StateDead}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	switch s {
	case string(StatePending):
		return StatePending, nil
	case string(StateActive):
		return StateActive, nil
	case string(StateDelayed):
		return StateDelayed, nil
	case string(StateDead):
		return StateDead, nil
	default:
		return "", ErrUnknownState
	}
}

// ErrUnknownState is returned when an invalid state is used.
var ErrUnknownState = errors.New("taskwire: unknown queue state")

// ErrActiveState is returned when an operation is not allowed on a leased message.
var ErrActiveState = errors.New("taskwire: operation not allowed on active message")

// ErrMessageNotFound is returned when no message with the given id exists in the queue.
var ErrMessageNotFound = errors.New("taskwire: message not found")

// MessageFilter is a function used to filter messages during List.
type MessageFilter func(*protocol.Message) bool

type located struct {
	key string
	raw string
	msg *protocol.Message
}

func (b *Broker) stateKeys(k ikeys.Queue, state State) ([]string, error) {
	switch state {
	case StatePending:
		return k.Pending[:], nil
	case StateActive:
		return []string{k.Active}, nil
	case StateDelayed:
		return []string{k.Delayed}, nil
	case StateDead:
		return []string{k.Dead}, nil
	}
	return nil, ErrUnknownState
}

func (b *Broker) scan(ctx context.Context, queue string, state State, filter MessageFilter) ([]located, error) {
	keys, err := b.stateKeys(b.keys(queue), state)
	if err != nil {
		return nil, err
	}
	var out []located
	for _, key := range keys {
		typ, err := b.rdb.Type(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		var strs []string
		switch typ {
		case "none":
			continue
		case "list":
			// LPUSH'd lists are newest first; walk them oldest first
			strs, err = b.rdb.LRange(ctx, key, 0, -1).Result()
			for i, j := 0, len(strs)-1; i < j; i, j = i+1, j-1 {
				strs[i], strs[j] = strs[j], strs[i]
			}
		case "zset":
			strs, err = b.rdb.ZRange(ctx, key, 0, -1).Result()
		default:
			return nil, fmt.Errorf("unsupported redis type: %s", typ)
		}
		if err != nil {
			return nil, err
		}
		for _, s := range strs {
			m, err := b.cfg.Codec.Decode([]byte(s))
			if err != nil {
				continue
			}
			if filter == nil || filter(m) {
				out = append(out, located{key: key, raw: s, msg: m})
			}
		}
	}
	return out, nil
}

// List returns the decodable messages of queue in the given state, oldest
// first within each key. Pending messages are listed high band first.
func (b *Broker) List(ctx context.Context, queue string, state State, filter MessageFilter) ([]*protocol.Message, error) {
	found, err := b.scan(ctx, queue, state, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*protocol.Message, 0, len(found))
	for _, f := range found {
		out = append(out, f.msg)
	}
	return out, nil
}

// Stats returns the number of messages in each state of queue.
func (b *Broker) Stats(ctx context.Context, queue string) (map[State]int64, error) {
	k := b.keys(queue)
	pipe := b.rdb.Pipeline()
	var pending [len(k.Pending)]*redis.IntCmd
	for i, key := range k.Pending {
		pending[i] = pipe.LLen(ctx, key)
	}
	active := pipe.ZCard(ctx, k.Active)
	delayed := pipe.ZCard(ctx, k.Delayed)
	dead := pipe.LLen(ctx, k.Dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := map[State]int64{
		StateActive:  active.Val(),
		StateDelayed: delayed.Val(),
		StateDead:    dead.Val(),
	}
	for _, c := range pending {
		out[StatePending] += c.Val()
	}
	return out, nil
}

func (b *Broker) find(ctx context.Context, queue, id string, states ...State) (located, State, error) {
	for _, s := range states {
		found, err := b.scan(ctx, queue, s, func(m *protocol.Message) bool { return m.ID == id })
		if err != nil {
			return located{}, "", err
		}
		if len(found) > 0 {
			return found[0], s, nil
		}
	}
	return located{}, "", ErrMessageNotFound
}

// Delete removes the message with the given id from queue. It searches the
// pending, delayed and dead states. A leased message cannot be deleted.
func (b *Broker) Delete(ctx context.Context, queue, id string) error {
	f, state, err := b.find(ctx, queue, id, StatePending, StateDelayed, StateDead)
	if errors.Is(err, ErrMessageNotFound) {
		if active, _ := b.List(ctx, queue, StateActive, func(m *protocol.Message) bool { return m.ID == id }); len(active) > 0 {
			return ErrActiveState
		}
	}
	if err != nil {
		return err
	}
	k := b.keys(queue)
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		switch state {
		case StateDelayed:
			p.ZRem(ctx, f.key, f.raw)
		case StateDead:
			p.LRem(ctx, f.key, 1, f.raw)
			p.ZRem(ctx, k.DeadExpiry, f.raw)
		default:
			p.LRem(ctx, f.key, 1, f.raw)
		}
		return nil
	})
	return err
}

// RetryDead republishes a dead-lettered message to its queue with the retry
// count reset. The invocation id is preserved.
func (b *Broker) RetryDead(ctx context.Context, queue, id string) error {
	f, _, err := b.find(ctx, queue, id, StateDead)
	if err != nil {
		return err
	}
	k := b.keys(queue)
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, k.Dead, 1, f.raw)
		p.ZRem(ctx, k.DeadExpiry, f.raw)
		return nil
	})
	if err != nil {
		return err
	}
	m := f.msg
	m.Retries = 0
	m.ETA = nil
	return b.Publish(ctx, queue, m, broker.PublishOptions{Priority: m.Properties.Priority})
}

// Queues returns the sorted names of every queue that currently holds keys
// under the configured prefix.
func (b *Broker) Queues(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	iter := b.rdb.Scan(ctx, 0, b.cfg.KeyPrefix+":{*}:*", 256).Iterator()
	for iter.Next(ctx) {
		if q := ExtractQueueName(iter.Val()); q != "" {
			seen[q] = struct{}{}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	slices.Sort(out)
	return out, nil
}

// ExtractQueueName parses a queue name from a raw Redis key (e.g. "taskwire:{default}:pending:high").
// It returns an empty string if the format is invalid.
func ExtractQueueName(key string) string {
	start := strings.Index(key, "{")
	if start == -1 {
		return ""
	}
	end := strings.Index(key, "}")
	if end == -1 || end <= start+1 {
		return ""
	}
	return key[start+1 : end]
}

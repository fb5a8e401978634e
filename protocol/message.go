// Package protocol implements the task message wire format: a Celery-style
// JSON envelope whose headers carry the routing-relevant task metadata and
// whose body is the serialized [args, kwargs, embed] triple.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Message is the logical task invocation exchanged between producers and workers.
type Message struct {
	// ID identifies the invocation. It is echoed unchanged through every retry.
	ID string
	// Task is the registered task name.
	Task string
	// Args are the positional arguments, in order.
	Args []any
	// Kwargs are the keyword arguments.
	Kwargs map[string]any
	// Retries is the number of times this invocation has been retried.
	Retries int
	// ETA is the earliest instant the task may be delivered to a worker.
	ETA *time.Time
	// Expires is the instant after which the task must not be executed.
	Expires *time.Time
	// MaxRetries overrides the task definition's retry limit for this invocation.
	MaxRetries *int
	// TimeLimit overrides the task definition's timeout for this invocation.
	TimeLimit *time.Duration

	RootID   string
	ParentID string
	// Origin names the producer (host or process) that created the invocation.
	Origin string

	Properties Properties
}

// Properties are the delivery properties of a message.
type Properties struct {
	ContentType     string
	ContentEncoding string
	// Compression names the compressor applied to the serialized body, if any.
	Compression   string
	CorrelationID string
	ReplyTo       string
	Priority      int
	// DeliveryTag is assigned by the broker on every publish.
	DeliveryTag string
	Exchange    string
	RoutingKey  string
}

// NewMessage creates a message for task with a fresh invocation id and JSON content type.
func NewMessage(task string, args []any, kwargs map[string]any) *Message {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	id := uuid.NewString()
	return &Message{
		ID:     id,
		Task:   task,
		Args:   args,
		Kwargs: kwargs,
		RootID: id,
		Properties: Properties{
			ContentType:     ContentTypeJSON,
			ContentEncoding: EncodingUTF8,
			CorrelationID:   id,
		},
	}
}

// Clone returns a copy of m that shares argument values but not pointers to options.
func (m *Message) Clone() *Message {
	c := *m
	if m.ETA != nil {
		t := *m.ETA
		c.ETA = &t
	}
	if m.Expires != nil {
		t := *m.Expires
		c.Expires = &t
	}
	if m.MaxRetries != nil {
		n := *m.MaxRetries
		c.MaxRetries = &n
	}
	if m.TimeLimit != nil {
		d := *m.TimeLimit
		c.TimeLimit = &d
	}
	return &c
}

// Expired reports whether the message has an expiry that lies before now.
func (m *Message) Expired(now time.Time) bool {
	return m.Expires != nil && now.After(*m.Expires)
}

package taskwire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/UniQw/taskwire/broker"
	"github.com/UniQw/taskwire/protocol"
)

// ClientConfig defines the configuration for a Client.
type ClientConfig struct {
	// DefaultQueue receives tasks no route matches. Default "celery".
	DefaultQueue string
	// Routes map task name patterns to queues, first match wins.
	Routes []Route
	// ContentType is the default body serializer. Default application/json.
	ContentType string
	// Compression is the default body compressor. Default none.
	Compression string
	// Origin names this producer in message headers. Default gen<pid>@<hostname>.
	Origin string
	// Logger is the logger used for client events.
	Logger Logger
}

// Client sends task invocations through a broker.
type Client struct {
	b      broker.Broker
	router *Router
	cfg    ClientConfig
	log    Logger
}

// NewClient creates a new taskwire client. It fails only on invalid routes.
func NewClient(b broker.Broker, cfg ClientConfig) (*Client, error) {
	router, err := NewRouter(cfg.DefaultQueue, cfg.Routes...)
	if err != nil {
		return nil, err
	}
	if cfg.Origin == "" {
		host, _ := os.Hostname()
		cfg.Origin = fmt.Sprintf("gen%d@%s", os.Getpid(), host)
	}
	l := cfg.Logger
	if l == nil {
		l = NopLogger{}
	}
	return &Client{b: b, router: router, cfg: cfg, log: l}, nil
}

// QueueFor returns the queue a task named name is routed to.
func (c *Client) QueueFor(name string) string { return c.router.Route(name) }

// Send publishes one invocation of the task name and returns its id.
// Failures are a *protocol.SerializationError when the arguments cannot be
// encoded or a *broker.PublishError when the broker refused the message.
func (c *Client) Send(ctx context.Context, name string, args []any, kwargs map[string]any, opts ...Option) (string, error) {
	if name == "" {
		return "", errors.New("taskwire: empty task name")
	}
	cfg := &options{
		contentType: c.cfg.ContentType,
		compression: c.cfg.Compression,
		origin:      c.cfg.Origin,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	msg := protocol.NewMessage(name, args, kwargs)
	eta := cfg.apply(msg, time.Now())
	queue := cfg.queue
	if queue == "" {
		queue = c.router.Route(name)
	}

	err := c.b.Publish(ctx, queue, msg, broker.PublishOptions{Priority: cfg.priority, ETA: eta})
	if err != nil {
		c.log.Errorf("send failed: id=%s task=%s queue=%s err=%v", msg.ID, name, queue, err)
		return "", err
	}
	c.log.Debugf("sent: id=%s task=%s queue=%s", msg.ID, name, queue)
	return msg.ID, nil
}

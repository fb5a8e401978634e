package taskwire

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/UniQw/taskwire/broker"
	"github.com/UniQw/taskwire/broker/membroker"
	"github.com/UniQw/taskwire/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemClient(t *testing.T, bcfg broker.Config, cfg ClientConfig) (*Client, *membroker.Broker) {
	t.Helper()
	mb := membroker.New(bcfg)
	t.Cleanup(func() { _ = mb.Close() })
	c, err := NewClient(mb, cfg)
	require.NoError(t, err)
	return c, mb
}

// receive pulls the next message of queue and decodes it.
func receive(t *testing.T, b broker.Broker, queue string) (*broker.Delivery, *protocol.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := b.Consume(ctx, queue)
	require.NoError(t, err)
	d, err := c.Next(ctx)
	require.NoError(t, err)
	msg, err := protocol.DefaultCodec().Decode(d.Body)
	require.NoError(t, err)
	return d, msg
}

func TestClient_Send_Basics(t *testing.T) {
	c, mb := newMemClient(t, broker.Config{}, ClientConfig{Origin: "gen1@test"})
	ctx := context.Background()

	id, err := c.Send(ctx, "add", []any{2, 3}, map[string]any{"z": "x"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, mb.Len(DefaultQueue))

	d, msg := receive(t, mb, DefaultQueue)
	assert.Equal(t, DefaultQueue, d.Queue)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, id, msg.RootID)
	assert.Equal(t, id, msg.Properties.CorrelationID)
	assert.Equal(t, "add", msg.Task)
	assert.Equal(t, []any{int64(2), int64(3)}, msg.Args)
	assert.Equal(t, map[string]any{"z": "x"}, msg.Kwargs)
	assert.Equal(t, 0, msg.Retries)
	assert.Equal(t, "gen1@test", msg.Origin)
	assert.Equal(t, DefaultQueue, msg.Properties.RoutingKey)
	assert.Nil(t, msg.ETA)
	assert.Nil(t, msg.Expires)

	_, err = c.Send(ctx, "", nil, nil)
	assert.Error(t, err)
}

func TestClient_Send_Options(t *testing.T) {
	c, mb := newMemClient(t, broker.Config{}, ClientConfig{})
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	id, err := c.Send(ctx, "t", []any{"a"}, nil,
		TaskID("fixed-id"),
		Queue("custom"),
		Expires(exp),
		MaxRetries(4),
		TimeLimit(1500*time.Millisecond),
		CorrelationID("corr"),
		ReplyTo("replies"),
		Origin("me"),
		ContentType(protocol.ContentTypeMsgpack),
		Compression(protocol.CompressionZstd),
	)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)
	assert.Equal(t, 0, mb.Len(DefaultQueue))

	_, msg := receive(t, mb, "custom")
	assert.Equal(t, "fixed-id", msg.ID)
	require.NotNil(t, msg.Expires)
	assert.True(t, exp.Equal(*msg.Expires))
	require.NotNil(t, msg.MaxRetries)
	assert.Equal(t, 4, *msg.MaxRetries)
	require.NotNil(t, msg.TimeLimit)
	assert.Equal(t, 1500*time.Millisecond, *msg.TimeLimit)
	assert.Equal(t, "corr", msg.Properties.CorrelationID)
	assert.Equal(t, "replies", msg.Properties.ReplyTo)
	assert.Equal(t, "me", msg.Origin)
	assert.Equal(t, protocol.ContentTypeMsgpack, msg.Properties.ContentType)
	assert.Equal(t, protocol.EncodingBinary, msg.Properties.ContentEncoding)
	assert.Equal(t, protocol.CompressionZstd, msg.Properties.Compression)
	assert.Equal(t, []any{"a"}, msg.Args)
}

func TestClient_Send_CountdownAndPriority(t *testing.T) {
	c, mb := newMemClient(t, broker.Config{}, ClientConfig{})
	ctx := context.Background()

	_, err := c.Send(ctx, "later", nil, nil, Countdown(time.Hour))
	require.NoError(t, err)
	low, err := c.Send(ctx, "low", nil, nil, Priority(-1))
	require.NoError(t, err)
	high, err := c.Send(ctx, "high", nil, nil, Priority(5))
	require.NoError(t, err)
	assert.Equal(t, 3, mb.Len(DefaultQueue))

	_, first := receive(t, mb, DefaultQueue)
	assert.Equal(t, high, first.ID)
	assert.Equal(t, 5, first.Properties.Priority)
	_, second := receive(t, mb, DefaultQueue)
	assert.Equal(t, low, second.ID)
	// the delayed one stays behind
	assert.Equal(t, 1, mb.Len(DefaultQueue))
}

func TestClient_Send_ETAHeader(t *testing.T) {
	c, mb := newMemClient(t, broker.Config{}, ClientConfig{})
	eta := time.Now().Add(50 * time.Millisecond)
	_, err := c.Send(context.Background(), "t", nil, nil, ETA(eta))
	require.NoError(t, err)

	_, msg := receive(t, mb, DefaultQueue)
	require.NotNil(t, msg.ETA)
	assert.True(t, eta.UTC().Equal(*msg.ETA))
	assert.False(t, time.Now().Before(eta), "delivered before its eta")
}

func TestClient_Send_Routing(t *testing.T) {
	c, mb := newMemClient(t, broker.Config{}, ClientConfig{
		DefaultQueue: "default",
		Routes: []Route{
			{Pattern: "email.*", Queue: "mail"},
			{Pattern: "*", Queue: "catchall-never-first"},
		},
	})
	assert.Equal(t, "mail", c.QueueFor("email.send"))
	assert.Equal(t, "catchall-never-first", c.QueueFor("other"))

	_, err := c.Send(context.Background(), "email.send", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, mb.Len("mail"))

	_, err = NewClient(mb, ClientConfig{Routes: []Route{{Pattern: "[", Queue: "x"}}})
	assert.Error(t, err)
}

func TestClient_Send_Failures(t *testing.T) {
	ctx := context.Background()

	c, mb := newMemClient(t, broker.Config{}, ClientConfig{})
	_, err := c.Send(ctx, "t", []any{math.Inf(1)}, nil)
	var se *protocol.SerializationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 0, mb.Len(DefaultQueue), "nothing published on serialization failure")

	_, err = c.Send(ctx, "t", nil, nil, ContentType("application/x-unknown"))
	assert.ErrorIs(t, err, protocol.ErrUnsupportedContentType)

	strict, smb := newMemClient(t, broker.Config{PastETA: broker.RejectPastETA}, ClientConfig{})
	_, err = strict.Send(ctx, "t", nil, nil, ETA(time.Now().Add(-time.Minute)))
	var pe *broker.PublishError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, broker.ErrETAExpired)
	assert.Equal(t, 0, smb.Len(DefaultQueue))

	lenient, lmb := newMemClient(t, broker.Config{}, ClientConfig{})
	_, err = lenient.Send(ctx, "t", nil, nil, ETA(time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, 1, lmb.Len(DefaultQueue))

	require.NoError(t, mb.Close())
	_, err = c.Send(ctx, "t", nil, nil)
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, broker.ErrClosed)
}

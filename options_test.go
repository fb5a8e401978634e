package taskwire

import (
	"testing"
	"time"

	"github.com/UniQw/taskwire/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_Setters(t *testing.T) {
	var o options

	TaskID("id-1")(&o)
	require.Equal(t, "id-1", o.id, "TaskID not set")

	Countdown(3 * time.Second)(&o)
	require.Equal(t, 3*time.Second, o.countdown, "Countdown not set")

	MaxRetries(7)(&o)
	require.NotNil(t, o.maxRetries)
	require.Equal(t, 7, *o.maxRetries, "MaxRetries not set")

	TimeLimit(time.Minute)(&o)
	require.Equal(t, time.Minute, *o.timeLimit)

	ExpireIn(time.Second)(&o)
	require.False(t, o.expires.IsZero(), "ExpireIn should set expires")

	t0 := time.Now().Add(10 * time.Second)
	Expires(t0)(&o)
	require.Equal(t, t0, o.expires)

	Queue("q")(&o)
	Priority(-3)(&o)
	require.Equal(t, "q", o.queue)
	require.Equal(t, -3, o.priority)
}

func TestOptions_Apply(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	msg := protocol.NewMessage("t", nil, nil)
	o := options{countdown: time.Minute}
	eta := o.apply(msg, now)
	assert.Equal(t, now.Add(time.Minute), eta)
	require.NotNil(t, msg.ETA)
	assert.Equal(t, eta, *msg.ETA)

	// an explicit ETA wins over the countdown
	at := now.Add(time.Hour)
	msg = protocol.NewMessage("t", nil, nil)
	o = options{countdown: time.Minute, eta: at}
	assert.Equal(t, at, o.apply(msg, now))

	// no scheduling leaves the message immediate
	msg = protocol.NewMessage("t", nil, nil)
	o = options{}
	assert.True(t, o.apply(msg, now).IsZero())
	assert.Nil(t, msg.ETA)
	assert.Nil(t, msg.Expires)
	assert.Nil(t, msg.MaxRetries)
	assert.Equal(t, protocol.ContentTypeJSON, msg.Properties.ContentType)

	// a custom id is also the root and default correlation id
	msg = protocol.NewMessage("t", nil, nil)
	o = options{id: "abc"}
	o.apply(msg, now)
	assert.Equal(t, "abc", msg.ID)
	assert.Equal(t, "abc", msg.RootID)
	assert.Equal(t, "abc", msg.Properties.CorrelationID)

	// switching the serializer resets the encoding to the serializer's own
	msg = protocol.NewMessage("t", nil, nil)
	o = options{contentType: protocol.ContentTypeYAML}
	o.apply(msg, now)
	assert.Equal(t, protocol.ContentTypeYAML, msg.Properties.ContentType)
	assert.Empty(t, msg.Properties.ContentEncoding)
}

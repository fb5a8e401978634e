package taskwire

import (
	"testing"
	"time"

	"github.com/UniQw/taskwire/broker"
	"github.com/UniQw/taskwire/broker/membroker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler(t *testing.T) {
	mb := membroker.New(broker.Config{})
	cli, err := NewClient(mb, ClientConfig{})
	require.NoError(t, err)
	s := NewScheduler(cli, nil)

	_, err = s.Add("not a spec", "t", nil, nil)
	assert.Error(t, err)

	id, err := s.Add("@every 1s", "beat.tick", []any{1}, nil, Queue("beat"))
	require.NoError(t, err)
	// seconds field is optional
	other, err := s.Add("*/30 * * * * *", "beat.other", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	s.Remove(other)
	assert.Equal(t, 1, s.Len())

	s.Start()
	require.Eventually(t, func() bool { return mb.Len("beat") >= 1 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
	s.Remove(id)
	assert.Zero(t, s.Len())

	_, msg := receive(t, mb, "beat")
	assert.Equal(t, "beat.tick", msg.Task)
	assert.Equal(t, []any{int64(1)}, msg.Args)
	assert.Zero(t, mb.Len(DefaultQueue))
}

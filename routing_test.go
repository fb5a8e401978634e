package taskwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter(t *testing.T) {
	r, err := NewRouter("", Route{Pattern: "video.*", Queue: "video"}, Route{Pattern: "report.daily", Queue: "reports"})
	require.NoError(t, err)
	assert.Equal(t, "video", r.Route("video.encode"))
	assert.Equal(t, "reports", r.Route("report.daily"))
	assert.Equal(t, DefaultQueue, r.Route("report.weekly"))
	assert.Equal(t, DefaultQueue, r.Route("video"))

	r, err = NewRouter("jobs")
	require.NoError(t, err)
	assert.Equal(t, "jobs", r.Route("anything"))

	_, err = NewRouter("", Route{Pattern: "x"})
	assert.Error(t, err)
	_, err = NewRouter("", Route{Pattern: "a[", Queue: "q"})
	assert.Error(t, err)
}

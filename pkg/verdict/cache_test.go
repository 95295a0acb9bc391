package verdict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache(time.Minute)

	_, ok := c.Get("run-1")
	assert.False(t, ok)

	pv := &PipelineVerdict{RunID: "run-1", Verdict: ClassificationFlaky}
	c.Set("run-1", pv)

	got, ok := c.Get("run-1")
	require.True(t, ok)
	assert.Same(t, pv, got)

	c.Invalidate("run-1")

	_, ok = c.Get("run-1")
	assert.False(t, ok)
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(10 * time.Millisecond)
	c.Set("run-1", &PipelineVerdict{RunID: "run-1"})

	time.Sleep(25 * time.Millisecond)

	_, ok := c.Get("run-1")
	assert.False(t, ok)
}

func TestNopCache(t *testing.T) {
	c := NopCache{}
	c.Set("run-1", &PipelineVerdict{})

	_, ok := c.Get("run-1")
	assert.False(t, ok)

	c.Invalidate("run-1")
}

package verdict

import (
	"sync"
	"time"
)

// Cache memoizes pipeline verdicts keyed by run identity. The engine
// never populates it implicitly beyond AnalyzePipeline; invalidation is
// the owner's responsibility and is triggered when new results arrive
// for a run.
type Cache interface {
	Get(runID string) (*PipelineVerdict, bool)
	Set(runID string, v *PipelineVerdict)
	Invalidate(runID string)
}

type cacheEntry struct {
	verdict   *PipelineVerdict
	expiresAt time.Time
}

type memoryCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewMemoryCache creates an in-process cache whose entries expire after
// ttl.
func NewMemoryCache(ttl time.Duration) Cache {
	return &memoryCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *memoryCache) Get(runID string) (*PipelineVerdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[runID]
	if !ok {
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		delete(c.entries, runID)

		return nil, false
	}

	return entry.verdict, true
}

func (c *memoryCache) Set(runID string, v *PipelineVerdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[runID] = cacheEntry{
		verdict:   v,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *memoryCache) Invalidate(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, runID)
}

// NopCache disables memoization.
type NopCache struct{}

func (NopCache) Get(string) (*PipelineVerdict, bool) { return nil, false }
func (NopCache) Set(string, *PipelineVerdict)        {}
func (NopCache) Invalidate(string)                   {}

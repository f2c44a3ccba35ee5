package auditlog

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const DefaultCacheSize = 500

// DedupCache maps audit-log entry IDs to the last snapshot a correlator
// examined. Each correlator owns its own instance.
type DedupCache struct {
	mu      sync.Mutex
	entries *simplelru.LRU[string, Entry]
}

// Decision is evaluated against the cached snapshot of a candidate.
type Decision func(prev Entry, seen bool) (accept, store bool)

func NewDedupCache(size int) *DedupCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := simplelru.NewLRU[string, Entry](size, nil)
	if err != nil {
		panic(err)
	}
	return &DedupCache{entries: entries}
}

func (c *DedupCache) Get(entryID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(entryID)
}

func (c *DedupCache) Set(entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(entry.ID, entry)
}

func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Observe looks up the candidate, applies decide and stores the candidate when
// asked to, all under one lock so two events can never both claim the same
// entry state.
func (c *DedupCache) Observe(candidate Entry, decide Decision) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, seen := c.entries.Get(candidate.ID)
	accept, store := decide(prev, seen)
	if store {
		c.entries.Add(candidate.ID, candidate)
	}
	return accept
}

package scanning

import (
	"sync"
	"time"
)

// Transcript is the merged output of every backend that answered
type Transcript struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Backends   []string  `json:"backends"`
	CreatedAt  time.Time `json:"created_at"`
}

// TranscriptCache stores merged transcripts keyed by content hash.
// Get reports found=false on a miss.
type TranscriptCache interface {
	Get(hash string) (*Transcript, bool, error)
	Put(hash string, t *Transcript) error
}

// MemoryCache is an in-process TranscriptCache
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Transcript
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Transcript)}
}

func (c *MemoryCache) Get(hash string) (*Transcript, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.entries[hash]
	if !ok {
		return nil, false, nil
	}
	t.Backends = append([]string(nil), t.Backends...)
	return &t, true, nil
}

func (c *MemoryCache) Put(hash string, t *Transcript) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *t
	stored.Backends = append([]string(nil), t.Backends...)
	c.entries[hash] = stored
	return nil
}

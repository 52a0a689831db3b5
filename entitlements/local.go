package entitlements

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultLocalMaxEntries bounds the in-process tier so a large user
	// population cannot exhaust memory when the distributed tier is down.
	DefaultLocalMaxEntries = 10000

	// DefaultLocalSweepInterval is how often expired entries are swept.
	DefaultLocalSweepInterval = 1 * time.Minute
)

// localEntry wraps a snapshot with its expiry.
type localEntry struct {
	snapshot  *Snapshot
	expiresAt time.Time
	cachedAt  time.Time
}

// Local is a bounded in-process cache tier with TTL expiry and a background
// eviction sweep. It is the fallback when no distributed tier is configured
// or the distributed tier errors.
type Local struct {
	mu         sync.RWMutex
	entries    map[string]*localEntry
	maxEntries int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLocal creates a bounded in-process cache tier. maxEntries <= 0 selects
// DefaultLocalMaxEntries.
func NewLocal(maxEntries int) *Local {
	return NewLocalWithInterval(maxEntries, DefaultLocalSweepInterval)
}

// NewLocalWithInterval creates a Local with a custom sweep interval.
// Primarily useful in tests.
func NewLocalWithInterval(maxEntries int, sweepInterval time.Duration) *Local {
	if maxEntries <= 0 {
		maxEntries = DefaultLocalMaxEntries
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultLocalSweepInterval
	}

	c := &Local{
		entries:    make(map[string]*localEntry),
		maxEntries: maxEntries,
		stopCh:     make(chan struct{}),
	}

	go c.sweepLoop(sweepInterval)

	return c
}

func cacheKey(userID, toolID string) string {
	return toolID + "\x00" + userID
}

// Get implements Cache. Expired entries are treated as misses; the sweep
// removes them later.
func (c *Local) Get(_ context.Context, userID, toolID string) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey(userID, toolID)]
	if !ok {
		return nil, ErrCacheMiss
	}
	if time.Now().After(entry.expiresAt) {
		return nil, ErrCacheMiss
	}

	snapshot := *entry.snapshot
	return &snapshot, nil
}

// Set implements Cache. When the cache is full the oldest entry is evicted.
func (c *Local) Set(_ context.Context, userID, toolID string, snapshot *Snapshot, ttl time.Duration) error {
	if snapshot == nil || ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(userID, toolID)
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	stored := *snapshot
	now := time.Now()
	c.entries[key] = &localEntry{
		snapshot:  &stored,
		expiresAt: now.Add(ttl),
		cachedAt:  now,
	}

	return nil
}

// Invalidate implements Cache.
func (c *Local) Invalidate(_ context.Context, userID, toolID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, cacheKey(userID, toolID))
	return nil
}

// InvalidateAllForUser implements Cache.
func (c *Local) InvalidateAllForUser(_ context.Context, userID string) error {
	suffix := "\x00" + userID

	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
			delete(c.entries, key)
		}
	}
	return nil
}

// InvalidateAllForTool implements Cache.
func (c *Local) InvalidateAllForTool(_ context.Context, toolID string) error {
	prefix := toolID + "\x00"

	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
	return nil
}

// Len returns the current number of entries, expired or not.
func (c *Local) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop terminates the background sweep. Safe to call multiple times.
func (c *Local) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// evictOldest removes the entry with the oldest cachedAt time.
// Caller must hold the write lock.
//
// O(n) eviction is acceptable at the default bound; a proper LRU list is not
// worth the complexity for a fallback tier that is rarely full.
func (c *Local) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.cachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.cachedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *Local) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Local) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

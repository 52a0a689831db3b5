package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Result describes the outcome of a rate-limit check. It carries the
// values callers surface via the X-RateLimit-* and Retry-After headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time

	// RetryAfter is how long the caller should wait before retrying.
	// Zero when the request was allowed.
	RetryAfter time.Duration
}

// RateLimiter provides per-identifier rate limiting using a token bucket
// with LRU eviction to prevent unbounded memory growth. The budget is
// expressed as a request count per window; tokens refill continuously
// across the window rather than resetting at a boundary.
type RateLimiter struct {
	limiters        map[string]*list.Element // identifier -> list element
	lruList         *list.List               // LRU list of *rateLimiterEntry
	mu              sync.Mutex
	limit           int
	window          time.Duration
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalEvictions int64
}

// NewRateLimiter creates a rate limiter allowing limit requests per window
// per identifier, with automatic cleanup and LRU eviction. Default max
// entries is 10,000; use NewRateLimiterWithConfig to change it.
func NewRateLimiter(limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(limit, window, 10000, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom cap on the
// number of identifiers tracked simultaneously. When the cap is reached,
// least recently used entries are evicted. maxEntries of 0 means unlimited
// (not recommended for production).
func NewRateLimiterWithConfig(limit int, window time.Duration, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if maxEntries < 0 {
		maxEntries = 10000
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		limit:           limit,
		window:          window,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from the identifier is within budget.
func (rl *RateLimiter) Allow(identifier string) bool {
	return rl.Check(identifier).Allowed
}

// Check consumes one unit of the identifier's budget when available and
// returns the outcome together with the remaining budget and reset time.
func (rl *RateLimiter) Check(identifier string) Result {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry := rl.entryLocked(identifier, now)

	res := Result{
		Limit:   rl.limit,
		ResetAt: now.Add(rl.window),
	}

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		res.RetryAfter = rl.window
		res.Remaining = 0
		return res
	}

	if delay := reservation.DelayFrom(now); delay > 0 {
		// Over budget: give the token back and tell the caller when to retry
		reservation.CancelAt(now)
		res.RetryAfter = delay
		res.Remaining = 0
		return res
	}

	res.Allowed = true
	if remaining := int(entry.limiter.TokensAt(now)); remaining > 0 {
		res.Remaining = remaining
	}
	return res
}

// entryLocked returns the limiter entry for an identifier, creating it
// (and evicting the LRU entry if at capacity) when absent.
// Must be called with the mutex held.
func (rl *RateLimiter) entryLocked(identifier string, now time.Time) *rateLimiterEntry {
	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	perSecond := rate.Limit(float64(rl.limit) / rl.window.Seconds())
	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(perSecond, rl.limit),
		lastAccess: now,
	}

	elem := rl.lruList.PushFront(entry)
	rl.limiters[identifier] = elem
	return entry
}

// evictLRU removes the least recently used entry.
// Must be called with the mutex held.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier", entry.identifier,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

// cleanupLoop periodically removes inactive limiters to prevent memory leaks
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(30 * time.Minute)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that haven't been accessed for maxIdleTime.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*rateLimiterEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.limiters, entry.identifier)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
}

// Stop gracefully stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

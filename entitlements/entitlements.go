// Package entitlements provides the tiered entitlement cache: an optional
// distributed tier, a bounded in-process fallback tier, and the authoritative
// source consulted on any miss. Cache failures never surface to the caller;
// they downgrade to the next tier.
package entitlements

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by a cache tier when no entry exists for the key
// or the entry has expired.
var ErrCacheMiss = errors.New("entitlements: cache miss")

// Snapshot is a point-in-time copy of authoritative entitlement state for a
// (user, tool) pair. It carries an explicit staleness bound and never
// overrides a revocation.
type Snapshot struct {
	UserID             string           `json:"userId"`
	ToolID             string           `json:"toolId"`
	Active             bool             `json:"active"`
	Tier               string           `json:"tier,omitempty"`
	CreditsRemaining   *int64           `json:"creditsRemaining,omitempty"`
	Features           []string         `json:"features,omitempty"`
	Limits             map[string]int64 `json:"limits,omitempty"`
	CachedAt           time.Time        `json:"cachedAt"`
	AuthorityExpiresAt time.Time        `json:"authorityExpiresAt"`
}

// Source is the authoritative entitlement/subscription backend. Lookup is
// expected to be slow relative to the cache tiers; callers wrap it with a
// timeout.
type Source interface {
	// Lookup returns the current entitlement state for (userID, toolID).
	// A user without any subscription for the tool returns a snapshot with
	// Active=false, not an error.
	Lookup(ctx context.Context, userID, toolID string) (*Snapshot, error)
}

// Cache is a single cache tier keyed on (toolID, userID).
//
// Get returns ErrCacheMiss when no live entry exists. Any other error means
// the tier itself failed; callers treat that as a miss and fall through.
type Cache interface {
	Get(ctx context.Context, userID, toolID string) (*Snapshot, error)
	Set(ctx context.Context, userID, toolID string, snapshot *Snapshot, ttl time.Duration) error
	Invalidate(ctx context.Context, userID, toolID string) error
	InvalidateAllForUser(ctx context.Context, userID string) error
	InvalidateAllForTool(ctx context.Context, toolID string) error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, userID, toolID string) (*Snapshot, error)

// Lookup implements Source.
func (f SourceFunc) Lookup(ctx context.Context, userID, toolID string) (*Snapshot, error) {
	return f(ctx, userID, toolID)
}

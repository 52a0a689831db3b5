package entitlements

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onesub/tool-auth/instrumentation"
)

const (
	// DefaultSnapshotTTL is how long a cached snapshot is trusted before the
	// authoritative source is consulted again.
	DefaultSnapshotTTL = 15 * time.Minute

	// DefaultSourceTimeout bounds a single authoritative source lookup.
	DefaultSourceTimeout = 5 * time.Second

	// DefaultCacheTimeout bounds a single distributed cache operation so a
	// slow cache backend cannot stall the verify path.
	DefaultCacheTimeout = 2 * time.Second
)

// TieredConfig configures the tiered cache.
type TieredConfig struct {
	// Distributed is the optional shared cache tier. When nil or erroring,
	// lookups fall back to the local tier.
	Distributed Cache

	// Local is the bounded in-process fallback tier. When nil, a Local with
	// defaults is created.
	Local *Local

	// Source is the authoritative entitlement backend (required).
	Source Source

	// SnapshotTTL is the cache TTL for entitlement snapshots (default 15m).
	SnapshotTTL time.Duration

	// SourceTimeout bounds authoritative lookups (default 5s).
	SourceTimeout time.Duration

	// CacheTimeout bounds distributed cache operations (default 2s).
	CacheTimeout time.Duration

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Tiered chains the distributed cache, the in-process fallback cache, and the
// authoritative source behind a single lookup. Cache failures are absorbed and
// downgraded: only a source failure on a full miss surfaces to the caller.
type Tiered struct {
	distributed   Cache
	local         *Local
	source        Source
	ttl           time.Duration
	sourceTimeout time.Duration
	cacheTimeout  time.Duration

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// NewTiered creates the tiered entitlement cache.
func NewTiered(cfg TieredConfig) (*Tiered, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("entitlement source is required")
	}

	local := cfg.Local
	if local == nil {
		local = NewLocal(0)
	}

	ttl := cfg.SnapshotTTL
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	sourceTimeout := cfg.SourceTimeout
	if sourceTimeout <= 0 {
		sourceTimeout = DefaultSourceTimeout
	}
	cacheTimeout := cfg.CacheTimeout
	if cacheTimeout <= 0 {
		cacheTimeout = DefaultCacheTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Tiered{
		distributed:   cfg.Distributed,
		local:         local,
		source:        cfg.Source,
		ttl:           ttl,
		sourceTimeout: sourceTimeout,
		cacheTimeout:  cacheTimeout,
		logger:        logger,
	}, nil
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (t *Tiered) SetInstrumentation(inst *instrumentation.Instrumentation) {
	t.instrumentation = inst
}

// Stop terminates the local tier's background sweep.
func (t *Tiered) Stop() {
	t.local.Stop()
}

// GetEntitlements returns the entitlement snapshot for (userID, toolID),
// consulting the distributed tier, then the in-process tier, then the
// authoritative source. A source result is written back into the active
// cache tiers.
func (t *Tiered) GetEntitlements(ctx context.Context, userID, toolID string) (*Snapshot, error) {
	// Distributed tier first: it is shared across instances, so a hit there
	// reflects the most recent invalidation.
	distributedHealthy := false
	if t.distributed != nil {
		snapshot, err := t.getDistributed(ctx, userID, toolID)
		switch {
		case err == nil:
			t.recordLookup(ctx, "distributed", "hit")
			return snapshot, nil
		case errors.Is(err, ErrCacheMiss):
			t.recordLookup(ctx, "distributed", "miss")
			distributedHealthy = true
		default:
			// Backend failure: treat as a miss and fall back to the
			// in-process tier. Never surfaced to the caller.
			t.recordLookup(ctx, "distributed", "error")
			t.logger.Warn("Distributed entitlement cache unavailable, falling back",
				"user_id", userID,
				"tool_id", toolID,
				"error", err)
		}
	}

	snapshot, err := t.local.Get(ctx, userID, toolID)
	if err == nil {
		t.recordLookup(ctx, "local", "hit")
		return snapshot, nil
	}
	t.recordLookup(ctx, "local", "miss")

	// Full miss: consult the authoritative source.
	srcCtx, cancel := context.WithTimeout(ctx, t.sourceTimeout)
	defer cancel()

	snapshot, err = t.source.Lookup(srcCtx, userID, toolID)
	if err != nil {
		t.recordLookup(ctx, "source", "error")
		return nil, fmt.Errorf("entitlement source lookup failed: %w", err)
	}
	t.recordLookup(ctx, "source", "hit")

	if snapshot.CachedAt.IsZero() {
		snapshot.CachedAt = time.Now()
	}
	if snapshot.AuthorityExpiresAt.IsZero() {
		snapshot.AuthorityExpiresAt = snapshot.CachedAt.Add(t.ttl)
	}

	t.writeBack(ctx, userID, toolID, snapshot, distributedHealthy)

	return snapshot, nil
}

// SetEntitlements stores a snapshot in all active cache tiers.
func (t *Tiered) SetEntitlements(ctx context.Context, userID, toolID string, snapshot *Snapshot, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.ttl
	}
	if t.distributed != nil {
		cacheCtx, cancel := context.WithTimeout(ctx, t.cacheTimeout)
		if err := t.distributed.Set(cacheCtx, userID, toolID, snapshot, ttl); err != nil {
			t.logger.Warn("Failed to write entitlement snapshot to distributed cache",
				"user_id", userID,
				"tool_id", toolID,
				"error", err)
		}
		cancel()
	}
	_ = t.local.Set(ctx, userID, toolID, snapshot, ttl)
}

// Invalidate removes the snapshot for one (userID, toolID) from every tier.
// Called on revocation, subscription change, and tool reconfiguration; the
// TTL alone is not sufficient for those events.
func (t *Tiered) Invalidate(ctx context.Context, userID, toolID string) {
	if t.distributed != nil {
		cacheCtx, cancel := context.WithTimeout(ctx, t.cacheTimeout)
		if err := t.distributed.Invalidate(cacheCtx, userID, toolID); err != nil {
			t.logger.Warn("Failed to invalidate distributed entitlement cache",
				"user_id", userID,
				"tool_id", toolID,
				"error", err)
		}
		cancel()
	}
	_ = t.local.Invalidate(ctx, userID, toolID)
}

// InvalidateAllForUser removes every snapshot for the user from every tier.
func (t *Tiered) InvalidateAllForUser(ctx context.Context, userID string) {
	if t.distributed != nil {
		cacheCtx, cancel := context.WithTimeout(ctx, t.cacheTimeout)
		if err := t.distributed.InvalidateAllForUser(cacheCtx, userID); err != nil {
			t.logger.Warn("Failed to invalidate distributed entitlement cache for user",
				"user_id", userID,
				"error", err)
		}
		cancel()
	}
	_ = t.local.InvalidateAllForUser(ctx, userID)
}

// InvalidateAllForTool removes every snapshot for the tool from every tier.
func (t *Tiered) InvalidateAllForTool(ctx context.Context, toolID string) {
	if t.distributed != nil {
		cacheCtx, cancel := context.WithTimeout(ctx, t.cacheTimeout)
		if err := t.distributed.InvalidateAllForTool(cacheCtx, toolID); err != nil {
			t.logger.Warn("Failed to invalidate distributed entitlement cache for tool",
				"tool_id", toolID,
				"error", err)
		}
		cancel()
	}
	_ = t.local.InvalidateAllForTool(ctx, toolID)
}

func (t *Tiered) getDistributed(ctx context.Context, userID, toolID string) (*Snapshot, error) {
	cacheCtx, cancel := context.WithTimeout(ctx, t.cacheTimeout)
	defer cancel()
	return t.distributed.Get(cacheCtx, userID, toolID)
}

// writeBack populates the cache tiers after a source lookup. The distributed
// tier is skipped when it just failed, so a flapping backend does not add
// write latency on top of the failed read.
func (t *Tiered) writeBack(ctx context.Context, userID, toolID string, snapshot *Snapshot, distributedHealthy bool) {
	if t.distributed != nil && distributedHealthy {
		cacheCtx, cancel := context.WithTimeout(ctx, t.cacheTimeout)
		if err := t.distributed.Set(cacheCtx, userID, toolID, snapshot, t.ttl); err != nil {
			t.logger.Warn("Failed to write entitlement snapshot to distributed cache",
				"user_id", userID,
				"tool_id", toolID,
				"error", err)
		}
		cancel()
	}
	_ = t.local.Set(ctx, userID, toolID, snapshot, t.ttl)
}

func (t *Tiered) recordLookup(ctx context.Context, tier, result string) {
	if t.instrumentation == nil {
		return
	}
	t.instrumentation.Metrics().RecordEntitlementLookup(ctx, tier, result)
}

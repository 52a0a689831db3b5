package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onesub/tool-auth/entitlements"
	"github.com/onesub/tool-auth/internal/util"
	"github.com/onesub/tool-auth/security"
	"github.com/onesub/tool-auth/storage"
)

const (
	// defaultValidationCacheMaxEntries bounds the validation cache so tokens
	// that are never re-presented cannot accumulate for the process lifetime.
	defaultValidationCacheMaxEntries = 10000

	// validationCacheSweepInterval is how often expired entries are swept.
	validationCacheSweepInterval = time.Minute
)

// validationCache is a short-lived, bounded cache of positive token
// validations. It absorbs bursty re-verification from vendor polling.
// Entries are dropped on rotation or revocation of the specific token, and
// the revocation registry is still consulted on every verify call: this
// cache never stands between a revocation and enforcement.
type validationCache struct {
	mu         sync.RWMutex
	entries    map[string]*validationCacheEntry
	ttl        time.Duration
	maxEntries int

	stopCh   chan struct{}
	stopOnce sync.Once
}

type validationCacheEntry struct {
	token     *storage.VerificationToken
	expiresAt time.Time
}

// newValidationCache creates the cache and starts its eviction sweep.
// maxEntries <= 0 selects defaultValidationCacheMaxEntries.
func newValidationCache(ttl time.Duration, maxEntries int) *validationCache {
	if maxEntries <= 0 {
		maxEntries = defaultValidationCacheMaxEntries
	}
	c := &validationCache{
		entries:    make(map[string]*validationCacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		stopCh:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *validationCache) get(value string) (*storage.VerificationToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[value]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	cp := *entry.token
	return &cp, true
}

func (c *validationCache) put(token *storage.VerificationToken) {
	cp := *token
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[token.Value]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[token.Value] = &validationCacheEntry{
		token:     &cp,
		expiresAt: now.Add(c.ttl),
	}
}

func (c *validationCache) drop(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, value)
}

// dropPair removes every cached validation for a (user, tool) pair. Called
// on revocation, when the token values for the pair are not known up front.
func (c *validationCache) dropPair(userID, toolID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for value, entry := range c.entries {
		if entry.token.UserID == userID && entry.token.ToolID == toolID {
			delete(c.entries, value)
		}
	}
}

// evictLocked frees space for one insertion: expired entries first, the
// soonest-to-expire entry when none have expired yet. Caller holds the
// write lock.
func (c *validationCache) evictLocked(now time.Time) {
	var soonestKey string
	var soonestExpiry time.Time

	for value, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, value)
			continue
		}
		if soonestKey == "" || entry.expiresAt.Before(soonestExpiry) {
			soonestKey = value
			soonestExpiry = entry.expiresAt
		}
	}
	if len(c.entries) >= c.maxEntries && soonestKey != "" {
		delete(c.entries, soonestKey)
	}
}

func (c *validationCache) sweepLoop() {
	ticker := time.NewTicker(validationCacheSweepInterval)
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

func (c *validationCache) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for value, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, value)
		}
	}
}

// stop terminates the sweep goroutine. Safe to call multiple times.
func (c *validationCache) stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// ValidateToken checks a verification token without writing anything.
// Positive results are cached briefly; negative results are not. A value
// superseded by a concurrent rotation resolves the grant's current live
// token, returned alongside storage.ErrTokenRotated so the caller can hand
// the holder the replacement.
func (s *Server) ValidateToken(ctx context.Context, value string) (*storage.VerificationToken, error) {
	if value == "" {
		return nil, storage.ErrTokenNotFound
	}

	if token, ok := s.validationCache.get(value); ok {
		// The cached entry can outlive the token's own expiry by up to the
		// cache TTL; re-check expiry, never trust the cache for it.
		if security.IsTokenExpiredWithGracePeriod(token.ExpiresAt, s.Config.ClockSkewGracePeriod) {
			s.validationCache.drop(value)
			return nil, storage.ErrTokenExpired
		}
		return token, nil
	}

	token, err := s.tokenStore.GetToken(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrTokenRotated) && token != nil {
			return token, err
		}
		return nil, err
	}
	if security.IsTokenExpiredWithGracePeriod(token.ExpiresAt, s.Config.ClockSkewGracePeriod) {
		return nil, storage.ErrTokenExpired
	}

	s.validationCache.put(token)
	return token, nil
}

// Rotate atomically replaces token with a fresh one for the same grant.
// Exactly one concurrent caller can win; losers receive
// storage.ErrTokenRotated together with the winner's token, so every caller
// ends the round holding a token that is still live.
func (s *Server) Rotate(ctx context.Context, token *storage.VerificationToken) (*storage.VerificationToken, error) {
	now := time.Now()
	replacement := &storage.VerificationToken{
		Value:     oauth2.GenerateVerifier(),
		GrantID:   token.GrantID,
		ToolID:    token.ToolID,
		UserID:    token.UserID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.Config.TokenTTL),
	}

	if winner, err := s.tokenStore.AtomicRotateToken(ctx, token.Value, replacement); err != nil {
		if errors.Is(err, storage.ErrTokenRotated) {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:   security.EventRotationConflict,
					UserID: token.UserID,
					ToolID: token.ToolID,
				})
			}
			if m := s.metrics(); m != nil {
				m.RecordRotationConflict(ctx)
			}
			if winner != nil {
				return winner, err
			}
		}
		return nil, err
	}

	s.validationCache.drop(token.Value)

	if s.Auditor != nil {
		s.Auditor.LogTokenRotated(token.UserID, token.ToolID, token.GrantID)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRotation(ctx, token.ToolID)
	}

	s.Logger.Info("Rotated verification token",
		"grant_id", token.GrantID,
		"old_prefix", util.SafeTruncate(token.Value, codeLogLength))

	return replacement, nil
}

// VerifyResult is the outcome of a successful verification.
type VerifyResult struct {
	UserID  string
	GrantID string
	ToolID  string

	// Entitlements is the snapshot attached to the grant.
	Entitlements *entitlements.Snapshot

	// Token is the verification token the vendor should hold from now on.
	// It differs from the presented one only when TokenRotated is true.
	Token          string
	TokenExpiresAt time.Time
	TokenRotated   bool

	// CacheUntil tells the vendor how long it may trust this result
	// without re-verifying.
	CacheUntil time.Time

	// NextVerificationBefore is the hard deadline for the next verify
	// call: the token expires then.
	NextVerificationBefore time.Time
}

// Verify runs the steady-state check: validate the presented token, consult
// the revocation registry (always, fail-closed), look up entitlements
// cache-first, and rotate the token when it is inside the rotation window.
//
// tool is the vendor resolved from API-key authentication; a token minted
// for a different tool is reported as unknown.
func (s *Server) Verify(ctx context.Context, tool *storage.Tool, tokenValue string) (*VerifyResult, error) {
	if tool == nil {
		return nil, fmt.Errorf("tool is required")
	}

	start := time.Now()
	result, err := s.verify(ctx, tool, tokenValue)

	if m := s.metrics(); m != nil {
		outcome := "valid"
		if err != nil {
			outcome = verifyOutcome(err)
		}
		m.RecordVerification(ctx, tool.ID, outcome, float64(time.Since(start).Microseconds())/1000.0)
	}

	return result, err
}

func (s *Server) verify(ctx context.Context, tool *storage.Tool, tokenValue string) (*VerifyResult, error) {
	token, err := s.ValidateToken(ctx, tokenValue)
	rotated := false
	if errors.Is(err, storage.ErrTokenRotated) && token != nil {
		// The presented value was superseded by a concurrent rotation while
		// still valid. Continue with the live replacement instead of failing
		// the whole verify; TokenRotated tells the vendor to switch.
		rotated = true
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if token.ToolID != tool.ID {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(token.UserID, tool.ID, "", "token_tool_mismatch")
		}
		return nil, storage.ErrTokenNotFound
	}

	// Mandatory revocation gate. Runs after every validation, cached or
	// not: a cached "valid" is never sufficient on its own.
	if err := s.checkRevocation(ctx, token.UserID, token.ToolID); err != nil {
		s.validationCache.drop(token.Value)
		return nil, err
	}

	snapshot, err := s.entitlements.GetEntitlements(ctx, token.UserID, token.ToolID)
	if err != nil {
		// Cache tiers have already been exhausted; this is an authoritative
		// source failure and cannot be absorbed.
		return nil, fmt.Errorf("failed to resolve entitlements: %w", err)
	}
	if !snapshot.Active {
		return nil, ErrSubscriptionInactive
	}

	current := token
	if !rotated && security.IsTokenExpiringSoon(token.ExpiresAt, s.Config.RotationWindow) {
		replacement, err := s.Rotate(ctx, token)
		switch {
		case err == nil:
			current = replacement
			rotated = true
		case errors.Is(err, storage.ErrTokenRotated) && replacement != nil:
			// Lost a concurrent rotation race. The presented value is now
			// terminal; adopt the winner's token so the vendor ends the
			// round holding a live one.
			s.validationCache.drop(token.Value)
			current = replacement
			rotated = true
		case errors.Is(err, storage.ErrTokenRotated):
			// Raced a rotation but the winning token is already gone.
			return nil, err
		default:
			return nil, fmt.Errorf("failed to rotate verification token: %w", err)
		}
	}

	now := time.Now()
	return &VerifyResult{
		UserID:                 token.UserID,
		GrantID:                token.GrantID,
		ToolID:                 token.ToolID,
		Entitlements:           snapshot,
		Token:                  current.Value,
		TokenExpiresAt:         current.ExpiresAt,
		TokenRotated:           rotated,
		CacheUntil:             now.Add(s.Config.ValidationCacheTTL),
		NextVerificationBefore: current.ExpiresAt,
	}, nil
}

// checkRevocation consults the revocation registry for the pair. Any
// registry failure fails closed: the caller is treated as revoked, never as
// valid. Availability is sacrificed for correctness here.
func (s *Server) checkRevocation(ctx context.Context, userID, toolID string) error {
	checkCtx, cancel := context.WithTimeout(ctx, s.Config.RevocationCheckTimeout)
	defer cancel()

	record, err := s.revocationStore.Get(checkCtx, userID, toolID)
	if err == nil {
		return &RevokedError{Reason: record.Reason, RevokedAt: record.RevokedAt}
	}
	if errors.Is(err, storage.ErrRevocationNotFound) {
		return nil
	}

	s.Logger.Error("Revocation check failed, failing closed",
		"user_id", userID,
		"tool_id", toolID,
		"error", err)
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:   security.EventRevocationCheckFailed,
			UserID: userID,
			ToolID: toolID,
		})
	}
	return &RevokedError{Reason: "revocation status unavailable"}
}

// verifyOutcome maps a verify error to a metric label.
func verifyOutcome(err error) string {
	var revoked *RevokedError
	switch {
	case errors.As(err, &revoked):
		return "revoked"
	case errors.Is(err, storage.ErrTokenExpired):
		return "expired"
	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenRotated):
		return "invalid"
	case errors.Is(err, ErrSubscriptionInactive):
		return "inactive"
	default:
		return "error"
	}
}

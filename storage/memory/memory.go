// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onesub/tool-auth/instrumentation"
	"github.com/onesub/tool-auth/internal/util"
	"github.com/onesub/tool-auth/security"
	"github.com/onesub/tool-auth/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging
	// code and token values
	tokenIDLogLength = 8
)

// Store is an in-memory implementation of all storage interfaces.
// It implements ToolStore, FlowStore, GrantStore, TokenStore, and
// RevocationStore.
type Store struct {
	mu sync.RWMutex

	// Tool registry
	tools         map[string]*storage.Tool // toolID -> tool
	toolsByDigest map[string]string        // API key digest -> toolID

	// Authorization codes
	codes map[string]*storage.AuthorizationCode // code value -> code

	// Grants
	grants           map[string]*storage.Grant // grantID -> grant
	grantsByUserTool map[string]string         // (userID,toolID) -> grantID

	// Verification tokens. All issued values are retained until their
	// natural expiry so that superseded values can be distinguished from
	// unknown ones; liveByGrant tracks the single current value per grant.
	tokens      map[string]*storage.VerificationToken // token value -> token
	liveByGrant map[string]string                     // grantID -> live token value

	// Revocations
	revocations     map[string]*storage.RevocationRecord // (userID,toolID) -> latest record
	revocationsByID map[string]*storage.RevocationRecord // revocationID -> record

	// Instrumentation (optional)
	instrumentation *instrumentation.Instrumentation

	// Atomic counters for metrics (lock-free access during collection)
	codesCountAtomic  atomic.Int64
	tokensCountAtomic atomic.Int64
	grantsCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ToolStore       = (*Store)(nil)
	_ storage.FlowStore       = (*Store)(nil)
	_ storage.GrantStore      = (*Store)(nil)
	_ storage.TokenStore      = (*Store)(nil)
	_ storage.RevocationStore = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval
func NewWithInterval(cleanupInterval time.Duration) *Store {
	s := &Store{
		tools:            make(map[string]*storage.Tool),
		toolsByDigest:    make(map[string]string),
		codes:            make(map[string]*storage.AuthorizationCode),
		grants:           make(map[string]*storage.Grant),
		grantsByUserTool: make(map[string]string),
		tokens:           make(map[string]*storage.VerificationToken),
		liveByGrant:      make(map[string]string),
		revocations:      make(map[string]*storage.RevocationRecord),
		revocationsByID:  make(map[string]*storage.RevocationRecord),
		cleanupInterval:  cleanupInterval,
		stopCleanup:      make(chan struct{}),
		logger:           slog.Default(),
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// SetLogger sets a custom logger for the store
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation to the store.
// When set, storage operations record latency metrics and the size gauges
// observe the live counts.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}

	err := inst.RegisterStorageSizeCallbacks(
		func() int64 {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return int64(len(s.tools))
		},
		s.codesCountAtomic.Load,
		s.grantsCountAtomic.Load,
		s.tokensCountAtomic.Load,
		func() int64 {
			s.mu.RLock()
			defer s.mu.RUnlock()
			count := int64(0)
			for _, r := range s.revocations {
				if !r.Cleared() {
					count++
				}
			}
			return count
		},
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size gauges", "error", err)
	}
}

// Stop gracefully stops the background cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// userToolKey builds the composite map key for a (userID, toolID) pair.
// The NUL separator cannot occur in identifiers, so keys cannot collide.
func userToolKey(userID, toolID string) string {
	return userID + "\x00" + toolID
}

func validateID(value, field string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(value) > storage.MaxIDLength {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", field, storage.MaxIDLength)
	}
	return nil
}

// ============================================================
// ToolStore Implementation
// ============================================================

// SaveTool saves a registered tool
func (s *Store) SaveTool(ctx context.Context, tool *storage.Tool) error {
	defer s.record(ctx, "save_tool", time.Now())

	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	if err := validateID(tool.ID, "tool ID"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop a stale digest index if the key was re-issued
	if prev, ok := s.tools[tool.ID]; ok && prev.APIKeyDigest != tool.APIKeyDigest {
		delete(s.toolsByDigest, prev.APIKeyDigest)
	}

	cp := *tool
	s.tools[tool.ID] = &cp
	if tool.APIKeyDigest != "" {
		s.toolsByDigest[tool.APIKeyDigest] = tool.ID
	}

	s.logger.Debug("Saved tool", "tool_id", tool.ID)
	return nil
}

// GetTool retrieves a tool by ID
func (s *Store) GetTool(ctx context.Context, toolID string) (*storage.Tool, error) {
	defer s.record(ctx, "get_tool", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	tool, ok := s.tools[toolID]
	if !ok {
		return nil, storage.ErrToolNotFound
	}

	cp := *tool
	return &cp, nil
}

// GetToolByAPIKeyDigest retrieves a tool by the SHA-256 digest of its API key
func (s *Store) GetToolByAPIKeyDigest(ctx context.Context, digest string) (*storage.Tool, error) {
	defer s.record(ctx, "get_tool_by_digest", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	toolID, ok := s.toolsByDigest[digest]
	if !ok {
		return nil, storage.ErrToolNotFound
	}
	tool, ok := s.tools[toolID]
	if !ok {
		return nil, storage.ErrToolNotFound
	}

	cp := *tool
	return &cp, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	defer s.record(ctx, "save_code", time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if len(code.Code) > storage.MaxTokenLength {
		return fmt.Errorf("code exceeds maximum length of %d bytes", storage.MaxTokenLength)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	s.codes[code.Code] = &cp
	s.codesCountAtomic.Store(int64(len(s.codes)))

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"tool_id", code.ToolID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	defer s.record(ctx, "get_code", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	cp := *c
	return &cp, nil
}

// AtomicConsumeAuthorizationCode atomically checks that a code is unconsumed
// and unexpired, marks it consumed, and returns its row. Only ONE concurrent
// caller can succeed for a given code; losers receive ErrCodeConsumed.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	defer s.record(ctx, "consume_code", time.Now())

	s.mu.Lock() // write lock: check and mark must be one critical section
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if c.Consumed {
		return nil, storage.ErrCodeConsumed
	}
	if time.Now().After(c.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}

	c.Consumed = true

	cp := *c
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
		"tool_id", c.ToolID)
	return &cp, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	defer s.record(ctx, "delete_code", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, code)
	s.codesCountAtomic.Store(int64(len(s.codes)))
	return nil
}

// ============================================================
// GrantStore Implementation
// ============================================================

// SaveGrant saves a grant
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	defer s.record(ctx, "save_grant", time.Now())

	if grant == nil {
		return fmt.Errorf("grant is required")
	}
	if err := validateID(grant.ID, "grant ID"); err != nil {
		return err
	}
	if err := validateID(grant.UserID, "user ID"); err != nil {
		return err
	}
	if err := validateID(grant.ToolID, "tool ID"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *grant
	s.grants[grant.ID] = &cp
	s.grantsByUserTool[userToolKey(grant.UserID, grant.ToolID)] = grant.ID
	s.grantsCountAtomic.Store(int64(len(s.grants)))

	s.logger.Debug("Saved grant", "grant_id", grant.ID, "tool_id", grant.ToolID)
	return nil
}

// GetGrant retrieves a grant by ID
func (s *Store) GetGrant(ctx context.Context, grantID string) (*storage.Grant, error) {
	defer s.record(ctx, "get_grant", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[grantID]
	if !ok {
		return nil, storage.ErrGrantNotFound
	}

	cp := *g
	return &cp, nil
}

// GetGrantByUserTool retrieves the grant for a (userID, toolID) pair
func (s *Store) GetGrantByUserTool(ctx context.Context, userID, toolID string) (*storage.Grant, error) {
	defer s.record(ctx, "get_grant_by_user_tool", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	grantID, ok := s.grantsByUserTool[userToolKey(userID, toolID)]
	if !ok {
		return nil, storage.ErrGrantNotFound
	}
	g, ok := s.grants[grantID]
	if !ok {
		return nil, storage.ErrGrantNotFound
	}

	cp := *g
	return &cp, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken saves a verification token and marks it live for its grant
func (s *Store) SaveToken(ctx context.Context, token *storage.VerificationToken) error {
	defer s.record(ctx, "save_token", time.Now())

	if token == nil || token.Value == "" {
		return fmt.Errorf("invalid verification token")
	}
	if len(token.Value) > storage.MaxTokenLength {
		return fmt.Errorf("token exceeds maximum length of %d bytes", storage.MaxTokenLength)
	}
	if err := validateID(token.GrantID, "grant ID"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.tokens[token.Value] = &cp
	s.liveByGrant[token.GrantID] = token.Value
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	s.logger.Debug("Saved verification token",
		"token_prefix", util.SafeTruncate(token.Value, tokenIDLogLength),
		"grant_id", token.GrantID)
	return nil
}

// GetToken retrieves a token by value. Performs no writes. A superseded
// value that is still within its own validity resolves the grant's current
// live token, returned alongside ErrTokenRotated.
func (s *Store) GetToken(ctx context.Context, value string) (*storage.VerificationToken, error) {
	defer s.record(ctx, "get_token", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[value]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if liveValue := s.liveByGrant[t.GrantID]; liveValue != value {
		if live, ok := s.tokens[liveValue]; ok && !security.IsTokenExpired(t.ExpiresAt) {
			cp := *live
			return &cp, storage.ErrTokenRotated
		}
		return nil, storage.ErrTokenRotated
	}

	cp := *t
	return &cp, nil
}

// AtomicRotateToken atomically replaces the live token for a grant, keyed on
// the current value. Only ONE concurrent caller presenting the same value can
// succeed; losers receive the winner's live token alongside ErrTokenRotated
// and the stored state is left untouched on any failure.
func (s *Store) AtomicRotateToken(ctx context.Context, currentValue string, newToken *storage.VerificationToken) (*storage.VerificationToken, error) {
	defer s.record(ctx, "rotate_token", time.Now())

	if newToken == nil || newToken.Value == "" {
		return nil, fmt.Errorf("invalid replacement token")
	}

	s.mu.Lock() // write lock: compare and swap must be one critical section
	defer s.mu.Unlock()

	current, ok := s.tokens[currentValue]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if liveValue := s.liveByGrant[current.GrantID]; liveValue != currentValue {
		if live, ok := s.tokens[liveValue]; ok {
			cp := *live
			return &cp, storage.ErrTokenRotated
		}
		return nil, storage.ErrTokenRotated
	}
	if security.IsTokenExpired(current.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}

	cp := *newToken
	s.tokens[newToken.Value] = &cp
	s.liveByGrant[current.GrantID] = newToken.Value
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	superseded := *current
	s.logger.Debug("Rotated verification token",
		"grant_id", current.GrantID,
		"old_prefix", util.SafeTruncate(currentValue, tokenIDLogLength),
		"new_prefix", util.SafeTruncate(newToken.Value, tokenIDLogLength))
	return &superseded, nil
}

// CountActiveTokensForUserTool counts live, unexpired tokens for a pair
func (s *Store) CountActiveTokensForUserTool(ctx context.Context, userID, toolID string) (int, error) {
	defer s.record(ctx, "count_tokens", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, value := range s.liveByGrant {
		t, ok := s.tokens[value]
		if !ok {
			continue
		}
		if t.UserID == userID && t.ToolID == toolID && !security.IsTokenExpired(t.ExpiresAt) {
			count++
		}
	}
	return count, nil
}

// DeleteToken removes a token by value
func (s *Store) DeleteToken(ctx context.Context, value string) error {
	defer s.record(ctx, "delete_token", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tokens[value]; ok {
		if s.liveByGrant[t.GrantID] == value {
			delete(s.liveByGrant, t.GrantID)
		}
		delete(s.tokens, value)
	}
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	return nil
}

// ============================================================
// RevocationStore Implementation
// ============================================================

// Upsert records a revocation. Idempotent: revoking an already-revoked pair
// updates reason and metadata on the existing record instead of creating
// duplicate effective state.
func (s *Store) Upsert(ctx context.Context, record *storage.RevocationRecord) (*storage.RevocationRecord, error) {
	defer s.record(ctx, "upsert_revocation", time.Now())

	if record == nil {
		return nil, fmt.Errorf("revocation record is required")
	}
	if err := validateID(record.ID, "revocation ID"); err != nil {
		return nil, err
	}
	if err := validateID(record.UserID, "user ID"); err != nil {
		return nil, err
	}
	if err := validateID(record.ToolID, "tool ID"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := userToolKey(record.UserID, record.ToolID)
	if existing, ok := s.revocations[key]; ok && !existing.Cleared() {
		existing.Reason = record.Reason
		if record.RevokedBy != "" {
			existing.RevokedBy = record.RevokedBy
		}
		if len(record.Metadata) > 0 {
			if existing.Metadata == nil {
				existing.Metadata = make(map[string]string, len(record.Metadata))
			}
			for k, v := range record.Metadata {
				existing.Metadata[k] = v
			}
		}
		cp := *existing
		s.logger.Debug("Updated existing revocation",
			"revocation_id", existing.ID, "tool_id", existing.ToolID)
		return &cp, nil
	}

	cp := *record
	s.revocations[key] = &cp
	s.revocationsByID[record.ID] = &cp

	s.logger.Debug("Saved revocation",
		"revocation_id", record.ID, "tool_id", record.ToolID, "reason", record.Reason)
	out := cp
	return &out, nil
}

// Get retrieves the active (uncleared) revocation record for a pair
func (s *Store) Get(ctx context.Context, userID, toolID string) (*storage.RevocationRecord, error) {
	defer s.record(ctx, "get_revocation", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.revocations[userToolKey(userID, toolID)]
	if !ok || r.Cleared() {
		return nil, storage.ErrRevocationNotFound
	}

	cp := *r
	return &cp, nil
}

// Clear lifts the active revocation for a pair
func (s *Store) Clear(ctx context.Context, userID, toolID string) (bool, error) {
	defer s.record(ctx, "clear_revocation", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.revocations[userToolKey(userID, toolID)]
	if !ok || r.Cleared() {
		return false, nil
	}

	r.ClearedAt = time.Now()
	s.logger.Debug("Cleared revocation", "revocation_id", r.ID, "tool_id", toolID)
	return true, nil
}

// MarkPropagated records delivery of the revocation to the vendor webhook
func (s *Store) MarkPropagated(ctx context.Context, revocationID string) error {
	defer s.record(ctx, "mark_propagated", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.revocationsByID[revocationID]
	if !ok {
		return storage.ErrRevocationNotFound
	}
	r.PropagatedAt = time.Now()
	return nil
}

// ============================================================
// Cleanup
// ============================================================

// cleanupLoop periodically removes expired codes and tokens
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired authorization codes and expired token rows.
// Rotated (superseded) token values are retained until their natural expiry
// so that GetToken can distinguish a rotated value from an unknown one.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removedCodes := 0
	removedTokens := 0

	for value, c := range s.codes {
		if now.After(c.ExpiresAt) {
			delete(s.codes, value)
			removedCodes++
		}
	}

	for value, t := range s.tokens {
		if security.IsTokenExpired(t.ExpiresAt) {
			if s.liveByGrant[t.GrantID] == value {
				delete(s.liveByGrant, t.GrantID)
			}
			delete(s.tokens, value)
			removedTokens++
		}
	}

	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	if removedCodes > 0 || removedTokens > 0 {
		s.logger.Debug("Storage cleanup completed",
			"expired_codes", removedCodes,
			"expired_tokens", removedTokens,
			"remaining_tokens", len(s.tokens))
	}
}

// record emits a storage operation latency metric when instrumentation is attached
func (s *Store) record(ctx context.Context, operation string, start time.Time) {
	if s.instrumentation == nil {
		return
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation,
		float64(time.Since(start).Microseconds())/1000.0)
}

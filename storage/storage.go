// Package storage defines interfaces for persisting authorization codes,
// grants, verification tokens, revocation records, and vendor tool
// registrations. It supports various backend implementations including
// in-memory and Valkey.
package storage

import (
	"context"
	"errors"
	"time"
)

// Input size limits enforced at the storage boundary.
// These prevent memory exhaustion from oversized client-supplied values.
const (
	// MaxTokenLength is the maximum allowed length for code and token strings
	MaxTokenLength = 512

	// MaxIDLength is the maximum allowed length for identifiers (userID, toolID, grantID)
	MaxIDLength = 256
)

// Typed sentinel errors returned by storage implementations.
// Callers match with errors.Is to map storage failures to API errors;
// anything else is treated as a backend fault.
var (
	ErrToolNotFound       = errors.New("tool not found")
	ErrCodeNotFound       = errors.New("authorization code not found")
	ErrCodeConsumed       = errors.New("authorization code already consumed")
	ErrCodeExpired        = errors.New("authorization code expired")
	ErrGrantNotFound      = errors.New("grant not found")
	ErrTokenNotFound      = errors.New("verification token not found")
	ErrTokenExpired       = errors.New("verification token expired")
	ErrTokenRotated       = errors.New("verification token superseded by rotation")
	ErrRevocationNotFound = errors.New("no active revocation record")
)

// Tool represents a registered vendor tool.
type Tool struct {
	ID          string
	Name        string
	Active      bool
	RedirectURI string

	// APIKeyDigest is the SHA-256 hex digest of the tool's API key,
	// used as the lookup index for bearer authentication.
	APIKeyDigest string

	// APIKeyHash is the bcrypt hash of the tool's API key, verified in
	// constant time after lookup.
	APIKeyHash string

	// WebhookURL receives signed revocation notifications (optional).
	WebhookURL string

	// WebhookSecret signs payloads sent to WebhookURL.
	WebhookSecret string

	CreatedAt time.Time
}

// AuthorizationCode represents a short-lived single-use code that starts
// the delegation flow.
type AuthorizationCode struct {
	Code        string
	ToolID      string
	UserID      string
	RedirectURI string
	State       string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Consumed    bool
}

// Grant is the durable delegation relationship between a user and a tool.
// It is created once per successful exchange and survives token rotation.
type Grant struct {
	ID        string
	UserID    string
	ToolID    string
	CreatedAt time.Time
}

// VerificationToken is the bearer credential a vendor holds to repeatedly
// prove a grant is still active. Exactly one token value is live per grant
// at any instant; rotation replaces the value.
type VerificationToken struct {
	Value     string
	GrantID   string
	ToolID    string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RevocationRecord is the authoritative, fail-closed override that makes
// all tokens for (UserID, ToolID) invalid while uncleared.
type RevocationRecord struct {
	ID        string
	UserID    string
	ToolID    string
	Reason    string
	RevokedBy string
	Metadata  map[string]string
	RevokedAt time.Time

	// PropagatedAt is set once the outbound revocation notification has
	// been delivered to the vendor. Zero means not yet propagated.
	PropagatedAt time.Time

	// ClearedAt is set when the revocation is lifted to permit
	// reactivation. Zero means the record is still in effect.
	ClearedAt time.Time
}

// Cleared reports whether the record has been lifted.
func (r *RevocationRecord) Cleared() bool {
	return !r.ClearedAt.IsZero()
}

// ToolStore manages the vendor tool registry.
// All methods accept context.Context for tracing and cancellation.
type ToolStore interface {
	// SaveTool saves a registered tool
	SaveTool(ctx context.Context, tool *Tool) error

	// GetTool retrieves a tool by ID
	GetTool(ctx context.Context, toolID string) (*Tool, error)

	// GetToolByAPIKeyDigest retrieves a tool by the SHA-256 digest of its
	// API key. Returns ErrToolNotFound for unknown digests; callers must
	// still verify the key against the tool's bcrypt hash.
	GetToolByAPIKeyDigest(ctx context.Context, digest string) (*Tool, error)
}

// FlowStore manages authorization codes.
type FlowStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves a code without modifying it.
	// NOTE: For actual exchange, use AtomicConsumeAuthorizationCode
	// instead to prevent race conditions.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicConsumeAuthorizationCode atomically checks that a code is
	// unconsumed and unexpired, marks it consumed, and returns its row.
	// This is a single conditional update, never a read-then-write.
	// Returns ErrCodeNotFound, ErrCodeExpired, or ErrCodeConsumed on
	// failure; at most one concurrent caller can succeed per code.
	AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// GrantStore manages durable delegation grants.
type GrantStore interface {
	// SaveGrant saves a grant
	SaveGrant(ctx context.Context, grant *Grant) error

	// GetGrant retrieves a grant by ID
	GetGrant(ctx context.Context, grantID string) (*Grant, error)

	// GetGrantByUserTool retrieves the grant for a (userID, toolID) pair,
	// if one exists. Used by Exchange to reuse prior grants.
	GetGrantByUserTool(ctx context.Context, userID, toolID string) (*Grant, error)
}

// TokenStore manages verification tokens.
type TokenStore interface {
	// SaveToken saves a verification token
	SaveToken(ctx context.Context, token *VerificationToken) error

	// GetToken retrieves a token by value. Performs no writes.
	// Returns ErrTokenRotated if the value has been superseded and
	// ErrTokenNotFound if it is unknown. When the presented value was
	// superseded but is still within its own validity, the grant's
	// current live token is returned alongside ErrTokenRotated so the
	// caller can hand the holder the replacement.
	GetToken(ctx context.Context, value string) (*VerificationToken, error)

	// AtomicRotateToken atomically replaces the token identified by
	// currentValue with newToken, keyed on the current value: the swap
	// succeeds only if currentValue is still the live token for its
	// grant. Returns the superseded row on success. On failure the
	// presented token is left untouched: ErrTokenRotated means another
	// caller won the race (the winner's live token is returned alongside
	// the error when it still exists), ErrTokenNotFound/ErrTokenExpired
	// mean the value was not valid to rotate.
	AtomicRotateToken(ctx context.Context, currentValue string, newToken *VerificationToken) (*VerificationToken, error)

	// CountActiveTokensForUserTool counts unexpired tokens for a
	// (userID, toolID) pair. Revocation reports this as the number of
	// tokens invalidated; the rows themselves are not deleted, because
	// revocation is an overlay that may later be cleared.
	CountActiveTokensForUserTool(ctx context.Context, userID, toolID string) (int, error)

	// DeleteToken removes a token by value
	DeleteToken(ctx context.Context, value string) error
}

// RevocationStore manages revocation records.
type RevocationStore interface {
	// Upsert records a revocation for (record.UserID, record.ToolID).
	// Idempotent: if an uncleared record already exists, its reason and
	// metadata are updated in place and the existing record is returned;
	// no duplicate effective state is created.
	Upsert(ctx context.Context, record *RevocationRecord) (*RevocationRecord, error)

	// Get retrieves the active (uncleared) revocation record for a pair.
	// Returns ErrRevocationNotFound when the pair is not revoked.
	Get(ctx context.Context, userID, toolID string) (*RevocationRecord, error)

	// Clear lifts the active revocation for a pair. Returns false if no
	// active record existed.
	Clear(ctx context.Context, userID, toolID string) (bool, error)

	// MarkPropagated records that the revocation has been delivered to
	// the vendor's webhook.
	MarkPropagated(ctx context.Context, revocationID string) error
}

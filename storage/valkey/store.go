package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/onesub/tool-auth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "toolauth:"

	// DefaultStaleRetention is how long consumed codes and superseded token
	// values are retained past their natural expiry. Retention is what lets
	// the store report "expired" or "already consumed" instead of a bare
	// "not found" when a stale credential is presented.
	DefaultStaleRetention = 10 * time.Minute

	// tokenIDLogLength is the number of characters to include when logging token values
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "toolauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// StaleRetention is how long stale codes and token values are kept past
	// expiry for error reporting. Default: 10 minutes
	StaleRetention time.Duration
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client         valkeygo.Client
	prefix         string
	logger         *slog.Logger
	staleRetention time.Duration
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ToolStore       = (*Store)(nil)
	_ storage.FlowStore       = (*Store)(nil)
	_ storage.GrantStore      = (*Store)(nil)
	_ storage.TokenStore      = (*Store)(nil)
	_ storage.RevocationStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.StaleRetention
	if retention <= 0 {
		retention = DefaultStaleRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:         client,
		prefix:         prefix,
		logger:         logger,
		staleRetention: retention,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Key Generation Helpers
// ============================================================

// toolKey returns the key for a tool: {prefix}tool:{toolID}
func (s *Store) toolKey(toolID string) string {
	return fmt.Sprintf("%stool:%s", s.prefix, toolID)
}

// toolDigestKey returns the API key lookup index: {prefix}tool:digest:{digest}
func (s *Store) toolDigestKey(digest string) string {
	return fmt.Sprintf("%stool:digest:%s", s.prefix, digest)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// grantKey returns the key for a grant: {prefix}grant:{grantID}
func (s *Store) grantKey(grantID string) string {
	return fmt.Sprintf("%sgrant:%s", s.prefix, grantID)
}

// grantUserToolKey returns the pair lookup index: {prefix}grant:ut:{userID}:{toolID}
func (s *Store) grantUserToolKey(userID, toolID string) string {
	return fmt.Sprintf("%sgrant:ut:%s:%s", s.prefix, userID, toolID)
}

// tokenKey returns the key for a verification token: {prefix}vt:{value}
func (s *Store) tokenKey(value string) string {
	return fmt.Sprintf("%svt:%s", s.prefix, value)
}

// liveTokenKey returns the live-value pointer for a grant: {prefix}live:{grantID}
func (s *Store) liveTokenKey(grantID string) string {
	return fmt.Sprintf("%slive:%s", s.prefix, grantID)
}

// pairGrantsKey returns the grant set for a pair: {prefix}grants:ut:{userID}:{toolID}
func (s *Store) pairGrantsKey(userID, toolID string) string {
	return fmt.Sprintf("%sgrants:ut:%s:%s", s.prefix, userID, toolID)
}

// revocationKey returns the active revocation for a pair: {prefix}rev:{userID}:{toolID}
func (s *Store) revocationKey(userID, toolID string) string {
	return fmt.Sprintf("%srev:%s:%s", s.prefix, userID, toolID)
}

// revocationIDKey returns the ID lookup index: {prefix}rev:id:{revocationID}
func (s *Store) revocationIDKey(revocationID string) string {
	return fmt.Sprintf("%srev:id:%s", s.prefix, revocationID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These Lua scripts provide the two atomic conditional updates the exchange
// and rotation flows depend on. Running them server-side guarantees that at
// most one concurrent caller observes success.

// luaAtomicConsumeCode atomically checks that an authorization code is
// unconsumed and unexpired, then marks it consumed. The consumed check runs
// before the expiry check so that a replayed code is always reported as a
// replay, even after it has also expired.
//
// KEYS[1] = code key (e.g., "toolauth:code:abc123")
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - Original JSON data if the code was live and is now marked consumed
//   - "NOT_FOUND" if the key doesn't exist
//   - "CONSUMED" if the code was already consumed
//   - "EXPIRED" if the code has expired (ARGV[1] > code.expires_at)
const luaAtomicConsumeCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

if code.consumed then
    return 'CONSUMED'
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

code.consumed = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// luaAtomicRotateToken atomically swaps the live token for a grant, keyed on
// the presented value. The live pointer is the compare-and-swap target: the
// swap succeeds only if the presented value is still the live one, so
// concurrent rotations of the same token have exactly one winner. The
// superseded value's record is left in place (its TTL expires it) so a later
// presentation is reported as rotated rather than unknown.
//
// KEYS[1] = live pointer key for the grant
// KEYS[2] = token key of the presented value
// KEYS[3] = token key of the replacement value
// ARGV[1] = presented token value
// ARGV[2] = replacement token value
// ARGV[3] = replacement token JSON
// ARGV[4] = current Unix timestamp in seconds
// ARGV[5] = TTL in seconds for the replacement token and live pointer
// ARGV[6] = token key prefix, for addressing the winner's record
//
// Returns:
//   - Superseded token JSON on success
//   - "NOT_FOUND" if the live pointer or token record doesn't exist
//   - "ROTATED:" followed by the winning token's JSON if the presented value
//     lost a rotation race and the winner's record exists
//   - "ROTATED" if the presented value is no longer the live one
//   - "EXPIRED" if the presented token has expired
const luaAtomicRotateToken = `
local live = redis.call('GET', KEYS[1])
if not live then
    return 'NOT_FOUND'
end
if live ~= ARGV[1] then
    local winner = redis.call('GET', ARGV[6] .. live)
    if winner then
        return 'ROTATED:' .. winner
    end
    return 'ROTATED'
end

local data = redis.call('GET', KEYS[2])
if not data then
    return 'NOT_FOUND'
end

local token = cjson.decode(data)
local now = tonumber(ARGV[4])
local expiresAt = tonumber(token.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

redis.call('SET', KEYS[3], ARGV[3], 'EX', ARGV[5])
redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[5])

return data
`

// ============================================================
// Shared Helpers
// ============================================================

// isNilError reports whether the error is a Valkey nil reply (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// getAndUnmarshal retrieves a key, unmarshals its JSON data, and converts it
// to the target type. Reduces duplication across GetTool, GetGrant, etc.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time.
// Returns 0 if the key has already expired.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// retainedTTL is the TTL for keys that must outlive their natural expiry by
// the stale-retention window.
func (s *Store) retainedTTL(expiresAt time.Time) time.Duration {
	return calculateTTL(expiresAt.Add(s.staleRetention))
}

func validateID(id, label string) error {
	if id == "" {
		return fmt.Errorf("%s is required", label)
	}
	if len(id) > storage.MaxIDLength {
		return fmt.Errorf("%s exceeds maximum allowed size", label)
	}
	return nil
}

func validateTokenValue(value, label string) error {
	if value == "" {
		return fmt.Errorf("%s is required", label)
	}
	if len(value) > storage.MaxTokenLength {
		return fmt.Errorf("%s exceeds maximum allowed size", label)
	}
	return nil
}

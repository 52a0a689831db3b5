package server

import (
	"log/slog"
	"time"
)

// Config holds verification server configuration
type Config struct {
	// ServerURL is the public base URL of this server. Used for security
	// headers (HSTS is only set for https URLs); optional.
	ServerURL string

	// TrustProxy enables client-IP extraction from X-Forwarded-For and
	// X-Real-IP headers. Only set this behind a proxy you control.
	TrustProxy bool

	// TrustedProxyCount is how many trailing X-Forwarded-For entries were
	// appended by trusted proxies.
	TrustedProxyCount int

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Codes are single-use and short-lived by design.
	// Default: 60 seconds
	AuthorizationCodeTTL time.Duration

	// TokenTTL is how long verification tokens are valid.
	// Default: 24 hours
	TokenTTL time.Duration

	// RotationWindow is how close to expiry a token must be before a verify
	// call rotates it. Tokens outside the window are never rotated.
	// Default: 2 hours
	RotationWindow time.Duration

	// ClockSkewGracePeriod is the grace period for token expiration checks.
	// This prevents false expiration errors due to time synchronization
	// issues between servers.
	// Default: 5 seconds
	ClockSkewGracePeriod time.Duration

	// EntitlementTTL is the cache TTL for entitlement snapshots.
	// Default: 15 minutes
	EntitlementTTL time.Duration

	// ValidationCacheTTL is the TTL for the short-lived token-validation
	// cache that absorbs bursty vendor polling. Entries are dropped
	// immediately on rotation; revocation is checked on every call
	// regardless of this cache.
	// Default: 30 seconds
	ValidationCacheTTL time.Duration

	// RevocationCheckTimeout bounds the mandatory revocation registry check.
	// A check that errors or times out fails closed: the caller is treated
	// as revoked.
	// Default: 2 seconds
	RevocationCheckTimeout time.Duration

	// VerifyRateLimit is the per-API-key rate limit for verify calls,
	// requests per minute.
	// Default: 120
	VerifyRateLimit int

	// ExchangeRateLimit is the per-API-key rate limit for exchange calls,
	// requests per minute.
	// Default: 30
	ExchangeRateLimit int
}

// applySecureDefaults applies secure-by-default configuration values.
// Zero values select the defaults; explicit values are kept.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 60 * time.Second
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = 24 * time.Hour
	}
	if config.RotationWindow == 0 {
		config.RotationWindow = 2 * time.Hour
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5 * time.Second
	}
	if config.EntitlementTTL == 0 {
		config.EntitlementTTL = 15 * time.Minute
	}
	if config.ValidationCacheTTL == 0 {
		config.ValidationCacheTTL = 30 * time.Second
	}
	if config.RevocationCheckTimeout == 0 {
		config.RevocationCheckTimeout = 2 * time.Second
	}
	if config.VerifyRateLimit == 0 {
		config.VerifyRateLimit = 120
	}
	if config.ExchangeRateLimit == 0 {
		config.ExchangeRateLimit = 30
	}

	if config.AuthorizationCodeTTL > 5*time.Minute {
		logger.Warn("Long authorization code TTL configured; codes are meant to be short-lived",
			"ttl", config.AuthorizationCodeTTL)
	}
	if config.RotationWindow >= config.TokenTTL {
		logger.Warn("Rotation window covers the whole token lifetime; every verify will rotate",
			"rotation_window", config.RotationWindow,
			"token_ttl", config.TokenTTL)
	}

	return config
}

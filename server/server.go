package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onesub/tool-auth/entitlements"
	"github.com/onesub/tool-auth/instrumentation"
	"github.com/onesub/tool-auth/notifier"
	"github.com/onesub/tool-auth/security"
	"github.com/onesub/tool-auth/storage"
)

// Typed errors the HTTP layer maps onto the wire error taxonomy. Storage
// sentinels (storage.ErrCodeConsumed, storage.ErrTokenExpired, ...) pass
// through unchanged.
var (
	// ErrToolInactive means the tool exists but is disabled.
	ErrToolInactive = errors.New("tool is not active")

	// ErrRedirectURIMismatch means the requested redirect URI does not
	// exactly match the tool's registered one.
	ErrRedirectURIMismatch = errors.New("redirect URI does not match registered URI")

	// ErrSubscriptionInactive means the grant is valid but the user's
	// subscription no longer covers the tool.
	ErrSubscriptionInactive = errors.New("subscription is not active")
)

// RevokedError reports that access for a (user, tool) pair has been revoked,
// or that the revocation registry could not be consulted (which fails
// closed). It carries the reason for the vendor-facing response.
type RevokedError struct {
	Reason    string
	RevokedAt time.Time
}

func (e *RevokedError) Error() string {
	return fmt.Sprintf("access revoked: %s", e.Reason)
}

// Server coordinates the delegation flow using the storage backends, the
// tiered entitlement cache, and the revocation registry.
type Server struct {
	toolStore       storage.ToolStore
	flowStore       storage.FlowStore
	grantStore      storage.GrantStore
	tokenStore      storage.TokenStore
	revocationStore storage.RevocationStore
	entitlements    *entitlements.Tiered

	validationCache *validationCache

	Auditor             *security.Auditor
	VerifyRateLimiter   *security.RateLimiter // per-API-key, verify endpoint
	ExchangeRateLimiter *security.RateLimiter // per-API-key, exchange endpoint
	Notifier            *notifier.Notifier
	Logger              *slog.Logger
	Config              *Config

	instrumentation *instrumentation.Instrumentation
}

// New creates a verification server.
func New(
	toolStore storage.ToolStore,
	flowStore storage.FlowStore,
	grantStore storage.GrantStore,
	tokenStore storage.TokenStore,
	revocationStore storage.RevocationStore,
	ent *entitlements.Tiered,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if toolStore == nil {
		return nil, fmt.Errorf("tool store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if grantStore == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if revocationStore == nil {
		return nil, fmt.Errorf("revocation store is required")
	}
	if ent == nil {
		return nil, fmt.Errorf("entitlement cache is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		toolStore:       toolStore,
		flowStore:       flowStore,
		grantStore:      grantStore,
		tokenStore:      tokenStore,
		revocationStore: revocationStore,
		entitlements:    ent,
		validationCache: newValidationCache(config.ValidationCacheTTL, 0),
		Config:          config,
		Logger:          logger,
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.wireAuditRecorder()
}

// SetVerifyRateLimiter sets the per-API-key rate limiter for verify calls
func (s *Server) SetVerifyRateLimiter(rl *security.RateLimiter) {
	s.VerifyRateLimiter = rl
}

// SetExchangeRateLimiter sets the per-API-key rate limiter for exchange calls
func (s *Server) SetExchangeRateLimiter(rl *security.RateLimiter) {
	s.ExchangeRateLimiter = rl
}

// SetNotifier sets the outbound revocation notifier
func (s *Server) SetNotifier(n *notifier.Notifier) {
	s.Notifier = n
}

// SetInstrumentation attaches OpenTelemetry instrumentation to the server
// and propagates it to components that support it.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	s.entitlements.SetInstrumentation(inst)

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := s.tokenStore.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
	if s.Notifier != nil {
		s.Notifier.SetInstrumentation(inst)
	}
	s.wireAuditRecorder()
}

// wireAuditRecorder feeds audit event counts into the metrics pipeline once
// both the auditor and instrumentation are attached, in either order.
func (s *Server) wireAuditRecorder() {
	if s.Auditor == nil || s.instrumentation == nil {
		return
	}
	metrics := s.instrumentation.Metrics()
	if metrics == nil {
		return
	}
	s.Auditor.SetEventRecorder(func(eventType string) {
		metrics.RecordAuditEvent(context.Background(), eventType)
	})
}

// Stop releases background resources owned by the server's collaborators.
func (s *Server) Stop() {
	if s.VerifyRateLimiter != nil {
		s.VerifyRateLimiter.Stop()
	}
	if s.ExchangeRateLimiter != nil {
		s.ExchangeRateLimiter.Stop()
	}
	s.validationCache.stop()
	s.entitlements.Stop()
}

// Instrumentation returns the configured instrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

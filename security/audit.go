package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger   *slog.Logger
	enabled  bool
	recorder func(eventType string)
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ToolID    string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// SetEventRecorder installs a hook invoked once per logged event, keyed by
// event type. Used to feed audit counters without coupling this package to
// the metrics backend.
func (a *Auditor) SetEventRecorder(recorder func(eventType string)) {
	if a == nil {
		return
	}
	a.recorder = recorder
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	if a.recorder != nil {
		a.recorder(event.Type)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"tool_id", event.ToolID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs issuance of an authorization code
func (a *Auditor) LogCodeIssued(userID, toolID string) {
	a.LogEvent(Event{
		Type:   EventCodeIssued,
		UserID: userID,
		ToolID: toolID,
	})
}

// LogCodeExchanged logs a successful code exchange
func (a *Auditor) LogCodeExchanged(userID, toolID, grantID string) {
	a.LogEvent(Event{
		Type:   EventCodeExchanged,
		UserID: userID,
		ToolID: toolID,
		Details: map[string]any{
			"grant_id": grantID,
		},
	})
}

// LogTokenRotated logs replacement of a verification token
func (a *Auditor) LogTokenRotated(userID, toolID, grantID string) {
	a.LogEvent(Event{
		Type:   EventTokenRotated,
		UserID: userID,
		ToolID: toolID,
		Details: map[string]any{
			"grant_id": grantID,
		},
	})
}

// LogAccessRevoked logs a revocation taking effect
func (a *Auditor) LogAccessRevoked(userID, toolID, reason string, tokensInvalidated int) {
	a.LogEvent(Event{
		Type:   EventAccessRevoked,
		UserID: userID,
		ToolID: toolID,
		Details: map[string]any{
			"reason":             reason,
			"tokens_invalidated": tokensInvalidated,
		},
	})
}

// LogRevocationCleared logs a revocation being lifted
func (a *Auditor) LogRevocationCleared(userID, toolID string) {
	a.LogEvent(Event{
		Type:   EventRevocationCleared,
		UserID: userID,
		ToolID: toolID,
	})
}

// LogAuthFailure logs an authentication or validation failure
func (a *Auditor) LogAuthFailure(userID, toolID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ToolID:    toolID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(toolID, operation string) {
	a.LogEvent(Event{
		Type:   EventRateLimitExceeded,
		ToolID: toolID,
		Details: map[string]any{
			"operation": operation,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

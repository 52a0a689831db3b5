package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never log actual sensitive values (verification tokens,
// authorization codes, API keys, webhook secrets) in traces or metrics. Only
// log metadata such as tool IDs, expiry times, and validation results.
const (
	// Delegated-access flow attributes - metadata only
	AttrToolID       = "toolauth.tool_id"       // Vendor tool identifier (non-secret)
	AttrUserID       = "toolauth.user_id"       // User identifier (non-secret)
	AttrGrantID      = "toolauth.grant_id"      // Grant identifier (non-secret)
	AttrTokenRotated = "toolauth.token.rotated" //nolint:gosec // Whether token was rotated (boolean)
	AttrCodeReplay   = "toolauth.code.replay"   // Whether code replay was detected (boolean)
	AttrRedirectURI  = "toolauth.redirect_uri"  // Redirect URI (may contain sensitive data)
	AttrExpiresIn    = "toolauth.expires_in"    // Token expiry duration
	AttrError        = "toolauth.error"         // Error code

	// Revocation attributes
	AttrRevocationReason = "toolauth.revocation.reason"
	AttrRevokedBy        = "toolauth.revocation.revoked_by"

	// Entitlement attributes
	AttrEntitlementTier = "toolauth.entitlements.tier"

	// Storage attributes
	AttrStorageOperation = "storage.operation"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common delegated-access flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, toolID, userID string) {
	if toolID != "" {
		SetSpanAttributes(span, attribute.String(AttrToolID, toolID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
}

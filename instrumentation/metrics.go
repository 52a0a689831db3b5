package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the tool-auth library
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization flow
	CodeIssued    metric.Int64Counter
	CodeExchanged metric.Int64Counter
	TokenRotated  metric.Int64Counter

	// Verification
	VerificationsTotal   metric.Int64Counter
	VerificationDuration metric.Float64Histogram

	// Revocation
	AccessRevoked      metric.Int64Counter
	RevocationsCleared metric.Int64Counter

	// Entitlement cache
	EntitlementLookups metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	CodeReplayDetected   metric.Int64Counter
	RotationConflicts    metric.Int64Counter
	AuthFailures         metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter
	WebhookDeliveryTotal metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageToolsCount        metric.Int64ObservableGauge
	StorageCodesCount        metric.Int64ObservableGauge
	StorageGrantsCount       metric.Int64ObservableGauge
	StorageTokensCount       metric.Int64ObservableGauge
	StorageRevocationsCount  metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	entMeter := inst.Meter("entitlements")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"toolauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"toolauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.CodeIssued, err = serverMeter.Int64Counter(
		"toolauth.code.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.issued counter: %w", err)
	}

	m.CodeExchanged, err = serverMeter.Int64Counter(
		"toolauth.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for verification tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenRotated, err = serverMeter.Int64Counter(
		"toolauth.token.rotated",
		metric.WithDescription("Number of verification tokens rotated"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.rotated counter: %w", err)
	}

	m.VerificationsTotal, err = serverMeter.Int64Counter(
		"toolauth.verifications.total",
		metric.WithDescription("Number of verification requests processed"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifications.total counter: %w", err)
	}

	m.VerificationDuration, err = serverMeter.Float64Histogram(
		"toolauth.verification.duration",
		metric.WithDescription("Verification request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification.duration histogram: %w", err)
	}

	m.AccessRevoked, err = serverMeter.Int64Counter(
		"toolauth.access.revoked",
		metric.WithDescription("Number of access revocations recorded"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create access.revoked counter: %w", err)
	}

	m.RevocationsCleared, err = serverMeter.Int64Counter(
		"toolauth.revocation.cleared",
		metric.WithDescription("Number of revocations cleared"),
		metric.WithUnit("{clear}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create revocation.cleared counter: %w", err)
	}

	m.EntitlementLookups, err = entMeter.Int64Counter(
		"toolauth.entitlements.lookups",
		metric.WithDescription("Entitlement lookups by cache tier and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entitlements.lookups counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"toolauth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.CodeReplayDetected, err = securityMeter.Int64Counter(
		"toolauth.code.replay_detected",
		metric.WithDescription("Number of authorization code replay attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.replay_detected counter: %w", err)
	}

	m.RotationConflicts, err = securityMeter.Int64Counter(
		"toolauth.token.rotation_conflicts",
		metric.WithDescription("Number of concurrent rotation attempts that lost the race"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.rotation_conflicts counter: %w", err)
	}

	m.AuthFailures, err = securityMeter.Int64Counter(
		"toolauth.auth.failures",
		metric.WithDescription("Number of API key authentication failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth.failures counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"toolauth.audit.events.total",
		metric.WithDescription("Total number of audit events logged"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.WebhookDeliveryTotal, err = securityMeter.Int64Counter(
		"toolauth.webhook.deliveries.total",
		metric.WithDescription("Revocation webhook delivery attempts by result"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook.deliveries.total counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageToolsCount, err = storageMeter.Int64ObservableGauge(
		"storage.size.tools",
		metric.WithDescription("Number of registered tools in storage"),
		metric.WithUnit("{tool}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.tools gauge: %w", err)
	}

	m.StorageCodesCount, err = storageMeter.Int64ObservableGauge(
		"storage.size.codes",
		metric.WithDescription("Number of pending authorization codes in storage"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.codes gauge: %w", err)
	}

	m.StorageGrantsCount, err = storageMeter.Int64ObservableGauge(
		"storage.size.grants",
		metric.WithDescription("Number of grants in storage"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.grants gauge: %w", err)
	}

	m.StorageTokensCount, err = storageMeter.Int64ObservableGauge(
		"storage.size.tokens",
		metric.WithDescription("Number of verification tokens in storage"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.tokens gauge: %w", err)
	}

	m.StorageRevocationsCount, err = storageMeter.Int64ObservableGauge(
		"storage.size.revocations",
		metric.WithDescription("Number of active revocation records in storage"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.revocations gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String(AttrHTTPEndpoint, endpoint)))
}

// RecordCodeIssued records an authorization code issuance
func (m *Metrics) RecordCodeIssued(ctx context.Context, toolID string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool_id", toolID),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, toolID string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool_id", toolID),
	))
}

// RecordTokenRotation records a verification token rotation
func (m *Metrics) RecordTokenRotation(ctx context.Context, toolID string) {
	m.TokenRotated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool_id", toolID),
	))
}

// RecordVerification records a verification request and its outcome
func (m *Metrics) RecordVerification(ctx context.Context, toolID, result string, durationMs float64) {
	m.VerificationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool_id", toolID),
		attribute.String("result", result),
	))
	m.VerificationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordAccessRevoked records an access revocation
func (m *Metrics) RecordAccessRevoked(ctx context.Context, toolID, reason string) {
	m.AccessRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool_id", toolID),
		attribute.String("reason", reason),
	))
}

// RecordRevocationCleared records a cleared revocation
func (m *Metrics) RecordRevocationCleared(ctx context.Context, toolID string) {
	m.RevocationsCleared.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool_id", toolID),
	))
}

// RecordEntitlementLookup records an entitlement lookup by tier and result.
// Tier is one of "distributed", "local", "source"; result is "hit", "miss",
// "stale" or "error".
func (m *Metrics) RecordEntitlementLookup(ctx context.Context, tier, result string) {
	m.EntitlementLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("result", result),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrRateLimiterType, limiterType),
	))
}

// RecordCodeReplayDetected records an authorization code replay attempt
func (m *Metrics) RecordCodeReplayDetected(ctx context.Context) {
	m.CodeReplayDetected.Add(ctx, 1)
}

// RecordRotationConflict records a rotation attempt that lost the race
func (m *Metrics) RecordRotationConflict(ctx context.Context) {
	m.RotationConflicts.Add(ctx, 1)
}

// RecordAuthFailure records an API key authentication failure
func (m *Metrics) RecordAuthFailure(ctx context.Context) {
	m.AuthFailures.Add(ctx, 1)
}

// RecordAuditEvent records an audit event emission
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAuditEventType, eventType),
	))
}

// RecordWebhookDelivery records a revocation webhook delivery attempt
func (m *Metrics) RecordWebhookDelivery(ctx context.Context, success bool) {
	m.WebhookDeliveryTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordStorageOperation records a storage operation and its latency
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrStorageOperation, operation),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))
}

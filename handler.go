package toolauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/onesub/tool-auth/instrumentation"
	"github.com/onesub/tool-auth/security"
	"github.com/onesub/tool-auth/server"
	"github.com/onesub/tool-auth/storage"
)

const (
	// maxRequestBodyBytes bounds request bodies; every request in this API
	// is a small JSON object.
	maxRequestBodyBytes = 64 * 1024

	tokenTypeBearer = "Bearer"
)

// UserAuthenticator resolves the authenticated end user behind a request.
// Code issuance is the one call authenticated as the subscriber rather than
// with a vendor API key, and how subscribers sign in is the platform's
// concern, not this package's.
type UserAuthenticator interface {
	// AuthenticateUser returns the user ID for the request, or an error
	// when the request carries no valid user identity.
	AuthenticateUser(r *http.Request) (string, error)
}

// UserAuthenticatorFunc adapts a function to the UserAuthenticator interface.
type UserAuthenticatorFunc func(r *http.Request) (string, error)

func (f UserAuthenticatorFunc) AuthenticateUser(r *http.Request) (string, error) { return f(r) }

// Handler exposes the verification server over JSON HTTP. It is a thin
// adapter: request parsing, authentication, rate limiting, and error
// mapping live here; all flow semantics live in the server package.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer

	userAuth   UserAuthenticator
	adminToken string
}

// NewHandler creates an HTTP handler for the server.
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}

	// Initialize tracer if instrumentation is enabled
	if srv.Instrumentation() != nil {
		h.tracer = srv.Instrumentation().Tracer("http")
	}

	return h
}

// SetUserAuthenticator installs the end-user authenticator for the code
// issuance endpoint. Without one, code issuance rejects every request.
func (h *Handler) SetUserAuthenticator(ua UserAuthenticator) {
	h.userAuth = ua
}

// SetAdminToken sets the bearer token protecting the internal revocation
// endpoints. Without one, those endpoints reject every request.
func (h *Handler) SetAdminToken(token string) {
	h.adminToken = token
}

// RegisterRoutes registers all API endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/authorize/code", h.ServeIssueCode)
	mux.HandleFunc("POST /v1/exchange", h.ServeExchange)
	mux.HandleFunc("POST /v1/verify", h.ServeVerify)
	mux.HandleFunc("POST /v1/revoke", h.ServeRevoke)
	mux.HandleFunc("POST /v1/revocations/clear", h.ServeClearRevocation)
}

// ServeIssueCode handles authorization code issuance. Authenticated as the
// end user via the installed UserAuthenticator.
func (h *Handler) ServeIssueCode(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "toolauth.http.issue_code")
		defer span.End()
	}

	if h.userAuth == nil {
		h.recordHTTPMetrics("authorize_code", http.StatusUnauthorized, startTime)
		h.writeAPIError(w, ErrUnauthorized("User authentication is not configured"))
		return
	}

	userID, err := h.userAuth.AuthenticateUser(r)
	if err != nil || userID == "" {
		clientIP := h.clientIP(r)
		h.logger.Warn("Code issuance rejected: user not authenticated", "ip", clientIP, "error", err)
		if h.server.Auditor != nil {
			h.server.Auditor.LogAuthFailure("", "", clientIP, "user_not_authenticated")
		}
		h.recordHTTPMetrics("authorize_code", http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "user authentication failed")
		h.writeAPIError(w, ErrUnauthorized("User authentication required"))
		return
	}

	var req IssueCodeRequest
	if !h.decodeRequest(w, r, &req) {
		h.recordHTTPMetrics("authorize_code", http.StatusBadRequest, startTime)
		return
	}
	if req.ToolID == "" {
		h.recordHTTPMetrics("authorize_code", http.StatusBadRequest, startTime)
		h.writeAPIError(w, ErrInvalidRequest("Required parameter 'toolId' missing"))
		return
	}

	instrumentation.AddFlowAttributes(span, req.ToolID, userID)
	if req.RedirectURI != "" {
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrRedirectURI, req.RedirectURI))
	}

	result, err := h.server.IssueCode(ctx, &server.IssueCodeRequest{
		ToolID:      req.ToolID,
		UserID:      userID,
		RedirectURI: req.RedirectURI,
		State:       req.State,
	})
	if err != nil {
		apiErr := h.mapError(err)
		h.recordHTTPMetrics("authorize_code", apiErr.Status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code issuance failed")
		h.writeAPIError(w, apiErr)
		return
	}

	h.recordHTTPMetrics("authorize_code", http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, &IssueCodeResponse{
		Code:             result.Code,
		ExpiresAt:        result.ExpiresAt,
		AuthorizationURL: result.AuthorizationURL,
	})
}

// ServeExchange handles the one-time exchange of an authorization code for
// a verification token. Authenticated with the vendor API key.
func (h *Handler) ServeExchange(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "toolauth.http.exchange")
		defer span.End()
	}

	tool, ok := h.authenticateTool(w, r, "exchange", startTime, span)
	if !ok {
		return
	}

	if !h.checkRateLimit(w, h.server.ExchangeRateLimiter, tool.ID, "exchange") {
		h.recordHTTPMetrics("exchange", http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	var req ExchangeRequest
	if !h.decodeRequest(w, r, &req) {
		h.recordHTTPMetrics("exchange", http.StatusBadRequest, startTime)
		return
	}
	if req.Code == "" {
		h.recordHTTPMetrics("exchange", http.StatusBadRequest, startTime)
		h.writeAPIError(w, ErrInvalidRequest("Required parameter 'code' missing"))
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrToolID, tool.ID))

	result, err := h.server.Exchange(ctx, tool, req.Code)
	if err != nil {
		apiErr := h.mapError(err)
		h.logger.Warn("Code exchange failed", "tool_id", tool.ID, "ip", h.clientIP(r), "code_error", apiErr.Code)
		h.recordHTTPMetrics("exchange", apiErr.Status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, apiErr.Code))
		if errors.Is(err, storage.ErrCodeConsumed) {
			instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrCodeReplay, true))
		}
		instrumentation.SetSpanError(span, "exchange failed")
		h.writeAPIError(w, apiErr)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantID, result.GrantID),
		attribute.Int64(instrumentation.AttrExpiresIn, int64(time.Until(result.TokenExpiresAt).Seconds())),
	)

	h.recordHTTPMetrics("exchange", http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, &ExchangeResponse{
		UserID:            result.UserID,
		GrantID:           result.GrantID,
		VerificationToken: result.Token,
		TokenExpiresAt:    result.TokenExpiresAt,
	})
}

// ServeVerify handles verification token validation. Authenticated with the
// vendor API key. Responses are never cacheable by intermediaries; caching
// is handled internally with revocation-aware invalidation.
func (h *Handler) ServeVerify(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "toolauth.http.verify")
		defer span.End()
	}

	tool, ok := h.authenticateTool(w, r, "verify", startTime, span)
	if !ok {
		return
	}

	if !h.checkRateLimit(w, h.server.VerifyRateLimiter, tool.ID, "verify") {
		h.recordHTTPMetrics("verify", http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	var req VerifyRequest
	if !h.decodeRequest(w, r, &req) {
		h.recordHTTPMetrics("verify", http.StatusBadRequest, startTime)
		return
	}
	if req.VerificationToken == "" {
		h.recordHTTPMetrics("verify", http.StatusBadRequest, startTime)
		h.writeAPIError(w, ErrInvalidRequest("Required parameter 'verificationToken' missing"))
		return
	}
	if len(req.VerificationToken) > storage.MaxTokenLength {
		h.recordHTTPMetrics("verify", http.StatusBadRequest, startTime)
		h.writeAPIError(w, ErrInvalidRequest("Verification token exceeds maximum length"))
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrToolID, tool.ID))

	result, err := h.server.Verify(ctx, tool, req.VerificationToken)
	if err != nil {
		apiErr := h.mapError(err)
		h.recordHTTPMetrics("verify", apiErr.Status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, apiErr.Code))
		instrumentation.SetSpanError(span, "verification failed")
		h.writeAPIError(w, apiErr)
		return
	}

	if result.TokenRotated {
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenRotated, true))
	}
	if result.Entitlements != nil {
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrEntitlementTier, result.Entitlements.Tier))
	}

	h.recordHTTPMetrics("verify", http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, &VerifyResponse{
		Valid:                  true,
		UserID:                 result.UserID,
		GrantID:                result.GrantID,
		Entitlements:           result.Entitlements,
		VerificationToken:      result.Token,
		TokenExpiresAt:         result.TokenExpiresAt,
		TokenRotated:           result.TokenRotated,
		CacheUntil:             result.CacheUntil,
		NextVerificationBefore: result.NextVerificationBefore,
	})
}

// ServeRevoke handles the internal revocation endpoint.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "toolauth.http.revoke")
		defer span.End()
	}

	if !h.authorizeAdmin(w, r, "revoke", startTime) {
		instrumentation.SetSpanError(span, "admin authentication failed")
		return
	}

	var req RevokeRequest
	if !h.decodeRequest(w, r, &req) {
		h.recordHTTPMetrics("revoke", http.StatusBadRequest, startTime)
		return
	}

	instrumentation.AddFlowAttributes(span, req.ToolID, req.UserID)
	if req.Reason != "" {
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrRevocationReason, req.Reason))
	}
	if req.RevokedBy != "" {
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrRevokedBy, req.RevokedBy))
	}

	result, err := h.server.Revoke(ctx, &server.RevokeRequest{
		UserID:    req.UserID,
		ToolID:    req.ToolID,
		Reason:    req.Reason,
		RevokedBy: req.RevokedBy,
		Metadata:  req.Metadata,
	})
	if err != nil {
		apiErr := h.mapError(err)
		h.recordHTTPMetrics("revoke", apiErr.Status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "revocation failed")
		h.writeAPIError(w, apiErr)
		return
	}

	h.recordHTTPMetrics("revoke", http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, &RevokeResponse{
		RevocationID:      result.RevocationID,
		RevokedAt:         result.RevokedAt,
		TokensInvalidated: result.TokensInvalidated,
	})
}

// ServeClearRevocation handles the internal endpoint lifting a revocation,
// typically after a re-authorization.
func (h *Handler) ServeClearRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "toolauth.http.clear_revocation")
		defer span.End()
	}

	if !h.authorizeAdmin(w, r, "clear_revocation", startTime) {
		instrumentation.SetSpanError(span, "admin authentication failed")
		return
	}

	var req ClearRevocationRequest
	if !h.decodeRequest(w, r, &req) {
		h.recordHTTPMetrics("clear_revocation", http.StatusBadRequest, startTime)
		return
	}
	if req.UserID == "" || req.ToolID == "" {
		h.recordHTTPMetrics("clear_revocation", http.StatusBadRequest, startTime)
		h.writeAPIError(w, ErrInvalidRequest("Required parameters 'userId' and 'toolId' missing"))
		return
	}

	cleared, err := h.server.ClearRevocation(ctx, req.UserID, req.ToolID)
	if err != nil {
		apiErr := h.mapError(err)
		h.recordHTTPMetrics("clear_revocation", apiErr.Status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "clearing revocation failed")
		h.writeAPIError(w, apiErr)
		return
	}

	h.recordHTTPMetrics("clear_revocation", http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, &ClearRevocationResponse{Cleared: cleared})
}

// authenticateTool resolves the vendor API key from the Authorization header.
// On failure it writes the error response and returns ok=false.
func (h *Handler) authenticateTool(w http.ResponseWriter, r *http.Request, endpoint string, startTime time.Time, span trace.Span) (*storage.Tool, bool) {
	apiKey := bearerToken(r)
	tool, err := h.server.AuthenticateTool(r.Context(), apiKey)
	if err != nil {
		clientIP := h.clientIP(r)
		h.logger.Warn("API key authentication failed", "endpoint", endpoint, "ip", clientIP)
		if h.server.Auditor != nil {
			h.server.Auditor.LogAuthFailure("", "", clientIP, "invalid_api_key")
		}
		h.recordHTTPMetrics(endpoint, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "API key authentication failed")
		h.writeAPIError(w, ErrUnauthorized("Invalid or missing API key"))
		return nil, false
	}
	return tool, true
}

// authorizeAdmin gates the internal revocation endpoints behind a
// constant-time bearer token comparison. An unset token rejects everything.
func (h *Handler) authorizeAdmin(w http.ResponseWriter, r *http.Request, endpoint string, startTime time.Time) bool {
	presented := bearerToken(r)
	if h.adminToken == "" || presented == "" ||
		subtle.ConstantTimeCompare([]byte(presented), []byte(h.adminToken)) != 1 {
		h.logger.Warn("Admin authentication failed", "endpoint", endpoint, "ip", h.clientIP(r))
		h.recordHTTPMetrics(endpoint, http.StatusUnauthorized, startTime)
		h.writeAPIError(w, ErrUnauthorized("Admin authentication required"))
		return false
	}
	return true
}

// checkRateLimit applies the per-key limiter and sets the standard
// X-RateLimit headers on every response, allowed or not. A nil limiter
// allows everything. Writes the 429 response itself when exceeded.
func (h *Handler) checkRateLimit(w http.ResponseWriter, limiter *security.RateLimiter, toolID, operation string) bool {
	if limiter == nil {
		return true
	}

	res := limiter.Check(toolID)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

	if res.Allowed {
		return true
	}

	retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

	h.logger.Warn("Rate limit exceeded", "tool_id", toolID, "operation", operation)
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(toolID, operation)
	}
	if inst := h.server.Instrumentation(); inst != nil {
		inst.Metrics().RecordRateLimitExceeded(context.Background(), operation)
	}

	h.writeAPIError(w, ErrRateLimited("Rate limit exceeded for "+operation+", retry later"))
	return false
}

// decodeRequest parses the JSON body into dst, writing the error response
// on failure.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeAPIError(w, ErrInvalidRequest("Request body is not valid JSON"))
		return false
	}
	return true
}

// mapError translates flow and storage errors into API errors. Unknown
// errors become INTERNAL_ERROR without leaking details.
func (h *Handler) mapError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var revoked *server.RevokedError
	if errors.As(err, &revoked) {
		return ErrAccessRevoked(revoked.Reason)
	}

	switch {
	case errors.Is(err, storage.ErrToolNotFound):
		return ErrToolNotFound("Tool not found")
	case errors.Is(err, server.ErrToolInactive):
		return ErrToolNotActive("Tool is not active")
	case errors.Is(err, server.ErrRedirectURIMismatch):
		return ErrRedirectURIMismatch("Redirect URI does not match the registered URI")
	case errors.Is(err, storage.ErrCodeConsumed):
		return ErrCodeAlreadyExchanged("Authorization code has already been exchanged")
	case errors.Is(err, storage.ErrCodeExpired):
		return ErrCodeExpired("Authorization code has expired")
	case errors.Is(err, storage.ErrCodeNotFound):
		return ErrInvalidRequest("Authorization code is not recognized")
	case errors.Is(err, storage.ErrTokenExpired):
		return ErrTokenExpired("Verification token has expired")
	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenRotated):
		return ErrInvalidToken("Verification token is not valid")
	case errors.Is(err, server.ErrSubscriptionInactive):
		return ErrSubscriptionInactive("Subscription does not cover this tool")
	case errors.Is(err, server.ErrUnauthorized):
		return ErrUnauthorized("Invalid or missing API key")
	default:
		h.logger.Error("Request failed", "error", err)
		return ErrInternalError("An internal error occurred")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.ServerURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeAPIError(w http.ResponseWriter, apiErr *APIError) {
	security.SetSecurityHeaders(w, h.server.Config.ServerURL)

	if apiErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{
		Error:   apiErr.Code,
		Message: apiErr.Message,
		Action:  apiErr.Action,
	})
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint string, status int, startTime time.Time) {
	inst := h.server.Instrumentation()
	if inst == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	inst.Metrics().RecordHTTPRequest(context.Background(), http.MethodPost, endpoint, status, duration)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// bearerToken extracts the credential from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

package toolauth

import (
	"fmt"
	"net/http"
)

// API error codes as constants
const (
	ErrorCodeInvalidRequest       = "INVALID_REQUEST"
	ErrorCodeUnauthorized         = "UNAUTHORIZED"
	ErrorCodeToolNotFound         = "TOOL_NOT_FOUND"
	ErrorCodeToolNotActive        = "TOOL_NOT_ACTIVE"
	ErrorCodeRedirectURIMismatch  = "REDIRECT_URI_MISMATCH"
	ErrorCodeInvalidToken         = "INVALID_TOKEN"
	ErrorCodeTokenExpired         = "TOKEN_EXPIRED"
	ErrorCodeAccessRevoked        = "ACCESS_REVOKED"
	ErrorCodeSubscriptionInactive = "SUBSCRIPTION_INACTIVE"
	ErrorCodeCodeExpired          = "CODE_EXPIRED"
	ErrorCodeCodeAlreadyExchanged = "CODE_ALREADY_EXCHANGED"
	ErrorCodeRateLimited          = "RATE_LIMITED"
	ErrorCodeInternalError        = "INTERNAL_ERROR"
)

// Action hints telling the vendor how to react to an error. Terminal
// conditions (revocation, lapsed subscription) end the session; recoverable
// ones (expired or rotated-away token) send the user back through the
// authorization flow.
const (
	ActionTerminateSession = "terminate_session"
	ActionReauthenticate   = "reauthenticate"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string // Machine-readable error code (e.g., "INVALID_TOKEN")
	Message string // Human-readable error description
	Status  int    // HTTP status code
	Action  string // Optional vendor action hint
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAPIError creates a new API error
func NewAPIError(code, message string, status int) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

// WithAction returns a copy of the error carrying an action hint
func (e *APIError) WithAction(action string) *APIError {
	clone := *e
	clone.Action = action
	return &clone
}

// Common API errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(msg string) *APIError {
		return NewAPIError(ErrorCodeInvalidRequest, msg, http.StatusBadRequest)
	}

	// ErrUnauthorized indicates a missing or invalid API key
	ErrUnauthorized = func(msg string) *APIError {
		return NewAPIError(ErrorCodeUnauthorized, msg, http.StatusUnauthorized)
	}

	// ErrToolNotFound indicates the tool does not exist
	ErrToolNotFound = func(msg string) *APIError {
		return NewAPIError(ErrorCodeToolNotFound, msg, http.StatusNotFound)
	}

	// ErrToolNotActive indicates the tool exists but is disabled
	ErrToolNotActive = func(msg string) *APIError {
		return NewAPIError(ErrorCodeToolNotActive, msg, http.StatusForbidden)
	}

	// ErrRedirectURIMismatch indicates the redirect URI does not exactly match the registered one
	ErrRedirectURIMismatch = func(msg string) *APIError {
		return NewAPIError(ErrorCodeRedirectURIMismatch, msg, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the verification token is unknown or superseded
	ErrInvalidToken = func(msg string) *APIError {
		return NewAPIError(ErrorCodeInvalidToken, msg, http.StatusUnauthorized).
			WithAction(ActionReauthenticate)
	}

	// ErrTokenExpired indicates the verification token has passed its lifetime
	ErrTokenExpired = func(msg string) *APIError {
		return NewAPIError(ErrorCodeTokenExpired, msg, http.StatusUnauthorized).
			WithAction(ActionReauthenticate)
	}

	// ErrAccessRevoked indicates the user revoked the tool's access (or the
	// revocation registry was unreachable, which is treated the same way)
	ErrAccessRevoked = func(msg string) *APIError {
		return NewAPIError(ErrorCodeAccessRevoked, msg, http.StatusForbidden).
			WithAction(ActionTerminateSession)
	}

	// ErrSubscriptionInactive indicates the user's subscription no longer covers the tool
	ErrSubscriptionInactive = func(msg string) *APIError {
		return NewAPIError(ErrorCodeSubscriptionInactive, msg, http.StatusForbidden).
			WithAction(ActionTerminateSession)
	}

	// ErrCodeExpired indicates the authorization code's 60-second window has passed
	ErrCodeExpired = func(msg string) *APIError {
		return NewAPIError(ErrorCodeCodeExpired, msg, http.StatusBadRequest)
	}

	// ErrCodeAlreadyExchanged indicates a replayed authorization code
	ErrCodeAlreadyExchanged = func(msg string) *APIError {
		return NewAPIError(ErrorCodeCodeAlreadyExchanged, msg, http.StatusConflict)
	}

	// ErrRateLimited indicates the per-key budget for the operation is exhausted
	ErrRateLimited = func(msg string) *APIError {
		return NewAPIError(ErrorCodeRateLimited, msg, http.StatusTooManyRequests)
	}

	// ErrInternalError indicates an unexpected server-side failure
	ErrInternalError = func(msg string) *APIError {
		return NewAPIError(ErrorCodeInternalError, msg, http.StatusInternalServerError)
	}
)

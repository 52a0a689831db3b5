package toolauth

import (
	"time"

	"github.com/onesub/tool-auth/entitlements"
)

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	// Error is the machine-readable error code
	Error string `json:"error"`

	// Message is a short human-readable reason
	Message string `json:"message"`

	// Action tells the vendor how to react ("terminate_session" or
	// "reauthenticate"); omitted when no reaction is required
	Action string `json:"action,omitempty"`
}

// ==================== Authorization Flow Types ====================

// IssueCodeRequest asks for a one-time authorization code on behalf of an
// authenticated user
type IssueCodeRequest struct {
	// ToolID identifies the tool being authorized
	ToolID string `json:"toolId"`

	// RedirectURI must exactly match the tool's registered redirect URI;
	// omitted selects the registered one
	RedirectURI string `json:"redirectUri,omitempty"`

	// State is an opaque value echoed back on the redirect
	State string `json:"state,omitempty"`
}

// IssueCodeResponse carries the issued code and the redirect target
type IssueCodeResponse struct {
	// Code is the one-time authorization code
	Code string `json:"code"`

	// ExpiresAt is when the code stops being exchangeable
	ExpiresAt time.Time `json:"expiresAt"`

	// AuthorizationURL is the redirect URI with code and state attached
	AuthorizationURL string `json:"authorizationUrl"`
}

// ExchangeRequest trades an authorization code for a verification token
type ExchangeRequest struct {
	// Code is the authorization code delivered via redirect
	Code string `json:"code"`

	// RedirectURI optionally repeats the URI used at issuance
	RedirectURI string `json:"redirectUri,omitempty"`
}

// ExchangeResponse carries the grant and its verification token
type ExchangeResponse struct {
	// UserID is the subscriber who authorized the tool
	UserID string `json:"userId"`

	// GrantID identifies the durable user-tool authorization
	GrantID string `json:"grantId"`

	// VerificationToken is the bearer credential for verify calls
	VerificationToken string `json:"verificationToken"`

	// TokenExpiresAt is when the token lapses unless rotated
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
}

// ==================== Verification Types ====================

// VerifyRequest presents a verification token for validation
type VerifyRequest struct {
	// VerificationToken is the token obtained from exchange or a prior
	// rotation
	VerificationToken string `json:"verificationToken"`
}

// VerifyResponse reports the outcome of a successful verification
type VerifyResponse struct {
	// Valid is always true on a 200 response; failures use ErrorResponse
	Valid bool `json:"valid"`

	// UserID is the subscriber behind the token
	UserID string `json:"userId"`

	// GrantID identifies the underlying authorization
	GrantID string `json:"grantId"`

	// Entitlements is the current snapshot for the (user, tool) pair
	Entitlements *entitlements.Snapshot `json:"entitlements"`

	// VerificationToken is the token the vendor should hold from now on;
	// it differs from the presented one only when TokenRotated is true
	VerificationToken string `json:"verificationToken"`

	// TokenExpiresAt is when the returned token lapses
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`

	// TokenRotated is set when a replacement token was minted
	TokenRotated bool `json:"tokenRotated,omitempty"`

	// CacheUntil is how long the vendor may trust this result without
	// re-verifying
	CacheUntil time.Time `json:"cacheUntil"`

	// NextVerificationBefore is the hard deadline for the next verify call
	NextVerificationBefore time.Time `json:"nextVerificationBefore"`
}

// ==================== Revocation Types ====================

// RevokeRequest records a revocation for a (user, tool) pair
type RevokeRequest struct {
	UserID string `json:"userId"`
	ToolID string `json:"toolId"`

	// Reason is a short operator- or user-facing explanation
	Reason string `json:"reason"`

	// RevokedBy identifies who initiated the revocation
	RevokedBy string `json:"revokedBy,omitempty"`

	// Metadata carries optional context stored with the record
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RevokeResponse reports the recorded revocation
type RevokeResponse struct {
	// RevocationID identifies this revocation record
	RevocationID string `json:"revocationId"`

	// RevokedAt is when the revocation took effect
	RevokedAt time.Time `json:"revokedAt"`

	// TokensInvalidated counts the live tokens cut off by the revocation
	TokensInvalidated int `json:"tokensInvalidated"`
}

// ClearRevocationRequest lifts a revocation for a (user, tool) pair
type ClearRevocationRequest struct {
	UserID string `json:"userId"`
	ToolID string `json:"toolId"`
}

// ClearRevocationResponse reports whether a revocation was cleared
type ClearRevocationResponse struct {
	// Cleared is false when no uncleared revocation existed for the pair
	Cleared bool `json:"cleared"`
}

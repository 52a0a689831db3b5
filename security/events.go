package security

// Event type constants for security audit logging.
// These ensure consistency across the codebase and prevent typos when
// logging security-relevant events.
const (
	// Delegation flow events

	// EventCodeIssued is logged when an authorization code is issued
	EventCodeIssued = "authorization_code_issued"

	// EventCodeExchanged is logged when a code is exchanged for a grant and token
	EventCodeExchanged = "authorization_code_exchanged"

	// EventCodeReplayAttempt is logged when an already-consumed code is presented again
	EventCodeReplayAttempt = "authorization_code_replay_attempt"

	// Token lifecycle events

	// EventTokenRotated is logged when a verification token is rotated
	EventTokenRotated = "verification_token_rotated"

	// EventRotationConflict is logged when concurrent rotations race on the same token
	EventRotationConflict = "token_rotation_conflict"

	// Revocation events

	// EventAccessRevoked is logged when access for a (user, tool) pair is revoked
	EventAccessRevoked = "access_revoked"

	// EventRevocationCleared is logged when a revocation is lifted
	EventRevocationCleared = "revocation_cleared"

	// EventRevocationCheckFailed is logged when the registry is unreachable
	// and the verification fails closed
	EventRevocationCheckFailed = "revocation_check_failed_closed"

	// Security violation events

	// EventAuthFailure is logged when authentication fails (bad API key, bad token)
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventRedirectURIMismatch is logged when code issuance is rejected for a
	// redirect URI that does not exactly match the tool's registration
	EventRedirectURIMismatch = "redirect_uri_mismatch"
)

package security

import "time"

// DefaultClockSkewGracePeriod is the default grace period for token
// expiration checks. It prevents false expiration errors caused by time
// synchronization drift between the platform, vendor servers, and the
// authoritative store. Tokens may be honored up to this long past their
// nominal expiry; 5 seconds covers typical NTP drift.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks expiry with the default clock skew grace period.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks expiry with a custom grace period.
// A zero expiresAt means no expiration.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon reports whether expiresAt falls within threshold
// from now. Used to decide when a token enters its rotation window.
func IsTokenExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !time.Now().Add(threshold).Before(expiresAt)
}

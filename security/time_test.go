package security

import (
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	if IsTokenExpired(time.Now().Add(time.Hour)) {
		t.Error("future expiry reported as expired")
	}
	if IsTokenExpired(time.Now().Add(-time.Minute)) != true {
		t.Error("minute-old expiry not reported as expired")
	}
	if IsTokenExpired(time.Time{}) {
		t.Error("zero expiry means no expiration")
	}

	// Within the default grace period
	if IsTokenExpired(time.Now().Add(-time.Second)) {
		t.Error("expiry within grace period reported as expired")
	}
}

func TestIsTokenExpiredWithGracePeriod(t *testing.T) {
	expiresAt := time.Now().Add(-2 * time.Second)

	if IsTokenExpiredWithGracePeriod(expiresAt, 10*time.Second) {
		t.Error("expired within custom grace period")
	}
	if !IsTokenExpiredWithGracePeriod(expiresAt, time.Second) {
		t.Error("not expired outside custom grace period")
	}
}

func TestIsTokenExpiringSoon(t *testing.T) {
	if !IsTokenExpiringSoon(time.Now().Add(time.Hour), 2*time.Hour) {
		t.Error("token inside the window not reported as expiring soon")
	}
	if IsTokenExpiringSoon(time.Now().Add(3*time.Hour), 2*time.Hour) {
		t.Error("token outside the window reported as expiring soon")
	}
	if IsTokenExpiringSoon(time.Time{}, 2*time.Hour) {
		t.Error("zero expiry reported as expiring soon")
	}

	// Already expired counts as inside the window
	if !IsTokenExpiringSoon(time.Now().Add(-time.Minute), 2*time.Hour) {
		t.Error("expired token not reported as expiring soon")
	}
}

package server

import (
	"testing"
	"time"
)

func TestApplySecureDefaults(t *testing.T) {
	config := applySecureDefaults(&Config{}, nil)

	if config.AuthorizationCodeTTL != 60*time.Second {
		t.Errorf("AuthorizationCodeTTL = %v, want 60s", config.AuthorizationCodeTTL)
	}
	if config.TokenTTL != 24*time.Hour {
		t.Errorf("TokenTTL = %v, want 24h", config.TokenTTL)
	}
	if config.RotationWindow != 2*time.Hour {
		t.Errorf("RotationWindow = %v, want 2h", config.RotationWindow)
	}
	if config.ClockSkewGracePeriod != 5*time.Second {
		t.Errorf("ClockSkewGracePeriod = %v, want 5s", config.ClockSkewGracePeriod)
	}
	if config.EntitlementTTL != 15*time.Minute {
		t.Errorf("EntitlementTTL = %v, want 15m", config.EntitlementTTL)
	}
	if config.ValidationCacheTTL != 30*time.Second {
		t.Errorf("ValidationCacheTTL = %v, want 30s", config.ValidationCacheTTL)
	}
	if config.RevocationCheckTimeout != 2*time.Second {
		t.Errorf("RevocationCheckTimeout = %v, want 2s", config.RevocationCheckTimeout)
	}
	if config.VerifyRateLimit != 120 {
		t.Errorf("VerifyRateLimit = %d, want 120", config.VerifyRateLimit)
	}
	if config.ExchangeRateLimit != 30 {
		t.Errorf("ExchangeRateLimit = %d, want 30", config.ExchangeRateLimit)
	}
}

func TestApplySecureDefaults_KeepsExplicitValues(t *testing.T) {
	config := applySecureDefaults(&Config{
		AuthorizationCodeTTL: 30 * time.Second,
		TokenTTL:             time.Hour,
		VerifyRateLimit:      10,
	}, nil)

	if config.AuthorizationCodeTTL != 30*time.Second {
		t.Errorf("AuthorizationCodeTTL = %v, want explicit 30s", config.AuthorizationCodeTTL)
	}
	if config.TokenTTL != time.Hour {
		t.Errorf("TokenTTL = %v, want explicit 1h", config.TokenTTL)
	}
	if config.VerifyRateLimit != 10 {
		t.Errorf("VerifyRateLimit = %d, want explicit 10", config.VerifyRateLimit)
	}
}

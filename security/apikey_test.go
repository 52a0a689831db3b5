package security

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateAPIKey(t *testing.T) {
	key := GenerateAPIKey()

	if !strings.HasPrefix(key, APIKeyPrefix) {
		t.Errorf("key = %q, want %q prefix", key, APIKeyPrefix)
	}
	if len(key) <= len(APIKeyPrefix) {
		t.Error("key carries no random material")
	}

	if other := GenerateAPIKey(); other == key {
		t.Error("two generated keys are identical")
	}
}

func TestDigestAPIKey_Deterministic(t *testing.T) {
	key := GenerateAPIKey()

	first := DigestAPIKey(key)
	second := DigestAPIKey(key)
	if first != second {
		t.Error("digest is not deterministic")
	}
	if len(first) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(first))
	}
	if DigestAPIKey("different") == first {
		t.Error("different keys share a digest")
	}
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	key := GenerateAPIKey()

	hash, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}

	if err := VerifyAPIKey(hash, key); err != nil {
		t.Errorf("VerifyAPIKey() error = %v for the right key", err)
	}
	if err := VerifyAPIKey(hash, "wrong-key"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("VerifyAPIKey() error = %v for the wrong key, want ErrInvalidAPIKey", err)
	}
}

func TestVerifyAPIKey_EmptyHashAlwaysFails(t *testing.T) {
	// The empty-hash path must reject but still burn a bcrypt comparison
	if err := VerifyAPIKey("", "any-key"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("VerifyAPIKey() with empty hash error = %v, want ErrInvalidAPIKey", err)
	}
}

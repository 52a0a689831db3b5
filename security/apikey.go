// Package security provides security features for the delegation core
// including API key management, rate limiting, webhook signing, audit
// logging, and secure header management.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// APIKeyPrefix is the required prefix for vendor tool API keys.
const APIKeyPrefix = "sk-tool-"

// ErrInvalidAPIKey is returned for any failed key verification.
// The message is deliberately generic to prevent distinguishing
// "unknown tool" from "wrong key".
var ErrInvalidAPIKey = errors.New("invalid API key")

// dummyBcryptHash is compared against when no real hash is available,
// so verification always performs a bcrypt comparison regardless of
// whether the tool exists. The mitigation comes from always doing the
// comparison, not from the hash value (it is the bcrypt hash of "test").
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// GenerateAPIKey creates a new vendor API key with the sk-tool- prefix
// and a cryptographically random suffix.
func GenerateAPIKey() string {
	return APIKeyPrefix + oauth2.GenerateVerifier()
}

// DigestAPIKey returns the SHA-256 hex digest of an API key.
// The digest serves as a deterministic storage index; it is not a
// substitute for the bcrypt verification in VerifyAPIKey.
func DigestAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HashAPIKey returns the bcrypt hash of an API key for storage.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyAPIKey checks a presented key against a stored bcrypt hash.
// It always performs a bcrypt comparison, substituting a dummy hash when
// storedHash is empty, so the timing is identical whether or not the tool
// exists. Returns ErrInvalidAPIKey on any mismatch.
func VerifyAPIKey(storedHash, key string) error {
	hashToCompare := storedHash
	if hashToCompare == "" {
		hashToCompare = dummyBcryptHash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(key))

	if storedHash == "" || bcryptErr != nil {
		return ErrInvalidAPIKey
	}
	return nil
}

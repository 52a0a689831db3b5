package valkey

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onesub/tool-auth/storage"
)

// TestVerificationTokenJSONRoundTrip verifies that verification tokens survive
// the JSON representation used in Valkey. Timestamps are stored as Unix
// seconds, so sub-second precision is deliberately dropped; the Lua rotation
// script compares whole seconds and both sides must agree.
func TestVerificationTokenJSONRoundTrip(t *testing.T) {
	issued := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	token := &storage.VerificationToken{
		Value:     "vt_abc123",
		GrantID:   "grant-1",
		ToolID:    "tool-abc",
		UserID:    "user-123",
		IssuedAt:  issued.Add(450 * time.Millisecond),
		ExpiresAt: issued.Add(24 * time.Hour),
	}

	data, err := json.Marshal(toVerificationTokenJSON(token))
	require.NoError(t, err)

	var j verificationTokenJSON
	require.NoError(t, json.Unmarshal(data, &j))
	got := fromVerificationTokenJSON(&j)

	assert.Equal(t, token.Value, got.Value)
	assert.Equal(t, token.GrantID, got.GrantID)
	assert.Equal(t, token.ToolID, got.ToolID)
	assert.Equal(t, token.UserID, got.UserID)
	assert.Equal(t, token.IssuedAt.Unix(), got.IssuedAt.Unix())
	assert.Equal(t, token.ExpiresAt.Unix(), got.ExpiresAt.Unix())
	assert.True(t, got.IssuedAt.Equal(issued), "sub-second precision should be truncated")
}

// TestVerificationTokenJSON_FieldNames pins the stored field names. Lua
// scripts address fields by name (expires_at in particular), so a rename in
// the Go struct without a matching script change would silently disable the
// expiry check.
func TestVerificationTokenJSON_FieldNames(t *testing.T) {
	token := &storage.VerificationToken{
		Value:     "vt_abc123",
		GrantID:   "grant-1",
		ToolID:    "tool-abc",
		UserID:    "user-123",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	data, err := json.Marshal(toVerificationTokenJSON(token))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	for _, field := range []string{"value", "grant_id", "tool_id", "user_id", "issued_at", "expires_at"} {
		assert.Contains(t, raw, field)
	}
}

func TestAuthorizationCodeJSON_ConsumedOmittedWhenFalse(t *testing.T) {
	code := &storage.AuthorizationCode{
		Code:      "code-1",
		ToolID:    "tool-abc",
		UserID:    "user-123",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	// The consume script treats any truthy value as consumed; a fresh code
	// must not serialize the field at all.
	assert.NotContains(t, raw, "consumed")

	code.Consumed = true
	data, err = json.Marshal(toAuthorizationCodeJSON(code))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, true, raw["consumed"])
}

func TestFromJSON_NilSafety(t *testing.T) {
	assert.Nil(t, fromVerificationTokenJSON(nil))
	assert.Nil(t, fromAuthorizationCodeJSON(nil))
	assert.Nil(t, fromToolJSON(nil))
	assert.Nil(t, fromRevocationRecordJSON(nil))
}

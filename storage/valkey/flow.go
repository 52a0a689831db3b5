package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onesub/tool-auth/storage"
)

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code        string `json:"code"`
	ToolID      string `json:"tool_id"`
	UserID      string `json:"user_id"`
	RedirectURI string `json:"redirect_uri"`
	State       string `json:"state,omitempty"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
	Consumed    bool   `json:"consumed,omitempty"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:        code.Code,
		ToolID:      code.ToolID,
		UserID:      code.UserID,
		RedirectURI: code.RedirectURI,
		State:       code.State,
		IssuedAt:    code.IssuedAt.Unix(),
		ExpiresAt:   code.ExpiresAt.Unix(),
		Consumed:    code.Consumed,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:        j.Code,
		ToolID:      j.ToolID,
		UserID:      j.UserID,
		RedirectURI: j.RedirectURI,
		State:       j.State,
		IssuedAt:    time.Unix(j.IssuedAt, 0),
		ExpiresAt:   time.Unix(j.ExpiresAt, 0),
		Consumed:    j.Consumed,
	}
}

// SaveAuthorizationCode saves an issued authorization code. The key TTL
// extends past the code's expiry by the stale-retention window so an expired
// code can still be reported as expired rather than unknown.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil {
		return fmt.Errorf("authorization code is required")
	}
	if err := validateTokenValue(code.Code, "authorization code"); err != nil {
		return err
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := s.retainedTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength),
		"tool_id", code.ToolID)
	return nil
}

// GetAuthorizationCode retrieves a code without modifying it.
// NOTE: For actual exchange, use AtomicConsumeAuthorizationCode instead.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := validateTokenValue(code, "authorization code"); err != nil {
		return nil, err
	}

	return getAndUnmarshal[authorizationCodeJSON](ctx, s, s.codeKey(code),
		storage.ErrCodeNotFound, fromAuthorizationCodeJSON)
}

// AtomicConsumeAuthorizationCode atomically checks that a code is unconsumed
// and unexpired, marks it consumed, and returns its row.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent
// request can succeed. Concurrent attempts receive storage.ErrCodeConsumed.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := validateTokenValue(code, "authorization code"); err != nil {
		return nil, err
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicConsumeCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case "CONSUMED":
		return nil, storage.ErrCodeConsumed
	case "EXPIRED":
		return nil, storage.ErrCodeExpired
	}

	// Success: parse the row from before it was marked consumed
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	consumed := fromAuthorizationCodeJSON(&j)
	consumed.Consumed = true

	s.logger.Debug("Consumed authorization code",
		"code_prefix", safeTruncate(code, tokenIDLogLength),
		"tool_id", consumed.ToolID)

	return consumed, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := validateTokenValue(code, "authorization code"); err != nil {
		return err
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}

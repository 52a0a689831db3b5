package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onesub/tool-auth/storage"
)

// verificationTokenJSON is the JSON representation of a verification token
type verificationTokenJSON struct {
	Value     string `json:"value"`
	GrantID   string `json:"grant_id"`
	ToolID    string `json:"tool_id"`
	UserID    string `json:"user_id"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toVerificationTokenJSON(token *storage.VerificationToken) *verificationTokenJSON {
	return &verificationTokenJSON{
		Value:     token.Value,
		GrantID:   token.GrantID,
		ToolID:    token.ToolID,
		UserID:    token.UserID,
		IssuedAt:  token.IssuedAt.Unix(),
		ExpiresAt: token.ExpiresAt.Unix(),
	}
}

func fromVerificationTokenJSON(j *verificationTokenJSON) *storage.VerificationToken {
	if j == nil {
		return nil
	}
	return &storage.VerificationToken{
		Value:     j.Value,
		GrantID:   j.GrantID,
		ToolID:    j.ToolID,
		UserID:    j.UserID,
		IssuedAt:  time.Unix(j.IssuedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}

// SaveToken saves a verification token, makes it the live value for its
// grant, and records the grant in the (user, tool) counting set.
func (s *Store) SaveToken(ctx context.Context, token *storage.VerificationToken) error {
	if token == nil {
		return fmt.Errorf("verification token is required")
	}
	if err := validateTokenValue(token.Value, "token value"); err != nil {
		return err
	}
	if err := validateID(token.GrantID, "grant ID"); err != nil {
		return err
	}

	data, err := json.Marshal(toVerificationTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal verification token: %w", err)
	}

	ttl := s.retainedTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("verification token already expired")
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.tokenKey(token.Value)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save verification token: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.liveTokenKey(token.GrantID)).Value(token.Value).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save live token pointer: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.pairGrantsKey(token.UserID, token.ToolID)).Member(token.GrantID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to update grant set: %w", err)
	}

	s.logger.Debug("Saved verification token",
		"token_prefix", safeTruncate(token.Value, tokenIDLogLength),
		"grant_id", token.GrantID)
	return nil
}

// GetToken retrieves a token by value. Performs no writes.
// Returns storage.ErrTokenRotated if the value has been superseded and
// storage.ErrTokenNotFound if it is unknown. A superseded value that is
// still within its own validity resolves the grant's current live token,
// returned alongside the error.
func (s *Store) GetToken(ctx context.Context, value string) (*storage.VerificationToken, error) {
	if err := validateTokenValue(value, "token value"); err != nil {
		return nil, err
	}

	token, err := getAndUnmarshal[verificationTokenJSON](ctx, s, s.tokenKey(value),
		storage.ErrTokenNotFound, fromVerificationTokenJSON)
	if err != nil {
		return nil, err
	}

	live, err := s.client.Do(ctx, s.client.B().Get().Key(s.liveTokenKey(token.GrantID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			// Live pointer already expired; the token row only outlived it
			// because of stale retention.
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get live token pointer: %w", err)
	}
	if live != value {
		if token.ExpiresAt.After(time.Now()) {
			liveToken, lerr := getAndUnmarshal[verificationTokenJSON](ctx, s, s.tokenKey(live),
				storage.ErrTokenNotFound, fromVerificationTokenJSON)
			if lerr == nil {
				return liveToken, storage.ErrTokenRotated
			}
		}
		return nil, storage.ErrTokenRotated
	}

	return token, nil
}

// AtomicRotateToken atomically replaces the token identified by currentValue
// with newToken, keyed on the current value. Returns the superseded row on
// success; on failure the stored state is left untouched.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent
// request can succeed. Losers receive storage.ErrTokenRotated, together with
// the winning token when its record still exists.
func (s *Store) AtomicRotateToken(ctx context.Context, currentValue string, newToken *storage.VerificationToken) (*storage.VerificationToken, error) {
	if err := validateTokenValue(currentValue, "token value"); err != nil {
		return nil, err
	}
	if newToken == nil || newToken.Value == "" {
		return nil, fmt.Errorf("invalid replacement token")
	}
	if err := validateTokenValue(newToken.Value, "replacement token value"); err != nil {
		return nil, err
	}

	// The grant ID is needed to address the live pointer. This read is not
	// part of the atomic step; the Lua script re-checks that currentValue is
	// still live before swapping.
	current, err := getAndUnmarshal[verificationTokenJSON](ctx, s, s.tokenKey(currentValue),
		storage.ErrTokenNotFound, fromVerificationTokenJSON)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(toVerificationTokenJSON(newToken))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal replacement token: %w", err)
	}

	ttl := s.retainedTTL(newToken.ExpiresAt)
	if ttl <= 0 {
		return nil, fmt.Errorf("replacement token already expired")
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicRotateToken).
			Numkeys(3).
			Key(s.liveTokenKey(current.GrantID),
				s.tokenKey(currentValue),
				s.tokenKey(newToken.Value)).
			Arg(currentValue,
				newToken.Value,
				string(data),
				fmt.Sprintf("%d", time.Now().Unix()),
				fmt.Sprintf("%d", int64(ttl.Seconds())),
				s.tokenKey("")).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic token rotation: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrTokenNotFound
	case "ROTATED":
		return nil, storage.ErrTokenRotated
	case "EXPIRED":
		return nil, storage.ErrTokenExpired
	}

	if winnerData, ok := strings.CutPrefix(result, "ROTATED:"); ok {
		var w verificationTokenJSON
		if err := json.Unmarshal([]byte(winnerData), &w); err != nil {
			return nil, storage.ErrTokenRotated
		}
		return fromVerificationTokenJSON(&w), storage.ErrTokenRotated
	}

	var j verificationTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse superseded token: %w", err)
	}

	s.logger.Debug("Rotated verification token",
		"grant_id", current.GrantID,
		"old_prefix", safeTruncate(currentValue, tokenIDLogLength),
		"new_prefix", safeTruncate(newToken.Value, tokenIDLogLength))

	return fromVerificationTokenJSON(&j), nil
}

// CountActiveTokensForUserTool counts unexpired live tokens for a
// (userID, toolID) pair. Grant IDs whose live pointer has lapsed are pruned
// from the counting set as a side effect.
func (s *Store) CountActiveTokensForUserTool(ctx context.Context, userID, toolID string) (int, error) {
	if err := validateID(userID, "user ID"); err != nil {
		return 0, err
	}
	if err := validateID(toolID, "tool ID"); err != nil {
		return 0, err
	}

	setKey := s.pairGrantsKey(userID, toolID)
	grantIDs, err := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to read grant set: %w", err)
	}

	now := time.Now()
	count := 0
	for _, grantID := range grantIDs {
		value, err := s.client.Do(ctx, s.client.B().Get().Key(s.liveTokenKey(grantID)).Build()).ToString()
		if err != nil {
			if isNilError(err) {
				if err := s.client.Do(ctx,
					s.client.B().Srem().Key(setKey).Member(grantID).Build(),
				).Error(); err != nil {
					return 0, fmt.Errorf("failed to prune grant set: %w", err)
				}
				continue
			}
			return 0, fmt.Errorf("failed to get live token pointer: %w", err)
		}

		token, err := getAndUnmarshal[verificationTokenJSON](ctx, s, s.tokenKey(value),
			storage.ErrTokenNotFound, fromVerificationTokenJSON)
		if err != nil {
			continue
		}
		if token.ExpiresAt.After(now) {
			count++
		}
	}

	return count, nil
}

// DeleteToken removes a token by value, dropping the live pointer when the
// value is still the live one for its grant.
func (s *Store) DeleteToken(ctx context.Context, value string) error {
	if err := validateTokenValue(value, "token value"); err != nil {
		return err
	}

	token, err := getAndUnmarshal[verificationTokenJSON](ctx, s, s.tokenKey(value),
		storage.ErrTokenNotFound, fromVerificationTokenJSON)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil
		}
		return err
	}

	liveKey := s.liveTokenKey(token.GrantID)
	live, err := s.client.Do(ctx, s.client.B().Get().Key(liveKey).Build()).ToString()
	if err == nil && live == value {
		if err := s.client.Do(ctx, s.client.B().Del().Key(liveKey).Build()).Error(); err != nil {
			return fmt.Errorf("failed to delete live token pointer: %w", err)
		}
	} else if err != nil && !isNilError(err) {
		return fmt.Errorf("failed to get live token pointer: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.tokenKey(value)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete verification token: %w", err)
	}

	s.logger.Debug("Deleted verification token",
		"token_prefix", safeTruncate(value, tokenIDLogLength))
	return nil
}

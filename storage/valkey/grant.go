package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onesub/tool-auth/storage"
)

// grantJSON is the JSON representation of a delegation grant
type grantJSON struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ToolID    string `json:"tool_id"`
	CreatedAt int64  `json:"created_at"`
}

func toGrantJSON(grant *storage.Grant) *grantJSON {
	return &grantJSON{
		ID:        grant.ID,
		UserID:    grant.UserID,
		ToolID:    grant.ToolID,
		CreatedAt: grant.CreatedAt.Unix(),
	}
}

func fromGrantJSON(j *grantJSON) *storage.Grant {
	if j == nil {
		return nil
	}
	return &storage.Grant{
		ID:        j.ID,
		UserID:    j.UserID,
		ToolID:    j.ToolID,
		CreatedAt: time.Unix(j.CreatedAt, 0),
	}
}

// SaveGrant saves a grant and its (user, tool) lookup index.
// Grants are durable: no TTL is applied.
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	if grant == nil {
		return fmt.Errorf("grant is required")
	}
	if err := validateID(grant.ID, "grant ID"); err != nil {
		return err
	}
	if err := validateID(grant.UserID, "user ID"); err != nil {
		return err
	}
	if err := validateID(grant.ToolID, "tool ID"); err != nil {
		return err
	}

	data, err := json.Marshal(toGrantJSON(grant))
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.grantKey(grant.ID)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.grantUserToolKey(grant.UserID, grant.ToolID)).Value(grant.ID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save grant index: %w", err)
	}

	s.logger.Debug("Saved grant",
		"grant_id", grant.ID,
		"user_id", grant.UserID,
		"tool_id", grant.ToolID)
	return nil
}

// GetGrant retrieves a grant by ID
func (s *Store) GetGrant(ctx context.Context, grantID string) (*storage.Grant, error) {
	if err := validateID(grantID, "grant ID"); err != nil {
		return nil, err
	}

	return getAndUnmarshal[grantJSON](ctx, s, s.grantKey(grantID), storage.ErrGrantNotFound, fromGrantJSON)
}

// GetGrantByUserTool retrieves the grant for a (userID, toolID) pair, if one
// exists. Used by the exchange flow to reuse prior grants.
func (s *Store) GetGrantByUserTool(ctx context.Context, userID, toolID string) (*storage.Grant, error) {
	if err := validateID(userID, "user ID"); err != nil {
		return nil, err
	}
	if err := validateID(toolID, "tool ID"); err != nil {
		return nil, err
	}

	grantID, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.grantUserToolKey(userID, toolID)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to look up grant index: %w", err)
	}

	return s.GetGrant(ctx, grantID)
}

package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onesub/tool-auth/storage"
)

// toolJSON is the JSON representation of a registered vendor tool
type toolJSON struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Active        bool   `json:"active"`
	RedirectURI   string `json:"redirect_uri"`
	APIKeyDigest  string `json:"api_key_digest"`
	APIKeyHash    string `json:"api_key_hash"`
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

func toToolJSON(tool *storage.Tool) *toolJSON {
	return &toolJSON{
		ID:            tool.ID,
		Name:          tool.Name,
		Active:        tool.Active,
		RedirectURI:   tool.RedirectURI,
		APIKeyDigest:  tool.APIKeyDigest,
		APIKeyHash:    tool.APIKeyHash,
		WebhookURL:    tool.WebhookURL,
		WebhookSecret: tool.WebhookSecret,
		CreatedAt:     tool.CreatedAt.Unix(),
	}
}

func fromToolJSON(j *toolJSON) *storage.Tool {
	if j == nil {
		return nil
	}
	return &storage.Tool{
		ID:            j.ID,
		Name:          j.Name,
		Active:        j.Active,
		RedirectURI:   j.RedirectURI,
		APIKeyDigest:  j.APIKeyDigest,
		APIKeyHash:    j.APIKeyHash,
		WebhookURL:    j.WebhookURL,
		WebhookSecret: j.WebhookSecret,
		CreatedAt:     time.Unix(j.CreatedAt, 0),
	}
}

// SaveTool saves a registered tool and its API key lookup index
func (s *Store) SaveTool(ctx context.Context, tool *storage.Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	if err := validateID(tool.ID, "tool ID"); err != nil {
		return err
	}

	data, err := json.Marshal(toToolJSON(tool))
	if err != nil {
		return fmt.Errorf("failed to marshal tool: %w", err)
	}

	// Drop the previous digest index when the API key changed, so a retired
	// key stops resolving to the tool.
	if prev, err := s.GetTool(ctx, tool.ID); err == nil {
		if prev.APIKeyDigest != "" && prev.APIKeyDigest != tool.APIKeyDigest {
			if err := s.client.Do(ctx,
				s.client.B().Del().Key(s.toolDigestKey(prev.APIKeyDigest)).Build(),
			).Error(); err != nil {
				return fmt.Errorf("failed to remove stale API key index: %w", err)
			}
		}
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.toolKey(tool.ID)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save tool: %w", err)
	}

	if tool.APIKeyDigest != "" {
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(s.toolDigestKey(tool.APIKeyDigest)).Value(tool.ID).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to save API key index: %w", err)
		}
	}

	s.logger.Debug("Saved tool", "tool_id", tool.ID, "active", tool.Active)
	return nil
}

// GetTool retrieves a tool by ID
func (s *Store) GetTool(ctx context.Context, toolID string) (*storage.Tool, error) {
	if err := validateID(toolID, "tool ID"); err != nil {
		return nil, err
	}

	return getAndUnmarshal[toolJSON](ctx, s, s.toolKey(toolID), storage.ErrToolNotFound, fromToolJSON)
}

// GetToolByAPIKeyDigest retrieves a tool by the SHA-256 digest of its API key.
// Returns storage.ErrToolNotFound for unknown digests; the caller must still
// verify the key against the tool's bcrypt hash.
func (s *Store) GetToolByAPIKeyDigest(ctx context.Context, digest string) (*storage.Tool, error) {
	if err := validateTokenValue(digest, "API key digest"); err != nil {
		return nil, err
	}

	toolID, err := s.client.Do(ctx, s.client.B().Get().Key(s.toolDigestKey(digest)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrToolNotFound
		}
		return nil, fmt.Errorf("failed to look up API key index: %w", err)
	}

	return s.GetTool(ctx, toolID)
}

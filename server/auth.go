package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/onesub/tool-auth/security"
	"github.com/onesub/tool-auth/storage"
)

// ErrUnauthorized means the presented API key did not resolve to a tool or
// failed verification against the stored hash.
var ErrUnauthorized = errors.New("invalid API key")

// AuthenticateTool resolves an API key to its tool. The key is looked up by
// SHA-256 digest and then verified against the stored bcrypt hash, so a
// digest-index collision or a stale index entry cannot authenticate.
//
// SECURITY: verification runs against a dummy hash when the lookup misses,
// keeping response time independent of whether the key exists.
func (s *Server) AuthenticateTool(ctx context.Context, apiKey string) (*storage.Tool, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}

	tool, err := s.toolStore.GetToolByAPIKeyDigest(ctx, security.DigestAPIKey(apiKey))
	if err != nil {
		if !errors.Is(err, storage.ErrToolNotFound) {
			s.Logger.Error("Tool lookup by API key failed", "error", err)
		}
		// Burn a bcrypt comparison anyway to equalize timing.
		_ = security.VerifyAPIKey("", apiKey)
		return nil, ErrUnauthorized
	}

	if err := security.VerifyAPIKey(tool.APIKeyHash, apiKey); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", tool.ID, "", "api_key_hash_mismatch")
		}
		if m := s.metrics(); m != nil {
			m.RecordAuthFailure(ctx)
		}
		return nil, ErrUnauthorized
	}

	return tool, nil
}

// GetTool returns the registered tool, or storage.ErrToolNotFound.
func (s *Server) GetTool(ctx context.Context, toolID string) (*storage.Tool, error) {
	return s.toolStore.GetTool(ctx, toolID)
}

// RegisterTool stores a tool registration. Reconfiguring an existing tool
// drops its cached entitlement snapshots: a stale snapshot must not outlive
// the configuration it was computed under.
func (s *Server) RegisterTool(ctx context.Context, tool *storage.Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is required")
	}

	existing, err := s.toolStore.GetTool(ctx, tool.ID)
	if err != nil && !errors.Is(err, storage.ErrToolNotFound) {
		return err
	}

	if err := s.toolStore.SaveTool(ctx, tool); err != nil {
		return err
	}

	if existing != nil && toolConfigChanged(existing, tool) {
		s.entitlements.InvalidateAllForTool(ctx, tool.ID)
		s.Logger.Info("Tool reconfigured, dropped cached entitlements",
			"tool_id", tool.ID)
	}
	return nil
}

// toolConfigChanged reports whether a re-registration changes anything a
// cached entitlement snapshot or an issued credential could depend on.
func toolConfigChanged(old, updated *storage.Tool) bool {
	return old.Active != updated.Active ||
		old.Name != updated.Name ||
		old.RedirectURI != updated.RedirectURI ||
		old.APIKeyDigest != updated.APIKeyDigest ||
		old.WebhookURL != updated.WebhookURL ||
		old.WebhookSecret != updated.WebhookSecret
}

package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onesub/tool-auth/storage"
)

// RevokeRequest describes a revocation. Reason is one of the business
// triggers (subscription_canceled, payment_failed, fraud, manual, ...);
// RevokedBy identifies the actor for the audit trail.
type RevokeRequest struct {
	UserID    string
	ToolID    string
	Reason    string
	RevokedBy string
	Metadata  map[string]string
}

// RevokeResult reports the recorded revocation.
type RevokeResult struct {
	RevocationID      string
	RevokedAt         time.Time
	TokensInvalidated int

	// AlreadyRevoked is true when an uncleared revocation for the pair
	// existed and was updated in place.
	AlreadyRevoked bool
}

// Revoke records a fail-closed revocation for the (user, tool) pair,
// invalidates the cached entitlements, and notifies the vendor webhook in
// the background. Idempotent: revoking an already-revoked pair updates the
// existing record.
//
// Tokens are not deleted: the revocation record overrides them while it is
// in effect, and clearing it restores them if they have not expired.
func (s *Server) Revoke(ctx context.Context, req *RevokeRequest) (*RevokeResult, error) {
	if req == nil || req.UserID == "" || req.ToolID == "" {
		return nil, fmt.Errorf("user ID and tool ID are required")
	}
	if req.Reason == "" {
		return nil, fmt.Errorf("revocation reason is required")
	}

	record := &storage.RevocationRecord{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		ToolID:    req.ToolID,
		Reason:    req.Reason,
		RevokedBy: req.RevokedBy,
		Metadata:  req.Metadata,
		RevokedAt: time.Now(),
	}

	stored, err := s.revocationStore.Upsert(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to save revocation: %w", err)
	}
	alreadyRevoked := stored.ID != record.ID

	// Cached entitlements and cached positive validations for the pair must
	// not outlive the revocation.
	s.entitlements.Invalidate(ctx, req.UserID, req.ToolID)
	s.validationCache.dropPair(req.UserID, req.ToolID)

	tokensInvalidated, err := s.tokenStore.CountActiveTokensForUserTool(ctx, req.UserID, req.ToolID)
	if err != nil {
		s.Logger.Warn("Failed to count invalidated tokens",
			"user_id", req.UserID,
			"tool_id", req.ToolID,
			"error", err)
		tokensInvalidated = 0
	}

	if s.Auditor != nil {
		s.Auditor.LogAccessRevoked(req.UserID, req.ToolID, req.Reason, tokensInvalidated)
	}
	if m := s.metrics(); m != nil {
		m.RecordAccessRevoked(ctx, req.ToolID, req.Reason)
	}

	s.Logger.Info("Revoked access",
		"tool_id", req.ToolID,
		"reason", req.Reason,
		"tokens_invalidated", tokensInvalidated,
		"already_revoked", alreadyRevoked)

	if s.Notifier != nil && !alreadyRevoked {
		if tool, err := s.toolStore.GetTool(ctx, req.ToolID); err == nil {
			s.Notifier.NotifyRevoked(tool, stored)
		} else {
			s.Logger.Warn("Skipping revocation webhook, tool lookup failed",
				"tool_id", req.ToolID,
				"error", err)
		}
	}

	return &RevokeResult{
		RevocationID:      stored.ID,
		RevokedAt:         stored.RevokedAt,
		TokensInvalidated: tokensInvalidated,
		AlreadyRevoked:    alreadyRevoked,
	}, nil
}

// ClearRevocation lifts the revocation for a pair, permitting reactivation
// without a new exchange: tokens that have not expired become valid again on
// the next verify. Returns false when no active revocation existed.
func (s *Server) ClearRevocation(ctx context.Context, userID, toolID string) (bool, error) {
	if userID == "" || toolID == "" {
		return false, fmt.Errorf("user ID and tool ID are required")
	}

	cleared, err := s.revocationStore.Clear(ctx, userID, toolID)
	if err != nil {
		if errors.Is(err, storage.ErrRevocationNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to clear revocation: %w", err)
	}
	if !cleared {
		return false, nil
	}

	// Drop the stale inactive snapshot so the next verify re-reads the
	// authoritative source.
	s.entitlements.Invalidate(ctx, userID, toolID)

	if s.Auditor != nil {
		s.Auditor.LogRevocationCleared(userID, toolID)
	}
	if m := s.metrics(); m != nil {
		m.RecordRevocationCleared(ctx, toolID)
	}

	s.Logger.Info("Cleared revocation", "tool_id", toolID)

	return true, nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/onesub/tool-auth/internal/util"
	"github.com/onesub/tool-auth/security"
	"github.com/onesub/tool-auth/storage"
)

// codeLogLength is the number of characters to include when logging codes
const codeLogLength = 8

// IssueCodeRequest is the platform-side request to start a delegation.
// The user is already authenticated by the platform; UserID is trusted input.
type IssueCodeRequest struct {
	ToolID      string
	UserID      string
	RedirectURI string
	State       string
}

// IssueCodeResult carries the issued code and the redirect target.
type IssueCodeResult struct {
	Code             string
	State            string
	AuthorizationURL string
	ExpiresAt        time.Time
}

// IssueCode creates a short-lived single-use authorization code for the
// (user, tool) pair and builds the redirect URL that delivers it to the
// vendor. The redirect URI must exactly match the tool's registered one;
// an empty request URI selects the registered one.
func (s *Server) IssueCode(ctx context.Context, req *IssueCodeRequest) (*IssueCodeResult, error) {
	if req == nil || req.ToolID == "" || req.UserID == "" {
		return nil, fmt.Errorf("tool ID and user ID are required")
	}

	tool, err := s.toolStore.GetTool(ctx, req.ToolID)
	if err != nil {
		return nil, err
	}
	if !tool.Active {
		return nil, ErrToolInactive
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = tool.RedirectURI
	} else if redirectURI != tool.RedirectURI {
		// Exact string match only. No prefix, path, or query laxity: a
		// mismatch here is how code interception attempts surface.
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:   security.EventRedirectURIMismatch,
				UserID: req.UserID,
				ToolID: req.ToolID,
			})
		}
		return nil, ErrRedirectURIMismatch
	}
	if redirectURI == "" {
		return nil, fmt.Errorf("tool has no registered redirect URI")
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:        oauth2.GenerateVerifier(),
		ToolID:      tool.ID,
		UserID:      req.UserID,
		RedirectURI: redirectURI,
		State:       req.State,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.Config.AuthorizationCodeTTL),
	}

	if err := s.flowStore.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	authorizationURL, err := buildAuthorizationURL(redirectURI, code.Code, req.State)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogCodeIssued(req.UserID, req.ToolID)
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, tool.ID)
	}

	s.Logger.Info("Issued authorization code",
		"tool_id", tool.ID,
		"code_prefix", util.SafeTruncate(code.Code, codeLogLength),
		"expires_at", code.ExpiresAt)

	return &IssueCodeResult{
		Code:             code.Code,
		State:            req.State,
		AuthorizationURL: authorizationURL,
		ExpiresAt:        code.ExpiresAt,
	}, nil
}

// ExchangeResult carries the grant and the freshly minted verification token.
type ExchangeResult struct {
	GrantID        string
	UserID         string
	ToolID         string
	Token          string
	TokenExpiresAt time.Time
	GrantReused    bool
}

// Exchange consumes an authorization code exactly once and returns the grant
// plus a new verification token. tool is the vendor resolved from API-key
// authentication; a code issued for a different tool is reported as unknown
// rather than leaking that it exists.
//
// Concurrent exchanges of the same code have exactly one winner; the rest
// receive storage.ErrCodeConsumed.
func (s *Server) Exchange(ctx context.Context, tool *storage.Tool, codeValue string) (*ExchangeResult, error) {
	if tool == nil {
		return nil, fmt.Errorf("tool is required")
	}
	if codeValue == "" {
		return nil, fmt.Errorf("authorization code is required")
	}

	code, err := s.flowStore.AtomicConsumeAuthorizationCode(ctx, codeValue)
	if err != nil {
		if errors.Is(err, storage.ErrCodeConsumed) {
			// Replay attempt. The code's first use already minted a token;
			// a second presentation is either a retry bug or an attack.
			s.Logger.Warn("Authorization code replay attempt",
				"tool_id", tool.ID,
				"code_prefix", util.SafeTruncate(codeValue, codeLogLength))
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:   security.EventCodeReplayAttempt,
					ToolID: tool.ID,
				})
			}
			if m := s.metrics(); m != nil {
				m.RecordCodeReplayDetected(ctx)
			}
		}
		return nil, err
	}

	if code.ToolID != tool.ID {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(code.UserID, tool.ID, "", "code_tool_mismatch")
		}
		return nil, storage.ErrCodeNotFound
	}

	grant, reused, err := s.findOrCreateGrant(ctx, code.UserID, code.ToolID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	token := &storage.VerificationToken{
		Value:     oauth2.GenerateVerifier(),
		GrantID:   grant.ID,
		ToolID:    grant.ToolID,
		UserID:    grant.UserID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.Config.TokenTTL),
	}
	if err := s.tokenStore.SaveToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to save verification token: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogCodeExchanged(grant.UserID, grant.ToolID, grant.ID)
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, grant.ToolID)
	}

	s.Logger.Info("Exchanged authorization code",
		"tool_id", grant.ToolID,
		"grant_id", grant.ID,
		"grant_reused", reused)

	return &ExchangeResult{
		GrantID:        grant.ID,
		UserID:         grant.UserID,
		ToolID:         grant.ToolID,
		Token:          token.Value,
		TokenExpiresAt: token.ExpiresAt,
		GrantReused:    reused,
	}, nil
}

// findOrCreateGrant reuses the existing grant for a pair or creates one.
// A user re-authorizing a tool keeps their grant; only the token is new.
func (s *Server) findOrCreateGrant(ctx context.Context, userID, toolID string) (*storage.Grant, bool, error) {
	grant, err := s.grantStore.GetGrantByUserTool(ctx, userID, toolID)
	if err == nil {
		return grant, true, nil
	}
	if !errors.Is(err, storage.ErrGrantNotFound) {
		return nil, false, fmt.Errorf("failed to look up grant: %w", err)
	}

	grant = &storage.Grant{
		ID:        uuid.NewString(),
		UserID:    userID,
		ToolID:    toolID,
		CreatedAt: time.Now(),
	}
	if err := s.grantStore.SaveGrant(ctx, grant); err != nil {
		return nil, false, fmt.Errorf("failed to save grant: %w", err)
	}
	return grant, false, nil
}

// buildAuthorizationURL appends the code and state to the redirect URI as
// query parameters, preserving any parameters the URI already carries.
func buildAuthorizationURL(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}

	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

package server

import (
	"context"
	"sync"
	"testing"

	"github.com/onesub/tool-auth/entitlements"
	"github.com/onesub/tool-auth/storage"
	"github.com/onesub/tool-auth/storage/memory"
)

const (
	testUserID      = "user-123"
	testToolID      = "tool-abc"
	testRedirectURI = "https://tool.example.com/callback"
)

// entitlementSource is a controllable authoritative backend for tests.
type entitlementSource struct {
	mu       sync.Mutex
	calls    int
	err      error
	inactive map[string]bool // userID -> subscription lapsed
}

func (s *entitlementSource) Lookup(ctx context.Context, userID, toolID string) (*entitlements.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &entitlements.Snapshot{
		UserID: userID,
		ToolID: toolID,
		Active: !s.inactive[userID],
		Tier:   "pro",
	}, nil
}

func (s *entitlementSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *entitlementSource) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *entitlementSource) setInactive(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inactive == nil {
		s.inactive = make(map[string]bool)
	}
	s.inactive[userID] = true
}

func setupTestServer(t *testing.T, config *Config) (*Server, *memory.Store, *entitlementSource) {
	t.Helper()

	store := memory.New()
	t.Cleanup(func() { store.Stop() })

	source := &entitlementSource{}
	ent, err := entitlements.NewTiered(entitlements.TieredConfig{Source: source})
	if err != nil {
		t.Fatalf("NewTiered() error = %v", err)
	}

	if config == nil {
		config = &Config{}
	}
	srv, err := New(store, store, store, store, store, ent, config, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(srv.Stop)

	registerTestTool(t, store, testToolID)
	return srv, store, source
}

func registerTestTool(t *testing.T, store *memory.Store, toolID string) *storage.Tool {
	t.Helper()

	tool := &storage.Tool{
		ID:          toolID,
		Name:        "Test Tool",
		Active:      true,
		RedirectURI: testRedirectURI,
	}
	if err := store.SaveTool(context.Background(), tool); err != nil {
		t.Fatalf("SaveTool() error = %v", err)
	}
	return tool
}

// issueAndExchange runs the full happy-path flow and returns the result.
func issueAndExchange(t *testing.T, srv *Server, tool *storage.Tool, userID string) *ExchangeResult {
	t.Helper()
	ctx := context.Background()

	issued, err := srv.IssueCode(ctx, &IssueCodeRequest{ToolID: tool.ID, UserID: userID})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	result, err := srv.Exchange(ctx, tool, issued.Code)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	return result
}

func TestNew_RequiresStores(t *testing.T) {
	source := &entitlementSource{}
	ent, err := entitlements.NewTiered(entitlements.TieredConfig{Source: source})
	if err != nil {
		t.Fatalf("NewTiered() error = %v", err)
	}

	_, err = New(nil, nil, nil, nil, nil, ent, nil, nil)
	if err == nil {
		t.Error("New() without stores should return error")
	}
}

func TestServer_AuthenticateToolRejectsUnknownKey(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	_, err := srv.AuthenticateTool(context.Background(), "sk-tool-does-not-exist")
	if err == nil {
		t.Error("AuthenticateTool() with unknown key should return error")
	}
	if _, err := srv.AuthenticateTool(context.Background(), ""); err == nil {
		t.Error("AuthenticateTool() with empty key should return error")
	}
}

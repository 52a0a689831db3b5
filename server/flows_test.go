package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onesub/tool-auth/storage"
)

func TestServer_IssueCode(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	ctx := context.Background()

	result, err := srv.IssueCode(ctx, &IssueCodeRequest{
		ToolID: testToolID,
		UserID: testUserID,
		State:  "xyz-state",
	})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	if result.Code == "" {
		t.Error("Code is empty")
	}

	remaining := time.Until(result.ExpiresAt)
	if remaining < 55*time.Second || remaining > 65*time.Second {
		t.Errorf("code lifetime = %v, want about 60s", remaining)
	}

	u, err := url.Parse(result.AuthorizationURL)
	if err != nil {
		t.Fatalf("AuthorizationURL is not a valid URL: %v", err)
	}
	if !strings.HasPrefix(result.AuthorizationURL, testRedirectURI) {
		t.Errorf("AuthorizationURL = %q, want prefix %q", result.AuthorizationURL, testRedirectURI)
	}
	if got := u.Query().Get("code"); got != result.Code {
		t.Errorf("code query param = %q, want %q", got, result.Code)
	}
	if got := u.Query().Get("state"); got != "xyz-state" {
		t.Errorf("state query param = %q, want %q", got, "xyz-state")
	}
}

func TestServer_IssueCode_ToolNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	_, err := srv.IssueCode(context.Background(), &IssueCodeRequest{
		ToolID: "nonexistent",
		UserID: testUserID,
	})
	if !errors.Is(err, storage.ErrToolNotFound) {
		t.Errorf("IssueCode() error = %v, want ErrToolNotFound", err)
	}
}

func TestServer_IssueCode_InactiveTool(t *testing.T) {
	srv, store, _ := setupTestServer(t, nil)
	ctx := context.Background()

	tool := &storage.Tool{ID: "inactive-tool", Active: false, RedirectURI: testRedirectURI}
	if err := store.SaveTool(ctx, tool); err != nil {
		t.Fatalf("SaveTool() error = %v", err)
	}

	_, err := srv.IssueCode(ctx, &IssueCodeRequest{ToolID: "inactive-tool", UserID: testUserID})
	if !errors.Is(err, ErrToolInactive) {
		t.Errorf("IssueCode() error = %v, want ErrToolInactive", err)
	}
}

func TestServer_IssueCode_RedirectURIMismatch(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	_, err := srv.IssueCode(context.Background(), &IssueCodeRequest{
		ToolID:      testToolID,
		UserID:      testUserID,
		RedirectURI: "https://evil.example.com/callback",
	})
	if !errors.Is(err, ErrRedirectURIMismatch) {
		t.Errorf("IssueCode() error = %v, want ErrRedirectURIMismatch", err)
	}

	// Even a near-miss must be rejected: exact string match only
	_, err = srv.IssueCode(context.Background(), &IssueCodeRequest{
		ToolID:      testToolID,
		UserID:      testUserID,
		RedirectURI: testRedirectURI + "/extra",
	})
	if !errors.Is(err, ErrRedirectURIMismatch) {
		t.Errorf("IssueCode() error = %v, want ErrRedirectURIMismatch", err)
	}
}

func TestServer_Exchange_RoundTrip(t *testing.T) {
	srv, store, _ := setupTestServer(t, nil)
	tool, err := store.GetTool(context.Background(), testToolID)
	if err != nil {
		t.Fatalf("GetTool() error = %v", err)
	}

	result := issueAndExchange(t, srv, tool, testUserID)

	if result.UserID != testUserID {
		t.Errorf("UserID = %q, want %q", result.UserID, testUserID)
	}
	if result.GrantID == "" {
		t.Error("GrantID is empty")
	}
	if result.Token == "" {
		t.Error("Token is empty")
	}
	if result.GrantReused {
		t.Error("GrantReused = true on first exchange")
	}

	remaining := time.Until(result.TokenExpiresAt)
	if remaining < 23*time.Hour || remaining > 25*time.Hour {
		t.Errorf("token lifetime = %v, want about 24h", remaining)
	}

	// Re-authorizing the same pair reuses the grant, not the token
	second := issueAndExchange(t, srv, tool, testUserID)
	if !second.GrantReused {
		t.Error("GrantReused = false on re-authorization")
	}
	if second.GrantID != result.GrantID {
		t.Errorf("GrantID = %q, want %q", second.GrantID, result.GrantID)
	}
	if second.Token == result.Token {
		t.Error("re-authorization returned the same token value")
	}
}

func TestServer_Exchange_Replay(t *testing.T) {
	srv, store, _ := setupTestServer(t, nil)
	ctx := context.Background()
	tool, err := store.GetTool(ctx, testToolID)
	if err != nil {
		t.Fatalf("GetTool() error = %v", err)
	}

	issued, err := srv.IssueCode(ctx, &IssueCodeRequest{ToolID: testToolID, UserID: testUserID})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	if _, err := srv.Exchange(ctx, tool, issued.Code); err != nil {
		t.Fatalf("first Exchange() error = %v", err)
	}

	_, err = srv.Exchange(ctx, tool, issued.Code)
	if !errors.Is(err, storage.ErrCodeConsumed) {
		t.Errorf("replayed Exchange() error = %v, want ErrCodeConsumed", err)
	}
}

func TestServer_Exchange_ExpiredCode(t *testing.T) {
	srv, store, _ := setupTestServer(t, &Config{AuthorizationCodeTTL: 30 * time.Millisecond})
	ctx := context.Background()
	tool, err := store.GetTool(ctx, testToolID)
	if err != nil {
		t.Fatalf("GetTool() error = %v", err)
	}

	issued, err := srv.IssueCode(ctx, &IssueCodeRequest{ToolID: testToolID, UserID: testUserID})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	_, err = srv.Exchange(ctx, tool, issued.Code)
	if !errors.Is(err, storage.ErrCodeExpired) {
		t.Errorf("Exchange() after expiry error = %v, want ErrCodeExpired", err)
	}
}

func TestServer_Exchange_WrongTool(t *testing.T) {
	srv, store, _ := setupTestServer(t, nil)
	ctx := context.Background()

	other := registerTestTool(t, store, "other-tool")

	issued, err := srv.IssueCode(ctx, &IssueCodeRequest{ToolID: testToolID, UserID: testUserID})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	// A code issued for one tool is unknown to another
	_, err = srv.Exchange(ctx, other, issued.Code)
	if !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("Exchange() with wrong tool error = %v, want ErrCodeNotFound", err)
	}
}

func TestServer_Exchange_ConcurrentExactlyOnce(t *testing.T) {
	srv, store, _ := setupTestServer(t, nil)
	ctx := context.Background()
	tool, err := store.GetTool(ctx, testToolID)
	if err != nil {
		t.Fatalf("GetTool() error = %v", err)
	}

	issued, err := srv.IssueCode(ctx, &IssueCodeRequest{ToolID: testToolID, UserID: testUserID})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	const numGoroutines = 8
	var wg sync.WaitGroup
	results := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.Exchange(ctx, tool, issued.Code)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, replays := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, storage.ErrCodeConsumed):
			replays++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if replays != numGoroutines-1 {
		t.Errorf("replays = %d, want %d", replays, numGoroutines-1)
	}
}

package valkey

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/onesub/tool-auth/storage"
)

const (
	testUserID = "test-user"
	testToolID = "test-tool"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if no Valkey is reachable at VALKEY_TEST_ADDR
// (default localhost:6379). Each test gets a unique prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("toolauthtest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func testTool() *storage.Tool {
	return &storage.Tool{
		ID:           testToolID,
		Name:         "Test Tool",
		Active:       true,
		RedirectURI:  "https://tool.example.com/callback",
		APIKeyDigest: "digest-abc",
		APIKeyHash:   "$2a$10$fakehash",
		CreatedAt:    time.Now(),
	}
}

func testCode(code string, ttl time.Duration) *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:        code,
		ToolID:      testToolID,
		UserID:      testUserID,
		RedirectURI: "https://tool.example.com/callback",
		State:       "xyz",
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
}

func testToken(value, grantID string, ttl time.Duration) *storage.VerificationToken {
	now := time.Now()
	return &storage.VerificationToken{
		Value:     value,
		GrantID:   grantID,
		ToolID:    testToolID,
		UserID:    testUserID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("Expected error for missing address")
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid:99999"})
	if err == nil {
		t.Error("Expected error for invalid address")
	}
}

// ============================================================
// ToolStore Tests
// ============================================================

func TestToolStore_SaveAndGetTool(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tool := testTool()
	if err := s.SaveTool(ctx, tool); err != nil {
		t.Fatalf("SaveTool failed: %v", err)
	}

	got, err := s.GetTool(ctx, testToolID)
	if err != nil {
		t.Fatalf("GetTool failed: %v", err)
	}
	if got.Name != tool.Name {
		t.Errorf("Name = %q, want %q", got.Name, tool.Name)
	}
	if got.RedirectURI != tool.RedirectURI {
		t.Errorf("RedirectURI = %q, want %q", got.RedirectURI, tool.RedirectURI)
	}
	if !got.Active {
		t.Error("Tool should be active")
	}
}

func TestToolStore_GetTool_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetTool(context.Background(), "nonexistent")
	if err != storage.ErrToolNotFound {
		t.Errorf("Expected ErrToolNotFound, got: %v", err)
	}
}

func TestToolStore_GetToolByAPIKeyDigest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_ = s.SaveTool(ctx, testTool())

	got, err := s.GetToolByAPIKeyDigest(ctx, "digest-abc")
	if err != nil {
		t.Fatalf("GetToolByAPIKeyDigest failed: %v", err)
	}
	if got.ID != testToolID {
		t.Errorf("ID = %q, want %q", got.ID, testToolID)
	}

	_, err = s.GetToolByAPIKeyDigest(ctx, "unknown-digest")
	if err != storage.ErrToolNotFound {
		t.Errorf("Expected ErrToolNotFound for unknown digest, got: %v", err)
	}
}

func TestToolStore_ReissuedKeyDropsStaleDigest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tool := testTool()
	_ = s.SaveTool(ctx, tool)

	tool.APIKeyDigest = "digest-new"
	if err := s.SaveTool(ctx, tool); err != nil {
		t.Fatalf("SaveTool with new digest failed: %v", err)
	}

	if _, err := s.GetToolByAPIKeyDigest(ctx, "digest-abc"); err != storage.ErrToolNotFound {
		t.Errorf("Stale digest should no longer resolve, got: %v", err)
	}
	if _, err := s.GetToolByAPIKeyDigest(ctx, "digest-new"); err != nil {
		t.Errorf("New digest should resolve: %v", err)
	}
}

// ============================================================
// FlowStore Tests
// ============================================================

func TestFlowStore_SaveAndGetAuthorizationCode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := testCode("code-1", time.Minute)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	got, err := s.GetAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("GetAuthorizationCode failed: %v", err)
	}
	if got.ToolID != code.ToolID || got.UserID != code.UserID {
		t.Errorf("Code identity = (%q, %q), want (%q, %q)",
			got.ToolID, got.UserID, code.ToolID, code.UserID)
	}
	if got.Consumed {
		t.Error("Code should not be marked consumed")
	}
}

func TestFlowStore_AtomicConsumeAuthorizationCode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_ = s.SaveAuthorizationCode(ctx, testCode("consume-1", time.Minute))

	got, err := s.AtomicConsumeAuthorizationCode(ctx, "consume-1")
	if err != nil {
		t.Fatalf("AtomicConsumeAuthorizationCode failed: %v", err)
	}
	if !got.Consumed {
		t.Error("Returned code should be marked consumed")
	}

	// Replay must be reported as consumed, not not-found
	_, err = s.AtomicConsumeAuthorizationCode(ctx, "consume-1")
	if err != storage.ErrCodeConsumed {
		t.Errorf("Expected ErrCodeConsumed on replay, got: %v", err)
	}
}

func TestFlowStore_AtomicConsumeAuthorizationCode_Expired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Already expired, but still stored thanks to stale retention
	_ = s.SaveAuthorizationCode(ctx, testCode("expired-1", -2*time.Second))

	_, err := s.AtomicConsumeAuthorizationCode(ctx, "expired-1")
	if err != storage.ErrCodeExpired {
		t.Errorf("Expected ErrCodeExpired, got: %v", err)
	}
}

func TestFlowStore_AtomicConsumeAuthorizationCode_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.AtomicConsumeAuthorizationCode(context.Background(), "nonexistent")
	if err != storage.ErrCodeNotFound {
		t.Errorf("Expected ErrCodeNotFound, got: %v", err)
	}
}

func TestFlowStore_AtomicConsumeAuthorizationCode_Concurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_ = s.SaveAuthorizationCode(ctx, testCode("concurrent-1", time.Minute))

	numGoroutines := 10
	results := make(chan error, numGoroutines)
	start := make(chan struct{})

	for i := 0; i < numGoroutines; i++ {
		go func() {
			<-start
			_, err := s.AtomicConsumeAuthorizationCode(ctx, "concurrent-1")
			results <- err
		}()
	}
	close(start)

	successes := 0
	replays := 0
	for i := 0; i < numGoroutines; i++ {
		switch err := <-results; err {
		case nil:
			successes++
		case storage.ErrCodeConsumed:
			replays++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}

	if successes != 1 {
		t.Errorf("Expected exactly 1 success, got %d", successes)
	}
	if replays != numGoroutines-1 {
		t.Errorf("Expected %d replay errors, got %d", numGoroutines-1, replays)
	}
}

func TestFlowStore_DeleteAuthorizationCode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_ = s.SaveAuthorizationCode(ctx, testCode("delete-1", time.Minute))

	if err := s.DeleteAuthorizationCode(ctx, "delete-1"); err != nil {
		t.Fatalf("DeleteAuthorizationCode failed: %v", err)
	}
	if _, err := s.GetAuthorizationCode(ctx, "delete-1"); err != storage.ErrCodeNotFound {
		t.Errorf("Code should be deleted, got: %v", err)
	}
}

// ============================================================
// GrantStore Tests
// ============================================================

func TestGrantStore_SaveAndGetGrant(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	grant := &storage.Grant{
		ID:        "grant-1",
		UserID:    testUserID,
		ToolID:    testToolID,
		CreatedAt: time.Now(),
	}
	if err := s.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant failed: %v", err)
	}

	got, err := s.GetGrant(ctx, "grant-1")
	if err != nil {
		t.Fatalf("GetGrant failed: %v", err)
	}
	if got.UserID != testUserID || got.ToolID != testToolID {
		t.Errorf("Grant = %+v, want user %q tool %q", got, testUserID, testToolID)
	}

	byPair, err := s.GetGrantByUserTool(ctx, testUserID, testToolID)
	if err != nil {
		t.Fatalf("GetGrantByUserTool failed: %v", err)
	}
	if byPair.ID != "grant-1" {
		t.Errorf("Grant ID = %q, want grant-1", byPair.ID)
	}
}

func TestGrantStore_GetGrantByUserTool_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetGrantByUserTool(context.Background(), "nobody", "nothing")
	if err != storage.ErrGrantNotFound {
		t.Errorf("Expected ErrGrantNotFound, got: %v", err)
	}
}

// ============================================================
// TokenStore Tests
// ============================================================

func TestTokenStore_SaveAndGetToken(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := testToken("vt-1", "grant-1", time.Hour)
	if err := s.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	got, err := s.GetToken(ctx, "vt-1")
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if got.GrantID != "grant-1" || got.UserID != testUserID {
		t.Errorf("Token = %+v, want grant-1 / %q", got, testUserID)
	}
}

func TestTokenStore_GetToken_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetToken(context.Background(), "nonexistent")
	if err != storage.ErrTokenNotFound {
		t.Errorf("Expected ErrTokenNotFound, got: %v", err)
	}
}

func TestTokenStore_AtomicRotateToken(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_ = s.SaveToken(ctx, testToken("rotate-old", "grant-r", time.Hour))

	superseded, err := s.AtomicRotateToken(ctx, "rotate-old", testToken("rotate-new", "grant-r", time.Hour))
	if err != nil {
		t.Fatalf("AtomicRotateToken failed: %v", err)
	}
	if superseded.Value != "rotate-old" {
		t.Errorf("Superseded value = %q, want rotate-old", superseded.Value)
	}

	// New value is live
	if _, err := s.GetToken(ctx, "rotate-new"); err != nil {
		t.Errorf("New token should resolve: %v", err)
	}

	// Old value is reported as rotated, not unknown, and the live
	// replacement is handed back for recovery
	live, err := s.GetToken(ctx, "rotate-old")
	if err != storage.ErrTokenRotated {
		t.Errorf("Expected ErrTokenRotated for superseded value, got: %v", err)
	}
	if live == nil || live.Value != "rotate-new" {
		t.Errorf("Live token alongside ErrTokenRotated = %+v, want rotate-new", live)
	}

	// Rotating the superseded value again loses and reports the winner
	winner, err := s.AtomicRotateToken(ctx, "rotate-old", testToken("rotate-new-2", "grant-r", time.Hour))
	if err != storage.ErrTokenRotated {
		t.Errorf("Expected ErrTokenRotated for stale rotation, got: %v", err)
	}
	if winner == nil || winner.Value != "rotate-new" {
		t.Errorf("Winner token for stale rotation = %+v, want rotate-new", winner)
	}
}

func TestTokenStore_AtomicRotateToken_Concurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_ = s.SaveToken(ctx, testToken("race-old", "grant-race", time.Hour))

	numGoroutines := 10
	type rotation struct {
		token *storage.VerificationToken
		err   error
	}
	results := make(chan rotation, numGoroutines)
	start := make(chan struct{})

	for i := 0; i < numGoroutines; i++ {
		replacement := testToken(fmt.Sprintf("race-new-%d", i), "grant-race", time.Hour)
		go func() {
			<-start
			token, err := s.AtomicRotateToken(ctx, "race-old", replacement)
			results <- rotation{token: token, err: err}
		}()
	}
	close(start)

	winners := 0
	losers := 0
	loserValues := make(map[string]bool)
	for i := 0; i < numGoroutines; i++ {
		switch r := <-results; r.err {
		case nil:
			winners++
		case storage.ErrTokenRotated:
			losers++
			if r.token != nil {
				loserValues[r.token.Value] = true
			}
		default:
			t.Errorf("Unexpected error: %v", r.err)
		}
	}

	if winners != 1 {
		t.Errorf("Expected exactly 1 rotation winner, got %d", winners)
	}
	if losers != numGoroutines-1 {
		t.Errorf("Expected %d losers, got %d", numGoroutines-1, losers)
	}

	// Losers that observed a surviving winner all saw the same live value
	live, err := s.GetToken(ctx, "race-old")
	if err != storage.ErrTokenRotated || live == nil {
		t.Fatalf("GetToken(race-old) = %v, %v, want live token with ErrTokenRotated", live, err)
	}
	for value := range loserValues {
		if value != live.Value {
			t.Errorf("Loser saw live token %q, want %q", value, live.Value)
		}
	}
}

func TestTokenStore_CountActiveTokensForUserTool(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_ = s.SaveToken(ctx, testToken("count-1", "grant-c1", time.Hour))
	_ = s.SaveToken(ctx, testToken("count-2", "grant-c2", time.Hour))

	count, err := s.CountActiveTokensForUserTool(ctx, testUserID, testToolID)
	if err != nil {
		t.Fatalf("CountActiveTokensForUserTool failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Count = %d, want 2", count)
	}

	// Rotation replaces the live value but not the grant count
	_, _ = s.AtomicRotateToken(ctx, "count-1", testToken("count-1b", "grant-c1", time.Hour))

	count, err = s.CountActiveTokensForUserTool(ctx, testUserID, testToolID)
	if err != nil {
		t.Fatalf("CountActiveTokensForUserTool failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Count after rotation = %d, want 2", count)
	}
}

func TestTokenStore_DeleteToken(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_ = s.SaveToken(ctx, testToken("delete-vt", "grant-d", time.Hour))

	if err := s.DeleteToken(ctx, "delete-vt"); err != nil {
		t.Fatalf("DeleteToken failed: %v", err)
	}
	if _, err := s.GetToken(ctx, "delete-vt"); err != storage.ErrTokenNotFound {
		t.Errorf("Token should be deleted, got: %v", err)
	}

	// Deleting an unknown value is not an error
	if err := s.DeleteToken(ctx, "never-existed"); err != nil {
		t.Errorf("DeleteToken for unknown value failed: %v", err)
	}
}

// ============================================================
// RevocationStore Tests
// ============================================================

func testRevocation(id string) *storage.RevocationRecord {
	return &storage.RevocationRecord{
		ID:        id,
		UserID:    testUserID,
		ToolID:    testToolID,
		Reason:    "subscription_cancelled",
		RevokedBy: "system",
		RevokedAt: time.Now(),
	}
}

func TestRevocationStore_UpsertAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stored, err := s.Upsert(ctx, testRevocation("rev-1"))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if stored.ID != "rev-1" {
		t.Errorf("ID = %q, want rev-1", stored.ID)
	}

	got, err := s.Get(ctx, testUserID, testToolID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Reason != "subscription_cancelled" {
		t.Errorf("Reason = %q, want subscription_cancelled", got.Reason)
	}
}

func TestRevocationStore_Upsert_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, testRevocation("rev-1"))
	if err != nil {
		t.Fatalf("First Upsert failed: %v", err)
	}

	second := testRevocation("rev-2")
	second.Reason = "account_suspended"
	stored, err := s.Upsert(ctx, second)
	if err != nil {
		t.Fatalf("Second Upsert failed: %v", err)
	}

	// The existing record wins; only reason and metadata are updated
	if stored.ID != first.ID {
		t.Errorf("ID = %q, want original %q", stored.ID, first.ID)
	}
	if stored.Reason != "account_suspended" {
		t.Errorf("Reason = %q, want account_suspended", stored.Reason)
	}
}

func TestRevocationStore_Clear(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, _ = s.Upsert(ctx, testRevocation("rev-1"))

	cleared, err := s.Clear(ctx, testUserID, testToolID)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if !cleared {
		t.Error("Clear should report true for an active revocation")
	}

	if _, err := s.Get(ctx, testUserID, testToolID); err != storage.ErrRevocationNotFound {
		t.Errorf("Cleared revocation should not be found, got: %v", err)
	}

	cleared, err = s.Clear(ctx, testUserID, testToolID)
	if err != nil {
		t.Fatalf("Second Clear failed: %v", err)
	}
	if cleared {
		t.Error("Second Clear should report false")
	}
}

func TestRevocationStore_MarkPropagated(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, _ = s.Upsert(ctx, testRevocation("rev-1"))

	if err := s.MarkPropagated(ctx, "rev-1"); err != nil {
		t.Fatalf("MarkPropagated failed: %v", err)
	}

	got, err := s.Get(ctx, testUserID, testToolID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PropagatedAt.IsZero() {
		t.Error("PropagatedAt should be set")
	}
}

func TestRevocationStore_MarkPropagated_ClearedInTheMeantime(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, _ = s.Upsert(ctx, testRevocation("rev-1"))
	_, _ = s.Clear(ctx, testUserID, testToolID)

	if err := s.MarkPropagated(ctx, "rev-1"); err != storage.ErrRevocationNotFound {
		t.Errorf("Expected ErrRevocationNotFound for cleared revocation, got: %v", err)
	}
}

// ============================================================
// Input Validation Tests
// ============================================================

func TestValidation_InputTooLarge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	largeToken := make([]byte, storage.MaxTokenLength+1)
	for i := range largeToken {
		largeToken[i] = 'a'
	}

	if _, err := s.GetToken(ctx, string(largeToken)); err == nil {
		t.Error("Expected error for oversized token value")
	}

	largeID := make([]byte, storage.MaxIDLength+1)
	for i := range largeID {
		largeID[i] = 'a'
	}

	if _, err := s.GetTool(ctx, string(largeID)); err == nil {
		t.Error("Expected error for oversized tool ID")
	}
}

// ============================================================
// Helper Function Tests
// ============================================================

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"hello", 3, "hel"},
		{"hi", 5, "hi"},
		{"", 3, ""},
		{"test", 0, ""},
	}

	for _, tt := range tests {
		got := safeTruncate(tt.input, tt.n)
		if got != tt.want {
			t.Errorf("safeTruncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

func TestCalculateTTL(t *testing.T) {
	if ttl := calculateTTL(time.Now().Add(time.Hour)); ttl <= 0 {
		t.Error("TTL should be positive for future expiry")
	}
	if ttl := calculateTTL(time.Now().Add(-time.Hour)); ttl != 0 {
		t.Error("TTL should be 0 for past expiry")
	}
}

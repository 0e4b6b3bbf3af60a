// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers request CRUD, session lifecycle, callbacks, and overdue queries

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func testRequest(id string) *Request {
	now := time.Now().UTC().Truncate(time.Second)
	return &Request{
		ID:            id,
		ChatID:        "chat-1",
		Workspace:     "alpha",
		State:         StateCreated,
		Prompt:        "fix the tests",
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestCreateAndGetRequest(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	req := testRequest("req-123")
	deadline := req.CreatedAt.Add(2 * time.Minute)
	req.TimeoutAt = &deadline

	if err := store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	got, err := store.GetRequest(ctx, "req-123")
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}

	if got.ID != req.ID || got.ChatID != req.ChatID || got.Workspace != req.Workspace {
		t.Errorf("got %+v, want matching identity fields", got)
	}
	if got.State != StateCreated {
		t.Errorf("State = %q, want %q", got.State, StateCreated)
	}
	if got.Prompt != "fix the tests" {
		t.Errorf("Prompt = %q", got.Prompt)
	}
	if got.TimeoutAt == nil || !got.TimeoutAt.Equal(deadline) {
		t.Errorf("TimeoutAt = %v, want %v", got.TimeoutAt, deadline)
	}
	if got.ExitCode != nil {
		t.Errorf("ExitCode = %v, want nil", got.ExitCode)
	}
}

func TestCreateRequest_Duplicate(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateRequest(ctx, testRequest("dup-1")); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	err := store.CreateRequest(ctx, testRequest("dup-1"))
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestGetRequest_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetRequest(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRequest_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	req := testRequest("req-upd")
	if err := store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	exitCode := 0
	req.PreviousState = req.State
	req.State = StateCompleted
	req.CompletedAt = &now
	req.LastUpdatedAt = now
	req.ExitCode = &exitCode
	req.Output = "done"
	req.Callback = CallbackInfo{
		Success:         true,
		Attempts:        2,
		RetryTimestamps: []time.Time{now.Add(-time.Minute), now},
	}

	if err := store.UpdateRequest(ctx, req); err != nil {
		t.Fatalf("UpdateRequest failed: %v", err)
	}

	got, err := store.GetRequest(ctx, "req-upd")
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if got.State != StateCompleted || got.PreviousState != StateCreated {
		t.Errorf("state = %q (prev %q), want completed/created", got.State, got.PreviousState)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", got.ExitCode)
	}
	if !got.Callback.Success || got.Callback.Attempts != 2 {
		t.Errorf("Callback = %+v", got.Callback)
	}
	if len(got.Callback.RetryTimestamps) != 2 {
		t.Errorf("RetryTimestamps = %v, want 2 entries", got.Callback.RetryTimestamps)
	}
}

func TestUpdateRequest_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	err := store.UpdateRequest(context.Background(), testRequest("ghost"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListRequests_ByStateAndLimit(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		req := testRequest(fmt.Sprintf("req-%d", i))
		req.State = StateProcessing
		req.LastUpdatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.CreateRequest(ctx, req); err != nil {
			t.Fatalf("CreateRequest failed: %v", err)
		}
	}
	other := testRequest("req-other")
	other.State = StateCompleted
	if err := store.CreateRequest(ctx, other); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	got, err := store.ListRequestsByState(ctx, StateProcessing, 3)
	if err != nil {
		t.Fatalf("ListRequestsByState failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d requests, want 3", len(got))
	}
	// Most recently updated first.
	if got[0].ID != "req-4" {
		t.Errorf("first result = %s, want req-4", got[0].ID)
	}
}

func TestListRequests_ByWorkspaceAndChat(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	a := testRequest("req-a")
	a.Workspace = "alpha"
	a.ChatID = "chat-a"
	b := testRequest("req-b")
	b.Workspace = "beta"
	b.ChatID = "chat-b"
	for _, req := range []*Request{a, b} {
		if err := store.CreateRequest(ctx, req); err != nil {
			t.Fatalf("CreateRequest failed: %v", err)
		}
	}

	byWS, err := store.ListRequestsByWorkspace(ctx, "beta", 10)
	if err != nil {
		t.Fatalf("ListRequestsByWorkspace failed: %v", err)
	}
	if len(byWS) != 1 || byWS[0].ID != "req-b" {
		t.Errorf("workspace query = %v", byWS)
	}

	byChat, err := store.ListRequestsByChat(ctx, "chat-a", 10)
	if err != nil {
		t.Fatalf("ListRequestsByChat failed: %v", err)
	}
	if len(byChat) != 1 || byChat[0].ID != "req-a" {
		t.Errorf("chat query = %v", byChat)
	}
}

func TestListOverdueRequests(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	overdue := testRequest("req-overdue")
	overdue.State = StateProcessing
	overdue.TimeoutAt = &past

	pending := testRequest("req-pending")
	pending.State = StateProcessing
	pending.TimeoutAt = &future

	// Terminal state with a past deadline must not be reported.
	finished := testRequest("req-finished")
	finished.State = StateCompleted
	finished.TimeoutAt = &past

	noDeadline := testRequest("req-nodeadline")

	for _, req := range []*Request{overdue, pending, finished, noDeadline} {
		if err := store.CreateRequest(ctx, req); err != nil {
			t.Fatalf("CreateRequest failed: %v", err)
		}
	}

	got, err := store.ListOverdueRequests(ctx, now)
	if err != nil {
		t.Fatalf("ListOverdueRequests failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "req-overdue" {
		t.Errorf("overdue = %v, want only req-overdue", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	sess := &Session{
		Workspace:      "alpha",
		SessionID:      "fold-alpha",
		ContainerID:    "container-1",
		Status:         SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// One session per workspace.
	if err := store.CreateSession(ctx, sess); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("expected ErrDuplicateSession, got %v", err)
	}

	sess.ActiveRequests = 2
	sess.TotalRequests = 7
	sess.Status = SessionIdle
	if err := store.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	got, err := store.GetSession(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.ActiveRequests != 2 || got.TotalRequests != 7 || got.Status != SessionIdle {
		t.Errorf("session = %+v", got)
	}

	all, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d sessions, want 1", len(all))
	}

	if err := store.DeleteSession(ctx, "alpha"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if err := store.DeleteSession(ctx, "alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
	if _, err := store.GetSession(ctx, "alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCallbacks_UpsertAndList(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	cb := &CallbackRecord{
		RequestID: "req-cb",
		ChatID:    "chat-1",
		Workspace: "alpha",
		Attempts:  1,
		CreatedAt: now,
	}
	if err := store.UpsertCallback(ctx, cb); err != nil {
		t.Fatalf("UpsertCallback failed: %v", err)
	}

	undelivered, err := store.ListUndeliveredCallbacks(ctx, 10)
	if err != nil {
		t.Fatalf("ListUndeliveredCallbacks failed: %v", err)
	}
	if len(undelivered) != 1 {
		t.Fatalf("got %d undelivered, want 1", len(undelivered))
	}

	cb.Delivered = true
	cb.Attempts = 2
	cb.LastAttemptAt = &now
	if err := store.UpsertCallback(ctx, cb); err != nil {
		t.Fatalf("UpsertCallback (update) failed: %v", err)
	}

	got, err := store.GetCallback(ctx, "req-cb")
	if err != nil {
		t.Fatalf("GetCallback failed: %v", err)
	}
	if !got.Delivered || got.Attempts != 2 || got.LastAttemptAt == nil {
		t.Errorf("callback = %+v", got)
	}

	undelivered, err = store.ListUndeliveredCallbacks(ctx, 10)
	if err != nil {
		t.Fatalf("ListUndeliveredCallbacks failed: %v", err)
	}
	if len(undelivered) != 0 {
		t.Errorf("got %d undelivered after delivery, want 0", len(undelivered))
	}
}

func TestRequestSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	req := testRequest("req-persist")
	req.State = StateProcessing
	if err := store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopening store failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetRequest(ctx, "req-persist")
	if err != nil {
		t.Fatalf("GetRequest after reopen failed: %v", err)
	}
	if got.State != StateProcessing {
		t.Errorf("State = %q after reopen, want processing", got.State)
	}
}

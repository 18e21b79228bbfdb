package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/inboxd/mailsync/internal/provider"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConnection(id, accountID string) *Connection {
	return &Connection{
		ID:             id,
		AccountID:      accountID,
		Provider:       provider.Google,
		Email:          id + "@example.com",
		AccessToken:    "access-" + id,
		RefreshToken:   "refresh-" + id,
		Scope:          "mail.readonly",
		TokenExpiresAt: time.Now().Add(time.Hour),
		SubscriptionID: "gmail-watch-" + id,
	}
}

func TestUpsertAndGetConnection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := testConnection("conn-1", "acct-1")
	if err := s.UpsertConnection(ctx, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetConnection(ctx, "conn-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("get returned nil for existing connection")
	}
	if got.AccountID != "acct-1" || got.Provider != provider.Google || got.Email != "conn-1@example.com" {
		t.Errorf("got %+v, want identity of %+v", got, want)
	}
	if got.AccessToken != "access-conn-1" || got.RefreshToken != "refresh-conn-1" {
		t.Errorf("tokens not round-tripped: %+v", got)
	}

	// Re-linking replaces credentials but keeps the row.
	want.AccessToken = "access-new"
	if err := s.UpsertConnection(ctx, want); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = s.GetConnection(ctx, "conn-1")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got.AccessToken != "access-new" {
		t.Errorf("access token = %q, want access-new", got.AccessToken)
	}
}

func TestGetConnectionAbsent(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetConnection(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get absent: %v", err)
	}
	if got != nil {
		t.Fatalf("get absent = %+v, want nil", got)
	}
}

func TestFindBySubscription(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertConnection(ctx, testConnection("conn-1", "acct-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.FindBySubscription(ctx, "gmail-watch-conn-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.ID != "conn-1" {
		t.Fatalf("find = %+v, want conn-1", got)
	}

	got, err = s.FindBySubscription(ctx, "gmail-watch-gone")
	if err != nil {
		t.Fatalf("find absent: %v", err)
	}
	if got != nil {
		t.Fatalf("find absent = %+v, want nil", got)
	}

	// An empty subscription id must never match rows that have no
	// subscription yet.
	if got, err := s.FindBySubscription(ctx, ""); err != nil || got != nil {
		t.Fatalf("find empty = %+v, %v; want nil, nil", got, err)
	}
}

func TestSaveCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertConnection(ctx, testConnection("conn-1", "acct-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.SaveCursor(ctx, "conn-1", "100"); err != nil {
		t.Fatalf("save cursor: %v", err)
	}
	got, err := s.GetConnection(ctx, "conn-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Cursor != "100" {
		t.Errorf("cursor = %q, want 100", got.Cursor)
	}

	if err := s.SaveCursor(ctx, "gone", "100"); err == nil {
		t.Error("save cursor for missing connection succeeded, want error")
	}
}

func TestMarkSubscribedAdvancesAgeIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertConnection(ctx, testConnection("conn-1", "acct-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	at := time.Now().Truncate(time.Second)
	if err := s.MarkSubscribed(ctx, "conn-1", provider.Google, "gmail-watch-conn-1", at); err != nil {
		t.Fatalf("mark subscribed: %v", err)
	}

	ages, err := s.ListSubscriptionAges(ctx)
	if err != nil {
		t.Fatalf("list ages: %v", err)
	}
	if len(ages) != 1 {
		t.Fatalf("got %d age rows, want 1", len(ages))
	}
	if !ages[0].LastSubscribedAt.Equal(at) {
		t.Errorf("last subscribed = %v, want %v", ages[0].LastSubscribedAt, at)
	}

	// A renewal moves the timestamp forward rather than adding a row.
	later := at.Add(24 * time.Hour)
	if err := s.MarkSubscribed(ctx, "conn-1", provider.Google, "gmail-watch-conn-1", later); err != nil {
		t.Fatalf("second mark subscribed: %v", err)
	}
	ages, err = s.ListSubscriptionAges(ctx)
	if err != nil {
		t.Fatalf("list ages: %v", err)
	}
	if len(ages) != 1 || !ages[0].LastSubscribedAt.Equal(later) {
		t.Errorf("after renewal: %+v, want single row at %v", ages, later)
	}
}

func TestEnsureSubscriptionAgeDoesNotOverwrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertConnection(ctx, testConnection("conn-1", "acct-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	at := time.Now().Truncate(time.Second)
	if err := s.MarkSubscribed(ctx, "conn-1", provider.Google, "sub", at); err != nil {
		t.Fatalf("mark subscribed: %v", err)
	}
	// A later seed (e.g. re-linking) must not roll the timestamp back.
	if err := s.EnsureSubscriptionAge(ctx, "conn-1", provider.Google, time.Unix(0, 0)); err != nil {
		t.Fatalf("ensure age: %v", err)
	}

	ages, err := s.ListSubscriptionAges(ctx)
	if err != nil {
		t.Fatalf("list ages: %v", err)
	}
	if len(ages) != 1 || !ages[0].LastSubscribedAt.Equal(at) {
		t.Errorf("ages = %+v, want single row still at %v", ages, at)
	}
}

func TestDeleteConnection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertConnection(ctx, testConnection("conn-1", "acct-1")); err != nil {
		t.Fatalf("upsert conn-1: %v", err)
	}

	// The account's only connection may not be removed.
	err := s.DeleteConnection(ctx, "conn-1")
	if !errors.Is(err, ErrLastConnection) {
		t.Fatalf("delete sole connection: %v, want ErrLastConnection", err)
	}

	if err := s.UpsertConnection(ctx, testConnection("conn-2", "acct-1")); err != nil {
		t.Fatalf("upsert conn-2: %v", err)
	}
	if err := s.MarkSubscribed(ctx, "conn-1", provider.Google, "sub", time.Now()); err != nil {
		t.Fatalf("mark subscribed: %v", err)
	}

	if err := s.DeleteConnection(ctx, "conn-1"); err != nil {
		t.Fatalf("delete with sibling: %v", err)
	}
	if got, _ := s.GetConnection(ctx, "conn-1"); got != nil {
		t.Errorf("conn-1 still present after delete")
	}
	ages, err := s.ListSubscriptionAges(ctx)
	if err != nil {
		t.Fatalf("list ages: %v", err)
	}
	if len(ages) != 0 {
		t.Errorf("age rows remain after delete: %+v", ages)
	}
}

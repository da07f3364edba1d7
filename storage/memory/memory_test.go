package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-oauth-core/storage"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestGrant(publicID string) *storage.Grant {
	return &storage.Grant{
		ID:        uuid.NewString(),
		PublicID:  publicID,
		UserID:    "user-1",
		ClientID:  "client-1",
		ExpiresAt: testNow.Add(5 * time.Minute),
		Resources: []string{"https://api.example.com"},
		Scopes:    []string{"read"},
		CreatedAt: testNow,
	}
}

func newTestSession(grantID string) *storage.Session {
	return &storage.Session{
		ID:              uuid.NewString(),
		GrantID:         grantID,
		AccessTokenJTI:  uuid.NewString(),
		RefreshTokenJTI: uuid.NewString(),
		Status:          storage.SessionStatusCreated,
		ExpiresAt:       testNow.Add(24 * time.Hour),
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := New()
	t.Cleanup(store.Stop)
	store.SetClock(func() time.Time { return testNow })
	return store
}

func redeemed(t *testing.T, store *Store, grant *storage.Grant) *storage.Session {
	t.Helper()
	sess := newTestSession(grant.ID)
	m := (&storage.Mutation{At: testNow}).RedeemGrant(grant.ID).Create(sess)
	if err := store.Apply(context.Background(), m); err != nil {
		t.Fatalf("Apply() redeem error = %v", err)
	}
	return sess
}

// ============================================================
// GrantStore Tests
// ============================================================

func TestStore_SaveGrant(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	grant := newTestGrant("code-1")
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}

	got, err := store.GetGrant(ctx, "code-1")
	if err != nil {
		t.Fatalf("GetGrant() error = %v", err)
	}
	if got.ID != grant.ID {
		t.Errorf("ID = %q, want %q", got.ID, grant.ID)
	}

	byID, err := store.GetGrantByID(ctx, grant.ID)
	if err != nil {
		t.Fatalf("GetGrantByID() error = %v", err)
	}
	if byID.PublicID != "code-1" {
		t.Errorf("PublicID = %q, want code-1", byID.PublicID)
	}

	// Returned grants are copies.
	got.Resources[0] = "mutated"
	again, _ := store.GetGrant(ctx, "code-1")
	if again.Resources[0] != "https://api.example.com" {
		t.Error("GetGrant() returned a reference to stored state")
	}
}

func TestStore_SaveGrant_Invalid(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tests := []struct {
		name   string
		mutate func(*storage.Grant)
	}{
		{"missing user", func(g *storage.Grant) { g.UserID = "" }},
		{"both client refs", func(g *storage.Grant) { g.ClientURL = "https://app.example.com/client.json" }},
		{"no client ref", func(g *storage.Grant) { g.ClientID = "" }},
		{"no expiry", func(g *storage.Grant) { g.ExpiresAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGrant("code-" + tt.name)
			tt.mutate(g)
			if err := store.SaveGrant(ctx, g); err == nil {
				t.Error("SaveGrant() should fail")
			}
		})
	}
}

func TestStore_SaveGrant_Duplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.SaveGrant(ctx, newTestGrant("code-1")); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	err := store.SaveGrant(ctx, newTestGrant("code-1"))
	if !errors.Is(err, storage.ErrGrantExists) {
		t.Errorf("SaveGrant() error = %v, want ErrGrantExists", err)
	}
}

func TestStore_GetGrant_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetGrant(context.Background(), "missing")
	if !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("GetGrant() error = %v, want ErrGrantNotFound", err)
	}
}

func TestStore_DeleteGrant_Cascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	grant := newTestGrant("code-1")
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	sess := redeemed(t, store, grant)

	if err := store.DeleteGrant(ctx, grant.ID); err != nil {
		t.Fatalf("DeleteGrant() error = %v", err)
	}
	if _, err := store.GetSession(ctx, sess.ID); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession() error = %v, want ErrSessionNotFound", err)
	}
	if _, err := store.GetSessionByRefreshJTI(ctx, sess.RefreshTokenJTI); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSessionByRefreshJTI() error = %v, want ErrSessionNotFound", err)
	}
	if _, err := store.GetGrant(ctx, "code-1"); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("GetGrant() error = %v, want ErrGrantNotFound", err)
	}
}

// ============================================================
// MutationStore Tests
// ============================================================

func TestStore_Apply_Redeem(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	grant := newTestGrant("code-1")
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	sess := redeemed(t, store, grant)

	got, _ := store.GetGrantByID(ctx, grant.ID)
	if !got.Redeemed {
		t.Error("grant should be redeemed")
	}

	for _, lookup := range []func() (*storage.Session, error){
		func() (*storage.Session, error) { return store.GetSession(ctx, sess.ID) },
		func() (*storage.Session, error) { return store.GetSessionByAccessJTI(ctx, sess.AccessTokenJTI) },
		func() (*storage.Session, error) { return store.GetSessionByRefreshJTI(ctx, sess.RefreshTokenJTI) },
		func() (*storage.Session, error) { return store.GetActiveSession(ctx, grant.ID) },
	} {
		s, err := lookup()
		if err != nil {
			t.Fatalf("lookup error = %v", err)
		}
		if s.ID != sess.ID {
			t.Errorf("session ID = %q, want %q", s.ID, sess.ID)
		}
	}
}

func TestStore_Apply_RedeemTwice(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	grant := newTestGrant("code-1")
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	redeemed(t, store, grant)

	second := newTestSession(grant.ID)
	err := store.Apply(ctx, (&storage.Mutation{}).RedeemGrant(grant.ID).Create(second))
	if !errors.Is(err, storage.ErrGrantRedeemed) {
		t.Fatalf("Apply() error = %v, want ErrGrantRedeemed", err)
	}

	// Nothing from the failed mutation was written.
	if _, err := store.GetSession(ctx, second.ID); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("failed mutation left a session behind: %v", err)
	}
	sessions, _ := store.ListSessions(ctx, grant.ID)
	if len(sessions) != 1 {
		t.Errorf("len(sessions) = %d, want 1", len(sessions))
	}
}

func TestStore_Apply_ConcurrentRedeem(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	grant := newTestGrant("code-1")
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}

	const attempts = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := (&storage.Mutation{}).RedeemGrant(grant.ID).Create(newTestSession(grant.ID))
			err := store.Apply(ctx, m)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, storage.ErrGrantRedeemed) {
				t.Errorf("Apply() error = %v, want ErrGrantRedeemed", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want 1", successes)
	}
	sessions, _ := store.ListSessions(ctx, grant.ID)
	if len(sessions) != 1 {
		t.Errorf("len(sessions) = %d, want 1", len(sessions))
	}
}

func TestStore_Apply_Rotation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	grant := newTestGrant("code-1")
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	first := redeemed(t, store, grant)

	next := newTestSession(grant.ID)
	m := (&storage.Mutation{At: testNow.Add(time.Minute)}).
		Transition(first.ID, storage.SessionStatusRefreshed, storage.SessionStatusCreated).
		Create(next)
	if err := store.Apply(ctx, m); err != nil {
		t.Fatalf("Apply() rotation error = %v", err)
	}

	old, _ := store.GetSession(ctx, first.ID)
	if old.Status != storage.SessionStatusRefreshed {
		t.Errorf("old status = %q, want refreshed", old.Status)
	}
	if !old.UpdatedAt.Equal(testNow.Add(time.Minute)) {
		t.Errorf("UpdatedAt = %v, want mutation time", old.UpdatedAt)
	}
	active, err := store.GetActiveSession(ctx, grant.ID)
	if err != nil {
		t.Fatalf("GetActiveSession() error = %v", err)
	}
	if active.ID != next.ID {
		t.Errorf("active = %q, want %q", active.ID, next.ID)
	}

	// Rotating the old session again loses the compare-and-swap.
	m = (&storage.Mutation{}).
		Transition(first.ID, storage.SessionStatusRefreshed, storage.SessionStatusCreated).
		Create(newTestSession(grant.ID))
	if err := store.Apply(ctx, m); !errors.Is(err, storage.ErrSessionConflict) {
		t.Errorf("Apply() error = %v, want ErrSessionConflict", err)
	}
}

func TestStore_Apply_SingleActiveSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	grant := newTestGrant("code-1")
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	redeemed(t, store, grant)

	err := store.Apply(ctx, (&storage.Mutation{}).Create(newTestSession(grant.ID)))
	if !errors.Is(err, storage.ErrActiveSessionExists) {
		t.Errorf("Apply() error = %v, want ErrActiveSessionExists", err)
	}

	two := (&storage.Mutation{}).Create(newTestSession(grant.ID)).Create(newTestSession(grant.ID))
	other := newTestGrant("code-2")
	if err := store.SaveGrant(ctx, other); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	two.Creates[0].GrantID, two.Creates[1].GrantID = other.ID, other.ID
	if err := store.Apply(ctx, two); !errors.Is(err, storage.ErrActiveSessionExists) {
		t.Errorf("Apply() error = %v, want ErrActiveSessionExists", err)
	}
}

func TestStore_Apply_DualRevoke(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	grant := newTestGrant("code-1")
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	first := redeemed(t, store, grant)
	next := newTestSession(grant.ID)
	if err := store.Apply(ctx, (&storage.Mutation{}).
		Transition(first.ID, storage.SessionStatusRefreshed, storage.SessionStatusCreated).
		Create(next)); err != nil {
		t.Fatalf("Apply() rotation error = %v", err)
	}

	m := (&storage.Mutation{}).
		Transition(next.ID, storage.SessionStatusRevoked).
		Transition(first.ID, storage.SessionStatusRevoked)
	if err := store.Apply(ctx, m); err != nil {
		t.Fatalf("Apply() revoke error = %v", err)
	}

	sessions, _ := store.ListSessions(ctx, grant.ID)
	for _, s := range sessions {
		if s.Status != storage.SessionStatusRevoked {
			t.Errorf("session %s status = %q, want revoked", s.ID, s.Status)
		}
	}
	if _, err := store.GetActiveSession(ctx, grant.ID); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetActiveSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_Apply_DuplicateJTI(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	grant := newTestGrant("code-1")
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	first := redeemed(t, store, grant)
	if err := store.Apply(ctx, (&storage.Mutation{}).Transition(first.ID, storage.SessionStatusRevoked)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	dup := newTestSession(grant.ID)
	dup.RefreshTokenJTI = first.RefreshTokenJTI
	if err := store.Apply(ctx, (&storage.Mutation{}).Create(dup)); !errors.Is(err, storage.ErrDuplicateJTI) {
		t.Errorf("Apply() error = %v, want ErrDuplicateJTI", err)
	}
}

func TestStore_Apply_Invalid(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tests := []struct {
		name string
		m    *storage.Mutation
		want error
	}{
		{"nil", nil, storage.ErrInvalidMutation},
		{"empty", &storage.Mutation{}, storage.ErrInvalidMutation},
		{"unknown session", (&storage.Mutation{}).Transition("missing", storage.SessionStatusRevoked), storage.ErrSessionNotFound},
		{"unknown grant", (&storage.Mutation{}).RedeemGrant("missing"), storage.ErrGrantNotFound},
		{"non-uuid jti", (&storage.Mutation{}).Create(&storage.Session{
			ID: "s", GrantID: "g", AccessTokenJTI: "x", RefreshTokenJTI: uuid.NewString(), Status: storage.SessionStatusCreated,
		}), storage.ErrInvalidMutation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Apply(ctx, tt.m); !errors.Is(err, tt.want) {
				t.Errorf("Apply() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestStore_Clients(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"b-client", "a-client"} {
		if err := store.SaveClient(ctx, &storage.Client{PublicID: id, Type: storage.ClientTypePublic}); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	list, err := store.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(list) != 2 || list[0].PublicID != "a-client" {
		t.Errorf("ListClients() = %v, want a-client first", list)
	}

	if err := store.DeleteClient(ctx, "a-client"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, "a-client"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
	if err := store.SaveClient(ctx, &storage.Client{}); err == nil {
		t.Error("SaveClient() without public id should fail")
	}
}

// ============================================================
// MetadataStore Tests
// ============================================================

func TestStore_Metadata(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	entry := &storage.MetadataEntry{
		Key:       "k1",
		URL:       "https://app.example.com/client.json",
		Document:  []byte(`{"client_id":"https://app.example.com/client.json"}`),
		ExpiresAt: testNow.Add(time.Minute),
	}
	if err := store.PutMetadata(ctx, entry); err != nil {
		t.Fatalf("PutMetadata() error = %v", err)
	}

	got, err := store.GetMetadata(ctx, "k1")
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if string(got.Document) != string(entry.Document) {
		t.Errorf("Document = %s, want %s", got.Document, entry.Document)
	}

	n, err := store.DeleteExpiredMetadata(ctx, testNow)
	if err != nil || n != 0 {
		t.Errorf("DeleteExpiredMetadata() = %d, %v, want 0, nil", n, err)
	}
	n, _ = store.DeleteExpiredMetadata(ctx, testNow.Add(time.Minute))
	if n != 1 {
		t.Errorf("DeleteExpiredMetadata() = %d, want 1", n)
	}
	if _, err := store.GetMetadata(ctx, "k1"); !errors.Is(err, storage.ErrMetadataNotFound) {
		t.Errorf("GetMetadata() error = %v, want ErrMetadataNotFound", err)
	}
}

func TestStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	pending := newTestGrant("pending")
	used := newTestGrant("used")
	for _, g := range []*storage.Grant{pending, used} {
		if err := store.SaveGrant(ctx, g); err != nil {
			t.Fatalf("SaveGrant() error = %v", err)
		}
	}
	redeemed(t, store, used)

	store.SetClock(func() time.Time { return testNow.Add(time.Hour) })
	store.cleanup()

	if _, err := store.GetGrant(ctx, "pending"); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("expired pending grant should be removed, got %v", err)
	}
	if _, err := store.GetGrant(ctx, "used"); err != nil {
		t.Errorf("redeemed grant should be kept, got %v", err)
	}
}

func TestStore_Stop_Idempotent(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-oauth-core/storage"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "oauth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestGrant(publicID string) *storage.Grant {
	return &storage.Grant{
		ID:                  uuid.NewString(),
		PublicID:            publicID,
		UserID:              "user-1",
		ClientID:            "client-1",
		ExpiresAt:           testNow.Add(5 * time.Minute),
		Resources:           []string{"https://api1.example.com", "https://api2.example.com"},
		Scopes:              []string{"read", "write"},
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		RedirectURI:         "https://app.example.com/callback",
		CreatedAt:           testNow,
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
		CreatedAt:       testNow,
		UpdatedAt:       testNow,
	}
}

func saveAndRedeem(t *testing.T, store *Store, grant *storage.Grant) *storage.Session {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveGrant(ctx, grant))
	sess := newTestSession(grant.ID)
	require.NoError(t, store.Apply(ctx, (&storage.Mutation{At: testNow}).RedeemGrant(grant.ID).Create(sess)))
	return sess
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.SaveGrant(context.Background(), newTestGrant("code-1")))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	got, err := second.GetGrant(context.Background(), "code-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
}

func TestExtractUpMigration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no markers", "CREATE TABLE t (id INTEGER);", "CREATE TABLE t (id INTEGER);"},
		{"up only", "-- +migrate Up\nCREATE TABLE t (id INTEGER);", "\nCREATE TABLE t (id INTEGER);"},
		{"up and down", "-- +migrate Up\nCREATE TABLE t;\n-- +migrate Down\nDROP TABLE t;", "\nCREATE TABLE t;\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractUpMigration(tt.content))
		})
	}
}

func TestStore_GrantRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	grant := newTestGrant("code-1")
	require.NoError(t, store.SaveGrant(ctx, grant))

	got, err := store.GetGrant(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, grant, got)

	byID, err := store.GetGrantByID(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, "code-1", byID.PublicID)

	url := newTestGrant("code-2")
	url.ClientID = ""
	url.ClientURL = "https://app.example.com/client.json"
	url.Resources = nil
	require.NoError(t, store.SaveGrant(ctx, url))
	got, err = store.GetGrant(ctx, "code-2")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/client.json", got.ClientRef())
	assert.Empty(t, got.ClientID)
	assert.Nil(t, got.Resources)
}

func TestStore_SaveGrant_Errors(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.SaveGrant(ctx, newTestGrant("code-1")))
	assert.ErrorIs(t, store.SaveGrant(ctx, newTestGrant("code-1")), storage.ErrGrantExists)

	invalid := newTestGrant("code-2")
	invalid.UserID = ""
	assert.Error(t, store.SaveGrant(ctx, invalid))

	_, err := store.GetGrant(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrGrantNotFound)
}

func TestStore_DeleteGrant_Cascades(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	grant := newTestGrant("code-1")
	sess := saveAndRedeem(t, store, grant)

	require.NoError(t, store.DeleteGrant(ctx, grant.ID))
	_, err := store.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
	assert.ErrorIs(t, store.DeleteGrant(ctx, grant.ID), storage.ErrGrantNotFound)
}

func TestStore_DeleteExpiredGrants(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.SaveGrant(ctx, newTestGrant("pending")))
	saveAndRedeem(t, store, newTestGrant("used"))

	n, err := store.DeleteExpiredGrants(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetGrant(ctx, "pending")
	assert.ErrorIs(t, err, storage.ErrGrantNotFound)
	_, err = store.GetGrant(ctx, "used")
	assert.NoError(t, err)
}

func TestStore_Apply_RedeemAtMostOnce(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	grant := newTestGrant("code-1")
	first := saveAndRedeem(t, store, grant)

	got, err := store.GetGrantByID(ctx, grant.ID)
	require.NoError(t, err)
	assert.True(t, got.Redeemed)

	active, err := store.GetActiveSession(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	second := newTestSession(grant.ID)
	err = store.Apply(ctx, (&storage.Mutation{}).RedeemGrant(grant.ID).Create(second))
	assert.ErrorIs(t, err, storage.ErrGrantRedeemed)

	_, err = store.GetSession(ctx, second.ID)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound, "rolled back mutation must not leave a session")
}

func TestStore_Apply_ConcurrentRedeem(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	grant := newTestGrant("code-1")
	require.NoError(t, store.SaveGrant(ctx, grant))

	const attempts = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Apply(ctx, (&storage.Mutation{}).RedeemGrant(grant.ID).Create(newTestSession(grant.ID)))
			switch {
			case err == nil:
				successes.Add(1)
			case !errors.Is(err, storage.ErrGrantRedeemed):
				t.Errorf("Apply() error = %v, want ErrGrantRedeemed", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	sessions, err := store.ListSessions(ctx, grant.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestStore_Apply_RotationAndConflict(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	grant := newTestGrant("code-1")
	first := saveAndRedeem(t, store, grant)

	next := newTestSession(grant.ID)
	at := testNow.Add(time.Minute)
	require.NoError(t, store.Apply(ctx, (&storage.Mutation{At: at}).
		Transition(first.ID, storage.SessionStatusRefreshed, storage.SessionStatusCreated).
		Create(next)))

	old, err := store.GetSessionByRefreshJTI(ctx, first.RefreshTokenJTI)
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusRefreshed, old.Status)
	assert.True(t, old.UpdatedAt.Equal(at))

	byAccess, err := store.GetSessionByAccessJTI(ctx, next.AccessTokenJTI)
	require.NoError(t, err)
	assert.Equal(t, next.ID, byAccess.ID)

	err = store.Apply(ctx, (&storage.Mutation{}).
		Transition(first.ID, storage.SessionStatusRefreshed, storage.SessionStatusCreated).
		Create(newTestSession(grant.ID)))
	assert.ErrorIs(t, err, storage.ErrSessionConflict)

	sessions, err := store.ListSessions(ctx, grant.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, first.ID, sessions[0].ID)
}

func TestStore_Apply_SingleActiveSession(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	grant := newTestGrant("code-1")
	saveAndRedeem(t, store, grant)

	err := store.Apply(ctx, (&storage.Mutation{}).Create(newTestSession(grant.ID)))
	assert.ErrorIs(t, err, storage.ErrActiveSessionExists)

	// A revoked session does not count against the index.
	revoked := newTestSession(grant.ID)
	revoked.Status = storage.SessionStatusRevoked
	assert.NoError(t, store.Apply(ctx, (&storage.Mutation{}).Create(revoked)))
}

func TestStore_Apply_DualRevoke(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	grant := newTestGrant("code-1")
	first := saveAndRedeem(t, store, grant)
	next := newTestSession(grant.ID)
	require.NoError(t, store.Apply(ctx, (&storage.Mutation{}).
		Transition(first.ID, storage.SessionStatusRefreshed, storage.SessionStatusCreated).
		Create(next)))

	require.NoError(t, store.Apply(ctx, (&storage.Mutation{}).
		Transition(next.ID, storage.SessionStatusRevoked).
		Transition(first.ID, storage.SessionStatusRevoked)))

	sessions, err := store.ListSessions(ctx, grant.ID)
	require.NoError(t, err)
	for _, s := range sessions {
		assert.Equal(t, storage.SessionStatusRevoked, s.Status)
	}
	_, err = store.GetActiveSession(ctx, grant.ID)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestStore_Apply_Errors(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	grant := newTestGrant("code-1")
	first := saveAndRedeem(t, store, grant)
	require.NoError(t, store.Apply(ctx, (&storage.Mutation{}).Transition(first.ID, storage.SessionStatusRevoked)))

	dup := newTestSession(grant.ID)
	dup.RefreshTokenJTI = first.RefreshTokenJTI

	tests := []struct {
		name string
		m    *storage.Mutation
		want error
	}{
		{"nil", nil, storage.ErrInvalidMutation},
		{"unknown grant", (&storage.Mutation{}).RedeemGrant("missing"), storage.ErrGrantNotFound},
		{"unknown session", (&storage.Mutation{}).Transition("missing", storage.SessionStatusRevoked), storage.ErrSessionNotFound},
		{"session for unknown grant", (&storage.Mutation{}).Create(newTestSession("missing")), storage.ErrGrantNotFound},
		{"duplicate jti", (&storage.Mutation{}).Create(dup), storage.ErrDuplicateJTI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, store.Apply(ctx, tt.m), tt.want)
		})
	}
}

func TestStore_Clients(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	client := &storage.Client{
		PublicID:                "a-client",
		Name:                    "Agent",
		Type:                    storage.ClientTypeConfidential,
		RedirectURIs:            []string{"https://app.example.com/callback"},
		TokenEndpointAuthMethod: storage.TokenEndpointAuthMethodBasic,
		Scope:                   "read write",
		AccessTokenDuration:     10 * time.Minute,
		RefreshTokenDuration:    24 * time.Hour,
		SecretID:                "secret-1",
		CreatedAt:               testNow,
	}
	require.NoError(t, store.SaveClient(ctx, client))
	require.NoError(t, store.SaveClient(ctx, &storage.Client{PublicID: "b-client", Type: storage.ClientTypePublic}))

	got, err := store.GetClient(ctx, "a-client")
	require.NoError(t, err)
	assert.Equal(t, client, got)

	list, err := store.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a-client", list[0].PublicID)

	require.NoError(t, store.DeleteClient(ctx, "a-client"))
	_, err = store.GetClient(ctx, "a-client")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
	assert.ErrorIs(t, store.DeleteClient(ctx, "a-client"), storage.ErrClientNotFound)
}

func TestStore_Metadata(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	entry := &storage.MetadataEntry{
		Key:       "k1",
		URL:       "https://app.example.com/client.json",
		Document:  []byte(`{"client_id":"https://app.example.com/client.json"}`),
		ExpiresAt: testNow.Add(time.Minute),
		UpdatedAt: testNow,
	}
	require.NoError(t, store.PutMetadata(ctx, entry))

	entry.ExpiresAt = testNow.Add(2 * time.Minute)
	require.NoError(t, store.PutMetadata(ctx, entry))

	got, err := store.GetMetadata(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, entry.Document, got.Document)
	assert.True(t, got.ExpiresAt.Equal(testNow.Add(2*time.Minute)))

	n, err := store.DeleteExpiredMetadata(ctx, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.DeleteExpiredMetadata(ctx, testNow.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetMetadata(ctx, "k1")
	assert.ErrorIs(t, err, storage.ErrMetadataNotFound)
}

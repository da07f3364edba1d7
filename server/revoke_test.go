package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-oauth-core/claims"
	"github.com/giantswarm/mcp-oauth-core/storage"
)

func TestRevokeForToken(t *testing.T) {
	tests := []struct {
		name     string
		token    func(p *TokenPair) string
		clientID string
		wantErr  error
		revoked  bool
	}{
		{
			name:     "access token",
			token:    func(p *TokenPair) string { return p.Token.AccessToken },
			clientID: testPublicClientID,
			revoked:  true,
		},
		{
			name:     "refresh token",
			token:    func(p *TokenPair) string { return p.Token.RefreshToken },
			clientID: testPublicClientID,
			revoked:  true,
		},
		{
			name:    "without client check",
			token:   func(p *TokenPair) string { return p.Token.RefreshToken },
			revoked: true,
		},
		{
			name:     "another client",
			token:    func(p *TokenPair) string { return p.Token.AccessToken },
			clientID: testConfidentialClientID,
			wantErr:  ErrUnauthorizedClient,
		},
		{
			name:     "undecodable token is ignored",
			token:    func(*TokenPair) string { return "garbage" },
			clientID: testPublicClientID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			pair, _ := env.issue(t, nil, nil)

			err := env.srv.RevokeForToken(context.Background(), tt.token(pair), tt.clientID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			want := storage.SessionStatusCreated
			if tt.revoked {
				want = storage.SessionStatusRevoked
			}
			assert.Equal(t, want, env.sessionStatus(t, pair.Session.ID))
		})
	}
}

func TestRevokeForToken_UnknownTokenIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	other := newTestEnv(t)
	pair, _ := env.issue(t, nil, nil)

	// Same signing key, but the session lives in a different store.
	other.srv.codec = env.srv.codec
	assert.NoError(t, other.srv.RevokeForToken(context.Background(), pair.Token.AccessToken, ""))
	assert.Equal(t, storage.SessionStatusCreated, env.sessionStatus(t, pair.Session.ID))
}

// Revoking an older token of a rotated chain also revokes the grant's
// current session.
func TestRevokeSelfAndActiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first, grant := env.issue(t, nil, nil)
	second, err := env.srv.RefreshSession(ctx, refreshReq(first))
	require.NoError(t, err)

	require.NoError(t, env.srv.RevokeSelfAndActiveSession(ctx, first.Session))

	assert.Equal(t, storage.SessionStatusRevoked, env.sessionStatus(t, first.Session.ID))
	assert.Equal(t, storage.SessionStatusRevoked, env.sessionStatus(t, second.Session.ID))
	_, err = env.store.GetActiveSession(ctx, grant.ID)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	// Idempotent.
	require.NoError(t, env.srv.RevokeSelfAndActiveSession(ctx, first.Session))

	_, err = env.srv.RefreshSession(ctx, refreshReq(second))
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRevokeForClaims(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, _ := env.issue(t, nil, nil)
	access, err := claims.AccessFromToken(env.srv.codec, a.Token.AccessToken)
	require.NoError(t, err)
	require.NoError(t, env.srv.RevokeForAccessToken(ctx, access))
	assert.Equal(t, storage.SessionStatusRevoked, env.sessionStatus(t, a.Session.ID))

	b, _ := env.issue(t, nil, nil)
	refresh, err := claims.RefreshFromToken(env.srv.codec, b.Token.RefreshToken)
	require.NoError(t, err)
	require.NoError(t, env.srv.RevokeForRefreshToken(ctx, refresh))
	assert.Equal(t, storage.SessionStatusRevoked, env.sessionStatus(t, b.Session.ID))

	unknown := &claims.Refresh{ID: "00000000-0000-0000-0000-000000000000"}
	assert.NoError(t, env.srv.RevokeForRefreshToken(ctx, unknown))
}

package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-oauth-core/claims"
	"github.com/giantswarm/mcp-oauth-core/storage"
)

func refreshReq(pair *TokenPair) RefreshRequest {
	return RefreshRequest{RefreshToken: pair.Token.RefreshToken, ClientID: testPublicClientID}
}

func TestRefreshSession_Rotates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first, grant := env.issue(t, []string{testAPI1, testAPI2}, []string{"read"})

	env.clock.Advance(time.Minute)
	second, err := env.srv.RefreshSession(ctx, refreshReq(first))
	require.NoError(t, err)

	assert.NotEqual(t, first.Session.ID, second.Session.ID)
	assert.NotEqual(t, first.Session.AccessTokenJTI, second.Session.AccessTokenJTI)
	assert.NotEqual(t, first.Session.RefreshTokenJTI, second.Session.RefreshTokenJTI)
	assert.NotEqual(t, first.Token.RefreshToken, second.Token.RefreshToken)
	assert.Equal(t, []string{testAPI1, testAPI2}, second.Resources)
	assert.Equal(t, "read", second.Scope)

	assert.Equal(t, storage.SessionStatusRefreshed, env.sessionStatus(t, first.Session.ID))
	assert.Equal(t, storage.SessionStatusCreated, env.sessionStatus(t, second.Session.ID))

	active, err := env.store.GetActiveSession(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Session.ID, active.ID)

	// The rotated session can itself be refreshed.
	third, err := env.srv.RefreshSession(ctx, refreshReq(second))
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusRefreshed, env.sessionStatus(t, second.Session.ID))
	assert.Equal(t, storage.SessionStatusCreated, env.sessionStatus(t, third.Session.ID))
}

// Replaying a rotated refresh token revokes both the replayed session and
// the grant's current session; the legitimate holder's next refresh fails.
func TestRefreshSession_ReuseRevokesBoth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first, grant := env.issue(t, nil, nil)

	second, err := env.srv.RefreshSession(ctx, refreshReq(first))
	require.NoError(t, err)

	_, err = env.srv.RefreshSession(ctx, refreshReq(first))
	var rse *RevokedSessionError
	require.ErrorAs(t, err, &rse)
	assert.ErrorIs(t, err, ErrInvalidGrant)
	assert.Equal(t, first.Session.ID, rse.RefreshedSessionID)
	assert.Equal(t, second.Session.ID, rse.RevokedSessionID)
	assert.Equal(t, testUserID, rse.UserID)
	assert.Equal(t, testPublicClientID, rse.ClientID)

	assert.Equal(t, storage.SessionStatusRevoked, env.sessionStatus(t, first.Session.ID))
	assert.Equal(t, storage.SessionStatusRevoked, env.sessionStatus(t, second.Session.ID))

	_, err = env.store.GetActiveSession(ctx, grant.ID)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	_, err = env.srv.RefreshSession(ctx, refreshReq(second))
	require.ErrorAs(t, err, &rse)
	assert.Equal(t, second.Session.ID, rse.RefreshedSessionID)
	assert.Equal(t, second.Session.ID, rse.RevokedSessionID)
}

func TestRefreshSession_ClientMismatchIsTheft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pair, _ := env.issue(t, nil, nil)

	_, err := env.srv.RefreshSession(ctx, RefreshRequest{
		RefreshToken: pair.Token.RefreshToken,
		ClientID:     testConfidentialClientID,
	})
	var rse *RevokedSessionError
	require.ErrorAs(t, err, &rse)
	assert.Equal(t, testConfidentialClientID, rse.ClientID)
	assert.Equal(t, storage.SessionStatusRevoked, env.sessionStatus(t, pair.Session.ID))
}

func TestRefreshSession_Downscoping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first, _ := env.issue(t, []string{testAPI1, testAPI2}, []string{"read", "write"})

	narrowed, err := env.srv.RefreshSession(ctx, RefreshRequest{
		RefreshToken: first.Token.RefreshToken,
		ClientID:     testPublicClientID,
		Resources:    []string{testAPI1},
		Scopes:       []string{"read"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{testAPI1}, narrowed.Resources)
	assert.Equal(t, "read", narrowed.Scope)

	access, err := claims.AccessFromToken(env.srv.codec, narrowed.Token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, claims.Audience{testAPI1}, access.Audience)

	// Downscoping is per request: the grant still allows both resources.
	widened, err := env.srv.RefreshSession(ctx, refreshReq(narrowed))
	require.NoError(t, err)
	assert.Equal(t, []string{testAPI1, testAPI2}, widened.Resources)
	assert.Equal(t, "read write", widened.Scope)
}

func TestRefreshSession_BeyondGrantLeavesSessionActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pair, _ := env.issue(t, []string{testAPI1, testAPI2}, []string{"read"})

	_, err := env.srv.RefreshSession(ctx, RefreshRequest{
		RefreshToken: pair.Token.RefreshToken,
		ClientID:     testPublicClientID,
		Resources:    []string{testAPI3},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("resource", ErrorCodeInvalidTarget))

	_, err = env.srv.RefreshSession(ctx, RefreshRequest{
		RefreshToken: pair.Token.RefreshToken,
		ClientID:     testPublicClientID,
		Scopes:       []string{"write"},
	})
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("scope", ErrorCodeInvalidScope))

	assert.Equal(t, storage.SessionStatusCreated, env.sessionStatus(t, pair.Session.ID))
	_, err = env.srv.RefreshSession(ctx, refreshReq(pair))
	assert.NoError(t, err)
}

func TestRefreshSession_ExpiredTokenExpiresSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pair, _ := env.issue(t, nil, nil)

	env.clock.Advance(DefaultRefreshTokenTTL + time.Hour)
	_, err := env.srv.RefreshSession(ctx, refreshReq(pair))
	var ige *InvalidGrantError
	require.ErrorAs(t, err, &ige)
	assert.Contains(t, ige.Reason, claims.ErrTokenExpired.Error())

	assert.Equal(t, storage.SessionStatusExpired, env.sessionStatus(t, pair.Session.ID))
}

func TestRefreshSession_WithinClockSkew(t *testing.T) {
	env := newTestEnv(t)
	pair, _ := env.issue(t, nil, nil)

	env.clock.Advance(DefaultRefreshTokenTTL + DefaultClockSkewGracePeriod - time.Second)
	_, err := env.srv.RefreshSession(context.Background(), refreshReq(pair))
	assert.NoError(t, err)
}

func TestRefreshSession_UnusableTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, _ := env.issue(t, nil, nil)
	foreign := newTestEnv(t)
	foreignPair, _ := foreign.issue(t, nil, nil)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"signed by another key", foreignPair.Token.RefreshToken},
		{"access token presented as refresh token", pair.Token.AccessToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.RefreshSession(ctx, RefreshRequest{RefreshToken: tt.token, ClientID: testPublicClientID})
			assert.ErrorIs(t, err, ErrInvalidGrant)
		})
	}

	assert.Equal(t, storage.SessionStatusCreated, env.sessionStatus(t, pair.Session.ID))
}

// A correctly signed refresh token whose audience was altered is an ordinary
// invalid grant and does not rotate the session.
func TestRefreshSession_RejectsForeignAudience(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pair, _ := env.issue(t, []string{testAPI1}, nil)

	tests := []struct {
		name string
		aud  claims.Audience
	}{
		{"foreign audience", claims.Audience{"https://evil.example.net"}},
		{"resource outside the grant", claims.Audience{testAPI2}},
		{"grant resource plus foreign audience", claims.Audience{testAPI1, "https://evil.example.net"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			presented, err := claims.RefreshFromToken(env.srv.codec, pair.Token.RefreshToken)
			require.NoError(t, err)
			presented.Audience = tt.aud
			forged, err := env.srv.codec.Encode(presented.Map(), presented.ExpiresAt)
			require.NoError(t, err)

			_, err = env.srv.RefreshSession(ctx, RefreshRequest{RefreshToken: forged, ClientID: testPublicClientID})
			var ige *InvalidGrantError
			require.ErrorAs(t, err, &ige)
			assert.Contains(t, ige.Reason, "audience")
		})
	}

	assert.Equal(t, storage.SessionStatusCreated, env.sessionStatus(t, pair.Session.ID))

	// The untouched token still rotates.
	_, err := env.srv.RefreshSession(ctx, refreshReq(pair))
	require.NoError(t, err)
}

func TestRefreshSession_DefaultAudienceAccepted(t *testing.T) {
	env := newTestEnv(t)
	pair, _ := env.issue(t, nil, nil)

	presented, err := claims.RefreshFromToken(env.srv.codec, pair.Token.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, claims.Audience{testAudience}, presented.Audience)

	_, err = env.srv.RefreshSession(context.Background(), refreshReq(pair))
	require.NoError(t, err)
}

func TestRefresh_MismatchedSessionIsIntegrityError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, _ := env.issue(t, nil, nil)
	b, _ := env.issue(t, nil, nil)

	presented, err := claims.RefreshFromToken(env.srv.codec, b.Token.RefreshToken)
	require.NoError(t, err)

	_, err = env.srv.Refresh(ctx, a.Session, presented, testPublicClientID, nil, nil)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "refresh", ie.Op)

	assert.Equal(t, storage.SessionStatusCreated, env.sessionStatus(t, a.Session.ID))
	assert.Equal(t, storage.SessionStatusCreated, env.sessionStatus(t, b.Session.ID))
}

// Two refreshes racing on the same token: exactly one rotation can commit
// and the loser is treated as reuse, which leaves no session active.
func TestRefreshSession_ConcurrentRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pair, grant := env.issue(t, nil, nil)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	start := make(chan struct{})
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = env.srv.RefreshSession(ctx, refreshReq(pair))
		}()
	}
	close(start)
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		var rse *RevokedSessionError
		assert.True(t, errors.As(err, &rse), "unexpected error %v", err)
	}
	assert.LessOrEqual(t, successes, 1)

	sessions, err := env.store.ListSessions(ctx, grant.ID)
	require.NoError(t, err)
	active := 0
	for _, s := range sessions {
		if s.Status == storage.SessionStatusCreated {
			active++
		}
	}
	assert.LessOrEqual(t, active, 1)
	if successes == 1 && attempts > 1 {
		assert.Zero(t, active, "reuse detection must revoke the winner's session")
	}
}

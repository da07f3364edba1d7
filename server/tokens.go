package server

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-core/storage"
)

// TokenPair is the result of a redemption or a refresh.
type TokenPair struct {
	// Token carries the access token, refresh token, type and expiry.
	Token *oauth2.Token

	// Scope is the space-joined effective scope, empty when none applies.
	Scope string

	// Resources are the effective resource indicators.
	Resources []string

	// Session is the newly created session.
	Session *storage.Session
}

// Scopes returns the effective scopes as a list.
func (p *TokenPair) Scopes() []string { return strings.Fields(p.Scope) }

// prepareSession issues a token pair for grant and returns it together with
// an uncommitted mutation that creates its session. The caller adds its own
// steps (redeeming the grant, rotating the previous session) and applies the
// mutation; nothing is persisted here.
func (s *Server) prepareSession(grant *storage.Grant, client ResolvedClient, resources, scopes []string) (*TokenPair, *storage.Mutation, error) {
	now := s.now()
	accessTTL := client.AccessTokenDuration()
	refreshTTL := client.RefreshTokenDuration()

	access := s.claims.NewAccess(now.Add(accessTTL), grant.UserID, client.PublicID(), resources, scopes)
	refresh := s.claims.NewRefresh(now.Add(refreshTTL), resources, scopes)

	accessToken, err := s.codec.Encode(access.Map(), access.ExpiresAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode access token: %w", err)
	}
	refreshToken, err := s.codec.Encode(refresh.Map(), refresh.ExpiresAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode refresh token: %w", err)
	}

	session := &storage.Session{
		ID:              uuid.NewString(),
		GrantID:         grant.ID,
		AccessTokenJTI:  access.ID,
		RefreshTokenJTI: refresh.ID,
		Status:          storage.SessionStatusCreated,
		ExpiresAt:       refresh.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	pair := &TokenPair{
		Token: &oauth2.Token{
			AccessToken:  accessToken,
			TokenType:    "Bearer",
			RefreshToken: refreshToken,
			Expiry:       access.ExpiresAt,
			ExpiresIn:    int64(accessTTL.Seconds()),
		},
		Scope:     access.Scope(),
		Resources: slices.Clone(resources),
		Session:   session,
	}
	return pair, (&storage.Mutation{At: now}).Create(session), nil
}

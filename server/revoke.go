package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-oauth-core/claims"
	"github.com/giantswarm/mcp-oauth-core/instrumentation"
	"github.com/giantswarm/mcp-oauth-core/storage"
)

// ErrUnauthorizedClient is returned by RevokeForToken when the token was
// issued to a different client than the one revoking it.
var ErrUnauthorizedClient = errors.New("token was issued to another client")

// RevokeSelfAndActiveSession revokes session and the grant's active session
// in one mutation. Revoking an already revoked session is not an error.
func (s *Server) RevokeSelfAndActiveSession(ctx context.Context, session *storage.Session) error {
	ctx, span := s.tracer.Start(ctx, "oauth.session.revoke")
	defer span.End()
	span.SetAttributes(
		attribute.String(instrumentation.AttrSessionID, session.ID),
		attribute.String(instrumentation.AttrGrantID, session.GrantID),
		attribute.String(instrumentation.AttrRevocationTrigger, revokeTriggerExplicit),
	)

	ids := []string{session.ID}
	active, err := s.store.GetActiveSession(ctx, session.GrantID)
	switch {
	case err == nil:
		ids = append(ids, active.ID)
	case !errors.Is(err, storage.ErrSessionNotFound):
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to look up active session: %w", err)
	}

	revoked, err := s.revokeSessions(ctx, ids...)
	if err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}

	var userID, clientID string
	if grant, err := s.store.GetGrantByID(ctx, session.GrantID); err == nil {
		userID, clientID = grant.UserID, grant.ClientRef()
	}
	s.metrics.RecordSessionRevoked(ctx, revokeTriggerExplicit, len(revoked))
	s.Auditor.LogSessionRevoked(userID, clientID, revoked)
	s.Logger.Info("Sessions revoked", "grant_id", session.GrantID, "session_ids", revoked)

	instrumentation.SetSpanSuccess(span)
	return nil
}

// RevokeForToken revokes the session that issued token, which may be an
// access or a refresh token (RFC 7009). Tokens that cannot be decoded or are
// unknown are ignored. When clientID is non-empty the token must have been
// issued to that client.
func (s *Server) RevokeForToken(ctx context.Context, token, clientID string) error {
	m, err := s.codec.Decode(token)
	if err != nil {
		s.Logger.Debug("Ignoring revocation of undecodable token", "error", err)
		return nil
	}

	var session *storage.Session
	if _, isAccess := m[claims.ClaimSubject]; isAccess {
		c, err := claims.AccessFromMap(m)
		if err != nil {
			return nil
		}
		session, err = s.lookupSession(ctx, s.store.GetSessionByAccessJTI, c.ID)
		if err != nil || session == nil {
			return err
		}
	} else {
		c, err := claims.RefreshFromMap(m)
		if err != nil {
			return nil
		}
		session, err = s.lookupSession(ctx, s.store.GetSessionByRefreshJTI, c.ID)
		if err != nil || session == nil {
			return err
		}
	}

	if clientID != "" {
		grant, err := s.store.GetGrantByID(ctx, session.GrantID)
		if err != nil {
			if errors.Is(err, storage.ErrGrantNotFound) {
				return nil
			}
			return fmt.Errorf("failed to load grant: %w", err)
		}
		if grant.ClientRef() != clientID {
			s.Logger.Warn("Client attempted to revoke another client's token",
				"session_id", session.ID,
				"client_id", clientID)
			return ErrUnauthorizedClient
		}
	}
	return s.RevokeSelfAndActiveSession(ctx, session)
}

// RevokeForAccessToken revokes the session that issued the access token
// described by c. An unknown token is not an error.
func (s *Server) RevokeForAccessToken(ctx context.Context, c *claims.Access) error {
	session, err := s.lookupSession(ctx, s.store.GetSessionByAccessJTI, c.ID)
	if err != nil || session == nil {
		return err
	}
	return s.RevokeSelfAndActiveSession(ctx, session)
}

// RevokeForRefreshToken revokes the session that issued the refresh token
// described by c. An unknown token is not an error.
func (s *Server) RevokeForRefreshToken(ctx context.Context, c *claims.Refresh) error {
	session, err := s.lookupSession(ctx, s.store.GetSessionByRefreshJTI, c.ID)
	if err != nil || session == nil {
		return err
	}
	return s.RevokeSelfAndActiveSession(ctx, session)
}

// lookupSession returns nil, nil when no session matches jti.
func (s *Server) lookupSession(ctx context.Context, get func(context.Context, string) (*storage.Session, error), jti string) (*storage.Session, error) {
	session, err := get(ctx, jti)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

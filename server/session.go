package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-oauth-core/claims"
	"github.com/giantswarm/mcp-oauth-core/instrumentation"
	"github.com/giantswarm/mcp-oauth-core/internal/util"
	"github.com/giantswarm/mcp-oauth-core/security"
	"github.com/giantswarm/mcp-oauth-core/storage"
)

// Revocation triggers, also used as the metric attribute.
const (
	revokeTriggerReuse    = "reuse_detected"
	revokeTriggerExplicit = "explicit"
)

// RefreshRequest is a refresh_token token request.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string

	// Resources and Scopes optionally narrow what was granted.
	Resources []string
	Scopes    []string
}

// RefreshSession decodes the presented refresh token, finds the session that
// issued it and rotates it. See Refresh.
func (s *Server) RefreshSession(ctx context.Context, req RefreshRequest) (*TokenPair, error) {
	presented, err := claims.RefreshFromToken(s.codec, req.RefreshToken)
	if err != nil {
		s.Logger.Debug("Refresh token could not be decoded", "error", err)
		return nil, invalidGrant("refresh token is malformed or has an invalid signature")
	}

	session, err := s.store.GetSessionByRefreshJTI(ctx, presented.ID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, invalidGrant("refresh token is not recognised")
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s.Refresh(ctx, session, presented, req.ClientID, req.Resources, req.Scopes)
}

// Refresh rotates session: the session moves from created to refreshed and a
// new session with fresh token identifiers is created in the same mutation.
//
// Presenting the refresh token of a session that is no longer created, or
// presenting it as a different client, is treated as token theft: the
// grant's active session and session itself are revoked together and a
// *RevokedSessionError is returned.
func (s *Server) Refresh(ctx context.Context, session *storage.Session, presented *claims.Refresh, clientID string, resources, scopes []string) (*TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.session.refresh")
	defer span.End()
	span.SetAttributes(
		attribute.String(instrumentation.AttrSessionID, session.ID),
		attribute.String(instrumentation.AttrGrantID, session.GrantID),
		attribute.String(instrumentation.AttrClientID, clientID),
	)

	if presented.ID != session.RefreshTokenJTI {
		err := &IntegrityError{
			Op:     "refresh",
			Detail: fmt.Sprintf("session %s does not own refresh token %s", session.ID, presented.ID),
		}
		s.Logger.Error("Refresh token does not belong to the session it was looked up by",
			"session_id", session.ID,
			"jti", presented.ID)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	grant, err := s.store.GetGrantByID(ctx, session.GrantID)
	if err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			err = &IntegrityError{Op: "refresh", Detail: fmt.Sprintf("session %s has no grant", session.ID)}
			s.Logger.Error("Session references a missing grant", "session_id", session.ID, "grant_id", session.GrantID)
		}
		instrumentation.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String(instrumentation.AttrUserID, grant.UserID))

	if err := presented.Validate(s.now(), s.Config.Issuer, s.Config.ClockSkewGracePeriod); err != nil {
		if errors.Is(err, claims.ErrTokenExpired) && session.Status == storage.SessionStatusCreated {
			s.expireSession(ctx, grant, session)
		}
		instrumentation.RecordError(span, err)
		return nil, invalidGrant("refresh token: %v", err)
	}
	if !presented.Audience.Within(append(slices.Clone(grant.Resources), s.Config.DefaultAudience)) {
		err := invalidGrant("refresh token audience %v was not issued for this grant", []string(presented.Audience))
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if session.Status != storage.SessionStatusCreated {
		err := s.revokeOnReuse(ctx, grant, session, clientID, fmt.Sprintf("refresh token presented for %s session", session.Status))
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if clientID != grant.ClientRef() {
		err := s.revokeOnReuse(ctx, grant, session, clientID, "refresh token presented by another client")
		instrumentation.RecordError(span, err)
		return nil, err
	}

	var v Validation
	s.resources.ValidateRequest(resources, grant.Resources, &v)
	s.scopes.ValidateRequest(scopes, grant.Scopes, &v)
	if verr := v.Err(); verr != nil {
		s.recordValidationFailure(ctx, verr)
		instrumentation.RecordError(span, verr)
		return nil, verr
	}

	client, err := s.ResolveClient(ctx, grant.ClientRef())
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	effectiveResources := s.resources.Effective(resources, grant.Resources)
	effectiveScopes := s.scopes.Effective(scopes, grant.Scopes)

	pair, mutation, err := s.prepareSession(grant, client, effectiveResources, effectiveScopes)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	mutation.Transition(session.ID, storage.SessionStatusRefreshed, storage.SessionStatusCreated)

	if err := s.store.Apply(ctx, mutation); err != nil {
		if errors.Is(err, storage.ErrSessionConflict) || errors.Is(err, storage.ErrActiveSessionExists) {
			// Another request rotated or revoked the session first.
			current, gerr := s.store.GetSession(ctx, session.ID)
			if gerr != nil {
				current = session
			}
			err = s.revokeOnReuse(ctx, grant, current, clientID, "concurrent refresh of the same session")
			instrumentation.RecordError(span, err)
			return nil, err
		}
		s.Logger.Error("Failed to commit refresh rotation", "session_id", session.ID, "error", err)
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to rotate session: %w", err)
	}

	downscoped := len(effectiveResources) < len(grant.Resources) || len(effectiveScopes) < len(grant.Scopes)
	s.metrics.RecordSessionRefreshed(ctx, downscoped)
	s.Auditor.LogTokenRefreshed(grant.UserID, clientID, session.ID, pair.Session.ID)
	s.Logger.Info("Refresh token rotated",
		"grant_id", grant.ID,
		"from_session_id", session.ID,
		"to_session_id", pair.Session.ID,
		"downscoped", downscoped)

	span.SetAttributes(attribute.Bool(instrumentation.AttrDownscoped, downscoped))
	instrumentation.SetSpanSuccess(span)
	return pair, nil
}

// revokeOnReuse revokes the grant's active session, or target when there is
// none, together with target, and returns the *RevokedSessionError that
// reports it. A failed commit is joined to the returned error; the reuse
// signal is never dropped.
func (s *Server) revokeOnReuse(ctx context.Context, grant *storage.Grant, target *storage.Session, clientID, reason string) error {
	active, err := s.store.GetActiveSession(ctx, grant.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrSessionNotFound) {
			s.Logger.Error("Failed to look up active session", "grant_id", grant.ID, "error", err)
		}
		active = target
	}

	revoked, applyErr := s.revokeSessions(ctx, active.ID, target.ID)

	// A rotation that committed between the lookup and the revocation leaves
	// a new active session behind.
	if applyErr == nil {
		if again, err := s.store.GetActiveSession(ctx, grant.ID); err == nil {
			more, err := s.revokeSessions(ctx, again.ID)
			revoked = append(revoked, more...)
			applyErr = err
		}
	}

	rse := &RevokedSessionError{
		ClientID:           clientID,
		RefreshedSessionID: target.ID,
		RevokedSessionID:   active.ID,
		UserID:             grant.UserID,
	}

	s.metrics.RecordSessionReuseDetected(ctx)
	s.metrics.RecordSessionRevoked(ctx, revokeTriggerReuse, len(revoked))
	s.Auditor.LogRefreshTokenReuse(grant.UserID, clientID, target.ID, active.ID, reason)
	s.Logger.Error("SECURITY: Refresh token reuse detected, sessions revoked",
		"grant_id", grant.ID,
		"client_id", util.SafeTruncate(clientID, 256),
		"refreshed_session_id", target.ID,
		"revoked_session_id", active.ID,
		"revoked", len(revoked),
		"reason", reason)

	if applyErr != nil {
		s.Logger.Error("Failed to revoke sessions after refresh token reuse", "grant_id", grant.ID, "error", applyErr)
		return errors.Join(rse, fmt.Errorf("failed to revoke sessions: %w", applyErr))
	}
	return rse
}

// revokeSessions revokes every distinct id in one mutation and returns the
// revoked ids.
func (s *Server) revokeSessions(ctx context.Context, ids ...string) ([]string, error) {
	ids = util.Dedupe(ids)
	mutation := &storage.Mutation{At: s.now()}
	for _, id := range ids {
		mutation.Transition(id, storage.SessionStatusRevoked)
	}
	if err := s.store.Apply(ctx, mutation); err != nil {
		return nil, err
	}
	return ids, nil
}

// expireSession marks a created session whose refresh token expired. A
// concurrent change of the session wins.
func (s *Server) expireSession(ctx context.Context, grant *storage.Grant, session *storage.Session) {
	mutation := (&storage.Mutation{At: s.now()}).
		Transition(session.ID, storage.SessionStatusExpired, storage.SessionStatusCreated)
	if err := s.store.Apply(ctx, mutation); err != nil {
		if !errors.Is(err, storage.ErrSessionConflict) {
			s.Logger.Warn("Failed to mark session expired", "session_id", session.ID, "error", err)
		}
		return
	}
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventSessionExpired,
		UserID:   grant.UserID,
		ClientID: grant.ClientRef(),
		Details:  map[string]any{"session_id": session.ID},
	})
}

package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-core/instrumentation"
	"github.com/giantswarm/mcp-oauth-core/internal/util"
	"github.com/giantswarm/mcp-oauth-core/security"
	"github.com/giantswarm/mcp-oauth-core/storage"
)

// GrantRequest is an approved authorization request.
type GrantRequest struct {
	UserID   string
	ClientID string

	// RedirectURI may be omitted by a confidential client with exactly one
	// registered redirect URI. The grant then records no redirect URI.
	RedirectURI string

	CodeChallenge       string
	CodeChallengeMethod string

	Resources []string
	Scopes    []string
}

// CreateGrant records a pending authorization grant after the user approved
// the request. The returned grant's PublicID is the authorization code.
func (s *Server) CreateGrant(ctx context.Context, req GrantRequest) (*storage.Grant, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.grant.create")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.UserID, "")

	client, err := s.ResolveClient(ctx, req.ClientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	var v Validation
	if req.UserID == "" {
		v.Add("user_id", ErrorCodeInvalidRequest, "user is required")
	}
	validateAuthorizeRedirect(client, req.RedirectURI, &v)
	validateAuthorizeChallenge(client, req.CodeChallenge, req.CodeChallengeMethod, &v)
	s.resources.ValidateAuthorize(req.Resources, &v)
	s.scopes.ValidateAuthorize(req.Scopes, &v)
	if verr := v.Err(); verr != nil {
		s.recordValidationFailure(ctx, verr)
		instrumentation.RecordError(span, verr)
		return nil, verr
	}

	now := s.now()
	grant := &storage.Grant{
		ID:                  uuid.NewString(),
		PublicID:            oauth2.GenerateVerifier(),
		UserID:              req.UserID,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
		Resources:           s.resources.Canonical(req.Resources),
		Scopes:              s.scopes.Canonical(req.Scopes),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		RedirectURI:         req.RedirectURI,
		CreatedAt:           now,
	}
	if client.Source() == ClientSourceURL {
		grant.ClientURL = client.PublicID()
	} else {
		grant.ClientID = client.PublicID()
	}

	if err := s.store.SaveGrant(ctx, grant); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save grant: %w", err)
	}

	s.metrics.RecordGrantCreated(ctx, string(client.Source()))
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventGrantCreated,
		UserID:   grant.UserID,
		ClientID: client.PublicID(),
		Details: map[string]any{
			"grant_id":  grant.ID,
			"resources": grant.Resources,
			"scopes":    grant.Scopes,
		},
	})
	span.SetAttributes(attribute.String(instrumentation.AttrGrantID, grant.ID))
	instrumentation.SetSpanSuccess(span)
	return grant, nil
}

func validateAuthorizeRedirect(client ResolvedClient, redirectURI string, v *Validation) {
	switch {
	case redirectURI != "":
		if !client.HasRedirectURI(redirectURI) {
			v.Add("redirect_uri", ErrorCodeInvalidRequest, "redirect_uri is not registered for this client")
		}
	case client.IsPublic():
		v.Add("redirect_uri", ErrorCodeInvalidRequest, "redirect_uri is required")
	case len(client.RedirectURIs()) != 1:
		v.Add("redirect_uri", ErrorCodeInvalidRequest, "redirect_uri is required when several are registered")
	}
}

// validateAuthorizeChallenge enforces S256 as the only PKCE method. A public
// client must send a challenge.
func validateAuthorizeChallenge(client ResolvedClient, challenge, method string, v *Validation) {
	if challenge == "" {
		switch {
		case method != "":
			v.Add("code_challenge", ErrorCodeInvalidRequest, "code_challenge_method without code_challenge")
		case client.IsPublic():
			v.Add("code_challenge", ErrorCodeInvalidRequest, "code_challenge is required for public clients")
		}
		return
	}
	if method != PKCEMethodS256 {
		v.Add("code_challenge_method", ErrorCodeInvalidRequest, "code_challenge_method must be %s", PKCEMethodS256)
	}
	if raw, err := base64.RawURLEncoding.DecodeString(challenge); err != nil || len(raw) != 32 {
		v.Add("code_challenge", ErrorCodeInvalidRequest, "code_challenge is not a base64url SHA-256 digest")
	}
}

// RedeemRequest is an authorization_code token request.
type RedeemRequest struct {
	Code         string
	ClientID     string
	CodeVerifier string
	RedirectURI  string

	// Resources and Scopes optionally narrow what was granted.
	Resources []string
	Scopes    []string
}

// RedeemGrant exchanges an authorization code for a token pair. A grant is
// redeemed at most once: the redeemed flag and the first session are
// committed in one mutation, so concurrent attempts yield exactly one
// success. A failed commit leaves the grant pending.
func (s *Server) RedeemGrant(ctx context.Context, req RedeemRequest) (*TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.grant.redeem")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", "")

	grant, err := s.store.GetGrant(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			return nil, s.redemptionFailed(ctx, span, "", req.ClientID, "not_found", invalidGrant("authorization code not found"))
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}
	span.SetAttributes(attribute.String(instrumentation.AttrGrantID, grant.ID))

	if grant.Redeemed {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventGrantReuseAttempt,
			UserID:   grant.UserID,
			ClientID: req.ClientID,
			Details: map[string]any{
				"grant_id": grant.ID,
				"severity": security.SeverityHigh,
			},
		})
		s.Logger.Warn("Authorization code reuse attempt",
			"grant_id", grant.ID,
			"client_id", util.SafeTruncate(req.ClientID, 256))
		return nil, s.redemptionFailed(ctx, span, grant.UserID, req.ClientID, "already_redeemed", invalidGrant("authorization code already redeemed"))
	}
	if s.now().After(grant.ExpiresAt) {
		return nil, s.redemptionFailed(ctx, span, grant.UserID, req.ClientID, "expired", invalidGrant("authorization code expired"))
	}

	client, err := s.ResolveClient(ctx, grant.ClientRef())
	if err != nil {
		return nil, s.redemptionFailed(ctx, span, grant.UserID, req.ClientID, "client_not_found", err)
	}
	if req.ClientID != client.PublicID() {
		return nil, s.redemptionFailed(ctx, span, grant.UserID, req.ClientID, "client_mismatch", invalidGrant("authorization code was issued to another client"))
	}

	var v Validation
	v.Merge(ValidateCodeExchange(grant, client, req.CodeVerifier, req.RedirectURI, s.now()))
	s.resources.ValidateRequest(req.Resources, grant.Resources, &v)
	s.scopes.ValidateRequest(req.Scopes, grant.Scopes, &v)
	if verr := v.Err(); verr != nil {
		s.recordValidationFailure(ctx, verr)
		return nil, s.redemptionFailed(ctx, span, grant.UserID, req.ClientID, "validation", verr)
	}

	resources := s.resources.Effective(req.Resources, grant.Resources)
	scopes := s.scopes.Effective(req.Scopes, grant.Scopes)

	pair, mutation, err := s.prepareSession(grant, client, resources, scopes)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	mutation.RedeemGrant(grant.ID)

	if err := s.store.Apply(ctx, mutation); err != nil {
		if errors.Is(err, storage.ErrGrantRedeemed) {
			return nil, s.redemptionFailed(ctx, span, grant.UserID, req.ClientID, "already_redeemed", invalidGrant("authorization code already redeemed"))
		}
		s.Logger.Error("Failed to commit grant redemption", "grant_id", grant.ID, "error", err)
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to redeem grant: %w", err)
	}

	s.metrics.RecordGrantRedeemed(ctx, string(client.Source()))
	s.Auditor.LogGrantRedeemed(grant.UserID, client.PublicID(), grant.ID, pair.Session.ID)
	s.Logger.Info("Authorization code redeemed",
		"grant_id", grant.ID,
		"session_id", pair.Session.ID,
		"client_id", util.SafeTruncate(client.PublicID(), 256),
		"scope", pair.Scope)

	span.SetAttributes(
		attribute.String(instrumentation.AttrSessionID, pair.Session.ID),
		attribute.StringSlice(instrumentation.AttrResource, resources),
		attribute.String(instrumentation.AttrScope, pair.Scope),
	)
	instrumentation.SetSpanSuccess(span)
	return pair, nil
}

// redemptionFailed records a rejected redemption and returns err unchanged.
func (s *Server) redemptionFailed(ctx context.Context, span trace.Span, userID, clientID, reason string, err error) error {
	s.metrics.RecordGrantRedemptionFailed(ctx, reason)
	s.Auditor.LogRedemptionFailed(userID, clientID, reason)
	s.Logger.Debug("Authorization code redemption failed",
		"client_id", util.SafeTruncate(clientID, 256),
		"reason", reason,
		"error", err)
	span.SetAttributes(attribute.String(instrumentation.AttrReason, reason))
	instrumentation.RecordError(span, err)
	return err
}

// recordValidationFailure counts each field error under its policy.
func (s *Server) recordValidationFailure(ctx context.Context, verr *ValidationError) {
	for _, fe := range verr.Errors {
		switch fe.Field {
		case "resource", "scope":
			s.metrics.RecordPolicyValidationFailed(ctx, fe.Field, fe.Code)
		case "code_verifier", "code_challenge", "code_challenge_method", "redirect_uri":
			s.metrics.RecordPKCEValidationFailed(ctx, fe.Field)
		}
	}
}

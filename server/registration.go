package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-core/internal/util"
	"github.com/giantswarm/mcp-oauth-core/security"
	"github.com/giantswarm/mcp-oauth-core/storage"
)

// ClientRegistration describes a client to add to the registry.
type ClientRegistration struct {
	Name string

	// Type is storage.ClientTypePublic (default) or storage.ClientTypeConfidential.
	Type string

	RedirectURIs []string

	// TokenEndpointAuthMethod defaults to "none" for public clients and
	// client_secret_basic for confidential ones.
	TokenEndpointAuthMethod string

	// Scope is the space-separated scope the client may request.
	Scope string

	// Zero durations fall back to the server configuration.
	AccessTokenDuration  time.Duration
	RefreshTokenDuration time.Duration
}

// RegisterClient validates reg and stores a new registered client. For a
// confidential client the returned secret is the only time it is handed out;
// it can be derived again with ClientSecret.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	clientType := reg.Type
	if clientType == "" {
		clientType = storage.ClientTypePublic
	}
	confidential := clientType == storage.ClientTypeConfidential

	var v Validation
	authMethod := reg.TokenEndpointAuthMethod
	switch clientType {
	case storage.ClientTypePublic:
		if authMethod == "" {
			authMethod = storage.TokenEndpointAuthMethodNone
		}
		if authMethod != storage.TokenEndpointAuthMethodNone {
			v.Add("token_endpoint_auth_method", ErrorCodeInvalidClientMetadata, "public clients must use %q", storage.TokenEndpointAuthMethodNone)
		}
	case storage.ClientTypeConfidential:
		if authMethod == "" {
			authMethod = storage.TokenEndpointAuthMethodBasic
		}
		if authMethod != storage.TokenEndpointAuthMethodBasic && authMethod != storage.TokenEndpointAuthMethodPost {
			v.Add("token_endpoint_auth_method", ErrorCodeInvalidClientMetadata, "unsupported token_endpoint_auth_method %q", authMethod)
		}
	default:
		v.Add("client_type", ErrorCodeInvalidClientMetadata, "unknown client type %q", clientType)
	}

	if len(reg.RedirectURIs) == 0 {
		v.Add("redirect_uris", ErrorCodeInvalidRedirectURI, "at least one redirect URI is required")
	}
	for _, uri := range reg.RedirectURIs {
		if err := validateRegisteredRedirectURI(uri, !confidential); err != nil {
			var secErr *RedirectURISecurityError
			if errors.As(err, &secErr) {
				s.Logger.Warn("Rejected redirect URI at client registration",
					"category", secErr.Category,
					"uri", secErr.URI)
			}
			v.Add("redirect_uris", ErrorCodeInvalidRedirectURI, "%v", err)
		}
	}

	if reg.Scope != "" {
		s.scopes.ValidateAuthorize(strings.Fields(reg.Scope), &v)
	}
	if reg.AccessTokenDuration < 0 || reg.RefreshTokenDuration < 0 {
		v.Add("token_duration", ErrorCodeInvalidClientMetadata, "token durations must not be negative")
	}
	if confidential && s.secrets == nil {
		return nil, "", fmt.Errorf("cannot register confidential client: %w", security.ErrNoSecretKeys)
	}
	if verr := v.Err(); verr != nil {
		return nil, "", verr
	}

	client := &storage.Client{
		PublicID:                uuid.NewString(),
		Name:                    reg.Name,
		Type:                    clientType,
		RedirectURIs:            util.Dedupe(reg.RedirectURIs),
		TokenEndpointAuthMethod: authMethod,
		Scope:                   reg.Scope,
		AccessTokenDuration:     reg.AccessTokenDuration,
		RefreshTokenDuration:    reg.RefreshTokenDuration,
		CreatedAt:               s.now(),
	}
	var secret string
	if confidential {
		client.SecretID = oauth2.GenerateVerifier()
		secret = s.secrets.Derive(client.SecretID)
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventClientRegistered,
		ClientID: client.PublicID,
		Details: map[string]any{
			"client_type":   clientType,
			"redirect_uris": len(client.RedirectURIs),
		},
	})
	s.Logger.Info("Registered client",
		"client_id", client.PublicID,
		"client_type", clientType,
		"client_name", util.SafeTruncate(client.Name, 64))
	return client, secret, nil
}

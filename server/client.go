package server

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/mcp-oauth-core/security"
	"github.com/giantswarm/mcp-oauth-core/storage"
)

// ClientSource tells where a resolved client came from.
type ClientSource string

const (
	// ClientSourceRegistry is a client stored in the ClientStore.
	ClientSourceRegistry ClientSource = "registry"
	// ClientSourceURL is a client described by a fetched metadata document.
	ClientSourceURL ClientSource = "url"
)

// ResolvedClient is the capability surface shared by registered clients and
// clients identified by a metadata document URL.
type ResolvedClient interface {
	PublicID() string
	Name() string
	Source() ClientSource

	IsPublic() bool
	IsConfidential() bool
	TokenEndpointAuthMethod() string

	HasRedirectURI(uri string) bool
	// PrimaryRedirectURI is the first registered redirect URI.
	PrimaryRedirectURI() string
	RedirectURIs() []string

	AccessTokenDuration() time.Duration
	RefreshTokenDuration() time.Duration

	// AuthenticateSecret reports whether secret is this client's secret.
	// Always false for public clients.
	AuthenticateSecret(secret string) bool

	Scope() string
}

// tokenDurations are the server-wide fallbacks for per-client lifetimes.
type tokenDurations struct {
	access  time.Duration
	refresh time.Duration
}

// RegisteredClient is a client from the registry.
type RegisteredClient struct {
	client    *storage.Client
	durations tokenDurations
	secrets   *security.SecretDeriver
}

var _ ResolvedClient = (*RegisteredClient)(nil)

func newRegisteredClient(c *storage.Client, d tokenDurations, secrets *security.SecretDeriver) *RegisteredClient {
	return &RegisteredClient{client: c, durations: d, secrets: secrets}
}

// Client returns a copy of the stored record.
func (c *RegisteredClient) Client() *storage.Client { return c.client.Clone() }

// PublicID returns the registry key the client authenticates as.
func (c *RegisteredClient) PublicID() string { return c.client.PublicID }

// Name returns the human-readable client name.
func (c *RegisteredClient) Name() string { return c.client.Name }

// Source returns ClientSourceRegistry.
func (c *RegisteredClient) Source() ClientSource { return ClientSourceRegistry }

// Scope returns the space-separated scopes recorded at registration.
func (c *RegisteredClient) Scope() string { return c.client.Scope }

// IsPublic reports whether the client has no secret. Records without a
// type are public.
func (c *RegisteredClient) IsPublic() bool {
	return c.client.Type != storage.ClientTypeConfidential
}

// IsConfidential reports whether the client authenticates with a secret.
func (c *RegisteredClient) IsConfidential() bool {
	return c.client.Type == storage.ClientTypeConfidential
}

// TokenEndpointAuthMethod returns the registered method, defaulting to
// client_secret_basic for confidential clients and none otherwise.
func (c *RegisteredClient) TokenEndpointAuthMethod() string {
	if c.client.TokenEndpointAuthMethod != "" {
		return c.client.TokenEndpointAuthMethod
	}
	if c.IsConfidential() {
		return storage.TokenEndpointAuthMethodBasic
	}
	return storage.TokenEndpointAuthMethodNone
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *RegisteredClient) HasRedirectURI(uri string) bool {
	return slices.Contains(c.client.RedirectURIs, uri)
}

// PrimaryRedirectURI returns the first registered redirect URI, or "".
func (c *RegisteredClient) PrimaryRedirectURI() string {
	if len(c.client.RedirectURIs) == 0 {
		return ""
	}
	return c.client.RedirectURIs[0]
}

// RedirectURIs returns a copy of the registered redirect URIs.
func (c *RegisteredClient) RedirectURIs() []string { return slices.Clone(c.client.RedirectURIs) }

// AccessTokenDuration returns the client's access token lifetime, falling
// back to the server default.
func (c *RegisteredClient) AccessTokenDuration() time.Duration {
	if c.client.AccessTokenDuration > 0 {
		return c.client.AccessTokenDuration
	}
	return c.durations.access
}

// RefreshTokenDuration returns the client's refresh token lifetime, falling
// back to the server default.
func (c *RegisteredClient) RefreshTokenDuration() time.Duration {
	if c.client.RefreshTokenDuration > 0 {
		return c.client.RefreshTokenDuration
	}
	return c.durations.refresh
}

// AuthenticateSecret verifies secret against the key versions the server
// holds. Public clients and clients without a secret id never authenticate.
func (c *RegisteredClient) AuthenticateSecret(secret string) bool {
	if !c.IsConfidential() || c.secrets == nil || c.client.SecretID == "" {
		return false
	}
	return c.secrets.Verify(c.client.SecretID, secret)
}

// URLClient is a client described by a metadata document fetched from its
// client_id URL. It is always public and never persisted.
type URLClient struct {
	metadata  *ClientMetadata
	durations tokenDurations
}

var _ ResolvedClient = (*URLClient)(nil)

func newURLClient(m *ClientMetadata, d tokenDurations) *URLClient {
	return &URLClient{metadata: m, durations: d}
}

// Metadata returns the parsed metadata document.
func (c *URLClient) Metadata() ClientMetadata { return *c.metadata }

// PublicID returns the client_id URL.
func (c *URLClient) PublicID() string { return c.metadata.ClientID }

// Name returns the document's client_name.
func (c *URLClient) Name() string { return c.metadata.ClientName }

// Source returns ClientSourceURL.
func (c *URLClient) Source() ClientSource { return ClientSourceURL }

// Scope returns the document's scope, if any.
func (c *URLClient) Scope() string { return c.metadata.Scope }

// IsPublic always returns true.
func (c *URLClient) IsPublic() bool { return true }

// IsConfidential always returns false.
func (c *URLClient) IsConfidential() bool { return false }

// TokenEndpointAuthMethod always returns none.
func (c *URLClient) TokenEndpointAuthMethod() string { return storage.TokenEndpointAuthMethodNone }

// AuthenticateSecret always returns false; URL clients hold no secret.
func (c *URLClient) AuthenticateSecret(string) bool { return false }

// AccessTokenDuration returns the server default access token lifetime.
func (c *URLClient) AccessTokenDuration() time.Duration { return c.durations.access }

// RefreshTokenDuration returns the server default refresh token lifetime.
func (c *URLClient) RefreshTokenDuration() time.Duration { return c.durations.refresh }

// HasRedirectURI reports whether uri exactly matches one in the document.
func (c *URLClient) HasRedirectURI(uri string) bool {
	return slices.Contains(c.metadata.RedirectURIs, uri)
}

// PrimaryRedirectURI returns the document's first redirect URI, or "".
func (c *URLClient) PrimaryRedirectURI() string {
	if len(c.metadata.RedirectURIs) == 0 {
		return ""
	}
	return c.metadata.RedirectURIs[0]
}

// RedirectURIs returns a copy of the document's redirect URIs.
func (c *URLClient) RedirectURIs() []string { return slices.Clone(c.metadata.RedirectURIs) }

// AuthenticateClient resolves clientID and, for confidential clients,
// checks the presented secret. Public clients authenticate with an empty
// secret only. Every failure is a *ClientNotFoundError so callers cannot
// tell an unknown client from a wrong secret.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, secret string) (ResolvedClient, error) {
	client, err := s.ResolveClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	var cause error
	switch {
	case client.IsConfidential() && !client.AuthenticateSecret(secret):
		cause = fmt.Errorf("client secret mismatch")
	case client.IsPublic() && secret != "":
		cause = fmt.Errorf("public client presented a secret")
	}
	if cause != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventClientAuthFailure,
			ClientID: clientID,
			Details:  map[string]any{"reason": cause.Error()},
		})
		s.Logger.Debug("Client authentication failed", "client_id", clientID, "reason", cause)
		return nil, clientNotFound(clientID, cause)
	}
	return client, nil
}

// ClientSecret returns the secret a confidential client authenticates with.
// It is derived on demand and never stored.
func (s *Server) ClientSecret(client *storage.Client) (string, error) {
	if client.Type != storage.ClientTypeConfidential {
		return "", fmt.Errorf("client %s is not confidential", client.PublicID)
	}
	if s.secrets == nil {
		return "", security.ErrNoSecretKeys
	}
	if client.SecretID == "" {
		return "", fmt.Errorf("client %s has no secret id", client.PublicID)
	}
	return s.secrets.Derive(client.SecretID), nil
}

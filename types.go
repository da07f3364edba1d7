package oauth

import (
	"slices"
	"time"

	"github.com/giantswarm/mcp-oauth-core/server"
	"github.com/giantswarm/mcp-oauth-core/storage"
)

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token (optional)
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}

// NewTokenResponse builds the token endpoint response for a freshly issued
// pair. ExpiresIn counts from now and is never negative.
func NewTokenResponse(pair *server.TokenPair, now time.Time) TokenResponse {
	resp := TokenResponse{
		AccessToken:  pair.Token.AccessToken,
		TokenType:    pair.Token.Type(),
		RefreshToken: pair.Token.RefreshToken,
		Scope:        pair.Scope,
	}
	if !pair.Token.Expiry.IsZero() {
		resp.ExpiresIn = max(int64(pair.Token.Expiry.Sub(now).Round(time.Second)/time.Second), 0)
	}
	return resp
}

// ==================== Authorization Server Metadata (RFC 8414) ====================

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL of the dynamic client registration endpoint (RFC 7591)
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// RevocationEndpoint is the URL of the OAuth 2.0 token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// ClientIDMetadataDocumentSupported indicates support for client ID metadata documents
	ClientIDMetadataDocumentSupported bool `json:"client_id_metadata_document_supported,omitempty"`
}

// Endpoints are the absolute URLs the host process serves the protocol on.
type Endpoints struct {
	Authorization string
	Token         string
	Registration  string
	Revocation    string
}

// NewAuthorizationServerMetadata describes what a server built from cfg
// supports. cfg should be the config returned by server.New's Config field
// so defaults are applied.
func NewAuthorizationServerMetadata(cfg *server.Config, ep Endpoints) AuthorizationServerMetadata {
	md := AuthorizationServerMetadata{
		Issuer:                 cfg.Issuer,
		AuthorizationEndpoint:  ep.Authorization,
		TokenEndpoint:          ep.Token,
		RegistrationEndpoint:   ep.Registration,
		RevocationEndpoint:     ep.Revocation,
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{
			storage.TokenEndpointAuthMethodNone,
			storage.TokenEndpointAuthMethodBasic,
			storage.TokenEndpointAuthMethodPost,
		},
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
		ClientIDMetadataDocumentSupported: cfg.EnableClientIDMetadataDocuments,
	}
	for scope := range cfg.Scopes {
		md.ScopesSupported = append(md.ScopesSupported, scope)
	}
	slices.Sort(md.ScopesSupported)
	return md
}

// ==================== Dynamic Client Registration (RFC 7591) Types ====================

// ClientRegistrationRequest represents a dynamic client registration request
type ClientRegistrationRequest struct {
	// RedirectURIs is the array of redirection URIs for use in redirect-based flows
	RedirectURIs []string `json:"redirect_uris,omitempty"`

	// TokenEndpointAuthMethod is the requested authentication method for the token endpoint
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// ClientName is the human-readable name of the client
	ClientName string `json:"client_name,omitempty"`

	// Scope is the space-separated list of scope values
	Scope string `json:"scope,omitempty"`

	// ClientType indicates if this is a "public" or "confidential" client
	// Public clients (mobile, SPA) can use "none" auth method
	// Confidential clients (server-side) must use client_secret_basic or client_secret_post
	ClientType string `json:"client_type,omitempty"`
}

// Registration converts the request for server.RegisterClient. A request
// that names a secret-based auth method without a client type registers a
// confidential client.
func (r *ClientRegistrationRequest) Registration() server.ClientRegistration {
	clientType := r.ClientType
	if clientType == "" {
		switch r.TokenEndpointAuthMethod {
		case storage.TokenEndpointAuthMethodBasic, storage.TokenEndpointAuthMethodPost:
			clientType = storage.ClientTypeConfidential
		}
	}
	return server.ClientRegistration{
		Name:                    r.ClientName,
		Type:                    clientType,
		RedirectURIs:            slices.Clone(r.RedirectURIs),
		TokenEndpointAuthMethod: r.TokenEndpointAuthMethod,
		Scope:                   r.Scope,
	}
}

// ClientRegistrationResponse represents a dynamic client registration response
type ClientRegistrationResponse struct {
	// ClientID is the unique client identifier
	ClientID string `json:"client_id"`

	// ClientSecret is the client secret (for confidential clients)
	ClientSecret string `json:"client_secret,omitempty"`

	// ClientIDIssuedAt is the time the client_id was issued
	ClientIDIssuedAt int64 `json:"client_id_issued_at,omitempty"`

	// ClientSecretExpiresAt is when the client_secret expires (0 = never)
	ClientSecretExpiresAt int64 `json:"client_secret_expires_at"`

	// RedirectURIs is the array of redirection URIs
	RedirectURIs []string `json:"redirect_uris,omitempty"`

	// TokenEndpointAuthMethod is the authentication method for the token endpoint
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// GrantTypes is the array of OAuth 2.0 grant types
	GrantTypes []string `json:"grant_types,omitempty"`

	// ResponseTypes is the array of OAuth 2.0 response types
	ResponseTypes []string `json:"response_types,omitempty"`

	// ClientName is the human-readable name of the client
	ClientName string `json:"client_name,omitempty"`

	// Scope is the space-separated list of scope values
	Scope string `json:"scope,omitempty"`

	// ClientType indicates if this is a "public" or "confidential" client
	ClientType string `json:"client_type,omitempty"`
}

// NewClientRegistrationResponse describes a client returned by
// server.RegisterClient. secret is empty for public clients.
func NewClientRegistrationResponse(c *storage.Client, secret string) ClientRegistrationResponse {
	return ClientRegistrationResponse{
		ClientID:                c.PublicID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        c.CreatedAt.Unix(),
		RedirectURIs:            slices.Clone(c.RedirectURIs),
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              c.Name,
		Scope:                   c.Scope,
		ClientType:              c.Type,
	}
}

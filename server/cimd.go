package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ClientMetadata is a client metadata document served from a URL client_id
// (draft-ietf-oauth-client-id-metadata-document).
type ClientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	Contacts                []string `json:"contacts,omitempty"`
}

// clientMetadataDocument adds the fields that only exist to be rejected.
type clientMetadataDocument struct {
	ClientMetadata
	ClientSecret          *string `json:"client_secret"`
	ClientSecretExpiresAt *int64  `json:"client_secret_expires_at"`
}

var (
	errClientIDURLPolicy  = errors.New("client_id URL rejected by policy")
	errHostNotAllowed     = errors.New("client_id host is not allowed")
	errInvalidClientMeta  = errors.New("invalid client metadata document")
	errMetadataRateLimit  = errors.New("client metadata fetch rate limit exceeded")
	errMetadataIDMismatch = errors.New("client metadata client_id does not match its URL")
)

// isURLClientID reports whether clientID is syntactically an HTTPS URL with
// a host. Whether it is acceptable is decided by validateClientIDURL.
func isURLClientID(clientID string) bool {
	if !strings.HasPrefix(clientID, "https://") {
		return false
	}
	u, err := url.Parse(clientID)
	return err == nil && u.Scheme == SchemeHTTPS && u.Host != ""
}

// validateClientIDURL applies the URL policy: HTTPS, a path other than "/",
// no fragment, no userinfo, a host outside the block list and, when an allow
// list is configured, inside it.
func validateClientIDURL(clientID string, allowedHosts, blockedHosts []string) (*url.URL, error) {
	u, err := url.Parse(clientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errClientIDURLPolicy, err)
	}
	switch {
	case u.Scheme != SchemeHTTPS:
		return nil, fmt.Errorf("%w: scheme must be https", errClientIDURLPolicy)
	case u.Host == "" || u.Hostname() == "":
		return nil, fmt.Errorf("%w: missing host", errClientIDURLPolicy)
	case u.Path == "" || u.Path == "/":
		return nil, fmt.Errorf("%w: path is required", errClientIDURLPolicy)
	case u.Fragment != "" || strings.Contains(clientID, "#"):
		return nil, fmt.Errorf("%w: fragment not allowed", errClientIDURLPolicy)
	case u.User != nil:
		return nil, fmt.Errorf("%w: userinfo not allowed", errClientIDURLPolicy)
	}

	host := strings.ToLower(u.Hostname())
	for _, pattern := range blockedHosts {
		if hostMatches(host, pattern) {
			return nil, fmt.Errorf("%w: %s is blocked", errHostNotAllowed, host)
		}
	}
	if len(allowedHosts) > 0 {
		allowed := false
		for _, pattern := range allowedHosts {
			if hostMatches(host, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s is not in the allow list", errHostNotAllowed, host)
		}
	}
	return u, nil
}

// hostMatches compares host with an exact pattern or a "*.suffix" wildcard.
// A wildcard matches subdomains only, not the bare suffix.
func hostMatches(host, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	host = strings.TrimSuffix(host, ".")
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}

// parseClientMetadata decodes a fetched document and applies the document
// policy for clientID.
func parseClientMetadata(clientID string, doc []byte) (*ClientMetadata, error) {
	var raw clientMetadataDocument
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidClientMeta, err)
	}

	if raw.ClientID != clientID {
		return nil, fmt.Errorf("%w: document contains %q", errMetadataIDMismatch, raw.ClientID)
	}
	if raw.ClientSecret != nil || raw.ClientSecretExpiresAt != nil {
		return nil, fmt.Errorf("%w: document must not contain a client secret", errInvalidClientMeta)
	}
	if len(raw.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: redirect_uris must not be empty", errInvalidClientMeta)
	}
	for _, uri := range raw.RedirectURIs {
		if err := validateHTTPRedirectURI(uri); err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidClientMeta, err)
		}
	}
	if m := raw.TokenEndpointAuthMethod; m != "" && m != "none" {
		return nil, fmt.Errorf("%w: token_endpoint_auth_method must be none", errInvalidClientMeta)
	}

	md := raw.ClientMetadata
	if len(md.GrantTypes) == 0 {
		md.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(md.ResponseTypes) == 0 {
		md.ResponseTypes = []string{"code"}
	}
	md.TokenEndpointAuthMethod = "none"
	return &md, nil
}

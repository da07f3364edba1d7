package server

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/giantswarm/mcp-oauth-core/internal/util"
)

// RedirectURISecurityError describes why a redirect URI was refused at
// client registration. Category is stable and suitable for metrics.
type RedirectURISecurityError struct {
	Category string
	URI      string
	Reason   string
}

func (e *RedirectURISecurityError) Error() string {
	return "redirect_uri: " + e.Reason
}

// Redirect URI rejection categories.
const (
	RedirectURIErrorCategoryInvalidFormat   = "invalid_format"
	RedirectURIErrorCategoryFragment        = "fragment_not_allowed"
	RedirectURIErrorCategoryBlockedScheme   = "blocked_scheme"
	RedirectURIErrorCategoryCustomScheme    = "custom_scheme_not_allowed"
	RedirectURIErrorCategoryHTTPNotAllowed  = "http_not_allowed"
	RedirectURIErrorCategoryPrivateIP       = "private_ip"
	RedirectURIErrorCategoryLinkLocal       = "link_local"
	RedirectURIErrorCategoryUnspecifiedAddr = "unspecified_address"
)

// blockedRedirectSchemes can execute content in the user agent.
var blockedRedirectSchemes = map[string]bool{
	"javascript": true,
	"data":       true,
	"vbscript":   true,
	"file":       true,
	"blob":       true,
	"about":      true,
}

// validateRegisteredRedirectURI applies the registration policy to one
// redirect URI:
//
//   - absolute, no fragment, no executable scheme
//   - http only on loopback hosts
//   - no private, link-local or unspecified IP literals
//   - private-use schemes (RFC 8252 Section 7.1) for public clients only
func validateRegisteredRedirectURI(redirectURI string, public bool) error {
	reject := func(category, format string, args ...any) error {
		return &RedirectURISecurityError{
			Category: category,
			URI:      sanitizeURIForLogging(redirectURI),
			Reason:   fmt.Sprintf(format, args...),
		}
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil || !parsed.IsAbs() {
		return reject(RedirectURIErrorCategoryInvalidFormat, "must be an absolute URI")
	}
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return reject(RedirectURIErrorCategoryFragment, "fragments are not allowed")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if blockedRedirectSchemes[scheme] {
		return reject(RedirectURIErrorCategoryBlockedScheme, "scheme %q is not allowed", scheme)
	}
	if scheme != SchemeHTTP && scheme != SchemeHTTPS {
		if !public {
			return reject(RedirectURIErrorCategoryCustomScheme, "confidential clients must use https")
		}
		return nil
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return reject(RedirectURIErrorCategoryInvalidFormat, "must include a host")
	}

	ip := net.ParseIP(hostname)
	if ip != nil && ip.IsUnspecified() {
		return reject(RedirectURIErrorCategoryUnspecifiedAddr, "unspecified addresses are not allowed")
	}
	if isLocalhostHostname(hostname) {
		return nil
	}
	if scheme == SchemeHTTP {
		return reject(RedirectURIErrorCategoryHTTPNotAllowed, "https is required for non-loopback hosts")
	}
	if ip != nil {
		switch {
		case ip.IsPrivate():
			return reject(RedirectURIErrorCategoryPrivateIP, "private IP addresses are not allowed")
		case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
			return reject(RedirectURIErrorCategoryLinkLocal, "link-local addresses are not allowed")
		}
	}
	return nil
}

// sanitizeURIForLogging drops query, fragment and userinfo.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return util.SafeTruncate(uri, 100)
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}

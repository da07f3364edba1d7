package server

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// scopeTokenPattern is the scope-token grammar of RFC 6749 Section 3.3:
// printable ASCII except space, double quote and backslash.
var scopeTokenPattern = regexp.MustCompile(`^[\x21\x23-\x5B\x5D-\x7E]+$`)

const oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"

// validateHTTPSEnforcement ensures the issuer is served over HTTPS.
//
// - HTTPS URLs: always allowed
// - HTTP on localhost: allowed with warning (development)
// - HTTP elsewhere: blocked unless AllowInsecureHTTP=true
func (s *Server) validateHTTPSEnforcement() error {
	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("DEVELOPMENT WARNING: Issuing tokens over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", oauth21SecurityBestPracticesURL)
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme, hostname)
	}

	s.Logger.Error("CRITICAL SECURITY WARNING: Issuer uses HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"learn_more", oauth21SecurityBestPracticesURL)
	return nil
}

// isLocalhostHostname reports whether hostname is localhost, 0.0.0.0, or a
// loopback address (the whole 127.0.0.0/8 range and ::1).
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	if ip := net.ParseIP(strings.Trim(hostname, "[]")); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateCodeVerifierSyntax checks RFC 7636 Section 4.1: 43 to 128
// characters from [A-Za-z0-9-._~].
func validateCodeVerifierSyntax(verifier string) error {
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}

// validateResourceSyntax checks RFC 8707 Section 2: an absolute URI without
// a fragment.
func validateResourceSyntax(resource string) error {
	u, err := url.Parse(resource)
	if err != nil {
		return fmt.Errorf("not a valid URI: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("must be an absolute URI")
	}
	if u.Fragment != "" || strings.Contains(resource, "#") {
		return fmt.Errorf("must not contain a fragment")
	}
	return nil
}

// validateHTTPRedirectURI checks a redirect URI taken from a client metadata
// document: absolute http(s) with a host and no fragment.
func validateHTTPRedirectURI(redirectURI string) error {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != SchemeHTTP && scheme != SchemeHTTPS {
		return fmt.Errorf("redirect_uri must use http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("redirect_uri must include a host")
	}
	if u.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}
	return nil
}

package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/giantswarm/mcp-oauth-core/security"
)

// Validate reports every inconsistency in the configuration at once.
// Call it after defaults are applied; New does both.
func (c *Config) Validate() error {
	var errs []error

	if c.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	} else if u, err := url.Parse(c.Issuer); err != nil || !u.IsAbs() || u.Host == "" {
		errs = append(errs, fmt.Errorf("issuer %q must be an absolute URL", c.Issuer))
	}

	if c.DefaultAudience == "" {
		errs = append(errs, errors.New("default audience is required"))
	} else if err := validateResourceSyntax(c.DefaultAudience); err != nil {
		errs = append(errs, fmt.Errorf("default audience: %w", err))
	}

	for uri := range c.Resources {
		if err := validateResourceSyntax(uri); err != nil {
			errs = append(errs, fmt.Errorf("resource %q: %w", uri, err))
		}
	}
	for scope := range c.Scopes {
		if !scopeTokenPattern.MatchString(scope) {
			errs = append(errs, fmt.Errorf("scope %q contains characters not allowed by RFC 6749", scope))
		}
	}
	if c.RequireResource && len(c.Resources) == 0 {
		errs = append(errs, errors.New("require_resource is set but no resources are configured"))
	}
	if c.RequireScope && len(c.Scopes) == 0 {
		errs = append(errs, errors.New("require_scope is set but no scopes are configured"))
	}

	for name, d := range map[string]int64{
		"authorization code ttl":          int64(c.AuthorizationCodeTTL),
		"access token ttl":                int64(c.AccessTokenTTL),
		"refresh token ttl":               int64(c.RefreshTokenTTL),
		"clock skew grace period":         int64(c.ClockSkewGracePeriod),
		"client metadata cache ttl":       int64(c.ClientMetadataCacheTTL),
		"client metadata fetch timeout":   int64(c.ClientMetadataFetchTimeout),
		"client metadata connect timeout": int64(c.ClientMetadataConnectTimeout),
		"client metadata max bytes":       c.ClientMetadataMaxBytes,
		"client metadata fetch burst":     int64(c.ClientMetadataFetchBurst),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.ClientMetadataFetchRate < 0 {
		errs = append(errs, errors.New("client metadata fetch rate must not be negative"))
	}

	for _, h := range c.ClientMetadataAllowedHosts {
		if err := validateHostPattern(h); err != nil {
			errs = append(errs, fmt.Errorf("allowed host: %w", err))
		}
	}
	for _, h := range c.ClientMetadataBlockedHosts {
		if err := validateHostPattern(h); err != nil {
			errs = append(errs, fmt.Errorf("blocked host: %w", err))
		}
	}

	for i, k := range c.ClientSecretKeys {
		if _, err := security.ParseSecretKey(k); err != nil {
			errs = append(errs, fmt.Errorf("client secret key %d: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// validateHostPattern accepts "host" or "*.suffix".
func validateHostPattern(pattern string) error {
	p := strings.TrimPrefix(pattern, "*.")
	switch {
	case p == "":
		return fmt.Errorf("empty host pattern %q", pattern)
	case strings.ContainsAny(p, "*/:@ "):
		return fmt.Errorf("invalid host pattern %q", pattern)
	}
	return nil
}

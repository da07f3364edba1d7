package server

import (
	"log/slog"
	"time"
)

// Default values applied by applySecureDefaults.
const (
	DefaultAuthorizationCodeTTL = 5 * time.Minute
	DefaultAccessTokenTTL       = time.Hour
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultClockSkewGracePeriod = 5 * time.Second

	DefaultClientMetadataCacheTTL       = 5 * time.Minute
	DefaultClientMetadataFetchTimeout   = 10 * time.Second
	DefaultClientMetadataConnectTimeout = 5 * time.Second
	DefaultClientMetadataMaxBytes       = 1 << 20
	DefaultClientMetadataFetchRate      = 1.0
	DefaultClientMetadataFetchBurst     = 5
)

// Config holds the token engine configuration. It is passed explicitly to New;
// no component reads process-wide state.
type Config struct {
	// Issuer is the "iss" claim of every issued token.
	Issuer string `yaml:"issuer" env:"ISSUER"`

	// AllowInsecureHTTP permits an http:// issuer outside localhost.
	// Default: false
	AllowInsecureHTTP bool `yaml:"allow_insecure_http" env:"ALLOW_INSECURE_HTTP"`

	// DefaultAudience is the "aud" claim when a token carries no resources.
	DefaultAudience string `yaml:"default_audience" env:"DEFAULT_AUDIENCE"`

	// Resources is the resource indicator allow-list (RFC 8707), mapping
	// resource URI to display name. Empty disables resource indicators:
	// any request naming a resource is rejected.
	Resources map[string]string `yaml:"resources" env:"RESOURCES" envKeyValSeparator:"="`

	// Scopes is the scope allow-list, mapping scope token to description.
	// Empty disables scopes in the same way.
	Scopes map[string]string `yaml:"scopes" env:"SCOPES" envKeyValSeparator:"="`

	// RequireResource rejects authorization requests that name no resource.
	RequireResource bool `yaml:"require_resource" env:"REQUIRE_RESOURCE"`

	// RequireScope rejects authorization requests that name no scope.
	RequireScope bool `yaml:"require_scope" env:"REQUIRE_SCOPE"`

	// AuthorizationCodeTTL is the fixed lifetime of a grant.
	// Default: 5 minutes
	AuthorizationCodeTTL time.Duration `yaml:"authorization_code_ttl" env:"AUTHORIZATION_CODE_TTL"`

	// AccessTokenTTL and RefreshTokenTTL are the fallbacks for clients that
	// do not carry their own durations.
	// Default: 1 hour and 30 days
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL"`

	// ClockSkewGracePeriod is the leeway applied to presented token claims.
	// Grant expiry is never extended by it.
	// Default: 5 seconds
	ClockSkewGracePeriod time.Duration `yaml:"clock_skew_grace_period" env:"CLOCK_SKEW_GRACE_PERIOD"`

	// EnableClientIDMetadataDocuments lets clients identify themselves with an
	// HTTPS URL that serves their metadata document.
	// Default: false
	EnableClientIDMetadataDocuments bool `yaml:"enable_client_id_metadata_documents" env:"ENABLE_CLIENT_ID_METADATA_DOCUMENTS"`

	// ClientMetadataAllowedHosts, when non-empty, is the only set of hosts
	// metadata documents are fetched from. Entries are exact hosts or
	// "*.suffix" wildcards (subdomains only).
	ClientMetadataAllowedHosts []string `yaml:"client_metadata_allowed_hosts" env:"CLIENT_METADATA_ALLOWED_HOSTS" envSeparator:","`

	// ClientMetadataBlockedHosts are never fetched from. Same syntax.
	ClientMetadataBlockedHosts []string `yaml:"client_metadata_blocked_hosts" env:"CLIENT_METADATA_BLOCKED_HOSTS" envSeparator:","`

	// ClientMetadataCacheTTL is how long a fetched document is served from cache.
	// Default: 5 minutes
	ClientMetadataCacheTTL time.Duration `yaml:"client_metadata_cache_ttl" env:"CLIENT_METADATA_CACHE_TTL"`

	// ClientMetadataFetchTimeout bounds a whole metadata fetch.
	// Default: 10 seconds
	ClientMetadataFetchTimeout time.Duration `yaml:"client_metadata_fetch_timeout" env:"CLIENT_METADATA_FETCH_TIMEOUT"`

	// ClientMetadataConnectTimeout bounds the TCP connect and the wait for
	// response headers.
	// Default: 5 seconds
	ClientMetadataConnectTimeout time.Duration `yaml:"client_metadata_connect_timeout" env:"CLIENT_METADATA_CONNECT_TIMEOUT"`

	// ClientMetadataMaxBytes caps the size of a metadata document.
	// Default: 1 MiB
	ClientMetadataMaxBytes int64 `yaml:"client_metadata_max_bytes" env:"CLIENT_METADATA_MAX_BYTES"`

	// ClientMetadataFetchRate is the per-host fetch rate in requests per
	// second, with ClientMetadataFetchBurst as the bucket size.
	// Default: 1 per second, burst 5
	ClientMetadataFetchRate  float64 `yaml:"client_metadata_fetch_rate" env:"CLIENT_METADATA_FETCH_RATE"`
	ClientMetadataFetchBurst int     `yaml:"client_metadata_fetch_burst" env:"CLIENT_METADATA_FETCH_BURST"`

	// ClientSecretKeys are the server keys confidential client secrets are
	// derived from, as "version:base64key", newest first. Older versions keep
	// verifying until removed.
	ClientSecretKeys []string `yaml:"client_secret_keys" env:"CLIENT_SECRET_KEYS" envSeparator:","`
}

// applySecureDefaults fills zero values and logs warnings for weak settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applyClientMetadataDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = DefaultClockSkewGracePeriod
	}
}

func applyClientMetadataDefaults(config *Config) {
	if config.ClientMetadataCacheTTL == 0 {
		config.ClientMetadataCacheTTL = DefaultClientMetadataCacheTTL
	}
	if config.ClientMetadataFetchTimeout == 0 {
		config.ClientMetadataFetchTimeout = DefaultClientMetadataFetchTimeout
	}
	if config.ClientMetadataConnectTimeout == 0 {
		config.ClientMetadataConnectTimeout = DefaultClientMetadataConnectTimeout
	}
	if config.ClientMetadataMaxBytes == 0 {
		config.ClientMetadataMaxBytes = DefaultClientMetadataMaxBytes
	}
	if config.ClientMetadataFetchRate == 0 {
		config.ClientMetadataFetchRate = DefaultClientMetadataFetchRate
	}
	if config.ClientMetadataFetchBurst == 0 {
		config.ClientMetadataFetchBurst = DefaultClientMetadataFetchBurst
	}
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.EnableClientIDMetadataDocuments && len(config.ClientMetadataAllowedHosts) == 0 {
		logger.Warn("SECURITY NOTICE: Client ID metadata documents are fetched from any public host",
			"risk", "Any internet host can act as a client registration",
			"recommendation", "Set ClientMetadataAllowedHosts to the domains you trust")
	}
	if config.RefreshTokenTTL > 90*24*time.Hour {
		logger.Warn("SECURITY WARNING: Refresh token lifetime exceeds 90 days",
			"refresh_token_ttl", config.RefreshTokenTTL,
			"risk", "Long-lived refresh tokens widen the window for token theft",
			"recommendation", "Keep RefreshTokenTTL at or below 90 days")
	}
	if config.AuthorizationCodeTTL > 10*time.Minute {
		logger.Warn("SECURITY WARNING: Authorization code lifetime exceeds 10 minutes",
			"authorization_code_ttl", config.AuthorizationCodeTTL,
			"risk", "Authorization code interception",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc6749#section-4.1.2")
	}
	if len(config.ClientSecretKeys) == 0 {
		logger.Warn("CONFIGURATION WARNING: ClientSecretKeys not configured",
			"risk", "Confidential clients cannot authenticate",
			"recommendation", "Set ClientSecretKeys to at least one version:base64 key")
	}
}

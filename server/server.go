package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/giantswarm/mcp-oauth-core/claims"
	"github.com/giantswarm/mcp-oauth-core/instrumentation"
	"github.com/giantswarm/mcp-oauth-core/security"
	"github.com/giantswarm/mcp-oauth-core/storage"
)

// Server is the token engine: grant creation and redemption, refresh
// rotation with reuse detection, revocation, and client resolution.
// It holds no per-request state and is safe for concurrent use.
type Server struct {
	store   storage.Store
	codec   claims.Codec
	claims  claims.Settings
	secrets *security.SecretDeriver

	resources *policy
	scopes    *policy

	fetcher      *ssrfFetcher
	fetchLimiter *security.RateLimiter
	metadata     *metadataCache

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	metrics         *instrumentation.Metrics
	tracer          trace.Tracer

	Logger *slog.Logger
	Config *Config

	now func() time.Time
}

// New creates a token engine. The config is completed with defaults,
// validated, and must not be modified afterwards.
func New(store storage.Store, codec claims.Codec, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("claims codec is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	srv := &Server{
		store:     store,
		codec:     codec,
		resources: newResourcePolicy(config),
		scopes:    newScopePolicy(config),
		Logger:    logger,
		Config:    config,
		now:       time.Now,
	}
	srv.claims = claims.Settings{
		Issuer:          config.Issuer,
		DefaultAudience: config.DefaultAudience,
		Now:             func() time.Time { return srv.now() },
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	if len(config.ClientSecretKeys) > 0 {
		keys := make([]security.SecretKey, 0, len(config.ClientSecretKeys))
		for _, raw := range config.ClientSecretKeys {
			k, err := security.ParseSecretKey(raw)
			if err != nil {
				return nil, err
			}
			keys = append(keys, k)
		}
		secrets, err := security.NewSecretDeriver(keys...)
		if err != nil {
			return nil, fmt.Errorf("invalid client secret keys: %w", err)
		}
		srv.secrets = secrets
	}

	// Noop instrumentation until SetInstrumentation is called.
	inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	srv.setInstrumentation(inst)

	srv.SetFetcherOptions(FetcherOptions{})
	if config.EnableClientIDMetadataDocuments {
		srv.fetchLimiter = security.NewRateLimiter(rate.Limit(config.ClientMetadataFetchRate), config.ClientMetadataFetchBurst, logger)
	}
	srv.metadata = &metadataCache{
		store:   store,
		ttl:     config.ClientMetadataCacheTTL,
		timeout: config.ClientMetadataFetchTimeout,
		now:     func() time.Time { return srv.now() },
		fetch:   srv.fetchClientMetadata,
		onLookup: func(ctx context.Context, result string) {
			srv.metrics.RecordMetadataCacheLookup(ctx, result)
		},
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	aud.SetInstrumentation(s.Instrumentation)
}

// SetInstrumentation enables metrics and tracing. It also registers the
// fetch limiter gauge.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	if inst == nil {
		return nil
	}
	s.setInstrumentation(inst)
	s.Auditor.SetInstrumentation(inst)
	if s.fetchLimiter != nil {
		limiter := s.fetchLimiter
		if err := inst.RegisterRateLimiterCallback(func() int64 { return int64(limiter.Len()) }); err != nil {
			return fmt.Errorf("failed to register rate limiter metrics: %w", err)
		}
	}
	return nil
}

func (s *Server) setInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// SetFetcherOptions replaces the metadata fetcher. Unset timeouts and size
// limits come from the config.
func (s *Server) SetFetcherOptions(opts FetcherOptions) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = s.Config.ClientMetadataConnectTimeout
	}
	if opts.Timeout == 0 {
		opts.Timeout = s.Config.ClientMetadataFetchTimeout
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = s.Config.ClientMetadataMaxBytes
	}
	s.fetcher = newSSRFFetcher(opts)
	if s.metadata != nil {
		s.metadata.timeout = opts.Timeout
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	if s.fetchLimiter != nil {
		s.fetchLimiter.Stop()
	}
}

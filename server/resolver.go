package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-oauth-core/instrumentation"
	"github.com/giantswarm/mcp-oauth-core/internal/util"
	"github.com/giantswarm/mcp-oauth-core/security"
)

// ResolveClient returns the acting client for clientID. An HTTPS URL is
// resolved through its metadata document when client ID metadata documents
// are enabled; anything else is looked up in the client registry.
//
// Every failure is a *ClientNotFoundError. The underlying reason is logged
// but never returned, so a caller cannot tell a blocked host from a
// malformed document or a private address.
func (s *Server) ResolveClient(ctx context.Context, clientID string) (ResolvedClient, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.client.resolve")
	defer span.End()

	source := ClientSourceRegistry
	if s.Config.EnableClientIDMetadataDocuments && isURLClientID(clientID) {
		source = ClientSourceURL
	}
	span.SetAttributes(
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrClientSource, string(source)),
	)

	var client ResolvedClient
	var err error
	if source == ClientSourceURL {
		client, err = s.resolveURLClient(ctx, clientID)
	} else {
		client, err = s.resolveRegisteredClient(ctx, clientID)
	}

	s.metrics.RecordClientResolved(ctx, string(source), err == nil)
	if err != nil {
		var cnf *ClientNotFoundError
		if !errors.As(err, &cnf) {
			cnf = clientNotFound(clientID, err)
		}
		s.Logger.Debug("Client resolution failed",
			"client_id", util.SafeTruncate(clientID, 256),
			"source", source,
			"reason", cnf.Cause())
		instrumentation.RecordError(span, cnf)
		return nil, cnf
	}
	instrumentation.SetSpanSuccess(span)
	return client, nil
}

func (s *Server) resolveRegisteredClient(ctx context.Context, clientID string) (ResolvedClient, error) {
	if clientID == "" {
		return nil, clientNotFound(clientID, errors.New("empty client id"))
	}
	c, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, clientNotFound(clientID, err)
	}
	return newRegisteredClient(c, s.durations(), s.secrets), nil
}

func (s *Server) resolveURLClient(ctx context.Context, clientID string) (ResolvedClient, error) {
	if _, err := validateClientIDURL(clientID, s.Config.ClientMetadataAllowedHosts, s.Config.ClientMetadataBlockedHosts); err != nil {
		s.metrics.RecordMetadataFetchBlocked(ctx, "url_policy")
		s.Auditor.LogClientMetadataBlocked(clientID, err.Error())
		return nil, clientNotFound(clientID, err)
	}

	md, err := s.metadata.Get(ctx, clientID)
	if err != nil {
		return nil, clientNotFound(clientID, err)
	}
	return newURLClient(md, s.durations()), nil
}

// fetchClientMetadata is the cache's fetch step: per-host rate limit, the
// SSRF-safe fetch, then the document policy.
func (s *Server) fetchClientMetadata(ctx context.Context, clientID string) ([]byte, *ClientMetadata, error) {
	host := hostOf(clientID)
	if s.fetchLimiter != nil && !s.fetchLimiter.Allow(host) {
		s.metrics.RecordRateLimitExceeded(ctx, "client_metadata_fetch")
		s.Logger.Warn("Client metadata fetch rate limit exceeded", "host", host)
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventRateLimitExceeded,
			ClientID: clientID,
			Details:  map[string]any{"limiter": "client_metadata_fetch", "host": host},
		})
		return nil, nil, fmt.Errorf("%w for %s", errMetadataRateLimit, host)
	}

	start := time.Now()
	doc, err := s.fetcher.Fetch(ctx, clientID)
	s.metrics.RecordMetadataFetch(ctx, err == nil, float64(time.Since(start).Milliseconds()))
	if err != nil {
		if errors.Is(err, errBlockedAddress) || errors.Is(err, errNoAddresses) {
			s.metrics.RecordMetadataFetchBlocked(ctx, "private_address")
			s.Auditor.LogClientMetadataBlocked(clientID, err.Error())
		}
		return nil, nil, err
	}

	md, err := parseClientMetadata(clientID, doc)
	if err != nil {
		s.metrics.RecordMetadataFetchBlocked(ctx, "document_policy")
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventClientMetadataInvalid,
			ClientID: clientID,
			Details:  map[string]any{"reason": err.Error()},
		})
		return nil, nil, err
	}

	s.Auditor.LogClientMetadataFetched(clientID, md.ClientName, len(md.RedirectURIs))
	s.Logger.Info("Fetched client metadata from URL",
		"client_id", clientID,
		"client_name", md.ClientName,
		"redirect_uris", len(md.RedirectURIs))
	return doc, md, nil
}

// CleanupClientMetadataCache removes expired metadata documents.
func (s *Server) CleanupClientMetadataCache(ctx context.Context) (int, error) {
	n, err := s.metadata.Cleanup(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up client metadata cache: %w", err)
	}
	if n > 0 {
		s.Logger.Debug("Removed expired client metadata", "count", n)
	}
	return n, nil
}

func hostOf(clientID string) string {
	rest := strings.TrimPrefix(clientID, "https://")
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}

func (s *Server) durations() tokenDurations {
	return tokenDurations{access: s.Config.AccessTokenTTL, refresh: s.Config.RefreshTokenTTL}
}

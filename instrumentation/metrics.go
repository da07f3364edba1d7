package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the token engine
type Metrics struct {
	// Grant Metrics
	GrantCreated           metric.Int64Counter
	GrantRedeemed          metric.Int64Counter
	GrantRedemptionFailed  metric.Int64Counter
	PKCEValidationFailed   metric.Int64Counter
	PolicyValidationFailed metric.Int64Counter

	// Session Metrics
	SessionRefreshed     metric.Int64Counter
	SessionReuseDetected metric.Int64Counter
	SessionRevoked       metric.Int64Counter

	// Client Resolution Metrics
	ClientResolved         metric.Int64Counter
	MetadataCacheLookups   metric.Int64Counter
	MetadataFetchBlocked   metric.Int64Counter
	MetadataFetchDuration  metric.Float64Histogram
	RateLimitExceeded      metric.Int64Counter
	RateLimitActiveLimiter metric.Int64ObservableGauge

	// Storage Metrics
	StorageOperationTotal      metric.Int64Counter
	StorageOperationDuration   metric.Float64Histogram
	StorageGrantsCount         metric.Int64ObservableGauge
	StorageSessionsCount       metric.Int64ObservableGauge
	StorageActiveSessionsCount metric.Int64ObservableGauge
	StorageClientsCount        metric.Int64ObservableGauge
	StorageMetadataCount       metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter
}

type counterSpec struct {
	dst         *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

type gaugeSpec struct {
	dst         *metric.Int64ObservableGauge
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	serverMeter := inst.Meter("server")
	storageMeter := inst.Meter("storage")
	securityMeter := inst.Meter("security")

	counters := []counterSpec{
		{&m.GrantCreated, serverMeter, "oauth.grant.created", "Number of authorization grants created", "{grant}"},
		{&m.GrantRedeemed, serverMeter, "oauth.grant.redeemed", "Number of authorization grants redeemed", "{grant}"},
		{&m.GrantRedemptionFailed, serverMeter, "oauth.grant.redemption_failed", "Number of failed grant redemptions", "{attempt}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.pkce.validation_failed", "Number of PKCE or redirect URI validation failures", "{failure}"},
		{&m.PolicyValidationFailed, serverMeter, "oauth.policy.validation_failed", "Number of resource or scope policy rejections", "{failure}"},
		{&m.SessionRefreshed, serverMeter, "oauth.session.refreshed", "Number of sessions rotated by refresh", "{session}"},
		{&m.SessionReuseDetected, securityMeter, "oauth.session.reuse_detected", "Number of refresh token replays detected", "{event}"},
		{&m.SessionRevoked, serverMeter, "oauth.session.revoked", "Number of sessions revoked", "{session}"},
		{&m.ClientResolved, serverMeter, "oauth.client.resolved", "Number of client resolutions", "{resolution}"},
		{&m.MetadataCacheLookups, serverMeter, "oauth.client_metadata.cache", "Client metadata cache lookups by result", "{lookup}"},
		{&m.MetadataFetchBlocked, securityMeter, "oauth.client_metadata.fetch_blocked", "Client metadata fetches blocked by URL or network policy", "{fetch}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.rate_limit.exceeded", "Number of rate limit rejections", "{request}"},
		{&m.StorageOperationTotal, storageMeter, "oauth.storage.operation.total", "Total number of storage operations", "{operation}"},
		{&m.AuditEventsTotal, securityMeter, "oauth.audit.events.total", "Total number of audit events", "{event}"},
	}

	var err error
	for _, c := range counters {
		*c.dst, err = c.meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.MetadataFetchDuration, err = serverMeter.Float64Histogram(
		"oauth.client_metadata.fetch.duration",
		metric.WithDescription("Client metadata document fetch duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client_metadata.fetch.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.RateLimitActiveLimiter, err = securityMeter.Int64ObservableGauge(
		"oauth.rate_limit.active_limiters",
		metric.WithDescription("Number of active per-host rate limiters"),
		metric.WithUnit("{limiter}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.active_limiters gauge: %w", err)
	}

	gauges := []gaugeSpec{
		{&m.StorageGrantsCount, "oauth.storage.grants.count", "Number of stored authorization grants", "{grant}"},
		{&m.StorageSessionsCount, "oauth.storage.sessions.count", "Number of stored sessions", "{session}"},
		{&m.StorageActiveSessionsCount, "oauth.storage.sessions.active", "Number of sessions in created status", "{session}"},
		{&m.StorageClientsCount, "oauth.storage.clients.count", "Number of registered clients", "{client}"},
		{&m.StorageMetadataCount, "oauth.storage.client_metadata.count", "Number of cached client metadata documents", "{document}"},
	}
	for _, g := range gauges {
		*g.dst, err = storageMeter.Int64ObservableGauge(g.name, metric.WithDescription(g.description), metric.WithUnit(g.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	return m, nil
}

// RecordGrantCreated records a new pending authorization grant
func (m *Metrics) RecordGrantCreated(ctx context.Context, clientSource string) {
	m.GrantCreated.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientSource, clientSource)))
}

// RecordGrantRedeemed records a successful grant redemption
func (m *Metrics) RecordGrantRedeemed(ctx context.Context, clientSource string) {
	m.GrantRedeemed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientSource, clientSource)))
}

// RecordGrantRedemptionFailed records a rejected redemption with its reason
func (m *Metrics) RecordGrantRedemptionFailed(ctx context.Context, reason string) {
	m.GrantRedemptionFailed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrReason, reason)))
}

// RecordPKCEValidationFailed records a PKCE or redirect URI validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, field string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrField, field)))
}

// RecordPolicyValidationFailed records a resource or scope policy rejection
func (m *Metrics) RecordPolicyValidationFailed(ctx context.Context, policy, code string) {
	m.PolicyValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrPolicy, policy),
		attribute.String(AttrError, code),
	))
}

// RecordSessionRefreshed records a successful refresh rotation
func (m *Metrics) RecordSessionRefreshed(ctx context.Context, downscoped bool) {
	m.SessionRefreshed.Add(ctx, 1, metric.WithAttributes(attribute.Bool(AttrDownscoped, downscoped)))
}

// RecordSessionReuseDetected records a refresh token replay (theft signal)
func (m *Metrics) RecordSessionReuseDetected(ctx context.Context) {
	m.SessionReuseDetected.Add(ctx, 1)
}

// RecordSessionRevoked records revoked sessions by trigger
func (m *Metrics) RecordSessionRevoked(ctx context.Context, trigger string, count int) {
	m.SessionRevoked.Add(ctx, int64(count), metric.WithAttributes(attribute.String(AttrRevocationTrigger, trigger)))
}

// RecordClientResolved records a client resolution by source and result
func (m *Metrics) RecordClientResolved(ctx context.Context, source string, success bool) {
	m.ClientResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientSource, source),
		attribute.Bool(AttrSuccess, success),
	))
}

// RecordMetadataCacheLookup records a metadata cache hit or miss
func (m *Metrics) RecordMetadataCacheLookup(ctx context.Context, result string) {
	m.MetadataCacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrCacheResult, result)))
}

// RecordMetadataFetchBlocked records a metadata fetch blocked by policy
func (m *Metrics) RecordMetadataFetchBlocked(ctx context.Context, reason string) {
	m.MetadataFetchBlocked.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrReason, reason)))
}

// RecordMetadataFetch records the duration of an outbound metadata fetch
func (m *Metrics) RecordMetadataFetch(ctx context.Context, success bool, durationMs float64) {
	m.MetadataFetchDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.Bool(AttrSuccess, success)))
}

// RecordRateLimitExceeded records a rate limit rejection
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrRateLimiterType, limiterType)))
}

// RecordStorageOperation records a storage operation with its result and duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordAuditEvent records an audit event by type
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrAuditEventType, eventType)))
}

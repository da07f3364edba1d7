package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span and metric attribute keys
//
// SECURITY WARNING: Never record actual credential values (access tokens,
// refresh tokens, authorization codes, client secrets, code verifiers) in
// traces or metrics. Only record metadata such as identifiers of sessions,
// token types and validation results.
const (
	// OAuth flow attributes - SAFE to use for metadata only
	AttrClientID     = "oauth.client_id"     // Client identifier (non-secret)
	AttrClientSource = "oauth.client.source" // "registry" or "url"
	AttrUserID       = "oauth.user_id"       // User identifier (non-secret)
	AttrScope        = "oauth.scope"         // Effective scopes
	AttrResource     = "oauth.resource"      // Effective resource indicators
	AttrGrantID      = "oauth.grant.id"      // Internal grant identifier
	AttrSessionID    = "oauth.session.id"    // Session identifier
	AttrDownscoped   = "oauth.downscoped"    // Whether the request narrowed the grant
	AttrField        = "oauth.field"         // Request field a validation error refers to
	AttrPolicy       = "oauth.policy"        // "resource" or "scope"
	AttrError        = "oauth.error"         // OAuth error code
	AttrReason       = "oauth.reason"        // Internal failure reason
	AttrSuccess      = "oauth.success"       // Boolean result

	AttrRevocationTrigger = "oauth.revocation.trigger" // "theft", "explicit"
	AttrCacheResult       = "oauth.cache.result"       // "hit", "miss", "expired"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrAuditEventType  = "security.audit.event_type"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

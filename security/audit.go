package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/mcp-oauth-core/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetInstrumentation counts every emitted event in oauth.audit.events.total.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if a != nil && inst != nil {
		a.metrics = inst.Metrics()
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()

	level := slog.LevelInfo
	if sev, ok := event.Details["severity"].(string); ok && (sev == SeverityCritical || sev == SeverityHigh) {
		level = slog.LevelWarn
	}

	a.logger.Log(context.Background(), level, "security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(context.Background(), event.Type)
	}
}

// Severity values used in Event.Details["severity"].
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
)

// LogGrantRedeemed logs a successful authorization code exchange
func (a *Auditor) LogGrantRedeemed(userID, clientID, grantID, sessionID string) {
	a.LogEvent(Event{
		Type:     EventGrantRedeemed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"grant_id":   grantID,
			"session_id": sessionID,
		},
	})
}

// LogRedemptionFailed logs a rejected authorization code exchange
func (a *Auditor) LogRedemptionFailed(userID, clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventGrantRedemptionFailed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogTokenRefreshed logs a refresh rotation
func (a *Auditor) LogTokenRefreshed(userID, clientID, fromSessionID, toSessionID string) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"from_session_id": fromSessionID,
			"to_session_id":   toSessionID,
		},
	})
}

// LogRefreshTokenReuse logs a detected refresh token replay
func (a *Auditor) LogRefreshTokenReuse(userID, clientID, refreshedSessionID, revokedSessionID, reason string) {
	a.LogEvent(Event{
		Type:     EventRefreshTokenReuseDetected,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"severity":             SeverityCritical,
			"reason":               reason,
			"refreshed_session_id": refreshedSessionID,
			"revoked_session_id":   revokedSessionID,
			"action":               "active_session_revoked",
		},
	})
}

// LogSessionRevoked logs an explicit revocation
func (a *Auditor) LogSessionRevoked(userID, clientID string, sessionIDs []string) {
	a.LogEvent(Event{
		Type:     EventSessionRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"session_ids": sessionIDs,
		},
	})
}

// LogClientMetadataBlocked logs a client metadata URL rejected by policy
func (a *Auditor) LogClientMetadataBlocked(clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventClientMetadataBlocked,
		ClientID: clientID,
		Details: map[string]any{
			"severity": SeverityHigh,
			"reason":   reason,
		},
	})
}

// LogClientMetadataFetched logs a successful client metadata fetch
func (a *Auditor) LogClientMetadataFetched(clientID, clientName string, redirectURICount int) {
	a.LogEvent(Event{
		Type:     EventClientMetadataFetched,
		ClientID: clientID,
		Details: map[string]any{
			"client_name":        clientName,
			"redirect_uri_count": redirectURICount,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

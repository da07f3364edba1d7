// Package security provides the security primitives used by the token engine:
// audit logging with hashed user identifiers, a keyed rate limiter for
// outbound client metadata fetches, clock-skew aware expiry checks, and
// derivation of confidential client secrets from rotatable server keys.
//
// # Audit Logging
//
// Auditor writes "security_audit" records through log/slog. Events whose
// Details carry severity "critical" or "high" (refresh token replay, blocked
// metadata URLs) are logged at warn level so they reach alerting.
//
//	auditor := security.NewAuditor(logger, true)
//	auditor.LogRefreshTokenReuse(userID, clientID, refreshedID, revokedID, "session_not_active")
//
// # Rate Limiting
//
// RateLimiter is a token bucket per key with LRU eviction, bounded by
// DefaultRateLimiterMaxEntries keys:
//
//	limiter := security.NewRateLimiter(rate.Every(6*time.Second), 10, logger)
//	defer limiter.Stop()
//	if !limiter.Allow(host) {
//	    // reject
//	}
//
// # Client Secrets
//
// SecretDeriver computes secret = version "." base64url(HMAC-SHA256(K_v, secret_id))
// where K_v is the HKDF-SHA256 expansion of key version v. Put the new key
// first to rotate; keep old keys until clients have their new secrets.
package security

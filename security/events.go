package security

// Event type constants for security audit logging.
const (
	// Grant lifecycle events

	// EventGrantCreated is logged when a pending authorization grant is stored
	EventGrantCreated = "grant_created"

	// EventGrantRedeemed is logged when an authorization grant is exchanged for a token pair
	EventGrantRedeemed = "grant_redeemed"

	// EventGrantRedemptionFailed is logged when a redemption attempt is rejected
	EventGrantRedemptionFailed = "grant_redemption_failed"

	// EventGrantReuseAttempt is logged when an already-redeemed grant is presented again
	EventGrantReuseAttempt = "grant_reuse_attempt"

	// Session lifecycle events

	// EventTokenRefreshed is logged when a session is rotated by a refresh
	EventTokenRefreshed = "token_refreshed"

	// EventRefreshTokenReuseDetected is logged when a rotated or revoked refresh
	// token is presented again, or presented by the wrong client (theft signal)
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// EventSessionRevoked is logged when sessions are revoked explicitly
	EventSessionRevoked = "session_revoked"

	// EventSessionExpired is logged when an expired refresh token retires its session
	EventSessionExpired = "session_expired"

	// Client resolution events

	// EventClientRegistered is logged when a client is added to the registry
	EventClientRegistered = "client_registered"

	// EventClientAuthFailure is logged when confidential client authentication fails
	EventClientAuthFailure = "client_auth_failure"

	// EventClientMetadataFetched is logged when a client metadata document is fetched
	EventClientMetadataFetched = "client_metadata_fetched"

	// EventClientMetadataBlocked is logged when a client metadata URL or its
	// resolved addresses are rejected by policy (possible SSRF attempt)
	EventClientMetadataBlocked = "client_metadata_blocked"

	// EventClientMetadataInvalid is logged when a fetched document fails validation
	EventClientMetadataInvalid = "client_metadata_invalid"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)

package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for token expiration checks.
	// It absorbs small clock differences between the token issuer and validators.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpiredAt reports whether expiresAt has passed at now, allowing grace for clock skew.
// A zero expiresAt never expires.
func IsExpiredAt(expiresAt, now time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}

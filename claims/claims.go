package claims

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-oauth-core/security"
)

// Claim names.
const (
	ClaimAudience  = "aud"
	ClaimExpiresAt = "exp"
	ClaimIssuedAt  = "iat"
	ClaimIssuer    = "iss"
	ClaimID        = "jti"
	ClaimSubject   = "sub"
	ClaimUserID    = "user_id"
	ClaimClientID  = "client_id"
	ClaimScope     = "scope"
)

var (
	// ErrInvalidClaims is returned by Validate when a claim is missing or wrong.
	ErrInvalidClaims = errors.New("invalid token claims")

	// ErrTokenExpired is returned by Validate when exp has passed.
	ErrTokenExpired = errors.New("token expired")
)

// Settings carries the issuer-wide inputs of every claim set.
type Settings struct {
	// Issuer is the "iss" claim.
	Issuer string

	// DefaultAudience is the "aud" claim when no resource applies.
	DefaultAudience string

	// Now returns the current time (default time.Now).
	Now func() time.Time

	// NewID returns a fresh token identifier (default uuid.NewString).
	NewID func() string
}

func (s Settings) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Settings) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// Access is the claim set of an access token.
type Access struct {
	Audience  Audience
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
	ID        string
	Subject   string
	UserID    string
	ClientID  string
	Scopes    []string
}

// Refresh is the claim set of a refresh token.
type Refresh struct {
	Audience  Audience
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
	ID        string
	Scopes    []string
}

// NewAccess builds an access token claim set with a fresh jti.
// Times are truncated to whole seconds to match their encoded form.
func (s Settings) NewAccess(expiresAt time.Time, userID, clientID string, resources, scopes []string) *Access {
	return &Access{
		Audience:  NewAudience(resources, s.DefaultAudience),
		ExpiresAt: expiresAt.Truncate(time.Second),
		IssuedAt:  s.now().Truncate(time.Second),
		Issuer:    s.Issuer,
		ID:        s.newID(),
		Subject:   userID,
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    slices.Clone(scopes),
	}
}

// NewRefresh builds a refresh token claim set with a fresh jti.
func (s Settings) NewRefresh(expiresAt time.Time, resources, scopes []string) *Refresh {
	return &Refresh{
		Audience:  NewAudience(resources, s.DefaultAudience),
		ExpiresAt: expiresAt.Truncate(time.Second),
		IssuedAt:  s.now().Truncate(time.Second),
		Issuer:    s.Issuer,
		ID:        s.newID(),
		Scopes:    slices.Clone(scopes),
	}
}

// Scope returns the space-joined scope claim value.
func (c *Access) Scope() string { return strings.Join(c.Scopes, " ") }

// Scope returns the space-joined scope claim value.
func (c *Refresh) Scope() string { return strings.Join(c.Scopes, " ") }

// Map renders the claim set for a Codec. Optional claims are omitted when empty.
func (c *Access) Map() map[string]any {
	m := baseMap(c.Audience, c.ExpiresAt, c.IssuedAt, c.Issuer, c.ID, c.Scopes)
	m[ClaimSubject] = c.Subject
	m[ClaimUserID] = c.UserID
	if c.ClientID != "" {
		m[ClaimClientID] = c.ClientID
	}
	return m
}

// Map renders the claim set for a Codec. Optional claims are omitted when empty.
func (c *Refresh) Map() map[string]any {
	return baseMap(c.Audience, c.ExpiresAt, c.IssuedAt, c.Issuer, c.ID, c.Scopes)
}

func baseMap(aud Audience, exp, iat time.Time, iss, jti string, scopes []string) map[string]any {
	m := map[string]any{
		ClaimAudience:  aud.Value(),
		ClaimExpiresAt: exp.Unix(),
		ClaimIssuedAt:  iat.Unix(),
		ClaimIssuer:    iss,
		ClaimID:        jti,
	}
	if len(scopes) > 0 {
		m[ClaimScope] = strings.Join(scopes, " ")
	}
	return m
}

// Validate checks the claim set independently of its signature: a jti, an
// audience, the expected issuer (when non-empty), and that exp has not passed
// and iat is not in the future beyond leeway.
func (c *Access) Validate(now time.Time, issuer string, leeway time.Duration) error {
	if c.Subject == "" {
		return fmt.Errorf("%w: missing sub", ErrInvalidClaims)
	}
	return validateCommon(c.ID, c.Audience, c.Issuer, c.ExpiresAt, c.IssuedAt, now, issuer, leeway)
}

// Validate checks the claim set independently of its signature.
func (c *Refresh) Validate(now time.Time, issuer string, leeway time.Duration) error {
	return validateCommon(c.ID, c.Audience, c.Issuer, c.ExpiresAt, c.IssuedAt, now, issuer, leeway)
}

func validateCommon(jti string, aud Audience, iss string, exp, iat, now time.Time, issuer string, leeway time.Duration) error {
	switch {
	case jti == "":
		return fmt.Errorf("%w: missing jti", ErrInvalidClaims)
	case len(aud) == 0:
		return fmt.Errorf("%w: missing aud", ErrInvalidClaims)
	case issuer != "" && iss != issuer:
		return fmt.Errorf("%w: unexpected issuer %q", ErrInvalidClaims, iss)
	case exp.IsZero():
		return fmt.Errorf("%w: missing exp", ErrInvalidClaims)
	case security.IsExpiredAt(exp, now, leeway):
		return ErrTokenExpired
	case !iat.IsZero() && iat.After(now.Add(leeway)):
		return fmt.Errorf("%w: issued in the future", ErrInvalidClaims)
	}
	return nil
}

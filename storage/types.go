package storage

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Client types as defined by OAuth 2.1 Section 2.1.
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Token endpoint authentication methods (RFC 7591).
const (
	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"
)

// SessionStatus is the lifecycle state of a token session.
type SessionStatus string

const (
	// SessionStatusCreated marks the grant's active session. At most one per grant.
	SessionStatusCreated SessionStatus = "created"
	// SessionStatusExpired marks a session whose refresh token expired unused.
	SessionStatusExpired SessionStatus = "expired"
	// SessionStatusRefreshed marks a session whose refresh token was rotated.
	SessionStatusRefreshed SessionStatus = "refreshed"
	// SessionStatusRevoked marks a session revoked explicitly or by theft detection.
	SessionStatusRevoked SessionStatus = "revoked"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusCreated, SessionStatusExpired, SessionStatusRefreshed, SessionStatusRevoked:
		return true
	}
	return false
}

// Grant is a one-time authorization code together with everything the user
// approved at consent time and the PKCE challenge recorded at authorize time.
type Grant struct {
	// ID is the internal identifier referenced by sessions.
	ID string
	// PublicID is the opaque authorization code handed to the client.
	PublicID string
	UserID   string

	// Exactly one of ClientID (registered client) and ClientURL (client
	// metadata document URL) is set.
	ClientID  string
	ClientURL string

	ExpiresAt time.Time
	Redeemed  bool

	Resources []string
	Scopes    []string

	CodeChallenge       string
	CodeChallengeMethod string
	RedirectURI         string

	CreatedAt time.Time
}

// ClientRef returns whichever client reference is set on the grant.
func (g *Grant) ClientRef() string {
	if g.ClientURL != "" {
		return g.ClientURL
	}
	return g.ClientID
}

// Validate checks the structural invariants of a grant before it is stored.
func (g *Grant) Validate() error {
	switch {
	case g.ID == "":
		return fmt.Errorf("grant id is required")
	case g.PublicID == "":
		return fmt.Errorf("grant public id is required")
	case g.UserID == "":
		return fmt.Errorf("grant user id is required")
	case (g.ClientID == "") == (g.ClientURL == ""):
		return fmt.Errorf("grant must reference exactly one of client id and client url")
	case g.ExpiresAt.IsZero():
		return fmt.Errorf("grant expiry is required")
	}
	return nil
}

// Clone returns a deep copy of the grant.
func (g *Grant) Clone() *Grant {
	c := *g
	c.Resources = slices.Clone(g.Resources)
	c.Scopes = slices.Clone(g.Scopes)
	return &c
}

// Session is the record of one issued access/refresh token pair.
type Session struct {
	ID              string
	GrantID         string
	AccessTokenJTI  string
	RefreshTokenJTI string
	Status          SessionStatus

	// ExpiresAt is the expiry of the refresh token issued with this session.
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the structural invariants of a session before it is stored.
func (s *Session) Validate() error {
	if s.ID == "" || s.GrantID == "" {
		return fmt.Errorf("%w: session id and grant id are required", ErrInvalidMutation)
	}
	if _, err := uuid.Parse(s.AccessTokenJTI); err != nil {
		return fmt.Errorf("%w: access token jti is not a uuid", ErrInvalidMutation)
	}
	if _, err := uuid.Parse(s.RefreshTokenJTI); err != nil {
		return fmt.Errorf("%w: refresh token jti is not a uuid", ErrInvalidMutation)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown session status %q", ErrInvalidMutation, s.Status)
	}
	return nil
}

// Clone returns a copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// Client is a registered OAuth client.
type Client struct {
	PublicID                string
	Name                    string
	Type                    string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	Scope                   string

	// Zero durations fall back to the server defaults.
	AccessTokenDuration  time.Duration
	RefreshTokenDuration time.Duration

	// SecretID is the per-client input to the server-side secret derivation.
	// The derived secret itself is never stored.
	SecretID string

	CreatedAt time.Time
}

// Clone returns a deep copy of the client.
func (c *Client) Clone() *Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &cp
}

// MetadataEntry is a cached client metadata document.
type MetadataEntry struct {
	// Key is the hex SHA-256 of URL.
	Key       string
	URL       string
	Document  []byte
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the entry is stale at now.
func (e *MetadataEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Transition moves one session to a new status if its current status is in From.
// An empty From matches any status.
type Transition struct {
	SessionID string
	From      []SessionStatus
	To        SessionStatus
}

// Allows reports whether the transition may fire from status.
func (t Transition) Allows(status SessionStatus) bool {
	return len(t.From) == 0 || slices.Contains(t.From, status)
}

// Mutation is a prepared, uncommitted change set. The token engine builds one
// per critical section (grant redemption, refresh rotation, theft revocation)
// and commits it through MutationStore.Apply.
//
// Stores apply the steps in this order: redeem the grant, run the
// transitions, insert the new sessions.
type Mutation struct {
	// RedeemGrantID flips that grant from pending to redeemed when set.
	RedeemGrantID string

	Transitions []Transition
	Creates     []*Session

	// At stamps UpdatedAt on transitioned sessions.
	At time.Time
}

// RedeemGrant adds the pending→redeemed step for the grant.
func (m *Mutation) RedeemGrant(grantID string) *Mutation {
	m.RedeemGrantID = grantID
	return m
}

// Transition adds a status transition for a session.
func (m *Mutation) Transition(sessionID string, to SessionStatus, from ...SessionStatus) *Mutation {
	m.Transitions = append(m.Transitions, Transition{SessionID: sessionID, From: from, To: to})
	return m
}

// Create adds a session insert.
func (m *Mutation) Create(s *Session) *Mutation {
	m.Creates = append(m.Creates, s)
	return m
}

// Validate checks the mutation is well formed. It does not consult any store.
func (m *Mutation) Validate() error {
	if m == nil || (m.RedeemGrantID == "" && len(m.Transitions) == 0 && len(m.Creates) == 0) {
		return fmt.Errorf("%w: empty mutation", ErrInvalidMutation)
	}
	for _, t := range m.Transitions {
		if t.SessionID == "" || !t.To.Valid() {
			return fmt.Errorf("%w: malformed transition", ErrInvalidMutation)
		}
	}
	for _, s := range m.Creates {
		if s == nil {
			return fmt.Errorf("%w: nil session", ErrInvalidMutation)
		}
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

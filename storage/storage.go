package storage

import (
	"context"
	"time"
)

// GrantStore persists authorization grants (one-time authorization codes).
// All methods accept context.Context for tracing and cancellation.
type GrantStore interface {
	// SaveGrant inserts a new pending grant. The grant's PublicID must be unique.
	SaveGrant(ctx context.Context, grant *Grant) error

	// GetGrant retrieves a grant by its public identifier (the authorization code).
	// Returns ErrGrantNotFound if no grant matches.
	GetGrant(ctx context.Context, publicID string) (*Grant, error)

	// GetGrantByID retrieves a grant by its internal identifier.
	GetGrantByID(ctx context.Context, id string) (*Grant, error)

	// DeleteGrant removes a grant and, by cascade, every session issued under it.
	DeleteGrant(ctx context.Context, id string) error
}

// SessionStore provides read access to issued token sessions.
// Sessions are only ever created or transitioned through MutationStore.Apply.
type SessionStore interface {
	// GetSession retrieves a session by its identifier.
	GetSession(ctx context.Context, id string) (*Session, error)

	// GetSessionByAccessJTI retrieves the session that issued the access token with this JTI.
	GetSessionByAccessJTI(ctx context.Context, jti string) (*Session, error)

	// GetSessionByRefreshJTI retrieves the session that issued the refresh token with this JTI.
	GetSessionByRefreshJTI(ctx context.Context, jti string) (*Session, error)

	// GetActiveSession returns the grant's single session in SessionStatusCreated.
	// Returns ErrSessionNotFound when the grant has no active session.
	GetActiveSession(ctx context.Context, grantID string) (*Session, error)

	// ListSessions returns every session issued under a grant, oldest first.
	ListSessions(ctx context.Context, grantID string) ([]*Session, error)
}

// MutationStore commits a Mutation as a single atomic unit.
//
// SECURITY: Apply is the only write path for sessions and for the grant's
// redeemed flag. Implementations MUST either apply every step of the mutation
// or none of them, and MUST reject a mutation that would leave more than one
// created session for a grant.
type MutationStore interface {
	// Apply validates and commits the mutation. Returns ErrGrantRedeemed,
	// ErrSessionConflict, ErrActiveSessionExists or ErrDuplicateJTI when a
	// precondition fails; nothing is written in that case.
	Apply(ctx context.Context, m *Mutation) error
}

// ClientStore manages registered clients. The token engine only reads from it.
type ClientStore interface {
	// SaveClient inserts or replaces a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by its public identifier.
	// Returns ErrClientNotFound if no client matches.
	GetClient(ctx context.Context, publicID string) (*Client, error)

	// ListClients lists all registered clients (for admin purposes).
	ListClients(ctx context.Context) ([]*Client, error)

	// DeleteClient removes a registered client.
	DeleteClient(ctx context.Context, publicID string) error
}

// MetadataStore caches fetched client metadata documents keyed by URL hash.
// Entries are replaced wholesale, so concurrent writers for the same key are
// last-writer-wins.
type MetadataStore interface {
	// GetMetadata returns the cached entry for key, expired or not.
	// Returns ErrMetadataNotFound on a miss. Callers decide freshness.
	GetMetadata(ctx context.Context, key string) (*MetadataEntry, error)

	// PutMetadata inserts or replaces the entry for entry.Key.
	PutMetadata(ctx context.Context, entry *MetadataEntry) error

	// DeleteExpiredMetadata removes entries that expired before now and
	// returns how many were removed.
	DeleteExpiredMetadata(ctx context.Context, now time.Time) (int, error)
}

// Store is the union of all persistence interfaces. Every backend in this
// module implements it.
type Store interface {
	GrantStore
	SessionStore
	MutationStore
	ClientStore
	MetadataStore
}

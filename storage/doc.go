// Package storage defines the persistence interfaces for authorization grants,
// token sessions, registered clients and cached client metadata documents.
//
// The storage package defines the core storage interfaces used by the token engine:
//   - GrantStore: Manages one-time authorization grants
//   - SessionStore: Reads issued access/refresh token sessions
//   - MutationStore: Commits grant redemption, rotation and revocation atomically
//   - ClientStore: Manages registered OAuth clients
//   - MetadataStore: Caches client metadata documents fetched from URLs
//
// Writes that must happen together are described by a Mutation and committed
// through MutationStore.Apply. Every backend guarantees that a grant is
// redeemed at most once and that a grant never has more than one session in
// SessionStatusCreated.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/sqlite: SQLite storage backed by modernc.org/sqlite
//   - storage/mock: Mock storage for failure injection in unit tests
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage

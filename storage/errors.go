package storage

import "errors"

// Sentinel errors returned by every backend. Callers match them with errors.Is.
var (
	// ErrGrantNotFound is returned when no grant matches the lookup key.
	ErrGrantNotFound = errors.New("authorization grant not found")

	// ErrGrantRedeemed is returned by Apply when the mutation tries to redeem
	// a grant that is already redeemed. This is the at-most-once guarantee.
	ErrGrantRedeemed = errors.New("authorization grant already redeemed")

	// ErrGrantExists is returned when a grant with the same public identifier exists.
	ErrGrantExists = errors.New("authorization grant already exists")

	// ErrSessionNotFound is returned when no session matches the lookup key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionConflict is returned by Apply when a status transition's
	// expected source status does not match the stored status.
	ErrSessionConflict = errors.New("session status conflict")

	// ErrActiveSessionExists is returned by Apply when committing the mutation
	// would leave two created sessions under one grant.
	ErrActiveSessionExists = errors.New("grant already has an active session")

	// ErrDuplicateJTI is returned when a new session reuses a session id or token JTI.
	ErrDuplicateJTI = errors.New("duplicate session identifier")

	// ErrClientNotFound is returned when no registered client matches.
	ErrClientNotFound = errors.New("client not found")

	// ErrMetadataNotFound is returned on a metadata cache miss.
	ErrMetadataNotFound = errors.New("client metadata not cached")

	// ErrInvalidMutation is returned when a mutation is malformed.
	ErrInvalidMutation = errors.New("invalid mutation")
)

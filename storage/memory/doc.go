// Package memory provides an in-memory implementation of storage.Store.
//
// All state lives in maps guarded by one sync.RWMutex. Apply validates a
// whole mutation against the current state before writing any of it, so
// the three critical sections of the token engine (grant redemption,
// refresh rotation, theft revocation) are atomic and concurrent attempts on
// the same grant or session race safely.
//
// Features:
//   - Compare-and-swap on the grant's redeemed flag and on session status
//   - At most one created session per grant, enforced inside Apply
//   - Cascading grant deletion
//   - Background cleanup of expired pending grants and metadata entries
//   - Storage size gauges and per-operation metrics via instrumentation
//
// For persistence or multi-instance deployments use storage/sqlite or
// storage/valkey instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, codec, config, logger)
package memory

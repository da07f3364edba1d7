// Package sqlite provides a SQLite implementation of storage.Store backed by
// the pure Go modernc.org/sqlite driver.
//
// The schema is embedded and applied on Open. Grant redemption and session
// status changes are compare-and-swap UPDATEs inside a single IMMEDIATE
// transaction, and the partial unique index sessions_one_active_per_grant
// rejects a second created session for the same grant. Deleting a grant
// removes its sessions through ON DELETE CASCADE.
//
// Example usage:
//
//	store, err := sqlite.Open("/var/lib/oauth/oauth.db")
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package sqlite

// Package valkey provides a Valkey storage backend implementing storage.Store.
//
// Valkey is wire-compatible with Redis, so the backend suits multi-instance
// deployments that share grant and session state.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"):
//
//	{prefix}grant:{id}          -> HASH id, public_id, data (JSON), redeemed
//	{prefix}code:{publicID}     -> grant id
//	{prefix}session:{id}        -> HASH of session fields
//	{prefix}ajti:{jti}          -> session id
//	{prefix}rjti:{jti}          -> session id
//	{prefix}sessions:{grantID}  -> LIST of session ids, oldest first
//	{prefix}active:{grantID}    -> id of the grant's created session
//	{prefix}client:{publicID}   -> JSON(Client)
//	{prefix}metadata:{key}      -> JSON(MetadataEntry)
//	{prefix}metadata-expiry     -> ZSET of metadata keys scored by expiry
//
// Pending grants carry a TTL of their expiry plus PendingGrantRetention.
// Redemption persists the grant so reuse can still be detected afterwards.
//
// # Atomic Operations
//
// Apply runs one Lua script that checks every step of the mutation (the
// redeemed flag, each session's current status, JTI uniqueness and the
// single active session per grant) before writing any of them. SaveGrant and
// DeleteGrant are scripts too, so a grant and its indexes never diverge.
//
// Apply computes key names inside the script. In cluster mode set KeyPrefix
// to a hash tag such as "{oauth}:" so every key lands in the same slot.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "oauth:",
//	})
package valkey

// Package util provides small string helpers shared across the module.
//
// Key utilities:
//   - SafeTruncate: Safely truncates identifiers for logging
//   - EqualIgnoringTrailingSlash: Resource indicator comparison (RFC 8707)
//   - Dedupe: Order-preserving removal of duplicate list entries
package util

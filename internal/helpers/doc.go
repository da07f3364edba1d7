// Package helpers provides network classification helpers shared by the
// client metadata fetcher and its tests.
//
// Key utilities:
//   - ClassifyIP: Classifies IP addresses for SSRF protection (public, private, loopback, etc.)
//   - IsPrivateOrInternal: Reports whether an address must never be fetched from
//   - IsLinkLocal: Checks if an IP is link-local (cloud metadata SSRF protection)
package helpers

// Package testutil provides test fixtures for the mcp-oauth-core library: a
// controllable clock, PKCE pairs, a throwaway claims codec and loggers.
package testutil

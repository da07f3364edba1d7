// Package claims defines the access and refresh token claim sets issued by the
// token engine and the Codec boundary that turns them into signed tokens.
//
// Audience derivation follows RFC 8707: one effective resource yields a string
// "aud", several yield an array, none yield the configured default audience.
// The scope claim is present only when at least one scope applies.
//
// Signing is delegated to a Codec. JWTCodec is a reference implementation on
// github.com/golang-jwt/jwt/v5 that verifies signatures on Decode and leaves
// time and issuer checks to Access.Validate and Refresh.Validate, so callers
// can still identify the session behind an expired token.
package claims

// Package server implements the token engine of an OAuth 2.1 authorization
// server.
//
// It turns an approved authorization request into a pending grant, redeems
// the grant exactly once for a token pair after PKCE verification, rotates
// sessions on refresh and treats any replay of a rotated refresh token as
// theft, revoking the grant's active session. Requested resources and scopes
// may only narrow what the grant allowed.
//
// Clients are either registered in the ClientStore or, when
// Config.EnableClientIDMetadataDocuments is set, identified by an HTTPS URL
// whose metadata document is fetched through an SSRF-safe fetcher and cached
// in the MetadataStore.
//
// The package does not serve HTTP, authenticate users or sign tokens with a
// particular algorithm. Tokens are encoded by a claims.Codec supplied by the
// caller.
//
// Example usage:
//
//	store := memory.New()
//	codec, _ := claims.NewHMACCodec(key)
//
//	srv, err := server.New(store, codec, &server.Config{
//	    Issuer:          "https://auth.example.com",
//	    DefaultAudience: "https://api.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	grant, err := srv.CreateGrant(ctx, server.GrantRequest{...})
//	pair, err := srv.RedeemGrant(ctx, server.RedeemRequest{Code: grant.PublicID, ...})
package server

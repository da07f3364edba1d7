// Package oauth holds the protocol-facing pieces of the authorization server
// core: the RFC 6749 error mapping for errors returned by the server package,
// the token endpoint response, RFC 8414 metadata and RFC 7591 registration
// messages.
//
// The engine itself lives in the server package. A host process wires an
// HTTP layer around it:
//
//	pair, err := srv.RedeemGrant(ctx, server.RedeemRequest{...})
//	if err != nil {
//	    oe := oauth.FromError(err)
//	    writeJSON(w, oe.Status, oe.Response())
//	    return
//	}
//	writeJSON(w, http.StatusOK, oauth.NewTokenResponse(pair, time.Now()))
package oauth

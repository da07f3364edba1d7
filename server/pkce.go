package server

import (
	"crypto/subtle"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-core/storage"
)

// S256Challenge returns base64url_nopad(SHA256(verifier)).
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// verifyS256 compares the challenge derived from verifier with the stored
// challenge in constant time.
func verifyS256(verifier, challenge string) bool {
	computed := S256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidateCodeExchange checks the PKCE verifier and redirect URI presented at
// the token endpoint against what was recorded on the grant.
//
// A grant that is missing, redeemed or expired yields a single invalid_grant
// error and no further checks. Otherwise every problem is reported:
//
//   - Public clients must present a verifier and a redirect_uri.
//   - Confidential clients must present a verifier only when a challenge was
//     recorded and a redirect_uri only when one was recorded.
//   - A verifier without a recorded challenge is never valid.
//   - A presented redirect_uri must equal the recorded one exactly.
func ValidateCodeExchange(grant *storage.Grant, client ResolvedClient, verifier, redirectURI string, now time.Time) *ValidationError {
	var v Validation

	if grant == nil || grant.Redeemed || now.After(grant.ExpiresAt) {
		v.Add("code", ErrorCodeInvalidGrant, "authorization code is invalid, expired, or already used")
		return v.Err()
	}

	public := client.IsPublic()
	challengeRecorded := grant.CodeChallenge != ""

	switch {
	case verifier == "":
		if public || challengeRecorded {
			v.Add("code_verifier", ErrorCodeInvalidRequest, "code_verifier is required")
		}
	case !challengeRecorded:
		v.Add("code_verifier", ErrorCodeInvalidGrant, "code_verifier presented but no code_challenge was recorded")
	default:
		if err := validateCodeVerifierSyntax(verifier); err != nil {
			v.Add("code_verifier", ErrorCodeInvalidRequest, "%v", err)
		} else if grant.CodeChallengeMethod != PKCEMethodS256 {
			v.Add("code_verifier", ErrorCodeInvalidGrant, "unsupported code_challenge_method %q", grant.CodeChallengeMethod)
		} else if !verifyS256(verifier, grant.CodeChallenge) {
			v.Add("code_verifier", ErrorCodeInvalidGrant, "code_verifier does not match code_challenge")
		}
	}

	switch {
	case redirectURI == "":
		if public || grant.RedirectURI != "" {
			v.Add("redirect_uri", ErrorCodeInvalidRequest, "redirect_uri is required")
		}
	case redirectURI != grant.RedirectURI:
		v.Add("redirect_uri", ErrorCodeInvalidGrant, "redirect_uri does not match the authorization request")
	}

	return v.Err()
}

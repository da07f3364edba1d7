package server

import (
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-core/internal/testutil"
	"github.com/giantswarm/mcp-oauth-core/storage"
)

func TestS256Challenge_RFC7636Vector(t *testing.T) {
	// RFC 7636 Appendix B.
	got := S256Challenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got != want {
		t.Errorf("S256Challenge() = %q, want %q", got, want)
	}
}

func TestValidateCodeExchange(t *testing.T) {
	now := testEpoch
	challenge, verifier := testutil.GeneratePKCEPair()
	_, otherVerifier := testutil.GeneratePKCEPair()

	public := newRegisteredClient(&storage.Client{
		PublicID:     "pub",
		Type:         storage.ClientTypePublic,
		RedirectURIs: []string{testRedirectURI},
	}, tokenDurations{}, nil)
	confidential := newRegisteredClient(&storage.Client{
		PublicID:     "conf",
		Type:         storage.ClientTypeConfidential,
		RedirectURIs: []string{testRedirectURI},
	}, tokenDurations{}, nil)

	grantWith := func(mutate func(*storage.Grant)) *storage.Grant {
		g := &storage.Grant{
			ID:                  "g1",
			PublicID:            "code",
			UserID:              testUserID,
			ClientID:            "pub",
			ExpiresAt:           now.Add(time.Minute),
			CodeChallenge:       challenge,
			CodeChallengeMethod: PKCEMethodS256,
			RedirectURI:         testRedirectURI,
		}
		if mutate != nil {
			mutate(g)
		}
		return g
	}
	noChallenge := func(g *storage.Grant) { g.CodeChallenge, g.CodeChallengeMethod = "", "" }
	noRedirect := func(g *storage.Grant) { g.RedirectURI = "" }

	type fieldCode struct{ field, code string }

	tests := []struct {
		name        string
		grant       *storage.Grant
		client      ResolvedClient
		verifier    string
		redirectURI string
		want        []fieldCode
	}{
		{
			name:        "public client valid",
			grant:       grantWith(nil),
			client:      public,
			verifier:    verifier,
			redirectURI: testRedirectURI,
		},
		{
			name:   "nil grant",
			client: public,
			want:   []fieldCode{{"code", ErrorCodeInvalidGrant}},
		},
		{
			name:        "redeemed grant stops further checks",
			grant:       grantWith(func(g *storage.Grant) { g.Redeemed = true }),
			client:      public,
			verifier:    "",
			redirectURI: "",
			want:        []fieldCode{{"code", ErrorCodeInvalidGrant}},
		},
		{
			name:        "expired grant",
			grant:       grantWith(func(g *storage.Grant) { g.ExpiresAt = now.Add(-time.Second) }),
			client:      public,
			verifier:    verifier,
			redirectURI: testRedirectURI,
			want:        []fieldCode{{"code", ErrorCodeInvalidGrant}},
		},
		{
			name:        "grant expiring exactly now is still valid",
			grant:       grantWith(func(g *storage.Grant) { g.ExpiresAt = now }),
			client:      public,
			verifier:    verifier,
			redirectURI: testRedirectURI,
		},
		{
			name:   "public client missing verifier and redirect",
			grant:  grantWith(nil),
			client: public,
			want: []fieldCode{
				{"code_verifier", ErrorCodeInvalidRequest},
				{"redirect_uri", ErrorCodeInvalidRequest},
			},
		},
		{
			name:        "public client without recorded challenge still needs verifier",
			grant:       grantWith(noChallenge),
			client:      public,
			redirectURI: testRedirectURI,
			want:        []fieldCode{{"code_verifier", ErrorCodeInvalidRequest}},
		},
		{
			name:        "wrong verifier",
			grant:       grantWith(nil),
			client:      public,
			verifier:    otherVerifier,
			redirectURI: testRedirectURI,
			want:        []fieldCode{{"code_verifier", ErrorCodeInvalidGrant}},
		},
		{
			name:        "verifier too short",
			grant:       grantWith(nil),
			client:      public,
			verifier:    "short",
			redirectURI: testRedirectURI,
			want:        []fieldCode{{"code_verifier", ErrorCodeInvalidRequest}},
		},
		{
			name:        "verifier with invalid characters",
			grant:       grantWith(nil),
			client:      public,
			verifier:    strings.Repeat("a", 42) + "!",
			redirectURI: testRedirectURI,
			want:        []fieldCode{{"code_verifier", ErrorCodeInvalidRequest}},
		},
		{
			name:        "unsupported recorded method",
			grant:       grantWith(func(g *storage.Grant) { g.CodeChallengeMethod = "plain" }),
			client:      public,
			verifier:    verifier,
			redirectURI: testRedirectURI,
			want:        []fieldCode{{"code_verifier", ErrorCodeInvalidGrant}},
		},
		{
			name:        "redirect mismatch",
			grant:       grantWith(nil),
			client:      public,
			verifier:    verifier,
			redirectURI: testRedirectURI + "/other",
			want:        []fieldCode{{"redirect_uri", ErrorCodeInvalidGrant}},
		},
		{
			name:        "redirect with trailing slash is a mismatch",
			grant:       grantWith(nil),
			client:      public,
			verifier:    verifier,
			redirectURI: testRedirectURI + "/",
			want:        []fieldCode{{"redirect_uri", ErrorCodeInvalidGrant}},
		},
		{
			name:   "confidential client without challenge or redirect",
			grant:  grantWith(func(g *storage.Grant) { noChallenge(g); noRedirect(g) }),
			client: confidential,
		},
		{
			name:     "confidential client must send verifier when challenge recorded",
			grant:    grantWith(noRedirect),
			client:   confidential,
			verifier: "",
			want:     []fieldCode{{"code_verifier", ErrorCodeInvalidRequest}},
		},
		{
			name:     "confidential client verifier without recorded challenge",
			grant:    grantWith(func(g *storage.Grant) { noChallenge(g); noRedirect(g) }),
			client:   confidential,
			verifier: verifier,
			want:     []fieldCode{{"code_verifier", ErrorCodeInvalidGrant}},
		},
		{
			name:     "confidential client must send redirect when recorded",
			grant:    grantWith(noChallenge),
			client:   confidential,
			verifier: "",
			want:     []fieldCode{{"redirect_uri", ErrorCodeInvalidRequest}},
		},
		{
			name:        "confidential client redirect presented but none recorded",
			grant:       grantWith(func(g *storage.Grant) { noChallenge(g); noRedirect(g) }),
			client:      confidential,
			redirectURI: testRedirectURI,
			want:        []fieldCode{{"redirect_uri", ErrorCodeInvalidGrant}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verr := ValidateCodeExchange(tt.grant, tt.client, tt.verifier, tt.redirectURI, now)
			if len(tt.want) == 0 {
				if verr != nil {
					t.Fatalf("ValidateCodeExchange() = %v, want nil", verr)
				}
				return
			}
			if verr == nil {
				t.Fatalf("ValidateCodeExchange() = nil, want %v", tt.want)
			}
			if len(verr.Errors) != len(tt.want) {
				t.Fatalf("got %d field errors (%v), want %d", len(verr.Errors), verr, len(tt.want))
			}
			for _, w := range tt.want {
				if !verr.Has(w.field, w.code) {
					t.Errorf("missing field error %s/%s in %v", w.field, w.code, verr)
				}
			}
		})
	}
}

func TestValidateCodeVerifierSyntax(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		wantErr  bool
	}{
		{"minimum length", strings.Repeat("a", MinCodeVerifierLength), false},
		{"maximum length", strings.Repeat("Z", MaxCodeVerifierLength), false},
		{"unreserved characters", strings.Repeat("aZ09-._~", 6), false},
		{"too short", strings.Repeat("a", MinCodeVerifierLength-1), true},
		{"too long", strings.Repeat("a", MaxCodeVerifierLength+1), true},
		{"plus sign", strings.Repeat("a", 50) + "+", true},
		{"space", strings.Repeat("a", 50) + " ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCodeVerifierSyntax(tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateCodeVerifierSyntax() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

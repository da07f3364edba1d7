package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// minSecretKeyLength is the minimum raw key length accepted for secret derivation.
	minSecretKeyLength = 32

	secretKeyInfoPrefix = "oauth-client-secret/"
)

// ErrNoSecretKeys is returned when a SecretDeriver is built without keys.
var ErrNoSecretKeys = errors.New("at least one client secret key is required")

// SecretKey is one version of the server-wide client secret key.
type SecretKey struct {
	Version string
	Key     []byte
}

// ParseSecretKey parses "version:base64key" (standard or URL-safe base64).
func ParseSecretKey(s string) (SecretKey, error) {
	version, encoded, ok := strings.Cut(s, ":")
	if !ok || version == "" || encoded == "" {
		return SecretKey{}, fmt.Errorf("client secret key must have the form version:base64key")
	}
	if strings.Contains(version, ".") {
		return SecretKey{}, fmt.Errorf("client secret key version %q must not contain '.'", version)
	}

	var key []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err = enc.DecodeString(encoded); err == nil {
			break
		}
	}
	if err != nil {
		return SecretKey{}, fmt.Errorf("client secret key %q is not valid base64: %w", version, err)
	}
	return SecretKey{Version: version, Key: key}, nil
}

type derivedKey struct {
	version string
	mac     []byte
}

// SecretDeriver derives confidential client secrets as
// HMAC-SHA256(versioned server key, per-client secret id). Secrets carry
// their key version ("v2.<mac>"), so keys can be rotated by prepending a new
// version and keeping the old one until every client has picked up its new
// secret. Plaintext secrets are never stored.
type SecretDeriver struct {
	keys []derivedKey
}

// NewSecretDeriver builds a deriver. The first key is current; the rest are
// accepted for verification only. Each key is expanded with HKDF-SHA256 so
// the raw key material is never used as an HMAC key directly.
func NewSecretDeriver(keys ...SecretKey) (*SecretDeriver, error) {
	if len(keys) == 0 {
		return nil, ErrNoSecretKeys
	}

	seen := make(map[string]bool, len(keys))
	d := &SecretDeriver{}
	for _, k := range keys {
		if k.Version == "" {
			return nil, fmt.Errorf("client secret key version is required")
		}
		if seen[k.Version] {
			return nil, fmt.Errorf("duplicate client secret key version %q", k.Version)
		}
		if len(k.Key) < minSecretKeyLength {
			return nil, fmt.Errorf("client secret key %q must be at least %d bytes", k.Version, minSecretKeyLength)
		}
		seen[k.Version] = true

		mac := make([]byte, sha256.Size)
		r := hkdf.New(sha256.New, k.Key, nil, []byte(secretKeyInfoPrefix+k.Version))
		if _, err := io.ReadFull(r, mac); err != nil {
			return nil, fmt.Errorf("failed to expand client secret key %q: %w", k.Version, err)
		}
		d.keys = append(d.keys, derivedKey{version: k.Version, mac: mac})
	}
	return d, nil
}

// CurrentVersion returns the key version used for new secrets.
func (d *SecretDeriver) CurrentVersion() string {
	return d.keys[0].version
}

// Derive returns the client secret for secretID under the current key.
func (d *SecretDeriver) Derive(secretID string) string {
	return d.derive(d.keys[0], secretID)
}

func (d *SecretDeriver) derive(k derivedKey, secretID string) string {
	h := hmac.New(sha256.New, k.mac)
	h.Write([]byte(secretID))
	return k.version + "." + base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Verify reports whether presented is the secret derived for secretID under
// any configured key version. The comparison is constant time.
func (d *SecretDeriver) Verify(secretID, presented string) bool {
	if secretID == "" || presented == "" {
		return false
	}
	version, _, ok := strings.Cut(presented, ".")
	if !ok {
		return false
	}
	for _, k := range d.keys {
		if k.version != version {
			continue
		}
		want := d.derive(k, secretID)
		return subtle.ConstantTimeCompare([]byte(want), []byte(presented)) == 1
	}
	return false
}

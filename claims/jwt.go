package claims

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// minHMACKeyLength is the minimum HS256 key size (RFC 7518 Section 3.2).
const minHMACKeyLength = 32

// JWTCodec is a Codec producing signed JWTs.
type JWTCodec struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	parser    *jwt.Parser
}

var _ Codec = (*JWTCodec)(nil)

// NewJWTCodec creates a codec for method. signKey and verifyKey are the key
// types golang-jwt expects for the method (e.g. *rsa.PrivateKey and
// *rsa.PublicKey for RS256, ed25519 keys for EdDSA).
func NewJWTCodec(method jwt.SigningMethod, signKey, verifyKey any) *JWTCodec {
	return &JWTCodec{
		method:    method,
		signKey:   signKey,
		verifyKey: verifyKey,
		// Time and issuer checks belong to Access/Refresh.Validate so that an
		// expired refresh token still resolves to its session.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{method.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// NewHMACCodec creates an HS256 codec with a shared secret.
func NewHMACCodec(secret []byte) (*JWTCodec, error) {
	if len(secret) < minHMACKeyLength {
		return nil, fmt.Errorf("hmac signing key must be at least %d bytes", minHMACKeyLength)
	}
	return NewJWTCodec(jwt.SigningMethodHS256, secret, secret), nil
}

// Encode implements Codec. The exp claim is always set from expiry.
func (c *JWTCodec) Encode(claims map[string]any, expiry time.Time) (string, error) {
	mc := make(jwt.MapClaims, len(claims)+1)
	for k, v := range claims {
		mc[k] = v
	}
	mc[ClaimExpiresAt] = expiry.Unix()

	signed, err := jwt.NewWithClaims(c.method, mc).SignedString(c.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Decode implements Codec.
func (c *JWTCodec) Decode(token string) (map[string]any, error) {
	parsed, err := c.parser.Parse(token, func(*jwt.Token) (any, error) {
		return c.verifyKey, nil
	})
	if err != nil {
		return nil, &DecodeError{Reason: "invalid token", Err: err}
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, &DecodeError{Reason: "unexpected claims type"}
	}
	return map[string]any(mc), nil
}

package claims

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Codec turns claim maps into signed tokens and back.
type Codec interface {
	// Encode signs claims into a token that expires at expiry.
	Encode(claims map[string]any, expiry time.Time) (string, error)

	// Decode verifies the token signature and returns its claims.
	// Failures are reported as *DecodeError.
	Decode(token string) (map[string]any, error)
}

// DecodeError reports a token that could not be decoded: bad signature,
// malformed encoding, or a claim map of the wrong shape.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode token: %s: %v", e.Reason, e.Err)
	}
	return "decode token: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AccessFromToken decodes token with codec and parses an access claim set.
func AccessFromToken(codec Codec, token string) (*Access, error) {
	m, err := decode(codec, token)
	if err != nil {
		return nil, err
	}
	return AccessFromMap(m)
}

// RefreshFromToken decodes token with codec and parses a refresh claim set.
func RefreshFromToken(codec Codec, token string) (*Refresh, error) {
	m, err := decode(codec, token)
	if err != nil {
		return nil, err
	}
	return RefreshFromMap(m)
}

func decode(codec Codec, token string) (map[string]any, error) {
	if strings.TrimSpace(token) == "" {
		return nil, &DecodeError{Reason: "empty token"}
	}
	m, err := codec.Decode(token)
	if err != nil {
		if _, ok := err.(*DecodeError); ok {
			return nil, err
		}
		return nil, &DecodeError{Reason: "codec rejected token", Err: err}
	}
	return m, nil
}

// AccessFromMap parses a decoded claim map into an access claim set.
func AccessFromMap(m map[string]any) (*Access, error) {
	p := mapParser{m: m}
	c := &Access{
		Audience:  p.audience(),
		ExpiresAt: p.time(ClaimExpiresAt, true),
		IssuedAt:  p.time(ClaimIssuedAt, false),
		Issuer:    p.str(ClaimIssuer, false),
		ID:        p.str(ClaimID, true),
		Subject:   p.str(ClaimSubject, true),
		UserID:    p.str(ClaimUserID, false),
		ClientID:  p.str(ClaimClientID, false),
		Scopes:    p.scopes(),
	}
	if p.err != nil {
		return nil, p.err
	}
	if c.UserID == "" {
		c.UserID = c.Subject
	}
	return c, nil
}

// RefreshFromMap parses a decoded claim map into a refresh claim set.
func RefreshFromMap(m map[string]any) (*Refresh, error) {
	p := mapParser{m: m}
	c := &Refresh{
		Audience:  p.audience(),
		ExpiresAt: p.time(ClaimExpiresAt, true),
		IssuedAt:  p.time(ClaimIssuedAt, false),
		Issuer:    p.str(ClaimIssuer, false),
		ID:        p.str(ClaimID, true),
		Scopes:    p.scopes(),
	}
	if p.err != nil {
		return nil, p.err
	}
	return c, nil
}

// mapParser reads typed claims and keeps the first error.
type mapParser struct {
	m   map[string]any
	err error
}

func (p *mapParser) fail(format string, args ...any) {
	if p.err == nil {
		p.err = &DecodeError{Reason: fmt.Sprintf(format, args...)}
	}
}

func (p *mapParser) str(name string, required bool) string {
	v, ok := p.m[name]
	if !ok || v == nil {
		if required {
			p.fail("missing %s claim", name)
		}
		return ""
	}
	s, ok := v.(string)
	if !ok {
		p.fail("%s claim has type %T, want string", name, v)
		return ""
	}
	if required && s == "" {
		p.fail("empty %s claim", name)
	}
	return s
}

func (p *mapParser) time(name string, required bool) time.Time {
	v, ok := p.m[name]
	if !ok || v == nil {
		if required {
			p.fail("missing %s claim", name)
		}
		return time.Time{}
	}

	var secs float64
	switch t := v.(type) {
	case float64:
		secs = t
	case int64:
		secs = float64(t)
	case int:
		secs = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			p.fail("%s claim is not numeric", name)
			return time.Time{}
		}
		secs = f
	default:
		p.fail("%s claim has type %T, want number", name, v)
		return time.Time{}
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		p.fail("%s claim is not finite", name)
		return time.Time{}
	}
	return time.Unix(int64(secs), 0)
}

func (p *mapParser) audience() Audience {
	aud, err := parseAudience(p.m[ClaimAudience])
	if err != nil {
		p.fail("%v", err)
	}
	return aud
}

func (p *mapParser) scopes() []string {
	return strings.Fields(p.str(ClaimScope, false))
}

package claims

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/giantswarm/mcp-oauth-core/internal/util"
)

// Audience is the "aud" claim. It serializes as a JSON string when it holds
// exactly one value and as an array otherwise.
type Audience []string

// NewAudience derives the audience for the effective resources. With no
// resources the default audience applies; an empty default yields nil.
func NewAudience(resources []string, defaultAudience string) Audience {
	if len(resources) > 0 {
		return Audience(slices.Clone(resources))
	}
	if defaultAudience == "" {
		return nil
	}
	return Audience{defaultAudience}
}

// Value returns the claim value: a string for one entry, a []string otherwise.
func (a Audience) Value() any {
	if len(a) == 1 {
		return a[0]
	}
	return []string(a)
}

// Contains reports whether v is one of the audience values.
func (a Audience) Contains(v string) bool {
	return slices.Contains(a, v)
}

// Within reports whether every value is one of allowed, tolerating a single
// trailing slash difference. An empty audience is never within.
func (a Audience) Within(allowed []string) bool {
	if len(a) == 0 {
		return false
	}
	for _, v := range a {
		if !slices.ContainsFunc(allowed, func(x string) bool {
			return x != "" && util.EqualIgnoringTrailingSlash(v, x)
		}) {
			return false
		}
	}
	return true
}

// MarshalJSON implements json.Marshaler.
func (a Audience) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Value())
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Audience) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	aud, err := parseAudience(raw)
	if err != nil {
		return err
	}
	*a = aud
	return nil
}

func parseAudience(v any) (Audience, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if t == "" {
			return nil, nil
		}
		return Audience{t}, nil
	case []string:
		return Audience(slices.Clone(t)), nil
	case []any:
		out := make(Audience, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("aud entry has type %T, want string", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("aud has type %T, want string or array", v)
	}
}

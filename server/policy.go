package server

import (
	"fmt"
	"slices"

	"github.com/giantswarm/mcp-oauth-core/internal/util"
)

// policy enforces one allow-listed, downscopable parameter: resource
// indicators or scopes. Both share the same rules and differ only in field
// name, error code, syntax and comparison.
type policy struct {
	field   string
	code    string
	allowed map[string]string
	require bool
	syntax  func(string) error
	equal   func(a, b string) bool
}

func newResourcePolicy(cfg *Config) *policy {
	return &policy{
		field:   "resource",
		code:    ErrorCodeInvalidTarget,
		allowed: cfg.Resources,
		require: cfg.RequireResource,
		syntax:  validateResourceSyntax,
		equal:   util.EqualIgnoringTrailingSlash,
	}
}

func newScopePolicy(cfg *Config) *policy {
	return &policy{
		field:   "scope",
		code:    ErrorCodeInvalidScope,
		allowed: cfg.Scopes,
		require: cfg.RequireScope,
		syntax: func(s string) error {
			if !scopeTokenPattern.MatchString(s) {
				return fmt.Errorf("invalid scope token")
			}
			return nil
		},
		equal: func(a, b string) bool { return a == b },
	}
}

// Enabled reports whether an allow-list is configured.
func (p *policy) Enabled() bool { return len(p.allowed) > 0 }

// Effective returns what a request is granted: the requested values when
// present, else everything granted at consent. Requested values are
// canonicalised to the granted spelling.
func (p *policy) Effective(requested, granted []string) []string {
	if len(requested) == 0 {
		return slices.Clone(granted)
	}
	out := make([]string, 0, len(requested))
	for _, r := range requested {
		if i := p.index(granted, r); i >= 0 {
			r = granted[i]
		}
		out = append(out, r)
	}
	return util.Dedupe(out)
}

// ValidateRequest checks a token-time request against the allow-list and
// the values granted at consent. An empty request is always valid.
func (p *policy) ValidateRequest(requested, granted []string, v *Validation) {
	if len(requested) == 0 {
		return
	}
	if !p.checkAllowed(requested, v) {
		return
	}
	for _, r := range requested {
		if p.index(granted, r) < 0 {
			v.Add(p.field, p.code, "%s %q exceeds what was granted", p.field, r)
		}
	}
}

// ValidateAuthorize checks an authorize-time request. With the require flag
// set an empty request is rejected.
func (p *policy) ValidateAuthorize(requested []string, v *Validation) {
	if len(requested) == 0 {
		if p.require {
			v.Add(p.field, p.code, "at least one %s is required", p.field)
		}
		return
	}
	p.checkAllowed(requested, v)
}

// checkAllowed runs the disabled, syntax and membership checks in order,
// stopping at the first step that fails.
func (p *policy) checkAllowed(requested []string, v *Validation) bool {
	if !p.Enabled() {
		v.Add(p.field, p.code, "%s is not supported by this server", p.field)
		return false
	}

	ok := true
	for _, r := range requested {
		if err := p.syntax(r); err != nil {
			v.Add(p.field, p.code, "%s %q: %v", p.field, r, err)
			ok = false
		}
	}
	if !ok {
		return false
	}

	for _, r := range requested {
		if !p.isAllowed(r) {
			v.Add(p.field, p.code, "%s %q is not allowed", p.field, r)
			ok = false
		}
	}
	return ok
}

func (p *policy) isAllowed(value string) bool {
	_, ok := p.canonical(value)
	return ok
}

// canonical returns the allow-list spelling of value. An exact key wins;
// otherwise the smallest key that compares equal.
func (p *policy) canonical(value string) (string, bool) {
	if _, ok := p.allowed[value]; ok {
		return value, true
	}
	match, found := "", false
	for a := range p.allowed {
		if p.equal(a, value) && (!found || a < match) {
			match, found = a, true
		}
	}
	return match, found
}

// Canonical rewrites allowed values to their allow-list spelling and drops
// duplicates that collapse onto the same key. Values not on the list are kept.
func (p *policy) Canonical(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if c, ok := p.canonical(v); ok {
			v = c
		}
		out = append(out, v)
	}
	return util.Dedupe(out)
}

func (p *policy) index(values []string, value string) int {
	return slices.IndexFunc(values, func(g string) bool { return p.equal(g, value) })
}

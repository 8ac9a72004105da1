package domain

import (
	"slices"
	"sort"
	"strings"
)

// SpaceAuthority is one role the subject holds inside a role-space
// context. A subject whose authorities span several spaces of the same
// context must pick one before approval can complete.
type SpaceAuthority struct {
	Context string `json:"context"` // role-space context name
	Space   string `json:"space"`   // space value within the context
	Role    string `json:"role"`
}

// Authorization is the immutable authorization context bound to issued
// tokens: who approved what, for which client, inside which realm. A
// refresh produces a new narrowed Authorization, never mutates the old one.
type Authorization struct {
	Realm       string            `json:"realm"`
	ClientID    string            `json:"client_id"`
	Subject     string            `json:"subject,omitempty"` // empty for client-only grants
	GrantType   GrantType         `json:"grant_type"`
	RedirectURI string            `json:"redirect_uri,omitempty"`
	Scopes      []string          `json:"scopes"`
	Audience    []string          `json:"audience"`
	Authorities []SpaceAuthority  `json:"authorities,omitempty"`
	Params      map[string]string `json:"params,omitempty"` // secrets already stripped
}

// IsClientOnly reports whether no end user is bound to this authorization.
func (a *Authorization) IsClientOnly() bool {
	return a.Subject == ""
}

// HasScope reports whether scope was granted.
func (a *Authorization) HasScope(scope string) bool {
	return slices.Contains(a.Scopes, scope)
}

// WithScopes returns a copy narrowed to the given scope set.
func (a *Authorization) WithScopes(scopes []string) *Authorization {
	clone := a.clone()
	clone.Scopes = append([]string(nil), scopes...)
	return clone
}

// WithAudience returns a copy carrying the given resource audience.
func (a *Authorization) WithAudience(audience []string) *Authorization {
	clone := a.clone()
	clone.Audience = append([]string(nil), audience...)
	return clone
}

// WithAuthorities returns a copy narrowed to the given authorities.
func (a *Authorization) WithAuthorities(authorities []SpaceAuthority) *Authorization {
	clone := a.clone()
	clone.Authorities = append([]SpaceAuthority(nil), authorities...)
	return clone
}

// Key is a stable identity string for this authorization, used for the
// best-effort existing-token lookup. Scope order does not matter.
func (a *Authorization) Key() string {
	scopes := append([]string(nil), a.Scopes...)
	sort.Strings(scopes)
	return strings.Join([]string{a.Realm, a.ClientID, a.Subject, string(a.GrantType), strings.Join(scopes, " ")}, "\n")
}

func (a *Authorization) clone() *Authorization {
	clone := *a
	clone.Scopes = append([]string(nil), a.Scopes...)
	clone.Audience = append([]string(nil), a.Audience...)
	clone.Authorities = append([]SpaceAuthority(nil), a.Authorities...)
	if a.Params != nil {
		clone.Params = make(map[string]string, len(a.Params))
		for k, v := range a.Params {
			clone.Params[k] = v
		}
	}
	return &clone
}

package domain

import "time"

// TokenFormat selects the wire encoding of an access token.
type TokenFormat string

const (
	FormatOpaque TokenFormat = "opaque"
	FormatJWT    TokenFormat = "jwt"
)

// AccessToken is an issued access token. Value holds the final wire form:
// a bare random string for opaque tokens, a JOSE compact serialization for
// JWT tokens. Immutable once stored.
type AccessToken struct {
	Value        string         `json:"value"`
	TokenType    string         `json:"token_type"` // "Bearer"
	Format       TokenFormat    `json:"format"`
	Scopes       []string       `json:"scopes"`
	IssuedAt     time.Time      `json:"issued_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	RefreshValue string         `json:"refresh_value,omitempty"` // bound refresh token, empty when none
	Claims       map[string]any `json:"claims,omitempty"`        // collaborator-supplied extra claims
}

// IsExpired reports whether the token is past its expiration.
func (t *AccessToken) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// ExpiresIn returns the remaining lifetime, clamped at zero.
func (t *AccessToken) ExpiresIn(now time.Time) time.Duration {
	if t.IsExpired(now) {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}

// RefreshToken is an opaque long-lived credential bound to one
// authorization context. It may outlive several successive access tokens
// and is never JWT-encoded.
type RefreshToken struct {
	Value     string     `json:"value"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil means non-expiring
}

// IsExpired reports whether a bounded refresh token is past its expiration.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

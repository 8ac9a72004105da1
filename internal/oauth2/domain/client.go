package domain

import (
	"slices"
	"time"
)

// AuthorityTrusted marks a client whose requests skip interactive consent.
const AuthorityTrusted = "trusted"

// Client is the per-client configuration the token core consults: validity
// overrides, token format preference, and crypto policy. Owned by client
// administration; read-only here.
type Client struct {
	ID            string
	Realm         string
	Name          string
	SecretHash    string // argon2id; empty for public clients
	Scopes        []string
	RedirectURIs  []string
	Authorities   []string
	SpaceContexts []string // role-space contexts the client spans

	TokenFormat          TokenFormat   // opaque | jwt
	AccessTokenValidity  time.Duration // 0 means system default
	RefreshTokenValidity time.Duration // 0 means system default

	// Custom signing configuration; empty means the system key signs.
	SigningAlg    string
	SigningKeyPEM string

	// JWE configuration; all three must be present to encrypt.
	EncAlg    string
	EncMethod string
	EncJWKS   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTrusted reports whether the client carries the trusted authority.
func (c *Client) IsTrusted() bool {
	return slices.Contains(c.Authorities, AuthorityTrusted)
}

// HasScope reports whether the client registered the given scope.
func (c *Client) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// WantsJWT reports whether access tokens should be JWT-encoded.
func (c *Client) WantsJWT() bool {
	return c.TokenFormat == FormatJWT
}

// RequestsEncryption reports whether any JWE parameter is configured.
func (c *Client) RequestsEncryption() bool {
	return c.EncAlg != "" || c.EncMethod != "" || c.EncJWKS != ""
}

// EncryptionComplete reports whether the JWE configuration is usable.
func (c *Client) EncryptionComplete() bool {
	return c.EncAlg != "" && c.EncMethod != "" && c.EncJWKS != ""
}

// RequestsCustomSigning reports whether the client mandates its own
// signing key instead of the system key.
func (c *Client) RequestsCustomSigning() bool {
	return c.SigningAlg != "" || c.SigningKeyPEM != ""
}

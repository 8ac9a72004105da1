// Package jwtx builds and signs the JWT form of access tokens. Claims are
// assembled through a typed builder so registered claim names can never be
// overridden by collaborator-supplied data.
package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrReservedClaim reports an extra claim colliding with a registered name.
var ErrReservedClaim = errors.New("jwtx: reserved claim name")

// reservedClaims are the names only the builder itself may set.
var reservedClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {},
	"iat": {}, "jti": {}, "azp": {}, "scope": {}, "realm": {},
}

// Claims is the full claim set of an access token. Registered claims come
// from the embedded struct; Scopes, Realm, AuthorizedParty and Extra are
// flattened into the same JSON object on serialization.
type Claims struct {
	jwt.RegisteredClaims

	// Realm the token was issued under.
	Realm string

	// Scopes granted to the token. Serialized as the "scope" claim, a
	// single space-joined string that is present even when empty.
	Scopes []string

	// AuthorizedParty is the "azp" claim, set only for multi-audience
	// tokens to name the requesting client.
	AuthorizedParty string

	// Extra carries collaborator-supplied claims. Keys colliding with
	// registered names are rejected before they ever land here.
	Extra map[string]any
}

// MarshalJSON flattens registered, custom, and extra claims into one
// object. Registered claims are written last so they win any collision
// that slipped through.
func (c Claims) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Extra)+10)
	for k, v := range c.Extra {
		if _, reserved := reservedClaims[k]; reserved {
			continue
		}
		m[k] = v
	}

	if c.Issuer != "" {
		m["iss"] = c.Issuer
	}
	if c.Subject != "" {
		m["sub"] = c.Subject
	}
	if len(c.Audience) > 0 {
		m["aud"] = []string(c.Audience)
	}
	if c.ID != "" {
		m["jti"] = c.ID
	}
	if c.IssuedAt != nil {
		m["iat"] = c.IssuedAt.Unix()
	}
	if c.NotBefore != nil {
		m["nbf"] = c.NotBefore.Unix()
	}
	if c.ExpiresAt != nil {
		m["exp"] = c.ExpiresAt.Unix()
	}
	if c.AuthorizedParty != "" {
		m["azp"] = c.AuthorizedParty
	}
	if c.Realm != "" {
		m["realm"] = c.Realm
	}
	m["scope"] = strings.Join(c.Scopes, " ")

	return json.Marshal(m)
}

// ClaimsBuilder assembles Claims field by field. System claims are typed
// setters; anything else goes through SetExtra, which refuses registered
// names at construction time rather than at serialization.
type ClaimsBuilder struct {
	issuer    string
	realm     string
	clientID  string
	subject   string
	resources []string
	scopes    []string
	tokenID   string
	issuedAt  time.Time
	expiresAt time.Time
	extra     map[string]any
}

// NewClaimsBuilder starts a claim set for the given issuer.
func NewClaimsBuilder(issuer string) *ClaimsBuilder {
	return &ClaimsBuilder{issuer: issuer}
}

// Realm tags the claims with the issuing realm.
func (b *ClaimsBuilder) Realm(realm string) *ClaimsBuilder {
	b.realm = realm
	return b
}

// Client records the requesting client. The client id always leads the
// audience and becomes "azp" when the audience has other members.
func (b *ClaimsBuilder) Client(clientID string) *ClaimsBuilder {
	b.clientID = clientID
	return b
}

// Subject sets "sub": the user id for user tokens, the client id otherwise.
func (b *ClaimsBuilder) Subject(subject string) *ClaimsBuilder {
	b.subject = subject
	return b
}

// Scopes sets the granted scope set.
func (b *ClaimsBuilder) Scopes(scopes []string) *ClaimsBuilder {
	b.scopes = scopes
	return b
}

// ResourceAudience adds the resource ids the granted scopes resolve to.
func (b *ClaimsBuilder) ResourceAudience(resources []string) *ClaimsBuilder {
	b.resources = resources
	return b
}

// TokenID sets "jti". A random id is generated when unset.
func (b *ClaimsBuilder) TokenID(jti string) *ClaimsBuilder {
	b.tokenID = jti
	return b
}

// IssuedAt sets "iat" and "nbf".
func (b *ClaimsBuilder) IssuedAt(t time.Time) *ClaimsBuilder {
	b.issuedAt = t
	return b
}

// ExpiresAt sets "exp". Left zero, the claim is omitted.
func (b *ClaimsBuilder) ExpiresAt(t time.Time) *ClaimsBuilder {
	b.expiresAt = t
	return b
}

// SetExtra attaches a collaborator-supplied claim. Registered names are
// rejected with ErrReservedClaim.
func (b *ClaimsBuilder) SetExtra(key string, value any) error {
	if _, reserved := reservedClaims[key]; reserved {
		return ErrReservedClaim
	}
	if b.extra == nil {
		b.extra = make(map[string]any)
	}
	b.extra[key] = value
	return nil
}

// Build produces the final claim set.
func (b *ClaimsBuilder) Build() (Claims, error) {
	if b.issuer == "" {
		return Claims{}, errors.New("jwtx: issuer is required")
	}
	if b.clientID == "" {
		return Claims{}, errors.New("jwtx: client id is required")
	}

	subject := b.subject
	if subject == "" {
		subject = b.clientID
	}

	issuedAt := b.issuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}

	jti := b.tokenID
	if jti == "" {
		jti = NewJTI()
	}

	// Client id first, then resources sorted and deduplicated.
	audience := []string{b.clientID}
	seen := map[string]struct{}{b.clientID: {}}
	resources := append([]string(nil), b.resources...)
	sort.Strings(resources)
	for _, r := range resources {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		audience = append(audience, r)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    b.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings(audience),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ID:        jti,
		},
		Realm:  b.realm,
		Scopes: b.scopes,
		Extra:  b.extra,
	}
	if !b.expiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(b.expiresAt)
	}
	if len(audience) > 1 {
		claims.AuthorizedParty = b.clientID
	}

	return claims, nil
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

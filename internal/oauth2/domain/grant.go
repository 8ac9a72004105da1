package domain

// GrantType is the OAuth2 grant a token was issued under.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantImplicit          GrantType = "implicit"
	GrantPassword          GrantType = "password"
	GrantClientCredentials GrantType = "client_credentials"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantDeviceCode        GrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// SupportsRefresh reports whether the grant may be issued a refresh token.
// Client-only grants never refresh: the client can always re-authenticate.
func (g GrantType) SupportsRefresh() bool {
	switch g {
	case GrantAuthorizationCode, GrantPassword, GrantDeviceCode:
		return true
	default:
		return false
	}
}

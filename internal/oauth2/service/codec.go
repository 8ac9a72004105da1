package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
	"github.com/lamplight-id/lamplight/pkg/jwtx"
	"github.com/lamplight-id/lamplight/pkg/slogx"
)

// Codec turns a freshly issued access token into its wire form. Opaque
// tokens pass through untouched; JWT clients get a signed (and optionally
// encrypted) compact serialization as the token value. Refresh tokens are
// never encoded, they stay opaque by construction.
type Codec struct {
	Issuer string
	Keys   *jwtx.KeyManager
}

// Encode finalises the wire form of t for the given client. The stored
// token keeps the encoded value so lookups by fingerprint match what the
// caller holds.
func (c *Codec) Encode(ctx context.Context, t domain.AccessToken, auth *domain.Authorization, client *domain.Client) (domain.AccessToken, error) {
	if !client.WantsJWT() {
		t.Format = domain.FormatOpaque
		return t, nil
	}

	claims, err := c.buildClaims(ctx, t, auth)
	if err != nil {
		return domain.AccessToken{}, err
	}

	signer, err := c.pickSigner(client)
	if err != nil {
		return domain.AccessToken{}, err
	}

	signed, err := signer.Sign(claims)
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("signing access token: %w", err)
	}

	if client.RequestsEncryption() {
		if !client.EncryptionComplete() {
			return domain.AccessToken{}, fmt.Errorf("%w: client %s mandates encryption but the JWE configuration is incomplete", ErrConfiguration, client.ID)
		}
		encrypter, err := jwtx.NewEncrypter(client.EncAlg, client.EncMethod, client.EncJWKS)
		if err != nil {
			return domain.AccessToken{}, fmt.Errorf("%w: client %s: %v", ErrConfiguration, client.ID, err)
		}
		signed, err = encrypter.Encrypt(signed)
		if err != nil {
			return domain.AccessToken{}, fmt.Errorf("encrypting access token for client %s: %w", client.ID, err)
		}
	}

	t.Value = signed
	t.Format = domain.FormatJWT
	return t, nil
}

func (c *Codec) buildClaims(ctx context.Context, t domain.AccessToken, auth *domain.Authorization) (jwtx.Claims, error) {
	builder := jwtx.NewClaimsBuilder(c.Issuer).
		Realm(auth.Realm).
		Client(auth.ClientID).
		Subject(auth.Subject).
		Scopes(t.Scopes).
		ResourceAudience(resourceAudience(auth)).
		IssuedAt(t.IssuedAt).
		ExpiresAt(t.ExpiresAt)

	// Collaborator-supplied claims never override registered ones; the
	// offending key is dropped, not the whole token.
	for key, value := range t.Claims {
		if err := builder.SetExtra(key, value); err != nil {
			if errors.Is(err, jwtx.ErrReservedClaim) {
				slogx.FromContext(ctx).Warn("dropping reserved extra claim",
					slog.String("claim", key),
					slog.String("client_id", auth.ClientID))
				continue
			}
			return jwtx.Claims{}, err
		}
	}

	return builder.Build()
}

func (c *Codec) pickSigner(client *domain.Client) (jwtx.Signer, error) {
	if client.RequestsCustomSigning() {
		if client.SigningAlg == "" || client.SigningKeyPEM == "" {
			return nil, fmt.Errorf("%w: client %s mandates custom signing but alg or key is missing", ErrConfiguration, client.ID)
		}
		signer, err := jwtx.NewSigner(client.SigningAlg, client.ID, []byte(client.SigningKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("%w: client %s signing key: %v", ErrConfiguration, client.ID, err)
		}
		return signer, nil
	}

	if c.Keys == nil {
		return nil, fmt.Errorf("%w: no system signing keys available", ErrConfiguration)
	}
	signer := c.Keys.GetSigner()
	if signer == nil {
		return nil, fmt.Errorf("%w: no system signing keys available", ErrConfiguration)
	}
	return signer, nil
}

// resourceAudience strips the client id from the stored audience; the
// claims builder re-adds it in first position.
func resourceAudience(auth *domain.Authorization) []string {
	var out []string
	for _, aud := range auth.Audience {
		if aud != auth.ClientID {
			out = append(out, aud)
		}
	}
	return out
}

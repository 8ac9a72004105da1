package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
)

type clientsRepo struct {
	db dbtx
}

func (r *clientsRepo) GetClientByID(ctx context.Context, id string) (domain.Client, error) {
	var c domain.Client
	var scopes, redirectURIs, authorities, spaceContexts, tokenFormat string
	var accessValidity, refreshValidity, createdAt, updatedAt int64

	err := r.db.QueryRowContext(ctx, `
		SELECT id, realm, name, secret_hash, scopes, redirect_uris, authorities,
		       space_contexts, token_format, access_token_validity, refresh_token_validity,
		       signing_alg, signing_key_pem, enc_alg, enc_method, enc_jwks,
		       created_at, updated_at
		FROM clients WHERE id = ?`, id,
	).Scan(
		&c.ID, &c.Realm, &c.Name, &c.SecretHash, &scopes, &redirectURIs, &authorities,
		&spaceContexts, &tokenFormat, &accessValidity, &refreshValidity,
		&c.SigningAlg, &c.SigningKeyPEM, &c.EncAlg, &c.EncMethod, &c.EncJWKS,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Client{}, mapNotFound(err)
	}

	c.Scopes = splitList(scopes)
	c.RedirectURIs = splitList(redirectURIs)
	c.Authorities = splitList(authorities)
	c.SpaceContexts = splitList(spaceContexts)
	c.TokenFormat = domain.TokenFormat(tokenFormat)
	c.AccessTokenValidity = time.Duration(accessValidity) * time.Second
	c.RefreshTokenValidity = time.Duration(refreshValidity) * time.Second
	c.CreatedAt = unixOrZero(createdAt)
	c.UpdatedAt = unixOrZero(updatedAt)
	return c, nil
}

func (r *clientsRepo) CreateClient(ctx context.Context, c domain.Client) error {
	now := time.Now().Unix()
	format := c.TokenFormat
	if format == "" {
		format = domain.FormatOpaque
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clients
			(id, realm, name, secret_hash, scopes, redirect_uris, authorities,
			 space_contexts, token_format, access_token_validity, refresh_token_validity,
			 signing_alg, signing_key_pem, enc_alg, enc_method, enc_jwks,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Realm, c.Name, c.SecretHash,
		joinList(c.Scopes), joinList(c.RedirectURIs), joinList(c.Authorities),
		joinList(c.SpaceContexts), string(format),
		int64(c.AccessTokenValidity/time.Second), int64(c.RefreshTokenValidity/time.Second),
		c.SigningAlg, c.SigningKeyPEM, c.EncAlg, c.EncMethod, c.EncJWKS,
		now, now,
	)
	return mapWriteErr(err)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, " ")
}

func joinList(list []string) string {
	return strings.Join(list, " ")
}

package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
	"github.com/lamplight-id/lamplight/pkg/cryptox"
)

type refreshTokensRepo struct {
	db dbtx
}

func (r *refreshTokensRepo) CreateRefreshToken(
	ctx context.Context,
	t domain.RefreshToken,
	auth domain.Authorization,
) error {
	tokenJSON, err := json.Marshal(t)
	if err != nil {
		return err
	}
	authJSON, err := json.Marshal(auth)
	if err != nil {
		return err
	}

	var expiresAt any
	if t.ExpiresAt != nil {
		expiresAt = t.ExpiresAt.Unix()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens
			(token_hash, realm, client_id, subject, issued_at, expires_at, token_json, auth_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cryptox.FingerprintToken(t.Value),
		auth.Realm,
		auth.ClientID,
		auth.Subject,
		toUnix(t.IssuedAt),
		expiresAt,
		string(tokenJSON),
		string(authJSON),
		time.Now().Unix(),
	)
	return mapWriteErr(err)
}

func (r *refreshTokensRepo) GetRefreshTokenByHash(
	ctx context.Context,
	hash string,
) (domain.RefreshToken, error) {
	var tokenJSON string
	err := r.db.QueryRowContext(ctx,
		`SELECT token_json FROM refresh_tokens WHERE token_hash = ?`, hash,
	).Scan(&tokenJSON)
	if err != nil {
		return domain.RefreshToken{}, mapNotFound(err)
	}

	var t domain.RefreshToken
	if err := json.Unmarshal([]byte(tokenJSON), &t); err != nil {
		return domain.RefreshToken{}, err
	}
	return t, nil
}

func (r *refreshTokensRepo) GetAuthorizationByRefreshHash(
	ctx context.Context,
	hash string,
) (domain.Authorization, error) {
	var authJSON string
	err := r.db.QueryRowContext(ctx,
		`SELECT auth_json FROM refresh_tokens WHERE token_hash = ?`, hash,
	).Scan(&authJSON)
	if err != nil {
		return domain.Authorization{}, mapNotFound(err)
	}

	var auth domain.Authorization
	if err := json.Unmarshal([]byte(authJSON), &auth); err != nil {
		return domain.Authorization{}, err
	}
	return auth, nil
}

func (r *refreshTokensRepo) DeleteRefreshTokenByHash(ctx context.Context, hash string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = ?`, hash)
	return mapWriteErr(err)
}

func (r *refreshTokensRepo) DeleteExpiredRefreshTokens(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens
		WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now().Unix())
	return mapWriteErr(err)
}

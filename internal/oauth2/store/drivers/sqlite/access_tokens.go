package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
	"github.com/lamplight-id/lamplight/pkg/cryptox"
)

type accessTokensRepo struct {
	db dbtx
}

func (r *accessTokensRepo) CreateAccessToken(
	ctx context.Context,
	t domain.AccessToken,
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

	var refreshHash any
	if t.RefreshValue != "" {
		refreshHash = cryptox.FingerprintToken(t.RefreshValue)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO access_tokens
			(token_hash, refresh_hash, auth_key, realm, client_id, subject, expires_at, token_json, auth_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cryptox.FingerprintToken(t.Value),
		refreshHash,
		cryptox.FingerprintToken(auth.Key()),
		auth.Realm,
		auth.ClientID,
		auth.Subject,
		toUnix(t.ExpiresAt),
		string(tokenJSON),
		string(authJSON),
		time.Now().Unix(),
	)
	return mapWriteErr(err)
}

func (r *accessTokensRepo) GetAccessTokenByHash(
	ctx context.Context,
	hash string,
) (domain.AccessToken, domain.Authorization, error) {
	var tokenJSON, authJSON string
	err := r.db.QueryRowContext(ctx,
		`SELECT token_json, auth_json FROM access_tokens WHERE token_hash = ?`, hash,
	).Scan(&tokenJSON, &authJSON)
	if err != nil {
		return domain.AccessToken{}, domain.Authorization{}, mapNotFound(err)
	}

	var t domain.AccessToken
	if err := json.Unmarshal([]byte(tokenJSON), &t); err != nil {
		return domain.AccessToken{}, domain.Authorization{}, err
	}
	var auth domain.Authorization
	if err := json.Unmarshal([]byte(authJSON), &auth); err != nil {
		return domain.AccessToken{}, domain.Authorization{}, err
	}
	return t, auth, nil
}

func (r *accessTokensRepo) DeleteAccessTokenByHash(ctx context.Context, hash string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE token_hash = ?`, hash)
	return mapWriteErr(err)
}

func (r *accessTokensRepo) GetAccessTokenByRefreshHash(
	ctx context.Context,
	refreshHash string,
) (domain.AccessToken, error) {
	var tokenJSON string
	err := r.db.QueryRowContext(ctx,
		`SELECT token_json FROM access_tokens WHERE refresh_hash = ? LIMIT 1`, refreshHash,
	).Scan(&tokenJSON)
	if err != nil {
		return domain.AccessToken{}, mapNotFound(err)
	}

	var t domain.AccessToken
	if err := json.Unmarshal([]byte(tokenJSON), &t); err != nil {
		return domain.AccessToken{}, err
	}
	return t, nil
}

func (r *accessTokensRepo) DeleteAccessTokensByRefreshHash(ctx context.Context, refreshHash string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE refresh_hash = ?`, refreshHash)
	return mapWriteErr(err)
}

func (r *accessTokensRepo) FindAccessTokenByAuthKey(
	ctx context.Context,
	authKey string,
	now time.Time,
) (domain.AccessToken, error) {
	var tokenJSON string
	err := r.db.QueryRowContext(ctx, `
		SELECT token_json FROM access_tokens
		WHERE auth_key = ? AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`,
		authKey, now.Unix(),
	).Scan(&tokenJSON)
	if err != nil {
		return domain.AccessToken{}, mapNotFound(err)
	}

	var t domain.AccessToken
	if err := json.Unmarshal([]byte(tokenJSON), &t); err != nil {
		return domain.AccessToken{}, err
	}
	return t, nil
}

func (r *accessTokensRepo) DeleteExpiredAccessTokens(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM access_tokens WHERE expires_at > 0 AND expires_at <= ?`, time.Now().Unix())
	return mapWriteErr(err)
}

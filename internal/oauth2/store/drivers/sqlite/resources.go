package sqlite

import (
	"context"
	"strings"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
)

type resourcesRepo struct {
	db dbtx
}

func (r *resourcesRepo) ResolveAudience(
	ctx context.Context,
	realm string,
	scopes []string,
) ([]domain.Resource, error) {
	if len(scopes) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(scopes)), ",")
	args := []any{realm}
	for _, s := range scopes {
		args = append(args, s)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT realm, scope, resource_id, owner_client_id
		FROM resources
		WHERE realm = ? AND scope IN (`+placeholders+`)
		ORDER BY resource_id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Resource
	for rows.Next() {
		var res domain.Resource
		if err := rows.Scan(&res.Realm, &res.Scope, &res.ID, &res.OwnerClientID); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *resourcesRepo) CreateResource(ctx context.Context, res domain.Resource) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resources (realm, scope, resource_id, owner_client_id)
		VALUES (?, ?, ?, ?)`,
		res.Realm, res.Scope, res.ID, res.OwnerClientID,
	)
	return mapWriteErr(err)
}

func (r *resourcesRepo) DeleteResource(ctx context.Context, realm, scope string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM resources WHERE realm = ? AND scope = ?`, realm, scope)
	return mapWriteErr(err)
}

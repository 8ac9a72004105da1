package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
)

type approvalsRepo struct {
	db dbtx
}

// GetApprovals purges expired rows for the pair before reading, so callers
// only ever see currently meaningful decisions.
func (r *approvalsRepo) GetApprovals(
	ctx context.Context,
	subject, clientID string,
) ([]domain.Approval, error) {
	now := time.Now().Unix()

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM approvals
		WHERE subject = ? AND client_id = ? AND expires_at <= ?`,
		subject, clientID, now,
	); err != nil {
		return nil, mapWriteErr(err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT subject, client_id, scope, status, expires_at, updated_at
		FROM approvals
		WHERE subject = ? AND client_id = ?
		ORDER BY scope`,
		subject, clientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Approval
	for rows.Next() {
		var a domain.Approval
		var status string
		var expiresAt, updatedAt int64
		if err := rows.Scan(&a.Subject, &a.ClientID, &a.Scope, &status, &expiresAt, &updatedAt); err != nil {
			return nil, err
		}
		a.Status = domain.ApprovalStatus(status)
		a.ExpiresAt = unixOrZero(expiresAt)
		a.UpdatedAt = unixOrZero(updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *approvalsRepo) UpsertApproval(ctx context.Context, a domain.Approval) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO approvals (subject, client_id, scope, status, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject, client_id, scope)
		DO UPDATE SET status = excluded.status,
		              expires_at = excluded.expires_at,
		              updated_at = excluded.updated_at`,
		a.Subject, a.ClientID, a.Scope, string(a.Status),
		toUnix(a.ExpiresAt), time.Now().Unix(),
	)
	return mapWriteErr(err)
}

func (r *approvalsRepo) RevokeApprovals(
	ctx context.Context,
	subject, clientID string,
	scopes []string,
) error {
	if len(scopes) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(scopes)), ",")
	args := []any{subject, clientID}
	for _, s := range scopes {
		args = append(args, s)
	}

	_, err := r.db.ExecContext(ctx, `
		DELETE FROM approvals
		WHERE subject = ? AND client_id = ? AND scope IN (`+placeholders+`)`,
		args...,
	)
	return mapWriteErr(err)
}

func (r *approvalsRepo) DeleteExpiredApprovals(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM approvals WHERE expires_at <= ?`, time.Now().Unix())
	return mapWriteErr(err)
}

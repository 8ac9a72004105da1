package store

import (
	"context"
	"errors"
	"time"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrConflict reports a serialization failure inside a transaction;
	// callers retry the enclosing operation exactly once.
	ErrConflict = errors.New("store: conflict")
)

// Store is the root data access interface. Concrete drivers implement it.
// Sub-repositories keep concerns separate; no business policy lives behind
// them, only persistence.
type Store interface {
	AccessTokens() AccessTokens
	RefreshTokens() RefreshTokens
	Approvals() Approvals
	Clients() Clients
	Resources() Resources

	ApplyMigrations() error

	// Tx starts a read/write transaction scoped over the same
	// sub-repositories. The caller MUST Commit or Rollback.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction, committing when fn
	// returns nil and rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
	Ping(ctx context.Context) error
}

// Tx is a transaction-scoped Store.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

// AccessTokens stores issued access tokens keyed by the SHA-256
// fingerprint of their final wire value, together with the authorization
// context they were issued for.
type AccessTokens interface {
	CreateAccessToken(ctx context.Context, t domain.AccessToken, auth domain.Authorization) error

	// GetAccessTokenByHash returns the token and its bound authorization.
	GetAccessTokenByHash(ctx context.Context, hash string) (domain.AccessToken, domain.Authorization, error)

	DeleteAccessTokenByHash(ctx context.Context, hash string) error

	// GetAccessTokenByRefreshHash returns the at-most-one access token
	// currently bound to a refresh token.
	GetAccessTokenByRefreshHash(ctx context.Context, refreshHash string) (domain.AccessToken, error)

	// DeleteAccessTokensByRefreshHash removes every access token bound to
	// a refresh token. Removing nothing is not an error.
	DeleteAccessTokensByRefreshHash(ctx context.Context, refreshHash string) error

	// FindAccessTokenByAuthKey is the best-effort lookup of a live token
	// for an authorization identity; ErrNotFound is always a valid answer.
	FindAccessTokenByAuthKey(ctx context.Context, authKey string, now time.Time) (domain.AccessToken, error)

	DeleteExpiredAccessTokens(ctx context.Context) error
}

// RefreshTokens stores refresh tokens keyed by value fingerprint, bound
// 1-to-1 to the authorization they were issued for.
type RefreshTokens interface {
	CreateRefreshToken(ctx context.Context, t domain.RefreshToken, auth domain.Authorization) error

	GetRefreshTokenByHash(ctx context.Context, hash string) (domain.RefreshToken, error)

	// GetAuthorizationByRefreshHash returns the authorization bound to a
	// refresh token.
	GetAuthorizationByRefreshHash(ctx context.Context, hash string) (domain.Authorization, error)

	DeleteRefreshTokenByHash(ctx context.Context, hash string) error

	DeleteExpiredRefreshTokens(ctx context.Context) error
}

// Approvals tracks per-(subject, client, scope) consent decisions.
// Consent flows write them; the token core reads them on refresh.
type Approvals interface {
	// GetApprovals returns the stored approvals for a subject and client,
	// purging expired rows as a side effect of the read.
	GetApprovals(ctx context.Context, subject, clientID string) ([]domain.Approval, error)

	// UpsertApproval records a consent decision, replacing any previous
	// decision for the same (subject, client, scope).
	UpsertApproval(ctx context.Context, a domain.Approval) error

	// RevokeApprovals removes the decisions for the given scopes.
	RevokeApprovals(ctx context.Context, subject, clientID string, scopes []string) error

	DeleteExpiredApprovals(ctx context.Context) error
}

// Clients is the client directory: authoritative for per-client validity
// and crypto policy. Administration of clients is out of scope; creation
// exists for seeding and tests.
type Clients interface {
	GetClientByID(ctx context.Context, id string) (domain.Client, error)
	CreateClient(ctx context.Context, c domain.Client) error
}

// Resources is the resource directory mapping scopes to the
// resource/service identifiers used for audience computation.
type Resources interface {
	// ResolveAudience returns the resources the given scopes resolve to.
	// Scopes without a mapping are skipped.
	ResolveAudience(ctx context.Context, realm string, scopes []string) ([]domain.Resource, error)

	CreateResource(ctx context.Context, r domain.Resource) error
	DeleteResource(ctx context.Context, realm, scope string) error
}

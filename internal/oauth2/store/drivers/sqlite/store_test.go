package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
	"github.com/lamplight-id/lamplight/internal/oauth2/store"
	"github.com/lamplight-id/lamplight/pkg/cryptox"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	st, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.ApplyMigrations())
	return st
}

func testAuth() domain.Authorization {
	return domain.Authorization{
		Realm:     "master",
		ClientID:  "portal",
		Subject:   "alice",
		GrantType: domain.GrantPassword,
		Scopes:    []string{"profile:read"},
		Audience:  []string{"portal"},
		Params:    map[string]string{"state": "xyz"},
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	auth := testAuth()
	token := domain.AccessToken{
		Value:     "access-1",
		TokenType: "Bearer",
		Format:    domain.FormatOpaque,
		Scopes:    auth.Scopes,
		IssuedAt:  time.Now().Truncate(time.Second),
		ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second),
	}
	require.NoError(t, st.AccessTokens().CreateAccessToken(ctx, token, auth))

	got, gotAuth, err := st.AccessTokens().GetAccessTokenByHash(ctx, cryptox.FingerprintToken("access-1"))
	require.NoError(t, err)
	require.Equal(t, token.Value, got.Value)
	require.Equal(t, token.Scopes, got.Scopes)
	require.Equal(t, auth.Subject, gotAuth.Subject)
	require.Equal(t, auth.Params, gotAuth.Params)

	require.NoError(t, st.AccessTokens().DeleteAccessTokenByHash(ctx, cryptox.FingerprintToken("access-1")))
	_, _, err = st.AccessTokens().GetAccessTokenByHash(ctx, cryptox.FingerprintToken("access-1"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAccessTokensByRefreshHash(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	auth := testAuth()

	refreshHash := cryptox.FingerprintToken("refresh-1")
	for _, value := range []string{"access-1", "access-2"} {
		require.NoError(t, st.AccessTokens().CreateAccessToken(ctx, domain.AccessToken{
			Value:        value,
			TokenType:    "Bearer",
			Format:       domain.FormatOpaque,
			Scopes:       auth.Scopes,
			IssuedAt:     time.Now(),
			ExpiresAt:    time.Now().Add(time.Hour),
			RefreshValue: "refresh-1",
		}, auth))
	}

	_, err := st.AccessTokens().GetAccessTokenByRefreshHash(ctx, refreshHash)
	require.NoError(t, err)

	require.NoError(t, st.AccessTokens().DeleteAccessTokensByRefreshHash(ctx, refreshHash))
	_, err = st.AccessTokens().GetAccessTokenByRefreshHash(ctx, refreshHash)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Deleting again is not an error.
	require.NoError(t, st.AccessTokens().DeleteAccessTokensByRefreshHash(ctx, refreshHash))
}

func TestFindAccessTokenByAuthKey(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	auth := testAuth()
	authKey := cryptox.FingerprintToken(auth.Key())

	_, err := st.AccessTokens().FindAccessTokenByAuthKey(ctx, authKey, time.Now())
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.AccessTokens().CreateAccessToken(ctx, domain.AccessToken{
		Value:     "live",
		TokenType: "Bearer",
		Format:    domain.FormatOpaque,
		Scopes:    auth.Scopes,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}, auth))

	got, err := st.AccessTokens().FindAccessTokenByAuthKey(ctx, authKey, time.Now())
	require.NoError(t, err)
	require.Equal(t, "live", got.Value)

	// An expired token never matches.
	_, err = st.AccessTokens().FindAccessTokenByAuthKey(ctx, authKey, time.Now().Add(2*time.Hour))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	auth := testAuth()

	exp := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
	require.NoError(t, st.RefreshTokens().CreateRefreshToken(ctx, domain.RefreshToken{
		Value:     "refresh-1",
		IssuedAt:  time.Now().Truncate(time.Second),
		ExpiresAt: &exp,
	}, auth))

	hash := cryptox.FingerprintToken("refresh-1")
	got, err := st.RefreshTokens().GetRefreshTokenByHash(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	require.True(t, got.ExpiresAt.Equal(exp))

	gotAuth, err := st.RefreshTokens().GetAuthorizationByRefreshHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, auth.Scopes, gotAuth.Scopes)

	require.NoError(t, st.RefreshTokens().DeleteRefreshTokenByHash(ctx, hash))
	_, err = st.RefreshTokens().GetRefreshTokenByHash(ctx, hash)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefreshTokenNonExpiring(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.RefreshTokens().CreateRefreshToken(ctx, domain.RefreshToken{
		Value:    "forever",
		IssuedAt: time.Now(),
	}, testAuth()))

	got, err := st.RefreshTokens().GetRefreshTokenByHash(ctx, cryptox.FingerprintToken("forever"))
	require.NoError(t, err)
	require.Nil(t, got.ExpiresAt)

	// The expiry sweep leaves non-expiring tokens alone.
	require.NoError(t, st.RefreshTokens().DeleteExpiredRefreshTokens(ctx))
	_, err = st.RefreshTokens().GetRefreshTokenByHash(ctx, cryptox.FingerprintToken("forever"))
	require.NoError(t, err)
}

func TestApprovalsPurgeExpiredOnRead(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	now := time.Now()

	require.NoError(t, st.Approvals().UpsertApproval(ctx, domain.Approval{
		Subject: "alice", ClientID: "portal", Scope: "live",
		Status: domain.ApprovalApproved, ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
	}))
	require.NoError(t, st.Approvals().UpsertApproval(ctx, domain.Approval{
		Subject: "alice", ClientID: "portal", Scope: "stale",
		Status: domain.ApprovalApproved, ExpiresAt: now.Add(-time.Hour), UpdatedAt: now,
	}))

	approvals, err := st.Approvals().GetApprovals(ctx, "alice", "portal")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	require.Equal(t, "live", approvals[0].Scope)
}

func TestApprovalsUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	now := time.Now()

	approval := domain.Approval{
		Subject: "alice", ClientID: "portal", Scope: "profile:read",
		Status: domain.ApprovalApproved, ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
	}
	require.NoError(t, st.Approvals().UpsertApproval(ctx, approval))

	approval.Status = domain.ApprovalDenied
	require.NoError(t, st.Approvals().UpsertApproval(ctx, approval))

	approvals, err := st.Approvals().GetApprovals(ctx, "alice", "portal")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	require.Equal(t, domain.ApprovalDenied, approvals[0].Status)
}

func TestRevokeApprovals(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	now := time.Now()

	for _, scope := range []string{"a", "b", "c"} {
		require.NoError(t, st.Approvals().UpsertApproval(ctx, domain.Approval{
			Subject: "alice", ClientID: "portal", Scope: scope,
			Status: domain.ApprovalApproved, ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
		}))
	}

	require.NoError(t, st.Approvals().RevokeApprovals(ctx, "alice", "portal", []string{"a", "c"}))

	approvals, err := st.Approvals().GetApprovals(ctx, "alice", "portal")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	require.Equal(t, "b", approvals[0].Scope)
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	client := domain.Client{
		ID:                   "portal",
		Realm:                "master",
		Name:                 "Customer Portal",
		Scopes:               []string{"profile:read", "orders:read"},
		RedirectURIs:         []string{"https://portal.example/callback"},
		Authorities:          []string{domain.AuthorityTrusted},
		SpaceContexts:        []string{"tenant"},
		TokenFormat:          domain.FormatJWT,
		AccessTokenValidity:  15 * time.Minute,
		RefreshTokenValidity: 24 * time.Hour,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	require.NoError(t, st.Clients().CreateClient(ctx, client))

	got, err := st.Clients().GetClientByID(ctx, "portal")
	require.NoError(t, err)
	require.Equal(t, client.Scopes, got.Scopes)
	require.Equal(t, client.SpaceContexts, got.SpaceContexts)
	require.Equal(t, domain.FormatJWT, got.TokenFormat)
	require.Equal(t, 15*time.Minute, got.AccessTokenValidity)
	require.True(t, got.IsTrusted())

	_, err = st.Clients().GetClientByID(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)

	err = st.Clients().CreateClient(ctx, client)
	require.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestResolveAudience(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.Resources().CreateResource(ctx, domain.Resource{
		ID: "svc-orders", Realm: "master", Scope: "orders:read", OwnerClientID: "orders-api",
	}))
	require.NoError(t, st.Resources().CreateResource(ctx, domain.Resource{
		ID: "svc-billing", Realm: "master", Scope: "billing:read", OwnerClientID: "billing-api",
	}))
	require.NoError(t, st.Resources().CreateResource(ctx, domain.Resource{
		ID: "svc-other", Realm: "tenant-b", Scope: "orders:read", OwnerClientID: "other",
	}))

	resources, err := st.Resources().ResolveAudience(ctx, "master", []string{"orders:read", "billing:read", "unmapped"})
	require.NoError(t, err)
	require.Len(t, resources, 2)

	require.NoError(t, st.Resources().DeleteResource(ctx, "master", "orders:read"))
	resources, err = st.Resources().ResolveAudience(ctx, "master", []string{"orders:read"})
	require.NoError(t, err)
	require.Empty(t, resources)
}

func TestExpirySweeps(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	auth := testAuth()
	now := time.Now()

	require.NoError(t, st.AccessTokens().CreateAccessToken(ctx, domain.AccessToken{
		Value: "stale", TokenType: "Bearer", Format: domain.FormatOpaque,
		Scopes: auth.Scopes, IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}, auth))
	require.NoError(t, st.AccessTokens().CreateAccessToken(ctx, domain.AccessToken{
		Value: "live", TokenType: "Bearer", Format: domain.FormatOpaque,
		Scopes: auth.Scopes, IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}, auth))

	staleExp := now.Add(-time.Minute)
	require.NoError(t, st.RefreshTokens().CreateRefreshToken(ctx, domain.RefreshToken{
		Value: "stale-refresh", IssuedAt: now.Add(-time.Hour), ExpiresAt: &staleExp,
	}, auth))

	require.NoError(t, st.AccessTokens().DeleteExpiredAccessTokens(ctx))
	require.NoError(t, st.RefreshTokens().DeleteExpiredRefreshTokens(ctx))

	_, _, err := st.AccessTokens().GetAccessTokenByHash(ctx, cryptox.FingerprintToken("stale"))
	require.ErrorIs(t, err, store.ErrNotFound)
	_, _, err = st.AccessTokens().GetAccessTokenByHash(ctx, cryptox.FingerprintToken("live"))
	require.NoError(t, err)
	_, err = st.RefreshTokens().GetRefreshTokenByHash(ctx, cryptox.FingerprintToken("stale-refresh"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	auth := testAuth()

	sentinel := errors.New("boom")
	err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.AccessTokens().CreateAccessToken(ctx, domain.AccessToken{
			Value: "doomed", TokenType: "Bearer", Format: domain.FormatOpaque,
			Scopes: auth.Scopes, IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
		}, auth); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, _, err = st.AccessTokens().GetAccessTokenByHash(ctx, cryptox.FingerprintToken("doomed"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConnPragmasTravelInDSN(t *testing.T) {
	dsn := withConnPragmas("tokens.db")
	require.Contains(t, dsn, "?_pragma=foreign_keys(1)")
	require.Contains(t, dsn, "_pragma=busy_timeout(5000)")
	require.Contains(t, dsn, "_pragma=journal_mode(WAL)")

	// An existing query string gets extended, not duplicated.
	withQuery := withConnPragmas("tokens.db?mode=rwc")
	require.True(t, strings.HasPrefix(withQuery, "tokens.db?mode=rwc&_pragma="))
}

func TestLockContentionMapsToConflict(t *testing.T) {
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")

	require.ErrorIs(t, mapBusy(busy), store.ErrConflict)
	require.ErrorIs(t, mapNotFound(busy), store.ErrConflict)
	require.ErrorIs(t, mapWriteErr(busy), store.ErrConflict)
	require.NoError(t, mapBusy(nil))
}

func TestFileBackedConcurrentWrites(t *testing.T) {
	st, err := NewStore(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	ctx := context.Background()
	auth := testAuth()

	// Every pooled connection carries its own busy_timeout, so parallel
	// writers queue instead of surfacing a raw locked error.
	const workers = 16
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = st.WithTx(ctx, func(tx store.Tx) error {
				return tx.AccessTokens().CreateAccessToken(ctx, domain.AccessToken{
					Value:     cryptox.MustGenerateToken(cryptox.TokenSize256),
					TokenType: "Bearer",
					Format:    domain.FormatOpaque,
					Scopes:    auth.Scopes,
					IssuedAt:  time.Now(),
					ExpiresAt: time.Now().Add(time.Hour),
				}, auth)
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
	}
}

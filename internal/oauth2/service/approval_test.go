package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
	"github.com/lamplight-id/lamplight/internal/oauth2/store/drivers/sqlite"
)

func newTestApprovalEngine(t *testing.T) (*ApprovalEngine, *sqlite.Store) {
	t.Helper()

	st := newTestStore(t)
	return &ApprovalEngine{
		Clients:         st.Clients(),
		Approvals:       st.Approvals(),
		Resources:       NewResourceCache(st.Resources()),
		TestRedirectURI: "http://localhost/diagnostic/callback",
	}, st
}

func TestApprovalTrustedClientAutoApproves(t *testing.T) {
	e, st := newTestApprovalEngine(t)
	seedClient(t, st, domain.Client{
		ID: "internal", Scopes: []string{"profile:read"}, Authorities: []string{domain.AuthorityTrusted},
	})

	result, err := e.Evaluate(context.Background(), userAuth("internal", "profile:read"), nil)
	require.NoError(t, err)
	require.Equal(t, DecisionApproved, result.Decision)
	require.NotNil(t, result.Authorization)
}

func TestApprovalNeedsUserConsent(t *testing.T) {
	e, st := newTestApprovalEngine(t)
	seedClient(t, st, domain.Client{ID: "portal", Scopes: []string{"profile:read"}})

	result, err := e.Evaluate(context.Background(), userAuth("portal", "profile:read"), nil)
	require.NoError(t, err)
	require.Equal(t, DecisionNeedsUserConsent, result.Decision)
}

func TestApprovalExplicitConsentPersists(t *testing.T) {
	ctx := context.Background()
	e, st := newTestApprovalEngine(t)
	seedClient(t, st, domain.Client{ID: "portal", Scopes: []string{"profile:read", "orders:read"}})

	auth := userAuth("portal", "profile:read", "orders:read")
	result, err := e.Evaluate(ctx, auth, map[string]string{ParamUserApproval: "true"})
	require.NoError(t, err)
	require.Equal(t, DecisionApproved, result.Decision)

	approvals, err := st.Approvals().GetApprovals(ctx, "alice", "portal")
	require.NoError(t, err)
	require.Len(t, approvals, 2)
	for _, a := range approvals {
		require.Equal(t, domain.ApprovalApproved, a.Status)
		require.True(t, a.IsActive(time.Now()))
	}

	// The recorded consent settles the next evaluation without params.
	result, err = e.Evaluate(ctx, auth, nil)
	require.NoError(t, err)
	require.Equal(t, DecisionApproved, result.Decision)
}

func TestApprovalExplicitDenialPersists(t *testing.T) {
	ctx := context.Background()
	e, st := newTestApprovalEngine(t)
	seedClient(t, st, domain.Client{ID: "portal", Scopes: []string{"profile:read"}})

	auth := userAuth("portal", "profile:read")
	result, err := e.Evaluate(ctx, auth, map[string]string{ParamUserApproval: "false"})
	require.NoError(t, err)
	require.Equal(t, DecisionDenied, result.Decision)

	approvals, err := st.Approvals().GetApprovals(ctx, "alice", "portal")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	require.Equal(t, domain.ApprovalDenied, approvals[0].Status)
}

func TestApprovalTestRedirectAutoApproves(t *testing.T) {
	e, st := newTestApprovalEngine(t)
	seedClient(t, st, domain.Client{ID: "portal", Scopes: []string{"profile:read"}})

	auth := userAuth("portal", "profile:read")
	auth.RedirectURI = "http://localhost/diagnostic/callback"

	result, err := e.Evaluate(context.Background(), auth, nil)
	require.NoError(t, err)
	require.Equal(t, DecisionApproved, result.Decision)
}

func TestApprovalSelfResourcesOnlyAutoApproves(t *testing.T) {
	ctx := context.Background()
	e, st := newTestApprovalEngine(t)
	seedClient(t, st, domain.Client{ID: "orders-api", Scopes: []string{"orders:read"}})
	require.NoError(t, st.Resources().CreateResource(ctx, domain.Resource{
		ID: "svc-orders", Realm: "master", Scope: "orders:read", OwnerClientID: "orders-api",
	}))

	result, err := e.Evaluate(ctx, userAuth("orders-api", "orders:read"), nil)
	require.NoError(t, err)
	require.Equal(t, DecisionApproved, result.Decision)
}

func TestApprovalForeignResourceNeedsConsent(t *testing.T) {
	ctx := context.Background()
	e, st := newTestApprovalEngine(t)
	seedClient(t, st, domain.Client{ID: "portal", Scopes: []string{"orders:read"}})
	require.NoError(t, st.Resources().CreateResource(ctx, domain.Resource{
		ID: "svc-orders", Realm: "master", Scope: "orders:read", OwnerClientID: "orders-api",
	}))

	result, err := e.Evaluate(ctx, userAuth("portal", "orders:read"), nil)
	require.NoError(t, err)
	require.Equal(t, DecisionNeedsUserConsent, result.Decision)
}

func spanningAuth(clientID string) *domain.Authorization {
	auth := userAuth(clientID, "profile:read")
	auth.Authorities = []domain.SpaceAuthority{
		{Context: "tenant", Space: "acme", Role: "admin"},
		{Context: "tenant", Space: "globex", Role: "viewer"},
		{Context: "region", Space: "eu", Role: "member"},
	}
	return auth
}

func TestApprovalSpaceSelectionGate(t *testing.T) {
	ctx := context.Background()
	e, st := newTestApprovalEngine(t)
	seedClient(t, st, domain.Client{
		ID: "portal", Scopes: []string{"profile:read"}, SpaceContexts: []string{"tenant"},
	})

	t.Run("blocks even explicit consent", func(t *testing.T) {
		result, err := e.Evaluate(ctx, spanningAuth("portal"), map[string]string{
			ParamUserApproval: "true",
		})
		require.NoError(t, err)
		require.Equal(t, DecisionNeedsSpaceSelection, result.Decision)
		require.Equal(t, []string{"tenant"}, result.PendingContexts)
	})

	t.Run("rejects a space outside the subject's authorities", func(t *testing.T) {
		result, err := e.Evaluate(ctx, spanningAuth("portal"), map[string]string{
			ParamUserApproval:                "true",
			SpaceSelectionPrefix + "tenant": "initech",
		})
		require.NoError(t, err)
		require.Equal(t, DecisionNeedsSpaceSelection, result.Decision)
	})

	t.Run("valid selection narrows authorities", func(t *testing.T) {
		result, err := e.Evaluate(ctx, spanningAuth("portal"), map[string]string{
			ParamUserApproval:                "true",
			SpaceSelectionPrefix + "tenant": "acme",
		})
		require.NoError(t, err)
		require.Equal(t, DecisionApproved, result.Decision)
		require.Equal(t, []domain.SpaceAuthority{
			{Context: "tenant", Space: "acme", Role: "admin"},
			{Context: "region", Space: "eu", Role: "member"},
		}, result.Authorization.Authorities)
	})
}

func TestApprovalUnambiguousContextSkipsSelection(t *testing.T) {
	ctx := context.Background()
	e, st := newTestApprovalEngine(t)
	seedClient(t, st, domain.Client{
		ID: "portal", Scopes: []string{"profile:read"},
		SpaceContexts: []string{"tenant"},
		Authorities:   []string{domain.AuthorityTrusted},
	})

	auth := userAuth("portal", "profile:read")
	auth.Authorities = []domain.SpaceAuthority{
		{Context: "tenant", Space: "acme", Role: "admin"},
	}

	result, err := e.Evaluate(ctx, auth, nil)
	require.NoError(t, err)
	require.Equal(t, DecisionApproved, result.Decision)
	require.Equal(t, auth.Authorities, result.Authorization.Authorities)
}

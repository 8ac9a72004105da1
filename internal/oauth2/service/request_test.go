package service

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
	"github.com/lamplight-id/lamplight/internal/oauth2/stepup"
	"github.com/lamplight-id/lamplight/internal/oauth2/store/drivers/sqlite"
	"github.com/lamplight-id/lamplight/pkg/cryptox"
)

func TestParseScopes(t *testing.T) {
	t.Run("space delimited", func(t *testing.T) {
		require.Equal(t, []string{"a", "b"}, ParseScopes("a b"))
	})

	t.Run("comma delimited", func(t *testing.T) {
		require.Equal(t, []string{"a", "b"}, ParseScopes("a,b"))
	})

	t.Run("mixed and repeated delimiters", func(t *testing.T) {
		require.Equal(t, []string{"a", "b", "c"}, ParseScopes("a, b  c"))
	})

	t.Run("deduplicates", func(t *testing.T) {
		require.Equal(t, []string{"a", "b"}, ParseScopes("a b a"))
	})

	t.Run("empty", func(t *testing.T) {
		require.Empty(t, ParseScopes(""))
	})
}

func newTestRequestBuilder(t *testing.T, vault *stepup.Vault) (*RequestBuilder, *sqlite.Store) {
	t.Helper()

	st := newTestStore(t)
	return &RequestBuilder{
		Clients:       st.Clients(),
		Audience:      NewResourceCache(st.Resources()),
		Confirmations: vault,
	}, st
}

func TestBuildRequiresClientID(t *testing.T) {
	b, _ := newTestRequestBuilder(t, nil)

	_, err := b.Build(context.Background(), "master", "alice", nil, map[string]string{})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestBuildUnknownClient(t *testing.T) {
	b, _ := newTestRequestBuilder(t, nil)

	_, err := b.Build(context.Background(), "master", "alice", nil, map[string]string{"client_id": "ghost"})
	require.ErrorIs(t, err, ErrInvalidClient)
}

func TestBuildRealmMismatch(t *testing.T) {
	b, st := newTestRequestBuilder(t, nil)
	seedClient(t, st, domain.Client{ID: "portal", Realm: "tenant-a", Scopes: []string{"profile:read"}})

	_, err := b.Build(context.Background(), "tenant-b", "alice", nil, map[string]string{"client_id": "portal"})
	require.ErrorIs(t, err, ErrInvalidClient)
}

func TestBuildDefaultsToClientScopes(t *testing.T) {
	b, st := newTestRequestBuilder(t, nil)
	seedClient(t, st, domain.Client{ID: "portal", Scopes: []string{"profile:read", "orders:read"}})

	auth, err := b.Build(context.Background(), "master", "alice", nil, map[string]string{
		"client_id":  "portal",
		"grant_type": "password",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"profile:read", "orders:read"}, auth.Scopes)
	require.Equal(t, domain.GrantPassword, auth.GrantType)
}

func TestBuildDefaultSentinelScope(t *testing.T) {
	b, st := newTestRequestBuilder(t, nil)
	seedClient(t, st, domain.Client{ID: "bare"})

	auth, err := b.Build(context.Background(), "master", "alice", nil, map[string]string{
		"client_id":  "bare",
		"grant_type": "password",
	})
	require.NoError(t, err)
	require.Equal(t, []string{ScopeDefault}, auth.Scopes)
}

func TestBuildRejectsUnregisteredScope(t *testing.T) {
	b, st := newTestRequestBuilder(t, nil)
	seedClient(t, st, domain.Client{ID: "portal", Scopes: []string{"profile:read"}})

	_, err := b.Build(context.Background(), "master", "alice", nil, map[string]string{
		"client_id":  "portal",
		"grant_type": "password",
		"scope":      "profile:read admin:write",
	})
	require.ErrorIs(t, err, ErrInvalidScope)
}

func TestBuildAllowsOpenIDUnregistered(t *testing.T) {
	b, st := newTestRequestBuilder(t, nil)
	seedClient(t, st, domain.Client{ID: "portal", Scopes: []string{"profile:read"}})

	auth, err := b.Build(context.Background(), "master", "alice", nil, map[string]string{
		"client_id":  "portal",
		"grant_type": "password",
		"scope":      "openid profile:read",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"openid", "profile:read"}, auth.Scopes)
}

func TestBuildStripsUnconfirmedOperationScope(t *testing.T) {
	b, st := newTestRequestBuilder(t, nil)
	seedClient(t, st, domain.Client{ID: "portal", Scopes: []string{"profile:read"}})

	auth, err := b.Build(context.Background(), "master", "alice", nil, map[string]string{
		"client_id":  "portal",
		"grant_type": "password",
		"scope":      "profile:read operation.confirmed",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"profile:read"}, auth.Scopes)
}

func TestBuildKeepsConfirmedOperationScope(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "lamplight", AccountName: "alice"})
	require.NoError(t, err)

	vault := stepup.NewVault(vaultSecrets{"master/alice": key.Secret()}, time.Minute)
	b, st := newTestRequestBuilder(t, vault)
	seedClient(t, st, domain.Client{ID: "portal", Scopes: []string{"profile:read"}})

	ticket, err := vault.Issue("master", "alice", "portal", ConfirmationRequestKey("master", "alice", "portal"))
	require.NoError(t, err)
	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	require.NoError(t, vault.Confirm(context.Background(), ticket.ID, code))

	auth, err := b.Build(context.Background(), "master", "alice", nil, map[string]string{
		"client_id":           "portal",
		"grant_type":          "password",
		"scope":               "profile:read operation.confirmed",
		ParamConfirmationTicket: ticket.ID,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"profile:read", "operation.confirmed"}, auth.Scopes)

	// Second use of the same ticket strips the scope again.
	auth, err = b.Build(context.Background(), "master", "alice", nil, map[string]string{
		"client_id":           "portal",
		"grant_type":          "password",
		"scope":               "profile:read operation.confirmed",
		ParamConfirmationTicket: ticket.ID,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"profile:read"}, auth.Scopes)
}

func TestBuildComputesAudience(t *testing.T) {
	b, st := newTestRequestBuilder(t, nil)
	ctx := context.Background()

	seedClient(t, st, domain.Client{ID: "portal", Scopes: []string{"orders:read", "billing:read"}})
	require.NoError(t, st.Resources().CreateResource(ctx, domain.Resource{
		ID: "svc-orders", Realm: "master", Scope: "orders:read", OwnerClientID: "orders-api",
	}))
	require.NoError(t, st.Resources().CreateResource(ctx, domain.Resource{
		ID: "svc-billing", Realm: "master", Scope: "billing:read", OwnerClientID: "billing-api",
	}))

	auth, err := b.Build(ctx, "master", "alice", nil, map[string]string{
		"client_id":  "portal",
		"grant_type": "password",
		"scope":      "orders:read billing:read",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"portal", "svc-billing", "svc-orders"}, auth.Audience)
}

func TestBuildStripsSecrets(t *testing.T) {
	b, st := newTestRequestBuilder(t, nil)
	seedClient(t, st, domain.Client{ID: "portal", Scopes: []string{"profile:read"}})

	auth, err := b.Build(context.Background(), "master", "alice", nil, map[string]string{
		"client_id":     "portal",
		"client_secret": "hunter2",
		"grant_type":    "password",
		"password":      "hunter2",
		"scope":         "profile:read",
		"state":         "xyz",
	})
	require.NoError(t, err)
	require.NotContains(t, auth.Params, "client_secret")
	require.NotContains(t, auth.Params, "password")
	require.Equal(t, "xyz", auth.Params["state"])
}

func TestAuthenticateClient(t *testing.T) {
	ctx := context.Background()
	b, st := newTestRequestBuilder(t, nil)

	hash, err := cryptox.HashSecret("hunter2")
	require.NoError(t, err)
	seedClient(t, st, domain.Client{ID: "confidential", SecretHash: hash, Scopes: []string{"profile:read"}})
	seedClient(t, st, domain.Client{ID: "public", Scopes: []string{"profile:read"}})

	t.Run("valid secret", func(t *testing.T) {
		client, err := b.AuthenticateClient(ctx, "master", "confidential", "hunter2")
		require.NoError(t, err)
		require.Equal(t, "confidential", client.ID)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := b.AuthenticateClient(ctx, "master", "confidential", "wrong")
		require.ErrorIs(t, err, ErrInvalidClient)
	})

	t.Run("public client without secret", func(t *testing.T) {
		_, err := b.AuthenticateClient(ctx, "master", "public", "")
		require.NoError(t, err)
	})

	t.Run("secret offered for public client", func(t *testing.T) {
		_, err := b.AuthenticateClient(ctx, "master", "public", "anything")
		require.ErrorIs(t, err, ErrInvalidClient)
	})

	t.Run("wrong realm", func(t *testing.T) {
		_, err := b.AuthenticateClient(ctx, "tenant-b", "confidential", "hunter2")
		require.ErrorIs(t, err, ErrInvalidClient)
	})
}

type vaultSecrets map[string]string

func (s vaultSecrets) TOTPSecret(_ context.Context, realm, subject string) (string, error) {
	return s[realm+"/"+subject], nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
	"github.com/lamplight-id/lamplight/internal/oauth2/store"
	"github.com/lamplight-id/lamplight/pkg/cryptox"
	"github.com/lamplight-id/lamplight/pkg/slogx"
)

const (
	// DefaultAccessTokenValidity applies when neither the client nor the
	// deployment overrides it.
	DefaultAccessTokenValidity = 6 * time.Hour

	// DefaultRefreshTokenValidity applies when neither the client nor the
	// deployment overrides it.
	DefaultRefreshTokenValidity = 30 * 24 * time.Hour

	// DefaultRenewalWindow is the tail of a refresh token's lifetime in
	// which a refresh rotates the refresh token too. The effective window
	// never drops below twelve access-token lifetimes.
	DefaultRenewalWindow = 3 * 24 * time.Hour
)

// TokenServiceOptions carries the deployment-level validity defaults.
// Zero values fall back to the package defaults.
type TokenServiceOptions struct {
	AccessTokenValidity  time.Duration
	RefreshTokenValidity time.Duration
	RenewalWindow        time.Duration

	// ReuseExistingToken enables the best-effort return of a still-live
	// token for an identical authorization instead of minting a new one.
	ReuseExistingToken bool

	// RetainExpiredTokens disables the lazy deletion of expired tokens
	// when they are encountered on load or refresh. They still report
	// invalid_token either way.
	RetainExpiredTokens bool
}

// TokenService owns the access and refresh token lifecycle: issuance,
// refresh with rotation, revocation, and resolution back to the stored
// authorization.
type TokenService struct {
	store    store.Store
	codec    *Codec
	audience AudienceResolver
	opts     TokenServiceOptions

	// locks serialises refreshes per (subject, client)
	locks *keyLock
}

// NewTokenService wires the token lifecycle over a store, a wire codec,
// and an audience resolver (normally the resource cache).
func NewTokenService(st store.Store, codec *Codec, audience AudienceResolver, opts TokenServiceOptions) *TokenService {
	if opts.AccessTokenValidity <= 0 {
		opts.AccessTokenValidity = DefaultAccessTokenValidity
	}
	if opts.RefreshTokenValidity <= 0 {
		opts.RefreshTokenValidity = DefaultRefreshTokenValidity
	}
	if opts.RenewalWindow <= 0 {
		opts.RenewalWindow = DefaultRenewalWindow
	}
	return &TokenService{
		store:    st,
		codec:    codec,
		audience: audience,
		opts:     opts,
		locks:    newKeyLock(),
	}
}

// CreateAccessToken mints an access token (and, when the grant supports
// it, a refresh token) for an approved authorization.
func (s *TokenService) CreateAccessToken(ctx context.Context, auth *domain.Authorization) (*domain.AccessToken, error) {
	ctx = slogx.WithRealm(ctx, auth.Realm)

	client, err := s.lookupClient(ctx, auth.ClientID)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	if s.opts.ReuseExistingToken {
		existing, err := s.store.AccessTokens().FindAccessTokenByAuthKey(ctx, cryptox.FingerprintToken(auth.Key()), now)
		if err == nil && !existing.IsExpired(now) {
			return &existing, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	accessTTL := s.accessValidity(client, auth.GrantType)

	value, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, err
	}

	token := domain.AccessToken{
		Value:     value,
		TokenType: "Bearer",
		Format:    domain.FormatOpaque,
		Scopes:    append([]string(nil), auth.Scopes...),
		IssuedAt:  now,
		ExpiresAt: now.Add(accessTTL),
	}

	var refresh *domain.RefreshToken
	if auth.GrantType.SupportsRefresh() && !auth.IsClientOnly() {
		rv, err := cryptox.GenerateToken(cryptox.TokenSize256)
		if err != nil {
			return nil, err
		}
		exp := now.Add(s.refreshValidity(client))
		refresh = &domain.RefreshToken{Value: rv, IssuedAt: now, ExpiresAt: &exp}
		token.RefreshValue = rv
	}

	token, err = s.codec.Encode(ctx, token, auth, &client)
	if err != nil {
		return nil, err
	}

	err = s.withConflictRetry(func() error {
		return s.store.WithTx(ctx, func(tx store.Tx) error {
			if refresh != nil {
				if err := tx.RefreshTokens().CreateRefreshToken(ctx, *refresh, *auth); err != nil {
					return err
				}
			}
			return tx.AccessTokens().CreateAccessToken(ctx, token, *auth)
		})
	})
	if err != nil {
		return nil, err
	}

	slogx.FromContext(ctx).Info("access token issued",
		slog.String("client_id", auth.ClientID),
		slog.String("subject", auth.Subject),
		slog.String("grant_type", string(auth.GrantType)),
		slog.Any("scopes", token.Scopes),
		slog.String("token", token.Value))

	return &token, nil
}

// RefreshRequest narrows a refresh: ClientID must match the original
// authorization, and Scopes (when non-empty) must be a subset of what is
// still allowed.
type RefreshRequest struct {
	ClientID string
	Scopes   []string
}

// RefreshAccessToken exchanges a refresh token for a new access token,
// rotating the refresh token itself when it has entered its renewal
// window. Concurrent refreshes of the same (subject, client) serialise on
// a keyed lock, and a storage conflict retries the critical section once.
func (s *TokenService) RefreshAccessToken(ctx context.Context, refreshValue string, req RefreshRequest) (*domain.AccessToken, error) {
	hash := cryptox.FingerprintToken(refreshValue)

	refresh, err := s.store.RefreshTokens().GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown refresh token", ErrInvalidGrant)
		}
		return nil, err
	}
	auth, err := s.store.RefreshTokens().GetAuthorizationByRefreshHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: refresh token has no authorization", ErrInvalidGrant)
		}
		return nil, err
	}

	ctx = slogx.WithRealm(ctx, auth.Realm)

	if auth.IsClientOnly() {
		return nil, fmt.Errorf("%w: refresh requires a user subject", ErrInvalidRequest)
	}
	if req.ClientID != auth.ClientID {
		return nil, fmt.Errorf("%w: refresh token was not issued to client %q", ErrInvalidGrant, req.ClientID)
	}

	client, err := s.lookupClient(ctx, auth.ClientID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(auth.Subject + "\x00" + auth.ClientID)
	defer unlock()

	now := time.Now()

	if refresh.IsExpired(now) {
		if !s.opts.RetainExpiredTokens {
			// Expired refresh tokens and everything hanging off them are
			// removed on sight.
			derr := s.store.WithTx(ctx, func(tx store.Tx) error {
				if err := tx.AccessTokens().DeleteAccessTokensByRefreshHash(ctx, hash); err != nil {
					return err
				}
				return tx.RefreshTokens().DeleteRefreshTokenByHash(ctx, hash)
			})
			if derr != nil {
				slogx.FromContext(ctx).Error("purging expired refresh token", slog.Any("error", derr))
			}
		}
		return nil, fmt.Errorf("%w: refresh token expired", ErrInvalidToken)
	}

	allowed, err := s.allowedScopes(ctx, &auth, req.Scopes, now)
	if err != nil {
		return nil, err
	}

	resources, err := s.audience.ResolveAudience(ctx, auth.Realm, allowed)
	if err != nil {
		return nil, err
	}
	audience := []string{auth.ClientID}
	for _, r := range resources {
		audience = append(audience, r.ID)
	}

	narrowed := auth.WithScopes(allowed).WithAudience(audience)

	accessTTL := s.accessValidity(client, auth.GrantType)
	rotate := s.shouldRotate(&refresh, accessTTL, now)

	value, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, err
	}

	token := domain.AccessToken{
		Value:     value,
		TokenType: "Bearer",
		Format:    domain.FormatOpaque,
		Scopes:    allowed,
		IssuedAt:  now,
		ExpiresAt: now.Add(accessTTL),
	}

	var newRefresh *domain.RefreshToken
	if rotate {
		rv, err := cryptox.GenerateToken(cryptox.TokenSize256)
		if err != nil {
			return nil, err
		}
		exp := now.Add(s.refreshValidity(client))
		newRefresh = &domain.RefreshToken{Value: rv, IssuedAt: now, ExpiresAt: &exp}
		token.RefreshValue = rv
	} else {
		token.RefreshValue = refreshValue
	}

	token, err = s.codec.Encode(ctx, token, narrowed, &client)
	if err != nil {
		return nil, err
	}

	err = s.withConflictRetry(func() error {
		return s.store.WithTx(ctx, func(tx store.Tx) error {
			// Exactly one live access token may hang off a refresh token.
			if err := tx.AccessTokens().DeleteAccessTokensByRefreshHash(ctx, hash); err != nil {
				return err
			}
			if newRefresh != nil {
				if err := tx.RefreshTokens().DeleteRefreshTokenByHash(ctx, hash); err != nil {
					return err
				}
				// The rotated refresh token carries the ORIGINAL
				// authorization so a later refresh can widen back up to it.
				if err := tx.RefreshTokens().CreateRefreshToken(ctx, *newRefresh, auth); err != nil {
					return err
				}
			}
			return tx.AccessTokens().CreateAccessToken(ctx, token, *narrowed)
		})
	})
	if err != nil {
		return nil, err
	}

	slogx.FromContext(ctx).Info("access token refreshed",
		slog.String("client_id", auth.ClientID),
		slog.String("subject", auth.Subject),
		slog.Any("scopes", token.Scopes),
		slog.Bool("refresh_rotated", rotate),
		slog.String("token", token.Value))

	return &token, nil
}

// RevokeToken removes the token with the given wire value. Revoking an
// access token also removes its bound refresh token; revoking a refresh
// token removes every access token hanging off it. Returns whether
// anything was removed.
func (s *TokenService) RevokeToken(ctx context.Context, value string) (bool, error) {
	hash := cryptox.FingerprintToken(value)

	token, _, err := s.store.AccessTokens().GetAccessTokenByHash(ctx, hash)
	if err == nil {
		err = s.store.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.AccessTokens().DeleteAccessTokenByHash(ctx, hash); err != nil {
				return err
			}
			if token.RefreshValue != "" {
				rh := cryptox.FingerprintToken(token.RefreshValue)
				if err := tx.AccessTokens().DeleteAccessTokensByRefreshHash(ctx, rh); err != nil {
					return err
				}
				if err := tx.RefreshTokens().DeleteRefreshTokenByHash(ctx, rh); err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return false, err
		}
		return true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	_, err = s.store.RefreshTokens().GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.AccessTokens().DeleteAccessTokensByRefreshHash(ctx, hash); err != nil {
			return err
		}
		return tx.RefreshTokens().DeleteRefreshTokenByHash(ctx, hash)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// LoadAuthorization resolves an access token value back to the
// authorization it was issued under. Expired tokens report invalid_token
// and, unless RetainExpiredTokens is set, are removed on sight. Tokens
// whose client no longer resolves also report invalid_token.
func (s *TokenService) LoadAuthorization(ctx context.Context, value string) (*domain.Authorization, error) {
	hash := cryptox.FingerprintToken(value)

	token, auth, err := s.store.AccessTokens().GetAccessTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown access token", ErrInvalidToken)
		}
		return nil, err
	}

	if token.IsExpired(time.Now()) {
		if !s.opts.RetainExpiredTokens {
			if derr := s.store.AccessTokens().DeleteAccessTokenByHash(ctx, hash); derr != nil && !errors.Is(derr, store.ErrNotFound) {
				slogx.FromContext(ctx).Error("purging expired access token", slog.Any("error", derr))
			}
		}
		return nil, fmt.Errorf("%w: access token expired", ErrInvalidToken)
	}

	if _, err := s.store.Clients().GetClientByID(ctx, auth.ClientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: client %s no longer exists", ErrInvalidToken, auth.ClientID)
		}
		return nil, err
	}

	return &auth, nil
}

func (s *TokenService) lookupClient(ctx context.Context, clientID string) (domain.Client, error) {
	client, err := s.store.Clients().GetClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Client{}, fmt.Errorf("%w: unknown client %s", ErrInvalidClient, clientID)
		}
		return domain.Client{}, err
	}
	return client, nil
}

// accessValidity resolves the effective access-token lifetime. Client-only
// grants get the refresh-token validity: they cannot refresh, so the
// access token has to live as long as a refreshable session would.
func (s *TokenService) accessValidity(client domain.Client, grant domain.GrantType) time.Duration {
	if grant == domain.GrantClientCredentials {
		return s.refreshValidity(client)
	}
	if client.AccessTokenValidity > 0 {
		return client.AccessTokenValidity
	}
	return s.opts.AccessTokenValidity
}

func (s *TokenService) refreshValidity(client domain.Client) time.Duration {
	if client.RefreshTokenValidity > 0 {
		return client.RefreshTokenValidity
	}
	return s.opts.RefreshTokenValidity
}

// shouldRotate reports whether the refresh token has entered its renewal
// window. The window floor is twelve access lifetimes so short-lived
// access tokens cannot starve rotation.
func (s *TokenService) shouldRotate(refresh *domain.RefreshToken, accessTTL time.Duration, now time.Time) bool {
	if refresh.ExpiresAt == nil {
		return false
	}
	window := s.opts.RenewalWindow
	if floor := 12 * accessTTL; floor > window {
		window = floor
	}
	return now.After(refresh.ExpiresAt.Add(-window))
}

// allowedScopes computes the scope set a refresh may grant: the original
// authorization intersected with the subject's currently active approvals,
// optionally narrowed by the request. An authorization with no stored
// approvals at all keeps its original scopes; consent was settled at
// issuance and never recorded (trusted and auto-approved clients).
func (s *TokenService) allowedScopes(ctx context.Context, auth *domain.Authorization, requested []string, now time.Time) ([]string, error) {
	approvals, err := s.store.Approvals().GetApprovals(ctx, auth.Subject, auth.ClientID)
	if err != nil {
		return nil, err
	}

	allowed := append([]string(nil), auth.Scopes...)
	if len(approvals) > 0 {
		active := make(map[string]bool, len(approvals))
		for _, a := range approvals {
			if a.IsActive(now) {
				active[a.Scope] = true
			}
		}
		allowed = slices.DeleteFunc(allowed, func(scope string) bool {
			return !active[scope]
		})
	}

	if len(requested) > 0 {
		for _, scope := range requested {
			if !slices.Contains(allowed, scope) {
				return nil, fmt.Errorf("%w: scope %q is no longer approved", ErrInvalidScope, scope)
			}
		}
		allowed = append([]string(nil), requested...)
	}

	if len(allowed) == 0 {
		return nil, fmt.Errorf("%w: no approved scopes remain", ErrInvalidScope)
	}
	return allowed, nil
}

// withConflictRetry retries fn exactly once when the store reports a
// serialization conflict.
func (s *TokenService) withConflictRetry(fn func() error) error {
	err := fn()
	if errors.Is(err, store.ErrConflict) {
		return fn()
	}
	return err
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
	"github.com/lamplight-id/lamplight/internal/oauth2/store"
	"github.com/lamplight-id/lamplight/internal/oauth2/stepup"
	"github.com/lamplight-id/lamplight/pkg/cryptox"
)

const (
	// ScopeDefault is the sentinel scope granted when neither the request
	// nor the client registration names any scope. It is grantable but
	// never resolves to a resource.
	ScopeDefault = "default"

	// ScopeOpenID is always requestable regardless of registration.
	ScopeOpenID = "openid"

	// ScopeOperationConfirmed marks a request backed by a redeemed
	// step-up confirmation. It is stripped silently when no valid
	// confirmation accompanies the request.
	ScopeOperationConfirmed = "operation.confirmed"

	// ParamConfirmationTicket carries the step-up ticket id on a request
	// asking for ScopeOperationConfirmed.
	ParamConfirmationTicket = "confirmation_ticket"
)

// Request parameters that must never survive into the stored
// authorization context.
var secretParams = []string{"client_secret", "password", "code", "refresh_token", ParamConfirmationTicket}

// Scopes not registered on a client that may still be requested.
var alwaysAllowedScopes = map[string]bool{
	ScopeDefault:            true,
	ScopeOpenID:             true,
	ScopeOperationConfirmed: true,
}

// RequestBuilder normalises raw OAuth2 request parameters into an
// Authorization: scope parsing and defaulting, scope validation against
// the client registration, audience computation, and secret stripping.
type RequestBuilder struct {
	Clients  store.Clients
	Audience AudienceResolver

	// Confirmations redeems step-up tickets; nil disables the
	// confirmed-operation scope entirely.
	Confirmations *stepup.Vault
}

// Build produces the authorization context for a request. subject is the
// already-authenticated end user, empty for client-only grants. authorities
// are the subject's role-space authorities as established at login.
func (b *RequestBuilder) Build(ctx context.Context, realm, subject string, authorities []domain.SpaceAuthority, params map[string]string) (*domain.Authorization, error) {
	clientID := params["client_id"]
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}

	client, err := b.Clients.GetClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown client %s", ErrInvalidClient, clientID)
		}
		return nil, err
	}
	if client.Realm != realm {
		return nil, fmt.Errorf("%w: client %s does not belong to realm %s", ErrInvalidClient, clientID, realm)
	}

	scopes := ParseScopes(params["scope"])
	if len(scopes) == 0 {
		scopes = append([]string(nil), client.Scopes...)
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeDefault}
	}

	scopes = b.stripUnconfirmed(realm, subject, clientID, scopes, params)

	for _, scope := range scopes {
		if !client.HasScope(scope) && !alwaysAllowedScopes[scope] {
			return nil, fmt.Errorf("%w: scope %q is not registered for client %s", ErrInvalidScope, scope, clientID)
		}
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("%w: no valid scope remains", ErrInvalidScope)
	}

	resources, err := b.Audience.ResolveAudience(ctx, realm, scopes)
	if err != nil {
		return nil, err
	}
	audience := []string{clientID}
	for _, r := range resources {
		audience = append(audience, r.ID)
	}
	sort.Strings(audience[1:])

	return &domain.Authorization{
		Realm:       realm,
		ClientID:    clientID,
		Subject:     subject,
		GrantType:   grantTypeOf(params),
		RedirectURI: params["redirect_uri"],
		Scopes:      scopes,
		Audience:    audience,
		Authorities: append([]domain.SpaceAuthority(nil), authorities...),
		Params:      stripSecrets(params),
	}, nil
}

// stripUnconfirmed removes the confirmed-operation scope unless the
// request carries a ticket that redeems for this exact request. Stripping
// is silent; the rest of the request proceeds.
func (b *RequestBuilder) stripUnconfirmed(realm, subject, clientID string, scopes []string, params map[string]string) []string {
	idx := -1
	for i, scope := range scopes {
		if scope == ScopeOperationConfirmed {
			idx = i
			break
		}
	}
	if idx < 0 {
		return scopes
	}

	if b.Confirmations != nil {
		if ticket := params[ParamConfirmationTicket]; ticket != "" {
			if b.Confirmations.Redeem(ticket, ConfirmationRequestKey(realm, subject, clientID)) {
				return scopes
			}
		}
	}

	return append(scopes[:idx:idx], scopes[idx+1:]...)
}

// AuthenticateClient verifies a confidential client's credentials and
// realm membership. Public clients carry no secret hash and pass with an
// empty secret; a secret offered for a public client is rejected.
func (b *RequestBuilder) AuthenticateClient(ctx context.Context, realm, clientID, secret string) (domain.Client, error) {
	client, err := b.Clients.GetClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Client{}, fmt.Errorf("%w: unknown client %s", ErrInvalidClient, clientID)
		}
		return domain.Client{}, err
	}
	if client.Realm != realm {
		return domain.Client{}, fmt.Errorf("%w: client %s does not belong to realm %s", ErrInvalidClient, clientID, realm)
	}

	if client.SecretHash == "" {
		if secret != "" {
			return domain.Client{}, fmt.Errorf("%w: client %s is public", ErrInvalidClient, clientID)
		}
		return client, nil
	}

	if err := cryptox.VerifySecret(secret, client.SecretHash); err != nil {
		return domain.Client{}, fmt.Errorf("%w: bad credentials for client %s", ErrInvalidClient, clientID)
	}
	return client, nil
}

// ConfirmationRequestKey binds a step-up ticket to one (realm, subject,
// client) triple. Issue and Redeem must use the same key.
func ConfirmationRequestKey(realm, subject, clientID string) string {
	return cryptox.FingerprintToken(strings.Join([]string{realm, subject, clientID}, "\n"))
}

// ParseScopes splits a raw scope parameter on spaces or commas, tolerating
// either delimiter, and deduplicates while keeping first-seen order.
func ParseScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ','
	})

	var out []string
	seen := make(map[string]bool, len(fields))
	for _, scope := range fields {
		if !seen[scope] {
			seen[scope] = true
			out = append(out, scope)
		}
	}
	return out
}

func grantTypeOf(params map[string]string) domain.GrantType {
	if gt := params["grant_type"]; gt != "" {
		return domain.GrantType(gt)
	}
	// Authorization-endpoint requests carry response_type instead.
	switch params["response_type"] {
	case "token":
		return domain.GrantImplicit
	default:
		return domain.GrantAuthorizationCode
	}
}

func stripSecrets(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, k := range secretParams {
		delete(out, k)
	}
	return out
}

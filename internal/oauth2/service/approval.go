package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
	"github.com/lamplight-id/lamplight/internal/oauth2/store"
)

// Decision is the outcome of one approval evaluation.
type Decision string

const (
	DecisionApproved            Decision = "APPROVED"
	DecisionDenied              Decision = "DENIED"
	DecisionNeedsUserConsent    Decision = "NEEDS_USER_CONSENT"
	DecisionNeedsSpaceSelection Decision = "NEEDS_SPACE_SELECTION"
)

const (
	// ParamUserApproval carries the explicit consent answer: "true" or
	// "false". Absent means the user has not been asked yet.
	ParamUserApproval = "user_oauth_approval"

	// SpaceSelectionPrefix prefixes the per-context space choice
	// parameters, e.g. space_selection_tenant=acme.
	SpaceSelectionPrefix = "space_selection_"
)

// DefaultApprovalValidity bounds how long a recorded consent decision
// keeps auto-approving refreshes and repeat requests.
const DefaultApprovalValidity = 30 * 24 * time.Hour

// ApprovalResult reports the decision plus the narrowed authorization on
// approval, or the contexts still awaiting a space choice.
type ApprovalResult struct {
	Decision      Decision
	Authorization *domain.Authorization

	// PendingContexts lists the role-space contexts with more than one
	// candidate space and no valid selection yet.
	PendingContexts []string
}

// ApprovalEngine decides whether an authorization request may proceed:
// the space-selection gate first, then the consent gate. It is the only
// writer of the approval store in the token core.
type ApprovalEngine struct {
	Clients   store.Clients
	Approvals store.Approvals
	Resources AudienceResolver

	// TestRedirectURI marks the internal diagnostic callback; requests
	// targeting it auto-approve.
	TestRedirectURI string

	// ApprovalValidity overrides DefaultApprovalValidity when positive.
	ApprovalValidity time.Duration
}

// Evaluate runs the approval state machine over a pending authorization.
// params carries the user's answers so far (consent and space choices);
// callers re-Evaluate with updated params until the decision is terminal.
func (e *ApprovalEngine) Evaluate(ctx context.Context, auth *domain.Authorization, params map[string]string) (ApprovalResult, error) {
	client, err := e.Clients.GetClientByID(ctx, auth.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ApprovalResult{}, fmt.Errorf("%w: unknown client %s", ErrInvalidClient, auth.ClientID)
		}
		return ApprovalResult{}, err
	}

	// Explicit denial is terminal regardless of the space gate.
	if params[ParamUserApproval] == "false" {
		if err := e.recordDecision(ctx, auth, domain.ApprovalDenied); err != nil {
			return ApprovalResult{}, err
		}
		return ApprovalResult{Decision: DecisionDenied}, nil
	}

	consentOK, explicit, err := e.consentSettled(ctx, auth, &client, params)
	if err != nil {
		return ApprovalResult{}, err
	}
	if !consentOK {
		return ApprovalResult{Decision: DecisionNeedsUserConsent}, nil
	}

	// The space gate holds even a fully consented request: every
	// ambiguous context needs a valid choice before tokens may carry
	// authorities.
	narrowed, pending, err := e.resolveSpaces(auth, &client, params)
	if err != nil {
		return ApprovalResult{}, err
	}
	if len(pending) > 0 {
		return ApprovalResult{Decision: DecisionNeedsSpaceSelection, PendingContexts: pending}, nil
	}

	if explicit {
		if err := e.recordDecision(ctx, auth, domain.ApprovalApproved); err != nil {
			return ApprovalResult{}, err
		}
	}

	return ApprovalResult{Decision: DecisionApproved, Authorization: narrowed}, nil
}

// consentSettled reports whether consent is already answered and whether
// the answer came from this request's explicit parameter.
func (e *ApprovalEngine) consentSettled(ctx context.Context, auth *domain.Authorization, client *domain.Client, params map[string]string) (ok, explicit bool, err error) {
	if params[ParamUserApproval] == "true" {
		return true, true, nil
	}
	if client.IsTrusted() {
		return true, false, nil
	}
	if e.TestRedirectURI != "" && auth.RedirectURI == e.TestRedirectURI {
		return true, false, nil
	}

	selfOnly, err := e.selfResourcesOnly(ctx, auth)
	if err != nil {
		return false, false, err
	}
	if selfOnly {
		return true, false, nil
	}

	stored, err := e.storedConsentCovers(ctx, auth)
	if err != nil {
		return false, false, err
	}
	return stored, false, nil
}

// selfResourcesOnly reports whether every requested scope resolves to at
// least one resource and every resolved resource is owned by the
// requesting client. A client asking only for its own surface needs no
// consent screen.
func (e *ApprovalEngine) selfResourcesOnly(ctx context.Context, auth *domain.Authorization) (bool, error) {
	for _, scope := range auth.Scopes {
		resources, err := e.Resources.ResolveAudience(ctx, auth.Realm, []string{scope})
		if err != nil {
			return false, err
		}
		if len(resources) == 0 {
			return false, nil
		}
		for _, r := range resources {
			if r.OwnerClientID != auth.ClientID {
				return false, nil
			}
		}
	}
	return len(auth.Scopes) > 0, nil
}

func (e *ApprovalEngine) storedConsentCovers(ctx context.Context, auth *domain.Authorization) (bool, error) {
	if auth.IsClientOnly() {
		return false, nil
	}
	approvals, err := e.Approvals.GetApprovals(ctx, auth.Subject, auth.ClientID)
	if err != nil {
		return false, err
	}

	now := time.Now()
	active := make(map[string]bool, len(approvals))
	for _, a := range approvals {
		if a.IsActive(now) {
			active[a.Scope] = true
		}
	}
	for _, scope := range auth.Scopes {
		if !active[scope] {
			return false, nil
		}
	}
	return true, nil
}

// resolveSpaces applies the space-selection gate. For every context the
// client spans, the subject's authorities must collapse to a single space;
// a valid selection narrows them, a missing or invalid one leaves the
// context pending. Validation is atomic over all contexts: one bad choice
// rejects the whole selection.
func (e *ApprovalEngine) resolveSpaces(auth *domain.Authorization, client *domain.Client, params map[string]string) (*domain.Authorization, []string, error) {
	type contextState struct {
		spaces   map[string]bool
		selected string
	}

	states := make(map[string]*contextState, len(client.SpaceContexts))
	for _, contextName := range client.SpaceContexts {
		spaces := make(map[string]bool)
		for _, a := range auth.Authorities {
			if a.Context == contextName {
				spaces[a.Space] = true
			}
		}
		if len(spaces) > 1 {
			states[contextName] = &contextState{spaces: spaces}
		}
	}
	if len(states) == 0 {
		return auth, nil, nil
	}

	valid := true
	var pending []string
	for contextName, state := range states {
		choice := params[SpaceSelectionPrefix+contextName]
		if choice == "" || !state.spaces[choice] {
			valid = false
			pending = append(pending, contextName)
			continue
		}
		state.selected = choice
	}
	if !valid {
		// All or nothing: a partially valid selection narrows no
		// authorities.
		sort.Strings(pending)
		return nil, pending, nil
	}

	var narrowed []domain.SpaceAuthority
	for _, a := range auth.Authorities {
		state, ambiguous := states[a.Context]
		if !ambiguous || state.selected == a.Space {
			narrowed = append(narrowed, a)
		}
	}
	return auth.WithAuthorities(narrowed), nil, nil
}

// recordDecision persists one consent decision per requested scope.
func (e *ApprovalEngine) recordDecision(ctx context.Context, auth *domain.Authorization, status domain.ApprovalStatus) error {
	if auth.IsClientOnly() {
		return nil
	}

	validity := e.ApprovalValidity
	if validity <= 0 {
		validity = DefaultApprovalValidity
	}
	now := time.Now()

	for _, scope := range auth.Scopes {
		err := e.Approvals.UpsertApproval(ctx, domain.Approval{
			Subject:   auth.Subject,
			ClientID:  auth.ClientID,
			Scope:     scope,
			Status:    status,
			ExpiresAt: now.Add(validity),
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Package stepup implements the single-use confirmation tickets behind the
// strong-authentication scope. A ticket is issued for one exact request,
// confirmed out-of-band with a TOTP code, and consumed on first read.
package stepup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/lamplight-id/lamplight/pkg/idx"
)

var (
	ErrUnknownTicket = errors.New("stepup: unknown ticket")
	ErrInvalidCode   = errors.New("stepup: invalid code")
	ErrNoSecret      = errors.New("stepup: no TOTP secret enrolled")
)

// SecretSource provides the TOTP secret enrolled for a subject.
type SecretSource interface {
	TOTPSecret(ctx context.Context, realm, subject string) (string, error)
}

// Ticket is a single-use confirmation bound to one request. Generation is
// a monotonically increasing issue counter, which makes the single-use
// contract observable: a replayed ticket can never reappear with the same
// generation.
type Ticket struct {
	ID         string
	Realm      string
	Subject    string
	ClientID   string
	RequestKey string
	Generation uint64
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

type ticketState struct {
	Ticket
	confirmed bool
}

// Vault issues, confirms, and redeems confirmation tickets. Tickets are
// session-bound and live only in process memory.
type Vault struct {
	secrets SecretSource
	ttl     time.Duration

	mu         sync.Mutex
	tickets    map[string]*ticketState
	generation uint64
}

// NewVault creates a Vault. A non-positive ttl defaults to 5 minutes.
func NewVault(secrets SecretSource, ttl time.Duration) *Vault {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Vault{
		secrets: secrets,
		ttl:     ttl,
		tickets: make(map[string]*ticketState),
	}
}

// Issue creates a pending ticket bound to requestKey. Ticket ids are
// ULIDs, so issue order is visible alongside the generation counter.
func (v *Vault) Issue(realm, subject, clientID, requestKey string) (Ticket, error) {
	id := idx.New().String()
	now := time.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	v.generation++
	t := Ticket{
		ID:         id,
		Realm:      realm,
		Subject:    subject,
		ClientID:   clientID,
		RequestKey: requestKey,
		Generation: v.generation,
		IssuedAt:   now,
		ExpiresAt:  now.Add(v.ttl),
	}
	v.tickets[id] = &ticketState{Ticket: t}
	return t, nil
}

// Confirm validates a TOTP code for the ticket's subject and marks the
// ticket confirmed. The ticket stays pending until redeemed.
func (v *Vault) Confirm(ctx context.Context, ticketID, code string) error {
	v.mu.Lock()
	state, ok := v.tickets[ticketID]
	v.mu.Unlock()
	if !ok {
		return ErrUnknownTicket
	}
	if time.Now().After(state.ExpiresAt) {
		v.drop(ticketID)
		return ErrUnknownTicket
	}

	secret, err := v.secrets.TOTPSecret(ctx, state.Realm, state.Subject)
	if err != nil {
		return err
	}
	if secret == "" {
		return ErrNoSecret
	}
	if !totp.Validate(code, secret) {
		return ErrInvalidCode
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if state, ok := v.tickets[ticketID]; ok {
		state.confirmed = true
	}
	return nil
}

// Redeem consumes the ticket and reports whether it was confirmed for the
// given request. The ticket is cleared on the first read regardless of the
// outcome, so a replay can never succeed.
func (v *Vault) Redeem(ticketID, requestKey string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	state, ok := v.tickets[ticketID]
	if !ok {
		return false
	}
	delete(v.tickets, ticketID)

	if time.Now().After(state.ExpiresAt) {
		return false
	}
	return state.confirmed && state.RequestKey == requestKey
}

// Generation returns the issue counter.
func (v *Vault) Generation() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.generation
}

// DeleteExpired drops expired tickets; housekeeping calls this.
func (v *Vault) DeleteExpired() {
	now := time.Now()

	v.mu.Lock()
	defer v.mu.Unlock()
	for id, state := range v.tickets {
		if now.After(state.ExpiresAt) {
			delete(v.tickets, id)
		}
	}
}

func (v *Vault) drop(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tickets, id)
}

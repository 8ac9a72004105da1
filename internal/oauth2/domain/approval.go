package domain

import "time"

// ApprovalStatus is the recorded outcome of a consent decision.
type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
)

// Approval records that a subject approved (or denied) one scope for one
// client, with an expiry. Consent flows write approvals; the token core
// only reads them to compute the allowed-scope intersection on refresh.
type Approval struct {
	Subject   string
	ClientID  string
	Scope     string
	Status    ApprovalStatus
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the approval currently grants its scope.
func (a *Approval) IsActive(now time.Time) bool {
	return a.Status == ApprovalApproved && now.Before(a.ExpiresAt)
}

package service

import "errors"

// Sentinel errors mirror the OAuth2 error codes surfaced to callers.
// Wrap with fmt.Errorf("...: %w", Err...) to add detail.
var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInvalidClient  = errors.New("invalid_client")
	ErrInvalidGrant   = errors.New("invalid_grant")
	ErrInvalidToken   = errors.New("invalid_token")
	ErrInvalidScope   = errors.New("invalid_scope")

	// ErrConfiguration marks a client whose token settings cannot be
	// honoured, such as mandated encryption without key material. It is
	// never the caller's fault.
	ErrConfiguration = errors.New("configuration_error")
)

package credential

import (
	"errors"
	"fmt"
)

// Sentinel errors for the vault and flow components. Callers branch on these
// with errors.Is; nothing in this package panics or leaks raw HTTP errors.
var (
	// ErrNotFound means no bundle is stored for the profile. Recoverable by
	// running the interactive authorization flow.
	ErrNotFound = errors.New("credential not found")

	// ErrStoreBusy means the store's write lock could not be acquired within
	// the bounded wait. Callers should retry with backoff.
	ErrStoreBusy = errors.New("credential store busy")

	// ErrStateMismatch means the OAuth state returned on the callback does
	// not match the one issued. Fatal for the flow attempt; restart from
	// BuildAuthorizationURL.
	ErrStateMismatch = errors.New("oauth state mismatch")

	// ErrNoRefreshToken means a refresh was attempted on a bundle without a
	// refresh token (e.g. a bot token). Treated as absent, not transient.
	ErrNoRefreshToken = errors.New("bundle has no refresh token")

	// ErrInsufficientScope means the token is live but lacks a capability
	// the caller asked for.
	ErrInsufficientScope = errors.New("token lacks required capability")
)

// AuthExchangeError reports a rejected token-endpoint exchange. Authorization
// codes are single-use and short-lived, so these are never retried
// automatically.
type AuthExchangeError struct {
	Provider   Provider
	StatusCode int
	Message    string
}

func (e *AuthExchangeError) Error() string {
	return fmt.Sprintf("%s token exchange failed (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// InteractionRequiredError means no usable bundle exists and a human must
// complete the browser authorization. It carries a ready-to-use authorization
// URL; the caller completes the flow and stores the result before retrying.
type InteractionRequiredError struct {
	Key              ProfileKey
	AuthorizationURL string

	// FlowState must be retained until the callback delivers code+state.
	FlowState *FlowState
}

func (e *InteractionRequiredError) Error() string {
	return fmt.Sprintf("interaction required for %s: open %s", e.Key, e.AuthorizationURL)
}

// AsInteractionRequired unwraps err into an InteractionRequiredError, if any.
func AsInteractionRequired(err error) (*InteractionRequiredError, bool) {
	var ir *InteractionRequiredError
	if errors.As(err, &ir) {
		return ir, true
	}
	return nil, false
}

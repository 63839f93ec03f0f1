// Package provider defines the multi-provider credential system.
//
// Each supported platform (LinkedIn, Twitter/X, Telegram, generic OAuth2)
// lives in its own sub-package and implements the Provider interface; the
// Registry loads instances per profile. Providers own two concerns: where
// their OAuth endpoints live, and how to probe a token's liveness and
// capabilities with one lightweight read-only call.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/treumalgotech/credvault/internal/credential"
)

// FlowType indicates how a provider's credentials come into existence.
type FlowType string

const (
	// FlowOAuth2 providers issue tokens via the authorization-code flow.
	FlowOAuth2 FlowType = "oauth2"
	// FlowStaticToken providers use long-lived tokens pasted in by an
	// operator (Telegram bot tokens). No authorization URL exists.
	FlowStaticToken FlowType = "static_token"
)

// Endpoints are the provider's fixed OAuth2 URLs.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
}

// Provider is implemented once per platform.
type Provider interface {
	Name() credential.Provider
	Type() FlowType

	// Endpoints returns the OAuth endpoints for the profile. Static-token
	// providers return an error.
	Endpoints(profile *credential.Profile) (Endpoints, error)

	// Validate issues one read-only probe for the bundle. Provider/network
	// failures are folded into the result, not returned: the error return is
	// reserved for caller mistakes (nil bundle, misconfigured profile).
	Validate(ctx context.Context, profile *credential.Profile, bundle *credential.TokenBundle) (*credential.ValidationResult, error)
}

// Deps carries shared collaborators into provider factories.
type Deps struct {
	HTTPClient *http.Client
}

// HTTPClientOrDefault returns the configured client or one with the bounded
// timeout every provider call must respect.
func (d Deps) HTTPClientOrDefault() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// Factory creates a provider instance for a profile.
type Factory func(profile *credential.Profile, deps Deps) (Provider, error)

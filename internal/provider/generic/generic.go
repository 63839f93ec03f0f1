// Package generic implements a configuration-driven OAuth2 provider for
// platforms without a dedicated sub-package. Endpoints come from the
// profile's extra config instead of constants.
package generic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/treumalgotech/credvault/internal/credential"
	"github.com/treumalgotech/credvault/internal/provider"
)

const ProviderName = credential.ProviderGeneric

// Provider reads authorize_url, token_url and validate_url from
// profile.Extra.
type Provider struct {
	authorizeURL string
	tokenURL     string
	validateURL  string
	client       *http.Client
}

// Factory creates a generic provider from profile extras.
func Factory(profile *credential.Profile, deps provider.Deps) (provider.Provider, error) {
	p := &Provider{
		authorizeURL: profile.Extra["authorize_url"],
		tokenURL:     profile.Extra["token_url"],
		validateURL:  profile.Extra["validate_url"],
		client:       deps.HTTPClientOrDefault(),
	}
	if p.authorizeURL == "" || p.tokenURL == "" {
		return nil, fmt.Errorf("generic_oauth2: extra.authorize_url and extra.token_url required")
	}
	return p, nil
}

func (p *Provider) Name() credential.Provider { return ProviderName }
func (p *Provider) Type() provider.FlowType   { return provider.FlowOAuth2 }

func (p *Provider) Endpoints(profile *credential.Profile) (provider.Endpoints, error) {
	return provider.Endpoints{AuthorizeURL: p.authorizeURL, TokenURL: p.tokenURL}, nil
}

// Validate probes validate_url with the bearer token. Without a configured
// validate_url the token is assumed live; capabilities are derived from the
// granted scopes alone.
func (p *Provider) Validate(ctx context.Context, profile *credential.Profile, bundle *credential.TokenBundle) (*credential.ValidationResult, error) {
	if bundle == nil || bundle.AccessToken == "" {
		return nil, fmt.Errorf("generic_oauth2: no access token to validate")
	}
	result := &credential.ValidationResult{CheckedAt: time.Now()}
	for _, scope := range bundle.GrantedScopes {
		result.Capabilities = append(result.Capabilities, "scope:"+scope)
	}

	if p.validateURL == "" {
		result.IsValid = true
		return result, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.validateURL, nil)
	if err != nil {
		return nil, fmt.Errorf("generic_oauth2: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bundle.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		result.Capabilities = nil
		result.Reason = fmt.Sprintf("validate endpoint unreachable: %v", err)
		return result, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
		result.IsValid = true
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		result.Capabilities = nil
		result.Rejected = true
		result.Reason = fmt.Sprintf("validate endpoint rejected token (status %d)", resp.StatusCode)
	default:
		result.Capabilities = nil
		result.Reason = fmt.Sprintf("validate endpoint unexpected status %d", resp.StatusCode)
	}
	return result, nil
}

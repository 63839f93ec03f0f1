// Package twitter implements the Twitter/X OAuth2 provider (PKCE required).
package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/treumalgotech/credvault/internal/credential"
	"github.com/treumalgotech/credvault/internal/provider"
)

const ProviderName = credential.ProviderTwitter

const (
	defaultAuthorizeURL = "https://x.com/i/oauth2/authorize"
	defaultAPIBase      = "https://api.x.com"
)

// Provider validates tokens via GET /2/users/me.
type Provider struct {
	authorizeURL string
	apiBase      string
	client       *http.Client
}

// Factory creates the Twitter provider. Extra["authorize_url"] and
// Extra["api_base"] override endpoints (used by tests).
func Factory(profile *credential.Profile, deps provider.Deps) (provider.Provider, error) {
	if profile.ClientID == "" {
		return nil, fmt.Errorf("twitter: client_id required")
	}
	p := &Provider{
		authorizeURL: defaultAuthorizeURL,
		apiBase:      defaultAPIBase,
		client:       deps.HTTPClientOrDefault(),
	}
	if v := profile.Extra["authorize_url"]; v != "" {
		p.authorizeURL = v
	}
	if v := profile.Extra["api_base"]; v != "" {
		p.apiBase = strings.TrimRight(v, "/")
	}
	return p, nil
}

func (p *Provider) Name() credential.Provider { return ProviderName }
func (p *Provider) Type() provider.FlowType   { return provider.FlowOAuth2 }

func (p *Provider) Endpoints(profile *credential.Profile) (provider.Endpoints, error) {
	return provider.Endpoints{
		AuthorizeURL: p.authorizeURL,
		TokenURL:     p.apiBase + "/2/oauth2/token",
	}, nil
}

type usersMeResponse struct {
	Data struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

// Validate probes /2/users/me with the bearer token.
func (p *Provider) Validate(ctx context.Context, profile *credential.Profile, bundle *credential.TokenBundle) (*credential.ValidationResult, error) {
	if bundle == nil || bundle.AccessToken == "" {
		return nil, fmt.Errorf("twitter: no access token to validate")
	}
	result := &credential.ValidationResult{CheckedAt: time.Now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/2/users/me", nil)
	if err != nil {
		return nil, fmt.Errorf("twitter: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bundle.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		result.Reason = fmt.Sprintf("users/me unreachable: %v", err)
		return result, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		result.Reason = fmt.Sprintf("read users/me response: %v", err)
		return result, nil
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		result.Rejected = true
		result.Reason = fmt.Sprintf("users/me rejected token (status %d)", resp.StatusCode)
		return result, nil
	default:
		result.Reason = fmt.Sprintf("users/me unexpected status %d", resp.StatusCode)
		return result, nil
	}

	var me usersMeResponse
	if err := json.Unmarshal(body, &me); err != nil {
		result.Reason = fmt.Sprintf("decode users/me: %v", err)
		return result, nil
	}

	result.IsValid = true
	if me.Data.ID != "" {
		result.Capabilities = append(result.Capabilities, "identity:"+me.Data.ID)
	}
	for _, scope := range bundle.GrantedScopes {
		if scope == "tweet.write" && me.Data.Username != "" {
			result.Capabilities = append(result.Capabilities, "can_tweet_as:"+me.Data.Username)
		}
	}
	return result, nil
}

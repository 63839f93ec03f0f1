// Package linkedin implements the LinkedIn OAuth2 provider.
package linkedin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/treumalgotech/credvault/internal/credential"
	"github.com/treumalgotech/credvault/internal/provider"
)

const ProviderName = credential.ProviderLinkedIn

const (
	defaultOAuthBase = "https://www.linkedin.com/oauth/v2"
	defaultAPIBase   = "https://api.linkedin.com"

	// CapPostAsMember is granted when the token carries w_member_social.
	CapPostAsMember = "can_post_as_member"
)

// Org roles that allow posting on behalf of the organization.
var postingRoles = map[string]bool{
	"ADMINISTRATOR":                   true,
	"DIRECT_SPONSORED_CONTENT_POSTER": true,
}

// Provider validates LinkedIn tokens via the userinfo endpoint and
// enumerates organization posting rights via organizationAcls.
type Provider struct {
	oauthBase string
	apiBase   string
	client    *http.Client
}

// Factory creates the LinkedIn provider. Extra["oauth_base"] and
// Extra["api_base"] override endpoints (used by tests).
func Factory(profile *credential.Profile, deps provider.Deps) (provider.Provider, error) {
	if profile.ClientID == "" {
		return nil, fmt.Errorf("linkedin: client_id required")
	}
	p := &Provider{
		oauthBase: defaultOAuthBase,
		apiBase:   defaultAPIBase,
		client:    deps.HTTPClientOrDefault(),
	}
	if v := profile.Extra["oauth_base"]; v != "" {
		p.oauthBase = strings.TrimRight(v, "/")
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
		AuthorizeURL: p.oauthBase + "/authorization",
		TokenURL:     p.oauthBase + "/accessToken",
	}, nil
}

type userinfoResponse struct {
	Sub   string `json:"sub"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type introspectResponse struct {
	Active    bool   `json:"active"`
	Status    string `json:"status"`
	Scope     string `json:"scope"`
	ExpiresAt int64  `json:"expires_at"`
}

type orgAclsResponse struct {
	Elements []struct {
		Organization string `json:"organization"`
		Role         string `json:"role"`
		State        string `json:"state"`
	} `json:"elements"`
}

// Validate probes /v2/userinfo and, on success, enumerates organization
// posting rights. A failing org probe degrades to member-only capabilities
// rather than invalidating the token.
//
// Profiles with a client secret additionally go through introspectToken
// first: it answers with the authoritative active/expired status and the
// server-side scope grant, which can differ from what the token response
// claimed. An unreachable introspection endpoint degrades to the userinfo
// probe alone.
func (p *Provider) Validate(ctx context.Context, profile *credential.Profile, bundle *credential.TokenBundle) (*credential.ValidationResult, error) {
	if bundle == nil || bundle.AccessToken == "" {
		return nil, fmt.Errorf("linkedin: no access token to validate")
	}
	result := &credential.ValidationResult{CheckedAt: time.Now()}

	grantedScopes := bundle.GrantedScopes
	if profile != nil && profile.ClientSecret != "" {
		if intro, err := p.introspect(ctx, profile, bundle.AccessToken); err == nil {
			if !intro.Active {
				result.Rejected = true
				result.Reason = fmt.Sprintf("introspection reports token inactive (status %q)", intro.Status)
				return result, nil
			}
			if intro.Scope != "" {
				grantedScopes = splitScopeList(intro.Scope)
			}
		}
	}

	status, body, err := p.get(ctx, p.apiBase+"/v2/userinfo", bundle.AccessToken)
	if err != nil {
		result.Reason = fmt.Sprintf("userinfo unreachable: %v", err)
		return result, nil
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		result.Rejected = true
		result.Reason = fmt.Sprintf("userinfo rejected token (status %d)", status)
		return result, nil
	default:
		result.Reason = fmt.Sprintf("userinfo unexpected status %d", status)
		return result, nil
	}

	var info userinfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		result.Reason = fmt.Sprintf("decode userinfo: %v", err)
		return result, nil
	}

	result.IsValid = true
	if info.Sub != "" {
		result.Capabilities = append(result.Capabilities, "identity:"+info.Sub)
	}
	for _, scope := range grantedScopes {
		if scope == "w_member_social" {
			result.Capabilities = append(result.Capabilities, CapPostAsMember)
		}
	}

	result.Capabilities = append(result.Capabilities, p.orgCapabilities(ctx, bundle.AccessToken)...)
	return result, nil
}

// orgCapabilities lists can_post_as_org:<id> for each approved posting role.
func (p *Provider) orgCapabilities(ctx context.Context, accessToken string) []string {
	status, body, err := p.get(ctx, p.apiBase+"/v2/organizationAcls?q=roleAssignee", accessToken)
	if err != nil || status != http.StatusOK {
		return nil
	}
	var acls orgAclsResponse
	if err := json.Unmarshal(body, &acls); err != nil {
		return nil
	}
	var caps []string
	for _, el := range acls.Elements {
		if el.State != "APPROVED" || !postingRoles[el.Role] {
			continue
		}
		// organization is a URN like urn:li:organization:108595796
		if id := el.Organization[strings.LastIndex(el.Organization, ":")+1:]; id != "" {
			caps = append(caps, "can_post_as_org:"+id)
		}
	}
	return caps
}

// introspect posts the token to oauth/v2/introspectToken with the app's
// client credentials.
func (p *Provider) introspect(ctx context.Context, profile *credential.Profile, accessToken string) (*introspectResponse, error) {
	form := url.Values{}
	form.Set("client_id", profile.ClientID)
	form.Set("client_secret", profile.ClientSecret)
	form.Set("token", accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.oauthBase+"/introspectToken", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build introspect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read introspect response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspect status %d", resp.StatusCode)
	}

	var intro introspectResponse
	if err := json.Unmarshal(body, &intro); err != nil {
		return nil, fmt.Errorf("decode introspect response: %w", err)
	}
	return &intro, nil
}

// splitScopeList splits LinkedIn's comma-separated scope string.
func splitScopeList(scope string) []string {
	fields := strings.FieldsFunc(scope, func(r rune) bool {
		return r == ',' || r == ' '
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (p *Provider) get(ctx context.Context, url, accessToken string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

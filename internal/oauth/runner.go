// Package oauth drives the authorization-code exchange and refresh for a
// profile. One parameterized runner replaces the per-platform copies of this
// logic the posting scripts used to carry.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/treumalgotech/credvault/internal/credential"
	"github.com/treumalgotech/credvault/internal/provider"
)

// Runner performs OAuth2 exchanges for any registered provider.
type Runner struct {
	registry *provider.Registry
	client   *http.Client
	logger   zerolog.Logger
}

// NewRunner creates a flow runner over the provider registry.
func NewRunner(registry *provider.Registry, client *http.Client, logger zerolog.Logger) *Runner {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Runner{registry: registry, client: client, logger: logger}
}

// BuildAuthorizationURL constructs the provider's authorize URL with a fresh
// random state (and a PKCE challenge when the profile asks for one). The
// returned FlowState must be retained until the callback delivers code and
// state.
func (r *Runner) BuildAuthorizationURL(profile *credential.Profile) (string, *credential.FlowState, error) {
	p, err := r.registry.For(profile)
	if err != nil {
		return "", nil, err
	}
	if p.Type() == provider.FlowStaticToken {
		return "", nil, fmt.Errorf("%s: no authorization flow for static tokens", profile.Provider)
	}
	endpoints, err := p.Endpoints(profile)
	if err != nil {
		return "", nil, err
	}

	state, err := randomURLSafe(32)
	if err != nil {
		return "", nil, fmt.Errorf("generate state: %w", err)
	}
	fs := &credential.FlowState{
		ID:        uuid.NewString(),
		Key:       profile.Key(),
		State:     state,
		CreatedAt: time.Now(),
	}

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", profile.ClientID)
	params.Set("redirect_uri", profile.RedirectURI)
	params.Set("scope", strings.Join(profile.Scopes, " "))
	params.Set("state", state)

	if profile.UsePKCE {
		verifier, err := randomURLSafe(32)
		if err != nil {
			return "", nil, fmt.Errorf("generate code verifier: %w", err)
		}
		fs.CodeVerifier = verifier
		sum := sha256.Sum256([]byte(verifier))
		params.Set("code_challenge", base64.RawURLEncoding.EncodeToString(sum[:]))
		params.Set("code_challenge_method", "S256")
	}

	authURL := endpoints.AuthorizeURL + "?" + params.Encode()
	r.logger.Debug().
		Str("profile", profile.Key().String()).
		Str("flow_id", fs.ID).
		Bool("pkce", profile.UsePKCE).
		Msg("built authorization URL")
	return authURL, fs, nil
}

// ExchangeCode trades an authorization code for a token bundle. A state
// mismatch fails before any network I/O; a rejected exchange is never
// retried, since codes are single-use and expire within minutes.
func (r *Runner) ExchangeCode(ctx context.Context, profile *credential.Profile, fs *credential.FlowState, code, receivedState string) (*credential.TokenBundle, error) {
	if fs == nil || receivedState != fs.State {
		return nil, credential.ErrStateMismatch
	}

	p, err := r.registry.For(profile)
	if err != nil {
		return nil, err
	}
	endpoints, err := p.Endpoints(profile)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", profile.RedirectURI)
	form.Set("client_id", profile.ClientID)
	if profile.ClientSecret != "" {
		form.Set("client_secret", profile.ClientSecret)
	}
	if fs.CodeVerifier != "" {
		form.Set("code_verifier", fs.CodeVerifier)
	}

	tr, err := r.postToken(ctx, profile.Provider, endpoints.TokenURL, form)
	if err != nil {
		return nil, err
	}

	bundle := tr.toBundle()
	r.logger.Info().
		Str("profile", profile.Key().String()).
		Str("access_token", credential.MaskToken(bundle.AccessToken)).
		Bool("has_refresh_token", bundle.RefreshToken != "").
		Int64("expires_at", bundle.ExpiresAt).
		Msg("🔐 authorization code exchanged")
	return bundle, nil
}

func (r *Runner) postToken(ctx context.Context, prov credential.Provider, tokenURL string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &credential.AuthExchangeError{
			Provider:   prov,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}
	}

	tr, err := parseTokenResponse(body)
	if err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, &credential.AuthExchangeError{
			Provider:   prov,
			StatusCode: resp.StatusCode,
			Message:    "response contained no access_token",
		}
	}
	return tr, nil
}

func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

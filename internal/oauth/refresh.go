package oauth

import (
	"context"
	"net/url"

	"github.com/treumalgotech/credvault/internal/credential"
	"github.com/treumalgotech/credvault/internal/provider"
)

// Refresh exchanges the bundle's refresh token for new token material.
// Bundles without a refresh token get credential.ErrNoRefreshToken, which
// callers treat as "re-run the interactive flow", not as transient.
//
// Providers may or may not rotate the refresh token; when the response omits
// one, the old token is preserved (LinkedIn keeps it stable, Twitter rotates
// on every refresh).
func (r *Runner) Refresh(ctx context.Context, profile *credential.Profile, bundle *credential.TokenBundle) (*credential.TokenBundle, error) {
	if bundle == nil || bundle.RefreshToken == "" {
		return nil, credential.ErrNoRefreshToken
	}

	p, err := r.registry.For(profile)
	if err != nil {
		return nil, err
	}
	if p.Type() == provider.FlowStaticToken {
		return nil, credential.ErrNoRefreshToken
	}
	endpoints, err := p.Endpoints(profile)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", bundle.RefreshToken)
	form.Set("client_id", profile.ClientID)
	if profile.ClientSecret != "" {
		form.Set("client_secret", profile.ClientSecret)
	}

	tr, err := r.postToken(ctx, profile.Provider, endpoints.TokenURL, form)
	if err != nil {
		return nil, err
	}

	next := tr.toBundle()
	if next.RefreshToken == "" {
		next.RefreshToken = bundle.RefreshToken
	}
	if len(next.GrantedScopes) == 0 {
		next.GrantedScopes = bundle.GrantedScopes
	}
	if next.AccountID == "" {
		next.AccountID = bundle.AccountID
	}

	r.logger.Info().
		Str("profile", profile.Key().String()).
		Str("access_token", credential.MaskToken(next.AccessToken)).
		Bool("refresh_token_rotated", next.RefreshToken != bundle.RefreshToken).
		Int64("expires_at", next.ExpiresAt).
		Msg("🔄 token refreshed")
	return next, nil
}

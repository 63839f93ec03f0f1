// Package manager is the single entry point posting tools use to obtain a
// usable token. It hides whether the credential came from the store, a
// refresh exchange, or needs a fresh interactive authorization.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/treumalgotech/credvault/internal/credential"
	"github.com/treumalgotech/credvault/internal/oauth"
	"github.com/treumalgotech/credvault/internal/provider"
	"github.com/treumalgotech/credvault/internal/validate"
	"github.com/treumalgotech/credvault/internal/vault"
)

// ExpiryMargin is the safety window before expiry inside which a refresh is
// attempted.
const ExpiryMargin = 5 * time.Minute

// storeBusyRetryAfter is the single bounded backoff before giving up on a
// contended store write.
const storeBusyRetryAfter = 150 * time.Millisecond

// ProfileSource resolves profile configuration by key.
type ProfileSource interface {
	Profile(prov credential.Provider, name string) (*credential.Profile, bool)
	Profiles() []*credential.Profile
}

// Manager combines store, flow runner and validator into get-or-refresh
// semantics.
type Manager struct {
	store     vault.Store
	runner    *oauth.Runner
	validator *validate.Validator
	registry  *provider.Registry
	profiles  ProfileSource
	logger    zerolog.Logger
	margin    time.Duration

	refreshGroup singleflight.Group
}

// New wires a manager.
func New(store vault.Store, runner *oauth.Runner, validator *validate.Validator, registry *provider.Registry, profiles ProfileSource, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		runner:    runner,
		validator: validator,
		registry:  registry,
		profiles:  profiles,
		logger:    logger,
		margin:    ExpiryMargin,
	}
}

// Acquire returns a usable bundle for (provider, profile), refreshing it
// first when it is inside the expiry margin. With requiredCapability set,
// the token is additionally probed and credential.ErrInsufficientScope is
// returned when the capability is missing — a token that cannot do what was
// asked is never handed out.
//
// When no usable bundle exists the returned error unwraps to
// *credential.InteractionRequiredError carrying a ready authorization URL.
func (m *Manager) Acquire(ctx context.Context, prov credential.Provider, name, requiredCapability string) (*credential.TokenBundle, error) {
	profile, ok := m.profiles.Profile(prov, name)
	if !ok {
		return nil, fmt.Errorf("no configured profile %s/%s", prov, name)
	}

	bundle, err := m.store.Get(ctx, prov, name)
	switch {
	case errors.Is(err, credential.ErrNotFound):
		return nil, m.interactionRequired(profile)
	case err != nil:
		return nil, fmt.Errorf("load bundle: %w", err)
	}

	if bundle.Status == credential.StatusRevoked {
		return nil, m.interactionRequired(profile)
	}

	if bundle.ExpiresWithin(m.margin) {
		bundle, err = m.refresh(ctx, profile, bundle)
		if err != nil {
			// Exchange rejections and missing refresh tokens both force
			// re-authorization; transient store contention surfaces as-is.
			if errors.Is(err, credential.ErrStoreBusy) {
				return nil, err
			}
			m.logger.Warn().
				Str("profile", profile.Key().String()).
				Err(err).
				Msg("refresh failed, re-authorization required")
			return nil, m.interactionRequired(profile)
		}
	}

	if requiredCapability != "" {
		result, err := m.validator.Validate(ctx, profile, bundle)
		if err != nil {
			return nil, fmt.Errorf("validate bundle: %w", err)
		}
		if result.Rejected {
			m.markRevoked(ctx, profile, bundle)
			return nil, m.interactionRequired(profile)
		}
		if !result.IsValid {
			// Probe failed without a verdict (outage, 5xx, garbled body).
			// The stored bundle may still be live, so it stays untouched.
			return nil, fmt.Errorf("validate %s: %s", profile.Key(), result.Reason)
		}
		if !result.HasCapability(requiredCapability) {
			return nil, fmt.Errorf("%s missing %q: %w", profile.Key(), requiredCapability, credential.ErrInsufficientScope)
		}
		m.recordValidated(ctx, profile, bundle, result)
	}

	return bundle, nil
}

// refresh deduplicates concurrent refreshes per profile: the losers of the
// race reuse the winner's stored result instead of issuing a second network
// exchange.
func (m *Manager) refresh(ctx context.Context, profile *credential.Profile, stale *credential.TokenBundle) (*credential.TokenBundle, error) {
	key := profile.Key()
	fresh, err, _ := m.refreshGroup.Do(key.String(), func() (any, error) {
		// Another process may have refreshed while we waited on the flight
		// group or the store lock; serve its result instead of refreshing
		// the same bundle twice.
		if current, err := m.store.Get(ctx, key.Provider, key.Name); err == nil {
			if current.AccessToken != stale.AccessToken && !current.ExpiresWithin(m.margin) {
				return current, nil
			}
		}

		next, err := m.runner.Refresh(ctx, profile, stale)
		if err != nil {
			return nil, err
		}
		if err := m.put(ctx, profile, next); err != nil {
			return nil, err
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return fresh.(*credential.TokenBundle), nil
}

// put writes with one bounded retry on store contention.
func (m *Manager) put(ctx context.Context, profile *credential.Profile, bundle *credential.TokenBundle) error {
	key := profile.Key()
	err := m.store.Put(ctx, key.Provider, key.Name, bundle)
	if errors.Is(err, credential.ErrStoreBusy) {
		m.logger.Debug().Str("profile", key.String()).Msg("store busy, retrying put")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(storeBusyRetryAfter):
		}
		err = m.store.Put(ctx, key.Provider, key.Name, bundle)
	}
	if err != nil {
		return fmt.Errorf("store bundle: %w", err)
	}
	return nil
}

func (m *Manager) markRevoked(ctx context.Context, profile *credential.Profile, bundle *credential.TokenBundle) {
	revoked := *bundle
	revoked.Status = credential.StatusRevoked
	if err := m.put(ctx, profile, &revoked); err != nil {
		m.logger.Error().Str("profile", profile.Key().String()).Err(err).Msg("failed to mark bundle revoked")
		return
	}
	m.logger.Warn().Str("profile", profile.Key().String()).Msg("🚫 bundle marked revoked")
}

func (m *Manager) recordValidated(ctx context.Context, profile *credential.Profile, bundle *credential.TokenBundle, result *credential.ValidationResult) {
	bundle.LastValidatedAt = result.CheckedAt.UnixMilli()
	if bundle.Status == "" {
		bundle.Status = credential.StatusValid
	}
	if err := m.put(ctx, profile, bundle); err != nil {
		// Validation bookkeeping is best effort; the caller still gets a
		// live token.
		m.logger.Debug().Str("profile", profile.Key().String()).Err(err).Msg("could not record validation time")
	}
}

// interactionRequired builds the actionable "go authorize in a browser"
// error. Static-token providers have no URL; the CLI explains how to import
// the token instead.
func (m *Manager) interactionRequired(profile *credential.Profile) error {
	p, err := m.registry.For(profile)
	if err != nil {
		return err
	}
	if p.Type() == provider.FlowStaticToken {
		return &credential.InteractionRequiredError{Key: profile.Key()}
	}
	authURL, fs, err := m.runner.BuildAuthorizationURL(profile)
	if err != nil {
		return fmt.Errorf("build authorization URL: %w", err)
	}
	return &credential.InteractionRequiredError{
		Key:              profile.Key(),
		AuthorizationURL: authURL,
		FlowState:        fs,
	}
}

// CompleteAuthorization finishes an interactive flow: exchange the code,
// probe the fresh token, and persist the bundle. Used by the CLI after the
// loopback callback delivers code and state.
func (m *Manager) CompleteAuthorization(ctx context.Context, prov credential.Provider, name string, fs *credential.FlowState, code, state string) (*credential.TokenBundle, error) {
	profile, ok := m.profiles.Profile(prov, name)
	if !ok {
		return nil, fmt.Errorf("no configured profile %s/%s", prov, name)
	}

	bundle, err := m.runner.ExchangeCode(ctx, profile, fs, code, state)
	if err != nil {
		return nil, err
	}

	if result, err := m.validator.Validate(ctx, profile, bundle); err == nil && result.IsValid {
		bundle.LastValidatedAt = result.CheckedAt.UnixMilli()
	}

	if err := m.put(ctx, profile, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// StoreStatic persists a pasted long-lived token (bot tokens, PATs) for a
// profile after probing it once.
func (m *Manager) StoreStatic(ctx context.Context, prov credential.Provider, name, token string) (*credential.ValidationResult, error) {
	profile, ok := m.profiles.Profile(prov, name)
	if !ok {
		return nil, fmt.Errorf("no configured profile %s/%s", prov, name)
	}

	bundle := &credential.TokenBundle{
		AccessToken: token,
		Status:      credential.StatusValid,
	}
	result, err := m.validator.Validate(ctx, profile, bundle)
	if err != nil {
		return nil, err
	}
	if result.IsValid {
		bundle.LastValidatedAt = result.CheckedAt.UnixMilli()
	}

	if err := m.put(ctx, profile, bundle); err != nil {
		return nil, err
	}
	return result, nil
}

// ListProfiles enumerates stored profile keys.
func (m *Manager) ListProfiles(ctx context.Context) ([]credential.ProfileKey, error) {
	return m.store.ListProfiles(ctx)
}

// Inspect returns the stored bundle without lifecycle side effects. Used by
// the status display.
func (m *Manager) Inspect(ctx context.Context, prov credential.Provider, name string) (*credential.TokenBundle, error) {
	return m.store.Get(ctx, prov, name)
}

// Delete removes a stored bundle and drops the profile's cached provider
// instance and validation verdict, so a re-added credential starts from a
// clean slate.
func (m *Manager) Delete(ctx context.Context, prov credential.Provider, name string) error {
	key := credential.ProfileKey{Provider: prov, Name: name}
	if bundle, err := m.store.Get(ctx, prov, name); err == nil {
		m.validator.Invalidate(key, bundle)
	}
	m.registry.Invalidate(key)
	return m.store.Delete(ctx, prov, name)
}

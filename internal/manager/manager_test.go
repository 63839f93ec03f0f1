package manager_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treumalgotech/credvault/internal/credential"
	"github.com/treumalgotech/credvault/internal/manager"
	"github.com/treumalgotech/credvault/internal/oauth"
	"github.com/treumalgotech/credvault/internal/provider"
	"github.com/treumalgotech/credvault/internal/provider/generic"
	"github.com/treumalgotech/credvault/internal/provider/telegram"
	"github.com/treumalgotech/credvault/internal/validate"
	"github.com/treumalgotech/credvault/internal/vault"
)

type staticProfiles struct {
	list []*credential.Profile
}

func (s *staticProfiles) Profile(prov credential.Provider, name string) (*credential.Profile, bool) {
	for _, p := range s.list {
		if p.Provider == prov && p.Name == name {
			return p, true
		}
	}
	return nil, false
}

func (s *staticProfiles) Profiles() []*credential.Profile { return s.list }

// harness spins up a token endpoint and a validate endpoint whose behavior
// each test controls, plus a manager backed by a real file store.
type harness struct {
	mgr     *manager.Manager
	store   vault.Store
	profile *credential.Profile

	tokenCalls    atomic.Int64
	tokenResponse func(w http.ResponseWriter, r *http.Request)

	validateStatus atomic.Int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	h.validateStatus.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		h.tokenCalls.Add(1)
		if h.tokenResponse != nil {
			h.tokenResponse(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "refreshed-access",
			"refresh_token": "refreshed-refresh",
			"expires_in":    3600,
			"scope":         "post read",
		})
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(h.validateStatus.Load()))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h.profile = &credential.Profile{
		Provider:    credential.ProviderGeneric,
		Name:        "main",
		ClientID:    "cid",
		RedirectURI: "http://localhost:9999/callback",
		Scopes:      []string{"post", "read"},
		Extra: map[string]string{
			"authorize_url": srv.URL + "/authorize",
			"token_url":     srv.URL + "/token",
			"validate_url":  srv.URL + "/me",
		},
	}

	store, err := vault.NewFileStore(filepath.Join(t.TempDir(), "vault.json"), nil)
	require.NoError(t, err)
	h.store = store

	registry := provider.NewRegistry(provider.Deps{HTTPClient: srv.Client()})
	registry.Register(generic.ProviderName, generic.Factory)
	registry.Register(telegram.ProviderName, telegram.Factory)

	log := zerolog.Nop()
	runner := oauth.NewRunner(registry, srv.Client(), log)
	validator := validate.New(registry, log)
	h.mgr = manager.New(store, runner, validator, registry, &staticProfiles{list: []*credential.Profile{h.profile}}, log)
	return h
}

func (h *harness) seed(t *testing.T, bundle *credential.TokenBundle) {
	t.Helper()
	require.NoError(t, h.store.Put(context.Background(), h.profile.Provider, h.profile.Name, bundle))
}

func TestAcquireIsIdempotentWhileValid(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &credential.TokenBundle{
		AccessToken:  "live-access",
		RefreshToken: "live-refresh",
		ExpiresAt:    time.Now().Add(2 * time.Hour).UnixMilli(),
		Status:       credential.StatusValid,
	})

	for i := 0; i < 3; i++ {
		bundle, err := h.mgr.Acquire(context.Background(), h.profile.Provider, h.profile.Name, "")
		require.NoError(t, err)
		assert.Equal(t, "live-access", bundle.AccessToken)
	}
	assert.Equal(t, int64(0), h.tokenCalls.Load(), "a live token must never trigger a refresh")
}

func TestAcquireRefreshesInsideMargin(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &credential.TokenBundle{
		AccessToken:  "stale-access",
		RefreshToken: "stale-refresh",
		ExpiresAt:    time.Now().Add(time.Minute).UnixMilli(), // inside the 5m margin
		Status:       credential.StatusValid,
	})

	bundle, err := h.mgr.Acquire(context.Background(), h.profile.Provider, h.profile.Name, "")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", bundle.AccessToken)
	assert.Equal(t, int64(1), h.tokenCalls.Load())

	stored, err := h.store.Get(context.Background(), h.profile.Provider, h.profile.Name)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", stored.AccessToken, "refreshed bundle must be persisted")
	assert.Equal(t, "refreshed-refresh", stored.RefreshToken)
}

func TestAcquireMissingBundleRequiresInteraction(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Acquire(context.Background(), h.profile.Provider, h.profile.Name, "")
	var interaction *credential.InteractionRequiredError
	require.ErrorAs(t, err, &interaction)
	assert.Contains(t, interaction.AuthorizationURL, "/authorize?")
	assert.NotNil(t, interaction.FlowState)
	assert.Equal(t, h.profile.Key(), interaction.Key)
}

func TestAcquireExpiredWithoutRefreshToken(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &credential.TokenBundle{
		AccessToken: "expired-access",
		ExpiresAt:   time.Now().Add(-time.Hour).UnixMilli(),
		Status:      credential.StatusValid,
	})

	_, err := h.mgr.Acquire(context.Background(), h.profile.Provider, h.profile.Name, "")
	var interaction *credential.InteractionRequiredError
	require.ErrorAs(t, err, &interaction)
	assert.Equal(t, int64(0), h.tokenCalls.Load(), "no refresh attempt without a refresh token")
}

func TestAcquireRevokedRequiresInteraction(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &credential.TokenBundle{
		AccessToken:  "revoked-access",
		RefreshToken: "revoked-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		Status:       credential.StatusRevoked,
	})

	_, err := h.mgr.Acquire(context.Background(), h.profile.Provider, h.profile.Name, "")
	var interaction *credential.InteractionRequiredError
	require.ErrorAs(t, err, &interaction)
	assert.Equal(t, int64(0), h.tokenCalls.Load(), "revoked bundles are never refreshed")
}

func TestAcquireRejectedRefreshRequiresInteraction(t *testing.T) {
	h := newHarness(t)
	h.tokenResponse = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}
	h.seed(t, &credential.TokenBundle{
		AccessToken:  "stale-access",
		RefreshToken: "dead-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
		Status:       credential.StatusValid,
	})

	_, err := h.mgr.Acquire(context.Background(), h.profile.Provider, h.profile.Name, "")
	var interaction *credential.InteractionRequiredError
	require.ErrorAs(t, err, &interaction)
	assert.Equal(t, int64(1), h.tokenCalls.Load(), "a rejected refresh is not retried")
}

func TestAcquireCapability(t *testing.T) {
	t.Run("granted", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, &credential.TokenBundle{
			AccessToken:   "live-access",
			ExpiresAt:     time.Now().Add(time.Hour).UnixMilli(),
			GrantedScopes: []string{"post", "read"},
			Status:        credential.StatusValid,
		})

		bundle, err := h.mgr.Acquire(context.Background(), h.profile.Provider, h.profile.Name, "scope:post")
		require.NoError(t, err)
		assert.Equal(t, "live-access", bundle.AccessToken)
		assert.NotZero(t, bundle.LastValidatedAt)
	})

	t.Run("missing", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, &credential.TokenBundle{
			AccessToken:   "live-access",
			ExpiresAt:     time.Now().Add(time.Hour).UnixMilli(),
			GrantedScopes: []string{"read"},
			Status:        credential.StatusValid,
		})

		_, err := h.mgr.Acquire(context.Background(), h.profile.Provider, h.profile.Name, "scope:post")
		assert.ErrorIs(t, err, credential.ErrInsufficientScope)
	})

	t.Run("rejected token is marked revoked", func(t *testing.T) {
		h := newHarness(t)
		h.validateStatus.Store(http.StatusUnauthorized)
		h.seed(t, &credential.TokenBundle{
			AccessToken:   "rejected-access",
			ExpiresAt:     time.Now().Add(time.Hour).UnixMilli(),
			GrantedScopes: []string{"post"},
			Status:        credential.StatusValid,
		})

		_, err := h.mgr.Acquire(context.Background(), h.profile.Provider, h.profile.Name, "scope:post")
		var interaction *credential.InteractionRequiredError
		require.ErrorAs(t, err, &interaction)

		stored, err := h.store.Get(context.Background(), h.profile.Provider, h.profile.Name)
		require.NoError(t, err)
		assert.Equal(t, credential.StatusRevoked, stored.Status)
	})

	t.Run("transient probe failure leaves the bundle alone", func(t *testing.T) {
		h := newHarness(t)
		h.validateStatus.Store(http.StatusInternalServerError)
		h.seed(t, &credential.TokenBundle{
			AccessToken:   "live-access",
			ExpiresAt:     time.Now().Add(time.Hour).UnixMilli(),
			GrantedScopes: []string{"post"},
			Status:        credential.StatusValid,
		})

		_, err := h.mgr.Acquire(context.Background(), h.profile.Provider, h.profile.Name, "scope:post")
		require.Error(t, err)
		var interaction *credential.InteractionRequiredError
		assert.False(t, errors.As(err, &interaction), "an outage is not grounds for re-authorization")

		stored, err := h.store.Get(context.Background(), h.profile.Provider, h.profile.Name)
		require.NoError(t, err)
		assert.Equal(t, credential.StatusValid, stored.Status, "a provider outage must not revoke a live credential")
		assert.Equal(t, "live-access", stored.AccessToken)

		t.Run("recovers once the endpoint does", func(t *testing.T) {
			h.validateStatus.Store(http.StatusOK)
			bundle, err := h.mgr.Acquire(context.Background(), h.profile.Provider, h.profile.Name, "scope:post")
			require.NoError(t, err)
			assert.Equal(t, "live-access", bundle.AccessToken)
		})
	})
}

func TestAcquireConcurrentRefreshesOnce(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &credential.TokenBundle{
		AccessToken:  "stale-access",
		RefreshToken: "stale-refresh",
		ExpiresAt:    time.Now().Add(time.Minute).UnixMilli(),
		Status:       credential.StatusValid,
	})

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*credential.TokenBundle, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.mgr.Acquire(context.Background(), h.profile.Provider, h.profile.Name, "")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "refreshed-access", results[i].AccessToken)
	}
	assert.Equal(t, int64(1), h.tokenCalls.Load(), "concurrent callers must share one refresh exchange")
}

func TestAcquireStaticTokenNeverExpires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"id": 42, "username": "release_bot", "is_bot": true},
		})
	}))
	defer srv.Close()

	profile := &credential.Profile{
		Provider: credential.ProviderTelegram,
		Name:     "bot",
		Extra:    map[string]string{"api_base": srv.URL},
	}
	store, err := vault.NewFileStore(filepath.Join(t.TempDir(), "vault.json"), nil)
	require.NoError(t, err)

	registry := provider.NewRegistry(provider.Deps{HTTPClient: srv.Client()})
	registry.Register(telegram.ProviderName, telegram.Factory)
	log := zerolog.Nop()
	mgr := manager.New(store, oauth.NewRunner(registry, srv.Client(), log), validate.New(registry, log), registry, &staticProfiles{list: []*credential.Profile{profile}}, log)

	require.NoError(t, store.Put(context.Background(), profile.Provider, profile.Name, &credential.TokenBundle{
		AccessToken: "123:bot-token",
		Status:      credential.StatusValid,
	}))

	bundle, err := mgr.Acquire(context.Background(), profile.Provider, profile.Name, "")
	require.NoError(t, err)
	assert.Equal(t, "123:bot-token", bundle.AccessToken)
	assert.False(t, bundle.Expires())

	t.Run("absent static token asks for an import, not a URL", func(t *testing.T) {
		require.NoError(t, store.Delete(context.Background(), profile.Provider, profile.Name))
		_, err := mgr.Acquire(context.Background(), profile.Provider, profile.Name, "")
		var interaction *credential.InteractionRequiredError
		require.ErrorAs(t, err, &interaction)
		assert.Empty(t, interaction.AuthorizationURL)
	})
}

func TestStoreStatic(t *testing.T) {
	h := newHarness(t)

	result, err := h.mgr.StoreStatic(context.Background(), h.profile.Provider, h.profile.Name, "pasted-token")
	require.NoError(t, err)
	assert.True(t, result.IsValid)

	stored, err := h.store.Get(context.Background(), h.profile.Provider, h.profile.Name)
	require.NoError(t, err)
	assert.Equal(t, "pasted-token", stored.AccessToken)
	assert.Equal(t, credential.StatusValid, stored.Status)
	assert.NotZero(t, stored.LastValidatedAt)
}

func TestUnknownProfile(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Acquire(context.Background(), credential.ProviderGeneric, "nope", "")
	require.Error(t, err)
	var interaction *credential.InteractionRequiredError
	assert.False(t, errors.As(err, &interaction), "an unconfigured profile is an error, not an authorization prompt")
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &credential.TokenBundle{AccessToken: "gone", Status: credential.StatusValid})

	require.NoError(t, h.mgr.Delete(context.Background(), h.profile.Provider, h.profile.Name))
	_, err := h.store.Get(context.Background(), h.profile.Provider, h.profile.Name)
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

package validate_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treumalgotech/credvault/internal/credential"
	"github.com/treumalgotech/credvault/internal/provider"
	"github.com/treumalgotech/credvault/internal/provider/generic"
	"github.com/treumalgotech/credvault/internal/validate"
)

func TestValidateCachesProbes(t *testing.T) {
	var probes atomic.Int64
	var mu sync.Mutex
	var seenAuth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		mu.Lock()
		seenAuth = append(seenAuth, r.Header.Get("Authorization"))
		mu.Unlock()
	}))
	defer srv.Close()

	profile := &credential.Profile{
		Provider: credential.ProviderGeneric,
		Name:     "main",
		Extra: map[string]string{
			"authorize_url": srv.URL + "/authorize",
			"token_url":     srv.URL + "/token",
			"validate_url":  srv.URL + "/me",
		},
	}
	registry := provider.NewRegistry(provider.Deps{HTTPClient: srv.Client()})
	registry.Register(generic.ProviderName, generic.Factory)
	v := validate.New(registry, zerolog.Nop())

	bundle := &credential.TokenBundle{
		AccessToken:   "probe-token",
		GrantedScopes: []string{"read"},
	}

	first, err := v.Validate(context.Background(), profile, bundle)
	require.NoError(t, err)
	assert.True(t, first.IsValid)
	assert.Contains(t, first.Capabilities, "scope:read")
	assert.WithinDuration(t, time.Now(), first.CheckedAt, 5*time.Second)

	second, err := v.Validate(context.Background(), profile, bundle)
	require.NoError(t, err)
	assert.Same(t, first, second, "repeat validation must come from the cache")
	assert.Equal(t, int64(1), probes.Load())
	assert.Equal(t, []string{"Bearer probe-token"}, seenAuth)

	t.Run("rotated token misses the cache", func(t *testing.T) {
		rotated := &credential.TokenBundle{AccessToken: "probe-token-2"}
		_, err := v.Validate(context.Background(), profile, rotated)
		require.NoError(t, err)
		assert.Equal(t, int64(2), probes.Load())
		mu.Lock()
		assert.Equal(t, "Bearer probe-token-2", seenAuth[len(seenAuth)-1])
		mu.Unlock()
	})

	t.Run("invalidate forces a fresh probe", func(t *testing.T) {
		before := probes.Load()
		v.Invalidate(profile.Key(), bundle)
		_, err := v.Validate(context.Background(), profile, bundle)
		require.NoError(t, err)
		assert.Equal(t, before+1, probes.Load())
	})
}

func TestValidateFailureCarriesReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	profile := &credential.Profile{
		Provider: credential.ProviderGeneric,
		Name:     "main",
		Extra: map[string]string{
			"authorize_url": srv.URL + "/authorize",
			"token_url":     srv.URL + "/token",
			"validate_url":  srv.URL + "/me",
		},
	}
	registry := provider.NewRegistry(provider.Deps{HTTPClient: srv.Client()})
	registry.Register(generic.ProviderName, generic.Factory)
	v := validate.New(registry, zerolog.Nop())

	result, err := v.Validate(context.Background(), profile, &credential.TokenBundle{AccessToken: "dead"})
	require.NoError(t, err, "a rejected token is a result, not an error")
	assert.False(t, result.IsValid)
	assert.True(t, result.Rejected)
	assert.NotEmpty(t, result.Reason)
	assert.Empty(t, result.Capabilities)
}

func TestValidateTransientFailureNotCached(t *testing.T) {
	var probes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if probes.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	profile := &credential.Profile{
		Provider: credential.ProviderGeneric,
		Name:     "main",
		Extra: map[string]string{
			"authorize_url": srv.URL + "/authorize",
			"token_url":     srv.URL + "/token",
			"validate_url":  srv.URL + "/me",
		},
	}
	registry := provider.NewRegistry(provider.Deps{HTTPClient: srv.Client()})
	registry.Register(generic.ProviderName, generic.Factory)
	v := validate.New(registry, zerolog.Nop())

	bundle := &credential.TokenBundle{AccessToken: "flaky"}
	first, err := v.Validate(context.Background(), profile, bundle)
	require.NoError(t, err)
	assert.False(t, first.IsValid)
	assert.False(t, first.Rejected, "a 5xx is an outage, not a verdict")

	second, err := v.Validate(context.Background(), profile, bundle)
	require.NoError(t, err)
	assert.True(t, second.IsValid, "the failed probe must not be served from the cache")
	assert.Equal(t, int64(2), probes.Load())
}

func TestValidateUnregisteredProvider(t *testing.T) {
	registry := provider.NewRegistry(provider.Deps{})
	v := validate.New(registry, zerolog.Nop())

	profile := &credential.Profile{Provider: credential.ProviderLinkedIn, Name: "main"}
	_, err := v.Validate(context.Background(), profile, &credential.TokenBundle{AccessToken: "x"})
	require.Error(t, err)
}

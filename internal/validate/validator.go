// Package validate answers "is this token live, and what can it do" with one
// lightweight provider probe. It is separate from the flow runner on
// purpose: having a token and being able to post as the right identity are
// different facts, and conflating them is how posts end up on the wrong
// account.
package validate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/treumalgotech/credvault/internal/credential"
	"github.com/treumalgotech/credvault/internal/provider"
)

const (
	defaultCacheTTL = 2 * time.Minute
	cacheSweepEvery = 5 * time.Minute
)

// Validator probes tokens through the provider registry. Results are cached
// briefly so a burst of Acquire calls does not hammer the provider's API.
type Validator struct {
	registry *provider.Registry
	cache    *gocache.Cache
	logger   zerolog.Logger
}

// New creates a validator with the default result cache.
func New(registry *provider.Registry, logger zerolog.Logger) *Validator {
	return &Validator{
		registry: registry,
		cache:    gocache.New(defaultCacheTTL, cacheSweepEvery),
		logger:   logger,
	}
}

// Validate runs the provider's probe for the bundle. Probe failures come
// back inside the result (IsValid=false with a reason); the error return is
// reserved for misuse such as an unregistered provider or an empty bundle.
func (v *Validator) Validate(ctx context.Context, profile *credential.Profile, bundle *credential.TokenBundle) (*credential.ValidationResult, error) {
	key := cacheKey(profile.Key(), bundle)
	if cached, ok := v.cache.Get(key); ok {
		return cached.(*credential.ValidationResult), nil
	}

	p, err := v.registry.For(profile)
	if err != nil {
		return nil, err
	}

	result, err := p.Validate(ctx, profile, bundle)
	if err != nil {
		return nil, err
	}

	if result.IsValid {
		v.logger.Debug().
			Str("profile", profile.Key().String()).
			Strs("capabilities", result.Capabilities).
			Msg("✅ token validated")
	} else {
		v.logger.Warn().
			Str("profile", profile.Key().String()).
			Str("reason", result.Reason).
			Msg("⚠️ token failed validation")
	}

	// Transient probe failures are not cached: the endpoint may recover
	// before the TTL runs out, and a stale "unknown" verdict helps nobody.
	if result.IsValid || result.Rejected {
		v.cache.Set(key, result, gocache.DefaultExpiration)
	}
	return result, nil
}

// Invalidate drops any cached result for the profile+bundle, forcing the
// next Validate to hit the provider.
func (v *Validator) Invalidate(profileKey credential.ProfileKey, bundle *credential.TokenBundle) {
	v.cache.Delete(cacheKey(profileKey, bundle))
}

// cacheKey mixes the profile key with a digest of the access token so a
// rotated token never reuses its predecessor's cached verdict. The raw token
// never appears as a map key.
func cacheKey(key credential.ProfileKey, bundle *credential.TokenBundle) string {
	sum := sha256.Sum256([]byte(bundle.AccessToken))
	return key.String() + "#" + hex.EncodeToString(sum[:8])
}

// Package envimport migrates credentials out of the legacy flat .env file
// into properly keyed vault profiles. The old toolchain had a dozen scripts
// doing line surgery on one shared .env; this is the one-way door out of
// that.
package envimport

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/treumalgotech/credvault/internal/credential"
	"github.com/treumalgotech/credvault/internal/vault"
)

// mapping ties a legacy .env access-token key to its vault profile, with
// optional refresh-token and expiry companions.
type mapping struct {
	accessKey  string
	refreshKey string
	provider   credential.Provider
	profile    string
}

// Known legacy keys, taken from the scripts that used to read them.
var mappings = []mapping{
	{accessKey: "TELEGRAM_BOT_TOKEN", provider: credential.ProviderTelegram, profile: "main"},
	{accessKey: "LINKEDIN_ACCESS_TOKEN", refreshKey: "LINKEDIN_REFRESH_TOKEN", provider: credential.ProviderLinkedIn, profile: "personal"},
	{accessKey: "LINKEDIN_COMPANY_ACCESS_TOKEN", refreshKey: "LINKEDIN_COMPANY_REFRESH_TOKEN", provider: credential.ProviderLinkedIn, profile: "company"},
	{accessKey: "TWITTER_ACCESS_TOKEN", refreshKey: "TWITTER_REFRESH_TOKEN", provider: credential.ProviderTwitter, profile: "main"},
}

// Imported describes one migrated credential.
type Imported struct {
	Key        credential.ProfileKey
	HasRefresh bool
}

// Run reads the .env file and stores every recognized credential. Existing
// bundles for the same profile are overwritten: single key per profile, no
// more duplicate stale entries.
func Run(ctx context.Context, envPath string, store vault.Store, logger zerolog.Logger) ([]Imported, error) {
	env, err := godotenv.Read(envPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", envPath, err)
	}

	var imported []Imported
	for _, m := range mappings {
		token := env[m.accessKey]
		if token == "" {
			continue
		}
		bundle := &credential.TokenBundle{
			AccessToken: token,
			Status:      credential.StatusValid,
		}
		if m.refreshKey != "" {
			bundle.RefreshToken = env[m.refreshKey]
		}
		if err := store.Put(ctx, m.provider, m.profile, bundle); err != nil {
			return imported, fmt.Errorf("store %s/%s: %w", m.provider, m.profile, err)
		}
		key := credential.ProfileKey{Provider: m.provider, Name: m.profile}
		logger.Info().
			Str("profile", key.String()).
			Str("env_key", m.accessKey).
			Str("token", credential.MaskToken(token)).
			Msg("📥 imported legacy credential")
		imported = append(imported, Imported{
			Key:        key,
			HasRefresh: bundle.RefreshToken != "",
		})
	}
	return imported, nil
}

// Package app is the composition root: it assembles store, provider
// registry, flow runner, validator and manager from a loaded config.
package app

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/treumalgotech/credvault/internal/config"
	"github.com/treumalgotech/credvault/internal/manager"
	"github.com/treumalgotech/credvault/internal/oauth"
	"github.com/treumalgotech/credvault/internal/provider"
	"github.com/treumalgotech/credvault/internal/provider/generic"
	"github.com/treumalgotech/credvault/internal/provider/linkedin"
	"github.com/treumalgotech/credvault/internal/provider/telegram"
	"github.com/treumalgotech/credvault/internal/provider/twitter"
	"github.com/treumalgotech/credvault/internal/validate"
	"github.com/treumalgotech/credvault/internal/vault"
)

// App bundles the wired components.
type App struct {
	Config    *config.Config
	Store     vault.Store
	Registry  *provider.Registry
	Runner    *oauth.Runner
	Validator *validate.Validator
	Manager   *manager.Manager
}

// New wires everything from config. The store backend is the vault file
// unless redis_addr is configured.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	httpClient := &http.Client{Timeout: 15 * time.Second}

	var store vault.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store = vault.NewRedisStore(client)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("🗄  using redis vault backend")
	} else {
		fs, err := vault.NewFileStore(cfg.VaultPath(), &logger)
		if err != nil {
			return nil, err
		}
		store = fs
		logger.Info().Str("path", cfg.VaultPath()).Msg("🗄  using file vault backend")
	}

	registry := NewRegistry(provider.Deps{HTTPClient: httpClient})
	runner := oauth.NewRunner(registry, httpClient, logger)
	validator := validate.New(registry, logger)
	mgr := manager.New(store, runner, validator, registry, cfg, logger)

	return &App{
		Config:    cfg,
		Store:     store,
		Registry:  registry,
		Runner:    runner,
		Validator: validator,
		Manager:   mgr,
	}, nil
}

// NewRegistry returns a registry with every built-in provider installed.
func NewRegistry(deps provider.Deps) *provider.Registry {
	r := provider.NewRegistry(deps)
	r.Register(linkedin.ProviderName, linkedin.Factory)
	r.Register(twitter.ProviderName, twitter.Factory)
	r.Register(telegram.ProviderName, telegram.Factory)
	r.Register(generic.ProviderName, generic.Factory)
	return r
}

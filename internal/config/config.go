// Package config loads the profile registry from profiles.yaml.
//
// Client secrets are referenced as ${ENV_VAR} in the file and expanded at
// load time, so the YAML itself stays free of secret material.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/treumalgotech/credvault/internal/credential"
	"github.com/treumalgotech/credvault/internal/vault"
)

// Config is the root of profiles.yaml.
type Config struct {
	// StorePath overrides the vault file location. Empty means the XDG
	// default.
	StorePath string `yaml:"store_path"`

	// RedisAddr switches the vault to the Redis backend when set.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	ProfileList []credential.Profile `yaml:"profiles"`

	byKey map[credential.ProfileKey]*credential.Profile
}

// DefaultPath resolves profiles.yaml next to the vault file.
func DefaultPath() string {
	vaultPath := vault.DefaultPath()
	if vaultPath == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(vaultPath), "profiles.yaml")
}

// Load reads and validates the registry. The (provider, name) pair must be
// unique across profiles.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes config bytes, expanding ${ENV_VAR} references first.
func Parse(raw []byte) (*Config, error) {
	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.byKey = make(map[credential.ProfileKey]*credential.Profile, len(cfg.ProfileList))
	for i := range cfg.ProfileList {
		p := &cfg.ProfileList[i]
		if p.Name == "" {
			return nil, fmt.Errorf("profile %d: name required", i)
		}
		if _, err := credential.ParseProvider(string(p.Provider)); err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.Name, err)
		}
		key := p.Key()
		if _, dup := cfg.byKey[key]; dup {
			return nil, fmt.Errorf("duplicate profile %s", key)
		}
		cfg.byKey[key] = p
	}
	return &cfg, nil
}

// Profile implements manager.ProfileSource.
func (c *Config) Profile(prov credential.Provider, name string) (*credential.Profile, bool) {
	p, ok := c.byKey[credential.ProfileKey{Provider: prov, Name: name}]
	return p, ok
}

// Profiles returns every configured profile.
func (c *Config) Profiles() []*credential.Profile {
	out := make([]*credential.Profile, 0, len(c.ProfileList))
	for i := range c.ProfileList {
		out = append(out, &c.ProfileList[i])
	}
	return out
}

// VaultPath returns the configured store path or the XDG default.
func (c *Config) VaultPath() string {
	if c.StorePath != "" {
		return c.StorePath
	}
	return vault.DefaultPath()
}

package credential

import (
	"fmt"
	"time"
)

// Provider identifies a third-party platform requiring credentials.
type Provider string

const (
	ProviderTelegram Provider = "telegram"
	ProviderLinkedIn Provider = "linkedin"
	ProviderTwitter  Provider = "twitter"
	ProviderGeneric  Provider = "generic_oauth2"
)

// ParseProvider converts a string into a known Provider.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderTelegram, ProviderLinkedIn, ProviderTwitter, ProviderGeneric:
		return Provider(s), nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// ProfileKey uniquely identifies one account on one provider.
type ProfileKey struct {
	Provider Provider `json:"provider"`
	Name     string   `json:"name"`
}

func (k ProfileKey) String() string {
	return string(k.Provider) + "/" + k.Name
}

// Profile is the static configuration for one account on one provider.
// Client credentials belong exclusively to the profile; they are never
// shared across profiles.
type Profile struct {
	Provider     Provider `yaml:"provider" json:"provider"`
	Name         string   `yaml:"name" json:"name"`
	ClientID     string   `yaml:"client_id" json:"client_id"`
	ClientSecret string   `yaml:"client_secret" json:"-"`
	RedirectURI  string   `yaml:"redirect_uri" json:"redirect_uri"`
	Scopes       []string `yaml:"scopes" json:"scopes"`
	UsePKCE      bool     `yaml:"use_pkce" json:"use_pkce"`

	// Provider-specific extras, e.g. linkedin organization id.
	Extra map[string]string `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// Key returns the registry key for the profile.
func (p *Profile) Key() ProfileKey {
	return ProfileKey{Provider: p.Provider, Name: p.Name}
}

// BundleStatus tracks the stored lifecycle state of a bundle.
type BundleStatus string

const (
	StatusValid   BundleStatus = "valid"
	StatusRevoked BundleStatus = "revoked"
)

// TokenBundle is the live credential material for a profile.
//
// ExpiresAt and LastValidatedAt are unix milliseconds; 0 means unset.
// A bundle with ExpiresAt == 0 never expires (e.g. a Telegram bot token).
type TokenBundle struct {
	AccessToken     string       `json:"access_token"`
	RefreshToken    string       `json:"refresh_token,omitempty"`
	ExpiresAt       int64        `json:"expires_at,omitempty"`
	GrantedScopes   []string     `json:"granted_scopes,omitempty"`
	LastValidatedAt int64        `json:"last_validated_at,omitempty"`
	Status          BundleStatus `json:"status,omitempty"`

	// AccountID is the provider-side identity the token belongs to
	// (OIDC sub, Telegram bot id, ...). Informational.
	AccountID string `json:"account_id,omitempty"`
}

// Expires reports whether the bundle carries an expiry at all.
func (b *TokenBundle) Expires() bool {
	return b.ExpiresAt > 0
}

// ExpiresWithin reports whether the bundle expires inside the given margin.
// Non-expiring bundles never do.
func (b *TokenBundle) ExpiresWithin(margin time.Duration) bool {
	if !b.Expires() {
		return false
	}
	return time.Now().UnixMilli() >= b.ExpiresAt-margin.Milliseconds()
}

// FlowState is the caller-retained half of one authorization attempt: the
// CSRF state and, when PKCE is in play, the code verifier. Transient, never
// persisted to the vault.
type FlowState struct {
	ID           string
	Key          ProfileKey
	State        string
	CodeVerifier string
	CreatedAt    time.Time
}

// ValidationResult is the outcome of one provider probe. Never persisted.
type ValidationResult struct {
	IsValid      bool
	Capabilities []string
	CheckedAt    time.Time

	// Rejected is set when the provider definitively refused the token
	// (401/403). An unreachable or misbehaving endpoint leaves it false:
	// that is a transient failure, not a verdict on the credential.
	Rejected bool

	// Reason holds the failure detail when IsValid is false.
	Reason string
}

// HasCapability reports whether the result grants the given capability.
// Pure predicate, no I/O.
func (r *ValidationResult) HasCapability(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// MaskToken renders a token safe for logs: first and last 4 runes with the
// middle elided. Short tokens are fully elided.
func MaskToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "…" + token[len(token)-4:] + fmt.Sprintf(" (%d chars)", len(token))
}

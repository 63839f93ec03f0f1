package vault

import (
	"context"

	"github.com/treumalgotech/credvault/internal/credential"
)

// Store is the durable home of token bundles, one record per
// (provider, profile) key.
//
// Put is all-or-nothing: a crash mid-write must never leave a corrupt or
// half-written record. Writes for the same key are linearized; a writer that
// cannot take the lock within a bounded wait gets credential.ErrStoreBusy
// and is expected to retry.
type Store interface {
	// Get returns the stored bundle or credential.ErrNotFound.
	Get(ctx context.Context, provider credential.Provider, profile string) (*credential.TokenBundle, error)

	// Put overwrites any existing bundle for the key.
	Put(ctx context.Context, provider credential.Provider, profile string, bundle *credential.TokenBundle) error

	// Delete removes the bundle for the key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, provider credential.Provider, profile string) error

	// ListProfiles enumerates every stored key.
	ListProfiles(ctx context.Context) ([]credential.ProfileKey, error)
}

//go:build js && wasm

package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/syumai/workers/cloudflare/kv"

	"github.com/treumalgotech/credvault/internal/credential"
)

const (
	kvBindingName = "credvault_kv"
	kvIndexKey    = "credvault:index"
)

// KVStore keeps bundles in Cloudflare Workers KV. It replaces the old
// cloud_env_manager-style rsync of the flat .env to a cloud box: the same
// vault becomes reachable from a Worker-hosted poster.
//
// Workers KV has no transactions; this backend relies on the platform's
// single-writer-per-request model rather than a lock, so ErrStoreBusy is
// never produced here.
type KVStore struct {
	ns *kv.Namespace
}

var _ Store = (*KVStore)(nil)

// NewKVStore binds the store to the credvault_kv namespace configured in
// wrangler.toml.
func NewKVStore() (*KVStore, error) {
	ns, err := kv.NewNamespace(kvBindingName)
	if err != nil {
		return nil, fmt.Errorf("initialize KV namespace: %w", err)
	}
	return &KVStore{ns: ns}, nil
}

func (s *KVStore) Get(ctx context.Context, provider credential.Provider, profile string) (*credential.TokenBundle, error) {
	raw, err := s.ns.GetString(profileKey(provider, profile), nil)
	if err != nil {
		return nil, fmt.Errorf("get bundle from KV: %w", err)
	}
	if raw == "" {
		return nil, credential.ErrNotFound
	}
	var bundle credential.TokenBundle
	if err := json.Unmarshal([]byte(raw), &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &bundle, nil
}

func (s *KVStore) Put(ctx context.Context, provider credential.Provider, profile string, bundle *credential.TokenBundle) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	key := profileKey(provider, profile)
	if err := s.ns.PutString(key, string(payload), nil); err != nil {
		return fmt.Errorf("store bundle in KV: %w", err)
	}
	return s.updateIndex(func(idx map[string]bool) { idx[key] = true })
}

func (s *KVStore) Delete(ctx context.Context, provider credential.Provider, profile string) error {
	key := profileKey(provider, profile)
	if err := s.ns.Delete(key); err != nil {
		return fmt.Errorf("delete bundle from KV: %w", err)
	}
	return s.updateIndex(func(idx map[string]bool) { delete(idx, key) })
}

func (s *KVStore) ListProfiles(ctx context.Context) ([]credential.ProfileKey, error) {
	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	keys := make([]credential.ProfileKey, 0, len(idx))
	for raw := range idx {
		provider, name, ok := cutProfileKey(raw)
		if !ok {
			continue
		}
		keys = append(keys, credential.ProfileKey{Provider: provider, Name: name})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (s *KVStore) readIndex() (map[string]bool, error) {
	raw, err := s.ns.GetString(kvIndexKey, nil)
	if err != nil {
		return nil, fmt.Errorf("get index from KV: %w", err)
	}
	idx := map[string]bool{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &idx); err != nil {
			return nil, fmt.Errorf("decode index: %w", err)
		}
	}
	return idx, nil
}

func (s *KVStore) updateIndex(mutate func(map[string]bool)) error {
	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	mutate(idx)
	payload, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := s.ns.PutString(kvIndexKey, string(payload), nil); err != nil {
		return fmt.Errorf("store index in KV: %w", err)
	}
	return nil
}

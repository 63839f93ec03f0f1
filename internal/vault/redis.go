package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/treumalgotech/credvault/internal/credential"
)

const (
	redisKeyPrefix  = "credvault:bundle:"
	redisLockPrefix = "credvault:lock:"
	redisLockTTL    = 10 * time.Second
)

// RedisStore keeps bundles in Redis, one key per profile, for setups where
// several hosts share a vault. Writes take a per-key SetNX lock so two
// near-simultaneous refreshes cannot interleave.
type RedisStore struct {
	client   redis.UniversalClient
	lockWait time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, lockWait: defaultLockWait}
}

func (s *RedisStore) Get(ctx context.Context, provider credential.Provider, profile string) (*credential.TokenBundle, error) {
	b, err := s.client.Get(ctx, redisKeyPrefix+profileKey(provider, profile)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}
	var bundle credential.TokenBundle
	if err := json.Unmarshal(b, &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &bundle, nil
}

func (s *RedisStore) Put(ctx context.Context, provider credential.Provider, profile string, bundle *credential.TokenBundle) error {
	key := profileKey(provider, profile)
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, payload, 0).Err(); err != nil {
		return fmt.Errorf("persist bundle: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, provider credential.Provider, profile string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+profileKey(provider, profile)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete bundle: %w", err)
	}
	return nil
}

func (s *RedisStore) ListProfiles(ctx context.Context) ([]credential.ProfileKey, error) {
	var keys []credential.ProfileKey
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw := iter.Val()[len(redisKeyPrefix):]
		provider, name, ok := cutProfileKey(raw)
		if !ok {
			continue
		}
		keys = append(keys, credential.ProfileKey{Provider: provider, Name: name})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan bundles: %w", err)
	}
	return keys, nil
}

func cutProfileKey(raw string) (credential.Provider, string, bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '/' {
			return credential.Provider(raw[:i]), raw[i+1:], true
		}
	}
	return "", "", false
}

func (s *RedisStore) lock(ctx context.Context, key string) (func(), error) {
	lockKey := redisLockPrefix + key
	deadline := time.Now().Add(s.lockWait)
	for {
		ok, err := s.client.SetNX(ctx, lockKey, 1, redisLockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if ok {
			return func() { _ = s.client.Del(context.Background(), lockKey).Err() }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", key, credential.ErrStoreBusy)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollEvery):
		}
	}
}

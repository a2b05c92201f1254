package securestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/layer-3/pidwallet/core"
	"github.com/redis/go-redis/v9"
)

var errGatedUnsupported = errors.New("redis store cannot hold biometric gated entries")

// RedisStore is a Redis implementation of the SecureValueStore interface.
// It only serves the device-unlocked policy.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pidwallet:secure:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// CanUseGatedStorage is always false for Redis
func (s *RedisStore) CanUseGatedStorage(ctx context.Context) bool {
	return false
}

// Set stores value under id
func (s *RedisStore) Set(ctx context.Context, id string, value []byte, policy core.StorePolicy) error {
	if policy != core.PolicyDeviceUnlocked {
		return &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: errGatedUnsupported}
	}

	if err := s.client.Set(ctx, s.prefix+id, value, 0).Err(); err != nil {
		return &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: fmt.Errorf("failed to set %s: %w", id, err)}
	}

	return nil
}

// Get retrieves the value under id
func (s *RedisStore) Get(ctx context.Context, id string, policy core.StorePolicy) ([]byte, bool, error) {
	if policy != core.PolicyDeviceUnlocked {
		return nil, false, &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: errGatedUnsupported}
	}

	value, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: fmt.Errorf("failed to get %s: %w", id, err)}
	}

	return value, true, nil
}

// Remove deletes id and reports whether it existed
func (s *RedisStore) Remove(ctx context.Context, id string, policy core.StorePolicy) (bool, error) {
	if policy != core.PolicyDeviceUnlocked {
		return false, &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: errGatedUnsupported}
	}

	n, err := s.client.Del(ctx, s.prefix+id).Result()
	if err != nil {
		return false, &core.SecureStoreError{Reason: core.SecureStoreUnknown, Err: fmt.Errorf("failed to remove %s: %w", id, err)}
	}

	return n > 0, nil
}

package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisUpdateRetries bounds the optimistic CAS loop. Contention on one
// identity's counter is short-lived, so a handful of retries is ample.
const redisUpdateRetries = 8

// RedisStore persists usage counters in Redis, for deployments where
// several gateway instances share quota state. Atomicity of Update is
// provided by an optimistic WATCH/MULTI loop on the counter key.
type RedisStore struct {
	client *redis.Client

	// Retention applied to counter keys; zero keeps them forever
	// (archival handled externally).
	retention time.Duration
}

// NewRedisStore wraps an existing Redis client. retention bounds how
// long counter keys live; pass 0 to retain indefinitely.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func redisKey(identity, day string) string {
	return "ttsgate:usage:" + identity + ":" + day
}

// Get returns the counter for the key, zero-valued when absent.
func (s *RedisStore) Get(ctx context.Context, identity, day string) (Counter, error) {
	var c Counter
	data, err := s.client.Get(ctx, redisKey(identity, day)).Bytes()
	if errors.Is(err, redis.Nil) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("read usage counter: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode usage counter: %w", err)
	}
	return c, nil
}

// Update applies fn under WATCH so concurrent writers to the same
// (identity, day) key serialize; losers of the race retry against the
// fresh value.
func (s *RedisStore) Update(ctx context.Context, identity, day string, fn func(Counter) (Counter, error)) (Counter, error) {
	key := redisKey(identity, day)
	var result Counter

	txn := func(tx *redis.Tx) error {
		var c Counter
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			if err := json.Unmarshal(data, &c); err != nil {
				return fmt.Errorf("decode usage counter: %w", err)
			}
		}

		next, err := fn(c)
		if err != nil {
			return err
		}

		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode usage counter: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.retention)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < redisUpdateRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // key changed under us, retry with fresh read
		}
		if err != nil {
			return result, err
		}
		return result, nil
	}
	return result, fmt.Errorf("usage counter update for %s contended beyond %d retries", identity, redisUpdateRetries)
}

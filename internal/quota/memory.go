package quota

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 64

// MemoryStore is an in-process Store. Counters are sharded by key so
// the atomic read-modify-write for one identity never contends with
// another identity's traffic.
type MemoryStore struct {
	shards [shardCount]shard
}

type shard struct {
	mu       sync.Mutex
	counters map[string]Counter
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].counters = make(map[string]Counter)
	}
	return s
}

func storeKey(identity, day string) string {
	return identity + "|" + day
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// Get returns the counter for the key, zero-valued when absent.
func (s *MemoryStore) Get(_ context.Context, identity, day string) (Counter, error) {
	key := storeKey(identity, day)
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.counters[key], nil
}

// Update applies fn under the shard lock, making the read-modify-write
// atomic per key.
func (s *MemoryStore) Update(_ context.Context, identity, day string, fn func(Counter) (Counter, error)) (Counter, error) {
	key := storeKey(identity, day)
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	next, err := fn(sh.counters[key])
	if err != nil {
		return sh.counters[key], err
	}
	sh.counters[key] = next
	return next, nil
}

// Snapshot copies out every counter, keyed by "identity|day". Used by
// the file-backed store for persistence.
func (s *MemoryStore) Snapshot() map[string]Counter {
	out := make(map[string]Counter)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.counters {
			out[k] = v
		}
		sh.mu.Unlock()
	}
	return out
}

// Restore loads counters from a snapshot, replacing existing values.
func (s *MemoryStore) Restore(counters map[string]Counter) {
	for k, v := range counters {
		sh := s.shardFor(k)
		sh.mu.Lock()
		sh.counters[k] = v
		sh.mu.Unlock()
	}
}

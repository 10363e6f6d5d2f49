// Package idempotency deduplicates process starts that carry a
// client-supplied key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/sbpm/model"
)

// Store remembers which process instance a key produced.
type Store interface {
	// Check looks up a previous instance ID by key. If the key exists and the
	// input hash matches, it returns the recorded instance ID. If the key
	// exists but the hash differs, it returns IDEMPOTENCY_CONFLICT.
	Check(ctx context.Context, key string, inputHash string) (instanceID string, found bool, err error)

	// Store records the instance ID for key with a TTL.
	Store(ctx context.Context, key string, inputHash string, instanceID string, ttl time.Duration) error
}

type entry struct {
	InputHash  string `json:"input_hash"`
	InstanceID string `json:"instance_id"`
}

// FormatKey builds the storage key for a start request.
func FormatKey(processModelID, key string) string {
	return fmt.Sprintf("idem:start:%s:%s", processModelID, key)
}

// Hash returns a stable digest of the request fields that must match on
// replay.
func Hash(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) (string, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return "", false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return "", false, nil
	}

	if e.data.InputHash != inputHash {
		return "", true, model.NewIdempotencyConflictError(key)
	}
	return e.data.InstanceID, true, nil
}

// Store implements Store.
func (s *MemoryStore) Store(_ context.Context, key string, inputHash string, instanceID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, InstanceID: instanceID},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) (string, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.InputHash != inputHash {
		return "", true, model.NewIdempotencyConflictError(key)
	}
	return e.InstanceID, true, nil
}

// Store implements Store.
func (s *RedisStore) Store(ctx context.Context, key string, inputHash string, instanceID string, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, InstanceID: instanceID})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

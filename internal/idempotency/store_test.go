package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/sbpm/model"
)

// --- MemoryStore ---

func TestMemoryStore_CheckNotFound(t *testing.T) {
	store := NewMemoryStore()

	id, found, err := store.Check(context.Background(), "idem:start:order:k1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false")
	}
	if id != "" {
		t.Errorf("id = %q, want empty", id)
	}
}

func TestMemoryStore_StoreAndCheck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := FormatKey("order", "k1")

	if err := store.Store(ctx, key, "hash-abc", "pi-1", 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	id, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || id != "pi-1" {
		t.Errorf("Check = (%q, %v), want (pi-1, true)", id, found)
	}
}

func TestMemoryStore_ConflictOnHashMismatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := FormatKey("order", "k1")

	if err := store.Store(ctx, key, "hash-abc", "pi-1", 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	_, found, err := store.Check(ctx, key, "hash-different")
	if !found {
		t.Error("found = false, want true")
	}
	if !model.IsCode(err, model.ErrIdempotencyConflict) {
		t.Errorf("error = %v, want %s", err, model.ErrIdempotencyConflict)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Store(ctx, "k", "h", "pi-1", time.Second); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	now = now.Add(2 * time.Second)

	_, found, err := store.Check(ctx, "k", "h")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false (expired)")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after expired check", store.Len())
	}
}

// --- RedisStore ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_CheckNotFound(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client)

	_, found, err := store.Check(context.Background(), "idem:start:order:k1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false")
	}
}

func TestRedisStore_StoreAndCheck(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()
	key := FormatKey("order", "k1")

	if err := store.Store(ctx, key, "hash-abc", "pi-1", 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	id, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || id != "pi-1" {
		t.Errorf("Check = (%q, %v), want (pi-1, true)", id, found)
	}
}

func TestRedisStore_ConflictOnHashMismatch(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()
	key := FormatKey("order", "k1")

	if err := store.Store(ctx, key, "hash-abc", "pi-1", 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	_, _, err := store.Check(ctx, key, "hash-different")
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T, want *model.ErrorEnvelope", err)
	}
	if envErr.Code != model.ErrIdempotencyConflict {
		t.Errorf("error code = %s, want %s", envErr.Code, model.ErrIdempotencyConflict)
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()

	if err := store.Store(ctx, "k", "h", "pi-1", time.Second); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	// Fast-forward miniredis time past TTL.
	mr.FastForward(2 * time.Second)

	_, found, err := store.Check(ctx, "k", "h")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false (expired)")
	}
}

func TestHash(t *testing.T) {
	if Hash("a", "bc") == Hash("ab", "c") {
		t.Error("Hash should separate fields")
	}
	if Hash("order", "alice") != Hash("order", "alice") {
		t.Error("Hash should be deterministic")
	}
}

func TestRedisStore_HealthCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client)

	if err := s.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck error: %v", err)
	}
	mr.Close()
	if err := s.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should fail once redis is gone")
	}
}

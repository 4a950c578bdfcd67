package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type fakeKV struct {
	mu      sync.Mutex
	data    map[string]string
	expires map[string]time.Time
	now     time.Time
	failGet error
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		data:    map[string]string{},
		expires: map[string]time.Time{},
		now:     time.Unix(1_700_000_000, 0),
	}
}

func (f *fakeKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value.(string)
	f.expires[key] = f.now.Add(expiration)
	return nil
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return "", f.failGet
	}
	val, ok := f.data[key]
	if !ok || !f.expires[key].After(f.now) {
		return "", redis.Nil
	}
	return val, nil
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.data, key)
		delete(f.expires, key)
	}
	return nil
}

func (f *fakeKV) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestBlockStatusCacheRoundTrip(t *testing.T) {
	kv := newFakeKV()
	cache := NewBlockStatusCache(kv, 5*time.Second)
	ctx := context.Background()

	if err := cache.SetStatus(ctx, "ip:10.0.0.1", true); err != nil {
		t.Fatal(err)
	}

	blocked, found, err := cache.GetStatus(ctx, "ip:10.0.0.1")
	if err != nil || !found || !blocked {
		t.Fatalf("GetStatus = (%v, %v, %v), want (true, true, nil)", blocked, found, err)
	}

	if err := cache.SetStatus(ctx, "ip:10.0.0.2", false); err != nil {
		t.Fatal(err)
	}
	blocked, found, err = cache.GetStatus(ctx, "ip:10.0.0.2")
	if err != nil || !found || blocked {
		t.Fatalf("GetStatus = (%v, %v, %v), want (false, true, nil)", blocked, found, err)
	}
}

func TestBlockStatusCacheExpiresWithinTTL(t *testing.T) {
	kv := newFakeKV()
	cache := NewBlockStatusCache(kv, 5*time.Second)
	ctx := context.Background()

	if err := cache.SetStatus(ctx, "ip:10.0.0.1", false); err != nil {
		t.Fatal(err)
	}

	// past the TTL the stale "not blocked" answer must be gone
	kv.advance(6 * time.Second)

	_, found, err := cache.GetStatus(ctx, "ip:10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("cached status survived past TTL; staleness bound violated")
	}
}

func TestBlockStatusCacheInvalidate(t *testing.T) {
	kv := newFakeKV()
	cache := NewBlockStatusCache(kv, time.Minute)
	ctx := context.Background()

	if err := cache.SetStatus(ctx, "user:alice", true); err != nil {
		t.Fatal(err)
	}
	if err := cache.Invalidate(ctx, "user:alice"); err != nil {
		t.Fatal(err)
	}

	_, found, err := cache.GetStatus(ctx, "user:alice")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("status still cached after Invalidate")
	}
}

func TestBlockStatusCacheErrorIsNotAMiss(t *testing.T) {
	kv := newFakeKV()
	kv.failGet = errors.New("connection refused")
	cache := NewBlockStatusCache(kv, time.Minute)

	_, found, err := cache.GetStatus(context.Background(), "ip:10.0.0.1")
	if err == nil {
		t.Fatal("expected error from failing backend")
	}
	if found {
		t.Error("cache reported a hit on a failed read")
	}
}

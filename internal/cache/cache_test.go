package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestCache(max int, store Store) *Cache {
	return New(Config{Namespace: "test", MaxEntries: max, Store: store})
}

func TestSetThenGet(t *testing.T) {
	c := newTestCache(10, nil)
	ctx := context.Background()
	c.Set(ctx, "k", "v", Options{TTL: time.Minute})
	v, ok := c.Get(ctx, "k")
	if !ok || v != "v" {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}
}

func TestZeroTTLExpiresImmediately(t *testing.T) {
	c := newTestCache(10, nil)
	ctx := context.Background()
	c.Set(ctx, "k", "v", Options{TTL: 0})
	time.Sleep(2 * time.Millisecond)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("zero-TTL entry should be expired after any delay")
	}
}

func TestEvictsOldestInsertion(t *testing.T) {
	c := newTestCache(3, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), i, DefaultOptions())
		time.Sleep(time.Millisecond) // distinct insertion timestamps
	}
	if got := c.Len(); got != 3 {
		t.Fatalf("expected 3 entries, got %d", got)
	}
	if _, ok := c.Get(ctx, "k0"); ok {
		t.Fatal("oldest-inserted key should be evicted first")
	}
	for i := 1; i < 4; i++ {
		if _, ok := c.Get(ctx, fmt.Sprintf("k%d", i)); !ok {
			t.Fatalf("k%d should survive eviction", i)
		}
	}
}

func TestReadsDoNotRefreshEvictionPriority(t *testing.T) {
	c := newTestCache(2, nil)
	ctx := context.Background()
	c.Set(ctx, "old", 1, DefaultOptions())
	time.Sleep(time.Millisecond)
	c.Set(ctx, "new", 2, DefaultOptions())

	// reading "old" must not save it: eviction is by insertion time
	if _, ok := c.Get(ctx, "old"); !ok {
		t.Fatal("setup: old should be present")
	}
	time.Sleep(time.Millisecond)
	c.Set(ctx, "newest", 3, DefaultOptions())

	if _, ok := c.Get(ctx, "old"); ok {
		t.Fatal("old should be evicted despite the recent read")
	}
}

func TestInvalidate(t *testing.T) {
	store := NewMemoryKV()
	c := newTestCache(10, store)
	ctx := context.Background()
	c.Set(ctx, "k", "v", Options{TTL: time.Hour, Persistent: true})
	c.Invalidate(ctx, "k")
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("invalidate must remove memory and durable copies")
	}
	if _, ok, _ := store.Get(ctx, "test:k"); ok {
		t.Fatal("durable copy should be gone")
	}
	// idempotent
	c.Invalidate(ctx, "k")
}

func TestDurablePromotion(t *testing.T) {
	store := NewMemoryKV()
	c := newTestCache(10, store)
	ctx := context.Background()
	c.Set(ctx, "k", map[string]any{"a": 1.0}, Options{TTL: time.Hour, Persistent: true})

	// drop memory, keep durable
	c.mu.Lock()
	delete(c.entries, "k")
	c.mu.Unlock()

	v, ok := c.Get(ctx, "k")
	if !ok {
		t.Fatal("durable hit should be promoted")
	}
	m, ok := v.(map[string]any)
	if !ok || m["a"] != 1.0 {
		t.Fatalf("promoted value mismatch: %#v", v)
	}
	// now served from memory
	c.mu.Lock()
	_, inMem := c.entries["k"]
	c.mu.Unlock()
	if !inMem {
		t.Fatal("promotion should repopulate memory")
	}
}

func TestExpiredDurableCopyDeleted(t *testing.T) {
	store := NewMemoryKV()
	c := newTestCache(10, store)
	ctx := context.Background()
	c.Set(ctx, "k", "v", Options{TTL: time.Millisecond, Persistent: true})
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expired entry returned")
	}
	if _, ok, _ := store.Get(ctx, "test:k"); ok {
		t.Fatal("expired durable copy should be deleted on read")
	}
}

func TestGetOrFetch(t *testing.T) {
	c := newTestCache(10, nil)
	ctx := context.Background()
	calls := 0
	fetch := func(ctx context.Context) (any, error) {
		calls++
		return "fetched", nil
	}
	for i := 0; i < 3; i++ {
		v, err := c.GetOrFetch(ctx, "k", fetch, DefaultOptions())
		if err != nil || v != "fetched" {
			t.Fatalf("getOrFetch: %v %v", v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("fetcher should run once, ran %d times", calls)
	}
}

func TestGetOrFetchErrorPropagates(t *testing.T) {
	c := newTestCache(10, nil)
	ctx := context.Background()
	boom := errors.New("boom")
	if _, err := c.GetOrFetch(ctx, "k", func(ctx context.Context) (any, error) { return nil, boom }, DefaultOptions()); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("failed fetch must not cache anything")
	}
}

func TestClearRemovesNamespaceOnly(t *testing.T) {
	store := NewMemoryKV()
	_ = store.Set(context.Background(), "other:z", "keep")
	c := newTestCache(10, store)
	ctx := context.Background()
	c.Set(ctx, "a", 1, Options{TTL: time.Hour, Persistent: true})
	c.Set(ctx, "b", 2, Options{TTL: time.Hour, Persistent: true})

	c.Clear(ctx)
	if c.Len() != 0 {
		t.Fatal("memory should be empty after clear")
	}
	keys, _ := store.Keys(ctx, "test:")
	if len(keys) != 0 {
		t.Fatalf("namespace keys should be removed, left %v", keys)
	}
	if _, ok, _ := store.Get(ctx, "other:z"); !ok {
		t.Fatal("clear must not touch foreign namespaces")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	c := newTestCache(10, nil)
	ctx := context.Background()
	c.Set(ctx, "short", 1, Options{TTL: time.Millisecond})
	c.Set(ctx, "long", 2, Options{TTL: time.Hour})
	time.Sleep(5 * time.Millisecond)

	c.sweep(time.Now())
	if c.Len() != 1 {
		t.Fatalf("expected 1 survivor, got %d", c.Len())
	}
	if _, ok := c.Get(ctx, "long"); !ok {
		t.Fatal("unexpired entry swept")
	}
}

func TestStartStopSweepLoop(t *testing.T) {
	c := New(Config{Namespace: "test", MaxEntries: 10, SweepEvery: 5 * time.Millisecond})
	ctx := context.Background()
	c.Set(ctx, "k", 1, Options{TTL: time.Millisecond})
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Len() == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("sweep loop never removed the expired entry")
}

func TestBatchGetSet(t *testing.T) {
	c := newTestCache(10, nil)
	ctx := context.Background()
	c.BatchSet(ctx, map[string]any{"a": 1, "b": 2, "c": 3}, DefaultOptions())

	got := c.BatchGet(ctx, []string{"a", "b", "c", "missing"})
	if len(got) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(got))
	}
	if got["b"] != 2 {
		t.Fatalf("wrong value for b: %v", got["b"])
	}
}

func TestPersistFailureDoesNotFailSet(t *testing.T) {
	c := newTestCache(10, &failingStore{})
	ctx := context.Background()
	c.Set(ctx, "k", "v", Options{TTL: time.Hour, Persistent: true})
	if v, ok := c.Get(ctx, "k"); !ok || v != "v" {
		t.Fatal("memory write must survive a persist failure")
	}
}

type failingStore struct{}

func (f *failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("store down")
}
func (f *failingStore) Set(ctx context.Context, key, value string) error {
	return errors.New("store down")
}
func (f *failingStore) Remove(ctx context.Context, key string) error { return errors.New("store down") }
func (f *failingStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return nil, errors.New("store down")
}
func (f *failingStore) MultiRemove(ctx context.Context, keys []string) error {
	return errors.New("store down")
}

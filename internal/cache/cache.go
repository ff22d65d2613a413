package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/example/servimatch/internal/observability"
)

// DefaultTTL is the medium-lived default for entries set without an
// explicit TTL.
const DefaultTTL = 5 * time.Minute

// DefaultMaxEntries bounds the in-memory store.
const DefaultMaxEntries = 50

// Options controls a single Set (or GetOrFetch) call.
// A zero TTL is honoured literally: the entry is expired as soon as any
// time passes. Use DefaultOptions for the usual medium TTL.
type Options struct {
	TTL        time.Duration
	Persistent bool
}

func DefaultOptions() Options { return Options{TTL: DefaultTTL} }

// Store is the durable key-value backing for persistent entries.
// Get reports absence via ok=false, not an error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	MultiRemove(ctx context.Context, keys []string) error
}

type entry struct {
	data       any
	timestamp  time.Time
	expiresAt  time.Time
	persistent bool
}

// persistedEntry is the JSON envelope written to the durable store.
// Promoted values come back as decoded JSON (maps, slices, numbers),
// not the original Go type.
type persistedEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Cache is a bounded TTL cache with optional durable backing.
// Eviction is LRU-by-insertion: reads never refresh eviction priority.
// Concurrent callers race on last-write-wins; entries are treated as
// independently replaceable snapshots.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	namespace  string
	store      Store
	logger     *slog.Logger

	sweepEvery time.Duration
	stop       chan struct{}
	done       chan struct{}
}

type Config struct {
	Namespace  string
	MaxEntries int
	SweepEvery time.Duration
	Store      Store // nil disables the persistent option
	Logger     *slog.Logger
}

func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = time.Minute
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "cache"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		entries:    make(map[string]entry),
		maxEntries: cfg.MaxEntries,
		namespace:  cfg.Namespace,
		store:      cfg.Store,
		logger:     cfg.Logger,
		sweepEvery: cfg.SweepEvery,
	}
}

// Start launches the background expiry sweep. The sweep is advisory
// housekeeping; Get already checks expiry lazily.
func (c *Cache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.sweepLoop(c.stop, c.done)
}

// Stop halts the background sweep and waits for it to exit.
func (c *Cache) Stop() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *Cache) sweepLoop(stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(c.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			c.sweep(now)
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// Set stores data under key. Persist failures are logged, never returned.
func (c *Cache) Set(ctx context.Context, key string, data any, opts Options) {
	now := time.Now()
	e := entry{data: data, timestamp: now, expiresAt: now.Add(opts.TTL), persistent: opts.Persistent}

	c.mu.Lock()
	c.entries[key] = e
	if len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}
	c.mu.Unlock()

	if opts.Persistent && c.store != nil {
		if err := c.persist(ctx, key, e); err != nil {
			c.logger.Warn("cache persist failed", "key", key, "error", err)
		}
	}
}

// evictOldestLocked removes the single entry with the oldest insertion
// timestamp. Ties break on map iteration order; timestamps are effectively
// unique at nanosecond resolution.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.timestamp.Before(oldest) {
			oldestKey, oldest = k, e.timestamp
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// Get returns the cached value for key, checking memory first and falling
// back to the durable store. A durable hit is promoted back into memory.
// Absence is a normal outcome: ok=false, never an error.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	now := time.Now()

	c.mu.Lock()
	e, present := c.entries[key]
	if present && now.After(e.expiresAt) {
		delete(c.entries, key)
		present = false
	}
	c.mu.Unlock()

	if present {
		observability.CacheHits.Inc()
		return e.data, true
	}

	if v, ok := c.fromStore(ctx, key, now); ok {
		observability.CacheHits.Inc()
		return v, true
	}
	observability.CacheMisses.Inc()
	return nil, false
}

func (c *Cache) fromStore(ctx context.Context, key string, now time.Time) (any, bool) {
	if c.store == nil {
		return nil, false
	}
	raw, ok, err := c.store.Get(ctx, c.storageKey(key))
	if err != nil {
		c.logger.Warn("cache durable read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var pe persistedEntry
	if err := json.Unmarshal([]byte(raw), &pe); err != nil {
		c.logger.Warn("cache durable entry corrupt", "key", key, "error", err)
		_ = c.store.Remove(ctx, c.storageKey(key))
		return nil, false
	}
	if now.After(pe.ExpiresAt) {
		_ = c.store.Remove(ctx, c.storageKey(key))
		return nil, false
	}
	var data any
	if err := json.Unmarshal(pe.Data, &data); err != nil {
		return nil, false
	}

	// promote, keeping the original insertion timestamp for eviction order
	c.mu.Lock()
	c.entries[key] = entry{data: data, timestamp: pe.Timestamp, expiresAt: pe.ExpiresAt, persistent: true}
	if len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}
	c.mu.Unlock()
	return data, true
}

// GetOrFetch returns the cached value or invokes fetcher and caches the
// result. Fetcher failures propagate to the caller; nothing is cached.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetcher func(ctx context.Context) (any, error), opts Options) (any, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}
	v, err := fetcher(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(ctx, key, v, opts)
	return v, nil
}

// Invalidate removes key from memory and durable storage. Idempotent.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Remove(ctx, c.storageKey(key)); err != nil {
			c.logger.Warn("cache durable remove failed", "key", key, "error", err)
		}
	}
}

// Clear drops every memory entry and every durable entry under this
// cache's namespace.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
	if c.store == nil {
		return
	}
	keys, err := c.store.Keys(ctx, c.namespace+":")
	if err != nil {
		c.logger.Warn("cache durable key scan failed", "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.store.MultiRemove(ctx, keys); err != nil {
		c.logger.Warn("cache durable clear failed", "error", err)
	}
}

// BatchGet fans Get out over keys concurrently. Missing keys are simply
// absent from the result; there is no atomicity across the batch.
func (c *Cache) BatchGet(ctx context.Context, keys []string) map[string]any {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]any, len(keys))
	)
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			if v, ok := c.Get(ctx, k); ok {
				mu.Lock()
				out[k] = v
				mu.Unlock()
			}
		}(k)
	}
	wg.Wait()
	return out
}

// BatchSet fans Set out over items concurrently, each key independent.
func (c *Cache) BatchSet(ctx context.Context, items map[string]any, opts Options) {
	var wg sync.WaitGroup
	for k, v := range items {
		wg.Add(1)
		go func(k string, v any) {
			defer wg.Done()
			c.Set(ctx, k, v, opts)
		}(k, v)
	}
	wg.Wait()
}

// Len reports the current number of in-memory entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) persist(ctx context.Context, key string, e entry) error {
	b, err := json.Marshal(e.data)
	if err != nil {
		return err
	}
	env, err := json.Marshal(persistedEntry{Data: b, Timestamp: e.timestamp, ExpiresAt: e.expiresAt})
	if err != nil {
		return err
	}
	return c.store.Set(ctx, c.storageKey(key), string(env))
}

func (c *Cache) storageKey(key string) string { return c.namespace + ":" + key }

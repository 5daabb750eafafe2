// Package cache implements the two-tier (in-memory LRU + on-disk) keyed
// store described in spec §4.1 (C1): namespaced entries, single-flight
// compute coalescing, stale-while-revalidate, and atomic disk persistence.
//
// The in-memory tier is a single process-wide hashicorp/golang-lru/v2 cache
// keyed by "namespace\x00keyHash"; namespace quotas are soft and tracked in
// a side counter map, the same "wrap a library collection with bookkeeping"
// idiom the teacher uses around its profile/registry caches.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Entry is a cached value plus its freshness bookkeeping. Value is stored as
// json.RawMessage so the cache need not know the concrete Go type of any
// tool's result.
type Entry struct {
	Namespace  string          `json:"namespace"`
	KeyHash    string          `json:"keyHash"`
	Value      json.RawMessage `json:"value"`
	CreatedAt  time.Time       `json:"createdAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	StaleTime  time.Duration   `json:"staleTime,omitempty"`
	SWR        bool            `json:"swr,omitempty"`
	Size       int             `json:"size"`
	LastAccess time.Time       `json:"lastAccess"`

	dirty            bool
	refreshInFlight  bool
}

func (e *Entry) isFresh(now time.Time) bool { return now.Before(e.ExpiresAt) }

func (e *Entry) isStaleServable(now time.Time) bool {
	if !e.SWR {
		return false
	}
	return now.Before(e.ExpiresAt.Add(e.StaleTime))
}

// Options configures a single getOrCompute call, overriding namespace
// defaults (spec §4.1 "Options recognized").
type Options struct {
	TTL                  time.Duration
	StaleWhileRevalidate bool
	StaleTime            time.Duration
	SizeHint             int
	CacheErrors          bool
}

// Stats is the shape returned by Stats() (spec §4.1).
type Stats struct {
	Size             int            `json:"size"`
	Bytes            int64          `json:"bytes"`
	Hits             int64          `json:"hits"`
	Misses           int64          `json:"misses"`
	HitRatio         float64        `json:"hitRatio"`
	EntriesByNamespace map[string]int `json:"entriesByNamespace"`
}

// Config controls cache-wide defaults.
type Config struct {
	StoragePath      string        // root dir for on-disk persistence; "" disables disk tier
	DefaultTTL       time.Duration // used when Options.TTL is zero
	MaxEntries       int           // in-memory LRU capacity
	NamespaceQuota   int           // soft per-namespace cap, 0 = unlimited
	FlushInterval    time.Duration // background dirty-entry flush cadence
}

func (c *Config) applyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 30 * time.Minute
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 5000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
}

// Cache is the process-wide two-tier cache singleton (spec §5: "Cache and
// EventStore are singletons").
type Cache struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex // guards lru, nsCounts, and Entry.dirty flips
	lru      *lru.Cache[string, *Entry]
	nsCounts map[string]int

	group singleflight.Group

	hits   atomicInt64
	misses atomicInt64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Cache. Call Close to stop the background flusher.
func New(cfg Config, logger *slog.Logger) (*Cache, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		cfg:      cfg,
		logger:   logger.With("component", "cache"),
		nsCounts: make(map[string]int),
		stopCh:   make(chan struct{}),
	}

	backing, err := lru.NewWithEvict[string, *Entry](cfg.MaxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("cache: construct LRU: %w", err)
	}
	c.lru = backing

	if cfg.StoragePath != "" {
		if err := c.loadFromDisk(); err != nil {
			logger.Warn("cache: partial load from disk", "error", err)
		}
		c.wg.Add(1)
		go c.flushLoop()
	}

	return c, nil
}

// onEvict keeps the soft per-namespace counters in sync with whatever the
// underlying LRU drops on its own (global capacity eviction).
func (c *Cache) onEvict(key string, e *Entry) {
	if e == nil {
		return
	}
	c.nsCounts[e.Namespace]--
	if c.nsCounts[e.Namespace] <= 0 {
		delete(c.nsCounts, e.Namespace)
	}
}

func storageKey(namespace, keyHash string) string {
	return namespace + "\x00" + keyHash
}

// GetOrCompute returns the cached value for (namespace, args) if fresh (or
// stale-servable under SWR); otherwise it runs compute at most once across
// concurrent callers and stores the result (spec §4.1).
func (c *Cache) GetOrCompute(ctx context.Context, namespace string, args any, opts Options, compute func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	keyHash, err := KeyHash(args)
	if err != nil {
		return nil, fmt.Errorf("cache: hash args: %w", err)
	}

	now := time.Now()
	storeKey := storageKey(namespace, keyHash)

	c.mu.Lock()
	entry, found := c.lru.Get(storeKey)
	c.mu.Unlock()

	if found {
		if entry.isFresh(now) {
			c.touch(storeKey, entry, now)
			c.hits.add(1)
			return entry.Value, nil
		}
		if entry.isStaleServable(now) {
			c.hits.add(1)
			c.maybeScheduleRefresh(ctx, namespace, keyHash, storeKey, entry, opts, compute)
			return entry.Value, nil
		}
	}
	c.misses.add(1)

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	sfKey := storeKey
	v, err, _ := c.group.Do(sfKey, func() (any, error) {
		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("cache: marshal compute result: %w", err)
		}
		c.store(namespace, keyHash, raw, ttl, opts)
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// maybeScheduleRefresh starts exactly one background recompute per key while
// serving the stale value, per spec §4.1's SWR rule.
func (c *Cache) maybeScheduleRefresh(ctx context.Context, namespace, keyHash, storeKey string, entry *Entry, opts Options, compute func(context.Context) (any, error)) {
	c.mu.Lock()
	if entry.refreshInFlight {
		c.mu.Unlock()
		return
	}
	entry.refreshInFlight = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			entry.refreshInFlight = false
			c.mu.Unlock()
		}()
		refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ttl := opts.TTL
		if ttl <= 0 {
			ttl = c.cfg.DefaultTTL
		}
		result, err := compute(refreshCtx)
		if err != nil {
			c.logger.Warn("stale-while-revalidate refresh failed", "namespace", namespace, "error", err)
			return
		}
		raw, err := json.Marshal(result)
		if err != nil {
			c.logger.Warn("stale-while-revalidate marshal failed", "namespace", namespace, "error", err)
			return
		}
		c.store(namespace, keyHash, raw, ttl, opts)
	}()
}

func (c *Cache) store(namespace, keyHash string, value json.RawMessage, ttl time.Duration, opts Options) {
	now := time.Now()
	size := opts.SizeHint
	if size == 0 {
		size = len(value)
	}
	e := &Entry{
		Namespace:  namespace,
		KeyHash:    keyHash,
		Value:      value,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		StaleTime:  opts.StaleTime,
		SWR:        opts.StaleWhileRevalidate,
		Size:       size,
		LastAccess: now,
		dirty:      true,
	}

	storeKey := storageKey(namespace, keyHash)
	c.mu.Lock()
	if _, existed := c.lru.Peek(storeKey); !existed {
		c.nsCounts[namespace]++
	}
	c.enforceNamespaceQuotaLocked(namespace)
	c.lru.Add(storeKey, e)
	c.mu.Unlock()
}

// enforceNamespaceQuotaLocked evicts from namespace (the one about to grow)
// if it is already at or over its soft quota, preferring over-quota
// namespaces before falling back to the LRU's own global eviction (spec
// §4.1 "Algorithm — eviction").
func (c *Cache) enforceNamespaceQuotaLocked(namespace string) {
	if c.cfg.NamespaceQuota <= 0 {
		return
	}
	for c.nsCounts[namespace] >= c.cfg.NamespaceQuota {
		if !c.evictOldestInNamespaceLocked(namespace) {
			break
		}
	}
}

func (c *Cache) evictOldestInNamespaceLocked(namespace string) bool {
	var oldestKey string
	var oldest *Entry
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if !ok || e.Namespace != namespace {
			continue
		}
		if oldest == nil || e.LastAccess.Before(oldest.LastAccess) {
			oldest = e
			oldestKey = k
		}
	}
	if oldest == nil {
		return false
	}
	c.lru.Remove(oldestKey) // triggers onEvict, which decrements nsCounts
	return true
}

func (c *Cache) touch(storeKey string, e *Entry, now time.Time) {
	c.mu.Lock()
	e.LastAccess = now
	c.lru.Get(storeKey) // re-promote in LRU order
	c.mu.Unlock()
}

// Invalidate removes a single entry (args != nil) or an entire namespace
// (args == nil).
func (c *Cache) Invalidate(namespace string, args any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if args == nil {
		for _, k := range c.lru.Keys() {
			e, ok := c.lru.Peek(k)
			if ok && e.Namespace == namespace {
				c.lru.Remove(k)
			}
		}
		if c.cfg.StoragePath != "" {
			_ = os.RemoveAll(filepath.Join(c.cfg.StoragePath, "namespaces", namespace))
		}
		return nil
	}

	keyHash, err := KeyHash(args)
	if err != nil {
		return err
	}
	c.lru.Remove(storageKey(namespace, keyHash))
	if c.cfg.StoragePath != "" {
		_ = os.Remove(c.entryPath(namespace, keyHash))
	}
	return nil
}

// Stats returns cache observability data (spec §4.1).
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var totalBytes int64
	byNS := make(map[string]int, len(c.nsCounts))
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		totalBytes += int64(e.Size)
		byNS[e.Namespace]++
	}

	hits, misses := c.hits.load(), c.misses.load()
	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}

	return Stats{
		Size:               c.lru.Len(),
		Bytes:              totalBytes,
		Hits:               hits,
		Misses:             misses,
		HitRatio:           ratio,
		EntriesByNamespace: byNS,
	}
}

// Close stops the background flusher and performs a final best-effort flush.
func (c *Cache) Close() error {
	if c.cfg.StoragePath == "" {
		return nil
	}
	close(c.stopCh)
	c.wg.Wait()
	return c.PersistNow()
}

type atomicInt64 struct {
	mu sync.Mutex
	v  int64
}

func (a *atomicInt64) add(n int64) {
	a.mu.Lock()
	a.v += n
	a.mu.Unlock()
}

func (a *atomicInt64) load() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

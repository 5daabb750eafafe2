package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/logging"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := New(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c := newTestCache(t, Config{DefaultTTL: time.Minute})

	var calls int32
	compute := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"result": "ok"}, nil
	}

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "google_search", map[string]any{"query": "acme"}, Options{}, compute)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[idx] = v
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected compute to run exactly once, ran %d times", got)
	}
	for i, r := range results {
		if string(r) != string(results[0]) {
			t.Fatalf("result %d differs from result 0: %s vs %s", i, r, results[0])
		}
	}

	// An 11th call after the first batch completed is a hit, not a new compute.
	_, err := c.GetOrCompute(context.Background(), "google_search", map[string]any{"query": "acme"}, Options{}, compute)
	if err != nil {
		t.Fatalf("unexpected error on hit: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected compute to still have run exactly once, ran %d times", got)
	}
}

func TestGetOrComputeDoesNotCacheErrors(t *testing.T) {
	c := newTestCache(t, Config{DefaultTTL: time.Minute})

	var calls int32
	failThenSucceed := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, fmt.Errorf("upstream down")
		}
		return "ok", nil
	}

	_, err := c.GetOrCompute(context.Background(), "ns", "key", Options{}, failThenSucceed)
	if err == nil {
		t.Fatal("expected error from first call")
	}

	v, err := c.GetOrCompute(context.Background(), "ns", "key", Options{}, failThenSucceed)
	if err != nil {
		t.Fatalf("expected second call to succeed: %v", err)
	}
	if string(v) != `"ok"` {
		t.Fatalf("unexpected value: %s", v)
	}
}

func TestCanonicalKeyIgnoresArgOrder(t *testing.T) {
	a := map[string]any{"query": "acme", "num_results": 3}
	b := map[string]any{"num_results": 3, "query": "acme"}

	ha, err := KeyHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := KeyHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("expected identical hashes for shuffled args, got %s vs %s", ha, hb)
	}
}

func TestExpiredEntryTriggersRecompute(t *testing.T) {
	c := newTestCache(t, Config{})

	var calls int32
	compute := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}

	_, err := c.GetOrCompute(context.Background(), "ns", "k", Options{TTL: 10 * time.Millisecond}, compute)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	_, err = c.GetOrCompute(context.Background(), "ns", "k", Options{TTL: 10 * time.Millisecond}, compute)
	if err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected recompute after expiry, calls=%d", got)
	}
}

func TestStaleWhileRevalidateServesStaleThenRefreshes(t *testing.T) {
	c := newTestCache(t, Config{})

	var calls int32
	compute := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		return fmt.Sprintf("v%d", n), nil
	}

	opts := Options{TTL: 10 * time.Millisecond, StaleWhileRevalidate: true, StaleTime: time.Second}
	v1, err := c.GetOrCompute(context.Background(), "ns", "k", opts, compute)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond) // now stale but within staleTime grace

	v2, err := c.GetOrCompute(context.Background(), "ns", "k", opts, compute)
	if err != nil {
		t.Fatal(err)
	}
	if string(v1) != string(v2) {
		t.Fatalf("expected stale value served immediately, got %s vs %s", v1, v2)
	}

	// Wait for the scheduled background refresh to complete.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got < 2 {
		t.Fatalf("expected background refresh to have run, calls=%d", got)
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := newTestCache(t, Config{DefaultTTL: time.Minute})
	compute := func(ctx context.Context) (any, error) { return "v", nil }

	_, _ = c.GetOrCompute(context.Background(), "ns", "k", Options{}, compute)
	if err := c.Invalidate("ns", "k"); err != nil {
		t.Fatal(err)
	}

	var calls int32
	countingCompute := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v2", nil
	}
	_, _ = c.GetOrCompute(context.Background(), "ns", "k", Options{}, countingCompute)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a miss after invalidate, calls=%d", got)
	}
}

func TestPersistAndReloadRespectsExpiry(t *testing.T) {
	dir := t.TempDir()
	c1 := newTestCache(t, Config{StoragePath: dir, FlushInterval: time.Hour})

	compute := func(ctx context.Context) (any, error) { return "persisted", nil }
	_, err := c1.GetOrCompute(context.Background(), "ns", "k", Options{TTL: time.Hour}, compute)
	if err != nil {
		t.Fatal(err)
	}
	if err := c1.PersistNow(); err != nil {
		t.Fatalf("PersistNow: %v", err)
	}

	// Confirm the file landed at the documented layout.
	hash, _ := KeyHash("k")
	path := filepath.Join(dir, "namespaces", "ns", hash+".json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected persisted file at %s: %v", path, err)
	}

	c2 := newTestCache(t, Config{StoragePath: dir, FlushInterval: time.Hour})
	var calls int32
	countingCompute := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "recomputed", nil
	}
	v, err := c2.GetOrCompute(context.Background(), "ns", "k", Options{TTL: time.Hour}, countingCompute)
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != `"persisted"` {
		t.Fatalf("expected reloaded value from disk, got %s", v)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("expected no recompute since reload hit, calls=%d", got)
	}
}

func TestStatsReportsHitsAndMisses(t *testing.T) {
	c := newTestCache(t, Config{DefaultTTL: time.Minute})
	compute := func(ctx context.Context) (any, error) { return "v", nil }

	_, _ = c.GetOrCompute(context.Background(), "ns", "k", Options{}, compute) // miss
	_, _ = c.GetOrCompute(context.Background(), "ns", "k", Options{}, compute) // hit

	s := c.Stats()
	if s.Misses != 1 || s.Hits != 1 {
		t.Fatalf("expected 1 hit 1 miss, got %+v", s)
	}
	if s.EntriesByNamespace["ns"] != 1 {
		t.Fatalf("expected namespace accounting, got %+v", s.EntriesByNamespace)
	}
}

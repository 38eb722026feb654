package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInvalidator(mc *MemCache) *Invalidator {
	deps := NewDependencyMap().
		Add("invoices", "invoice:*", "report:revenue:*").
		Add("payments", "payment:*", "report:revenue:*").
		Add("customers", "customer:*")
	return NewInvalidator(mc, deps, 2)
}

func seed(t *testing.T, mc *MemCache, keys ...string) {
	for _, k := range keys {
		require.NoError(t, mc.Set(k, []byte("v"), 0))
	}
}

func TestInvalidateMatchingKeys(t *testing.T) {
	mc := NewMemCache(time.Minute)
	inv := newTestInvalidator(mc)
	seed(t, mc, "invoice:1", "invoice:2", "payment:1", "customer:1", "unrelated:1")

	res := inv.Invalidate([]string{"invoices"})
	assert.Equal(t, 2, res.KeysRemoved)
	assert.Equal(t, 1, res.TablesProcessed)

	_, ok, _ := mc.Get("invoice:1")
	assert.False(t, ok)
	_, ok, _ = mc.Get("payment:1")
	assert.True(t, ok)
	_, ok, _ = mc.Get("unrelated:1")
	assert.True(t, ok)
}

// Patterns shared between touched tables are only processed once.
func TestInvalidateDeduplicatesSharedPatterns(t *testing.T) {
	mc := NewMemCache(time.Minute)
	inv := newTestInvalidator(mc)
	seed(t, mc, "report:revenue:2026")

	res := inv.Invalidate([]string{"invoices", "payments"})
	assert.Equal(t, 1, res.KeysRemoved)
	assert.Equal(t, 2, res.TablesProcessed)
}

func TestInvalidateEmptyTableList(t *testing.T) {
	mc := NewMemCache(time.Minute)
	inv := newTestInvalidator(mc)
	seed(t, mc, "invoice:1")

	res := inv.Invalidate(nil)
	assert.Equal(t, 0, res.KeysRemoved)
	assert.Equal(t, 0, res.TablesProcessed)
	assert.Equal(t, 1, mc.Len())
	assert.Equal(t, 0, inv.Stats().Invalidations)
}

func TestInvalidateIdempotent(t *testing.T) {
	mc := NewMemCache(time.Minute)
	inv := newTestInvalidator(mc)
	seed(t, mc, "invoice:1")

	res := inv.Invalidate([]string{"invoices"})
	assert.Equal(t, 1, res.KeysRemoved)
	res = inv.Invalidate([]string{"invoices"})
	assert.Equal(t, 0, res.KeysRemoved)
}

func TestInvalidateTableWithoutRule(t *testing.T) {
	mc := NewMemCache(time.Minute)
	inv := newTestInvalidator(mc)
	seed(t, mc, "invoice:1")

	res := inv.Invalidate([]string{"ledger_entries"})
	assert.Equal(t, 0, res.KeysRemoved)
	assert.Equal(t, 1, res.TablesProcessed)
}

func TestInvalidateUnreachableCache(t *testing.T) {
	mc := NewMemCache(time.Minute)
	inv := newTestInvalidator(mc)
	mc.Unavailable = true

	res := inv.Invalidate([]string{"invoices"})
	assert.Equal(t, 0, res.KeysRemoved)
	assert.True(t, inv.Stats().CacheErrors > 0)
}

func TestStatsAccumulate(t *testing.T) {
	mc := NewMemCache(time.Minute)
	inv := newTestInvalidator(mc)
	seed(t, mc, "invoice:1", "payment:1")

	inv.Invalidate([]string{"invoices"})
	inv.Invalidate([]string{"payments"})

	stats := inv.Stats()
	assert.Equal(t, 2, stats.Invalidations)
	assert.Equal(t, 2, stats.KeysRemoved)
	assert.Equal(t, 2, stats.TablesProcessed)
	assert.Equal(t, 0, stats.CacheErrors)
}

// A task queued while the cache store is down is retried by the worker once
// the store comes back.
func TestWorkerRetriesWhileCacheDown(t *testing.T) {
	mc := NewMemCache(time.Minute)
	inv := newTestInvalidator(mc)
	seed(t, mc, "invoice:1")
	mc.Unavailable = true

	var wg sync.WaitGroup
	inv.Start(&wg)
	inv.Submit([]string{"invoices"})

	time.Sleep(20 * time.Millisecond)
	mc.Unavailable = false

	inv.Stop()
	wg.Wait()

	_, ok, err := mc.Get("invoice:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// Submitting to a full queue drops the task instead of blocking the caller.
func TestSubmitNeverBlocksWhenQueueFull(t *testing.T) {
	mc := NewMemCache(time.Minute)
	inv := newTestInvalidator(mc)
	inv.queueCap = 1
	// Every task fails and retries, keeping the worker busy.
	mc.Unavailable = true

	var wg sync.WaitGroup
	inv.Start(&wg)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			inv.Submit([]string{"invoices"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}

	mc.Unavailable = false
	inv.Stop()
	wg.Wait()

	assert.True(t, inv.Stats().CacheErrors > 0)
}

// After Stop the invalidator falls back to running inline, so nothing can be
// queued behind the worker's shutdown.
func TestSubmitAfterStopRunsInline(t *testing.T) {
	mc := NewMemCache(time.Minute)
	inv := newTestInvalidator(mc)

	var wg sync.WaitGroup
	inv.Start(&wg)
	inv.Stop()
	wg.Wait()

	seed(t, mc, "invoice:1")
	inv.Submit([]string{"invoices"})

	_, ok, _ := mc.Get("invoice:1")
	assert.False(t, ok)
	assert.Equal(t, 1, inv.Stats().Invalidations)
}

func TestDependencyMapOrderAndDedup(t *testing.T) {
	m := NewDependencyMap().
		Add("a", "x:*", "shared:*").
		Add("b", "shared:*", "y:*")

	assert.Equal(t, []string{"x:*", "shared:*", "y:*"}, m.PatternsFor([]string{"a", "b"}))
	assert.Nil(t, m.PatternsFor([]string{"c"}))
	assert.True(t, m.HasRule("a"))
	assert.False(t, m.HasRule("c"))
}

func TestMemCacheTTLCeiling(t *testing.T) {
	mc := NewMemCache(10 * time.Millisecond)
	// Request a much longer ttl; the ceiling wins.
	require.NoError(t, mc.Set("k", []byte("v"), time.Hour))

	_, ok, _ := mc.Get("k")
	assert.True(t, ok)
	time.Sleep(20 * time.Millisecond)
	_, ok, _ = mc.Get("k")
	assert.False(t, ok)
}

func TestMemCacheDeleteAbsentKey(t *testing.T) {
	mc := NewMemCache(time.Minute)
	removed, err := mc.Delete("never-set")
	require.NoError(t, err)
	assert.False(t, removed)
}

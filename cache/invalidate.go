package cache

import (
	"sync"
	"time"

	"github.com/restsaga/restsaga/log"
	"github.com/restsaga/restsaga/worker"
)

// InvalidationStats are running counters for observability. They are not
// authoritative; a restart resets them.
type InvalidationStats struct {
	Invalidations   int
	KeysRemoved     int
	TablesProcessed int
	CacheErrors     int
}

// InvalidationResult is the outcome of one Invalidate call.
type InvalidationResult struct {
	KeysRemoved     int
	TablesProcessed int
}

// Invalidator purges cache entries that depend on recently written tables.
// Invalidation is best-effort: a cache failure is logged and counted but never
// surfaced to the transaction that triggered it.
type Invalidator struct {
	cache    Cache
	deps     *DependencyMap
	retries  int
	queueCap int

	mu    sync.Mutex
	stats InvalidationStats

	worker  *worker.Worker
	started bool
}

const defaultQueueCapacity = 128

type invalidateTask struct {
	tables []string
}

func NewInvalidator(c Cache, deps *DependencyMap, retries int) *Invalidator {
	if retries < 1 {
		retries = 1
	}
	return &Invalidator{cache: c, deps: deps, retries: retries, queueCap: defaultQueueCapacity}
}

// Invalidate synchronously purges every cache key matching any touched table's
// dependency rule. It is idempotent, and an empty table list is a no-op.
func (inv *Invalidator) Invalidate(tables []string) InvalidationResult {
	var res InvalidationResult
	if len(tables) == 0 {
		return res
	}

	patterns := inv.deps.PatternsFor(tables)
	for _, pattern := range patterns {
		keys, err := inv.cache.Keys(pattern)
		if err != nil {
			log.Warnf("cache invalidation degraded to no-op for pattern %q: %v", pattern, err)
			inv.bumpErrors()
			continue
		}
		for _, key := range keys {
			removed, err := inv.cache.Delete(key)
			if err != nil {
				log.Warnf("cache delete %q failed: %v", key, err)
				inv.bumpErrors()
				continue
			}
			if removed {
				res.KeysRemoved++
			}
		}
	}
	res.TablesProcessed = len(tables)

	inv.mu.Lock()
	inv.stats.Invalidations++
	inv.stats.KeysRemoved += res.KeysRemoved
	inv.stats.TablesProcessed += res.TablesProcessed
	inv.mu.Unlock()

	log.Debugf("invalidated %d cache keys for %d tables", res.KeysRemoved, res.TablesProcessed)
	return res
}

// Submit schedules an invalidation on the background worker. It never blocks
// the committing transaction: a full queue drops the task with a logged
// warning, and the TTL ceiling on cached entries bounds the staleness of
// whatever the drop left behind. When the worker is not running, the
// invalidation runs inline. Callers must not depend on either mode completing
// before Submit returns.
func (inv *Invalidator) Submit(tables []string) {
	if len(tables) == 0 {
		return
	}
	inv.mu.Lock()
	if inv.started {
		// The check and the send happen under one lock so no task can be
		// enqueued behind Stop's sentinel.
		select {
		case inv.worker.Sender() <- invalidateTask{tables: tables}:
			inv.mu.Unlock()
			return
		default:
			inv.mu.Unlock()
			log.Warnf("invalidation queue full, dropping tables %v", tables)
			inv.bumpErrors()
			return
		}
	}
	inv.mu.Unlock()
	inv.Invalidate(tables)
}

// Start launches the background worker. wg is released when the worker stops.
func (inv *Invalidator) Start(wg *sync.WaitGroup) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.started {
		return
	}
	inv.worker = worker.NewWorkerWithCapacity("cache-invalidator", inv.queueCap, wg)
	inv.worker.Start(invalidateHandler{inv: inv})
	inv.started = true
}

// Stop flips the invalidator back to inline mode, then asks the worker to
// drain. The sentinel send happens outside the lock because the worker's
// handler needs it for the stats counters.
func (inv *Invalidator) Stop() {
	inv.mu.Lock()
	if !inv.started {
		inv.mu.Unlock()
		return
	}
	inv.started = false
	w := inv.worker
	inv.mu.Unlock()
	w.Stop()
}

// Stats returns a snapshot of the running counters.
func (inv *Invalidator) Stats() InvalidationStats {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.stats
}

func (inv *Invalidator) bumpErrors() {
	inv.mu.Lock()
	inv.stats.CacheErrors++
	inv.mu.Unlock()
}

type invalidateHandler struct {
	inv *Invalidator
}

// Handle runs one queued invalidation, retrying while the cache store is
// unreachable. Retries are bounded; a task that keeps failing is dropped, and
// the TTL ceiling on cached entries bounds the resulting staleness.
func (h invalidateHandler) Handle(t worker.Task) {
	task := t.(invalidateTask)
	for attempt := 1; ; attempt++ {
		before := h.inv.Stats().CacheErrors
		h.inv.Invalidate(task.tables)
		if h.inv.Stats().CacheErrors == before {
			return
		}
		if attempt >= h.inv.retries {
			log.Errorf("dropping cache invalidation for tables %v after %d attempts", task.tables, attempt)
			return
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
}

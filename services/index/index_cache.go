package index

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sync"
	"time"

	"github.com/ragserve/metrics"
)

// ErrQuarantined means the tenant's persisted index failed validation
// on load. Accesses keep failing until an operator rebuilds the index.
var ErrQuarantined = errors.New("vector index quarantined")

type AccessMode int

const (
	Read AccessMode = iota
	Write
)

type entry struct {
	tenant string

	mu          sync.RWMutex
	ix          *VectorIndex
	dirty       bool
	lastFlush   time.Time
	quarantined bool
	evicted     bool

	elem *list.Element
}

// Cache bounds the number of resident tenant indexes. Misses load the
// blob and sidecar from the ObjectStore; an absent pair starts a fresh
// empty index. Evicting a dirty entry persists it first. A background
// loop persists dirty entries at most once per flush interval per
// tenant.
type Cache struct {
	store    ObjectStore
	dim      int
	capacity int
	interval time.Duration

	// called once per load attempt that lands in quarantine, so the
	// operator trail records the corruption.
	onQuarantine func(tenantID string, reason error)

	mu    sync.Mutex
	table map[string]*entry
	lru   *list.List

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewCache(store ObjectStore, dim int, capacity int, flushInterval time.Duration, onQuarantine func(string, error)) *Cache {
	c := &Cache{
		store:        store,
		dim:          dim,
		capacity:     capacity,
		interval:     flushInterval,
		onQuarantine: onQuarantine,
		table:        make(map[string]*entry),
		lru:          list.New(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if flushInterval > 0 {
		go c.flushLoop()
	} else {
		close(c.done)
	}
	return c
}

func blobKey(tenantID string) string {
	return "indexes/" + tenantID + "/index.bin"
}

func sidecarKey(tenantID string) string {
	return "indexes/" + tenantID + "/slots.map"
}

// WithIndex runs fn with the tenant's index under the requested lock
// mode. Write accesses mark the entry dirty even when fn errors, since
// fn may have mutated the index before failing. Quarantined tenants
// return ErrQuarantined.
func (c *Cache) WithIndex(ctx context.Context, tenantID string, mode AccessMode, fn func(*VectorIndex) error) error {
	for {
		e, err := c.acquire(ctx, tenantID)
		if err != nil {
			return err
		}

		if mode == Write {
			e.mu.Lock()
		} else {
			e.mu.RLock()
		}

		if e.evicted {
			// Lost a race with eviction between acquire and lock.
			if mode == Write {
				e.mu.Unlock()
			} else {
				e.mu.RUnlock()
			}
			continue
		}
		if e.quarantined {
			if mode == Write {
				e.mu.Unlock()
			} else {
				e.mu.RUnlock()
			}
			return ErrQuarantined
		}

		err = fn(e.ix)
		if mode == Write {
			e.dirty = true
			e.mu.Unlock()
		} else {
			e.mu.RUnlock()
		}
		return err
	}
}

// Swap replaces the tenant's index wholesale, clearing any quarantine,
// and persists the replacement immediately. Used by index rebuilds.
func (c *Cache) Swap(ctx context.Context, tenantID string, fresh *VectorIndex) error {
	for {
		e, err := c.acquire(ctx, tenantID)
		if err != nil {
			return err
		}

		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		e.ix = fresh
		e.dirty = true
		e.quarantined = false
		err = c.persistLocked(ctx, e)
		e.mu.Unlock()
		return err
	}
}

// Flush persists every dirty resident index. Called on shutdown and
// available to operators.
func (c *Cache) Flush(ctx context.Context) error {
	var firstErr error
	for _, e := range c.snapshot() {
		e.mu.Lock()
		if !e.evicted && !e.quarantined && e.dirty {
			if err := c.persistLocked(ctx, e); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		e.mu.Unlock()
	}
	return firstErr
}

// Close stops the flush loop and persists all dirty entries.
func (c *Cache) Close(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
	return c.Flush(ctx)
}

func (c *Cache) acquire(ctx context.Context, tenantID string) (*entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if e, ok := c.table[tenantID]; ok {
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()
		return e, nil
	}

	// Insert a placeholder with its lock held so concurrent callers
	// for the same tenant block until the load finishes.
	e := &entry{tenant: tenantID}
	e.mu.Lock()
	e.elem = c.lru.PushFront(e)
	c.table[tenantID] = e

	var victim *entry
	if c.lru.Len() > c.capacity {
		back := c.lru.Back()
		victim = back.Value.(*entry)
		c.lru.Remove(back)
		delete(c.table, victim.tenant)
	}
	c.mu.Unlock()

	if victim != nil {
		if err := c.evict(ctx, victim); err != nil {
			// Could not persist the victim; put it back and fail this
			// acquisition rather than dropping dirty state.
			c.mu.Lock()
			if _, exists := c.table[victim.tenant]; !exists {
				victim.elem = c.lru.PushBack(victim)
				c.table[victim.tenant] = victim
			} else {
				log.Printf("Dropping unpersistable index for tenant %s after reload: %v", victim.tenant, err)
			}
			c.dropLocked(e)
			c.mu.Unlock()
			e.evicted = true
			e.mu.Unlock()
			return nil, fmt.Errorf("failed to evict index for tenant %s: %w", victim.tenant, err)
		}
	}

	ix, quarantine, err := c.load(ctx, tenantID)
	if err != nil {
		if !quarantine {
			// Transient store failure; forget the placeholder so the
			// next call retries the load.
			c.mu.Lock()
			c.dropLocked(e)
			c.mu.Unlock()
			e.evicted = true
			e.mu.Unlock()
			return nil, err
		}
		log.Printf("Quarantined vector index for tenant %s: %v", tenantID, err)
		if c.onQuarantine != nil {
			c.onQuarantine(tenantID, err)
		}
		e.quarantined = true
		e.mu.Unlock()
		return e, nil
	}

	e.ix = ix
	e.lastFlush = time.Now()
	e.mu.Unlock()
	return e, nil
}

// dropLocked removes an entry from the table and LRU list. Caller
// holds c.mu.
func (c *Cache) dropLocked(e *entry) {
	if _, ok := c.table[e.tenant]; ok && c.table[e.tenant] == e {
		delete(c.table, e.tenant)
	}
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
}

func (c *Cache) evict(ctx context.Context, victim *entry) error {
	victim.mu.Lock()
	defer victim.mu.Unlock()
	if victim.dirty && !victim.quarantined {
		if err := c.persistLocked(ctx, victim); err != nil {
			return err
		}
	}
	victim.evicted = true
	victim.ix = nil
	metrics.IndexCacheEvictionsTotal.Inc()
	return nil
}

// load returns quarantine=true for errors an operator must resolve
// (corrupt or inconsistent files) as opposed to transient store
// failures.
func (c *Cache) load(ctx context.Context, tenantID string) (ix *VectorIndex, quarantine bool, err error) {
	blob, err := c.store.Get(ctx, blobKey(tenantID))
	if errors.Is(err, fs.ErrNotExist) {
		return New(c.dim), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load index blob for tenant %s: %w", tenantID, err)
	}

	sidecar, err := c.store.Get(ctx, sidecarKey(tenantID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, true, fmt.Errorf("index blob for tenant %s has no sidecar", tenantID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load index sidecar for tenant %s: %w", tenantID, err)
	}

	decoded, err := Decode(blob, sidecar)
	if err != nil {
		return nil, true, fmt.Errorf("failed to decode index for tenant %s: %w", tenantID, err)
	}
	if decoded.Dimensions() != c.dim {
		return nil, true, fmt.Errorf("index for tenant %s has dimension %d, configured %d", tenantID, decoded.Dimensions(), c.dim)
	}
	return decoded, false, nil
}

// persistLocked writes the sidecar before the blob so a reader that
// sees the new blob always finds a matching sidecar. Caller holds the
// entry's write lock.
func (c *Cache) persistLocked(ctx context.Context, e *entry) error {
	blob, sidecar, err := e.ix.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode index for tenant %s: %w", e.tenant, err)
	}
	if err := c.store.Put(ctx, sidecarKey(e.tenant), sidecar); err != nil {
		return err
	}
	if err := c.store.Put(ctx, blobKey(e.tenant), blob); err != nil {
		return err
	}
	e.dirty = false
	e.lastFlush = time.Now()
	return nil
}

func (c *Cache) snapshot() []*entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]*entry, 0, len(c.table))
	for _, e := range c.table {
		entries = append(entries, e)
	}
	return entries
}

func (c *Cache) flushLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.flushDue()
		}
	}
}

func (c *Cache) flushDue() {
	for _, e := range c.snapshot() {
		e.mu.Lock()
		due := !e.evicted && !e.quarantined && e.dirty && time.Since(e.lastFlush) >= c.interval
		if due {
			if err := c.persistLocked(context.Background(), e); err != nil {
				log.Printf("Failed to persist index for tenant %s: %v", e.tenant, err)
			}
		}
		e.mu.Unlock()
	}
}

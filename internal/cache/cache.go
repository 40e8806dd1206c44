// Package cache implements the bounded local chunk cache: an LRU of
// downloaded chunk files capped by total byte size, pin-counted so a
// chunk in active use is never evicted out from under a reader, with
// per-chunk advisory file locks so same-machine workers can share one
// cache directory safely.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/ltdc/ltdc/internal/errs"
	"github.com/ltdc/ltdc/internal/observability"
)

// Fetcher downloads chunk data for id and returns it, called on a cache
// miss. Implementations typically wrap an objstore.Store Get.
type Fetcher func(ctx context.Context, chunkID uint64) ([]byte, error)

// entry tracks one resident chunk file's bookkeeping.
type entry struct {
	path    string
	size    int64
	pinned  int
}

// Cache is a bounded, pin-aware local chunk cache.
type Cache struct {
	dir         string
	maxBytes    uint64
	fetch       Fetcher

	mu          sync.Mutex
	order       *lru.Cache[uint64, struct{}]
	entries     map[uint64]*entry
	currentSize uint64

	db      *sql.DB
	metrics *observability.Metrics
}

// SetMetrics attaches m so subsequent hits, misses, evictions, and
// resident-byte changes are reported through it. Pass nil to disable.
func (c *Cache) SetMetrics(m *observability.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// New opens (creating if absent) a cache rooted at dir, bounded to
// maxBytes of resident chunk payload, backed by a SQLite bookkeeping
// database for admission state that survives a process restart.
func New(dir string, maxBytes uint64, fetch Fetcher) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.IO(dir, 0, err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "cache.db"))
	if err != nil {
		return nil, errs.IO(dir, 0, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS admitted (
		chunk_id INTEGER PRIMARY KEY,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		last_used TIMESTAMP NOT NULL
	)`); err != nil {
		return nil, errs.IO(dir, 0, err)
	}

	// a 1<<20-entry capacity on the LRU itself; Cache enforces the byte
	// budget and calls Remove explicitly, so the LRU only needs to track
	// recency order, not its own size cap.
	order, err := lru.New[uint64, struct{}](1 << 20)
	if err != nil {
		return nil, errs.IO(dir, 0, err)
	}

	c := &Cache{
		dir:      dir,
		maxBytes: maxBytes,
		fetch:    fetch,
		order:    order,
		entries:  make(map[uint64]*entry),
		db:       db,
	}
	if err := c.reconcileFromDisk(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// reconcileFromDisk loads previously admitted rows back into entries/order
// so eviction decisions carry over across a process restart on the same
// machine. Rows whose backing file is missing (evicted or lost between
// runs) are dropped from the table rather than re-admitted.
func (c *Cache) reconcileFromDisk() error {
	rows, err := c.db.Query(`SELECT chunk_id, path, size FROM admitted ORDER BY last_used ASC`)
	if err != nil {
		return errs.IO(c.dir, 0, err)
	}
	defer rows.Close()

	type row struct {
		id   uint64
		path string
		size int64
	}
	var (
		live  []row
		stale []uint64
	)
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.path, &r.size); err != nil {
			return errs.IO(c.dir, 0, err)
		}
		if _, statErr := os.Stat(r.path); statErr != nil {
			stale = append(stale, r.id)
			continue
		}
		live = append(live, r)
	}
	if err := rows.Err(); err != nil {
		return errs.IO(c.dir, 0, err)
	}

	for _, r := range live {
		c.entries[r.id] = &entry{path: r.path, size: r.size}
		c.currentSize += uint64(r.size)
		c.order.Add(r.id, struct{}{})
	}
	for _, id := range stale {
		c.removePersisted(id)
	}
	return nil
}

func (c *Cache) chunkPath(id uint64) string {
	return filepath.Join(c.dir, fmt.Sprintf("chunk-%020d.bin", id))
}

func (c *Cache) lockPath(id uint64) string {
	return c.chunkPath(id) + ".lock"
}

// Get returns the local path to chunkID's cached file, pinning it so it
// cannot be evicted until the caller calls Done. On a cache miss it
// downloads via Fetcher, admitting the new entry and evicting
// least-recently-used unpinned entries if needed to stay under budget.
func (c *Cache) Get(ctx context.Context, chunkID uint64) (string, error) {
	lock := flock.New(c.lockPath(chunkID))
	if err := lock.Lock(); err != nil {
		return "", errs.IO(c.chunkPath(chunkID), 0, err)
	}
	defer lock.Unlock()

	c.mu.Lock()
	if e, ok := c.entries[chunkID]; ok {
		e.pinned++
		c.order.Add(chunkID, struct{}{})
		m := c.metrics
		c.mu.Unlock()
		if m != nil {
			m.RecordCacheHit()
		}
		return e.path, nil
	}
	m := c.metrics
	c.mu.Unlock()
	if m != nil {
		m.RecordCacheMiss()
	}

	data, err := c.fetch(ctx, chunkID)
	if err != nil {
		return "", err
	}

	path := c.chunkPath(chunkID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", errs.IO(path, 0, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", errs.IO(path, 0, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.admitLocked(chunkID, path, int64(len(data))); err != nil {
		return "", err
	}
	c.entries[chunkID].pinned++
	return path, nil
}

// admitLocked registers a freshly downloaded chunk, evicting
// least-recently-used unpinned entries until there is room. Called with
// c.mu held.
func (c *Cache) admitLocked(chunkID uint64, path string, size int64) error {
	for c.maxBytes > 0 && c.currentSize+uint64(size) > c.maxBytes {
		evictedAny, err := c.evictOneLocked()
		if err != nil {
			return err
		}
		if !evictedAny {
			return errs.CacheFull(c.pinnedDiagnosticLocked())
		}
	}
	c.entries[chunkID] = &entry{path: path, size: size}
	c.currentSize += uint64(size)
	c.order.Add(chunkID, struct{}{})
	c.persistAdmission(chunkID, path, size)
	if c.metrics != nil {
		c.metrics.SetCacheBytesResident(int64(c.currentSize))
	}
	return nil
}

func (c *Cache) evictOneLocked() (bool, error) {
	keys := c.order.Keys()
	for _, id := range keys {
		e, ok := c.entries[id]
		if !ok || e.pinned > 0 {
			continue
		}
		c.order.Remove(id)
		delete(c.entries, id)
		c.currentSize -= uint64(e.size)
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			return false, errs.IO(e.path, 0, err)
		}
		c.removePersisted(id)
		if c.metrics != nil {
			c.metrics.RecordCacheEviction()
			c.metrics.SetCacheBytesResident(int64(c.currentSize))
		}
		return true, nil
	}
	return false, nil
}

func (c *Cache) pinnedDiagnosticLocked() error {
	var pinned []uint64
	for id, e := range c.entries {
		if e.pinned > 0 {
			pinned = append(pinned, id)
		}
	}
	return fmt.Errorf("cache full: %d chunks pinned and unevictable: %v", len(pinned), pinned)
}

// Done releases the caller's pin on chunkID, taken by a prior Get. Once
// unpinned with no other holder, the chunk becomes evictable immediately.
func (c *Cache) Done(chunkID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chunkID]
	if !ok || e.pinned == 0 {
		return
	}
	e.pinned--
}

func (c *Cache) persistAdmission(chunkID uint64, path string, size int64) {
	_, _ = c.db.Exec(`INSERT OR REPLACE INTO admitted (chunk_id, path, size, last_used) VALUES (?, ?, ?, ?)`,
		chunkID, path, size, time.Now())
}

func (c *Cache) removePersisted(chunkID uint64) {
	_, _ = c.db.Exec(`DELETE FROM admitted WHERE chunk_id = ?`, chunkID)
}

// Close releases the cache's SQLite handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Package metacache is the persistent metadata cache: a key-to-JSON
// store with per-entry TTL, backed by an embedded SQL database the same
// way the teacher's package-metadata tables are (github.com/a-h/kv over
// zombiezen.com/go/sqlite).
package metacache

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/a-h/kv"
	"github.com/a-h/kv/sqlitekv"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/samukelogift/br/internal/formula"
)

// DefaultTTL is the TTL applied to entries when the caller does not
// override it.
const DefaultTTL = 6 * time.Hour

// Stats summarizes the cache's contents.
type Stats struct {
	Total   int
	Valid   int
	Expired int
}

// entry is the JSON envelope stored alongside each cached record.
type entry struct {
	Data     formula.Record `json:"data"`
	CachedAt int64          `json:"cached_at"`
	TTLHours float64        `json:"ttl_hours"`
}

func (e entry) expired(now time.Time) bool {
	age := now.Sub(time.Unix(e.CachedAt, 0))
	return age >= time.Duration(e.TTLHours*float64(time.Hour))
}

// Cache is a single-process-safe metadata cache. All operations are
// atomic at single-entry granularity; the in-memory mutex serializes
// concurrent access from this process, while the embedded database
// provides crash durability. No cross-process coordination is
// attempted, matching the spec's contract.
type Cache struct {
	store  kv.Store
	closer func() error
	mu     sync.Mutex
	now    func() time.Time
}

// Open creates or opens the metadata cache database at path.
func Open(path string) (*Cache, error) {
	opts := sqlitex.PoolOptions{
		Flags: sqlite.OpenReadWrite | sqlite.OpenCreate,
	}
	pool, err := sqlitex.NewPool(path, opts)
	if err != nil {
		return nil, fmt.Errorf("metacache: failed to open %s: %w", path, err)
	}
	store := sqlitekv.NewStore(pool)
	if err := store.Init(context.Background()); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("metacache: failed to initialize schema: %w", err)
	}
	return &Cache{store: store, closer: pool.Close, now: time.Now}, nil
}

// Close releases the underlying database connection pool.
func (c *Cache) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func key(name string) string {
	return path.Join("/formula", url.PathEscape(name))
}

// Get returns the stored record iff the entry is valid (non-expired).
// Expired entries are removed on read.
func (c *Cache) Get(ctx context.Context, name string) (rec formula.Record, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var e entry
	_, found, err := c.store.Get(ctx, key(name), &e)
	if err != nil {
		return formula.Record{}, false, fmt.Errorf("metacache: get %s: %w", name, err)
	}
	if !found {
		return formula.Record{}, false, nil
	}
	if e.expired(c.now()) {
		if _, err := c.store.Delete(ctx, key(name)); err != nil {
			return formula.Record{}, false, fmt.Errorf("metacache: evict %s: %w", name, err)
		}
		return formula.Record{}, false, nil
	}
	return e.Data, true, nil
}

// Set inserts or replaces the cached record for name, recording the
// current time as cached_at.
func (c *Cache) Set(ctx context.Context, name string, rec formula.Record, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry{
		Data:     rec,
		CachedAt: c.now().Unix(),
		TTLHours: ttl.Hours(),
	}
	if err := c.store.Put(ctx, key(name), -1, e); err != nil {
		return fmt.Errorf("metacache: set %s: %w", name, err)
	}
	return nil
}

// Invalidate removes the entry for name, if present.
func (c *Cache) Invalidate(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.store.Delete(ctx, key(name)); err != nil {
		return fmt.Errorf("metacache: invalidate %s: %w", name, err)
	}
	return nil
}

// ClearExpired removes every entry whose TTL has elapsed and returns the
// count removed.
func (c *Cache) ClearExpired(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.store.GetPrefix(ctx, "/formula/", 0, -1)
	if err != nil {
		return 0, fmt.Errorf("metacache: scan: %w", err)
	}
	entries, err := kv.ValuesOf[entry](records)
	if err != nil {
		return 0, fmt.Errorf("metacache: decode: %w", err)
	}

	now := c.now()
	removed := 0
	for i, e := range entries {
		if e.expired(now) {
			if _, err := c.store.Delete(ctx, records[i].Key); err != nil {
				return removed, fmt.Errorf("metacache: evict %s: %w", records[i].Key, err)
			}
			removed++
		}
	}
	return removed, nil
}

// Clear removes every cached entry.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.store.DeletePrefix(ctx, "/formula/", 0, -1); err != nil {
		return fmt.Errorf("metacache: clear: %w", err)
	}
	return nil
}

// Stats reports total/valid/expired entry counts.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.store.GetPrefix(ctx, "/formula/", 0, -1)
	if err != nil {
		return Stats{}, fmt.Errorf("metacache: scan: %w", err)
	}
	entries, err := kv.ValuesOf[entry](records)
	if err != nil {
		return Stats{}, fmt.Errorf("metacache: decode: %w", err)
	}

	now := c.now()
	stats := Stats{Total: len(records)}
	for _, e := range entries {
		if e.expired(now) {
			stats.Expired++
		} else {
			stats.Valid++
		}
	}
	return stats, nil
}

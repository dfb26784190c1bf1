// Package diskcache keeps decompressed copies of compressed source files
// in a size-bounded directory. Entries are keyed by the source path, so
// the same source reuses the same slot across runs, and an entry that is
// in use is never evicted.
package diskcache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentic-research/skytiles/internal/metrics"
	"github.com/dustin/go-humanize"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/renameio"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

// ErrCacheOverflow means eviction could not make room for a new entry
// because every remaining entry is in use. The run must stop.
var ErrCacheOverflow = errors.New("disk cache overflow")

// DefaultLimit is used when Config.Limit is zero.
const DefaultLimit = 4 << 30

const indexFile = "index.cbor"

type Config struct {
	// Dir holds the cache files. Empty means a fresh directory under the
	// system temp root, created on first use.
	Dir string
	// Limit is the byte budget.
	Limit int64
	// Persist keeps the directory and its index at Close so a later run
	// can reuse the entries.
	Persist bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type entry struct {
	Source  string    `cbor:"1,keyasint"`
	File    string    `cbor:"2,keyasint"`
	Size    int64     `cbor:"3,keyasint"`
	LastUse time.Time `cbor:"4,keyasint"`
	refs    int
}

// Cache is safe for concurrent use. One mutex guards usage and the entry
// map; fills of the same key are collapsed.
type Cache struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	dir     string
	entries map[string]*entry
	used    int64
	closed  bool

	fill singleflight.Group
}

func New(cfg Config) *Cache {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Cache{cfg: cfg, log: log.With("component", "diskcache"), entries: map[string]*entry{}}
}

// Key is the stable encoding of an absolute source path.
func Key(absPath string) string {
	sum := blake3.Sum256([]byte(absPath))
	return hex.EncodeToString(sum[:16])
}

// Acquire returns a readable path for src. Compressed sources are
// decompressed into the cache on first use and pinned until Release;
// plain sources are returned as-is.
func (c *Cache) Acquire(ctx context.Context, src string) (string, error) {
	abs, err := filepath.Abs(src)
	if err != nil {
		return "", err
	}
	cd := codecFor(abs)
	if cd == nil {
		return abs, nil
	}
	key := Key(abs)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return "", errors.New("diskcache: closed")
		}
		if e, ok := c.entries[key]; ok {
			e.refs++
			e.LastUse = time.Now()
			c.mu.Unlock()
			c.cfg.Metrics.CacheHit()
			return e.File, nil
		}
		c.mu.Unlock()

		// The filled entry may be evicted before we pin it; loop until
		// it is pinned.
		_, err, _ := c.fill.Do(key, func() (any, error) {
			return nil, c.load(key, abs, cd)
		})
		if err != nil {
			return "", err
		}
	}
}

// Release unpins src.
func (c *Cache) Release(src string) {
	abs, err := filepath.Abs(src)
	if err != nil || codecFor(abs) == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[Key(abs)]; ok && e.refs > 0 {
		e.refs--
		e.LastUse = time.Now()
	}
}

// Sweep evicts unpinned entries, least recently used first, until usage
// is at most target. It returns the number of entries removed.
func (c *Cache) Sweep(target int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(target)
}

// Used returns the current usage in bytes.
func (c *Cache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Dir returns the cache directory, or "" before first use.
func (c *Cache) Dir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir
}

func (c *Cache) evictLocked(target int64) int {
	var victims []string
	for k, e := range c.entries {
		if e.refs == 0 {
			victims = append(victims, k)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		return c.entries[victims[i]].LastUse.Before(c.entries[victims[j]].LastUse)
	})
	n := 0
	for _, k := range victims {
		if c.used <= target {
			break
		}
		e := c.entries[k]
		if err := os.Remove(e.File); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.log.Warn("evict failed", "path", e.File, "err", err)
			continue
		}
		delete(c.entries, k)
		c.used -= e.Size
		n++
	}
	c.cfg.Metrics.Evicted(n)
	c.cfg.Metrics.SetCacheBytes(c.used)
	return n
}

// reserveLocked makes room for size more bytes.
func (c *Cache) reserveLocked(size int64) error {
	if c.used+size <= c.cfg.Limit {
		return nil
	}
	freed := c.evictLocked(c.cfg.Limit * 2 / 3)
	if c.used+size > c.cfg.Limit {
		return fmt.Errorf("%w: need %s, %s of %s pinned after evicting %d entries",
			ErrCacheOverflow, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(c.used)),
			humanize.IBytes(uint64(c.cfg.Limit)), freed)
	}
	return nil
}

// ensureDirLocked creates the cache directory on first use and reloads a
// persisted index.
func (c *Cache) ensureDirLocked() error {
	if c.dir != "" {
		return nil
	}
	dir := c.cfg.Dir
	if dir == "" {
		d, err := os.MkdirTemp("", "skytiles-cache-")
		if err != nil {
			return fmt.Errorf("diskcache: %w", err)
		}
		dir = d
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("diskcache: %w", err)
	}
	c.dir = dir
	if c.cfg.Persist {
		c.loadIndexLocked()
	}
	return nil
}

func (c *Cache) loadIndexLocked() {
	data, err := os.ReadFile(filepath.Join(c.dir, indexFile))
	if err != nil {
		return
	}
	var saved map[string]*entry
	if err := cbor.Unmarshal(data, &saved); err != nil {
		c.log.Warn("ignoring unreadable cache index", "err", err)
		return
	}
	for k, e := range saved {
		info, err := os.Stat(e.File)
		if err != nil || info.Size() != e.Size {
			continue
		}
		c.entries[k] = e
		c.used += e.Size
	}
	c.log.Debug("reloaded cache index", "entries", len(c.entries), "bytes", humanize.IBytes(uint64(c.used)))
}

// load decompresses abs into the cache under key. An entry that already
// exists is left alone: a caller that lost the race to a finished fill
// must not replace a pinned entry.
func (c *Cache) load(key, abs string, cd *codec) error {
	c.mu.Lock()
	_, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return nil
	}

	src, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("diskcache: %w", err)
	}
	defer func() { _ = src.Close() }()
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("diskcache: %w", err)
	}
	projected, ok := cd.size(src, info.Size())
	if !ok {
		projected = info.Size()
	}

	c.mu.Lock()
	if err := c.ensureDirLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return nil
	}
	if err := c.reserveLocked(projected); err != nil {
		c.mu.Unlock()
		return err
	}
	c.used += projected
	dir := c.dir
	c.mu.Unlock()

	dst := filepath.Join(dir, key+filepath.Ext(TrimCompression(abs)))
	size, err := c.write(dst, cd, src)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.used -= projected
	if err != nil {
		return fmt.Errorf("diskcache: decompress %s: %w", abs, err)
	}
	if _, ok := c.entries[key]; ok {
		// Same content under the same file name; keep the existing entry
		// and its pins.
		return nil
	}
	if err := c.reserveLocked(size); err != nil {
		_ = os.Remove(dst)
		return err
	}
	c.entries[key] = &entry{Source: abs, File: dst, Size: size, LastUse: time.Now()}
	c.used += size
	c.cfg.Metrics.SetCacheBytes(c.used)
	return nil
}

func (c *Cache) write(dst string, cd *codec, src *os.File) (int64, error) {
	t, err := renameio.TempFile("", dst)
	if err != nil {
		return 0, err
	}
	defer func() { _ = t.Cleanup() }()
	n, err := cd.decompress(t, src)
	if err != nil {
		return 0, err
	}
	return n, t.CloseAtomicallyReplace()
}

// Close removes the cache directory, or writes the index when
// persisting.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.dir == "" {
		return nil
	}
	if !c.cfg.Persist {
		return os.RemoveAll(c.dir)
	}
	data, err := cbor.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("diskcache: encode index: %w", err)
	}
	return renameio.WriteFile(filepath.Join(c.dir, indexFile), data, 0o644)
}

// Open acquires src and returns a reader over it. Closing the reader
// releases the entry.
func (c *Cache) Open(ctx context.Context, src string) (io.ReadCloser, error) {
	p, err := c.Acquire(ctx, src)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		c.Release(src)
		return nil, err
	}
	return &pinned{File: f, release: func() { c.Release(src) }}, nil
}

type pinned struct {
	*os.File
	release func()
	once    sync.Once
}

func (p *pinned) Close() error {
	err := p.File.Close()
	p.once.Do(p.release)
	return err
}

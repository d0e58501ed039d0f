// Package filecache keeps file contents in memory, keyed by absolute path,
// and trusts an entry only while the file on disk is not newer than it.
package filecache

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 100

// Entry is a cached file.
type Entry struct {
	Content []byte
	MIME    string
	ETag    string    // quoted content digest
	ModTime time.Time // source modification time when cached
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Stale     uint64
	Evictions uint64
	Size      int
	Capacity  int
}

// Cache is an LRU of file entries. One mutex guards lookup, insert and
// invalidate so each runs as a unit.
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, Entry]
	capacity int
	stat     func(string) (os.FileInfo, error)

	hits, misses, stale, evictions uint64
}

// New returns an empty cache holding at most capacity entries.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	lru, err := simplelru.NewLRU[string, Entry](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: lru, capacity: capacity, stat: os.Stat}, nil
}

// Key canonicalizes path into the form used as a cache key.
func Key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Lookup returns the entry for path if the live file is not newer than the
// cached copy. A newer (or vanished) file invalidates the entry and reports
// a miss.
func (c *Cache) Lookup(path string) (Entry, bool) {
	key := Key(path)
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		c.misses++
		return Entry{}, false
	}
	fi, err := c.stat(key)
	if err != nil || fi.ModTime().After(e.ModTime) {
		c.lru.Remove(key)
		c.stale++
		c.misses++
		return Entry{}, false
	}
	c.lru.Get(key) // touch
	c.hits++
	return e, true
}

// Insert stores e under path, touching the key. Inserting a new key into a
// full cache evicts the least recently touched entry first.
func (c *Cache) Insert(path string, e Entry) {
	key := Key(path)
	c.mu.Lock()
	if c.lru.Add(key, e) {
		c.evictions++
	}
	c.mu.Unlock()
}

// Invalidate removes path unconditionally.
func (c *Cache) Invalidate(path string) {
	key := Key(path)
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns cached keys from least to most recently touched.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Stale:     c.stale,
		Evictions: c.evictions,
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
	}
}

// Load reads path from disk and builds an entry for it. mime is supplied by
// the caller. The modification time is taken before the read so a concurrent
// write makes the entry stale rather than wrongly fresh.
func Load(path, mime string) (Entry, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Entry{}, err
	}
	if fi.IsDir() {
		return Entry{}, ErrIsDir
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Content: content, MIME: mime, ETag: ETag(content), ModTime: fi.ModTime()}, nil
}

var ErrIsDir = errors.New("filecache: is a directory")

package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the result classification of a cache lookup.
type Status int

const (
	StatusMiss Status = iota
	StatusHit
	StatusStale
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusHit:
		return "HIT"
	case StatusStale:
		return "STALE"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "MISS"
	}
}

// Entry is an immutable snapshot of cached content. Entries are replaced
// wholesale on re-cache and never mutated in place.
type Entry struct {
	Body         []byte
	ContentType  string
	ETag         string
	LastModified time.Time
	ExpiresAt    time.Time
	CacheControl string
	Size         int64
}

// Stats is a read-only snapshot of cache occupancy.
type Stats struct {
	Entries     int     `json:"entries"`
	SizeBytes   int64   `json:"size_bytes"`
	Utilization float64 `json:"utilization"`
}

type slot struct {
	entry      *Entry
	lastAccess time.Time
	seq        uint64 // insertion order, deterministic eviction tie break
}

// Cache is a bounded in-memory content store with LRU eviction. All mutation
// runs under a single mutex; lookups and stores are fast in-memory critical
// sections and never block on I/O.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	slots    map[uint64]*slot
	seq      uint64
	now      func() time.Time
	logger   *zap.Logger
}

func New(capacityBytes int64, logger *zap.Logger) *Cache {
	return &Cache{
		capacity: capacityBytes,
		slots:    make(map[uint64]*slot),
		now:      time.Now,
		logger:   logger,
	}
}

// Get looks up the entry for (url, headers) and classifies its freshness.
// Expired entries are evicted as a side effect and reported with a nil entry.
// Stale entries are returned so callers may serve-stale; both HIT and STALE
// refresh the key's LRU position.
func (c *Cache) Get(url string, headers map[string]string) (*Entry, Status) {
	key := Key(url, headers)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[key]
	if !ok {
		return nil, StatusMiss
	}

	if now.After(s.entry.ExpiresAt) {
		c.removeLocked(key, s)
		return nil, StatusExpired
	}

	s.lastAccess = now

	if maxAge, ok := ParseMaxAge(s.entry.CacheControl); ok {
		if now.Sub(s.entry.LastModified) > maxAge {
			return s.entry, StatusStale
		}
	}
	return s.entry, StatusHit
}

// Put stores an entry under the key derived from (url, headers), evicting
// least-recently-used entries until the new entry fits. It fails only when
// the entry alone exceeds total capacity. Replacement of an existing key is
// atomic remove-then-insert.
func (c *Cache) Put(url string, headers map[string]string, entry *Entry) bool {
	if entry.Size > c.capacity {
		c.logger.Warn("cache entry exceeds total capacity",
			zap.String("url", url),
			zap.Int64("entry_size", entry.Size),
			zap.Int64("capacity", c.capacity))
		return false
	}
	key := Key(url, headers)

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.slots[key]; ok {
		c.removeLocked(key, prev)
	}

	for c.size+entry.Size > c.capacity {
		victim, ok := c.oldestLocked()
		if !ok {
			return false
		}
		c.removeLocked(victim, c.slots[victim])
	}

	c.seq++
	c.slots[key] = &slot{entry: entry, lastAccess: c.now(), seq: c.seq}
	c.size += entry.Size
	return true
}

// Stats returns current occupancy without side effects.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	utilization := 0.0
	if c.capacity > 0 {
		utilization = float64(c.size) / float64(c.capacity)
	}
	return Stats{
		Entries:     len(c.slots),
		SizeBytes:   c.size,
		Utilization: utilization,
	}
}

func (c *Cache) removeLocked(key uint64, s *slot) {
	delete(c.slots, key)
	c.size -= s.entry.Size
}

// oldestLocked finds the eviction candidate: oldest last-access time, with
// insertion order breaking ties deterministically.
func (c *Cache) oldestLocked() (uint64, bool) {
	var (
		victim uint64
		best   *slot
	)
	for key, s := range c.slots {
		if best == nil ||
			s.lastAccess.Before(best.lastAccess) ||
			(s.lastAccess.Equal(best.lastAccess) && s.seq < best.seq) {
			victim, best = key, s
		}
	}
	return victim, best != nil
}

package dpop

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultJTITTL keeps entries for the proof freshness window; replays
	// outside the window are already rejected by the iat check.
	DefaultJTITTL = 5 * time.Minute

	// DefaultMaxEntries bounds cache memory under flood.
	DefaultMaxEntries = 100_000

	defaultCleanupInterval = 30 * time.Second
)

// JTICache provides replay detection for proof jtis. Implementations must be
// safe for concurrent use.
type JTICache interface {
	// Record attempts to record a jti. It returns true if the jti was
	// already recorded within the TTL (a replay).
	Record(jti string) (isReplay bool, err error)

	// Close stops background maintenance.
	Close() error
}

type jtiEntry struct {
	seenAt time.Time
}

// MemoryJTICache is an in-memory JTICache backed by sync.Map. The single
// LoadOrStore per Record makes the seen-check atomic, so two concurrent
// presentations of the same jti yield exactly one acceptance.
type MemoryJTICache struct {
	entries    sync.Map
	entryCount atomic.Int64
	maxEntries int64
	ttl        time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryJTICache creates a cache with the given TTL and entry cap; zero
// values select the defaults.
func NewMemoryJTICache(ttl time.Duration, maxEntries int) *MemoryJTICache {
	if ttl <= 0 {
		ttl = DefaultJTITTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	c := &MemoryJTICache{
		maxEntries: int64(maxEntries),
		ttl:        ttl,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Record attempts to record a jti; true means replay.
func (c *MemoryJTICache) Record(jti string) (bool, error) {
	if jti == "" {
		return false, ErrInvalidJTI
	}

	now := time.Now()
	entry := &jtiEntry{seenAt: now}

	existing, loaded := c.entries.LoadOrStore(jti, entry)
	if loaded {
		prev := existing.(*jtiEntry)
		if now.Sub(prev.seenAt) < c.ttl {
			return true, nil
		}
		// Expired entry: replace it atomically. A lost race means a
		// concurrent caller recorded it first, which is a replay.
		if c.entries.CompareAndSwap(jti, existing, entry) {
			return false, nil
		}
		return true, nil
	}

	if c.entryCount.Add(1) > c.maxEntries {
		c.entries.Delete(jti)
		c.entryCount.Add(-1)
		return false, ErrCacheFull
	}

	return false, nil
}

// Close stops the cleanup goroutine.
func (c *MemoryJTICache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}

func (c *MemoryJTICache) cleanupLoop() {
	defer close(c.done)

	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *MemoryJTICache) evictExpired() {
	now := time.Now()
	c.entries.Range(func(key, value any) bool {
		entry := value.(*jtiEntry)
		if now.Sub(entry.seenAt) >= c.ttl {
			if c.entries.CompareAndDelete(key, value) {
				c.entryCount.Add(-1)
			}
		}
		return true
	})
}

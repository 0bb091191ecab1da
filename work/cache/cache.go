package cache

import (
	"time"

	"streamrelay/work/metrics"

	"github.com/maypok86/otter/v2"
	"golang.org/x/crypto/blake2b"
)

// Key identifies one cached segment. It is a hash over the session id and
// the exact segment URL; the URL is not normalized, so two spellings of one
// resource are two entries.
type Key [blake2b.Size256]byte

// SegmentCache provides a thread-safe in-memory store of segment bytes with
// time-based expiration. Entries live for a fixed TTL counted from insertion;
// reads do not extend it. There is no size bound: the cache is emptied
// whenever the active session changes.
type SegmentCache struct {
	store *otter.Cache[Key, []byte]
	ttl   time.Duration
}

// NewSegmentCache creates an empty cache whose entries expire ttl after they
// were stored.
//
// Parameters:
//   - ttl: lifetime of each entry, counted from Put
//
// Returns:
//   - *SegmentCache: ready to use cache
func NewSegmentCache(ttl time.Duration) *SegmentCache {
	return &SegmentCache{
		store: otter.Must(&otter.Options[Key, []byte]{
			ExpiryCalculator: otter.ExpiryWriting[Key, []byte](ttl),
		}),
		ttl: ttl,
	}
}

// KeyFor hashes a session id and a segment URL into a cache key.
func KeyFor(sessionID, url string) Key {
	return blake2b.Sum256([]byte(sessionID + "\n" + url))
}

// Get returns the bytes stored for url in the given session.
//
// Behavior:
//   - If an entry exists and its TTL has not elapsed → returns the bytes and true.
//   - Otherwise → returns nil and false.
func (c *SegmentCache) Get(sessionID, url string) ([]byte, bool) {
	data, ok := c.store.GetIfPresent(KeyFor(sessionID, url))
	if ok {
		metrics.SegmentCache.WithLabelValues("hit").Inc()
	} else {
		metrics.SegmentCache.WithLabelValues("miss").Inc()
	}
	return data, ok
}

// Put stores data for url in the given session, replacing any previous entry
// and restarting its TTL.
func (c *SegmentCache) Put(sessionID, url string, data []byte) {
	c.store.Set(KeyFor(sessionID, url), data)
}

// Clear drops every entry.
func (c *SegmentCache) Clear() {
	c.store.InvalidateAll()
}

// Len is an estimate of the number of live entries.
func (c *SegmentCache) Len() int {
	return c.store.EstimatedSize()
}

// TTL returns the configured entry lifetime.
func (c *SegmentCache) TTL() time.Duration {
	return c.ttl
}

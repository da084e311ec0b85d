// Package cache implements the versioned snapshot cache shared by all UI
// surfaces. Entries are keyed per entity (extension or agent), carry a
// monotonic version, and are written through to a durable Store so a
// restart hydrates instead of showing empty state.
package cache

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// versionKey holds the persisted version counter within a namespace.
const versionKey = "__version"

// Entry is a read-only copy of a cached value.
type Entry[T any] struct {
	Key       string        `json:"key"`
	Payload   T             `json:"payload"`
	Version   uint64        `json:"version"`
	UpdatedAt time.Time     `json:"updatedAt"`
	TTL       time.Duration `json:"ttl,omitempty"`

	// Hydrated is set when the entry came from the durable store and has
	// not been confirmed by a network update yet.
	Hydrated bool `json:"hydrated,omitempty"`
}

// Expired reports whether the entry's TTL has passed at now.
func (e Entry[T]) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.UpdatedAt) >= e.TTL
}

// durableEntry is the JSON stored per key.
type durableEntry[T any] struct {
	Payload   T             `json:"payload"`
	Version   uint64        `json:"version"`
	UpdatedAt time.Time     `json:"updatedAt"`
	TTL       time.Duration `json:"ttl,omitempty"`
}

// Options configures a Cache.
type Options[T any] struct {
	// Namespace prefixes every durable key, e.g. "presence:".
	Namespace string

	// Store is the durable backing store. Nil keeps the cache in memory only.
	Store Store

	// TTL expires entries; zero disables expiry.
	TTL time.Duration

	// Fingerprint returns the canonical form used to detect no-op puts.
	// Nil falls back to the JSON encoding of the payload.
	Fingerprint func(T) string

	Now func() time.Time
	Log zerolog.Logger
}

// Cache is a key/value cache with read-through hydration, write-through
// persistence and explicit invalidation. It is safe for concurrent use.
type Cache[T any] struct {
	mu           sync.Mutex
	entries      map[string]Entry[T]
	fingerprints map[string]string
	version      uint64

	namespace   string
	store       Store
	ttl         time.Duration
	fingerprint func(T) string
	now         func() time.Time
	log         zerolog.Logger
}

// New creates a cache and restores its version counter from the store.
func New[T any](opts Options[T]) *Cache[T] {
	c := &Cache[T]{
		entries:      make(map[string]Entry[T]),
		fingerprints: make(map[string]string),
		namespace:    opts.Namespace,
		store:        opts.Store,
		ttl:          opts.TTL,
		fingerprint:  opts.Fingerprint,
		now:          opts.Now,
		log:          opts.Log.With().Str("component", "cache").Str("namespace", opts.Namespace).Logger(),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.fingerprint == nil {
		c.fingerprint = jsonFingerprint[T]
	}
	c.loadVersion()
	return c
}

func jsonFingerprint[T any](v T) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// ═══════════════════════════════════════════════════════════════════════════
// READ PATH
// ═══════════════════════════════════════════════════════════════════════════

// Get returns the entry for key. On a memory miss the durable copy, if
// any, is hydrated and returned with Hydrated set.
func (c *Cache[T]) Get(key string) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key, c.now())
}

// Entries returns all live in-memory entries sorted by key.
func (c *Cache[T]) Entries() []Entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]Entry[T], 0, len(c.entries))
	for _, e := range c.entries {
		if e.Expired(now) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Keys returns the live in-memory keys, sorted.
func (c *Cache[T]) Keys() []string {
	entries := c.Entries()
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// Version returns the latest version handed out by this cache.
func (c *Cache[T]) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// ═══════════════════════════════════════════════════════════════════════════
// WRITE PATH
// ═══════════════════════════════════════════════════════════════════════════

// Put stores payload under key and reports whether anything changed.
// A payload whose fingerprint matches the cached one does not bump the
// version. It still counts as a confirmation: the payload and UpdatedAt
// are refreshed in memory and in the durable copy, so a value that keeps
// being confirmed never expires.
func (c *Cache[T]) Put(key string, payload T) (Entry[T], bool) {
	fp := c.fingerprint(payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if cur, ok := c.lookupLocked(key, now); ok && c.fingerprints[key] == fp {
		cur.Payload = payload
		cur.UpdatedAt = now
		cur.TTL = c.ttl
		cur.Hydrated = false
		c.entries[key] = cur
		c.persistLocked(cur)
		return cur, false
	}

	c.version++
	e := Entry[T]{
		Key:       key,
		Payload:   payload,
		Version:   c.version,
		UpdatedAt: now,
		TTL:       c.ttl,
	}
	c.entries[key] = e
	c.fingerprints[key] = fp
	c.persistLocked(e)
	c.persistVersionLocked()

	return e, true
}

// Invalidate drops the entry and its durable copy. The next Get misses.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(key)
}

// Touch restarts the entry's TTL and re-persists it without a version
// bump. It reports false when the key is not cached.
func (c *Cache[T]) Touch(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.lookupLocked(key, now)
	if !ok {
		return false
	}
	e.UpdatedAt = now
	c.entries[key] = e
	c.persistLocked(e)
	return true
}

// PruneExpired evicts every expired in-memory entry and returns how many.
func (c *Cache[T]) PruneExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for key, e := range c.entries {
		if e.Expired(now) {
			c.evictLocked(key)
			n++
		}
	}
	return n
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func (c *Cache[T]) lookupLocked(key string, now time.Time) (Entry[T], bool) {
	if e, ok := c.entries[key]; ok {
		if e.Expired(now) {
			c.evictLocked(key)
			return Entry[T]{}, false
		}
		return e, true
	}
	return c.hydrateLocked(key, now)
}

func (c *Cache[T]) hydrateLocked(key string, now time.Time) (Entry[T], bool) {
	if c.store == nil {
		return Entry[T]{}, false
	}

	raw, ok, err := c.store.Get(c.namespace + key)
	if err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("durable read failed")
		return Entry[T]{}, false
	}
	if !ok {
		return Entry[T]{}, false
	}

	var d durableEntry[T]
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("discarding unreadable durable entry")
		_ = c.store.Remove(c.namespace + key)
		return Entry[T]{}, false
	}

	e := Entry[T]{
		Key:       key,
		Payload:   d.Payload,
		Version:   d.Version,
		UpdatedAt: d.UpdatedAt,
		TTL:       d.TTL,
		Hydrated:  true,
	}
	if e.Expired(now) {
		_ = c.store.Remove(c.namespace + key)
		return Entry[T]{}, false
	}

	// Never hand out a version at or below one a surface may already have seen.
	if e.Version > c.version {
		c.version = e.Version
	}
	c.entries[key] = e
	c.fingerprints[key] = c.fingerprint(e.Payload)
	return e, true
}

func (c *Cache[T]) evictLocked(key string) {
	delete(c.entries, key)
	delete(c.fingerprints, key)
	if c.store != nil {
		if err := c.store.Remove(c.namespace + key); err != nil {
			c.log.Debug().Err(err).Str("key", key).Msg("durable remove failed")
		}
	}
}

// persistLocked writes through best-effort; failures are logged and swallowed.
func (c *Cache[T]) persistLocked(e Entry[T]) {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(durableEntry[T]{
		Payload:   e.Payload,
		Version:   e.Version,
		UpdatedAt: e.UpdatedAt,
		TTL:       e.TTL,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("key", e.Key).Msg("failed to encode entry")
		return
	}
	if err := c.store.Set(c.namespace+e.Key, string(data)); err != nil {
		c.log.Debug().Err(err).Str("key", e.Key).Msg("durable write failed")
	}
}

func (c *Cache[T]) persistVersionLocked() {
	if c.store == nil {
		return
	}
	if err := c.store.Set(c.namespace+versionKey, strconv.FormatUint(c.version, 10)); err != nil {
		c.log.Debug().Err(err).Uint64("version", c.version).Msg("failed to persist version")
	}
}

func (c *Cache[T]) loadVersion() {
	if c.store == nil {
		return
	}
	raw, ok, err := c.store.Get(c.namespace + versionKey)
	if err != nil || !ok {
		return
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.log.Warn().Err(err).Msg("ignoring unreadable version counter")
		return
	}
	c.version = v
}

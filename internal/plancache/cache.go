// Package plancache maps normalized instructions to previously produced
// plans so repeated or near-duplicate requests skip the planner. Lookup is
// exact by fingerprint first, then approximate by cosine similarity over
// embeddings. The cache is bounded (LRU by last use) and entries expire
// after a TTL. Entries persist across restarts in a LevelDB database; a
// corrupt or partially written record is treated as absent, never fatal.
package plancache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/deskpilot/internal/types"
)

// Origin distinguishes how a lookup matched.
type Origin string

const (
	ExactHit    Origin = "exact"
	SemanticHit Origin = "semantic"
)

// Embedder produces a fixed-dimensional vector for a normalized instruction.
// Implementations are remote; failures are tolerated (exact-only storage).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CachedPlan is one cache entry. A nil Embedding marks an exact-only entry
// (embedding computation failed at insert); it is never a semantic hit.
type CachedPlan struct {
	Fingerprint string     `json:"fingerprint"`
	Normalized  string     `json:"normalized"`
	Embedding   []float32  `json:"embedding,omitempty"`
	Plan        types.Plan `json:"plan"`
	InsertedAt  time.Time  `json:"inserted_at"`
	LastUsedAt  time.Time  `json:"last_used_at"`
	UseCount    int        `json:"use_count"`
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Config bounds the cache.
type Config struct {
	MaxSize      int           // entry cap; LRU eviction beyond this
	SimThreshold float64       // cosine similarity cutoff; >= counts as a hit
	TTL          time.Duration // entries older than this (from InsertedAt) are absent
}

// Cache is the shared plan cache. Reader-writer discipline: lookups hold the
// read lock during the similarity scan; insert, evict, and expiry removal
// hold the write lock. N is bounded by MaxSize so the O(N) scan is acceptable.
type Cache struct {
	cfg      Config
	embedder Embedder
	store    *Store // nil when persistence is disabled
	log      *zap.Logger

	mu      sync.RWMutex
	entries map[string]*CachedPlan

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time // test seam
}

// New creates a Cache. store may be nil for an in-memory cache; when set,
// surviving entries are loaded from disk immediately.
func New(cfg Config, embedder Embedder, store *Store, log *zap.Logger) *Cache {
	c := &Cache{
		cfg:      cfg,
		embedder: embedder,
		store:    store,
		log:      log,
		entries:  make(map[string]*CachedPlan),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if store != nil {
		for _, cp := range store.loadAll(log) {
			if len(c.entries) >= cfg.MaxSize {
				break
			}
			c.entries[cp.Fingerprint] = cp
		}
		log.Info("plan cache loaded", zap.Int("entries", len(c.entries)))
	}
	return c
}

// Fingerprint derives the deterministic cache key from a normalized
// instruction. Logically equivalent instructions share a fingerprint.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Lookup resolves normalized to a cached plan. Exact fingerprint match wins;
// otherwise the embedding of normalized is compared against every live entry
// and the single best match at or above the similarity threshold is returned.
// Expired entries are treated as absent and lazily removed.
//
// Expectations:
//   - ExactHit updates the entry's last_used_at and use_count
//   - SemanticHit requires similarity >= threshold (equality counts)
//   - Entries with a nil embedding are never semantic hits
//   - A miss after Insert(x) for the same x only occurs if eviction or
//     expiry intervened
func (c *Cache) Lookup(ctx context.Context, normalized string) (types.Plan, Origin, bool) {
	fp := Fingerprint(normalized)
	now := c.now()

	c.mu.Lock()
	if cp, ok := c.entries[fp]; ok {
		if c.expired(cp, now) {
			c.removeLocked(fp)
		} else {
			cp.LastUsedAt = now
			cp.UseCount++
			c.hits++
			plan := cp.Plan
			c.mu.Unlock()
			c.persist(cp)
			return plan, ExactHit, true
		}
	}
	c.mu.Unlock()

	query, err := c.embedder.Embed(ctx, normalized)
	if err != nil {
		c.log.Warn("embedding failed during lookup; exact-only", zap.Error(err))
		c.miss()
		return types.Plan{}, "", false
	}

	var (
		best    *CachedPlan
		bestSim float64
		stale   []string
	)
	c.mu.RLock()
	for key, cp := range c.entries {
		if c.expired(cp, now) {
			stale = append(stale, key)
			continue
		}
		if cp.Embedding == nil {
			continue
		}
		sim := CosineSimilarity(query, cp.Embedding)
		if best == nil || sim > bestSim {
			best, bestSim = cp, sim
		}
	}
	c.mu.RUnlock()

	if len(stale) > 0 {
		c.mu.Lock()
		for _, key := range stale {
			c.removeLocked(key)
		}
		c.mu.Unlock()
	}

	if best == nil || bestSim < c.cfg.SimThreshold {
		c.miss()
		return types.Plan{}, "", false
	}

	c.mu.Lock()
	// The best entry can be evicted or expire between dropping the read lock
	// and here; revalidate before mutating so a hit is never counted (or a
	// record resurrected on disk) for an absent plan.
	cp, live := c.entries[best.Fingerprint]
	if !live || c.expired(cp, now) {
		c.misses++
		c.mu.Unlock()
		return types.Plan{}, "", false
	}
	cp.LastUsedAt = now
	cp.UseCount++
	c.hits++
	plan := cp.Plan
	c.mu.Unlock()
	c.persist(cp)
	return plan, SemanticHit, true
}

// Insert stores a plan for normalized. When embedding is nil it is computed
// here; an embedding failure falls back to exact-only storage and is never
// surfaced to the caller. At capacity the entry with the smallest
// last_used_at is evicted first.
func (c *Cache) Insert(ctx context.Context, normalized string, embedding []float32, plan types.Plan) {
	if embedding == nil {
		var err error
		embedding, err = c.embedder.Embed(ctx, normalized)
		if err != nil {
			c.log.Warn("embedding failed during insert; storing exact-only", zap.Error(err))
			embedding = nil
		}
	}

	now := c.now()
	cp := &CachedPlan{
		Fingerprint: Fingerprint(normalized),
		Normalized:  normalized,
		Embedding:   embedding,
		Plan:        plan,
		InsertedAt:  now,
		LastUsedAt:  now,
	}

	c.mu.Lock()
	if _, exists := c.entries[cp.Fingerprint]; !exists && len(c.entries) >= c.cfg.MaxSize {
		c.evictLRULocked()
	}
	c.entries[cp.Fingerprint] = cp
	c.mu.Unlock()
	c.persist(cp)
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Size:      len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Close flushes nothing (writes are synchronous) and releases the disk store.
func (c *Cache) Close() {
	if c.store != nil {
		c.store.close()
	}
}

func (c *Cache) expired(cp *CachedPlan, now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(cp.InsertedAt) > c.cfg.TTL
}

func (c *Cache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// evictLRULocked removes the entry with the smallest LastUsedAt.
// Caller holds the write lock.
func (c *Cache) evictLRULocked() {
	var victim string
	var oldest time.Time
	for key, cp := range c.entries {
		if victim == "" || cp.LastUsedAt.Before(oldest) {
			victim, oldest = key, cp.LastUsedAt
		}
	}
	if victim != "" {
		c.removeLocked(victim)
		c.evictions++
	}
}

// removeLocked deletes an entry from memory and disk. Caller holds the write lock.
func (c *Cache) removeLocked(fp string) {
	delete(c.entries, fp)
	if c.store != nil {
		c.store.delete(fp)
	}
}

func (c *Cache) persist(cp *CachedPlan) {
	if c.store == nil {
		return
	}
	if err := c.store.put(cp); err != nil {
		// CacheIO is logged, never raised: the in-memory entry stays valid.
		c.log.Warn("plan cache persist failed", zap.String("fingerprint", cp.Fingerprint), zap.Error(err))
	}
}

// CosineSimilarity computes the cosine of the angle between a and b.
// Returns 0 for mismatched dimensions or zero-magnitude vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

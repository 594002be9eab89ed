// Package semcache is a semantic cache over assembled contexts: a query
// whose embedding is near enough to a previously answered query reuses
// that answer.
package semcache

import (
	"container/list"
	"context"
	"math"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/model"
	registryembed "github.com/chirino/context-engine/internal/registry/embed"
)

const defaultMaxEntries = 256

type entry struct {
	query     string
	embedding []float32
	value     *model.AssembledContext
}

// Cache holds recently assembled contexts keyed by query embedding.
// Lookups scan linearly, which is fine at the bounded sizes it runs at.
type Cache struct {
	mu sync.Mutex

	embedder   registryembed.Embedder
	threshold  float64
	maxEntries int

	lru   *list.List // of *entry, most recent first
	byKey map[string]*list.Element

	hits   int64
	misses int64
}

// New creates a semantic cache. A similarity at or above threshold is a
// hit. maxEntries <= 0 uses the default bound.
func New(embedder registryembed.Embedder, threshold float64, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Cache{
		embedder:   embedder,
		threshold:  threshold,
		maxEntries: maxEntries,
		lru:        list.New(),
		byKey:      make(map[string]*list.Element),
	}
}

// Get returns a cached context for a query semantically close to an
// earlier one. An exact string match short-circuits the embedding call.
func (c *Cache) Get(ctx context.Context, query string) (*model.AssembledContext, bool) {
	c.mu.Lock()
	if el, ok := c.byKey[query]; ok {
		c.lru.MoveToFront(el)
		c.hits++
		v := el.Value.(*entry).value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	qvec, ok := c.embed(ctx, query)
	if !ok {
		c.miss()
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if cosine(qvec, e.embedding) >= c.threshold {
			c.lru.MoveToFront(el)
			c.hits++
			return e.value, true
		}
	}
	c.misses++
	return nil, false
}

// Put stores an assembled context under its query.
func (c *Cache) Put(ctx context.Context, query string, value *model.AssembledContext) {
	qvec, ok := c.embed(ctx, query)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, exists := c.byKey[query]; exists {
		el.Value.(*entry).value = value
		c.lru.MoveToFront(el)
		return
	}
	el := c.lru.PushFront(&entry{query: query, embedding: qvec, value: value})
	c.byKey[query] = el
	for c.lru.Len() > c.maxEntries {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.byKey, oldest.Value.(*entry).query)
	}
}

// Invalidate drops all entries. Called after ingest changes what an
// assembly would contain.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.byKey = make(map[string]*list.Element)
}

func (c *Cache) embed(ctx context.Context, query string) ([]float32, bool) {
	if c.embedder == nil {
		return nil, false
	}
	vectors, err := c.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		log.Debug("Semantic cache: embed failed, treating as miss", "err", err)
		return nil, false
	}
	return vectors[0], true
}

func (c *Cache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// HitRate reports hits, misses, and the hit ratio so far.
func (c *Cache) HitRate() (hits, misses int64, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return c.hits, c.misses, rate
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Package retrieval implements tier 3: an embedded document store with
// semantic, keyword and hybrid search, optional reranking, and a query
// result cache.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/model"
	registrydocindex "github.com/chirino/context-engine/internal/registry/docindex"
	registryembed "github.com/chirino/context-engine/internal/registry/embed"
	"github.com/chirino/context-engine/internal/token"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
)

// Strategy selects how a query is matched against the index.
type Strategy string

const (
	StrategySemantic Strategy = "semantic"
	StrategyKeyword  Strategy = "keyword"
	StrategyHybrid   Strategy = "hybrid"
)

// rrfK is the reciprocal rank fusion constant. Candidate lists are fetched
// at twice the requested depth so fusion has enough overlap to work with.
const rrfK = 60

// Rerank blend weights: the fused score dominates, term overlap refines.
const (
	rerankScoreWeight   = 0.7
	rerankOverlapWeight = 0.3
)

// Options tunes the index.
type Options struct {
	// MaxTokens caps how much retrieved text one render may emit.
	MaxTokens     int
	TopK          int
	Strategy      Strategy
	RerankEnabled bool
	RerankTopN    int
	CacheEnabled  bool
	CacheMaxCost  int64
}

// Stats describes the retrieval index state.
type Stats struct {
	Documents     int    `json:"documents"`
	Embedded      int    `json:"embedded"`
	CurrentTokens int    `json:"currentTokens"`
	Queries       int64  `json:"queries"`
	CacheHits     int64  `json:"cacheHits"`
	RemoteIndex   string `json:"remoteIndex,omitempty"`
}

// Index is the tier-3 retrieval store. Documents live in memory; when a
// remote DocumentIndex is configured, embeddings are mirrored there and
// semantic search is delegated to it.
type Index struct {
	mu sync.RWMutex

	counter  token.Counter
	embedder registryembed.Embedder      // nil disables semantic search
	remote   registrydocindex.DocumentIndex // nil or disabled falls back to local scan
	opts     Options

	docs  map[string]*model.Document
	order []string // insertion order, for deterministic iteration

	cache *ristretto.Cache[string, []model.RetrievalResult]

	currentTokens int
	queries       int64
	cacheHits     int64
}

// NewIndex creates a retrieval index. embedder and remote may be nil.
func NewIndex(counter token.Counter, embedder registryembed.Embedder, remote registrydocindex.DocumentIndex, opts Options) (*Index, error) {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 40000
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyHybrid
	}
	if opts.RerankTopN <= 0 {
		opts.RerankTopN = 5
	}
	idx := &Index{
		counter:  counter,
		embedder: embedder,
		remote:   remote,
		opts:     opts,
		docs:     make(map[string]*model.Document),
	}
	if opts.CacheEnabled {
		maxCost := opts.CacheMaxCost
		if maxCost <= 0 {
			maxCost = 64 << 20
		}
		cache, err := ristretto.NewCache(&ristretto.Config[string, []model.RetrievalResult]{
			NumCounters: 1e6,
			MaxCost:     maxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("query cache: %w", err)
		}
		idx.cache = cache
	}
	return idx, nil
}

// Ingest adds documents to the index, embedding them when an embedder is
// available and mirroring them to the remote index when one is enabled.
// Documents without an ID are assigned one.
func (x *Index) Ingest(ctx context.Context, docs []*model.Document) error {
	if len(docs) == 0 {
		return nil
	}
	for _, d := range docs {
		if strings.TrimSpace(d.Text) == "" {
			return model.Validationf("text", "document text is empty")
		}
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if d.Tokens == 0 {
			d.Tokens = x.counter.Count(d.Text)
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now()
		}
	}

	if x.embedder != nil {
		texts := make([]string, len(docs))
		for i, d := range docs {
			texts[i] = d.Text
		}
		vectors, err := x.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			log.Warn("Retrieval: batch embed failed, documents stored without vectors", "count", len(docs), "err", err)
		} else {
			for i, d := range docs {
				d.Embedding = vectors[i]
			}
		}
	}

	x.mu.Lock()
	for _, d := range docs {
		if _, exists := x.docs[d.ID]; !exists {
			x.order = append(x.order, d.ID)
		} else {
			x.currentTokens -= x.docs[d.ID].Tokens
		}
		x.docs[d.ID] = d
		x.currentTokens += d.Tokens
	}
	x.mu.Unlock()

	if x.remote != nil && x.remote.IsEnabled() && x.embedder != nil {
		reqs := make([]registrydocindex.UpsertRequest, 0, len(docs))
		for _, d := range docs {
			if d.Embedding == nil {
				continue
			}
			reqs = append(reqs, registrydocindex.UpsertRequest{
				DocumentID: d.ID,
				Embedding:  d.Embedding,
				Source:     d.Source,
				ModelName:  x.embedder.ModelName(),
			})
		}
		if len(reqs) > 0 {
			if err := x.remote.Upsert(ctx, reqs); err != nil {
				log.Warn("Retrieval: remote index upsert failed", "index", x.remote.Name(), "err", err)
			}
		}
	}
	return nil
}

// Search runs a query against the index. filters are metadata equality
// constraints applied before scoring. Filtered queries bypass the cache.
func (x *Index) Search(ctx context.Context, query string, topK int, strategy Strategy, filters map[string]any) ([]model.RetrievalResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, model.Validationf("query", "query is empty")
	}
	if topK <= 0 {
		topK = x.opts.TopK
	}
	if strategy == "" {
		strategy = x.opts.Strategy
	}

	x.mu.Lock()
	x.queries++
	x.mu.Unlock()

	cacheKey := ""
	if x.cache != nil && len(filters) == 0 {
		cacheKey = fmt.Sprintf("%s|%d|%s", query, topK, strategy)
		if cached, ok := x.cache.Get(cacheKey); ok {
			x.mu.Lock()
			x.cacheHits++
			x.mu.Unlock()
			return cached, nil
		}
	}

	candidates := x.candidates(filters)

	var results []model.RetrievalResult
	var err error
	switch strategy {
	case StrategySemantic:
		results, err = x.semantic(ctx, query, topK, candidates)
	case StrategyKeyword:
		results = x.keyword(query, topK, candidates)
	case StrategyHybrid:
		results, err = x.hybrid(ctx, query, topK, candidates)
	default:
		return nil, model.Validationf("strategy", "unknown strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}

	if x.opts.RerankEnabled && len(results) > x.opts.RerankTopN {
		results = x.rerank(query, results)
	}
	if len(results) > topK {
		results = results[:topK]
	}

	if cacheKey != "" {
		cost := int64(0)
		for _, r := range results {
			cost += int64(len(r.Document.Text))
		}
		x.cache.Set(cacheKey, results, cost+1)
	}
	return results, nil
}

// MultiSearch runs several queries and merges the results, deduplicating
// by document and keeping each document's best score.
func (x *Index) MultiSearch(ctx context.Context, queries []string, topK int, strategy Strategy) ([]model.RetrievalResult, error) {
	best := make(map[string]model.RetrievalResult)
	for _, q := range queries {
		results, err := x.Search(ctx, q, topK, strategy, nil)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if prev, ok := best[r.Document.ID]; !ok || r.Score > prev.Score {
				best[r.Document.ID] = r
			}
		}
	}
	merged := make([]model.RetrievalResult, 0, len(best))
	for _, r := range best {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Document.ID < merged[j].Document.ID
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}
	for i := range merged {
		merged[i].Rank = i + 1
	}
	return merged, nil
}

// candidates returns documents passing the metadata equality filters, in
// insertion order.
func (x *Index) candidates(filters map[string]any) []*model.Document {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*model.Document, 0, len(x.order))
	for _, id := range x.order {
		d := x.docs[id]
		if matchesFilters(d, filters) {
			out = append(out, d)
		}
	}
	return out
}

func matchesFilters(d *model.Document, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := d.Metadata[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// semantic ranks candidates by embedding similarity. When the remote index
// is available and no filters narrowed the candidate set, it serves the
// query; otherwise a local cosine scan does, with results tagged so
// degraded operation is visible.
func (x *Index) semantic(ctx context.Context, query string, topK int, candidates []*model.Document) ([]model.RetrievalResult, error) {
	if x.embedder == nil {
		return x.keyword(query, topK, candidates), nil
	}
	vectors, err := x.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		log.Warn("Retrieval: query embed failed, falling back to keyword", "err", err)
		return x.keyword(query, topK, candidates), nil
	}
	qvec := vectors[0]

	if x.remote != nil && x.remote.IsEnabled() && len(candidates) == x.documentCount() {
		hits, err := x.remote.Search(ctx, qvec, topK)
		if err == nil {
			return x.resolve(hits, "semantic"), nil
		}
		log.Warn("Retrieval: remote search failed, using local scan", "index", x.remote.Name(), "err", err)
	}

	type scored struct {
		doc   *model.Document
		score float64
	}
	var all []scored
	for _, d := range candidates {
		if d.Embedding == nil {
			continue
		}
		all = append(all, scored{d, cosine(qvec, d.Embedding)})
	}
	// Ties break on document ID so rankings do not depend on ingest order.
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].doc.ID < all[j].doc.ID
	})
	if len(all) > topK {
		all = all[:topK]
	}
	out := make([]model.RetrievalResult, len(all))
	for i, s := range all {
		out[i] = model.RetrievalResult{Document: s.doc, Score: s.score, Rank: i + 1, Method: "local-scan"}
	}
	return out, nil
}

// keyword ranks candidates by the fraction of query terms each document
// contains.
func (x *Index) keyword(query string, topK int, candidates []*model.Document) []model.RetrievalResult {
	terms := termSet(query)
	if len(terms) == 0 {
		return nil
	}
	type scored struct {
		doc   *model.Document
		score float64
	}
	var all []scored
	for _, d := range candidates {
		docTerms := termSet(d.Text)
		matched := 0
		for t := range terms {
			if _, ok := docTerms[t]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		all = append(all, scored{d, float64(matched) / float64(len(terms))})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].doc.ID < all[j].doc.ID
	})
	if len(all) > topK {
		all = all[:topK]
	}
	out := make([]model.RetrievalResult, len(all))
	for i, s := range all {
		out[i] = model.RetrievalResult{Document: s.doc, Score: s.score, Rank: i + 1, Method: "keyword"}
	}
	return out
}

// hybrid fuses semantic and keyword rankings with reciprocal rank fusion.
// Each list is fetched at double depth before fusing.
func (x *Index) hybrid(ctx context.Context, query string, topK int, candidates []*model.Document) ([]model.RetrievalResult, error) {
	sem, err := x.semantic(ctx, query, topK*2, candidates)
	if err != nil {
		return nil, err
	}
	kw := x.keyword(query, topK*2, candidates)

	fused := make(map[string]float64)
	docs := make(map[string]*model.Document)
	for _, list := range [][]model.RetrievalResult{sem, kw} {
		for _, r := range list {
			fused[r.Document.ID] += 1.0 / float64(rrfK+r.Rank)
			docs[r.Document.ID] = r.Document
		}
	}

	ids := make([]string, 0, len(fused))
	for id := range fused {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if fused[ids[i]] != fused[ids[j]] {
			return fused[ids[i]] > fused[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > topK {
		ids = ids[:topK]
	}
	out := make([]model.RetrievalResult, len(ids))
	for i, id := range ids {
		out[i] = model.RetrievalResult{Document: docs[id], Score: fused[id], Rank: i + 1, Method: "hybrid"}
	}
	return out, nil
}

// rerank blends each result's score with its query term overlap, then
// re-sorts and re-ranks. It rescores up to RerankTopN*2 candidates; the
// caller caps the final list at topK.
func (x *Index) rerank(query string, results []model.RetrievalResult) []model.RetrievalResult {
	n := x.opts.RerankTopN * 2
	if len(results) > n {
		results = results[:n]
	}
	terms := termSet(query)
	reranked := make([]model.RetrievalResult, len(results))
	copy(reranked, results)
	for i, r := range reranked {
		overlap := 0.0
		if len(terms) > 0 {
			docTerms := termSet(r.Document.Text)
			matched := 0
			for t := range terms {
				if _, ok := docTerms[t]; ok {
					matched++
				}
			}
			overlap = float64(matched) / float64(len(terms))
		}
		reranked[i].Score = rerankScoreWeight*r.Score + rerankOverlapWeight*overlap
	}
	sort.SliceStable(reranked, func(i, j int) bool { return reranked[i].Score > reranked[j].Score })
	for i := range reranked {
		reranked[i].Rank = i + 1
	}
	return reranked
}

// resolve maps remote search hits back to local documents, dropping any
// the local store no longer knows.
func (x *Index) resolve(hits []registrydocindex.SearchResult, method string) []model.RetrievalResult {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]model.RetrievalResult, 0, len(hits))
	for _, h := range hits {
		d, ok := x.docs[h.DocumentID]
		if !ok {
			continue
		}
		out = append(out, model.RetrievalResult{Document: d, Score: h.Score, Rank: len(out) + 1, Method: method})
	}
	return out
}

// Render searches for the query and packs whole documents in rank order
// into a context block no larger than availableTokens, bounded by the
// tier's own ceiling. Packing stops at the first document that would
// overflow; documents are never split.
func (x *Index) Render(ctx context.Context, query string, availableTokens int) (string, error) {
	if availableTokens <= 0 || availableTokens > x.opts.MaxTokens {
		availableTokens = x.opts.MaxTokens
	}
	results, err := x.Search(ctx, query, x.opts.TopK, x.opts.Strategy, nil)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}
	header := "=== Retrieved Knowledge ===\n"
	used := x.counter.Count(header)
	var b strings.Builder
	b.WriteString(header)
	wrote := false
	for _, r := range results {
		entry := fmt.Sprintf("\n[Source: %s | Relevance: %.2f]\n%s\n", sourceOf(r.Document), r.Score, r.Document.Text)
		cost := x.counter.Count(entry)
		if used+cost > availableTokens {
			break
		}
		b.WriteString(entry)
		used += cost
		wrote = true
	}
	if !wrote {
		return "", nil
	}
	return b.String(), nil
}

func sourceOf(d *model.Document) string {
	if d.Source != "" {
		return d.Source
	}
	return "unknown"
}

// Get returns a document by ID.
func (x *Index) Get(id string) (*model.Document, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	d, ok := x.docs[id]
	return d, ok
}

// Documents returns all documents in insertion order, for snapshots.
func (x *Index) Documents() []*model.Document {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*model.Document, 0, len(x.order))
	for _, id := range x.order {
		out = append(out, x.docs[id])
	}
	return out
}

// Import replaces the index contents, for snapshot restore. Embeddings
// are regenerated lazily on the next ingest; cached query results are
// not invalidated and expire by cache pressure.
func (x *Index) Import(docs []*model.Document) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs = make(map[string]*model.Document, len(docs))
	x.order = x.order[:0]
	x.currentTokens = 0
	for _, d := range docs {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if _, exists := x.docs[d.ID]; !exists {
			x.order = append(x.order, d.ID)
		}
		x.docs[d.ID] = d
		x.currentTokens += d.Tokens
	}
}

// Pending returns documents that still lack an embedding, up to limit.
// The background indexer drains this.
func (x *Index) Pending(limit int) []*model.Document {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []*model.Document
	for _, id := range x.order {
		d := x.docs[id]
		if d.Embedding == nil {
			out = append(out, d)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// SetEmbeddings records embeddings produced out of band, keyed by document ID.
func (x *Index) SetEmbeddings(vectors map[string][]float32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, v := range vectors {
		if d, ok := x.docs[id]; ok {
			d.Embedding = v
		}
	}
}

func (x *Index) documentCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Stats returns the current tier statistics.
func (x *Index) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	embedded := 0
	for _, d := range x.docs {
		if d.Embedding != nil {
			embedded++
		}
	}
	s := Stats{
		Documents:     len(x.docs),
		Embedded:      embedded,
		CurrentTokens: x.currentTokens,
		Queries:       x.queries,
		CacheHits:     x.cacheHits,
	}
	if x.remote != nil && x.remote.IsEnabled() {
		s.RemoteIndex = x.remote.Name()
	}
	return s
}

// Close releases cache resources.
func (x *Index) Close() {
	if x.cache != nil {
		x.cache.Close()
	}
}

// termSet splits text into its lowercased whitespace-delimited words.
// Query and document scoring both intersect these whole-word sets.
func termSet(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, t := range strings.Fields(strings.ToLower(text)) {
		terms[t] = struct{}{}
	}
	return terms
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

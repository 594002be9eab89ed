// Package orchestrator coordinates the four memory tiers: it routes
// ingested turns, divides the token budget per query, and assembles the
// final context payload.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/model"
	"github.com/chirino/context-engine/internal/semcache"
	"github.com/chirino/context-engine/internal/tier/active"
	"github.com/chirino/context-engine/internal/tier/compressed"
	"github.com/chirino/context-engine/internal/tier/entity"
	"github.com/chirino/context-engine/internal/tier/retrieval"
	"github.com/chirino/context-engine/internal/token"
)

// Options tunes the orchestrator.
type Options struct {
	TokenBudget           int
	SystemPromptReserve   int
	ConsolidationInterval int
	ConsolidationMinBatch int
	KeepRecentAfterTrim   int
	TierCallTimeout       time.Duration
}

func (o *Options) defaults() {
	if o.TokenBudget <= 0 {
		o.TokenBudget = 100000
	}
	if o.SystemPromptReserve <= 0 {
		o.SystemPromptReserve = 500
	}
	if o.ConsolidationInterval <= 0 {
		o.ConsolidationInterval = 10
	}
	if o.ConsolidationMinBatch <= 0 {
		o.ConsolidationMinBatch = 5
	}
	if o.KeepRecentAfterTrim <= 0 {
		o.KeepRecentAfterTrim = 5
	}
	if o.TierCallTimeout <= 0 {
		o.TierCallTimeout = 2 * time.Second
	}
}

// Stats aggregates per-tier statistics with orchestrator counters.
type Stats struct {
	Turns        int64            `json:"turns"`
	Assemblies   int64            `json:"assemblies"`
	CacheHits    int64            `json:"cacheHits,omitempty"`
	CacheMisses  int64            `json:"cacheMisses,omitempty"`
	CacheHitRate float64          `json:"cacheHitRate,omitempty"`
	Active       active.Stats     `json:"active"`
	Compressed   compressed.Stats `json:"compressed"`
	Retrieval    retrieval.Stats  `json:"retrieval"`
	Entities     entity.Stats     `json:"entities"`
}

// Orchestrator owns the four tiers and the cross-tier workflows.
type Orchestrator struct {
	counter   token.Counter
	window    *active.Window
	memory    *compressed.Manager
	index     *retrieval.Index
	graph     *entity.Graph
	extractor *entity.Extractor
	cache     *semcache.Cache // nil disables the semantic cache
	opts      Options

	mu         sync.Mutex
	turnCount  int64
	assemblies int64
	background sync.WaitGroup
}

// New wires the tiers into an orchestrator. cache may be nil.
func New(counter token.Counter, window *active.Window, memory *compressed.Manager, index *retrieval.Index, graph *entity.Graph, extractor *entity.Extractor, cache *semcache.Cache, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		counter:   counter,
		window:    window,
		memory:    memory,
		index:     index,
		graph:     graph,
		extractor: extractor,
		cache:     cache,
		opts:      opts,
	}
}

// IngestTurn appends a turn to the active window and returns it
// immediately. Entity extraction and periodic consolidation run in the
// background so ingest latency stays at tier-1 cost.
func (o *Orchestrator) IngestTurn(ctx context.Context, role model.Role, text string, importance float64, attrs model.Attributes) (*model.Turn, error) {
	t, err := o.window.Append(ctx, role, text, importance, attrs)
	if err != nil {
		return nil, err
	}
	metricTurnsIngested.Inc()

	o.mu.Lock()
	o.turnCount++
	count := o.turnCount
	o.mu.Unlock()

	consolidate := count%int64(o.opts.ConsolidationInterval) == 0

	// Background work outlives the request but not the tier-call timeout,
	// so a stalled completion cannot block Drain.
	o.background.Add(1)
	go func(bgCtx context.Context) {
		defer o.background.Done()
		if role != model.RoleSystem {
			tctx, cancel := context.WithTimeout(bgCtx, o.opts.TierCallTimeout)
			o.extractFrom(tctx, text)
			cancel()
		}
		if consolidate {
			tctx, cancel := context.WithTimeout(bgCtx, o.opts.TierCallTimeout)
			o.consolidate(tctx)
			cancel()
		}
		if o.cache != nil {
			o.cache.Invalidate()
		}
	}(context.WithoutCancel(ctx))

	return t, nil
}

// extractFrom mines one turn's text for entities, relationships and
// preferences and merges them into the graph.
func (o *Orchestrator) extractFrom(ctx context.Context, text string) {
	ex := o.extractor.Extract(ctx, text)
	for _, e := range ex.Entities {
		if _, err := o.graph.UpsertEntity(ctx, e.Name, e.Type, e.Attributes, 0.5); err != nil {
			log.Debug("Orchestrator: skipped extracted entity", "name", e.Name, "err", err)
		}
	}
	for _, r := range ex.Relationships {
		if _, err := o.graph.UpsertRelationship(ctx, r.From, r.To, r.Type, r.Strength); err != nil {
			log.Debug("Orchestrator: skipped extracted relationship", "type", r.Type, "err", err)
		}
	}
	for _, p := range ex.Preferences {
		if _, err := o.graph.SetPreference(ctx, p.Key, p.Value, p.Confidence); err != nil {
			log.Debug("Orchestrator: skipped extracted preference", "key", p.Key, "err", err)
		}
	}
	if n := len(ex.Entities); n > 0 {
		metricEntitiesExtracted.Add(float64(n))
	}
}

// consolidate compresses the window's older turns into tier 2 and trims
// the window down to its recent tail. A batch too small to be worth
// summarizing is left alone until the next interval.
func (o *Orchestrator) consolidate(ctx context.Context) {
	batch := o.window.ExportBatch()
	if len(batch) <= o.opts.ConsolidationMinBatch {
		return
	}
	if _, err := o.memory.Consolidate(ctx, batch); err != nil {
		log.Error("Orchestrator: consolidation failed, window left intact", "turns", len(batch), "err", err)
		return
	}
	o.window.TrimTo(ctx, o.opts.KeepRecentAfterTrim)
	metricConsolidations.Inc()
	log.Info("Orchestrator: consolidated window into compressed memory", "turns", len(batch), "kept", o.opts.KeepRecentAfterTrim)
}

// IngestDocument adds external knowledge to the retrieval tier.
func (o *Orchestrator) IngestDocument(ctx context.Context, docs []*model.Document) error {
	if err := o.index.Ingest(ctx, docs); err != nil {
		return err
	}
	if o.cache != nil {
		o.cache.Invalidate()
	}
	metricDocumentsIngested.Add(float64(len(docs)))
	return nil
}

// SetPreference records a user preference in the entity graph.
func (o *Orchestrator) SetPreference(ctx context.Context, key, value string, confidence float64) (*model.Preference, error) {
	p, err := o.graph.SetPreference(ctx, key, value, confidence)
	if err != nil {
		return nil, err
	}
	if o.cache != nil {
		o.cache.Invalidate()
	}
	return p, nil
}

// AssembleContext builds the context payload for one query: it splits the
// token budget across the tiers based on query intent, renders all four
// in parallel under a per-tier timeout, and packs the results. A slow or
// failing tier contributes nothing and is marked degraded; assembly
// itself only fails on invalid input.
func (o *Orchestrator) AssembleContext(ctx context.Context, query string, maxTokens int) (*model.AssembledContext, error) {
	if strings.TrimSpace(query) == "" {
		return nil, model.Validationf("query", "query is empty")
	}
	if maxTokens <= 0 {
		maxTokens = o.opts.TokenBudget
	}

	if o.cache != nil {
		if cached, ok := o.cache.Get(ctx, query); ok {
			metricCacheHits.Inc()
			return cached, nil
		}
	}

	start := time.Now()
	relevant := o.graph.RelevantEntities(query, 3)
	budget := o.budgetFor(query, maxTokens, len(relevant) > 0)

	results := make([]model.TierPayload, 4)
	var wg sync.WaitGroup
	run := func(i int, tier model.TierName, fn func(context.Context) (string, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(ctx, o.opts.TierCallTimeout)
			defer cancel()
			text, err := fn(tctx)
			p := model.TierPayload{Tier: tier, Text: text, Tokens: o.counter.Count(text)}
			if err != nil {
				log.Warn("Orchestrator: tier render failed, omitting", "tier", tier, "err", err)
				p = model.TierPayload{Tier: tier, Degraded: true}
			} else if tctx.Err() != nil {
				p.Degraded = true
			}
			results[i] = p
		}()
	}

	run(0, model.TierActive, func(context.Context) (string, error) {
		return o.window.RenderBudgeted(budget.Active, true), nil
	})
	run(1, model.TierCompressed, func(context.Context) (string, error) {
		return o.memory.RenderSummary(budget.Compressed), nil
	})
	run(2, model.TierRetrieval, func(tctx context.Context) (string, error) {
		return o.index.Render(tctx, query, budget.Retrieval)
	})
	run(3, model.TierPersistent, func(context.Context) (string, error) {
		return o.graph.Render(budget.Persistent), nil
	})
	wg.Wait()

	assembled := &model.AssembledContext{Budget: budget}
	for _, p := range results {
		if p.Degraded {
			metricTierDegraded.WithLabelValues(string(p.Tier)).Inc()
		}
		if p.Text == "" {
			continue
		}
		assembled.Payloads = append(assembled.Payloads, p)
	}

	assembled.SystemPrompt = o.systemPrompt(assembled, budget.SystemPrompt)
	assembled.TotalTokens = o.counter.Count(assembled.SystemPrompt)
	for _, p := range assembled.Payloads {
		assembled.TotalTokens += p.Tokens
	}

	o.mu.Lock()
	o.assemblies++
	o.mu.Unlock()
	metricAssemblyDuration.Observe(time.Since(start).Seconds())

	if o.cache != nil {
		o.cache.Put(ctx, query, assembled)
	}
	return assembled, nil
}

// systemPrompt tells the downstream model what memory it is working with,
// listing only the tiers that actually contributed.
func (o *Orchestrator) systemPrompt(a *model.AssembledContext, reserve int) string {
	var b strings.Builder
	b.WriteString("You are an assistant with layered conversation memory. Available context:\n")
	if a.Payload(model.TierActive) != nil {
		b.WriteString("- Recent conversation turns\n")
	}
	if a.Payload(model.TierCompressed) != nil {
		b.WriteString("- Summaries of earlier conversation\n")
	}
	if a.Payload(model.TierRetrieval) != nil {
		b.WriteString("- Knowledge retrieved for this query\n")
	}
	if a.Payload(model.TierPersistent) != nil {
		b.WriteString("- Long-term entities and user preferences\n")
	}
	b.WriteString("Prefer the most recent information when sources conflict.")
	return o.counter.Truncate(b.String(), reserve)
}

// Stats reports orchestrator counters and per-tier statistics.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	turns, assemblies := o.turnCount, o.assemblies
	o.mu.Unlock()
	s := Stats{
		Turns:      turns,
		Assemblies: assemblies,
		Active:     o.window.Stats(),
		Compressed: o.memory.Stats(),
		Retrieval:  o.index.Stats(),
		Entities:   o.graph.Stats(),
	}
	if o.cache != nil {
		s.CacheHits, s.CacheMisses, s.CacheHitRate = o.cache.HitRate()
	}
	return s
}

// Drain waits for in-flight background work (extraction, consolidation)
// to finish. Called on shutdown.
func (o *Orchestrator) Drain() {
	o.background.Wait()
}

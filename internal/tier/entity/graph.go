// Package entity implements tier 4: a long-term graph of entities,
// relationships and user preferences, held in memory with best-effort
// durable persistence behind it.
package entity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/model"
	registrygraph "github.com/chirino/context-engine/internal/registry/graph"
	"github.com/chirino/context-engine/internal/token"
	"github.com/google/uuid"
)

const (
	renderPreferences   = 5
	renderEntities      = 5
	renderRelationships = 5
	relevantTopN        = 3
)

// Direction selects which relationship edges to walk.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// Stats describes the entity graph state.
type Stats struct {
	Entities      int    `json:"entities"`
	Relationships int    `json:"relationships"`
	Preferences   int    `json:"preferences"`
	Store         string `json:"store,omitempty"`
}

// Graph is the tier-4 entity graph. The in-memory state is authoritative;
// the optional GraphStore receives asynchronous best-effort writes and is
// only read on restore.
type Graph struct {
	mu sync.RWMutex

	counter   token.Counter
	maxTokens int
	store     registrygraph.GraphStore // nil disables persistence

	entities map[string]*model.Entity // by ID
	byName   map[string]string        // lowercase name -> ID
	rels     map[string]*model.Relationship
	outgoing map[string][]string // entity ID -> relationship keys
	incoming map[string][]string
	prefs    map[string]*model.Preference
}

// NewGraph creates an entity graph. maxTokens caps how much of the
// graph one render may emit; store may be nil.
func NewGraph(counter token.Counter, maxTokens int, store registrygraph.GraphStore) *Graph {
	if maxTokens <= 0 {
		maxTokens = 6000
	}
	return &Graph{
		counter:   counter,
		maxTokens: maxTokens,
		store:     store,
		entities:  make(map[string]*model.Entity),
		byName:    make(map[string]string),
		rels:      make(map[string]*model.Relationship),
		outgoing:  make(map[string][]string),
		incoming:  make(map[string][]string),
		prefs:     make(map[string]*model.Preference),
	}
}

// UpsertEntity adds an entity or merges into an existing one matched by
// case-insensitive name: the mention count increments, attributes merge
// with the new values winning, last-seen advances, and importance keeps
// the higher value.
func (g *Graph) UpsertEntity(ctx context.Context, name, entityType string, attrs model.Attributes, importance float64) (*model.Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, model.Validationf("name", "entity name is empty")
	}
	if importance < 0 || importance > 1 {
		return nil, model.Validationf("importance", "importance %v outside [0, 1]", importance)
	}

	g.mu.Lock()
	key := strings.ToLower(name)
	now := time.Now()
	e, exists := g.entityByKeyLocked(key)
	if exists {
		e.MentionCount++
		e.LastSeen = now
		e.Attributes = e.Attributes.Merge(attrs)
		if importance > e.Importance {
			e.Importance = importance
		}
		if entityType != "" && e.Type == "" {
			e.Type = entityType
		}
	} else {
		e = &model.Entity{
			ID:           uuid.NewString(),
			Name:         name,
			Type:         entityType,
			Attributes:   attrs,
			FirstSeen:    now,
			LastSeen:     now,
			MentionCount: 1,
			Importance:   importance,
		}
		g.entities[e.ID] = e
		g.byName[key] = e.ID
	}
	snapshot := *e
	g.mu.Unlock()

	g.persist(ctx, func(ctx context.Context, s registrygraph.GraphStore) error {
		return s.SaveEntity(ctx, &snapshot)
	})
	return e, nil
}

func (g *Graph) entityByKeyLocked(key string) (*model.Entity, bool) {
	id, ok := g.byName[key]
	if !ok {
		return nil, false
	}
	return g.entities[id], true
}

// UpsertRelationship records a typed edge between two entities, creating
// either endpoint if it is not yet known. An existing edge with the same
// endpoints and type absorbs the new one: strength becomes the average of
// old and new.
func (g *Graph) UpsertRelationship(ctx context.Context, from, to, relType string, strength float64) (*model.Relationship, error) {
	if strings.TrimSpace(relType) == "" {
		return nil, model.Validationf("type", "relationship type is empty")
	}
	if strength < 0 || strength > 1 {
		return nil, model.Validationf("strength", "strength %v outside [0, 1]", strength)
	}
	fromEnt, err := g.UpsertEntity(ctx, from, "", nil, 0.5)
	if err != nil {
		return nil, err
	}
	toEnt, err := g.UpsertEntity(ctx, to, "", nil, 0.5)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	key := relKey(fromEnt.ID, toEnt.ID, relType)
	now := time.Now()
	r, exists := g.rels[key]
	if exists {
		r.Strength = (r.Strength + strength) / 2
		r.UpdatedAt = now
	} else {
		r = &model.Relationship{
			ID:        uuid.NewString(),
			From:      fromEnt.ID,
			To:        toEnt.ID,
			Type:      relType,
			Strength:  strength,
			CreatedAt: now,
			UpdatedAt: now,
		}
		g.rels[key] = r
		g.outgoing[fromEnt.ID] = append(g.outgoing[fromEnt.ID], key)
		g.incoming[toEnt.ID] = append(g.incoming[toEnt.ID], key)
	}
	snapshot := *r
	g.mu.Unlock()

	g.persist(ctx, func(ctx context.Context, s registrygraph.GraphStore) error {
		return s.SaveRelationship(ctx, &snapshot)
	})
	return r, nil
}

func relKey(from, to, relType string) string {
	return from + "|" + to + "|" + strings.ToLower(relType)
}

// SetPreference records a user preference; the latest write for a key wins.
func (g *Graph) SetPreference(ctx context.Context, key, value string, confidence float64) (*model.Preference, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, model.Validationf("key", "preference key is empty")
	}
	if confidence < 0 || confidence > 1 {
		return nil, model.Validationf("confidence", "confidence %v outside [0, 1]", confidence)
	}
	p := &model.Preference{Key: key, Value: value, Confidence: confidence, UpdatedAt: time.Now()}

	g.mu.Lock()
	g.prefs[strings.ToLower(key)] = p
	snapshot := *p
	g.mu.Unlock()

	g.persist(ctx, func(ctx context.Context, s registrygraph.GraphStore) error {
		return s.SavePreference(ctx, &snapshot)
	})
	return p, nil
}

// persist runs a best-effort store write in the background. Failures are
// logged, never surfaced.
func (g *Graph) persist(ctx context.Context, fn func(context.Context, registrygraph.GraphStore) error) {
	if g.store == nil {
		return
	}
	go func() {
		if err := fn(context.WithoutCancel(ctx), g.store); err != nil {
			log.Error("Entity graph: store write failed", "store", g.store.Name(), "err", err)
		}
	}()
}

// FindByName looks up an entity by case-insensitive name.
func (g *Graph) FindByName(name string) (*model.Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entityByKeyLocked(strings.ToLower(strings.TrimSpace(name)))
	if !ok {
		return nil, false
	}
	snapshot := *e
	return &snapshot, true
}

// RelationshipsOf returns the edges touching the named entity in the
// given direction.
func (g *Graph) RelationshipsOf(name string, dir Direction) []*model.Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entityByKeyLocked(strings.ToLower(strings.TrimSpace(name)))
	if !ok {
		return nil
	}
	var keys []string
	switch dir {
	case DirectionOut:
		keys = g.outgoing[e.ID]
	case DirectionIn:
		keys = g.incoming[e.ID]
	default:
		keys = append(append([]string{}, g.outgoing[e.ID]...), g.incoming[e.ID]...)
	}
	out := make([]*model.Relationship, 0, len(keys))
	for _, k := range keys {
		r := *g.rels[k]
		out = append(out, &r)
	}
	return out
}

// Connected walks the graph breadth-first from the named entity,
// following edges in both directions, and returns the visited set: the
// start entity plus every entity reachable within maxDepth hops.
func (g *Graph) Connected(name string, maxDepth int) []*model.Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	start, ok := g.entityByKeyLocked(strings.ToLower(strings.TrimSpace(name)))
	if !ok {
		return nil
	}
	visited := map[string]bool{start.ID: true}
	frontier := []string{start.ID}
	origin := *start
	found := []*model.Entity{&origin}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, k := range g.outgoing[id] {
				next = g.visit(g.rels[k].To, visited, next, &found)
			}
			for _, k := range g.incoming[id] {
				next = g.visit(g.rels[k].From, visited, next, &found)
			}
		}
		frontier = next
	}
	return found
}

func (g *Graph) visit(id string, visited map[string]bool, next []string, found *[]*model.Entity) []string {
	if visited[id] {
		return next
	}
	visited[id] = true
	if e, ok := g.entities[id]; ok {
		snapshot := *e
		*found = append(*found, &snapshot)
	}
	return append(next, id)
}

// RelevantEntities scores every entity against the query as the fraction
// of query terms appearing in its name, weighted by its importance, and
// returns the top matches.
func (g *Graph) RelevantEntities(query string, topN int) []*model.Entity {
	if topN <= 0 {
		topN = relevantTopN
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	type scored struct {
		e     *model.Entity
		score float64
	}
	var all []scored
	for _, e := range g.entities {
		nameLower := strings.ToLower(e.Name)
		matched := 0
		for _, t := range terms {
			if strings.Contains(nameLower, t) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		score := float64(matched) / float64(len(terms)) * e.Importance
		all = append(all, scored{e, score})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].e.Name < all[j].e.Name
	})
	if len(all) > topN {
		all = all[:topN]
	}
	out := make([]*model.Entity, len(all))
	for i, s := range all {
		snapshot := *s.e
		out[i] = &snapshot
	}
	return out
}

// Render formats preferences and the most important entities into a
// context block no larger than availableTokens, bounded by the tier's
// own ceiling.
func (g *Graph) Render(availableTokens int) string {
	if availableTokens <= 0 || availableTokens > g.maxTokens {
		availableTokens = g.maxTokens
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.entities) == 0 && len(g.prefs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("=== Long-Term Memory ===\n")

	if len(g.prefs) > 0 {
		prefs := make([]*model.Preference, 0, len(g.prefs))
		for _, p := range g.prefs {
			prefs = append(prefs, p)
		}
		sort.Slice(prefs, func(i, j int) bool {
			if prefs[i].Confidence != prefs[j].Confidence {
				return prefs[i].Confidence > prefs[j].Confidence
			}
			return prefs[i].Key < prefs[j].Key
		})
		if len(prefs) > renderPreferences {
			prefs = prefs[:renderPreferences]
		}
		b.WriteString("\nUser Preferences:\n")
		for _, p := range prefs {
			fmt.Fprintf(&b, "- %s: %s\n", p.Key, p.Value)
		}
	}

	if len(g.entities) > 0 {
		entities := make([]*model.Entity, 0, len(g.entities))
		for _, e := range g.entities {
			entities = append(entities, e)
		}
		sort.Slice(entities, func(i, j int) bool {
			if entities[i].Importance != entities[j].Importance {
				return entities[i].Importance > entities[j].Importance
			}
			if entities[i].MentionCount != entities[j].MentionCount {
				return entities[i].MentionCount > entities[j].MentionCount
			}
			return entities[i].Name < entities[j].Name
		})
		if len(entities) > renderEntities {
			entities = entities[:renderEntities]
		}
		b.WriteString("\nKnown Entities:\n")
		for _, e := range entities {
			if e.Type != "" {
				fmt.Fprintf(&b, "- %s (%s)\n", e.Name, e.Type)
			} else {
				fmt.Fprintf(&b, "- %s\n", e.Name)
			}
			keys := g.outgoing[e.ID]
			for i, k := range keys {
				if i == renderRelationships {
					break
				}
				r := g.rels[k]
				if target, ok := g.entities[r.To]; ok {
					fmt.Fprintf(&b, "  %s %s\n", r.Type, target.Name)
				}
			}
		}
	}

	out := b.String()
	if g.counter.Count(out) > availableTokens {
		out = g.counter.Truncate(out, availableTokens)
	}
	return out
}

// Subgraph returns the entities and edges reachable from the named entity
// within maxDepth hops, including the start entity.
func (g *Graph) Subgraph(name string, maxDepth int) ([]*model.Entity, []*model.Relationship) {
	entities := g.Connected(name, maxDepth)
	if len(entities) == 0 {
		return nil, nil
	}
	in := make(map[string]bool, len(entities))
	for _, e := range entities {
		in[e.ID] = true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	var rels []*model.Relationship
	for _, r := range g.rels {
		if in[r.From] && in[r.To] {
			snapshot := *r
			rels = append(rels, &snapshot)
		}
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
	return entities, rels
}

// Export returns the full graph contents, for snapshots.
func (g *Graph) Export() ([]*model.Entity, []*model.Relationship, []*model.Preference) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entities := make([]*model.Entity, 0, len(g.entities))
	for _, e := range g.entities {
		snapshot := *e
		entities = append(entities, &snapshot)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	rels := make([]*model.Relationship, 0, len(g.rels))
	for _, r := range g.rels {
		snapshot := *r
		rels = append(rels, &snapshot)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
	prefs := make([]*model.Preference, 0, len(g.prefs))
	for _, p := range g.prefs {
		snapshot := *p
		prefs = append(prefs, &snapshot)
	}
	sort.Slice(prefs, func(i, j int) bool { return prefs[i].Key < prefs[j].Key })
	return entities, rels, prefs
}

// Import replaces the graph contents with the given records, preserving
// their identities and timestamps. Used by snapshot restore and startup
// recovery.
func (g *Graph) Import(entities []*model.Entity, rels []*model.Relationship, prefs []*model.Preference) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entities = make(map[string]*model.Entity, len(entities))
	g.byName = make(map[string]string, len(entities))
	g.rels = make(map[string]*model.Relationship, len(rels))
	g.outgoing = make(map[string][]string)
	g.incoming = make(map[string][]string)
	g.prefs = make(map[string]*model.Preference, len(prefs))
	for _, e := range entities {
		snapshot := *e
		g.entities[snapshot.ID] = &snapshot
		g.byName[strings.ToLower(snapshot.Name)] = snapshot.ID
	}
	for _, r := range rels {
		if _, ok := g.entities[r.From]; !ok {
			continue
		}
		if _, ok := g.entities[r.To]; !ok {
			continue
		}
		snapshot := *r
		key := relKey(snapshot.From, snapshot.To, snapshot.Type)
		g.rels[key] = &snapshot
		g.outgoing[snapshot.From] = append(g.outgoing[snapshot.From], key)
		g.incoming[snapshot.To] = append(g.incoming[snapshot.To], key)
	}
	for _, p := range prefs {
		snapshot := *p
		g.prefs[strings.ToLower(snapshot.Key)] = &snapshot
	}
}

// Restore loads the persisted graph from the store, replacing in-memory
// state. A nil store is a no-op.
func (g *Graph) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	entities, rels, prefs, err := g.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restoring entity graph: %w", err)
	}
	g.Import(entities, rels, prefs)
	log.Info("Entity graph: restored", "store", g.store.Name(), "entities", len(entities), "relationships", len(rels), "preferences", len(prefs))
	return nil
}

// Stats returns the current tier statistics.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Stats{
		Entities:      len(g.entities),
		Relationships: len(g.rels),
		Preferences:   len(g.prefs),
	}
	if g.store != nil {
		s.Store = g.store.Name()
	}
	return s
}

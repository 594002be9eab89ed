package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/context-engine/internal/model"
)

// snapshotVersion guards against loading snapshots written by an
// incompatible build.
const snapshotVersion = 1

// Snapshot is the serialized state of all four tiers.
type Snapshot struct {
	Version       int                   `json:"version"`
	CreatedAt     time.Time             `json:"createdAt"`
	System        *model.Turn           `json:"system,omitempty"`
	Turns         []*model.Turn         `json:"turns"`
	KeyPoints     []model.KeyPoint      `json:"keyPoints,omitempty"`
	Memories      []*model.Summary      `json:"memories,omitempty"`
	Documents     []*model.Document     `json:"documents,omitempty"`
	Entities      []*model.Entity       `json:"entities,omitempty"`
	Relationships []*model.Relationship `json:"relationships,omitempty"`
	Preferences   []*model.Preference   `json:"preferences,omitempty"`
	TurnCount     int64                 `json:"turnCount"`
}

// ExportSnapshot serializes the full engine state to JSON. Identities and
// timestamps are preserved so a restored engine is indistinguishable from
// the original.
func (o *Orchestrator) ExportSnapshot() ([]byte, error) {
	entities, rels, prefs := o.graph.Export()
	o.mu.Lock()
	turnCount := o.turnCount
	o.mu.Unlock()
	s := Snapshot{
		Version:       snapshotVersion,
		CreatedAt:     time.Now(),
		System:        o.window.System(),
		Turns:         o.window.ExportBatch(),
		KeyPoints:     o.window.KeyPoints(),
		Memories:      o.memory.Memories(),
		Documents:     o.index.Documents(),
		Entities:      entities,
		Relationships: rels,
		Preferences:   prefs,
		TurnCount:     turnCount,
	}
	return json.Marshal(s)
}

// ImportSnapshot replaces all tier state with a previously exported
// snapshot. Retrieval embeddings are not part of the snapshot wire format
// and are rebuilt by the background indexer.
func (o *Orchestrator) ImportSnapshot(data []byte) error {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return model.Validationf("snapshot", "invalid snapshot JSON: %v", err)
	}
	if s.Version != snapshotVersion {
		return model.Validationf("version", "unsupported snapshot version %d", s.Version)
	}
	for _, t := range s.Turns {
		if !t.Role.Valid() {
			return model.Validationf("turns", "turn %s has unknown role %q", t.ID, t.Role)
		}
	}

	o.window.Import(s.System, s.Turns, s.KeyPoints)
	o.memory.Import(s.Memories)
	o.index.Import(s.Documents)
	o.graph.Import(s.Entities, s.Relationships, s.Preferences)

	o.mu.Lock()
	o.turnCount = s.TurnCount
	o.mu.Unlock()
	if o.cache != nil {
		o.cache.Invalidate()
	}
	return nil
}

// Restore rebuilds state from the durable backends (tier-1 log, entity
// store) at startup. Missing backends restore nothing.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if err := o.window.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if err := o.graph.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

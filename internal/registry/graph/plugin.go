package graph

import (
	"context"
	"fmt"

	"github.com/chirino/context-engine/internal/model"
)

// GraphStore is the durable persistence capability behind the entity
// graph. Writes are best-effort: the in-memory graph is authoritative and
// a failed store write must never block or fail an upsert.
type GraphStore interface {
	SaveEntity(ctx context.Context, e *model.Entity) error
	SaveRelationship(ctx context.Context, r *model.Relationship) error
	SavePreference(ctx context.Context, p *model.Preference) error
	// Load returns all persisted entities, relationships, and preferences
	// for startup recovery.
	Load(ctx context.Context) ([]*model.Entity, []*model.Relationship, []*model.Preference, error)
	Name() string
}

// Loader creates a GraphStore from config.
type Loader func(ctx context.Context) (GraphStore, error)

// Plugin represents a graph store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a graph store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered graph store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named graph store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown graph store %q; valid: %v", name, Names())
}

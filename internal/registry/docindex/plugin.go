package docindex

import (
	"context"
	"fmt"
)

// SearchResult represents a single similarity search hit.
type SearchResult struct {
	DocumentID string  `json:"documentId"`
	Score      float64 `json:"score"`
}

// UpsertRequest holds the data for a single document upsert.
type UpsertRequest struct {
	DocumentID string
	Embedding  []float32
	Source     string
	ModelName  string
}

// DocumentIndex is the external vector store capability behind the
// retrieval tier. When it is unavailable the tier degrades to a local
// linear scan rather than failing.
type DocumentIndex interface {
	// Search performs a similarity search, most similar first.
	Search(ctx context.Context, embedding []float32, limit int) ([]SearchResult, error)
	// Upsert stores or updates embeddings for a batch of documents.
	Upsert(ctx context.Context, docs []UpsertRequest) error
	// IsEnabled returns true if the index is configured and operational.
	IsEnabled() bool
	// Name returns the plugin name (e.g. "qdrant", "pgvector").
	Name() string
}

// Loader creates a DocumentIndex from config.
type Loader func(ctx context.Context) (DocumentIndex, error)

// Plugin represents a document index plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a document index plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered document index plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named document index plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown document index %q; valid: %v", name, Names())
}

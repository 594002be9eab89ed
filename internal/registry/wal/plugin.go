package wal

import (
	"context"
	"fmt"

	"github.com/chirino/context-engine/internal/model"
)

// DurableLog is the append-only record of tier-1 turns used for restart
// recovery. Appends are fire-and-forget relative to the in-memory window:
// a failed write is logged and swallowed, never surfaced to the caller.
type DurableLog interface {
	Append(ctx context.Context, t *model.Turn) error
	// Replay returns all logged turns in append order.
	Replay(ctx context.Context) ([]*model.Turn, error)
	// Reset truncates the log, typically after consolidation trims the window.
	Reset(ctx context.Context, keep []*model.Turn) error
	Name() string
}

// Loader creates a DurableLog from config.
type Loader func(ctx context.Context) (DurableLog, error)

// Plugin represents a durable log plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a durable log plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered durable log plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named durable log plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown durable log %q; valid: %v", name, Names())
}

package complete

import (
	"context"
	"fmt"
)

// Message is one turn of a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request holds the parameters for a single completion call.
type Request struct {
	Messages    []Message
	Model       string // empty selects the plugin's configured default
	Temperature float64
	MaxTokens   int
	// JSONOutput asks the provider for a JSON object response, used by
	// structured entity extraction.
	JSONOutput bool
}

// Completer generates chat completions. It backs abstractive compression
// and structured entity extraction; a failed or timed-out call degrades the
// caller to its local strategy, it is never fatal.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	// ModelName returns the default model identifier.
	ModelName() string
}

// Loader creates a Completer from config.
type Loader func(ctx context.Context) (Completer, error)

// Plugin represents a completer plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a completer plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered completer plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named completer plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown completer %q; valid: %v", name, Names())
}

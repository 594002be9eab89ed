package config

import (
	"context"
	"fmt"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the context engine. There is no
// ambient global instance; components receive the value they need through
// their constructors.
type Config struct {
	// Tier token ceilings.
	ActiveMaxTokens     int
	CompressedMaxTokens int
	RetrievalMaxTokens  int
	PersistentMaxTokens int

	// Default overall budget for one assembled context.
	TokenBudgetPerRequest int

	// Tokens reserved for the system prompt out of each request budget.
	SystemPromptReserve int

	// Consolidate tier 1 into tier 2 every N ingested turns.
	ConsolidationInterval int

	// Per-tier deadline during context assembly. A tier that misses it
	// contributes nothing.
	TierCallTimeout time.Duration

	// Embedding type: "none", "local", or "openai".
	EmbedType string

	// Chat completion type: "none" or "openai". Used for abstractive
	// compression and structured entity extraction.
	CompleteType string

	// OpenAI
	OpenAIAPIKey      string
	OpenAIModelName   string // embedding model
	OpenAIChatModel   string // completion model
	OpenAIBaseURL     string
	OpenAIDimensions  int
	OpenAITemperature float64

	// Document index type: "qdrant", "pgvector", or "" (local scan only).
	DocIndexType string

	// Qdrant
	QdrantHost           string
	QdrantPort           int
	QdrantCollectionName string
	QdrantAPIKey         string
	QdrantUseTLS         bool

	// Postgres DSN for the pgvector document index.
	DBURL string

	// Graph store type: "sqlite" or "" (in-memory only).
	GraphType string
	// SQLite database path for the graph store.
	GraphDBPath string

	// Durable log type: "file", "redis", or "" (disabled).
	WalType string
	WalPath string

	// Redis URL for the redis durable log.
	RedisURL string

	// Retrieval defaults.
	RetrievalTopK     int
	RetrievalStrategy string
	RerankEnabled     bool
	RerankTopN        int

	// Query result cache (ristretto). Entries are not invalidated by
	// document ingestion, so results can briefly lag behind ingest.
	QueryCacheEnabled bool
	QueryCacheMaxCost int64

	// Semantic query cache.
	SemanticCacheEnabled   bool
	SemanticCacheThreshold float64

	// Background document indexer.
	IndexerInterval  time.Duration
	IndexerBatchSize int

	// HTTP listener.
	Port              int
	ReadHeaderTimeout time.Duration

	// Graceful shutdown drain timeout (seconds).
	DrainTimeout int
}

// QdrantAddress returns the gRPC host:port for the Qdrant server.
func (c *Config) QdrantAddress() string {
	return fmt.Sprintf("%s:%d", c.QdrantHost, c.QdrantPort)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ActiveMaxTokens:        32000,
		CompressedMaxTokens:    50000,
		RetrievalMaxTokens:     40000,
		PersistentMaxTokens:    6000,
		TokenBudgetPerRequest:  100000,
		SystemPromptReserve:    500,
		ConsolidationInterval:  10,
		TierCallTimeout:        2 * time.Second,
		EmbedType:              "local",
		CompleteType:           "none",
		OpenAIModelName:        "text-embedding-3-small",
		OpenAIChatModel:        "gpt-4o-mini",
		OpenAIBaseURL:          "https://api.openai.com/v1",
		OpenAITemperature:      0.3,
		DocIndexType:           "",
		QdrantHost:             "localhost",
		QdrantPort:             6334,
		QdrantCollectionName:   "context-engine",
		GraphType:              "",
		GraphDBPath:            "./storage/entities.db",
		WalType:                "",
		WalPath:                "./storage/active.jsonl",
		RetrievalTopK:          10,
		RetrievalStrategy:      "hybrid",
		RerankEnabled:          true,
		RerankTopN:             5,
		QueryCacheEnabled:      true,
		QueryCacheMaxCost:      64 << 20,
		SemanticCacheEnabled:   false,
		SemanticCacheThreshold: 0.95,
		IndexerInterval:        30 * time.Second,
		IndexerBatchSize:       100,
		Port:                   8080,
		ReadHeaderTimeout:      5 * time.Second,
		DrainTimeout:           30,
	}
}

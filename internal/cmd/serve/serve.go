// Package serve implements the serve sub-command: it wires the
// configured plugins into the four memory tiers and runs the HTTP API.
package serve

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/config"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/context-engine/internal/plugin/complete/disabled"
	_ "github.com/chirino/context-engine/internal/plugin/complete/openai"
	_ "github.com/chirino/context-engine/internal/plugin/docindex/pgvector"
	_ "github.com/chirino/context-engine/internal/plugin/docindex/qdrant"
	_ "github.com/chirino/context-engine/internal/plugin/embed/disabled"
	_ "github.com/chirino/context-engine/internal/plugin/embed/local"
	_ "github.com/chirino/context-engine/internal/plugin/embed/openai"
	_ "github.com/chirino/context-engine/internal/plugin/graph/sqlite"
	_ "github.com/chirino/context-engine/internal/plugin/route/system"
	_ "github.com/chirino/context-engine/internal/plugin/wal/file"
	_ "github.com/chirino/context-engine/internal/plugin/wal/redis"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var tierTimeoutMillis int64 = cfg.TierCallTimeout.Milliseconds()
	var indexerIntervalSecs int64 = int64(cfg.IndexerInterval / time.Second)
	var readHeaderTimeoutSecs int64 = int64(cfg.ReadHeaderTimeout / time.Second)
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the context engine HTTP server",
		Flags: flags(&cfg, &tierTimeoutMillis, &indexerIntervalSecs, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.TierCallTimeout = time.Duration(tierTimeoutMillis) * time.Millisecond
			cfg.IndexerInterval = time.Duration(indexerIntervalSecs) * time.Second
			cfg.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, tierTimeoutMillis, indexerIntervalSecs, readHeaderTimeoutSecs *int64) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP server port",
		},
		&cli.Int64Flag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},

		// ── Budgets ───────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "active-max-tokens",
			Category:    "Budgets:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_ACTIVE_MAX_TOKENS"),
			Destination: &cfg.ActiveMaxTokens,
			Value:       cfg.ActiveMaxTokens,
			Usage:       "Token ceiling for the active conversation window",
		},
		&cli.IntFlag{
			Name:        "compressed-max-tokens",
			Category:    "Budgets:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_COMPRESSED_MAX_TOKENS"),
			Destination: &cfg.CompressedMaxTokens,
			Value:       cfg.CompressedMaxTokens,
			Usage:       "Token ceiling for compressed memories",
		},
		&cli.IntFlag{
			Name:        "retrieval-max-tokens",
			Category:    "Budgets:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_RETRIEVAL_MAX_TOKENS"),
			Destination: &cfg.RetrievalMaxTokens,
			Value:       cfg.RetrievalMaxTokens,
			Usage:       "Token ceiling for retrieved knowledge",
		},
		&cli.IntFlag{
			Name:        "persistent-max-tokens",
			Category:    "Budgets:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_PERSISTENT_MAX_TOKENS"),
			Destination: &cfg.PersistentMaxTokens,
			Value:       cfg.PersistentMaxTokens,
			Usage:       "Token ceiling for long-term memory",
		},
		&cli.IntFlag{
			Name:        "token-budget",
			Category:    "Budgets:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_TOKEN_BUDGET"),
			Destination: &cfg.TokenBudgetPerRequest,
			Value:       cfg.TokenBudgetPerRequest,
			Usage:       "Default total token budget per assembled context",
		},
		&cli.IntFlag{
			Name:        "system-prompt-reserve",
			Category:    "Budgets:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_SYSTEM_PROMPT_RESERVE"),
			Destination: &cfg.SystemPromptReserve,
			Value:       cfg.SystemPromptReserve,
			Usage:       "Tokens reserved for the system prompt",
		},
		&cli.IntFlag{
			Name:        "consolidation-interval",
			Category:    "Budgets:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_CONSOLIDATION_INTERVAL"),
			Destination: &cfg.ConsolidationInterval,
			Value:       cfg.ConsolidationInterval,
			Usage:       "Consolidate the window into compressed memory every N turns",
		},
		&cli.Int64Flag{
			Name:        "tier-timeout-millis",
			Category:    "Budgets:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_TIER_TIMEOUT_MILLIS"),
			Destination: tierTimeoutMillis,
			Value:       *tierTimeoutMillis,
			Usage:       "Per-tier deadline during context assembly in milliseconds",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embed-type",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_EMBED_TYPE"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding backend: none, local, openai",
		},
		&cli.StringFlag{
			Name:        "complete-type",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_COMPLETE_TYPE"),
			Destination: &cfg.CompleteType,
			Value:       cfg.CompleteType,
			Usage:       "Completion backend for compression and extraction: none, openai",
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key",
		},
		&cli.StringFlag{
			Name:        "openai-model-name",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_OPENAI_MODEL_NAME"),
			Destination: &cfg.OpenAIModelName,
			Value:       cfg.OpenAIModelName,
			Usage:       "OpenAI embedding model name",
		},
		&cli.StringFlag{
			Name:        "openai-chat-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_OPENAI_CHAT_MODEL"),
			Destination: &cfg.OpenAIChatModel,
			Value:       cfg.OpenAIChatModel,
			Usage:       "OpenAI chat completion model name",
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "OpenAI-compatible API base URL",
		},
		&cli.IntFlag{
			Name:        "openai-dimensions",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_OPENAI_DIMENSIONS"),
			Destination: &cfg.OpenAIDimensions,
			Value:       cfg.OpenAIDimensions,
			Usage:       "Requested embedding dimensions (0 uses the model default)",
		},

		// ── Document Index ────────────────────────────────────────
		&cli.StringFlag{
			Name:        "docindex-type",
			Category:    "Document Index:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_DOCINDEX_TYPE"),
			Destination: &cfg.DocIndexType,
			Value:       cfg.DocIndexType,
			Usage:       "Remote document index: qdrant, pgvector, or empty for local scan",
		},
		&cli.StringFlag{
			Name:        "qdrant-host",
			Category:    "Document Index:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_QDRANT_HOST"),
			Destination: &cfg.QdrantHost,
			Value:       cfg.QdrantHost,
			Usage:       "Qdrant gRPC host",
		},
		&cli.IntFlag{
			Name:        "qdrant-port",
			Category:    "Document Index:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_QDRANT_PORT"),
			Destination: &cfg.QdrantPort,
			Value:       cfg.QdrantPort,
			Usage:       "Qdrant gRPC port",
		},
		&cli.StringFlag{
			Name:        "qdrant-collection-name",
			Category:    "Document Index:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_QDRANT_COLLECTION_NAME"),
			Destination: &cfg.QdrantCollectionName,
			Value:       cfg.QdrantCollectionName,
			Usage:       "Qdrant collection name",
		},
		&cli.StringFlag{
			Name:        "qdrant-api-key",
			Category:    "Document Index:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_QDRANT_API_KEY"),
			Destination: &cfg.QdrantAPIKey,
			Usage:       "Qdrant API key",
		},
		&cli.BoolFlag{
			Name:        "qdrant-use-tls",
			Category:    "Document Index:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_QDRANT_USE_TLS"),
			Destination: &cfg.QdrantUseTLS,
			Value:       cfg.QdrantUseTLS,
			Usage:       "Use TLS for the Qdrant connection",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Document Index:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Postgres DSN for the pgvector document index",
		},

		// ── Retrieval ─────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "retrieval-top-k",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_RETRIEVAL_TOP_K"),
			Destination: &cfg.RetrievalTopK,
			Value:       cfg.RetrievalTopK,
			Usage:       "Default number of search results",
		},
		&cli.StringFlag{
			Name:        "retrieval-strategy",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_RETRIEVAL_STRATEGY"),
			Destination: &cfg.RetrievalStrategy,
			Value:       cfg.RetrievalStrategy,
			Usage:       "Default search strategy: semantic, keyword, hybrid",
		},
		&cli.BoolFlag{
			Name:        "rerank",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_RERANK"),
			Destination: &cfg.RerankEnabled,
			Value:       cfg.RerankEnabled,
			Usage:       "Rerank fused results by blended score and term overlap",
		},
		&cli.IntFlag{
			Name:        "rerank-top-n",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_RERANK_TOP_N"),
			Destination: &cfg.RerankTopN,
			Value:       cfg.RerankTopN,
			Usage:       "Number of results the reranker keeps",
		},
		&cli.BoolFlag{
			Name:        "query-cache",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_QUERY_CACHE"),
			Destination: &cfg.QueryCacheEnabled,
			Value:       cfg.QueryCacheEnabled,
			Usage:       "Cache retrieval results per query",
		},
		&cli.BoolFlag{
			Name:        "semantic-cache",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_SEMANTIC_CACHE"),
			Destination: &cfg.SemanticCacheEnabled,
			Value:       cfg.SemanticCacheEnabled,
			Usage:       "Serve assembled contexts for semantically similar queries",
		},
		&cli.FloatFlag{
			Name:        "semantic-cache-threshold",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_SEMANTIC_CACHE_THRESHOLD"),
			Destination: &cfg.SemanticCacheThreshold,
			Value:       cfg.SemanticCacheThreshold,
			Usage:       "Minimum cosine similarity for a semantic cache hit",
		},
		&cli.Int64Flag{
			Name:        "indexer-interval-seconds",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_INDEXER_INTERVAL_SECONDS"),
			Destination: indexerIntervalSecs,
			Value:       *indexerIntervalSecs,
			Usage:       "Background embedding indexer poll interval in seconds",
		},
		&cli.IntFlag{
			Name:        "indexer-batch-size",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_INDEXER_BATCH_SIZE"),
			Destination: &cfg.IndexerBatchSize,
			Value:       cfg.IndexerBatchSize,
			Usage:       "Documents embedded per indexer batch",
		},

		// ── Persistence ───────────────────────────────────────────
		&cli.StringFlag{
			Name:        "graph-type",
			Category:    "Persistence:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_GRAPH_TYPE"),
			Destination: &cfg.GraphType,
			Value:       cfg.GraphType,
			Usage:       "Entity graph store: sqlite, or empty for in-memory only",
		},
		&cli.StringFlag{
			Name:        "graph-db-path",
			Category:    "Persistence:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_GRAPH_DB_PATH"),
			Destination: &cfg.GraphDBPath,
			Value:       cfg.GraphDBPath,
			Usage:       "SQLite database path for the entity graph",
		},
		&cli.StringFlag{
			Name:        "wal-type",
			Category:    "Persistence:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_WAL_TYPE"),
			Destination: &cfg.WalType,
			Value:       cfg.WalType,
			Usage:       "Turn log backend: file, redis, or empty to disable",
		},
		&cli.StringFlag{
			Name:        "wal-path",
			Category:    "Persistence:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_WAL_PATH"),
			Destination: &cfg.WalPath,
			Value:       cfg.WalPath,
			Usage:       "Path of the file turn log",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Persistence:",
			Sources:     cli.EnvVars("CONTEXT_ENGINE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis URL for the redis turn log",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/config"
	"github.com/chirino/context-engine/internal/orchestrator"
	"github.com/chirino/context-engine/internal/plugin/route/admin"
	"github.com/chirino/context-engine/internal/plugin/route/knowledge"
	"github.com/chirino/context-engine/internal/plugin/route/system"
	"github.com/chirino/context-engine/internal/plugin/route/turns"
	registrycomplete "github.com/chirino/context-engine/internal/registry/complete"
	registrydocindex "github.com/chirino/context-engine/internal/registry/docindex"
	registryembed "github.com/chirino/context-engine/internal/registry/embed"
	registrygraph "github.com/chirino/context-engine/internal/registry/graph"
	registryroute "github.com/chirino/context-engine/internal/registry/route"
	registrywal "github.com/chirino/context-engine/internal/registry/wal"
	"github.com/chirino/context-engine/internal/semcache"
	"github.com/chirino/context-engine/internal/service"
	"github.com/chirino/context-engine/internal/tier/active"
	"github.com/chirino/context-engine/internal/tier/compressed"
	"github.com/chirino/context-engine/internal/tier/entity"
	"github.com/chirino/context-engine/internal/tier/retrieval"
	"github.com/chirino/context-engine/internal/token"
	"github.com/gin-gonic/gin"
)

// Server is the running context engine.
type Server struct {
	HTTP         *http.Server
	Orchestrator *orchestrator.Orchestrator
	index        *retrieval.Index
	cancel       context.CancelFunc
}

// Shutdown gracefully shuts down the server and drains background work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.HTTP.Shutdown(ctx)
	s.Orchestrator.Drain()
	s.index.Close()
	return err
}

// StartServer initializes all tiers from the configured plugins and
// starts the HTTP API.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting context engine",
		"httpPort", cfg.Port,
		"embedding", cfg.EmbedType,
		"completion", cfg.CompleteType,
		"docindex", cfg.DocIndexType,
		"graph", cfg.GraphType,
		"wal", cfg.WalType,
	)

	embedder, err := loadEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	completer, err := loadCompleter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	docIndex, err := loadDocIndex(ctx, cfg)
	if err != nil {
		return nil, err
	}
	graphStore, err := loadGraphStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	durableLog, err := loadDurableLog(ctx, cfg)
	if err != nil {
		return nil, err
	}

	counter := token.NewEstimator()

	window := active.NewWindow(counter, cfg.ActiveMaxTokens, durableLog)
	memory := compressed.NewManager(counter, cfg.CompressedMaxTokens, completer)
	index, err := retrieval.NewIndex(counter, embedder, docIndex, retrieval.Options{
		MaxTokens:     cfg.RetrievalMaxTokens,
		TopK:          cfg.RetrievalTopK,
		Strategy:      retrieval.Strategy(cfg.RetrievalStrategy),
		RerankEnabled: cfg.RerankEnabled,
		RerankTopN:    cfg.RerankTopN,
		CacheEnabled:  cfg.QueryCacheEnabled,
		CacheMaxCost:  cfg.QueryCacheMaxCost,
	})
	if err != nil {
		return nil, err
	}
	graph := entity.NewGraph(counter, cfg.PersistentMaxTokens, graphStore)
	extractor := entity.NewExtractor(completer)

	var cache *semcache.Cache
	if cfg.SemanticCacheEnabled && embedder != nil {
		cache = semcache.New(embedder, cfg.SemanticCacheThreshold, 0)
	}

	orch := orchestrator.New(counter, window, memory, index, graph, extractor, cache, orchestrator.Options{
		TokenBudget:           cfg.TokenBudgetPerRequest,
		SystemPromptReserve:   cfg.SystemPromptReserve,
		ConsolidationInterval: cfg.ConsolidationInterval,
		TierCallTimeout:       cfg.TierCallTimeout,
	})
	if err := orch.Restore(ctx); err != nil {
		return nil, err
	}

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	for _, loader := range registryroute.Loaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}
	turns.MountRoutes(router, orch)
	knowledge.MountRoutes(router, orch, index)
	admin.MountRoutes(router, orch)

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	indexer := service.NewBackgroundIndexer(index, embedder, docIndex, cfg.IndexerInterval, cfg.IndexerBatchSize)
	go indexer.Start(bgCtx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
		}
	}()

	system.MarkReady()
	log.Info("Context engine ready", "addr", srv.Addr)

	return &Server{
		HTTP:         srv,
		Orchestrator: orch,
		index:        index,
		cancel:       cancel,
	}, nil
}

func loadEmbedder(ctx context.Context, cfg *config.Config) (registryembed.Embedder, error) {
	if cfg.EmbedType == "" || cfg.EmbedType == "none" {
		return nil, nil
	}
	loader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return nil, err
	}
	e, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	return e, nil
}

func loadCompleter(ctx context.Context, cfg *config.Config) (registrycomplete.Completer, error) {
	if cfg.CompleteType == "" || cfg.CompleteType == "none" {
		return nil, nil
	}
	loader, err := registrycomplete.Select(cfg.CompleteType)
	if err != nil {
		return nil, err
	}
	c, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize completer: %w", err)
	}
	return c, nil
}

func loadDocIndex(ctx context.Context, cfg *config.Config) (registrydocindex.DocumentIndex, error) {
	if cfg.DocIndexType == "" {
		return nil, nil
	}
	loader, err := registrydocindex.Select(cfg.DocIndexType)
	if err != nil {
		return nil, err
	}
	// A document index that cannot start is not fatal: retrieval degrades
	// to the local scan.
	idx, err := loader(ctx)
	if err != nil {
		log.Warn("Document index not available, using local scan", "docindex", cfg.DocIndexType, "err", err)
		return nil, nil
	}
	return idx, nil
}

func loadGraphStore(ctx context.Context, cfg *config.Config) (registrygraph.GraphStore, error) {
	if cfg.GraphType == "" {
		return nil, nil
	}
	loader, err := registrygraph.Select(cfg.GraphType)
	if err != nil {
		return nil, err
	}
	s, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize graph store: %w", err)
	}
	return s, nil
}

func loadDurableLog(ctx context.Context, cfg *config.Config) (registrywal.DurableLog, error) {
	if cfg.WalType == "" {
		return nil, nil
	}
	loader, err := registrywal.Select(cfg.WalType)
	if err != nil {
		return nil, err
	}
	l, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize durable log: %w", err)
	}
	return l, nil
}

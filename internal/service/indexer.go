package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	registrydocindex "github.com/chirino/context-engine/internal/registry/docindex"
	registryembed "github.com/chirino/context-engine/internal/registry/embed"
	"github.com/chirino/context-engine/internal/tier/retrieval"
)

// BackgroundIndexer polls the retrieval tier for documents that still
// lack embeddings, embeds them in batches, and mirrors them to the remote
// index. Documents land here when an inline embed failed or a snapshot
// was imported.
type BackgroundIndexer struct {
	index    *retrieval.Index
	embedder registryembed.Embedder
	remote   registrydocindex.DocumentIndex
	interval time.Duration
	batch    int
}

// NewBackgroundIndexer creates a new indexer. remote may be nil.
func NewBackgroundIndexer(index *retrieval.Index, embedder registryembed.Embedder, remote registrydocindex.DocumentIndex, interval time.Duration, batchSize int) *BackgroundIndexer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BackgroundIndexer{
		index:    index,
		embedder: embedder,
		remote:   remote,
		interval: interval,
		batch:    batchSize,
	}
}

// Start begins the background indexing loop. Returns when ctx is cancelled.
func (b *BackgroundIndexer) Start(ctx context.Context) {
	if b.embedder == nil {
		log.Info("Background indexer disabled (no embedder)")
		return
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.indexBatch(ctx)
		}
	}
}

func (b *BackgroundIndexer) indexBatch(ctx context.Context) {
	pending := b.index.Pending(b.batch)
	if len(pending) == 0 {
		return
	}

	texts := make([]string, len(pending))
	for i, d := range pending {
		texts[i] = d.Text
	}
	embeddings, err := b.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		log.Error("Indexer: batch embed failed", "err", err)
		return
	}

	vectors := make(map[string][]float32, len(pending))
	for i, d := range pending {
		vectors[d.ID] = embeddings[i]
	}
	b.index.SetEmbeddings(vectors)

	if b.remote != nil && b.remote.IsEnabled() {
		upserts := make([]registrydocindex.UpsertRequest, len(pending))
		for i, d := range pending {
			upserts[i] = registrydocindex.UpsertRequest{
				DocumentID: d.ID,
				Embedding:  embeddings[i],
				Source:     d.Source,
				ModelName:  b.embedder.ModelName(),
			}
		}
		if err := b.remote.Upsert(ctx, upserts); err != nil {
			log.Error("Indexer: batch remote upsert failed", "index", b.remote.Name(), "err", err)
			return
		}
	}

	log.Info("Indexer: embedded documents", "count", len(pending))
}

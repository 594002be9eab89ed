package pgvector

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/config"
	registrydocindex "github.com/chirino/context-engine/internal/registry/docindex"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS document_embeddings (
	document_id text PRIMARY KEY,
	embedding   vector,
	source      text,
	model       text
);
`

func init() {
	registrydocindex.Register(registrydocindex.Plugin{
		Name:   "pgvector",
		Loader: load,
	})
}

func load(ctx context.Context) (registrydocindex.DocumentIndex, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DBURL == "" {
		return nil, fmt.Errorf("pgvector: CONTEXT_ENGINE_DB_URL is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector: %w", err)
	}
	if err := db.WithContext(ctx).Exec(schemaSQL).Error; err != nil {
		return nil, fmt.Errorf("pgvector: schema: %w", err)
	}
	return &PgvectorIndex{db: db}, nil
}

// PgvectorIndex stores document embeddings in Postgres with the pgvector
// extension.
type PgvectorIndex struct {
	db *gorm.DB
}

func (s *PgvectorIndex) IsEnabled() bool { return true }
func (s *PgvectorIndex) Name() string    { return "pgvector" }

func (s *PgvectorIndex) Search(ctx context.Context, embedding []float32, limit int) ([]registrydocindex.SearchResult, error) {
	vec := pgvec.NewVector(embedding)
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT document_id, 1 - (embedding <=> ?::vector) AS score
		FROM document_embeddings
		ORDER BY embedding <=> ?::vector
		LIMIT ?`,
		vec, vec, limit,
	).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []registrydocindex.SearchResult
	for rows.Next() {
		var r registrydocindex.SearchResult
		if err := rows.Scan(&r.DocumentID, &r.Score); err != nil {
			log.Error("pgvector scan error", "err", err)
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *PgvectorIndex) Upsert(ctx context.Context, docs []registrydocindex.UpsertRequest) error {
	for _, d := range docs {
		vec := pgvec.NewVector(d.Embedding)
		if err := s.db.WithContext(ctx).Exec(`
			INSERT INTO document_embeddings (document_id, embedding, source, model)
			VALUES (?, ?::vector, ?, ?)
			ON CONFLICT (document_id)
			DO UPDATE SET embedding = EXCLUDED.embedding, source = EXCLUDED.source, model = EXCLUDED.model`,
			d.DocumentID, vec, d.Source, d.ModelName,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

var _ registrydocindex.DocumentIndex = (*PgvectorIndex)(nil)

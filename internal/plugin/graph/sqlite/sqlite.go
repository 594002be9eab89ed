package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chirino/context-engine/internal/config"
	"github.com/chirino/context-engine/internal/model"
	registrygraph "github.com/chirino/context-engine/internal/registry/graph"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

func init() {
	registrygraph.Register(registrygraph.Plugin{
		Name:   "sqlite",
		Loader: load,
	})
}

func load(ctx context.Context) (registrygraph.GraphStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.GraphDBPath == "" {
		return nil, fmt.Errorf("sqlite graph store: CONTEXT_ENGINE_GRAPH_DB_PATH is required")
	}
	if dir := filepath.Dir(cfg.GraphDBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite graph store: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(cfg.GraphDBPath), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite graph store: %w", err)
	}
	if err := db.AutoMigrate(&entityRow{}, &relationshipRow{}, &preferenceRow{}); err != nil {
		return nil, fmt.Errorf("sqlite graph store: migrate: %w", err)
	}
	return &SqliteStore{db: db}, nil
}

type entityRow struct {
	ID           string `gorm:"primaryKey"`
	Name         string `gorm:"index"`
	Type         string
	Attributes   string
	FirstSeen    time.Time
	LastSeen     time.Time
	MentionCount int
	Importance   float64
}

type relationshipRow struct {
	ID         string `gorm:"primaryKey"`
	FromID     string `gorm:"index"`
	ToID       string `gorm:"index"`
	Type       string
	Strength   float64
	Attributes string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type preferenceRow struct {
	Key        string `gorm:"primaryKey"`
	Value      string
	Confidence float64
	UpdatedAt  time.Time
}

// SqliteStore persists the entity graph in a local SQLite database.
type SqliteStore struct {
	db *gorm.DB
}

func (s *SqliteStore) Name() string { return "sqlite" }

func (s *SqliteStore) SaveEntity(ctx context.Context, e *model.Entity) error {
	attrs, err := marshalAttrs(e.Attributes)
	if err != nil {
		return err
	}
	row := entityRow{
		ID:           e.ID,
		Name:         e.Name,
		Type:         e.Type,
		Attributes:   attrs,
		FirstSeen:    e.FirstSeen,
		LastSeen:     e.LastSeen,
		MentionCount: e.MentionCount,
		Importance:   e.Importance,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *SqliteStore) SaveRelationship(ctx context.Context, r *model.Relationship) error {
	attrs, err := marshalAttrs(r.Attributes)
	if err != nil {
		return err
	}
	row := relationshipRow{
		ID:         r.ID,
		FromID:     r.From,
		ToID:       r.To,
		Type:       r.Type,
		Strength:   r.Strength,
		Attributes: attrs,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *SqliteStore) SavePreference(ctx context.Context, p *model.Preference) error {
	row := preferenceRow{
		Key:        p.Key,
		Value:      p.Value,
		Confidence: p.Confidence,
		UpdatedAt:  p.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *SqliteStore) Load(ctx context.Context) ([]*model.Entity, []*model.Relationship, []*model.Preference, error) {
	var entityRows []entityRow
	if err := s.db.WithContext(ctx).Find(&entityRows).Error; err != nil {
		return nil, nil, nil, err
	}
	entities := make([]*model.Entity, 0, len(entityRows))
	for _, row := range entityRows {
		attrs, err := unmarshalAttrs(row.Attributes)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("entity %s: %w", row.ID, err)
		}
		entities = append(entities, &model.Entity{
			ID:           row.ID,
			Name:         row.Name,
			Type:         row.Type,
			Attributes:   attrs,
			FirstSeen:    row.FirstSeen,
			LastSeen:     row.LastSeen,
			MentionCount: row.MentionCount,
			Importance:   row.Importance,
		})
	}

	var relRows []relationshipRow
	if err := s.db.WithContext(ctx).Find(&relRows).Error; err != nil {
		return nil, nil, nil, err
	}
	rels := make([]*model.Relationship, 0, len(relRows))
	for _, row := range relRows {
		attrs, err := unmarshalAttrs(row.Attributes)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("relationship %s: %w", row.ID, err)
		}
		rels = append(rels, &model.Relationship{
			ID:         row.ID,
			From:       row.FromID,
			To:         row.ToID,
			Type:       row.Type,
			Strength:   row.Strength,
			Attributes: attrs,
			CreatedAt:  row.CreatedAt,
			UpdatedAt:  row.UpdatedAt,
		})
	}

	var prefRows []preferenceRow
	if err := s.db.WithContext(ctx).Find(&prefRows).Error; err != nil {
		return nil, nil, nil, err
	}
	prefs := make([]*model.Preference, 0, len(prefRows))
	for _, row := range prefRows {
		prefs = append(prefs, &model.Preference{
			Key:        row.Key,
			Value:      row.Value,
			Confidence: row.Confidence,
			UpdatedAt:  row.UpdatedAt,
		})
	}
	return entities, rels, prefs, nil
}

func marshalAttrs(attrs model.Attributes) (string, error) {
	if len(attrs) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("marshal attributes: %w", err)
	}
	return string(raw), nil
}

func unmarshalAttrs(raw string) (model.Attributes, error) {
	if raw == "" {
		return nil, nil
	}
	var attrs model.Attributes
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	return attrs, nil
}

var _ registrygraph.GraphStore = (*SqliteStore)(nil)

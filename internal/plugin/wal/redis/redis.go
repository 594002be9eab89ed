package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chirino/context-engine/internal/config"
	"github.com/chirino/context-engine/internal/model"
	registrywal "github.com/chirino/context-engine/internal/registry/wal"
	goredis "github.com/redis/go-redis/v9"
)

const turnsKey = "context-engine:active:turns"

func init() {
	registrywal.Register(registrywal.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrywal.DurableLog, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis durable log: CONTEXT_ENGINE_REDIS_URL is required")
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis durable log: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis durable log: ping: %w", err)
	}
	return &RedisLog{client: client}, nil
}

// RedisLog keeps the turn log in a Redis list, appended at the tail.
type RedisLog struct {
	client *goredis.Client
}

func (l *RedisLog) Name() string { return "redis" }

func (l *RedisLog) Append(ctx context.Context, t *model.Turn) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return l.client.RPush(ctx, turnsKey, raw).Err()
}

func (l *RedisLog) Replay(ctx context.Context) ([]*model.Turn, error) {
	items, err := l.client.LRange(ctx, turnsKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	turns := make([]*model.Turn, 0, len(items))
	for _, item := range items {
		var t model.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("redis durable log: corrupt entry: %w", err)
		}
		turns = append(turns, &t)
	}
	return turns, nil
}

// Reset replaces the list contents with the kept turns in one
// transaction.
func (l *RedisLog) Reset(ctx context.Context, keep []*model.Turn) error {
	pipe := l.client.TxPipeline()
	pipe.Del(ctx, turnsKey)
	for _, t := range keep {
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, turnsKey, raw)
	}
	_, err := pipe.Exec(ctx)
	return err
}

var _ registrywal.DurableLog = (*RedisLog)(nil)

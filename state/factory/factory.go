package factory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/PipeOpsHQ/procedure-engine/internal/config"
	"github.com/PipeOpsHQ/procedure-engine/state"
	"github.com/PipeOpsHQ/procedure-engine/state/hybrid"
	"github.com/PipeOpsHQ/procedure-engine/state/memory"
	redisstore "github.com/PipeOpsHQ/procedure-engine/state/redis"
	sqlitestore "github.com/PipeOpsHQ/procedure-engine/state/sqlite"
)

// FromEnv resolves configuration from the environment and opens the store.
func FromEnv(ctx context.Context) (state.Store, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, slog.Default())
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (state.Store, error) {
	_ = ctx
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.StateBackend {
	case "sqlite", "":
		return sqlitestore.New(cfg.SQLitePath)

	case "redis":
		s, err := newRedisStore(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil

	case "memory":
		return memory.New(), nil

	case "hybrid":
		durable, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		cache, err := newRedisStore(cfg.Redis)
		if err != nil {
			logger.Warn("redis cache unavailable, hybrid store running durable-only", "addr", cfg.Redis.Addr, "error", err)
			return hybrid.New(durable, nil, hybrid.WithLogger(logger))
		}
		return hybrid.New(durable, cache, hybrid.WithLogger(logger))

	default:
		return nil, fmt.Errorf("unsupported state backend %q (use sqlite, redis, hybrid, or memory)", cfg.StateBackend)
	}
}

func newRedisStore(cfg config.RedisConfig) (*redisstore.Store, error) {
	opts := []redisstore.Option{
		redisstore.WithPassword(cfg.Password),
		redisstore.WithDB(cfg.DB),
		redisstore.WithTTL(cfg.TTL),
	}
	return redisstore.New(cfg.Addr, opts...)
}

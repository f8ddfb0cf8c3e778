package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pairchat/server/internal/config"
)

// Open 按 store.driver 选择实现。
func Open(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "mongo":
		return NewMongoStore(ctx, MongoConfig{
			URI:            cfg.Mongo.URI,
			Database:       cfg.Mongo.Database,
			Collection:     cfg.Mongo.Collection,
			MaxPoolSize:    cfg.Mongo.MaxPoolSize,
			ConnectTimeout: cfg.Mongo.ConnectTimeout,
		}, log)
	case "postgres":
		return NewPostgresStore(ctx, PostgresConfig{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		}, log)
	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.Driver)
	}
}

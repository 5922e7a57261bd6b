package cmd

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
	"github.com/nextlevelbuilder/mucbridge/internal/store/pg"
	"github.com/nextlevelbuilder/mucbridge/internal/store/redis"
	"github.com/nextlevelbuilder/mucbridge/internal/store/sqlite"
)

// openStores opens the configured backend and, when asked for, moves the
// correlation index to Redis.
func openStores(ctx context.Context, sc store.StoreConfig) (*store.Stores, error) {
	var stores *store.Stores
	switch sc.Driver {
	case "postgres":
		if sc.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres driver requires database.postgres_dsn")
		}
		if err := pg.Migrate(sc.PostgresDSN); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		sqlDB, err := pg.OpenDB(sc.PostgresDSN)
		if err != nil {
			return nil, err
		}
		db := pg.New(sqlDB)
		stores = &store.Stores{Bindings: db, Correlations: db, Media: db, Topics: db}
		stores.OnClose(db.Close)
	case "sqlite", "":
		s, _, err := sqlite.NewStores(sc)
		if err != nil {
			return nil, err
		}
		stores = s
	default:
		return nil, fmt.Errorf("unknown database driver %q", sc.Driver)
	}

	if sc.UsesRedis() {
		rs, err := redis.Open(ctx, sc.RedisURL)
		if err != nil {
			stores.Close()
			return nil, err
		}
		stores.Correlations = rs
		stores.OnClose(rs.Close)
	}
	return stores, nil
}

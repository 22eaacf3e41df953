package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/open-sspm/poam-import/internal/config"
	"github.com/open-sspm/poam-import/internal/store"
	"github.com/open-sspm/poam-import/internal/store/memstore"
	"github.com/open-sspm/poam-import/internal/store/pgstore"
)

var errMemoryStoreReadOnly = errors.New("STORE_MODE=memory keeps nothing between invocations; set STORE_MODE=postgres to inspect past imports")

// openStore returns the configured store and a function that releases it.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.StoreMode == config.StoreModeMemory {
		return memstore.New(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return pgstore.New(pool), pool.Close, nil
}

// openReadStore is openStore for commands that inspect persisted imports.
func openReadStore(ctx context.Context) (store.Store, func(), error) {
	cfg, err := config.LoadOptionalDB()
	if err != nil {
		return nil, nil, err
	}
	if cfg.StoreMode == config.StoreModeMemory {
		return nil, nil, errMemoryStoreReadOnly
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}
	return openStore(ctx, cfg)
}

package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	bub "github.com/bublab/bub"
	"github.com/bublab/bub/internal/config"
	tapefile "github.com/bublab/bub/tape/file"
	tapepg "github.com/bublab/bub/tape/postgres"
	tapesqlite "github.com/bublab/bub/tape/sqlite"
)

// newTapeStore opens the configured tape backend.
func newTapeStore(ctx context.Context, cfg config.TapeConfig, logger *slog.Logger) (bub.TapeStore, error) {
	switch cfg.Backend {
	case "", "file":
		return tapefile.New(cfg.Home, tapefile.WithLogger(logger))

	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "bub.db"
		}
		s := tapesqlite.New(dsn, tapesqlite.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil

	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("tape backend postgres requires a dsn")
		}
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		s := tapepg.New(pool)
		if err := s.Init(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &pooledStore{Store: s, pool: pool}, nil
	}
	return nil, fmt.Errorf("unknown tape backend %q", cfg.Backend)
}

// pooledStore ties the pool's lifetime to the store's Close, since the
// postgres store itself treats the pool as externally owned.
type pooledStore struct {
	*tapepg.Store
	pool *pgxpool.Pool
}

func (p *pooledStore) Close() error {
	p.pool.Close()
	return nil
}

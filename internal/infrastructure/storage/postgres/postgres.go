// Package postgres хранилище на PostgreSQL через пул pgx
package postgres

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/exp/slog"

	"controlsync/internal/infrastructure/migration"
	"controlsync/internal/infrastructure/storage/sqlstore"
)

type Storage struct {
	*sqlstore.Store
	pool *pgxpool.Pool
}

// New применяет миграции из migrationsDir/postgres и открывает пул
func New(ctx context.Context, uri, migrationsDir string, log *slog.Logger, opts ...sqlstore.Option) (*Storage, error) {
	mg := migration.NewMigration(filepath.Join(migrationsDir, "postgres"), uri, migration.DefaultEngine)
	if err := mg.Up(); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	return &Storage{
		Store: sqlstore.New(db, sqlstore.Postgres, log, opts...),
		pool:  pool,
	}, nil
}

func (s *Storage) Close() error {
	err := s.Store.Close()
	s.pool.Close()
	return err
}

func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

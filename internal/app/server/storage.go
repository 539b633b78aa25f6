package server

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/exp/slog"

	"controlsync/internal/config"
	"controlsync/internal/infrastructure/crypto"
	"controlsync/internal/infrastructure/storage"
	"controlsync/internal/infrastructure/storage/memory"
	"controlsync/internal/infrastructure/storage/postgres"
	"controlsync/internal/infrastructure/storage/sqlite"
	"controlsync/internal/infrastructure/storage/sqlstore"
)

// openStorage выбирает хранилище по storage.driver
func openStorage(ctx context.Context, cfg config.Storage, log *slog.Logger) (storage.Storage, error) {
	var opts []sqlstore.Option
	if cfg.SecretKey != "" {
		sealer, err := crypto.NewSealer(cfg.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("storage secret key: %w", err)
		}
		opts = append(opts, sqlstore.WithSecrets(sealer))
	} else if cfg.Driver != config.DriverMemory {
		log.Warn("storage.secret_key is not set, terminal passwords are stored in plain text")
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.URI, cfg.Migrations, log, opts...)
	case config.DriverSQLite:
		return sqlite.New(strings.TrimPrefix(cfg.URI, "sqlite://"), cfg.Migrations, log, opts...)
	case config.DriverMemory:
		log.Warn("using in-memory storage, mappings are lost on restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

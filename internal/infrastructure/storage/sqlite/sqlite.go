// Package sqlite хранилище в одном файле для одиночной установки
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"

	// Регистрация драйвера database/sql
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/exp/slog"

	"controlsync/internal/infrastructure/migration"
	"controlsync/internal/infrastructure/storage/sqlstore"
)

const pragmas = "_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"

type Storage struct {
	*sqlstore.Store
}

// New path путь к файлу базы
func New(path, migrationsDir string, log *slog.Logger, opts ...sqlstore.Option) (*Storage, error) {
	mg := migration.NewMigration(filepath.Join(migrationsDir, "sqlite"), "sqlite3://"+path+"?_foreign_keys=on", migration.DefaultEngine)
	if err := mg.Up(); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?"+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// один писатель, BEGIN IMMEDIATE сериализует Update
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Storage{Store: sqlstore.New(db, sqlstore.SQLite, log, opts...)}, nil
}

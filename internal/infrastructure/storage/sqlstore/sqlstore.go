// Package sqlstore репозитории поверх database/sql для postgres и sqlite
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/exp/slog"

	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/photo"
	"controlsync/internal/domain/sync"
	"controlsync/internal/domain/terminal"
)

// Dialect диалект SQL базы
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// Store набор репозиториев на одном *sql.DB
type Store struct {
	db      *sql.DB
	dialect Dialect

	terminals *TerminalRepository
	mappings  *MappingRepository
	runs      *RunRepository
	directory *DirectoryRepository
	photos    *PhotoQueue
}

// Secrets шифрование паролей терминалов в таблице terminals
type Secrets interface {
	Seal(plaintext string) (string, error)
	Open(value string) (string, error)
}

type plain struct{}

func (plain) Seal(v string) (string, error) { return v, nil }
func (plain) Open(v string) (string, error) { return v, nil }

// Option настройка Store
type Option func(*Store)

// WithSecrets включает шифрование паролей терминалов
func WithSecrets(s Secrets) Option {
	return func(st *Store) {
		if s != nil {
			st.terminals.secrets = s
		}
	}
}

func New(db *sql.DB, dialect Dialect, log *slog.Logger, opts ...Option) *Store {
	q := &querier{db: db, dialect: dialect}
	s := &Store{
		db:        db,
		dialect:   dialect,
		terminals: &TerminalRepository{q: q, secrets: plain{}, log: log.With("component", "terminal_repository")},
		mappings:  &MappingRepository{q: q, log: log.With("component", "mapping_repository")},
		runs:      &RunRepository{q: q, log: log.With("component", "run_repository")},
		directory: &DirectoryRepository{q: q, log: log.With("component", "directory_repository")},
		photos:    &PhotoQueue{q: q, log: log.With("component", "photo_queue")},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Terminals() terminal.Repository      { return s.terminals }
func (s *Store) Mappings() mapping.Repository        { return s.mappings }
func (s *Store) Runs() sync.RunRepository            { return s.runs }
func (s *Store) Directory() sync.DirectoryRepository { return s.directory }
func (s *Store) Photos() photo.Queue                 { return s.photos }

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// querier переписывает плейсхолдеры ? в $n для postgres
type querier struct {
	db      *sql.DB
	dialect Dialect
}

func (q *querier) rebind(query string) string {
	if q.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx выполняет fn в транзакции. Ошибка fn откатывает транзакцию.
func (q *querier) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				err = fmt.Errorf("%w; rollback: %v", err, rerr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation нарушение уникального индекса в любом из диалектов
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

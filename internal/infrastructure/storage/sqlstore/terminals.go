package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"controlsync/internal/domain/terminal"
	"controlsync/internal/utils/logger"
)

type TerminalRepository struct {
	q       *querier
	secrets Secrets
	log     *slog.Logger
}

const terminalColumns = `id, address, login, password, mode, max_concurrency, last_full_sync`

// Upsert регистрирует терминал из конфигурации, LastFullSync не трогает
func (r *TerminalRepository) Upsert(ctx context.Context, t *terminal.Terminal) error {
	const query = `
		INSERT INTO terminals (id, address, login, password, mode, max_concurrency)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			address = excluded.address,
			login = excluded.login,
			password = excluded.password,
			mode = excluded.mode,
			max_concurrency = excluded.max_concurrency`

	password, err := r.secrets.Seal(t.Password)
	if err != nil {
		return fmt.Errorf("seal terminal password: %w", err)
	}

	_, err = r.q.db.ExecContext(ctx, r.q.rebind(query),
		t.ID, t.Address, t.Login, password, string(t.Mode), t.MaxConcurrency)
	if err != nil {
		r.log.Error("failed to upsert terminal", "terminal", t.ID, logger.Err(err))
		return fmt.Errorf("upsert terminal: %w", err)
	}
	return nil
}

func (r *TerminalRepository) Get(ctx context.Context, id string) (*terminal.Terminal, error) {
	query := `SELECT ` + terminalColumns + ` FROM terminals WHERE id = ?`

	t, err := r.scan(r.q.db.QueryRowContext(ctx, r.q.rebind(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, terminal.ErrNotFound
		}
		return nil, fmt.Errorf("get terminal: %w", err)
	}
	return t, nil
}

func (r *TerminalRepository) List(ctx context.Context) ([]terminal.Terminal, error) {
	query := `SELECT ` + terminalColumns + ` FROM terminals ORDER BY id`

	rows, err := r.q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	defer rows.Close()

	var out []terminal.Terminal
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminal: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *TerminalRepository) UpdateLastFullSync(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE terminals SET last_full_sync = ? WHERE id = ?`

	res, err := r.q.db.ExecContext(ctx, r.q.rebind(query), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update last full sync: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return terminal.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *TerminalRepository) scan(row scanner) (*terminal.Terminal, error) {
	var (
		t    terminal.Terminal
		mode string
		last sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Address, &t.Login, &t.Password, &mode, &t.MaxConcurrency, &last); err != nil {
		return nil, err
	}
	password, err := r.secrets.Open(t.Password)
	if err != nil {
		return nil, fmt.Errorf("open password of terminal %s: %w", t.ID, err)
	}
	t.Password = password
	t.Mode = terminal.Mode(mode)
	if last.Valid {
		t.LastFullSync = last.Time
	}
	return &t, nil
}

package sqlstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"controlsync/internal/domain/sync"
	"controlsync/internal/utils/logger"
)

type RunRepository struct {
	q   *querier
	log *slog.Logger
}

func (r *RunRepository) Append(ctx context.Context, run *sync.Run) error {
	const query = `
		INSERT INTO sync_runs (id, terminal_id, trigger_src, status, started_at, finished_at,
			created, updated, deleted, skipped, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := r.q.db.ExecContext(ctx, r.q.rebind(query),
		run.ID, run.TerminalID, string(run.Trigger), string(run.Status),
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
		run.Created, run.Updated, run.Deleted, run.Skipped, run.Failed, run.Error)
	if err != nil {
		r.log.Error("failed to append run", "terminal", run.TerminalID, logger.Err(err))
		return fmt.Errorf("append run: %w", err)
	}
	return nil
}

// ListByTerminal возвращает проходы от новых к старым
func (r *RunRepository) ListByTerminal(ctx context.Context, terminalID string, limit int) ([]sync.Run, error) {
	query := `
		SELECT id, terminal_id, trigger_src, status, started_at, finished_at,
			created, updated, deleted, skipped, failed, error
		FROM sync_runs WHERE terminal_id = ?
		ORDER BY finished_at DESC`
	args := []any{terminalID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.q.db.QueryContext(ctx, r.q.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []sync.Run
	for rows.Next() {
		var (
			run             sync.Run
			trigger, status string
		)
		err := rows.Scan(&run.ID, &run.TerminalID, &trigger, &status, &run.StartedAt, &run.FinishedAt,
			&run.Created, &run.Updated, &run.Deleted, &run.Skipped, &run.Failed, &run.Error)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Trigger = sync.Trigger(trigger)
		run.Status = sync.RunStatus(status)
		out = append(out, run)
	}
	return out, rows.Err()
}

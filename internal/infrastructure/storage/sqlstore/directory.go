package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"controlsync/internal/domain/sync"
)

type DirectoryRepository struct {
	q   *querier
	log *slog.Logger
}

const directoryColumns = `upstream_id, registration, name, attributes, group_ids, deleted, sequence, updated_at`

// Put перезаписывает запись только более новой последовательностью
func (r *DirectoryRepository) Put(ctx context.Context, e *sync.DirectoryEntry) (bool, error) {
	const query = `
		INSERT INTO directory (` + directoryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (upstream_id) DO UPDATE SET
			registration = excluded.registration,
			name = excluded.name,
			attributes = excluded.attributes,
			group_ids = excluded.group_ids,
			deleted = excluded.deleted,
			sequence = excluded.sequence,
			updated_at = excluded.updated_at
		WHERE directory.sequence < excluded.sequence`

	attrs, err := json.Marshal(nonNilAttrs(e.Attributes))
	if err != nil {
		return false, fmt.Errorf("encode attributes: %w", err)
	}
	groups, err := json.Marshal(nonNilGroups(e.GroupIDs))
	if err != nil {
		return false, fmt.Errorf("encode group ids: %w", err)
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	res, err := r.q.db.ExecContext(ctx, r.q.rebind(query),
		e.UpstreamID, e.Registration, e.Name, string(attrs), string(groups), e.Deleted, e.Sequence, updated.UTC())
	if err != nil {
		return false, fmt.Errorf("put directory entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put directory entry: %w", err)
	}
	if n == 0 {
		r.log.Debug("stale directory entry ignored", "upstream_id", e.UpstreamID, "sequence", e.Sequence)
	}
	return n > 0, nil
}

func (r *DirectoryRepository) Get(ctx context.Context, upstreamID string) (*sync.DirectoryEntry, error) {
	query := `SELECT ` + directoryColumns + ` FROM directory WHERE upstream_id = ?`

	e, err := scanEntry(r.q.db.QueryRowContext(ctx, r.q.rebind(query), upstreamID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sync.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get directory entry: %w", err)
	}
	return e, nil
}

func (r *DirectoryRepository) List(ctx context.Context) ([]sync.DirectoryEntry, error) {
	query := `SELECT ` + directoryColumns + ` FROM directory ORDER BY upstream_id`

	rows, err := r.q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}
	defer rows.Close()

	var out []sync.DirectoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan directory entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEntry(row scanner) (*sync.DirectoryEntry, error) {
	var (
		e             sync.DirectoryEntry
		attrs, groups []byte
	)
	err := row.Scan(&e.UpstreamID, &e.Registration, &e.Name, &attrs, &groups, &e.Deleted, &e.Sequence, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}
	if len(groups) > 0 {
		if err := json.Unmarshal(groups, &e.GroupIDs); err != nil {
			return nil, fmt.Errorf("decode group ids: %w", err)
		}
	}
	if len(e.Attributes) == 0 {
		e.Attributes = nil
	}
	if len(e.GroupIDs) == 0 {
		e.GroupIDs = nil
	}
	return &e, nil
}

func nonNilAttrs(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilGroups(g []int64) []int64 {
	if g == nil {
		return []int64{}
	}
	return g
}

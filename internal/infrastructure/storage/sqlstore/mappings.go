package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"controlsync/internal/domain/mapping"
)

type MappingRepository struct {
	q   *querier
	log *slog.Logger
}

const mappingColumns = `upstream_id, terminal_id, device_user_id, natural_key, photo_fingerprint,
	state, last_error, digest, rejected_digest, sequence, missing_count, created_at, updated_at`

func (r *MappingRepository) Get(ctx context.Context, upstreamID, terminalID string) (*mapping.Mapping, error) {
	m, err := r.get(ctx, r.q.db, upstreamID, terminalID, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mapping.ErrNotFound
		}
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	return m, nil
}

func (r *MappingRepository) get(ctx context.Context, ex execer, upstreamID, terminalID string, forUpdate bool) (*mapping.Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings WHERE upstream_id = ? AND terminal_id = ?`
	if forUpdate && r.q.dialect == Postgres {
		query += ` FOR UPDATE`
	}
	return scanMapping(ex.QueryRowContext(ctx, r.q.rebind(query), upstreamID, terminalID))
}

// Update читает и перезаписывает строку в одной транзакции.
// В postgres пара сериализуется advisory-блокировкой, которая держится до конца транзакции,
// sqlite открывает транзакции как BEGIN IMMEDIATE.
func (r *MappingRepository) Update(ctx context.Context, upstreamID, terminalID string, fn mapping.UpdateFunc) (*mapping.Mapping, error) {
	var saved *mapping.Mapping

	err := r.q.inTx(ctx, func(tx *sql.Tx) error {
		if r.q.dialect == Postgres {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, terminalID+"/"+upstreamID); err != nil {
				return fmt.Errorf("lock mapping: %w", err)
			}
		}

		current, err := r.get(ctx, tx, upstreamID, terminalID, true)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			current = nil
		case err != nil:
			return fmt.Errorf("get mapping: %w", err)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		next.UpstreamID = upstreamID
		next.TerminalID = terminalID

		if next.DeviceUserID > 0 && next.State != mapping.StateDeleted {
			if err := r.checkDevice(ctx, tx, next); err != nil {
				return err
			}
		}

		if err := r.upsert(ctx, tx, next); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %d", mapping.ErrDuplicateDeviceID, next.DeviceUserID)
			}
			return fmt.Errorf("save mapping: %w", err)
		}
		saved = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (r *MappingRepository) checkDevice(ctx context.Context, tx *sql.Tx, m *mapping.Mapping) error {
	const query = `
		SELECT upstream_id FROM mappings
		WHERE terminal_id = ? AND device_user_id = ? AND state <> ? AND upstream_id <> ?
		LIMIT 1`

	var owner string
	err := tx.QueryRowContext(ctx, r.q.rebind(query),
		m.TerminalID, m.DeviceUserID, string(mapping.StateDeleted), m.UpstreamID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("check device id: %w", err)
	}
	r.log.Warn("device id already mapped", "terminal", m.TerminalID, "device_user_id", m.DeviceUserID, "owner", owner)
	return fmt.Errorf("%w: %d", mapping.ErrDuplicateDeviceID, m.DeviceUserID)
}

func (r *MappingRepository) upsert(ctx context.Context, tx *sql.Tx, m *mapping.Mapping) error {
	const query = `
		INSERT INTO mappings (` + mappingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (upstream_id, terminal_id) DO UPDATE SET
			device_user_id = excluded.device_user_id,
			natural_key = excluded.natural_key,
			photo_fingerprint = excluded.photo_fingerprint,
			state = excluded.state,
			last_error = excluded.last_error,
			digest = excluded.digest,
			rejected_digest = excluded.rejected_digest,
			sequence = excluded.sequence,
			missing_count = excluded.missing_count,
			updated_at = excluded.updated_at`

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}

	_, err := tx.ExecContext(ctx, r.q.rebind(query),
		m.UpstreamID, m.TerminalID, m.DeviceUserID, m.NaturalKey, m.PhotoFingerprint,
		string(m.State), m.LastError, m.Digest, m.RejectedDigest, m.Sequence, m.MissingCount,
		m.CreatedAt.UTC(), m.UpdatedAt.UTC())
	return err
}

func (r *MappingRepository) ListByTerminal(ctx context.Context, terminalID string) ([]mapping.Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings WHERE terminal_id = ? ORDER BY upstream_id`
	return r.list(ctx, query, terminalID)
}

func (r *MappingRepository) FindByNaturalKey(ctx context.Context, terminalID, naturalKey string) ([]mapping.Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings WHERE terminal_id = ? AND natural_key = ? ORDER BY upstream_id`
	return r.list(ctx, query, terminalID, naturalKey)
}

func (r *MappingRepository) FindByDeviceID(ctx context.Context, terminalID string, deviceUserID int64) (*mapping.Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings
		WHERE terminal_id = ? AND device_user_id = ? AND state <> ?
		ORDER BY upstream_id LIMIT 1`

	m, err := scanMapping(r.q.db.QueryRowContext(ctx, r.q.rebind(query), terminalID, deviceUserID, string(mapping.StateDeleted)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mapping.ErrNotFound
		}
		return nil, fmt.Errorf("find mapping by device id: %w", err)
	}
	return m, nil
}

func (r *MappingRepository) list(ctx context.Context, query string, args ...any) ([]mapping.Mapping, error) {
	rows, err := r.q.db.QueryContext(ctx, r.q.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []mapping.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMapping(row scanner) (*mapping.Mapping, error) {
	var (
		m     mapping.Mapping
		state string
	)
	err := row.Scan(&m.UpstreamID, &m.TerminalID, &m.DeviceUserID, &m.NaturalKey, &m.PhotoFingerprint,
		&state, &m.LastError, &m.Digest, &m.RejectedDigest, &m.Sequence, &m.MissingCount,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.State = mapping.State(state)
	return &m, nil
}

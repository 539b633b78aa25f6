package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"controlsync/internal/domain/photo"
)

// PhotoQueue очередь фотографий. Порядок задает queue_pos.
type PhotoQueue struct {
	q   *querier
	log *slog.Logger
}

func (p *PhotoQueue) Enqueue(ctx context.Context, item *photo.Pending) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	return p.q.inTx(ctx, func(tx *sql.Tx) error {
		const drop = `DELETE FROM pending_photos WHERE upstream_id = ? AND terminal_id = ?`
		if _, err := tx.ExecContext(ctx, p.q.rebind(drop), item.UpstreamID, item.TerminalID); err != nil {
			return fmt.Errorf("replace queued photo: %w", err)
		}

		const insert = `
			INSERT INTO pending_photos (id, upstream_id, terminal_id, image, fingerprint, taken_at_ms,
				match_faces, attempts, enqueued_at, queue_pos)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(queue_pos), 0) + 1 FROM pending_photos))`
		_, err := tx.ExecContext(ctx, p.q.rebind(insert),
			item.ID, item.UpstreamID, item.TerminalID, item.Image, item.Fingerprint, item.Timestamp,
			item.Match, item.Attempts, item.EnqueuedAt.UTC())
		if err != nil {
			return fmt.Errorf("enqueue photo: %w", err)
		}
		return nil
	})
}

func (p *PhotoQueue) ListByTerminal(ctx context.Context, terminalID string) ([]photo.Pending, error) {
	const query = `
		SELECT id, upstream_id, terminal_id, image, fingerprint, taken_at_ms, match_faces, attempts, enqueued_at
		FROM pending_photos WHERE terminal_id = ?
		ORDER BY queue_pos`

	rows, err := p.q.db.QueryContext(ctx, p.q.rebind(query), terminalID)
	if err != nil {
		return nil, fmt.Errorf("list queued photos: %w", err)
	}
	defer rows.Close()

	var out []photo.Pending
	for rows.Next() {
		var item photo.Pending
		err := rows.Scan(&item.ID, &item.UpstreamID, &item.TerminalID, &item.Image, &item.Fingerprint,
			&item.Timestamp, &item.Match, &item.Attempts, &item.EnqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("scan queued photo: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (p *PhotoQueue) Requeue(ctx context.Context, id string, attempts int) error {
	const query = `
		UPDATE pending_photos
		SET attempts = ?, queue_pos = (SELECT COALESCE(MAX(queue_pos), 0) + 1 FROM pending_photos)
		WHERE id = ?`

	if _, err := p.q.db.ExecContext(ctx, p.q.rebind(query), attempts, id); err != nil {
		return fmt.Errorf("requeue photo: %w", err)
	}
	return nil
}

func (p *PhotoQueue) Remove(ctx context.Context, id string) error {
	const query = `DELETE FROM pending_photos WHERE id = ?`

	if _, err := p.q.db.ExecContext(ctx, p.q.rebind(query), id); err != nil {
		return fmt.Errorf("remove queued photo: %w", err)
	}
	return nil
}

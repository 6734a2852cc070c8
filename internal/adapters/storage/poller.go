package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/graduator/internal/domain"
)

const metaLastProcessed = "last_processed_time"

// Cursor returns the saved event cursor for a curve package (zero if none).
func (s *Store) Cursor(ctx context.Context, pkg string) (domain.EventID, error) {
	var c domain.EventID
	err := s.db.QueryRowContext(ctx, s.q(`SELECT tx_digest, event_seq FROM poller_cursors WHERE package = ?`), pkg).
		Scan(&c.TxDigest, &c.EventSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EventID{}, nil
	}
	if err != nil {
		return domain.EventID{}, fmt.Errorf("storage.Cursor %s: %w", pkg, err)
	}
	return c, nil
}

// SaveCursor stores the cursor and the global last-processed time together.
func (s *Store) SaveCursor(ctx context.Context, pkg string, cursor domain.EventID, processedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveCursor: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO poller_cursors (package, tx_digest, event_seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(package) DO UPDATE SET
			tx_digest  = excluded.tx_digest,
			event_seq  = excluded.event_seq,
			updated_at = excluded.updated_at`),
		pkg, cursor.TxDigest, cursor.EventSeq, formatTime(processedAt),
	); err != nil {
		return fmt.Errorf("storage.SaveCursor: upsert cursor: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO orchestrator_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`),
		metaLastProcessed, formatTime(processedAt),
	); err != nil {
		return fmt.Errorf("storage.SaveCursor: upsert meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveCursor: commit: %w", err)
	}
	return nil
}

// LastProcessedTime returns when the poller last advanced a cursor.
func (s *Store) LastProcessedTime(ctx context.Context) (time.Time, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM orchestrator_meta WHERE key = ?`), metaLastProcessed).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("storage.LastProcessedTime: %w", err)
	}
	return parseTime(v), nil
}

// MarkEventProcessed records a graduation transaction as handled. Idempotent.
func (s *Store) MarkEventProcessed(ctx context.Context, txDigest, taskID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO processed_events (tx_digest, task_id, processed_at) VALUES (?, ?, ?)
		ON CONFLICT(tx_digest) DO NOTHING`),
		txDigest, taskID, formatTime(at),
	); err != nil {
		return fmt.Errorf("storage.MarkEventProcessed %s: %w", txDigest, err)
	}
	return nil
}

// ProcessedEvents returns tx digest → task id for every handled graduation.
func (s *Store) ProcessedEvents(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tx_digest, task_id FROM processed_events`)
	if err != nil {
		return nil, fmt.Errorf("storage.ProcessedEvents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var digest, task string
		if err := rows.Scan(&digest, &task); err != nil {
			return nil, fmt.Errorf("storage.ProcessedEvents: scan: %w", err)
		}
		out[digest] = task
	}
	return out, rows.Err()
}

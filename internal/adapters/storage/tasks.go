package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandrodnm/graduator/internal/domain"
)

const taskColumns = `task_id, asset_id, status, step_payouts, step_liquidity, step_pool, step_locked,
    extracted_funds, pool_address, position_id, error, event_tx_digest, contract_version,
    attempts, started_at, updated_at, completed_at`

// Save replaces the full task record in a single statement.
func (s *Store) Save(ctx context.Context, t *domain.GraduationTask) error {
	if t == nil || t.TaskID == "" {
		return fmt.Errorf("storage.Save: task id required")
	}

	funds := ""
	if t.ExtractedFunds != nil {
		b, err := json.Marshal(t.ExtractedFunds)
		if err != nil {
			return fmt.Errorf("storage.Save: marshal funds %s: %w", t.TaskID, err)
		}
		funds = string(b)
	}
	completed := ""
	if t.CompletedAt != nil {
		completed = formatTime(*t.CompletedAt)
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO graduation_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			asset_id         = excluded.asset_id,
			status           = excluded.status,
			step_payouts     = excluded.step_payouts,
			step_liquidity   = excluded.step_liquidity,
			step_pool        = excluded.step_pool,
			step_locked      = excluded.step_locked,
			extracted_funds  = excluded.extracted_funds,
			pool_address     = excluded.pool_address,
			position_id      = excluded.position_id,
			error            = excluded.error,
			event_tx_digest  = excluded.event_tx_digest,
			contract_version = excluded.contract_version,
			attempts         = excluded.attempts,
			started_at       = excluded.started_at,
			updated_at       = excluded.updated_at,
			completed_at     = excluded.completed_at`),
		t.TaskID, t.AssetID, string(t.Status),
		boolInt(t.Steps.Payouts), boolInt(t.Steps.Liquidity), boolInt(t.Steps.Pool), boolInt(t.Steps.Locked),
		funds, t.PoolAddress, t.PositionID, t.Error, t.EventTxDigest, t.ContractVersion,
		t.Attempts, formatTime(t.StartedAt), formatTime(t.UpdatedAt), completed,
	)
	if err != nil {
		return fmt.Errorf("storage.Save: upsert %s: %w", t.TaskID, err)
	}
	return nil
}

// Get returns one task or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, taskID string) (*domain.GraduationTask, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+taskColumns+` FROM graduation_tasks WHERE task_id = ?`), taskID)
	if err != nil {
		return nil, fmt.Errorf("storage.Get: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("storage.Get: %w", err)
		}
		return nil, fmt.Errorf("storage.Get %s: %w", taskID, domain.ErrNotFound)
	}
	t, err := scanTask(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.Get: %w", err)
	}
	return t, nil
}

// Load returns every task keyed by task id.
func (s *Store) Load(ctx context.Context) (map[string]*domain.GraduationTask, error) {
	tasks, err := s.query(ctx, `SELECT `+taskColumns+` FROM graduation_tasks`)
	if err != nil {
		return nil, fmt.Errorf("storage.Load: %w", err)
	}
	out := make(map[string]*domain.GraduationTask, len(tasks))
	for _, t := range tasks {
		out[t.TaskID] = t
	}
	return out, nil
}

// All returns every task, oldest first (status report).
func (s *Store) All(ctx context.Context) ([]*domain.GraduationTask, error) {
	tasks, err := s.query(ctx, `SELECT `+taskColumns+` FROM graduation_tasks ORDER BY started_at, task_id`)
	if err != nil {
		return nil, fmt.Errorf("storage.All: %w", err)
	}
	return tasks, nil
}

// GetIncomplete returns non-terminal tasks ordered by detection time.
func (s *Store) GetIncomplete(ctx context.Context) ([]*domain.GraduationTask, error) {
	tasks, err := s.query(ctx, `SELECT `+taskColumns+` FROM graduation_tasks
		WHERE status NOT IN (?, ?) ORDER BY started_at, task_id`,
		string(domain.StatusCompleted), string(domain.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("storage.GetIncomplete: %w", err)
	}
	return tasks, nil
}

// Remove deletes a task. Removing an unknown id is not an error.
func (s *Store) Remove(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM graduation_tasks WHERE task_id = ?`), taskID); err != nil {
		return fmt.Errorf("storage.Remove %s: %w", taskID, err)
	}
	return nil
}

// PruneTerminal deletes terminal tasks last updated before cutoff. FAILED
// tasks that still hold extracted funds are kept: their coins stay reserved
// until an operator requeues or removes them.
func (s *Store) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM graduation_tasks
		WHERE updated_at < ?
		  AND (status = ? OR (status = ? AND extracted_funds = ''))`),
		formatTime(cutoff), string(domain.StatusCompleted), string(domain.StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("storage.PruneTerminal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReservedCoinIDs returns coin handles recorded by tasks that have not
// completed. FAILED tasks keep their coins reserved until an operator acts.
func (s *Store) ReservedCoinIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT extracted_funds FROM graduation_tasks
		WHERE status <> ? AND extracted_funds <> ''`), string(domain.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("storage.ReservedCoinIDs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("storage.ReservedCoinIDs: scan: %w", err)
		}
		var f domain.ExtractedFunds
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("storage.ReservedCoinIDs: decode: %w", err)
		}
		ids = append(ids, f.CoinIDs()...)
	}
	return ids, rows.Err()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*domain.GraduationTask, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.GraduationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(rows *sql.Rows) (*domain.GraduationTask, error) {
	var (
		t                              domain.GraduationTask
		status, funds                  string
		payouts, liquidity, pool, lock int
		started, updated, completed    string
	)
	err := rows.Scan(
		&t.TaskID, &t.AssetID, &status, &payouts, &liquidity, &pool, &lock,
		&funds, &t.PoolAddress, &t.PositionID, &t.Error, &t.EventTxDigest, &t.ContractVersion,
		&t.Attempts, &started, &updated, &completed,
	)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Status = domain.TaskStatus(status)
	if !t.Status.Valid() {
		return nil, fmt.Errorf("scan task %s: unknown status %q", t.TaskID, status)
	}
	t.Steps = domain.StepFlags{
		Payouts:   payouts != 0,
		Liquidity: liquidity != 0,
		Pool:      pool != 0,
		Locked:    lock != 0,
	}
	if funds != "" {
		var f domain.ExtractedFunds
		if err := json.Unmarshal([]byte(funds), &f); err != nil {
			return nil, fmt.Errorf("scan task %s: decode funds: %w", t.TaskID, err)
		}
		t.ExtractedFunds = &f
	}
	t.StartedAt = parseTime(started)
	t.UpdatedAt = parseTime(updated)
	if completed != "" {
		c := parseTime(completed)
		t.CompletedAt = &c
	}
	return &t, nil
}


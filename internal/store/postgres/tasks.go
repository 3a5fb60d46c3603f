package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
)

type taskRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTaskRepo creates the PostgreSQL backfill task queue.
func NewTaskRepo(db *sqlx.DB, timeout time.Duration) store.TaskRepo {
	return &taskRepo{db: db, timeout: timeout}
}

const taskColumns = `id, market_id, data_type, timeframe, start_time, end_time,
	status, priority, retry_count, expected_count, actual_count, error_msg,
	created_at, updated_at`

func (r *taskRepo) Create(ctx context.Context, t model.BackfillTask) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// The partial unique index keeps one active task per span; a
	// conflicting insert is a no-op.
	query := `
		INSERT INTO backfill_tasks
			(market_id, data_type, timeframe, start_time, end_time, status, priority, expected_count)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		ON CONFLICT (market_id, data_type, timeframe, start_time, end_time)
			WHERE status IN ('pending', 'running')
			DO NOTHING
		RETURNING id`

	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		t.MarketID, t.DataType, t.Timeframe, t.StartTime, t.EndTime,
		t.Priority, t.ExpectedCount).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	return id, nil
}

func (r *taskRepo) ClaimPending(ctx context.Context, limit int) ([]model.BackfillTask, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE backfill_tasks SET status = 'running', updated_at = now()
		WHERE id IN (
			SELECT id FROM backfill_tasks
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, taskColumns)

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.BackfillTask
	for rows.Next() {
		var t model.BackfillTask
		if err := rows.StructScan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func (r *taskRepo) Complete(ctx context.Context, id int64, actual int) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE backfill_tasks
		SET status = 'completed', actual_count = $2, error_msg = '', updated_at = now()
		WHERE id = $1`, id, actual)
	if err != nil {
		return fmt.Errorf("failed to complete task %d: %w", id, err)
	}
	return nil
}

func (r *taskRepo) Fail(ctx context.Context, id int64, actual int, errMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE backfill_tasks
		SET status = 'failed', retry_count = retry_count + 1,
		    actual_count = $2, error_msg = $3, updated_at = now()
		WHERE id = $1`, id, actual, errMsg)
	if err != nil {
		return fmt.Errorf("failed to fail task %d: %w", id, err)
	}
	return nil
}

func (r *taskRepo) RequeueFailed(ctx context.Context, maxRetries int, cooldown time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE backfill_tasks
		SET status = 'pending', updated_at = now()
		WHERE status = 'failed' AND retry_count < $1 AND updated_at < $2`,
		maxRetries, time.Now().UTC().Add(-cooldown))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue tasks: %w", err)
	}
	return res.RowsAffected()
}

func (r *taskRepo) ReleaseRunning(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE backfill_tasks
		SET status = 'pending', updated_at = now()
		WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("failed to release running tasks: %w", err)
	}
	return res.RowsAffected()
}

func (r *taskRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM backfill_tasks
		WHERE status IN ('completed', 'failed') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to GC tasks: %w", err)
	}
	return res.RowsAffected()
}

func (r *taskRepo) CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM backfill_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int64)
	for rows.Next() {
		var status model.TaskStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

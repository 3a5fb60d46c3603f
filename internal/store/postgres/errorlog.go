package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
)

type errorLogRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewErrorLogRepo creates the append-only REST failure log.
func NewErrorLogRepo(db *sqlx.DB, timeout time.Duration) store.ErrorLogRepo {
	return &errorLogRepo{db: db, timeout: timeout}
}

func (r *errorLogRepo) Insert(ctx context.Context, e model.APIErrorLog) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ts := e.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_error_logs (exchange, endpoint, kind, code, message, params, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Exchange, e.Endpoint, e.Kind, e.Code, e.Message, e.Params, ts)
	if err != nil {
		return fmt.Errorf("failed to insert error log: %w", err)
	}
	return nil
}

func (r *errorLogRepo) Recent(ctx context.Context, limit int) ([]model.APIErrorLog, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []model.APIErrorLog
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, exchange, endpoint, kind, code, message, params, ts
		FROM api_error_logs
		ORDER BY ts DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query error logs: %w", err)
	}
	return out, nil
}

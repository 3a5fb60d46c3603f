package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
)

type eventRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEventRepo creates the PostgreSQL critical event repository.
func NewEventRepo(db *sqlx.DB, timeout time.Duration) store.EventRepo {
	return &eventRepo{db: db, timeout: timeout}
}

func (r *eventRepo) Insert(ctx context.Context, e model.CriticalEvent) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var id int64
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO critical_events (name, kind, start_time, end_time, market_ids, preserve_raw)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		e.Name, e.Kind, e.StartTime, e.EndTime, pq.Array(e.MarketIDs), e.PreserveRaw).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert critical event: %w", err)
	}
	return id, nil
}

func (r *eventRepo) Overlapping(ctx context.Context, from, to time.Time) ([]model.CriticalEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, name, kind, start_time, end_time, market_ids, preserve_raw, created_at
		FROM critical_events
		WHERE start_time < $2 AND end_time > $1
		ORDER BY start_time`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query critical events: %w", err)
	}
	defer rows.Close()

	var out []model.CriticalEvent
	for rows.Next() {
		var e model.CriticalEvent
		var ids pq.Int64Array
		if err := rows.Scan(&e.ID, &e.Name, &e.Kind, &e.StartTime, &e.EndTime,
			&ids, &e.PreserveRaw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan critical event: %w", err)
		}
		e.MarketIDs = ids
		out = append(out, e)
	}
	return out, rows.Err()
}

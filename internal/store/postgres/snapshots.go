package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
)

type snapshotRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSnapshotRepo creates the PostgreSQL order-book snapshot repository.
func NewSnapshotRepo(db *sqlx.DB, timeout time.Duration) store.SnapshotRepo {
	return &snapshotRepo{db: db, timeout: timeout}
}

const insertSnapshotQuery = `
	INSERT INTO orderbook_snapshots (market_id, ts, update_id, bids, asks)
	VALUES ($1, $2, $3, $4, $5)`

func (r *snapshotRepo) InsertBatch(ctx context.Context, snaps []model.BookSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSnapshotQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range snaps {
		bids, err := json.Marshal(s.Bids)
		if err != nil {
			return fmt.Errorf("failed to marshal bids: %w", err)
		}
		asks, err := json.Marshal(s.Asks)
		if err != nil {
			return fmt.Errorf("failed to marshal asks: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, s.MarketID, s.Time, s.UpdateID, bids, asks); err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
	}

	return tx.Commit()
}

func (r *snapshotRepo) Latest(ctx context.Context, marketID int64) (*model.BookSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT market_id, ts, update_id, bids, asks
		FROM orderbook_snapshots
		WHERE market_id = $1
		ORDER BY ts DESC
		LIMIT 1`, marketID)

	var s model.BookSnapshot
	var bids, asks []byte
	if err := row.Scan(&s.MarketID, &s.Time, &s.UpdateID, &bids, &asks); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	if err := json.Unmarshal(bids, &s.Bids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bids: %w", err)
	}
	if err := json.Unmarshal(asks, &s.Asks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal asks: %w", err)
	}
	return &s, nil
}

func (r *snapshotRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM orderbook_snapshots s
		WHERE s.ts < $1
		  AND NOT EXISTS (
			SELECT 1 FROM critical_events ce
			WHERE ce.preserve_raw
			  AND s.ts >= ce.start_time AND s.ts < ce.end_time
			  AND (cardinality(ce.market_ids) = 0 OR s.market_id = ANY(ce.market_ids)))`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
)

type tradeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradeRepo creates the PostgreSQL trade repository.
func NewTradeRepo(db *sqlx.DB, timeout time.Duration) store.TradeRepo {
	return &tradeRepo{db: db, timeout: timeout}
}

const insertTradeQuery = `
	INSERT INTO trades (market_id, trade_id, ts, price, quantity, side)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (market_id, trade_id) DO NOTHING`

func (r *tradeRepo) InsertBatch(ctx context.Context, trades []model.Trade) (int64, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertTradeQuery)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, t := range trades {
		res, err := stmt.ExecContext(ctx, t.MarketID, t.TradeID, t.Time, t.Price, t.Quantity, t.Side)
		if err != nil {
			return 0, fmt.Errorf("failed to insert trade: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *tradeRepo) Range(ctx context.Context, marketID int64, from, to time.Time, limit int) ([]model.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []model.Trade
	err := r.db.SelectContext(ctx, &out, `
		SELECT market_id, trade_id, ts, price, quantity, side
		FROM trades
		WHERE market_id = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts
		LIMIT $4`, marketID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	return out, nil
}

func (r *tradeRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM trades t
		WHERE t.ts < $1
		  AND NOT EXISTS (
			SELECT 1 FROM critical_events ce
			WHERE ce.preserve_raw
			  AND t.ts >= ce.start_time AND t.ts < ce.end_time
			  AND (cardinality(ce.market_ids) = 0 OR t.market_id = ANY(ce.market_ids)))`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune trades: %w", err)
	}
	return res.RowsAffected()
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
)

type candleRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCandleRepo creates the PostgreSQL OHLCV repository.
func NewCandleRepo(db *sqlx.DB, timeout time.Duration) store.CandleRepo {
	return &candleRepo{db: db, timeout: timeout}
}

const upsertCandleQuery = `
	INSERT INTO ohlcv (market_id, timeframe, open_time, open, high, low, close,
	                   base_volume, quote_volume, trade_count)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (market_id, timeframe, open_time) DO UPDATE SET
		open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		close = EXCLUDED.close, base_volume = EXCLUDED.base_volume,
		quote_volume = EXCLUDED.quote_volume, trade_count = EXCLUDED.trade_count`

func (r *candleRepo) UpsertBatch(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertCandleQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx,
			c.MarketID, c.Timeframe, c.OpenTime, c.Open, c.High, c.Low, c.Close,
			c.BaseVolume, c.QuoteVolume, c.TradeCount)
		if err != nil {
			return fmt.Errorf("failed to upsert candle: %w", err)
		}
	}

	return tx.Commit()
}

func (r *candleRepo) Range(ctx context.Context, marketID int64, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []model.Candle
	err := r.db.SelectContext(ctx, &out, `
		SELECT market_id, timeframe, open_time, open, high, low, close,
		       base_volume, quote_volume, trade_count
		FROM ohlcv
		WHERE market_id = $1 AND timeframe = $2 AND open_time >= $3 AND open_time < $4
		ORDER BY open_time`, marketID, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	return out, nil
}

func (r *candleRepo) ScanWindow(ctx context.Context, marketID int64, tf model.Timeframe, from, to time.Time) ([]store.CandleScan, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []store.CandleScan
	err := r.db.SelectContext(ctx, &out, `
		SELECT open_time, inserted_at, close, base_volume
		FROM ohlcv
		WHERE market_id = $1 AND timeframe = $2 AND open_time >= $3 AND open_time < $4
		ORDER BY inserted_at, open_time`, marketID, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to scan candle window: %w", err)
	}
	return out, nil
}

func (r *candleRepo) CountRange(ctx context.Context, marketID int64, tf model.Timeframe, from, to time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.QueryRowxContext(ctx, `
		SELECT COUNT(*)
		FROM ohlcv
		WHERE market_id = $1 AND timeframe = $2 AND open_time >= $3 AND open_time < $4`,
		marketID, tf, from, to).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	return count, nil
}

// aggregateTierQuery buckets src bars and upserts one dst bar per
// bucket. The correlated COALESCE resumes each market at its newest dst
// bar; that bucket is recomputed, so src rows landing after the last
// sweep are folded in. $4 excludes the bucket still open at now.
const aggregateTierQuery = `
	INSERT INTO ohlcv (market_id, timeframe, open_time, open, high, low, close,
	                   base_volume, quote_volume, trade_count)
	SELECT s.market_id, $1, s.bucket,
	       (array_agg(s.open ORDER BY s.open_time))[1],
	       MAX(s.high), MIN(s.low),
	       (array_agg(s.close ORDER BY s.open_time DESC))[1],
	       SUM(s.base_volume), SUM(s.quote_volume), SUM(s.trade_count)
	FROM (
		SELECT market_id, open_time, open, high, low, close,
		       base_volume, quote_volume, trade_count,
		       to_timestamp(floor(extract(epoch FROM open_time) / $2) * $2) AS bucket
		FROM ohlcv
		WHERE timeframe = $3 AND open_time < $4
	) s
	WHERE s.bucket >= COALESCE(
		(SELECT MAX(o.open_time) FROM ohlcv o
		 WHERE o.market_id = s.market_id AND o.timeframe = $1),
		'epoch'::timestamptz)
	GROUP BY s.market_id, s.bucket
	ON CONFLICT (market_id, timeframe, open_time) DO UPDATE SET
		open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		close = EXCLUDED.close, base_volume = EXCLUDED.base_volume,
		quote_volume = EXCLUDED.quote_volume, trade_count = EXCLUDED.trade_count`

func (r *candleRepo) AggregateTier(ctx context.Context, src, dst model.Timeframe, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, aggregateTierQuery,
		dst, int64(dst.Duration().Seconds()), src, dst.Truncate(now))
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate %s candles: %w", dst, err)
	}
	return res.RowsAffected()
}

func (r *candleRepo) DeleteBefore(ctx context.Context, tf model.Timeframe, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM ohlcv o
		WHERE o.timeframe = $1 AND o.open_time < $2
		  AND NOT EXISTS (
			SELECT 1 FROM critical_events ce
			WHERE ce.preserve_raw
			  AND o.open_time >= ce.start_time AND o.open_time < ce.end_time
			  AND (cardinality(ce.market_ids) = 0 OR o.market_id = ANY(ce.market_ids)))`,
		tf, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune candles: %w", err)
	}
	return res.RowsAffected()
}

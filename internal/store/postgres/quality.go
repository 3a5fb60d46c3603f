package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
)

type qualityRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewQualityRepo creates the PostgreSQL quality summary repository.
func NewQualityRepo(db *sqlx.DB, timeout time.Duration) store.QualityRepo {
	return &qualityRepo{db: db, timeout: timeout}
}

func (r *qualityRepo) Insert(ctx context.Context, s model.QualitySummary) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO data_quality_summary
			(market_id, data_type, timeframe, window_start, window_end,
			 expected_count, actual_count, missing_count, duplicate_count,
			 out_of_order_count, price_jump_count, volume_spike_count,
			 score, validated, issues)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		s.MarketID, s.DataType, s.Timeframe, s.WindowStart, s.WindowEnd,
		s.ExpectedCount, s.ActualCount, s.MissingCount, s.DuplicateCount,
		s.OutOfOrderCount, s.PriceJumpCount, s.VolumeSpikeCount,
		s.Score, s.Validated, s.Issues)
	if err != nil {
		return fmt.Errorf("failed to insert quality summary: %w", err)
	}
	return nil
}

func (r *qualityRepo) Recent(ctx context.Context, limit int) ([]model.QualitySummary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []model.QualitySummary
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, market_id, data_type, timeframe, window_start, window_end,
		       expected_count, actual_count, missing_count, duplicate_count,
		       out_of_order_count, price_jump_count, volume_spike_count,
		       score, validated, issues, created_at
		FROM data_quality_summary
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query quality summaries: %w", err)
	}
	return out, nil
}

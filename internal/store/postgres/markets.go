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

type marketRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMarketRepo creates the PostgreSQL market registry.
func NewMarketRepo(db *sqlx.DB, timeout time.Duration) store.MarketRepo {
	return &marketRepo{db: db, timeout: timeout}
}

func (r *marketRepo) Ensure(ctx context.Context, m model.Market) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// NULLIF keeps existing metadata when the incoming row has none.
	query := `
		INSERT INTO markets (exchange_id, symbol, base_asset, quote_asset, market_type)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (exchange_id, symbol) DO UPDATE SET
			base_asset  = COALESCE(NULLIF(EXCLUDED.base_asset, ''), markets.base_asset),
			quote_asset = COALESCE(NULLIF(EXCLUDED.quote_asset, ''), markets.quote_asset),
			market_type = EXCLUDED.market_type
		RETURNING id`

	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		m.ExchangeID, m.Symbol, m.BaseAsset, m.QuoteAsset, m.Type).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure market %s: %w", m.Symbol, err)
	}
	return id, nil
}

func (r *marketRepo) Lookup(ctx context.Context, exchangeName, symbol string) (*model.Market, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT m.id, m.exchange_id, m.symbol, m.base_asset, m.quote_asset, m.market_type
		FROM markets m
		JOIN exchanges e ON e.id = m.exchange_id
		WHERE e.name = $1 AND m.symbol = $2`

	var m model.Market
	err := r.db.GetContext(ctx, &m, query, exchangeName, symbol)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lookup market %s/%s: %w", exchangeName, symbol, err)
	}
	return &m, nil
}

func (r *marketRepo) ListByExchange(ctx context.Context, exchangeID int64) ([]model.Market, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []model.Market
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, exchange_id, symbol, base_asset, quote_asset, market_type
		FROM markets
		WHERE exchange_id = $1
		ORDER BY symbol`, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}
	return out, nil
}

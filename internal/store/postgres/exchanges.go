package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
)

type exchangeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewExchangeRepo creates the PostgreSQL exchange registry.
func NewExchangeRepo(db *sqlx.DB, timeout time.Duration) store.ExchangeRepo {
	return &exchangeRepo{db: db, timeout: timeout}
}

func (r *exchangeRepo) Ensure(ctx context.Context, ex model.Exchange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO exchanges (name, display_name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id`

	var id int64
	if err := r.db.QueryRowxContext(ctx, query, ex.Name, ex.DisplayName).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to ensure exchange %s: %w", ex.Name, err)
	}
	return id, nil
}

func (r *exchangeRepo) List(ctx context.Context) ([]model.Exchange, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []model.Exchange
	err := r.db.SelectContext(ctx, &out,
		`SELECT id, name, display_name FROM exchanges ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	return out, nil
}

// Package postgres implements the store interfaces on PostgreSQL via
// sqlx/lib-pq. One *sqlx.DB is shared by every repository; per-call
// timeouts bound each query.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/store"
)

const defaultTimeout = 30 * time.Second

// Open connects, configures the pool, and pings.
func Open(cfg config.PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Int("max_open", cfg.MaxOpenConns).
		Int("max_idle", cfg.MaxIdleConns).
		Msg("database connected")

	return db, nil
}

// New builds the repository collection over one connection.
func New(db *sqlx.DB) *store.Store {
	return &store.Store{
		Exchanges: NewExchangeRepo(db, defaultTimeout),
		Markets:   NewMarketRepo(db, defaultTimeout),
		Candles:   NewCandleRepo(db, defaultTimeout),
		Trades:    NewTradeRepo(db, defaultTimeout),
		Snapshots: NewSnapshotRepo(db, defaultTimeout),
		Tasks:     NewTaskRepo(db, defaultTimeout),
		Quality:   NewQualityRepo(db, defaultTimeout),
		ErrorLog:  NewErrorLogRepo(db, defaultTimeout),
		Events:    NewEventRepo(db, defaultTimeout),
	}
}

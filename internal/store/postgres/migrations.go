package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// A migration is one versioned schema step. Most steps are plain SQL;
// steps that depend on the server's capabilities carry a run func.
type migration struct {
	version int
	name    string
	stmts   []string
	run     func(ctx context.Context, tx *sqlx.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "exchanges and markets",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS exchanges (
				id           BIGSERIAL PRIMARY KEY,
				name         TEXT NOT NULL UNIQUE,
				display_name TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS markets (
				id          BIGSERIAL PRIMARY KEY,
				exchange_id BIGINT NOT NULL REFERENCES exchanges(id),
				symbol      TEXT NOT NULL,
				base_asset  TEXT NOT NULL DEFAULT '',
				quote_asset TEXT NOT NULL DEFAULT '',
				market_type TEXT NOT NULL DEFAULT 'spot',
				UNIQUE (exchange_id, symbol)
			)`,
		},
	},
	{
		version: 2,
		name:    "ohlcv",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS ohlcv (
				market_id    BIGINT NOT NULL REFERENCES markets(id),
				timeframe    TEXT NOT NULL,
				open_time    TIMESTAMPTZ NOT NULL,
				open         DOUBLE PRECISION NOT NULL,
				high         DOUBLE PRECISION NOT NULL,
				low          DOUBLE PRECISION NOT NULL,
				close        DOUBLE PRECISION NOT NULL,
				base_volume  DOUBLE PRECISION NOT NULL DEFAULT 0,
				quote_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
				trade_count  BIGINT NOT NULL DEFAULT 0,
				inserted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (market_id, timeframe, open_time)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_ohlcv_open_time ON ohlcv (timeframe, open_time)`,
		},
	},
	{
		version: 3,
		name:    "trades",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS trades (
				market_id BIGINT NOT NULL REFERENCES markets(id),
				trade_id  TEXT NOT NULL,
				ts        TIMESTAMPTZ NOT NULL,
				price     DOUBLE PRECISION NOT NULL,
				quantity  DOUBLE PRECISION NOT NULL,
				side      TEXT NOT NULL,
				PRIMARY KEY (market_id, trade_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_trades_market_ts ON trades (market_id, ts)`,
			`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades (ts)`,
		},
	},
	{
		version: 4,
		name:    "orderbook snapshots",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS orderbook_snapshots (
				id        BIGSERIAL PRIMARY KEY,
				market_id BIGINT NOT NULL REFERENCES markets(id),
				ts        TIMESTAMPTZ NOT NULL,
				update_id BIGINT NOT NULL DEFAULT 0,
				bids      JSONB NOT NULL,
				asks      JSONB NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_snapshots_market_ts ON orderbook_snapshots (market_id, ts DESC)`,
		},
	},
	{
		version: 5,
		name:    "backfill tasks",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS backfill_tasks (
				id             BIGSERIAL PRIMARY KEY,
				market_id      BIGINT NOT NULL REFERENCES markets(id),
				data_type      TEXT NOT NULL,
				timeframe      TEXT NOT NULL DEFAULT '',
				start_time     TIMESTAMPTZ NOT NULL,
				end_time       TIMESTAMPTZ NOT NULL,
				status         TEXT NOT NULL DEFAULT 'pending',
				priority       INT NOT NULL DEFAULT 5,
				retry_count    INT NOT NULL DEFAULT 0,
				expected_count INT NOT NULL DEFAULT 0,
				actual_count   INT NOT NULL DEFAULT 0,
				error_msg      TEXT NOT NULL DEFAULT '',
				created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active
				ON backfill_tasks (market_id, data_type, timeframe, start_time, end_time)
				WHERE status IN ('pending', 'running')`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_claim
				ON backfill_tasks (status, priority DESC, created_at)`,
		},
	},
	{
		version: 6,
		name:    "data quality summary",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS data_quality_summary (
				id                 BIGSERIAL PRIMARY KEY,
				market_id          BIGINT NOT NULL REFERENCES markets(id),
				data_type          TEXT NOT NULL,
				timeframe          TEXT NOT NULL,
				window_start       TIMESTAMPTZ NOT NULL,
				window_end         TIMESTAMPTZ NOT NULL,
				expected_count     INT NOT NULL DEFAULT 0,
				actual_count       INT NOT NULL DEFAULT 0,
				missing_count      INT NOT NULL DEFAULT 0,
				duplicate_count    INT NOT NULL DEFAULT 0,
				out_of_order_count INT NOT NULL DEFAULT 0,
				price_jump_count   INT NOT NULL DEFAULT 0,
				volume_spike_count INT NOT NULL DEFAULT 0,
				score              DOUBLE PRECISION NOT NULL DEFAULT 0,
				validated          BOOLEAN NOT NULL DEFAULT false,
				issues             TEXT NOT NULL DEFAULT '',
				created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_quality_market
				ON data_quality_summary (market_id, timeframe, window_end DESC)`,
		},
	},
	{
		version: 7,
		name:    "api error logs",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS api_error_logs (
				id       BIGSERIAL PRIMARY KEY,
				exchange TEXT NOT NULL,
				endpoint TEXT NOT NULL,
				kind     TEXT NOT NULL,
				code     TEXT NOT NULL DEFAULT '',
				message  TEXT NOT NULL DEFAULT '',
				params   TEXT NOT NULL DEFAULT '',
				ts       TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_error_logs_ts ON api_error_logs (ts DESC)`,
		},
	},
	{
		version: 8,
		name:    "critical events",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS critical_events (
				id           BIGSERIAL PRIMARY KEY,
				name         TEXT NOT NULL,
				kind         TEXT NOT NULL DEFAULT '',
				start_time   TIMESTAMPTZ NOT NULL,
				end_time     TIMESTAMPTZ NOT NULL,
				market_ids   BIGINT[] NOT NULL DEFAULT '{}',
				preserve_raw BOOLEAN NOT NULL DEFAULT true,
				created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_window ON critical_events (start_time, end_time)`,
		},
	},
	{
		version: 9,
		name:    "timescale hypertables when available",
		run:     convertHypertables,
	},
	{
		version: 10,
		name:    "canonicalize separator symbols",
		stmts:   canonicalizeSymbolStmts,
	},
}

// convertHypertables turns the time-series tables into hypertables when
// the TimescaleDB extension is installed. Plain PostgreSQL deployments
// skip silently.
func convertHypertables(ctx context.Context, tx *sqlx.Tx) error {
	var installed bool
	err := tx.QueryRowxContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`).Scan(&installed)
	if err != nil {
		return fmt.Errorf("failed to probe timescaledb: %w", err)
	}
	if !installed {
		log.Info().Msg("timescaledb not installed, keeping plain tables")
		return nil
	}
	for _, stmt := range []string{
		`SELECT create_hypertable('ohlcv', 'open_time', migrate_data => true, if_not_exists => true)`,
		`SELECT create_hypertable('trades', 'ts', migrate_data => true, if_not_exists => true)`,
		`SELECT create_hypertable('orderbook_snapshots', 'ts', migrate_data => true, if_not_exists => true)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create hypertable: %w", err)
		}
	}
	return nil
}

// canonicalizeSymbolStmts merges markets stored with a separator
// ("BTC/USDT") into their native-form rows ("BTCUSDT"): child rows whose
// key already exists under the canonical market are dropped, the rest
// are remapped, and the non-canonical market row is removed. Separator
// rows without a native twin are renamed in place.
var canonicalizeSymbolStmts = []string{
	// Rename when no native twin exists.
	`UPDATE markets m SET symbol = replace(m.symbol, '/', '')
		WHERE m.symbol LIKE '%/%'
		  AND NOT EXISTS (
			SELECT 1 FROM markets c
			WHERE c.exchange_id = m.exchange_id AND c.symbol = replace(m.symbol, '/', ''))`,

	// Candles: drop colliding keys, remap the rest.
	`DELETE FROM ohlcv o
		USING markets m, markets c
		WHERE o.market_id = m.id
		  AND m.symbol LIKE '%/%'
		  AND c.exchange_id = m.exchange_id AND c.symbol = replace(m.symbol, '/', '')
		  AND EXISTS (
			SELECT 1 FROM ohlcv k
			WHERE k.market_id = c.id AND k.timeframe = o.timeframe AND k.open_time = o.open_time)`,
	`UPDATE ohlcv o SET market_id = c.id
		FROM markets m, markets c
		WHERE o.market_id = m.id
		  AND m.symbol LIKE '%/%'
		  AND c.exchange_id = m.exchange_id AND c.symbol = replace(m.symbol, '/', '')`,

	// Trades.
	`DELETE FROM trades t
		USING markets m, markets c
		WHERE t.market_id = m.id
		  AND m.symbol LIKE '%/%'
		  AND c.exchange_id = m.exchange_id AND c.symbol = replace(m.symbol, '/', '')
		  AND EXISTS (
			SELECT 1 FROM trades k
			WHERE k.market_id = c.id AND k.trade_id = t.trade_id)`,
	`UPDATE trades t SET market_id = c.id
		FROM markets m, markets c
		WHERE t.market_id = m.id
		  AND m.symbol LIKE '%/%'
		  AND c.exchange_id = m.exchange_id AND c.symbol = replace(m.symbol, '/', '')`,

	// Snapshots and quality rows have surrogate keys: remap only.
	`UPDATE orderbook_snapshots s SET market_id = c.id
		FROM markets m, markets c
		WHERE s.market_id = m.id
		  AND m.symbol LIKE '%/%'
		  AND c.exchange_id = m.exchange_id AND c.symbol = replace(m.symbol, '/', '')`,
	`UPDATE data_quality_summary q SET market_id = c.id
		FROM markets m, markets c
		WHERE q.market_id = m.id
		  AND m.symbol LIKE '%/%'
		  AND c.exchange_id = m.exchange_id AND c.symbol = replace(m.symbol, '/', '')`,

	// Tasks: drop duplicate active spans, remap the rest.
	`DELETE FROM backfill_tasks t
		USING markets m, markets c
		WHERE t.market_id = m.id
		  AND m.symbol LIKE '%/%'
		  AND c.exchange_id = m.exchange_id AND c.symbol = replace(m.symbol, '/', '')
		  AND t.status IN ('pending', 'running')
		  AND EXISTS (
			SELECT 1 FROM backfill_tasks k
			WHERE k.market_id = c.id AND k.data_type = t.data_type AND k.timeframe = t.timeframe
			  AND k.start_time = t.start_time AND k.end_time = t.end_time
			  AND k.status IN ('pending', 'running'))`,
	`UPDATE backfill_tasks t SET market_id = c.id
		FROM markets m, markets c
		WHERE t.market_id = m.id
		  AND m.symbol LIKE '%/%'
		  AND c.exchange_id = m.exchange_id AND c.symbol = replace(m.symbol, '/', '')`,

	// Finally remove the merged market rows.
	`DELETE FROM markets m
		WHERE m.symbol LIKE '%/%'
		  AND EXISTS (
			SELECT 1 FROM markets c
			WHERE c.exchange_id = m.exchange_id AND c.symbol = replace(m.symbol, '/', ''))`,
}

// SchemaVersion is the version the code expects; Check refuses to start
// against an older database.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies all pending migrations in order, each in its own
// transaction.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyOne(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		log.Info().Int("version", m.version).Str("name", m.name).Msg("migration applied")
	}
	return nil
}

// Check verifies the database schema matches the code. It refuses both
// directions: an older database needs `quantfeed migrate`, a newer one
// needs newer code.
func Check(ctx context.Context, db *sqlx.DB) error {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	want := SchemaVersion()
	switch {
	case current < want:
		return fmt.Errorf("database schema version %d behind code version %d: run `quantfeed migrate`", current, want)
	case current > want:
		return fmt.Errorf("database schema version %d ahead of code version %d", current, want)
	}
	return nil
}

func currentVersion(ctx context.Context, db *sqlx.DB) (int, error) {
	var version int
	err := db.QueryRowxContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		// A virgin database has no schema_migrations relation yet.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P01" {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func applyOne(ctx context.Context, db *sqlx.DB, m migration) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if m.run != nil {
		if err := m.run(ctx, tx); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
		m.version, m.name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

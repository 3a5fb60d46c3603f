// Package store defines the persistence surface. Implementations live
// in store/postgres; consumers depend on these interfaces so the writer,
// quality scanner, and backfill scheduler can be tested against fakes.
package store

import (
	"context"
	"time"

	"github.com/quantfeed/quantfeed/internal/model"
)

// ExchangeRepo manages the exchange registry.
type ExchangeRepo interface {
	// Ensure inserts the exchange if absent and returns its id.
	Ensure(ctx context.Context, ex model.Exchange) (int64, error)

	// List returns all registered exchanges.
	List(ctx context.Context) ([]model.Exchange, error)
}

// MarketRepo manages tradable instruments.
type MarketRepo interface {
	// Ensure inserts the market if absent and returns its id. Metadata
	// on an existing row is refreshed when the incoming row carries it.
	Ensure(ctx context.Context, m model.Market) (int64, error)

	// Lookup resolves (exchange name, native symbol) to a market, or
	// nil when unknown.
	Lookup(ctx context.Context, exchangeName, symbol string) (*model.Market, error)

	// ListByExchange returns all markets of one exchange.
	ListByExchange(ctx context.Context, exchangeID int64) ([]model.Market, error)
}

// CandleScan is the per-row shape the quality scanner consumes:
// insertion order alongside the bar itself.
type CandleScan struct {
	OpenTime   time.Time `db:"open_time"`
	InsertedAt time.Time `db:"inserted_at"`
	Close      float64   `db:"close"`
	BaseVolume float64   `db:"base_volume"`
}

// CandleRepo persists OHLCV bars.
type CandleRepo interface {
	// UpsertBatch writes bars in one transaction. Conflicting keys are
	// overwritten, so replaying a batch is idempotent.
	UpsertBatch(ctx context.Context, candles []model.Candle) error

	// Range returns bars with open_time in [from, to), ascending.
	Range(ctx context.Context, marketID int64, tf model.Timeframe, from, to time.Time) ([]model.Candle, error)

	// ScanWindow returns bars in [from, to) ordered by insertion, for
	// the quality scanner.
	ScanWindow(ctx context.Context, marketID int64, tf model.Timeframe, from, to time.Time) ([]CandleScan, error)

	// CountRange returns the bar count in [from, to).
	CountRange(ctx context.Context, marketID int64, tf model.Timeframe, from, to time.Time) (int64, error)

	// AggregateTier rolls src bars into dst bars, resuming from each
	// market's newest dst bar and stopping before the bucket still open
	// at now. Returns rows written.
	AggregateTier(ctx context.Context, src, dst model.Timeframe, now time.Time) (int64, error)

	// DeleteBefore prunes bars of one timeframe older than cutoff,
	// skipping ranges covered by a preserve-raw critical event.
	DeleteBefore(ctx context.Context, tf model.Timeframe, cutoff time.Time) (int64, error)
}

// TradeRepo persists executions.
type TradeRepo interface {
	// InsertBatch writes trades in one transaction, ignoring duplicate
	// (market_id, trade_id) keys. Returns how many rows were new.
	InsertBatch(ctx context.Context, trades []model.Trade) (int64, error)

	// Range returns trades with ts in [from, to), ascending.
	Range(ctx context.Context, marketID int64, from, to time.Time, limit int) ([]model.Trade, error)

	// DeleteBefore prunes trades older than cutoff, skipping ranges
	// covered by a preserve-raw critical event.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotRepo persists Top-N order-book projections.
type SnapshotRepo interface {
	// InsertBatch writes snapshots in one transaction.
	InsertBatch(ctx context.Context, snaps []model.BookSnapshot) error

	// Latest returns the newest snapshot for a market, or nil.
	Latest(ctx context.Context, marketID int64) (*model.BookSnapshot, error)

	// DeleteBefore prunes snapshots older than cutoff, skipping ranges
	// covered by a preserve-raw critical event.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TaskRepo manages the backfill queue.
type TaskRepo interface {
	// Create enqueues a pending task. A task already active for the
	// same (market, type, timeframe, span) is left alone; Create then
	// returns 0 with no error.
	Create(ctx context.Context, t model.BackfillTask) (int64, error)

	// ClaimPending atomically flips up to limit pending tasks to
	// running, highest priority first, skipping rows locked by other
	// claimers.
	ClaimPending(ctx context.Context, limit int) ([]model.BackfillTask, error)

	// Complete marks a running task done with its written-row count.
	Complete(ctx context.Context, id int64, actual int) error

	// Fail marks a running task failed, bumping retry_count.
	Fail(ctx context.Context, id int64, actual int, errMsg string) error

	// RequeueFailed flips failed tasks below the retry budget back to
	// pending once they are older than cooldown. Returns rows moved.
	RequeueFailed(ctx context.Context, maxRetries int, cooldown time.Duration) (int64, error)

	// ReleaseRunning rolls every running task back to pending
	// (shutdown path). Returns rows moved.
	ReleaseRunning(ctx context.Context) (int64, error)

	// DeleteTerminalBefore GCs completed and exhausted-failed tasks
	// whose updated_at is older than cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CountByStatus returns task counts keyed by status.
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error)
}

// QualityRepo persists scan results.
type QualityRepo interface {
	Insert(ctx context.Context, s model.QualitySummary) error

	// Recent returns the newest summaries, newest first.
	Recent(ctx context.Context, limit int) ([]model.QualitySummary, error)
}

// ErrorLogRepo is the append-only REST failure log.
type ErrorLogRepo interface {
	Insert(ctx context.Context, e model.APIErrorLog) error

	// Recent returns the newest entries, newest first.
	Recent(ctx context.Context, limit int) ([]model.APIErrorLog, error)
}

// EventRepo manages critical events consulted by retention.
type EventRepo interface {
	Insert(ctx context.Context, e model.CriticalEvent) (int64, error)

	// Overlapping returns events whose window overlaps [from, to).
	Overlapping(ctx context.Context, from, to time.Time) ([]model.CriticalEvent, error)
}

// Store aggregates the repositories one database connection provides.
type Store struct {
	Exchanges ExchangeRepo
	Markets   MarketRepo
	Candles   CandleRepo
	Trades    TradeRepo
	Snapshots SnapshotRepo
	Tasks     TaskRepo
	Quality   QualityRepo
	ErrorLog  ErrorLogRepo
	Events    EventRepo
}

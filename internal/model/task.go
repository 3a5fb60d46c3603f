package model

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a backfill task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are expected. Failed
// tasks below the retry budget are requeued by the sweeper, so failed is
// terminal only once retries are exhausted.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// BackfillTask is a unit of repair work: fetch [StartTime, EndTime) of
// one data type for one market and persist it.
type BackfillTask struct {
	ID            int64      `json:"id" db:"id"`
	MarketID      int64      `json:"market_id" db:"market_id"`
	DataType      DataType   `json:"data_type" db:"data_type"`
	Timeframe     Timeframe  `json:"timeframe" db:"timeframe"`
	StartTime     time.Time  `json:"start_time" db:"start_time"`
	EndTime       time.Time  `json:"end_time" db:"end_time"`
	Status        TaskStatus `json:"status" db:"status"`
	Priority      int        `json:"priority" db:"priority"`
	RetryCount    int        `json:"retry_count" db:"retry_count"`
	ExpectedCount int        `json:"expected_count" db:"expected_count"`
	ActualCount   int        `json:"actual_count" db:"actual_count"`
	ErrorMsg      string     `json:"error_msg,omitempty" db:"error_msg"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Validate checks the span and type combination.
func (t BackfillTask) Validate() error {
	if !t.EndTime.After(t.StartTime) {
		return fmt.Errorf("task: end %s not after start %s", t.EndTime.Format(time.RFC3339), t.StartTime.Format(time.RFC3339))
	}
	if t.DataType == DataCandles && !t.Timeframe.Valid() {
		return fmt.Errorf("task: candle task needs a timeframe")
	}
	if t.Priority < 0 {
		return fmt.Errorf("task: negative priority %d", t.Priority)
	}
	return nil
}

// CompletionRatio returns actual/expected, or 1 when nothing was expected.
func (t BackfillTask) CompletionRatio() float64 {
	if t.ExpectedCount <= 0 {
		return 1
	}
	return float64(t.ActualCount) / float64(t.ExpectedCount)
}

// QualitySummary is one scan result for a (market, data type, timeframe)
// window. Counts feed the score; Issues carries human-readable findings.
type QualitySummary struct {
	ID               int64     `json:"id" db:"id"`
	MarketID         int64     `json:"market_id" db:"market_id"`
	DataType         DataType  `json:"data_type" db:"data_type"`
	Timeframe        Timeframe `json:"timeframe" db:"timeframe"`
	WindowStart      time.Time `json:"window_start" db:"window_start"`
	WindowEnd        time.Time `json:"window_end" db:"window_end"`
	ExpectedCount    int       `json:"expected_count" db:"expected_count"`
	ActualCount      int       `json:"actual_count" db:"actual_count"`
	MissingCount     int       `json:"missing_count" db:"missing_count"`
	DuplicateCount   int       `json:"duplicate_count" db:"duplicate_count"`
	OutOfOrderCount  int       `json:"out_of_order_count" db:"out_of_order_count"`
	PriceJumpCount   int       `json:"price_jump_count" db:"price_jump_count"`
	VolumeSpikeCount int       `json:"volume_spike_count" db:"volume_spike_count"`
	Score            float64   `json:"score" db:"score"`
	Validated        bool      `json:"validated" db:"validated"`
	Issues           string    `json:"issues,omitempty" db:"issues"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// APIErrorLog is an append-only record of an exhausted or non-retryable
// REST failure.
type APIErrorLog struct {
	ID       int64     `json:"id" db:"id"`
	Exchange string    `json:"exchange" db:"exchange"`
	Endpoint string    `json:"endpoint" db:"endpoint"`
	Kind     string    `json:"kind" db:"kind"`
	Code     string    `json:"code" db:"code"`
	Message  string    `json:"message" db:"message"`
	Params   string    `json:"params,omitempty" db:"params"`
	Time     time.Time `json:"time" db:"ts"`
}

// CriticalEvent marks a time range whose raw data must survive retention
// (flash crash, venue outage, incident investigation). An empty MarketIDs
// applies the event to every market.
type CriticalEvent struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Kind        string    `json:"kind" db:"kind"`
	StartTime   time.Time `json:"start_time" db:"start_time"`
	EndTime     time.Time `json:"end_time" db:"end_time"`
	MarketIDs   []int64   `json:"market_ids,omitempty" db:"market_ids"`
	PreserveRaw bool      `json:"preserve_raw" db:"preserve_raw"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Validate checks the name and window.
func (e CriticalEvent) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("event: name is required")
	}
	if !e.EndTime.After(e.StartTime) {
		return fmt.Errorf("event: end %s not after start %s", e.EndTime.Format(time.RFC3339), e.StartTime.Format(time.RFC3339))
	}
	return nil
}

// Covers reports whether the event window overlaps [from, to).
func (e CriticalEvent) Covers(from, to time.Time) bool {
	return e.StartTime.Before(to) && e.EndTime.After(from)
}

// AppliesTo reports whether the event scopes to a market.
func (e CriticalEvent) AppliesTo(marketID int64) bool {
	if len(e.MarketIDs) == 0 {
		return true
	}
	for _, id := range e.MarketIDs {
		if id == marketID {
			return true
		}
	}
	return false
}

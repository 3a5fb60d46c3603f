package quality

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
)

type fakeCandles struct {
	store.CandleRepo
	rows []store.CandleScan
	err  error

	gotFrom, gotTo time.Time
}

func (f *fakeCandles) ScanWindow(_ context.Context, _ int64, _ model.Timeframe, from, to time.Time) ([]store.CandleScan, error) {
	f.gotFrom, f.gotTo = from, to
	return f.rows, f.err
}

type fakeQuality struct {
	store.QualityRepo
	rows []model.QualitySummary
}

func (f *fakeQuality) Insert(_ context.Context, s model.QualitySummary) error {
	f.rows = append(f.rows, s)
	return nil
}

type fakeTasks struct {
	store.TaskRepo
	created []model.BackfillTask
}

func (f *fakeTasks) Create(_ context.Context, t model.BackfillTask) (int64, error) {
	f.created = append(f.created, t)
	return int64(len(f.created)), nil
}

func newTestScanner(candles *fakeCandles, quality *fakeQuality, tasks *fakeTasks, now time.Time) *Scanner {
	st := &store.Store{Candles: candles, Quality: quality, Tasks: tasks}
	cfg := config.QualityConfig{WindowHours: 1, IntervalMin: 10, PriceJumpThreshold: 0.2, VolumeSpikeSigma: 6}
	s := NewScanner(st, cfg, nil)
	s.now = func() time.Time { return now }
	return s
}

func TestScanOneEnqueuesTaskForExactGap(t *testing.T) {
	// One hour of 1m bars with 20..22 missing.
	var rows []store.CandleScan
	for i := 0; i < 60; i++ {
		if i >= 20 && i <= 22 {
			continue
		}
		rows = append(rows, store.CandleScan{
			OpenTime:   windowStart.Add(time.Duration(i) * time.Minute),
			InsertedAt: windowStart.Add(time.Duration(i) * time.Minute),
			Close:      100,
			BaseVolume: 10,
		})
	}

	candles := &fakeCandles{rows: rows}
	quality := &fakeQuality{}
	tasks := &fakeTasks{}
	now := windowStart.Add(time.Hour + 30*time.Second)
	s := newTestScanner(candles, quality, tasks, now)

	var gotScore float64
	s.OnScore = func(_ Target, score float64) { gotScore = score }

	tgt := Target{MarketID: 7, Exchange: "binance", Symbol: "BTCUSDT", Timeframe: model.TF1m}
	require.NoError(t, s.ScanOne(context.Background(), tgt))

	// Window ends at the current bar's open, excluding the open candle.
	assert.Equal(t, windowStart, candles.gotFrom)
	assert.Equal(t, windowStart.Add(time.Hour), candles.gotTo)

	require.Len(t, quality.rows, 1)
	sum := quality.rows[0]
	assert.Equal(t, int64(7), sum.MarketID)
	assert.Equal(t, 60, sum.ExpectedCount)
	assert.Equal(t, 57, sum.ActualCount)
	assert.Equal(t, 3, sum.MissingCount)
	assert.Equal(t, 95.0, sum.Score)
	assert.False(t, sum.Validated)
	assert.Equal(t, 95.0, gotScore)

	require.Len(t, tasks.created, 1)
	task := tasks.created[0]
	assert.Equal(t, windowStart.Add(20*time.Minute), task.StartTime)
	assert.Equal(t, windowStart.Add(23*time.Minute), task.EndTime)
	assert.Equal(t, 3, task.ExpectedCount)
	assert.Equal(t, 10, task.Priority, "fresh gap ranks highest")
	assert.Equal(t, model.DataCandles, task.DataType)
	assert.Equal(t, model.TaskPending, task.Status)
	require.NoError(t, task.Validate())
}

func TestScanOneCleanWindowCreatesNoTasks(t *testing.T) {
	var rows []store.CandleScan
	for i := 0; i < 60; i++ {
		rows = append(rows, store.CandleScan{
			OpenTime:   windowStart.Add(time.Duration(i) * time.Minute),
			InsertedAt: windowStart.Add(time.Duration(i) * time.Minute),
			Close:      100,
			BaseVolume: 10,
		})
	}

	candles := &fakeCandles{rows: rows}
	quality := &fakeQuality{}
	tasks := &fakeTasks{}
	s := newTestScanner(candles, quality, tasks, windowStart.Add(time.Hour+30*time.Second))

	tgt := Target{MarketID: 7, Exchange: "binance", Symbol: "BTCUSDT", Timeframe: model.TF1m}
	require.NoError(t, s.ScanOne(context.Background(), tgt))

	require.Len(t, quality.rows, 1)
	assert.True(t, quality.rows[0].Validated)
	assert.Equal(t, 100.0, quality.rows[0].Score)
	assert.Empty(t, tasks.created)
}

func TestScanOnePropagatesStoreError(t *testing.T) {
	candles := &fakeCandles{err: errors.New("connection refused")}
	s := newTestScanner(candles, &fakeQuality{}, &fakeTasks{}, windowStart.Add(time.Hour))

	err := s.ScanOne(context.Background(), Target{MarketID: 1, Timeframe: model.TF1m})
	require.Error(t, err)
}

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCandle() Candle {
	return Candle{
		MarketID:    1,
		Timeframe:   TF1m,
		OpenTime:    time.Date(2025, 3, 7, 14, 37, 0, 0, time.UTC),
		Open:        100, High: 110, Low: 95, Close: 105,
		BaseVolume: 12.5, QuoteVolume: 1300, TradeCount: 42,
	}
}

func TestCandleValidate(t *testing.T) {
	require.NoError(t, validCandle().Validate())

	t.Run("high below close", func(t *testing.T) {
		c := validCandle()
		c.High = 104
		assert.Error(t, c.Validate())
	})
	t.Run("low above open", func(t *testing.T) {
		c := validCandle()
		c.Low = 101
		assert.Error(t, c.Validate())
	})
	t.Run("negative volume", func(t *testing.T) {
		c := validCandle()
		c.BaseVolume = -1
		assert.Error(t, c.Validate())
	})
	t.Run("unaligned open time", func(t *testing.T) {
		c := validCandle()
		c.OpenTime = c.OpenTime.Add(10 * time.Second)
		assert.Error(t, c.Validate())
	})
	t.Run("bad timeframe", func(t *testing.T) {
		c := validCandle()
		c.Timeframe = "7m"
		assert.Error(t, c.Validate())
	})
}

func TestCandleCloseTime(t *testing.T) {
	c := validCandle()
	assert.Equal(t, c.OpenTime.Add(time.Minute), c.CloseTime())
}

func TestSyntheticTradeID(t *testing.T) {
	ts := time.Date(2025, 3, 7, 14, 37, 1, 0, time.UTC)

	a := SyntheticTradeID(ts, 100.5, 0.25, SideBuy)
	b := SyntheticTradeID(ts, 100.5, 0.25, SideBuy)
	assert.Equal(t, a, b, "must be deterministic")

	assert.NotEqual(t, a, SyntheticTradeID(ts, 100.5, 0.25, SideSell))
	assert.NotEqual(t, a, SyntheticTradeID(ts.Add(time.Millisecond), 100.5, 0.25, SideBuy))
	assert.NotEqual(t, a, SyntheticTradeID(ts, 100.6, 0.25, SideBuy))
	assert.Len(t, a, 20)
}

func TestBookSnapshotDerived(t *testing.T) {
	s := BookSnapshot{
		Bids: []BookLevel{{Price: 99.5, Quantity: 2}, {Price: 99.0, Quantity: 5}},
		Asks: []BookLevel{{Price: 100.5, Quantity: 1}, {Price: 101.0, Quantity: 3}},
	}

	bid, ok := s.BestBid()
	require.True(t, ok)
	assert.Equal(t, 99.5, bid.Price)

	ask, ok := s.BestAsk()
	require.True(t, ok)
	assert.Equal(t, 100.5, ask.Price)

	mid, ok := s.Mid()
	require.True(t, ok)
	assert.Equal(t, 100.0, mid)

	spread, ok := s.Spread()
	require.True(t, ok)
	assert.InDelta(t, 1.0, spread, 1e-9)

	bps, ok := s.SpreadBps()
	require.True(t, ok)
	assert.InDelta(t, 100.0, bps, 1e-9) // 1.0 / 100.0 * 10000

	empty := BookSnapshot{Asks: s.Asks}
	_, ok = empty.Mid()
	assert.False(t, ok)
	_, ok = empty.Spread()
	assert.False(t, ok)
	_, ok = empty.SpreadBps()
	assert.False(t, ok)
}

func TestBackfillTaskValidate(t *testing.T) {
	start := time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)

	task := BackfillTask{
		MarketID:  1,
		DataType:  DataCandles,
		Timeframe: TF1m,
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Priority:  10,
	}
	require.NoError(t, task.Validate())

	task.EndTime = task.StartTime
	assert.Error(t, task.Validate())

	task.EndTime = start.Add(time.Hour)
	task.Timeframe = ""
	assert.Error(t, task.Validate(), "candle tasks need a timeframe")

	task.DataType = DataTrades
	assert.NoError(t, task.Validate(), "trade tasks carry no timeframe")
}

func TestCompletionRatio(t *testing.T) {
	task := BackfillTask{ExpectedCount: 100, ActualCount: 85}
	assert.InDelta(t, 0.85, task.CompletionRatio(), 1e-9)

	task = BackfillTask{ExpectedCount: 0, ActualCount: 0}
	assert.Equal(t, 1.0, task.CompletionRatio())
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
}

func TestCriticalEventCovers(t *testing.T) {
	ev := CriticalEvent{
		StartTime: time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2025, 3, 7, 18, 0, 0, 0, time.UTC),
	}

	assert.True(t, ev.Covers(ev.StartTime.Add(-time.Hour), ev.StartTime.Add(time.Hour)))
	assert.True(t, ev.Covers(ev.StartTime, ev.EndTime))
	assert.False(t, ev.Covers(ev.EndTime, ev.EndTime.Add(time.Hour)))
	assert.False(t, ev.Covers(ev.StartTime.Add(-2*time.Hour), ev.StartTime))
}

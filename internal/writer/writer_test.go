package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/pipeline"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]pipeline.Item[model.Trade]
	errs    []error
}

func (f *flushRecorder) fail(err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < times; i++ {
		f.errs = append(f.errs, err)
	}
}

func (f *flushRecorder) flush(_ context.Context, batch []pipeline.Item[model.Trade]) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return 0, err
	}
	return int64(len(batch)), nil
}

func (f *flushRecorder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *flushRecorder) batch(i int) []pipeline.Item[model.Trade] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

func tradeItem(id string) pipeline.Item[model.Trade] {
	return pipeline.Item[model.Trade]{
		Exchange: "binance",
		Symbol:   "BTCUSDT",
		Payload:  model.Trade{TradeID: id, Price: 27000, Quantity: 1, Side: model.SideBuy},
	}
}

func TestWriterFlushesWhenBatchFills(t *testing.T) {
	q := pipeline.NewQueue[pipeline.Item[model.Trade]]("trades", 100)
	rec := &flushRecorder{}
	w := New("trades", q, rec.flush, config.WriterConfig{BatchSize: 2, FlushIntervalMs: 3600_000}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	q.Push(tradeItem("1"), tradeItem("2"))

	require.Eventually(t, func() bool { return rec.calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.batch(0), 2)

	cancel()
	<-done
}

func TestWriterFlushesOnInterval(t *testing.T) {
	q := pipeline.NewQueue[pipeline.Item[model.Trade]]("trades", 100)
	rec := &flushRecorder{}
	w := New("trades", q, rec.flush, config.WriterConfig{BatchSize: 100, FlushIntervalMs: 10}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	q.Push(tradeItem("1"), tradeItem("2"), tradeItem("3"))

	require.Eventually(t, func() bool { return rec.calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.batch(0), 3)

	cancel()
	<-done
}

func TestWriterFinalFlushOnShutdown(t *testing.T) {
	q := pipeline.NewQueue[pipeline.Item[model.Trade]]("trades", 100)
	rec := &flushRecorder{}
	w := New("trades", q, rec.flush, config.WriterConfig{BatchSize: 100, FlushIntervalMs: 3600_000}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	q.Push(tradeItem("1"), tradeItem("2"))
	cancel()
	<-done

	require.Equal(t, 1, rec.calls())
	assert.Len(t, rec.batch(0), 2)
	assert.Zero(t, q.Len())
}

func TestWriterRequeuesFailedBatchWhole(t *testing.T) {
	q := pipeline.NewQueue[pipeline.Item[model.Trade]]("trades", 100)
	rec := &flushRecorder{}
	rec.fail(errors.New("connection reset"), 2)
	w := New("trades", q, rec.flush, config.WriterConfig{BatchSize: 10, FlushIntervalMs: 10, MaxFlushRetries: 5}, nil)

	q.Push(tradeItem("1"), tradeItem("2"), tradeItem("3"))

	retries := 0
	w.OnRetry = func(string) { retries++ }

	w.drain(context.Background(), false)
	w.drain(context.Background(), false)
	w.drain(context.Background(), false)

	require.Equal(t, 3, rec.calls())
	for i := 0; i < 3; i++ {
		batch := rec.batch(i)
		require.Len(t, batch, 3)
		assert.Equal(t, "1", batch[0].Payload.TradeID)
		assert.Equal(t, "3", batch[2].Payload.TradeID)
	}
	assert.Equal(t, 2, retries)
	assert.Zero(t, q.Len())
	assert.Zero(t, w.failures)
}

func TestWriterDeadLettersPoisonBatch(t *testing.T) {
	q := pipeline.NewQueue[pipeline.Item[model.Trade]]("trades", 100)
	rec := &flushRecorder{}
	rec.fail(errors.New("value too long for column"), 10)
	ring := NewRing(8)
	w := New("trades", q, rec.flush, config.WriterConfig{BatchSize: 10, FlushIntervalMs: 10, MaxFlushRetries: 2}, ring)

	var dead int
	w.OnDeadLetter = func(_ string, count int) { dead = count }

	q.Push(tradeItem("1"), tradeItem("2"))
	w.drain(context.Background(), false) // first failure, requeued
	w.drain(context.Background(), false) // second failure, dropped

	assert.Zero(t, q.Len())
	assert.Equal(t, 2, dead)
	letters := ring.Recent()
	require.Len(t, letters, 1)
	assert.Equal(t, "trades", letters[0].Topic)
	assert.Equal(t, 2, letters[0].Count)
	assert.Contains(t, letters[0].Reason, "value too long")
	assert.NotEmpty(t, letters[0].ID)

	// The topic keeps moving afterwards.
	rec.mu.Lock()
	rec.errs = nil
	rec.mu.Unlock()
	q.Push(tradeItem("4"))
	w.drain(context.Background(), false)
	assert.Zero(t, q.Len())
	assert.Zero(t, w.failures)
}

func TestWriterRequeuesDeadLetterAfterRecovery(t *testing.T) {
	q := pipeline.NewQueue[pipeline.Item[model.Trade]]("trades", 100)
	rec := &flushRecorder{}
	rec.fail(errors.New("db down"), 2)
	ring := NewRing(8)
	w := New("trades", q, rec.flush, config.WriterConfig{BatchSize: 10, FlushIntervalMs: 10, MaxFlushRetries: 2}, ring)

	q.Push(tradeItem("1"), tradeItem("2"), tradeItem("3"))
	w.drain(context.Background(), false)
	w.drain(context.Background(), false)

	letters := ring.Recent()
	require.Len(t, letters, 1)
	assert.Zero(t, q.Len())

	// Unknown ids are refused; the parked batch stays put.
	assert.False(t, w.Requeue("nope"))

	require.True(t, w.Requeue(letters[0].ID))
	assert.Equal(t, 3, q.Len())
	assert.False(t, w.Requeue(letters[0].ID), "a batch replays once")

	w.drain(context.Background(), false)
	require.Equal(t, 3, rec.calls())
	batch := rec.batch(2)
	require.Len(t, batch, 3)
	assert.Equal(t, "1", batch[0].Payload.TradeID)
	assert.Zero(t, q.Len())
}

func TestRingKeepsNewestFirst(t *testing.T) {
	ring := NewRing(2)
	ring.Record(context.Background(), NewDeadLetter("trades", 1, "a"))
	ring.Record(context.Background(), NewDeadLetter("trades", 2, "b"))
	ring.Record(context.Background(), NewDeadLetter("candles", 3, "c"))

	got := ring.Recent()
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Reason)
	assert.Equal(t, "b", got[1].Reason)
}

package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/pipeline"
	"github.com/quantfeed/quantfeed/internal/store"
)

// maxParkedBatches bounds the memory held for dead-lettered payloads.
// Older parked batches fall off first; their ring records remain.
const maxParkedBatches = 16

// FlushFunc persists one batch and reports how many rows landed.
type FlushFunc[T any] func(ctx context.Context, batch []pipeline.Item[T]) (int64, error)

// Writer drains one topic queue into the store. Batches flush when the
// queue reaches the batch size or on the flush interval, whichever
// comes first. A failed flush goes back to the queue head and is
// retried whole; a batch that keeps failing is dead-lettered so one
// poison batch cannot wedge the topic.
type Writer[T any] struct {
	topic      string
	queue      *pipeline.Queue[pipeline.Item[T]]
	flush      FlushFunc[T]
	batchSize  int
	interval   time.Duration
	maxRetries int
	letters    DeadLetterSink

	failures int

	mu        sync.Mutex
	parked    map[string][]pipeline.Item[T]
	parkOrder []string

	// Hooks are optional and called from the writer goroutine.
	OnFlush      func(topic string, rows int64, took time.Duration)
	OnRetry      func(topic string)
	OnDeadLetter func(topic string, count int)
}

// New builds a writer for one topic.
func New[T any](topic string, queue *pipeline.Queue[pipeline.Item[T]], flush FlushFunc[T],
	cfg config.WriterConfig, letters DeadLetterSink) *Writer[T] {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	interval := cfg.FlushInterval()
	if interval <= 0 {
		interval = time.Second
	}
	maxRetries := cfg.MaxFlushRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Writer[T]{
		topic:      topic,
		queue:      queue,
		flush:      flush,
		batchSize:  batchSize,
		interval:   interval,
		maxRetries: maxRetries,
		letters:    letters,
	}
}

// Run drains the queue until ctx is canceled, then takes one final pass
// so rows queued at shutdown still land.
func (w *Writer[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalFlush()
			return
		case <-w.queue.Wake():
			if w.queue.Len() >= w.batchSize {
				w.drain(ctx, false)
			}
		case <-ticker.C:
			w.drain(ctx, false)
		}
	}
}

func (w *Writer[T]) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.drain(ctx, true)
	if n := w.queue.Len(); n > 0 {
		log.Error().Str("topic", w.topic).Int("count", n).
			Msg("unflushed rows dropped at shutdown")
	}
}

// drain pops and flushes until the queue is empty or a flush fails.
func (w *Writer[T]) drain(ctx context.Context, final bool) {
	for {
		batch := w.queue.PopBatch(w.batchSize)
		if len(batch) == 0 {
			return
		}

		start := time.Now()
		rows, err := w.flush(ctx, batch)
		if err != nil {
			w.failures++
			if !final && w.failures >= w.maxRetries {
				dl := NewDeadLetter(w.topic, len(batch), err.Error())
				w.park(dl.ID, batch)
				if w.letters != nil {
					w.letters.Record(ctx, dl)
				}
				if w.OnDeadLetter != nil {
					w.OnDeadLetter(w.topic, len(batch))
				}
				log.Error().Str("topic", w.topic).Str("id", dl.ID).Int("count", len(batch)).
					Err(err).Msg("batch dead-lettered")
				w.failures = 0
				continue
			}
			w.queue.RequeueHead(batch)
			if w.OnRetry != nil {
				w.OnRetry(w.topic)
			}
			log.Warn().Str("topic", w.topic).Int("count", len(batch)).
				Int("failures", w.failures).Err(err).Msg("flush failed, batch requeued")
			return
		}

		w.failures = 0
		if w.OnFlush != nil {
			w.OnFlush(w.topic, rows, time.Since(start))
		}
		if len(batch) < w.batchSize {
			return
		}
	}
}

// park keeps a dead-lettered payload for manual replay.
func (w *Writer[T]) park(id string, batch []pipeline.Item[T]) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.parked == nil {
		w.parked = make(map[string][]pipeline.Item[T])
	}
	w.parked[id] = batch
	w.parkOrder = append(w.parkOrder, id)
	for len(w.parkOrder) > maxParkedBatches {
		delete(w.parked, w.parkOrder[0])
		w.parkOrder = w.parkOrder[1:]
	}
}

// Requeue pushes a parked batch back onto the queue head. Replay is
// idempotent because the flush functions upsert or skip conflicts.
// Returns false when the id is unknown to this writer.
func (w *Writer[T]) Requeue(id string) bool {
	w.mu.Lock()
	batch, ok := w.parked[id]
	if ok {
		delete(w.parked, id)
		for i, pid := range w.parkOrder {
			if pid == id {
				w.parkOrder = append(w.parkOrder[:i], w.parkOrder[i+1:]...)
				break
			}
		}
	}
	w.mu.Unlock()

	if !ok {
		return false
	}
	w.queue.RequeueHead(batch)
	log.Info().Str("topic", w.topic).Str("id", id).Int("count", len(batch)).
		Msg("dead-lettered batch requeued")
	return true
}

// CandleFlush resolves markets and upserts closed bars. Re-delivered
// bars overwrite in place, so stream and backfill rows converge.
func CandleFlush(res *Resolver, repo store.CandleRepo) FlushFunc[model.Candle] {
	return func(ctx context.Context, batch []pipeline.Item[model.Candle]) (int64, error) {
		rows := make([]model.Candle, 0, len(batch))
		for _, it := range batch {
			id, err := res.Resolve(ctx, it.Exchange, it.Symbol)
			if err != nil {
				return 0, fmt.Errorf("failed to resolve market %s/%s: %w", it.Exchange, it.Symbol, err)
			}
			c := it.Payload
			c.MarketID = id
			rows = append(rows, c)
		}
		if err := repo.UpsertBatch(ctx, rows); err != nil {
			return 0, err
		}
		return int64(len(rows)), nil
	}
}

// TradeFlush resolves markets and inserts trades, skipping ids already
// stored. The returned count is new rows only.
func TradeFlush(res *Resolver, repo store.TradeRepo) FlushFunc[model.Trade] {
	return func(ctx context.Context, batch []pipeline.Item[model.Trade]) (int64, error) {
		rows := make([]model.Trade, 0, len(batch))
		for _, it := range batch {
			id, err := res.Resolve(ctx, it.Exchange, it.Symbol)
			if err != nil {
				return 0, fmt.Errorf("failed to resolve market %s/%s: %w", it.Exchange, it.Symbol, err)
			}
			t := it.Payload
			t.MarketID = id
			rows = append(rows, t)
		}
		return repo.InsertBatch(ctx, rows)
	}
}

// SnapshotFlush resolves markets and appends book snapshots.
func SnapshotFlush(res *Resolver, repo store.SnapshotRepo) FlushFunc[model.BookSnapshot] {
	return func(ctx context.Context, batch []pipeline.Item[model.BookSnapshot]) (int64, error) {
		rows := make([]model.BookSnapshot, 0, len(batch))
		for _, it := range batch {
			id, err := res.Resolve(ctx, it.Exchange, it.Symbol)
			if err != nil {
				return 0, fmt.Errorf("failed to resolve market %s/%s: %w", it.Exchange, it.Symbol, err)
			}
			s := it.Payload
			s.MarketID = id
			rows = append(rows, s)
		}
		if err := repo.InsertBatch(ctx, rows); err != nil {
			return 0, err
		}
		return int64(len(rows)), nil
	}
}

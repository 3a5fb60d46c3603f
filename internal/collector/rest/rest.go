// Package rest polls venue REST endpoints for closed candles and
// executes backfill tasks. One collector runs per exchange with a
// small worker pool; pending backfill tasks preempt periodic polling,
// so repair work never waits behind routine ticks.
package rest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/httpx"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/pipeline"
	"github.com/quantfeed/quantfeed/internal/store"
)

// claimEvery bounds how long a fresh backfill task waits for an idle
// worker between poll jobs.
const claimEvery = 10 * time.Second

// maxFetchLimit is the per-request bar cap passed to adapters; venues
// clamp it further.
const maxFetchLimit = 1000

// Deps carries the collaborators one collector needs.
type Deps struct {
	Client  exchange.Client
	Door    *httpx.Door
	Tasks   store.TaskRepo
	Candles *pipeline.Queue[pipeline.Item[model.Candle]]
	Trades  *pipeline.Queue[pipeline.Item[model.Trade]]

	// MarketSymbols maps market ids back to native symbols so claimed
	// tasks can be turned into venue requests.
	MarketSymbols map[int64]string

	// Workers is the pool size (1 + backfill concurrency).
	Workers int
}

// Collector drives one exchange's REST intake.
type Collector struct {
	name    string
	client  exchange.Client
	door    *httpx.Door
	tasks   store.TaskRepo
	candles *pipeline.Queue[pipeline.Item[model.Candle]]
	trades  *pipeline.Queue[pipeline.Item[model.Trade]]
	symbols map[int64]string

	pollEvery  time.Duration
	pollJobs   []pollJob
	workers    int
	timeframes []model.Timeframe

	now func() time.Time

	// OnResult is called per finished venue call with the endpoint
	// and "ok" or the error kind (metrics hook).
	OnResult func(endpoint, result string)
}

type pollJob struct {
	symbol string
	tf     model.Timeframe
}

// New builds a collector from the exchange config.
func New(cfg config.ExchangeConfig, deps Deps) *Collector {
	pollEvery := time.Duration(cfg.PollIntervalSec) * time.Second
	if pollEvery <= 0 {
		pollEvery = time.Minute
	}
	workers := deps.Workers
	if workers <= 0 {
		workers = 1
	}

	tfs := make([]model.Timeframe, 0, len(cfg.Timeframes))
	for _, raw := range cfg.Timeframes {
		tf, err := model.ParseTimeframe(raw)
		if err != nil {
			continue
		}
		tfs = append(tfs, tf)
	}

	jobs := make([]pollJob, 0, len(cfg.Symbols)*len(tfs))
	for _, sym := range cfg.Symbols {
		for _, tf := range tfs {
			jobs = append(jobs, pollJob{symbol: sym, tf: tf})
		}
	}

	return &Collector{
		name:       deps.Client.Name(),
		client:     deps.Client,
		door:       deps.Door,
		tasks:      deps.Tasks,
		candles:    deps.Candles,
		trades:     deps.Trades,
		symbols:    deps.MarketSymbols,
		pollEvery:  pollEvery,
		pollJobs:   jobs,
		workers:    workers,
		timeframes: tfs,
		now:        time.Now,
	}
}

// Run dispatches poll jobs and task claims to the worker pool until
// ctx is canceled. The first polling pass starts immediately.
func (c *Collector) Run(ctx context.Context) {
	jobs := make(chan pollJob)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, jobs)
		}()
	}

	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	pending := append([]pollJob(nil), c.pollJobs...)
	for {
		if len(pending) == 0 {
			select {
			case <-ctx.Done():
				close(jobs)
				wg.Wait()
				return
			case <-ticker.C:
				pending = append(pending[:0], c.pollJobs...)
			}
			continue
		}
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- pending[0]:
			pending = pending[1:]
		case <-ticker.C:
			// A tick while jobs are still pending means polling fell
			// behind; start the fresh pass instead of queueing stale work.
			pending = append(pending[:0], c.pollJobs...)
		}
	}
}

// worker executes tasks first, then poll jobs. The claim ticker
// re-checks the task queue even when no poll work flows.
func (c *Collector) worker(ctx context.Context, jobs <-chan pollJob) {
	claim := time.NewTicker(claimEvery)
	defer claim.Stop()

	for {
		for c.runNextTask(ctx) {
		}
		select {
		case <-ctx.Done():
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			c.poll(ctx, j)
		case <-claim.C:
		}
	}
}

// poll fetches the trailing closed bars for one (symbol, timeframe).
// The look-back covers two polling intervals so a missed tick cannot
// leave a hole.
func (c *Collector) poll(ctx context.Context, j pollJob) {
	now := c.now().UTC()
	since := j.tf.Truncate(now.Add(-2 * c.pollEvery))
	limit := j.tf.CountIn(since, now) + 2
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}

	pushed, err := c.fetchSpan(ctx, j.symbol, j.tf, since, now, limit)
	if err != nil {
		// Logged and recorded by the door; polling catches up next tick.
		return
	}
	if pushed > 0 {
		log.Debug().Str("exchange", c.name).Str("symbol", j.symbol).
			Str("timeframe", string(j.tf)).Int("bars", pushed).Msg("poll forwarded bars")
	}
}

// runNextTask claims and executes one backfill task. Returns false
// when the queue is empty or claiming failed.
func (c *Collector) runNextTask(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	claimed, err := c.tasks.ClaimPending(ctx, 1)
	if err != nil {
		log.Error().Str("exchange", c.name).Err(err).Msg("task claim failed")
		return false
	}
	if len(claimed) == 0 {
		return false
	}
	c.execute(ctx, claimed[0])
	return true
}

// execute runs one claimed task to a terminal state. On ctx
// cancellation the task is left running; the shutdown rollback
// returns it to pending.
func (c *Collector) execute(ctx context.Context, task model.BackfillTask) {
	symbol, ok := c.symbols[task.MarketID]
	if !ok {
		c.fail(ctx, task, 0, fmt.Sprintf("no symbol for market %d on %s", task.MarketID, c.name))
		return
	}

	log.Info().Str("exchange", c.name).Str("symbol", symbol).Int64("task_id", task.ID).
		Str("data_type", string(task.DataType)).Time("start", task.StartTime).
		Time("end", task.EndTime).Int("priority", task.Priority).Msg("backfill task claimed")

	var actual int
	var err error
	switch task.DataType {
	case model.DataCandles:
		actual, err = c.backfillCandles(ctx, symbol, task)
	case model.DataTrades:
		actual, err = c.backfillTrades(ctx, symbol, task)
	default:
		c.fail(ctx, task, 0, fmt.Sprintf("no REST history for data type %q", task.DataType))
		return
	}

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.fail(ctx, task, actual, err.Error())
		return
	}

	task.ActualCount = actual
	if task.CompletionRatio() >= 0.8 {
		if err := c.tasks.Complete(ctx, task.ID, actual); err != nil {
			log.Error().Int64("task_id", task.ID).Err(err).Msg("failed to complete task")
		}
		log.Info().Str("exchange", c.name).Int64("task_id", task.ID).
			Int("rows", actual).Msg("backfill task completed")
		return
	}
	c.fail(ctx, task, actual, fmt.Sprintf("incomplete: %d of %d rows", actual, task.ExpectedCount))
}

func (c *Collector) fail(ctx context.Context, task model.BackfillTask, actual int, msg string) {
	if ctx.Err() != nil {
		return
	}
	if err := c.tasks.Fail(ctx, task.ID, actual, msg); err != nil {
		log.Error().Int64("task_id", task.ID).Err(err).Msg("failed to mark task failed")
		return
	}
	log.Warn().Str("exchange", c.name).Int64("task_id", task.ID).
		Int("rows", actual).Str("reason", msg).Msg("backfill task failed")
}

// backfillCandles walks the task span in fetch-limit chunks.
func (c *Collector) backfillCandles(ctx context.Context, symbol string, task model.BackfillTask) (int, error) {
	total := 0
	since := task.Timeframe.Truncate(task.StartTime)
	for since.Before(task.EndTime) {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		pushed, last, err := c.fetchChunk(ctx, symbol, task.Timeframe, since, task.EndTime, maxFetchLimit)
		if err != nil {
			return total, err
		}
		total += pushed
		if last.IsZero() || !last.After(since) {
			// Venue returned nothing new for this span.
			break
		}
		since = last.Add(task.Timeframe.Duration())
	}
	return total, nil
}

// backfillTrades is best effort: venues only serve recent executions
// over REST, so the task forwards whatever overlaps its span.
func (c *Collector) backfillTrades(ctx context.Context, symbol string, task model.BackfillTask) (int, error) {
	var rows []exchange.Trade
	err := c.door.Do(ctx, "trades", func(ctx context.Context) error {
		var err error
		rows, err = c.client.FetchTrades(ctx, symbol, task.StartTime, maxFetchLimit)
		return err
	})
	c.report("trades", err)
	if err != nil {
		return 0, err
	}

	items := make([]pipeline.Item[model.Trade], 0, len(rows))
	for _, t := range rows {
		if t.Time.Before(task.StartTime) || !t.Time.Before(task.EndTime) {
			continue
		}
		items = append(items, pipeline.Item[model.Trade]{
			Exchange: c.name,
			Symbol:   symbol,
			Payload:  t.Model(0),
		})
	}
	c.trades.Push(items...)
	return len(items), nil
}

// fetchSpan forwards closed bars in [since, until) and reports how
// many were pushed.
func (c *Collector) fetchSpan(ctx context.Context, symbol string, tf model.Timeframe, since, until time.Time, limit int) (int, error) {
	pushed, _, err := c.fetchChunk(ctx, symbol, tf, since, until, limit)
	return pushed, err
}

// fetchChunk performs one guarded FetchCandles call and forwards the
// bars that pass normalization. It returns the last open time seen,
// pushed or not, so callers can advance their cursor.
func (c *Collector) fetchChunk(ctx context.Context, symbol string, tf model.Timeframe, since, until time.Time, limit int) (int, time.Time, error) {
	var bars []exchange.Candle
	err := c.door.Do(ctx, "candles", func(ctx context.Context) error {
		var err error
		bars, err = c.client.FetchCandles(ctx, symbol, tf, since, limit)
		return err
	})
	c.report("candles", err)
	if err != nil {
		return 0, time.Time{}, err
	}

	now := c.now().UTC()
	items := make([]pipeline.Item[model.Candle], 0, len(bars))
	var last time.Time
	for _, b := range bars {
		if b.OpenTime.After(last) {
			last = b.OpenTime
		}
		if !keepBar(b, tf, since, until, now) {
			continue
		}
		items = append(items, pipeline.Item[model.Candle]{
			Exchange: c.name,
			Symbol:   symbol,
			Payload:  b.Model(0),
		})
	}
	c.candles.Push(items...)
	return len(items), last, nil
}

// keepBar applies the forwarding rules: inside the span, aligned,
// venue-closed, and past the one-timeframe safety margin.
func keepBar(b exchange.Candle, tf model.Timeframe, since, until, now time.Time) bool {
	if b.OpenTime.Before(since) || !b.OpenTime.Before(until) {
		return false
	}
	if !tf.Aligned(b.OpenTime) {
		return false
	}
	if !b.Closed {
		return false
	}
	closeTime := b.OpenTime.Add(tf.Duration())
	return !closeTime.After(now.Add(-tf.Duration()))
}

func (c *Collector) report(endpoint string, err error) {
	if c.OnResult == nil {
		return
	}
	if err == nil {
		c.OnResult(endpoint, "ok")
		return
	}
	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) {
		c.OnResult(endpoint, string(apiErr.Kind))
		return
	}
	c.OnResult(endpoint, "error")
}

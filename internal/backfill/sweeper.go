// Package backfill keeps the repair queue healthy: failed tasks with
// retry budget left are requeued after a cooldown, terminal tasks are
// garbage-collected, and task counts are surfaced for the gauges. Task
// execution itself lives in the REST collector, which claims pending
// rows between poll ticks.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
)

// Sweeper is the periodic queue janitor.
type Sweeper struct {
	tasks store.TaskRepo
	cfg   config.BackfillConfig

	now func() time.Time

	// OnCounts receives fresh task counts after every sweep.
	OnCounts func(counts map[model.TaskStatus]int64)
}

// NewSweeper builds a sweeper over the task repo.
func NewSweeper(tasks store.TaskRepo, cfg config.BackfillConfig) *Sweeper {
	return &Sweeper{tasks: tasks, cfg: cfg, now: time.Now}
}

// Run sweeps on the configured interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one janitor pass. Each step is independent; a failing
// step is logged and the rest still run.
func (s *Sweeper) Sweep(ctx context.Context) {
	requeued, err := s.tasks.RequeueFailed(ctx, s.cfg.MaxRetries, s.cfg.Cooldown())
	if err != nil {
		log.Error().Err(err).Msg("failed to requeue failed tasks")
	} else if requeued > 0 {
		log.Info().Int64("count", requeued).Msg("failed tasks requeued")
	}

	if ttl := s.cfg.TaskTTL(); ttl > 0 {
		removed, err := s.tasks.DeleteTerminalBefore(ctx, s.now().UTC().Add(-ttl))
		if err != nil {
			log.Error().Err(err).Msg("failed to GC terminal tasks")
		} else if removed > 0 {
			log.Debug().Int64("count", removed).Msg("terminal tasks pruned")
		}
	}

	counts, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to count tasks")
		return
	}
	if s.OnCounts != nil {
		s.OnCounts(counts)
	}
}

// ReleaseRunning rolls running tasks back to pending. Called on
// shutdown so interrupted work is picked up by the next claimer.
func (s *Sweeper) ReleaseRunning(ctx context.Context) {
	released, err := s.tasks.ReleaseRunning(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to release running tasks")
		return
	}
	if released > 0 {
		log.Info().Int64("count", released).Msg("running tasks rolled back to pending")
	}
}

// Enqueue creates one manual task after resolving the market. Manual
// requests jump the queue with top priority.
func Enqueue(ctx context.Context, st *store.Store, exchangeName, symbol string, dataType model.DataType, tf model.Timeframe, start, end time.Time) (int64, error) {
	market, err := st.Markets.Lookup(ctx, exchangeName, symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to look up market %s/%s: %w", exchangeName, symbol, err)
	}
	if market == nil {
		return 0, fmt.Errorf("unknown market %s/%s", exchangeName, symbol)
	}

	task := model.BackfillTask{
		MarketID:  market.ID,
		DataType:  dataType,
		Timeframe: tf,
		StartTime: start,
		EndTime:   end,
		Status:    model.TaskPending,
		Priority:  10,
	}
	if dataType == model.DataCandles {
		task.ExpectedCount = tf.CountIn(tf.Truncate(start), end)
	}
	if err := task.Validate(); err != nil {
		return 0, err
	}
	return st.Tasks.Create(ctx, task)
}

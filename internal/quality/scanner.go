package quality

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
)

// Target is one (market, timeframe) the scanner watches.
type Target struct {
	MarketID  int64
	Exchange  string
	Symbol    string
	Timeframe model.Timeframe
}

// Scanner periodically audits recent candle windows, persists a
// summary per target, and enqueues backfill tasks for every gap.
type Scanner struct {
	candles store.CandleRepo
	quality store.QualityRepo
	tasks   store.TaskRepo
	cfg     config.QualityConfig
	targets []Target

	now func() time.Time

	// OnScore is called after each scan with the fresh score.
	OnScore func(t Target, score float64)
}

// NewScanner builds a scanner over the given targets.
func NewScanner(st *store.Store, cfg config.QualityConfig, targets []Target) *Scanner {
	return &Scanner{
		candles: st.Candles,
		quality: st.Quality,
		tasks:   st.Tasks,
		cfg:     cfg,
		targets: targets,
		now:     time.Now,
	}
}

// Run scans on the configured interval until ctx is canceled. The
// first pass runs immediately so a fresh start surfaces gaps without
// waiting out the interval.
func (s *Scanner) Run(ctx context.Context) {
	interval := s.cfg.Interval()
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.ScanAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ScanAll(ctx)
		}
	}
}

// ScanAll audits every target once. Per-target failures are logged and
// do not stop the pass.
func (s *Scanner) ScanAll(ctx context.Context) {
	for _, tgt := range s.targets {
		if ctx.Err() != nil {
			return
		}
		if err := s.ScanOne(ctx, tgt); err != nil {
			log.Error().Str("exchange", tgt.Exchange).Str("symbol", tgt.Symbol).
				Str("timeframe", string(tgt.Timeframe)).Err(err).Msg("quality scan failed")
		}
	}
}

// ScanOne audits one target's trailing window. The window end is the
// current bar's open, so the still-forming candle never counts as
// missing.
func (s *Scanner) ScanOne(ctx context.Context, tgt Target) error {
	now := s.now().UTC()
	end := tgt.Timeframe.Truncate(now)
	start := tgt.Timeframe.Truncate(end.Add(-s.cfg.Window()))

	rows, err := s.candles.ScanWindow(ctx, tgt.MarketID, tgt.Timeframe, start, end)
	if err != nil {
		return err
	}

	rep := Analyze(rows, tgt.Timeframe, start, end, s.cfg.PriceJumpThreshold, s.cfg.VolumeSpikeSigma)

	summary := model.QualitySummary{
		MarketID:         tgt.MarketID,
		DataType:         model.DataCandles,
		Timeframe:        tgt.Timeframe,
		WindowStart:      start,
		WindowEnd:        end,
		ExpectedCount:    rep.Expected,
		ActualCount:      rep.Actual,
		MissingCount:     rep.Missing,
		DuplicateCount:   rep.Duplicates,
		OutOfOrderCount:  rep.OutOfOrder,
		PriceJumpCount:   rep.PriceJumps,
		VolumeSpikeCount: rep.VolumeSpike,
		Score:            rep.Score,
		Validated:        rep.Clean(),
		Issues:           rep.Issues(),
		CreatedAt:        now,
	}
	if err := s.quality.Insert(ctx, summary); err != nil {
		return err
	}

	if s.OnScore != nil {
		s.OnScore(tgt, rep.Score)
	}

	for _, gap := range rep.Gaps {
		task := model.BackfillTask{
			MarketID:      tgt.MarketID,
			DataType:      model.DataCandles,
			Timeframe:     tgt.Timeframe,
			StartTime:     gap.Start,
			EndTime:       gap.End,
			Status:        model.TaskPending,
			Priority:      PriorityForAge(now.Sub(gap.End)),
			ExpectedCount: gap.Bars(tgt.Timeframe),
		}
		id, err := s.tasks.Create(ctx, task)
		if err != nil {
			log.Error().Str("symbol", tgt.Symbol).Time("start", gap.Start).Time("end", gap.End).
				Err(err).Msg("failed to enqueue backfill task")
			continue
		}
		if id != 0 {
			log.Info().Str("exchange", tgt.Exchange).Str("symbol", tgt.Symbol).
				Str("timeframe", string(tgt.Timeframe)).Int64("task_id", id).
				Time("start", gap.Start).Time("end", gap.End).
				Int("bars", task.ExpectedCount).Msg("gap detected, backfill enqueued")
		}
	}

	if !rep.Clean() {
		log.Warn().Str("exchange", tgt.Exchange).Str("symbol", tgt.Symbol).
			Str("timeframe", string(tgt.Timeframe)).Float64("score", rep.Score).
			Str("issues", rep.Issues()).Msg("quality findings")
	}
	return nil
}

// PriorityForAge ranks a gap by how recent it is; recent gaps are
// claimed first.
func PriorityForAge(age time.Duration) int {
	switch {
	case age < 6*time.Hour:
		return 10
	case age < 24*time.Hour:
		return 7
	case age < 7*24*time.Hour:
		return 5
	default:
		return 3
	}
}

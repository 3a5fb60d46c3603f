package store

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/model"
)

// Keeper maintains the candle tiers: each sweep first rolls bars up
// from the next-finer tier, then prunes aged rows per retention tier.
// Ranges covered by a preserve-raw critical event survive pruning; that
// filter lives in the repositories' DeleteBefore implementations.
type Keeper struct {
	cfg       config.RetentionConfig
	candles   CandleRepo
	trades    TradeRepo
	snapshots SnapshotRepo
}

// NewKeeper wires the keeper. Disabling retention stops pruning only;
// tiers keep materializing because long-span reads depend on them.
func NewKeeper(cfg config.RetentionConfig, candles CandleRepo, trades TradeRepo, snapshots SnapshotRepo) *Keeper {
	return &Keeper{cfg: cfg, candles: candles, trades: trades, snapshots: snapshots}
}

// Run sweeps immediately and then on every interval until ctx ends.
func (k *Keeper) Run(ctx context.Context) {
	if !k.cfg.Enabled {
		log.Info().Msg("retention disabled, aggregating tiers only")
	}
	k.Sweep(ctx)

	ticker := time.NewTicker(k.cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep materializes every tier, finest first so new 1m bars cascade
// up to 1d within one pass, then applies retention. Failures are
// logged and the sweep moves on; the next interval retries.
func (k *Keeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	for i := 1; i < len(model.Timeframes); i++ {
		src, dst := model.Timeframes[i-1], model.Timeframes[i]
		written, err := k.candles.AggregateTier(ctx, src, dst, now)
		if err != nil {
			log.Error().Str("tier", string(dst)).Err(err).Msg("tier aggregation failed")
			continue
		}
		if written > 0 {
			log.Debug().Str("tier", string(dst)).Int64("rows", written).Msg("materialized tier")
		}
	}

	if !k.cfg.Enabled {
		return
	}

	for _, tf := range model.Timeframes {
		age := k.cfg.TierAge(tf)
		if age <= 0 {
			continue
		}
		deleted, err := k.candles.DeleteBefore(ctx, tf, now.Add(-age))
		k.report("candles_"+string(tf), deleted, err)
	}

	if d := time.Duration(k.cfg.TradesDays) * 24 * time.Hour; d > 0 {
		deleted, err := k.trades.DeleteBefore(ctx, now.Add(-d))
		k.report("trades", deleted, err)
	}
	if d := time.Duration(k.cfg.SnapshotsDays) * 24 * time.Hour; d > 0 {
		deleted, err := k.snapshots.DeleteBefore(ctx, now.Add(-d))
		k.report("snapshots", deleted, err)
	}
}

func (k *Keeper) report(tier string, deleted int64, err error) {
	if err != nil {
		log.Error().Str("tier", tier).Err(err).Msg("retention sweep failed")
		return
	}
	if deleted > 0 {
		log.Info().Str("tier", tier).Int64("deleted", deleted).Msg("retention pruned rows")
	}
}

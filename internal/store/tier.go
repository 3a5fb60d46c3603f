package store

import (
	"time"

	"github.com/quantfeed/quantfeed/internal/model"
)

// TierFor selects the read timeframe for a query span: short spans read
// raw 1m bars, long spans read the coarser tiers that retention keeps
// around longer.
func TierFor(span time.Duration) model.Timeframe {
	const day = 24 * time.Hour
	switch {
	case span <= 12*time.Hour:
		return model.TF1m
	case span <= 3*day:
		return model.TF5m
	case span <= 30*day:
		return model.TF15m
	case span <= 180*day:
		return model.TF1h
	default:
		return model.TF1d
	}
}

// Package quality scores persisted candle windows and turns missing
// runs into backfill tasks. Analysis is a pure pass over rows in
// insertion order; the scanner owns scheduling and persistence.
package quality

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
)

// Gap is a contiguous run of missing bars, half-open [Start, End).
type Gap struct {
	Start time.Time
	End   time.Time
}

// Bars returns how many bars the gap spans.
func (g Gap) Bars(tf model.Timeframe) int {
	return tf.CountIn(g.Start, g.End)
}

// Report is the outcome of analyzing one (market, timeframe) window.
type Report struct {
	Expected    int
	Actual      int
	Missing     int
	Duplicates  int
	OutOfOrder  int
	PriceJumps  int
	VolumeSpike int
	Gaps        []Gap
	Score       float64
}

// Clean reports whether the window had no findings at all.
func (r Report) Clean() bool {
	return r.Missing == 0 && r.Duplicates == 0 && r.OutOfOrder == 0 &&
		r.PriceJumps == 0 && r.VolumeSpike == 0
}

// Issues renders the findings as one human-readable line.
func (r Report) Issues() string {
	var parts []string
	if r.Missing > 0 {
		parts = append(parts, fmt.Sprintf("%d missing in %d gaps", r.Missing, len(r.Gaps)))
	}
	if r.Duplicates > 0 {
		parts = append(parts, fmt.Sprintf("%d duplicates", r.Duplicates))
	}
	if r.OutOfOrder > 0 {
		parts = append(parts, fmt.Sprintf("%d out of order", r.OutOfOrder))
	}
	if r.PriceJumps > 0 {
		parts = append(parts, fmt.Sprintf("%d price jumps", r.PriceJumps))
	}
	if r.VolumeSpike > 0 {
		parts = append(parts, fmt.Sprintf("%d volume spikes", r.VolumeSpike))
	}
	return strings.Join(parts, "; ")
}

// Analyze counts anomalies over rows from [from, to), which must be
// aligned to tf. Rows arrive in insertion order; open-time order is
// reconstructed internally for the price and gap passes.
func Analyze(rows []store.CandleScan, tf model.Timeframe, from, to time.Time, jumpThreshold, spikeSigma float64) Report {
	rep := Report{
		Expected: tf.CountIn(from, to),
		Actual:   len(rows),
	}

	// Out-of-order: a row inserted after a bar with a later open time.
	var maxOpen time.Time
	for _, r := range rows {
		if r.OpenTime.Before(maxOpen) {
			rep.OutOfOrder++
		} else {
			maxOpen = r.OpenTime
		}
	}

	// Collapse to one row per open time, counting duplicates.
	seen := make(map[int64]store.CandleScan, len(rows))
	for _, r := range rows {
		key := r.OpenTime.UnixMilli()
		if _, ok := seen[key]; ok {
			rep.Duplicates++
			continue
		}
		seen[key] = r
	}

	ordered := make([]store.CandleScan, 0, len(seen))
	for _, r := range seen {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].OpenTime.Before(ordered[j].OpenTime) })

	// Price jumps over consecutive closes.
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1].Close, ordered[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		if math.Abs(math.Log(cur/prev)) > jumpThreshold {
			rep.PriceJumps++
		}
	}

	// Volume spikes against the window's own distribution.
	if len(ordered) >= 2 {
		var sum float64
		for _, r := range ordered {
			sum += r.BaseVolume
		}
		mean := sum / float64(len(ordered))
		var sq float64
		for _, r := range ordered {
			d := r.BaseVolume - mean
			sq += d * d
		}
		stddev := math.Sqrt(sq / float64(len(ordered)))
		if stddev > 0 {
			for _, r := range ordered {
				if r.BaseVolume > mean+spikeSigma*stddev {
					rep.VolumeSpike++
				}
			}
		}
	}

	// Walk aligned expected times; contiguous misses become gaps.
	step := tf.Duration()
	var open *Gap
	for t := from; t.Before(to); t = t.Add(step) {
		if _, ok := seen[t.UnixMilli()]; ok {
			if open != nil {
				rep.Gaps = append(rep.Gaps, *open)
				open = nil
			}
			continue
		}
		rep.Missing++
		if open == nil {
			open = &Gap{Start: t, End: t.Add(step)}
		} else {
			open.End = t.Add(step)
		}
	}
	if open != nil {
		rep.Gaps = append(rep.Gaps, *open)
	}

	rep.Score = score(rep)
	return rep
}

// score applies the completeness/anomaly weighting and clamps to
// [0, 100]. An empty expectation scores 100.
func score(r Report) float64 {
	if r.Expected <= 0 {
		return 100
	}
	exp := float64(r.Expected)
	s := 100 -
		100*float64(r.Missing+r.Duplicates+r.OutOfOrder)/exp -
		50*float64(r.PriceJumps+r.VolumeSpike)/exp
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

package model

import (
	"fmt"
	"time"
)

// Timeframe identifies a candle aggregation interval. The string form is
// what exchanges, the database, and the config file all use.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF1d  Timeframe = "1d"
)

// Timeframes lists all supported intervals from finest to coarsest.
var Timeframes = []Timeframe{TF1m, TF5m, TF15m, TF1h, TF1d}

// ParseTimeframe validates a string form and returns the Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	switch tf {
	case TF1m, TF5m, TF15m, TF1h, TF1d:
		return tf, nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Duration returns the interval length.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	case TF1d:
		return 24 * time.Hour
	}
	return 0
}

// Valid reports whether tf is one of the supported intervals.
func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// Truncate rounds t down to the open time of the candle containing it.
// Daily candles open at 00:00 UTC.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(tf.Duration())
}

// Aligned reports whether t is a valid open time for this interval.
func (tf Timeframe) Aligned(t time.Time) bool {
	return tf.Truncate(t).Equal(t.UTC())
}

// Next returns the open time of the candle after the one opening at t.
func (tf Timeframe) Next(t time.Time) time.Time {
	return t.Add(tf.Duration())
}

// CountIn returns the number of whole candles expected in [from, to).
// Both bounds are truncated to the interval first.
func (tf Timeframe) CountIn(from, to time.Time) int {
	from = tf.Truncate(from)
	to = tf.Truncate(to)
	if !to.After(from) {
		return 0
	}
	return int(to.Sub(from) / tf.Duration())
}

func (tf Timeframe) String() string { return string(tf) }

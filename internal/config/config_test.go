package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
exchanges:
  binance:
    enabled: true
    symbols: [BTCUSDT, ETHUSDT]
    streams: [trades, klines]
    timeframes: [1m, 5m]
    rate_limit:
      min_interval_ms: 250
  bybit:
    enabled: false
    symbols: [BTCUSDT]
postgres:
  dsn: postgres://u:p@db:5432/quantfeed?sslmode=disable
redis:
  addr: localhost:6379
quality:
  window_hours: 12
server:
  port: 9090
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	bn := cfg.Exchanges["binance"]
	assert.True(t, bn.Enabled)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, bn.Symbols)
	assert.Equal(t, []string{"trades", "klines"}, bn.Streams)

	// overridden
	assert.Equal(t, 250*time.Millisecond, bn.RateLimit.MinInterval())
	// defaulted
	assert.Equal(t, 3, bn.RateLimit.MaxConcurrent)
	assert.Equal(t, 4, bn.Retry.Attempts)
	assert.Equal(t, 500*time.Millisecond, bn.Retry.Base())
	assert.Equal(t, 20*time.Second, bn.WS.Heartbeat())
	assert.Equal(t, 500, bn.Writer.BatchSize)
	assert.Equal(t, 2*time.Second, bn.Writer.FlushInterval())
	assert.Equal(t, 25, bn.BookDepth)
	assert.Equal(t, 60, bn.PollIntervalSec)

	assert.Equal(t, 12*time.Hour, cfg.Quality.Window())
	assert.Equal(t, 10*time.Minute, cfg.Quality.Interval())
	assert.InDelta(t, 0.2, cfg.Quality.PriceJumpThreshold, 1e-9)
	assert.InDelta(t, 6.0, cfg.Quality.VolumeSpikeSigma, 1e-9)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestEnabledExchangesSorted(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"binance"}, cfg.EnabledExchanges())

	ex := cfg.Exchanges["bybit"]
	ex.Enabled = true
	cfg.Exchanges["bybit"] = ex
	assert.Equal(t, []string{"binance", "bybit"}, cfg.EnabledExchanges())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"enabled exchange without symbols", `
exchanges:
  binance:
    enabled: true
`},
		{"unknown stream", `
exchanges:
  binance:
    enabled: true
    symbols: [BTCUSDT]
    streams: [ticker]
`},
		{"bad timeframe", `
exchanges:
  binance:
    enabled: true
    symbols: [BTCUSDT]
    timeframes: [3m]
`},
		{"port out of range", `
server:
  port: 99999
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quantfeed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Contains(t, cfg.Postgres.DSN, "db:5432")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestRetentionTierAges(t *testing.T) {
	cfg := Default()
	r := cfg.Retention

	assert.Equal(t, 7*24*time.Hour, r.TierAge("1m"))
	assert.Equal(t, 30*24*time.Hour, r.TierAge("5m"))
	assert.Equal(t, 90*24*time.Hour, r.TierAge("15m"))
	assert.Equal(t, 180*24*time.Hour, r.TierAge("1h"))
	assert.Equal(t, time.Duration(0), r.TierAge("1d"), "daily candles kept forever")
}

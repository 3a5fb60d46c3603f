package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/cache"
	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/httpx"
	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/pipeline"
)

func TestBuildStreamsExpandsConfig(t *testing.T) {
	ex := config.ExchangeConfig{
		Symbols:    []string{"BTCUSDT", "ETHUSDT"},
		Timeframes: []string{"1m", "1h", "bogus"},
		Streams:    []string{"trades", "klines", "orderbook"},
		BookDepth:  50,
	}

	streams := buildStreams(ex)

	var trades, klines, books int
	for _, s := range streams {
		switch s.Kind {
		case exchange.StreamTrades:
			trades++
		case exchange.StreamKlines:
			klines++
		case exchange.StreamOrderBook:
			books++
			assert.Equal(t, 50, s.Depth)
		}
	}
	assert.Equal(t, 2, trades)
	assert.Equal(t, 4, klines, "unparseable timeframe is skipped")
	assert.Equal(t, 2, books)
}

func TestBuildStreamsEmptyWhenNoneConfigured(t *testing.T) {
	assert.Empty(t, buildStreams(config.ExchangeConfig{Symbols: []string{"BTCUSDT"}}))
}

func TestOpenAdapterKnownVenues(t *testing.T) {
	client, dialer, err := openAdapter("binance")
	require.NoError(t, err)
	assert.Equal(t, "binance", client.Name())
	assert.NotNil(t, dialer)

	client, _, err = openAdapter("bybit")
	require.NoError(t, err)
	assert.Equal(t, "bybit", client.Name())

	_, _, err = openAdapter("kraken")
	require.Error(t, err)
}

func newBareVenue(name string) *venue {
	return &venue{
		name:    name,
		trades:  pipeline.NewQueue[pipeline.Item[model.Trade]](name+":trades", 2),
		candles: pipeline.NewQueue[pipeline.Item[model.Candle]](name+":candles", 2),
		snaps:   pipeline.NewQueue[pipeline.Item[model.BookSnapshot]](name+":books", 2),
		door:    httpx.NewDoor(name, httpx.Policy{Attempts: 1}, nil, nil),
	}
}

func TestSnapshotCollectsVenueState(t *testing.T) {
	v := newBareVenue("binance")
	v.trades.Push(
		pipeline.Item[model.Trade]{Exchange: "binance", Symbol: "BTCUSDT"},
		pipeline.Item[model.Trade]{Exchange: "binance", Symbol: "BTCUSDT"},
		pipeline.Item[model.Trade]{Exchange: "binance", Symbol: "BTCUSDT"},
	)

	a := &App{venues: []*venue{v}}
	s := a.snapshot()

	assert.Empty(t, s.Sessions, "no stream session configured")
	assert.Equal(t, "closed", s.Breakers["binance"])
	assert.Equal(t, 2, s.Queues["binance:trades"])
	assert.Equal(t, int64(1), s.Drops["binance:trades"])
	assert.Equal(t, 0, s.Queues["binance:candles"])
}

func TestMirrorQueueReportsDeltasOnly(t *testing.T) {
	a := &App{metrics: metrics.New(), cache: cache.New(config.RedisConfig{})}
	q := pipeline.NewQueue[pipeline.Item[model.Trade]]("binance:trades", 1)
	seen := make(map[string]uint64)

	q.Push(pipeline.Item[model.Trade]{}, pipeline.Item[model.Trade]{})
	a.mirrorQueue(context.Background(), q, seen)
	assert.Equal(t, 1.0, metrics.GaugeValue(a.metrics.QueueDepth, "binance:trades"))
	assert.Equal(t, 1.0, metrics.CounterValue(a.metrics.QueueDrops, "binance:trades"))

	a.mirrorQueue(context.Background(), q, seen)
	assert.Equal(t, 1.0, metrics.CounterValue(a.metrics.QueueDrops, "binance:trades"),
		"cumulative drops are not re-added")

	q.Push(pipeline.Item[model.Trade]{})
	a.mirrorQueue(context.Background(), q, seen)
	assert.Equal(t, 2.0, metrics.CounterValue(a.metrics.QueueDrops, "binance:trades"))
}

package writer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/pipeline"
	"github.com/quantfeed/quantfeed/internal/store"
)

type fakeMarkets struct {
	store.MarketRepo

	mu      sync.Mutex
	known   map[string]int64
	lookups int
	ensured []model.Market
	nextID  int64
}

func newFakeMarkets(known map[string]int64) *fakeMarkets {
	return &fakeMarkets{known: known, nextID: 100}
}

func (f *fakeMarkets) Lookup(_ context.Context, exchangeName, symbol string) (*model.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	id, ok := f.known[exchangeName+":"+symbol]
	if !ok {
		return nil, nil
	}
	return &model.Market{ID: id, Symbol: symbol}, nil
}

func (f *fakeMarkets) Ensure(_ context.Context, m model.Market) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.ensured = append(f.ensured, m)
	return f.nextID, nil
}

func TestResolverCachesLookups(t *testing.T) {
	markets := newFakeMarkets(map[string]int64{"binance:BTCUSDT": 7})
	res := NewResolver(markets, map[string]int64{"binance": 1}, 16)

	for i := 0; i < 3; i++ {
		id, err := res.Resolve(context.Background(), "binance", "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, int64(7), id)
	}
	assert.Equal(t, 1, markets.lookups)
}

func TestResolverRegistersUnknownSymbol(t *testing.T) {
	markets := newFakeMarkets(map[string]int64{})
	res := NewResolver(markets, map[string]int64{"bybit": 2}, 16)

	id, err := res.Resolve(context.Background(), "bybit", "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)

	require.Len(t, markets.ensured, 1)
	created := markets.ensured[0]
	assert.Equal(t, int64(2), created.ExchangeID)
	assert.Equal(t, "ETHUSDT", created.Symbol)
	assert.Empty(t, created.BaseAsset)

	// Second resolve is served from the cache.
	id2, err := res.Resolve(context.Background(), "bybit", "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Equal(t, 1, markets.lookups)
}

func TestResolverRejectsUnknownExchange(t *testing.T) {
	markets := newFakeMarkets(map[string]int64{})
	res := NewResolver(markets, map[string]int64{"binance": 1}, 16)

	_, err := res.Resolve(context.Background(), "okx", "BTCUSDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown exchange")
	assert.Empty(t, markets.ensured)
}

type fakeCandles struct {
	store.CandleRepo

	mu     sync.Mutex
	stored []model.Candle
}

func (f *fakeCandles) UpsertBatch(_ context.Context, candles []model.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, candles...)
	return nil
}

func TestCandleFlushStampsMarketIDs(t *testing.T) {
	markets := newFakeMarkets(map[string]int64{"binance:BTCUSDT": 7, "binance:ETHUSDT": 8})
	res := NewResolver(markets, map[string]int64{"binance": 1}, 16)
	repo := &fakeCandles{}
	flush := CandleFlush(res, repo)

	batch := []pipeline.Item[model.Candle]{
		{Exchange: "binance", Symbol: "BTCUSDT", Payload: model.Candle{Timeframe: model.TF1m, Close: 27000}},
		{Exchange: "binance", Symbol: "ETHUSDT", Payload: model.Candle{Timeframe: model.TF1m, Close: 1800}},
		{Exchange: "binance", Symbol: "BTCUSDT", Payload: model.Candle{Timeframe: model.TF5m, Close: 27010}},
	}

	rows, err := flush(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)

	require.Len(t, repo.stored, 3)
	assert.Equal(t, int64(7), repo.stored[0].MarketID)
	assert.Equal(t, int64(8), repo.stored[1].MarketID)
	assert.Equal(t, int64(7), repo.stored[2].MarketID)
	// Two distinct symbols, one lookup each; the repeat came from cache.
	assert.Equal(t, 2, markets.lookups)
}

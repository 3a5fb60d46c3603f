// Package writer drains the pipeline queues into the store in batches.
// One Writer per topic: candles upsert, trades insert-ignore, book
// snapshots append. Market resolution happens here, behind an LRU, so
// the collectors never talk to the database.
package writer

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
)

// Resolver maps (exchange, symbol) to market ids. Hits are served from
// an LRU; misses fall through to the store. A symbol with no market row
// yet is registered with empty metadata so the write is never lost; the
// next instrument refresh fills the assets in.
type Resolver struct {
	markets     store.MarketRepo
	exchangeIDs map[string]int64
	cache       *lru.Cache
}

// NewResolver builds a resolver over the pre-registered exchanges.
func NewResolver(markets store.MarketRepo, exchangeIDs map[string]int64, cacheSize int) *Resolver {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, _ := lru.New(cacheSize)
	ids := make(map[string]int64, len(exchangeIDs))
	for name, id := range exchangeIDs {
		ids[name] = id
	}
	return &Resolver{markets: markets, exchangeIDs: ids, cache: cache}
}

// Resolve returns the market id for a venue-native symbol.
func (r *Resolver) Resolve(ctx context.Context, exchangeName, symbol string) (int64, error) {
	key := exchangeName + ":" + symbol
	if v, ok := r.cache.Get(key); ok {
		return v.(int64), nil
	}

	m, err := r.markets.Lookup(ctx, exchangeName, symbol)
	if err != nil {
		return 0, err
	}
	if m != nil {
		r.cache.Add(key, m.ID)
		return m.ID, nil
	}

	exchangeID, ok := r.exchangeIDs[exchangeName]
	if !ok {
		return 0, fmt.Errorf("unknown exchange %q for symbol %s", exchangeName, symbol)
	}
	id, err := r.markets.Ensure(ctx, model.Market{
		ExchangeID: exchangeID,
		Symbol:     symbol,
		Type:       model.MarketSpot,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to register market %s/%s: %w", exchangeName, symbol, err)
	}
	log.Warn().Str("exchange", exchangeName).Str("symbol", symbol).Int64("market_id", id).
		Msg("market registered on first write, metadata pending")
	r.cache.Add(key, id)
	return id, nil
}

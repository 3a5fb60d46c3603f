// Package orderbook reconstructs per-symbol depth from a REST snapshot
// plus sequenced stream deltas, resyncing whenever the venue's update
// sequence shows a hole.
package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/model"
)

// ErrSequenceGap reports a hole in the venue's update sequence. The
// local book can no longer be trusted and must be rebuilt from a fresh
// snapshot.
var ErrSequenceGap = errors.New("orderbook: sequence gap")

// Book is one symbol's reconstructed depth. Not safe for concurrent
// use; the Manager serializes access.
type Book struct {
	exchange string
	symbol   string

	bids map[float64]float64
	asks map[float64]float64

	lastUpdateID int64
	updatedAt    time.Time
}

// NewBook returns an empty, unprimed book.
func NewBook(exchangeName, symbol string) *Book {
	return &Book{
		exchange: exchangeName,
		symbol:   symbol,
		bids:     make(map[float64]float64),
		asks:     make(map[float64]float64),
	}
}

// Prime replaces the book with a full snapshot.
func (b *Book) Prime(snap exchange.OrderBook) {
	b.bids = make(map[float64]float64, len(snap.Bids))
	b.asks = make(map[float64]float64, len(snap.Asks))
	for _, l := range snap.Bids {
		if l.Quantity > 0 {
			b.bids[l.Price] = l.Quantity
		}
	}
	for _, l := range snap.Asks {
		if l.Quantity > 0 {
			b.asks[l.Price] = l.Quantity
		}
	}
	b.lastUpdateID = snap.UpdateID
	b.updatedAt = snap.Time
}

// LastUpdateID returns the sequence number of the last applied change.
func (b *Book) LastUpdateID() int64 { return b.lastUpdateID }

// Apply folds one delta into the book. Deltas at or before the current
// sequence are silently discarded; a delta starting past lastUpdateID+1
// returns ErrSequenceGap and leaves the book unchanged. A zero quantity
// removes the level.
func (b *Book) Apply(d exchange.DepthUpdate) error {
	if d.Snapshot {
		b.Prime(exchange.OrderBook{
			Symbol:   d.Symbol,
			Time:     d.Time,
			UpdateID: d.FinalUpdateID,
			Bids:     d.Bids,
			Asks:     d.Asks,
		})
		return nil
	}
	if d.FinalUpdateID <= b.lastUpdateID {
		return nil
	}
	if d.FirstUpdateID > b.lastUpdateID+1 {
		return fmt.Errorf("%w: book at %d, delta starts at %d", ErrSequenceGap, b.lastUpdateID, d.FirstUpdateID)
	}
	applyLevels(b.bids, d.Bids)
	applyLevels(b.asks, d.Asks)
	b.lastUpdateID = d.FinalUpdateID
	b.updatedAt = d.Time
	return nil
}

func applyLevels(side map[float64]float64, levels []model.BookLevel) {
	for _, l := range levels {
		if l.Quantity == 0 {
			delete(side, l.Price)
			continue
		}
		side[l.Price] = l.Quantity
	}
}

// Depth returns the level counts of both sides.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

// Snapshot projects the top depth levels of each side: bids descending,
// asks ascending. MarketID is resolved later by the writer.
func (b *Book) Snapshot(depth int) model.BookSnapshot {
	return model.BookSnapshot{
		Time:     b.updatedAt,
		UpdateID: b.lastUpdateID,
		Bids:     topLevels(b.bids, depth, true),
		Asks:     topLevels(b.asks, depth, false),
	}
}

func topLevels(side map[float64]float64, depth int, descending bool) []model.BookLevel {
	prices := make([]float64, 0, len(side))
	for p := range side {
		prices = append(prices, p)
	}
	if descending {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	} else {
		sort.Float64s(prices)
	}
	if depth > 0 && len(prices) > depth {
		prices = prices[:depth]
	}
	levels := make([]model.BookLevel, len(prices))
	for i, p := range prices {
		levels[i] = model.BookLevel{Price: p, Quantity: side[p]}
	}
	return levels
}

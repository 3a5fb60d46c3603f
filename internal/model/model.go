// Package model holds the domain types shared by collectors, the writer,
// storage, and the quality engine. Timestamps are UTC throughout; symbols
// are kept in each exchange's native form (no separator).
package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// MarketType distinguishes instrument classes on an exchange.
type MarketType string

const (
	MarketSpot   MarketType = "spot"
	MarketPerp   MarketType = "perp"
	MarketFuture MarketType = "future"
)

// DataType identifies a collected data stream for tasks and quality rows.
type DataType string

const (
	DataCandles   DataType = "candles"
	DataTrades    DataType = "trades"
	DataOrderBook DataType = "orderbook"
)

// ParseDataType validates the string form of a DataType.
func ParseDataType(s string) (DataType, error) {
	dt := DataType(s)
	switch dt {
	case DataCandles, DataTrades, DataOrderBook:
		return dt, nil
	}
	return "", fmt.Errorf("unknown data type %q", s)
}

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Exchange is a registered data source.
type Exchange struct {
	ID          int64  `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	DisplayName string `json:"display_name" db:"display_name"`
}

// Market is a tradable instrument on an exchange. Symbol is the native
// form ("BTCUSDT"); base and quote come from instrument metadata, never
// from splitting the symbol string.
type Market struct {
	ID         int64      `json:"id" db:"id"`
	ExchangeID int64      `json:"exchange_id" db:"exchange_id"`
	Symbol     string     `json:"symbol" db:"symbol"`
	BaseAsset  string     `json:"base_asset" db:"base_asset"`
	QuoteAsset string     `json:"quote_asset" db:"quote_asset"`
	Type       MarketType `json:"type" db:"market_type"`
}

// Candle is one closed OHLCV bar. OpenTime is aligned to the timeframe.
type Candle struct {
	MarketID    int64     `json:"market_id" db:"market_id"`
	Timeframe   Timeframe `json:"timeframe" db:"timeframe"`
	OpenTime    time.Time `json:"open_time" db:"open_time"`
	Open        float64   `json:"open" db:"open"`
	High        float64   `json:"high" db:"high"`
	Low         float64   `json:"low" db:"low"`
	Close       float64   `json:"close" db:"close"`
	BaseVolume  float64   `json:"base_volume" db:"base_volume"`
	QuoteVolume float64   `json:"quote_volume" db:"quote_volume"`
	TradeCount  int64     `json:"trade_count" db:"trade_count"`
}

// Validate checks OHLC ordering, volume signs, and open-time alignment.
func (c Candle) Validate() error {
	if !c.Timeframe.Valid() {
		return fmt.Errorf("candle: invalid timeframe %q", c.Timeframe)
	}
	if !c.Timeframe.Aligned(c.OpenTime) {
		return fmt.Errorf("candle: open time %s not aligned to %s", c.OpenTime.Format(time.RFC3339), c.Timeframe)
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle: OHLC out of order o=%g h=%g l=%g c=%g", c.Open, c.High, c.Low, c.Close)
	}
	if c.BaseVolume < 0 || c.QuoteVolume < 0 {
		return fmt.Errorf("candle: negative volume base=%g quote=%g", c.BaseVolume, c.QuoteVolume)
	}
	if c.TradeCount < 0 {
		return fmt.Errorf("candle: negative trade count %d", c.TradeCount)
	}
	return nil
}

// CloseTime returns the instant the candle closes (exclusive bound).
func (c Candle) CloseTime() time.Time {
	return c.OpenTime.Add(c.Timeframe.Duration())
}

// Trade is a single execution. TradeID is the exchange-native id when the
// venue provides one, or a synthetic id otherwise.
type Trade struct {
	MarketID int64     `json:"market_id" db:"market_id"`
	TradeID  string    `json:"trade_id" db:"trade_id"`
	Time     time.Time `json:"time" db:"ts"`
	Price    float64   `json:"price" db:"price"`
	Quantity float64   `json:"quantity" db:"quantity"`
	Side     Side      `json:"side" db:"side"`
}

// SyntheticTradeID derives a deterministic id for venues that do not
// assign trade ids, so replayed fetches stay idempotent.
func SyntheticTradeID(ts time.Time, price, qty float64, side Side) string {
	h := sha1.New()
	h.Write([]byte(strconv.FormatInt(ts.UnixMilli(), 10)))
	h.Write([]byte(strconv.FormatFloat(price, 'g', -1, 64)))
	h.Write([]byte(strconv.FormatFloat(qty, 'g', -1, 64)))
	h.Write([]byte(side))
	return "syn" + hex.EncodeToString(h.Sum(nil))[:17]
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// BookSnapshot is a Top-N projection of a reconstructed order book.
// Bids are sorted descending by price, asks ascending.
type BookSnapshot struct {
	MarketID int64       `json:"market_id" db:"market_id"`
	Time     time.Time   `json:"time" db:"ts"`
	UpdateID int64       `json:"update_id" db:"update_id"`
	Bids     []BookLevel `json:"bids"`
	Asks     []BookLevel `json:"asks"`
}

// BestBid returns the highest bid, or false when that side is empty.
func (s BookSnapshot) BestBid() (BookLevel, bool) {
	if len(s.Bids) == 0 {
		return BookLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask, or false when that side is empty.
func (s BookSnapshot) BestAsk() (BookLevel, bool) {
	if len(s.Asks) == 0 {
		return BookLevel{}, false
	}
	return s.Asks[0], true
}

// Mid returns the midpoint of the best bid and ask, or false when either
// side is empty.
func (s BookSnapshot) Mid() (float64, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// Spread returns the absolute bid/ask spread, or false when either side
// is empty.
func (s BookSnapshot) Spread() (float64, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// SpreadBps returns the bid/ask spread in basis points of the mid.
func (s BookSnapshot) SpreadBps() (float64, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	mid := (bid.Price + ask.Price) / 2
	if mid <= 0 {
		return 0, false
	}
	return (ask.Price - bid.Price) / mid * 10000, true
}

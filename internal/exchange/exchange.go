// Package exchange defines the venue-facing surface: wire-level records
// before market resolution, the REST and stream interfaces every adapter
// implements, and the error taxonomy the retry layer classifies on.
package exchange

import (
	"context"
	"time"

	"github.com/quantfeed/quantfeed/internal/model"
)

// Instrument is venue metadata for one tradable symbol.
type Instrument struct {
	Symbol string
	Base   string
	Quote  string
	Type   model.MarketType
}

// Candle is a venue candle before market resolution. Closed reports
// whether the venue marked the bar final; REST endpoints only return
// closed bars except possibly the rightmost one.
type Candle struct {
	Symbol      string
	Timeframe   model.Timeframe
	OpenTime    time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	BaseVolume  float64
	QuoteVolume float64
	TradeCount  int64
	Closed      bool
}

// Model resolves the candle against a market id.
func (c Candle) Model(marketID int64) model.Candle {
	return model.Candle{
		MarketID:    marketID,
		Timeframe:   c.Timeframe,
		OpenTime:    c.OpenTime,
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		BaseVolume:  c.BaseVolume,
		QuoteVolume: c.QuoteVolume,
		TradeCount:  c.TradeCount,
	}
}

// Trade is a venue execution before market resolution.
type Trade struct {
	Symbol   string
	ID       string
	Time     time.Time
	Price    float64
	Quantity float64
	Side     model.Side
}

// Model resolves the trade against a market id, deriving a synthetic id
// when the venue did not provide one.
func (t Trade) Model(marketID int64) model.Trade {
	id := t.ID
	if id == "" {
		id = model.SyntheticTradeID(t.Time, t.Price, t.Quantity, t.Side)
	}
	return model.Trade{
		MarketID: marketID,
		TradeID:  id,
		Time:     t.Time,
		Price:    t.Price,
		Quantity: t.Quantity,
		Side:     t.Side,
	}
}

// OrderBook is a REST depth snapshot.
type OrderBook struct {
	Symbol   string
	Time     time.Time
	UpdateID int64
	Bids     []model.BookLevel
	Asks     []model.BookLevel
}

// DepthUpdate is one stream order-book event. FirstUpdateID and
// FinalUpdateID bound the venue's update sequence; venues with a single
// sequence number carry it in both. Snapshot means the venue replayed
// the full book and the local copy must be replaced.
type DepthUpdate struct {
	Symbol        string
	Time          time.Time
	FirstUpdateID int64
	FinalUpdateID int64
	Snapshot      bool
	Bids          []model.BookLevel
	Asks          []model.BookLevel
}

// StreamKind names a subscription family.
type StreamKind string

const (
	StreamTrades    StreamKind = "trades"
	StreamOrderBook StreamKind = "orderbook"
	StreamKlines    StreamKind = "klines"
)

// Stream is one subscription: a kind plus its parameters.
type Stream struct {
	Kind      StreamKind
	Symbol    string
	Timeframe model.Timeframe // klines only
	Depth     int             // orderbook only
}

// SubAck is a venue's response to one subscribe frame.
type SubAck struct {
	ID  int64
	OK  bool
	Msg string
}

// Message is the parsed form of one stream frame. At most one family is
// set; venues that batch events deliver several trades or klines in one
// frame. A zero Message means the frame carried nothing we consume
// (venue status chatter).
type Message struct {
	Trades []Trade
	Depth  *DepthUpdate
	Klines []Candle
	Ack    *SubAck
	Pong   bool
}

// Empty reports whether the frame carried nothing consumable.
func (m *Message) Empty() bool {
	return len(m.Trades) == 0 && m.Depth == nil && len(m.Klines) == 0 && m.Ack == nil && !m.Pong
}

// Client is the REST surface of one venue. Implementations perform a
// single attempt per call and classify failures into *APIError; retry,
// rate limiting, and circuit breaking live above.
type Client interface {
	// Name returns the venue slug ("binance").
	Name() string

	// FetchCandles returns up to limit closed-or-open bars from since
	// (inclusive, aligned) in ascending open-time order.
	FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, since time.Time, limit int) ([]Candle, error)

	// FetchTrades returns recent or historical trades from since in
	// ascending time order.
	FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]Trade, error)

	// FetchOrderBook returns a depth snapshot with the venue's book
	// sequence number.
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)

	// FetchInstruments returns metadata for all tradable symbols.
	FetchInstruments(ctx context.Context) ([]Instrument, error)
}

// StreamDialer is the venue-specific half of a stream session: where to
// connect, how to subscribe, how to parse frames, how to keep alive.
type StreamDialer interface {
	// Name returns the venue slug.
	Name() string

	// WSURL returns the websocket endpoint for the given subscriptions.
	WSURL(streams []Stream) string

	// SubscribeFrames renders the subscriptions into one or more frames,
	// each within the venue's per-frame argument cap.
	SubscribeFrames(streams []Stream) ([][]byte, error)

	// Parse decodes one raw frame.
	Parse(raw []byte) (*Message, error)

	// Heartbeat returns the application-level ping payload, or nil when
	// the venue uses protocol pings.
	Heartbeat() []byte
}

package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/model"
)

// Binance caps SUBSCRIBE params per frame; we stay well under the venue
// limit and keep frames small.
const maxParamsPerFrame = 10

// Dialer is the Binance stream adapter for the combined-stream endpoint.
type Dialer struct {
	wsURL string
	subID int64
}

// NewDialer returns a Dialer for the production endpoint.
func NewDialer() *Dialer { return &Dialer{wsURL: defaultWSURL} }

// SetWSURL overrides the endpoint (tests).
func (d *Dialer) SetWSURL(u string) { d.wsURL = u }

func (d *Dialer) Name() string { return Name }

// WSURL returns the combined-stream endpoint; subscriptions go over
// SUBSCRIBE frames, not the URL.
func (d *Dialer) WSURL([]exchange.Stream) string { return d.wsURL }

// StreamName renders one subscription in Binance's grammar:
// <symbol>@trade, <symbol>@depth@100ms, <symbol>@kline_<interval>.
func StreamName(s exchange.Stream) (string, error) {
	sym := strings.ToLower(s.Symbol)
	switch s.Kind {
	case exchange.StreamTrades:
		return sym + "@trade", nil
	case exchange.StreamOrderBook:
		return sym + "@depth@100ms", nil
	case exchange.StreamKlines:
		if !s.Timeframe.Valid() {
			return "", fmt.Errorf("kline stream needs a timeframe")
		}
		return sym + "@kline_" + s.Timeframe.String(), nil
	}
	return "", fmt.Errorf("unknown stream kind %q", s.Kind)
}

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// SubscribeFrames renders SUBSCRIBE frames, at most maxParamsPerFrame
// streams each. Frame ids are sequential so acks can be counted.
func (d *Dialer) SubscribeFrames(streams []exchange.Stream) ([][]byte, error) {
	names := make([]string, 0, len(streams))
	for _, s := range streams {
		n, err := StreamName(s)
		if err != nil {
			return nil, err
		}
		names = append(names, n)
	}

	var frames [][]byte
	for len(names) > 0 {
		n := len(names)
		if n > maxParamsPerFrame {
			n = maxParamsPerFrame
		}
		d.subID++
		b, err := json.Marshal(subscribeFrame{Method: "SUBSCRIBE", Params: names[:n], ID: d.subID})
		if err != nil {
			return nil, err
		}
		frames = append(frames, b)
		names = names[n:]
	}
	return frames, nil
}

// Heartbeat returns nil: Binance pings at the protocol level and the
// session answers with protocol pongs.
func (d *Dialer) Heartbeat() []byte { return nil }

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type ackFrame struct {
	Result json.RawMessage `json:"result"`
	ID     *int64          `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

type eventHeader struct {
	Event string `json:"e"`
}

type tradeEvent struct {
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type klineEvent struct {
	Symbol string `json:"s"`
	Kline  struct {
		OpenTime    int64  `json:"t"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		Close       string `json:"c"`
		High        string `json:"h"`
		Low         string `json:"l"`
		BaseVolume  string `json:"v"`
		TradeCount  int64  `json:"n"`
		Closed      bool   `json:"x"`
		QuoteVolume string `json:"q"`
	} `json:"k"`
}

type depthEvent struct {
	Symbol  string      `json:"s"`
	Time    int64       `json:"E"`
	FirstID int64       `json:"U"`
	FinalID int64       `json:"u"`
	Bids    [][2]string `json:"b"`
	Asks    [][2]string `json:"a"`
}

// Parse decodes one frame from the combined stream. Unknown event types
// yield an empty message.
func (d *Dialer) Parse(raw []byte) (*exchange.Message, error) {
	var cf combinedFrame
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, exchange.NewParseError("ws", err)
	}

	payload := cf.Data
	if payload == nil {
		// not a combined frame: subscribe ack or venue chatter
		var ack ackFrame
		if err := json.Unmarshal(raw, &ack); err == nil && ack.ID != nil {
			ok := ack.Error == nil
			msg := ""
			if ack.Error != nil {
				msg = ack.Error.Msg
			}
			return &exchange.Message{Ack: &exchange.SubAck{ID: *ack.ID, OK: ok, Msg: msg}}, nil
		}
		return &exchange.Message{}, nil
	}

	var hdr eventHeader
	if err := json.Unmarshal(payload, &hdr); err != nil {
		return nil, exchange.NewParseError("ws", err)
	}

	switch hdr.Event {
	case "trade":
		var ev tradeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, exchange.NewParseError("ws", err)
		}
		price, err := strconv.ParseFloat(ev.Price, 64)
		if err != nil {
			return nil, exchange.NewParseError("ws", fmt.Errorf("trade price %q", ev.Price))
		}
		qty, err := strconv.ParseFloat(ev.Quantity, 64)
		if err != nil {
			return nil, exchange.NewParseError("ws", fmt.Errorf("trade qty %q", ev.Quantity))
		}
		return &exchange.Message{Trades: []exchange.Trade{{
			Symbol:   ev.Symbol,
			ID:       strconv.FormatInt(ev.TradeID, 10),
			Time:     time.UnixMilli(ev.TradeTime).UTC(),
			Price:    price,
			Quantity: qty,
			Side:     takerSide(ev.BuyerIsMaker),
		}}}, nil

	case "kline":
		var ev klineEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, exchange.NewParseError("ws", err)
		}
		tf, err := model.ParseTimeframe(ev.Kline.Interval)
		if err != nil {
			return &exchange.Message{}, nil // interval we never subscribe to
		}
		var vals [6]float64
		for i, s := range []string{ev.Kline.Open, ev.Kline.High, ev.Kline.Low, ev.Kline.Close, ev.Kline.BaseVolume, ev.Kline.QuoteVolume} {
			vals[i], err = strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, exchange.NewParseError("ws", fmt.Errorf("kline field %q", s))
			}
		}
		return &exchange.Message{Klines: []exchange.Candle{{
			Symbol:      ev.Symbol,
			Timeframe:   tf,
			OpenTime:    time.UnixMilli(ev.Kline.OpenTime).UTC(),
			Open:        vals[0],
			High:        vals[1],
			Low:         vals[2],
			Close:       vals[3],
			BaseVolume:  vals[4],
			QuoteVolume: vals[5],
			TradeCount:  ev.Kline.TradeCount,
			Closed:      ev.Kline.Closed,
		}}}, nil

	case "depthUpdate":
		var ev depthEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, exchange.NewParseError("ws", err)
		}
		bids, err := parseLevels(ev.Bids)
		if err != nil {
			return nil, exchange.NewParseError("ws", fmt.Errorf("depth bids: %w", err))
		}
		asks, err := parseLevels(ev.Asks)
		if err != nil {
			return nil, exchange.NewParseError("ws", fmt.Errorf("depth asks: %w", err))
		}
		return &exchange.Message{Depth: &exchange.DepthUpdate{
			Symbol:        ev.Symbol,
			Time:          time.UnixMilli(ev.Time).UTC(),
			FirstUpdateID: ev.FirstID,
			FinalUpdateID: ev.FinalID,
			Bids:          bids,
			Asks:          asks,
		}}, nil
	}

	return &exchange.Message{}, nil
}

package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quantfeed/quantfeed/internal/exchange"
)

// Bybit rejects subscribe frames with more than 10 args on spot.
const maxArgsPerFrame = 10

// Dialer is the Bybit stream adapter. Topics follow the public grammar
// trade.<SYMBOL>, orderbook.<N>.<SYMBOL>, kline.<interval>.<SYMBOL>.
type Dialer struct {
	wsURL string
	reqID int64
}

// NewDialer returns a Dialer for the spot endpoint.
func NewDialer() *Dialer { return &Dialer{wsURL: defaultWSURL} }

// SetWSURL overrides the endpoint (tests).
func (d *Dialer) SetWSURL(u string) { d.wsURL = u }

func (d *Dialer) Name() string { return Name }

// WSURL returns the public stream endpoint; subscriptions go over
// subscribe ops.
func (d *Dialer) WSURL([]exchange.Stream) string { return d.wsURL }

// Topic renders one subscription in the venue grammar.
func Topic(s exchange.Stream) (string, error) {
	switch s.Kind {
	case exchange.StreamTrades:
		return "trade." + s.Symbol, nil
	case exchange.StreamOrderBook:
		depth := s.Depth
		if depth <= 0 {
			depth = 50
		}
		return fmt.Sprintf("orderbook.%d.%s", depth, s.Symbol), nil
	case exchange.StreamKlines:
		token, err := intervalToken(s.Timeframe)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("kline.%s.%s", token, s.Symbol), nil
	}
	return "", fmt.Errorf("unknown stream kind %q", s.Kind)
}

type opFrame struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

// SubscribeFrames renders subscribe ops, at most maxArgsPerFrame topics
// each, with sequential req_ids for ack accounting.
func (d *Dialer) SubscribeFrames(streams []exchange.Stream) ([][]byte, error) {
	topics := make([]string, 0, len(streams))
	for _, s := range streams {
		t, err := Topic(s)
		if err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}

	var frames [][]byte
	for len(topics) > 0 {
		n := len(topics)
		if n > maxArgsPerFrame {
			n = maxArgsPerFrame
		}
		d.reqID++
		b, err := json.Marshal(opFrame{ReqID: strconv.FormatInt(d.reqID, 10), Op: "subscribe", Args: topics[:n]})
		if err != nil {
			return nil, err
		}
		frames = append(frames, b)
		topics = topics[n:]
	}
	return frames, nil
}

// Heartbeat returns the application-level ping op Bybit expects every
// 20 seconds.
func (d *Dialer) Heartbeat() []byte {
	b, _ := json.Marshal(opFrame{Op: "ping"})
	return b
}

type topicFrame struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type serviceFrame struct {
	Op      string `json:"op"`
	ReqID   string `json:"req_id"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

type wsTrade struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
	ID     string `json:"i"`
}

type wsBook struct {
	Symbol   string      `json:"s"`
	Bids     [][2]string `json:"b"`
	Asks     [][2]string `json:"a"`
	UpdateID int64       `json:"u"`
	Seq      int64       `json:"seq"`
}

type wsKline struct {
	Start    int64  `json:"start"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Turnover string `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

// Parse decodes one frame: topic pushes, subscribe acks, and pongs.
func (d *Dialer) Parse(raw []byte) (*exchange.Message, error) {
	var tf topicFrame
	if err := json.Unmarshal(raw, &tf); err != nil {
		return nil, exchange.NewParseError("ws", err)
	}

	if tf.Topic == "" {
		var sf serviceFrame
		if err := json.Unmarshal(raw, &sf); err != nil {
			return nil, exchange.NewParseError("ws", err)
		}
		switch {
		case sf.Op == "pong" || sf.RetMsg == "pong":
			return &exchange.Message{Pong: true}, nil
		case sf.Op == "subscribe" && sf.Success != nil:
			id, _ := strconv.ParseInt(sf.ReqID, 10, 64)
			return &exchange.Message{Ack: &exchange.SubAck{ID: id, OK: *sf.Success, Msg: sf.RetMsg}}, nil
		}
		return &exchange.Message{}, nil
	}

	switch {
	case strings.HasPrefix(tf.Topic, "trade."):
		return parseTrades(tf)
	case strings.HasPrefix(tf.Topic, "orderbook."):
		return parseBook(tf)
	case strings.HasPrefix(tf.Topic, "kline."):
		return parseKlines(tf)
	}
	return &exchange.Message{}, nil
}

func parseTrades(tf topicFrame) (*exchange.Message, error) {
	var rows []wsTrade
	if err := json.Unmarshal(tf.Data, &rows); err != nil {
		return nil, exchange.NewParseError("ws", err)
	}
	trades := make([]exchange.Trade, 0, len(rows))
	for i, r := range rows {
		price, err := strconv.ParseFloat(r.Price, 64)
		if err != nil {
			return nil, exchange.NewParseError("ws", fmt.Errorf("trade %d price %q", i, r.Price))
		}
		size, err := strconv.ParseFloat(r.Size, 64)
		if err != nil {
			return nil, exchange.NewParseError("ws", fmt.Errorf("trade %d size %q", i, r.Size))
		}
		trades = append(trades, exchange.Trade{
			Symbol:   r.Symbol,
			ID:       r.ID,
			Time:     time.UnixMilli(r.Time).UTC(),
			Price:    price,
			Quantity: size,
			Side:     parseSide(r.Side),
		})
	}
	return &exchange.Message{Trades: trades}, nil
}

func parseBook(tf topicFrame) (*exchange.Message, error) {
	var b wsBook
	if err := json.Unmarshal(tf.Data, &b); err != nil {
		return nil, exchange.NewParseError("ws", err)
	}
	bids, err := parseLevels(b.Bids)
	if err != nil {
		return nil, exchange.NewParseError("ws", fmt.Errorf("book bids: %w", err))
	}
	asks, err := parseLevels(b.Asks)
	if err != nil {
		return nil, exchange.NewParseError("ws", fmt.Errorf("book asks: %w", err))
	}
	return &exchange.Message{Depth: &exchange.DepthUpdate{
		Symbol: b.Symbol,
		Time:   time.UnixMilli(tf.TS).UTC(),
		// single venue sequence: carried in both bounds
		FirstUpdateID: b.UpdateID,
		FinalUpdateID: b.UpdateID,
		Snapshot:      tf.Type == "snapshot",
		Bids:          bids,
		Asks:          asks,
	}}, nil
}

func parseKlines(tf topicFrame) (*exchange.Message, error) {
	symbol := tf.Topic[strings.LastIndex(tf.Topic, ".")+1:]

	var rows []wsKline
	if err := json.Unmarshal(tf.Data, &rows); err != nil {
		return nil, exchange.NewParseError("ws", err)
	}
	klines := make([]exchange.Candle, 0, len(rows))
	for i, r := range rows {
		itf, err := timeframeFromToken(r.Interval)
		if err != nil {
			return nil, exchange.NewParseError("ws", fmt.Errorf("kline %d interval %q", i, r.Interval))
		}
		var vals [6]float64
		for j, s := range []string{r.Open, r.High, r.Low, r.Close, r.Volume, r.Turnover} {
			vals[j], err = strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, exchange.NewParseError("ws", fmt.Errorf("kline %d field %q", i, s))
			}
		}
		klines = append(klines, exchange.Candle{
			Symbol:      symbol,
			Timeframe:   itf,
			OpenTime:    time.UnixMilli(r.Start).UTC(),
			Open:        vals[0],
			High:        vals[1],
			Low:         vals[2],
			Close:       vals[3],
			BaseVolume:  vals[4],
			QuoteVolume: vals[5],
			Closed:      r.Confirm,
		})
	}
	return &exchange.Message{Klines: klines}, nil
}

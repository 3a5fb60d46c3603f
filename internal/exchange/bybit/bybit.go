// Package bybit implements the exchange surface for Bybit spot and
// linear-perp markets. REST is the v5 market envelope (retCode/result);
// kline lists arrive newest-first and are reversed into ascending order.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/model"
)

const (
	Name = "bybit"

	defaultAPIURL = "https://api.bybit.com"
	defaultWSURL  = "wss://stream.bybit.com/v5/public/spot"

	maxKlineLimit = 1000
	maxTradeLimit = 1000

	// venue retCodes that mean "slow down"
	codeTooManyVisits = 10006
	codeIPRateLimit   = 10018
)

// Client is the Bybit REST adapter for one market category.
type Client struct {
	httpClient *http.Client
	apiURL     string
	wsURL      string
	category   string // spot or linear
}

// New returns a spot-category Client against production endpoints.
func New() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiURL:     defaultAPIURL,
		wsURL:      defaultWSURL,
		category:   "spot",
	}
}

// NewLinear returns a Client for USDT-perp markets.
func NewLinear() *Client {
	c := New()
	c.category = "linear"
	c.wsURL = "wss://stream.bybit.com/v5/public/linear"
	return c
}

// SetAPIURL overrides the REST base URL (tests).
func (c *Client) SetAPIURL(u string) { c.apiURL = u }

// SetWSURL overrides the stream endpoint (tests).
func (c *Client) SetWSURL(u string) { c.wsURL = u }

func (c *Client) Name() string { return Name }

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// get performs one GET and unwraps the v5 envelope. retCode failures on
// a 200 are classified too: Bybit reports rate limiting in-band.
func (c *Client) get(ctx context.Context, endpoint string, q url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, exchange.AsAPIError(endpoint, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, exchange.AsAPIError(endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, exchange.AsAPIError(endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, exchange.ClassifyStatus(endpoint, resp.StatusCode, resp.Header)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, exchange.NewParseError(endpoint, err)
	}
	if env.RetCode != 0 {
		apiErr := &exchange.APIError{
			Kind:     exchange.KindExchange,
			Status:   resp.StatusCode,
			Code:     strconv.Itoa(env.RetCode),
			Endpoint: endpoint,
			Msg:      env.RetMsg,
		}
		if env.RetCode == codeTooManyVisits || env.RetCode == codeIPRateLimit {
			apiErr.Kind = exchange.KindRateLimited
		}
		return nil, apiErr
	}
	return env.Result, nil
}

// intervalToken maps a timeframe to Bybit's kline interval token.
func intervalToken(tf model.Timeframe) (string, error) {
	switch tf {
	case model.TF1m:
		return "1", nil
	case model.TF5m:
		return "5", nil
	case model.TF15m:
		return "15", nil
	case model.TF1h:
		return "60", nil
	case model.TF1d:
		return "D", nil
	}
	return "", fmt.Errorf("unsupported interval %q", tf)
}

// timeframeFromToken is the inverse of intervalToken, for stream topics.
func timeframeFromToken(token string) (model.Timeframe, error) {
	switch token {
	case "1":
		return model.TF1m, nil
	case "5":
		return model.TF5m, nil
	case "15":
		return model.TF15m, nil
	case "60":
		return model.TF1h, nil
	case "D":
		return model.TF1d, nil
	}
	return "", fmt.Errorf("unknown interval token %q", token)
}

type klineResult struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}

// FetchCandles requests /v5/market/kline. The venue returns bars
// newest-first; the result is reversed into ascending open-time order.
func (c *Client) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, since time.Time, limit int) ([]exchange.Candle, error) {
	const endpoint = "/v5/market/kline"
	token, err := intervalToken(tf)
	if err != nil {
		return nil, &exchange.APIError{Kind: exchange.KindExchange, Endpoint: endpoint, Msg: err.Error()}
	}
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol)
	q.Set("interval", token)
	q.Set("start", strconv.FormatInt(tf.Truncate(since).UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(limit))

	result, err := c.get(ctx, endpoint, q)
	if err != nil {
		return nil, err
	}

	var kr klineResult
	if err := json.Unmarshal(result, &kr); err != nil {
		return nil, exchange.NewParseError(endpoint, err)
	}

	now := time.Now().UTC()
	candles := make([]exchange.Candle, 0, len(kr.List))
	for i := len(kr.List) - 1; i >= 0; i-- {
		cd, err := parseKlineRow(symbol, tf, kr.List[i])
		if err != nil {
			return nil, exchange.NewParseError(endpoint, fmt.Errorf("kline %d: %w", i, err))
		}
		cd.Closed = !cd.OpenTime.Add(tf.Duration()).After(now)
		candles = append(candles, cd)
	}
	return candles, nil
}

// Kline rows are 7-element string arrays:
// [startMs, open, high, low, close, volume, turnover]
func parseKlineRow(symbol string, tf model.Timeframe, row []string) (exchange.Candle, error) {
	if len(row) != 7 {
		return exchange.Candle{}, fmt.Errorf("len %d != 7", len(row))
	}
	startMs, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return exchange.Candle{}, fmt.Errorf("start %q", row[0])
	}
	var vals [6]float64
	for i := 0; i < 6; i++ {
		vals[i], err = strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return exchange.Candle{}, fmt.Errorf("field %d %q", i+1, row[i+1])
		}
	}
	return exchange.Candle{
		Symbol:      symbol,
		Timeframe:   tf,
		OpenTime:    time.UnixMilli(startMs).UTC(),
		Open:        vals[0],
		High:        vals[1],
		Low:         vals[2],
		Close:       vals[3],
		BaseVolume:  vals[4],
		QuoteVolume: vals[5],
	}, nil
}

type tradeResult struct {
	List []struct {
		ExecID string `json:"execId"`
		Price  string `json:"price"`
		Size   string `json:"size"`
		Side   string `json:"side"`
		Time   string `json:"time"`
	} `json:"list"`
}

// FetchTrades requests /v5/market/recent-trade. Bybit has no since
// cursor on this endpoint; rows older than since are filtered locally
// and the rest returned ascending.
func (c *Client) FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]exchange.Trade, error) {
	const endpoint = "/v5/market/recent-trade"
	if limit <= 0 || limit > maxTradeLimit {
		limit = maxTradeLimit
	}

	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(limit))

	result, err := c.get(ctx, endpoint, q)
	if err != nil {
		return nil, err
	}

	var tr tradeResult
	if err := json.Unmarshal(result, &tr); err != nil {
		return nil, exchange.NewParseError(endpoint, err)
	}

	trades := make([]exchange.Trade, 0, len(tr.List))
	for i := len(tr.List) - 1; i >= 0; i-- {
		row := tr.List[i]
		ms, err := strconv.ParseInt(row.Time, 10, 64)
		if err != nil {
			return nil, exchange.NewParseError(endpoint, fmt.Errorf("trade %d time %q", i, row.Time))
		}
		ts := time.UnixMilli(ms).UTC()
		if ts.Before(since) {
			continue
		}
		price, err := strconv.ParseFloat(row.Price, 64)
		if err != nil {
			return nil, exchange.NewParseError(endpoint, fmt.Errorf("trade %d price %q", i, row.Price))
		}
		size, err := strconv.ParseFloat(row.Size, 64)
		if err != nil {
			return nil, exchange.NewParseError(endpoint, fmt.Errorf("trade %d size %q", i, row.Size))
		}
		trades = append(trades, exchange.Trade{
			Symbol:   symbol,
			ID:       row.ExecID,
			Time:     ts,
			Price:    price,
			Quantity: size,
			Side:     parseSide(row.Side),
		})
	}
	return trades, nil
}

type orderbookResult struct {
	Symbol   string      `json:"s"`
	Bids     [][2]string `json:"b"`
	Asks     [][2]string `json:"a"`
	Time     int64       `json:"ts"`
	UpdateID int64       `json:"u"`
	Seq      int64       `json:"seq"`
}

// FetchOrderBook requests /v5/market/orderbook.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	const endpoint = "/v5/market/orderbook"
	if depth <= 0 {
		depth = 50
	}

	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(depth))

	result, err := c.get(ctx, endpoint, q)
	if err != nil {
		return nil, err
	}

	var ob orderbookResult
	if err := json.Unmarshal(result, &ob); err != nil {
		return nil, exchange.NewParseError(endpoint, err)
	}

	bids, err := parseLevels(ob.Bids)
	if err != nil {
		return nil, exchange.NewParseError(endpoint, fmt.Errorf("bids: %w", err))
	}
	asks, err := parseLevels(ob.Asks)
	if err != nil {
		return nil, exchange.NewParseError(endpoint, fmt.Errorf("asks: %w", err))
	}

	return &exchange.OrderBook{
		Symbol:   symbol,
		Time:     time.UnixMilli(ob.Time).UTC(),
		UpdateID: ob.UpdateID,
		Bids:     bids,
		Asks:     asks,
	}, nil
}

type instrumentsResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		BaseCoin  string `json:"baseCoin"`
		QuoteCoin string `json:"quoteCoin"`
		Status    string `json:"status"`
	} `json:"list"`
}

// FetchInstruments requests /v5/market/instruments-info for the client's
// category and returns trading symbols only.
func (c *Client) FetchInstruments(ctx context.Context) ([]exchange.Instrument, error) {
	const endpoint = "/v5/market/instruments-info"

	q := url.Values{}
	q.Set("category", c.category)

	result, err := c.get(ctx, endpoint, q)
	if err != nil {
		return nil, err
	}

	var ir instrumentsResult
	if err := json.Unmarshal(result, &ir); err != nil {
		return nil, exchange.NewParseError(endpoint, err)
	}

	mtype := model.MarketSpot
	if c.category == "linear" {
		mtype = model.MarketPerp
	}

	out := make([]exchange.Instrument, 0, len(ir.List))
	for _, row := range ir.List {
		if row.Status != "Trading" {
			continue
		}
		out = append(out, exchange.Instrument{
			Symbol: row.Symbol,
			Base:   row.BaseCoin,
			Quote:  row.QuoteCoin,
			Type:   mtype,
		})
	}
	return out, nil
}

func parseSide(s string) model.Side {
	if s == "Sell" {
		return model.SideSell
	}
	return model.SideBuy
}

func parseLevels(raw [][2]string) ([]model.BookLevel, error) {
	levels := make([]model.BookLevel, 0, len(raw))
	for i, pair := range raw {
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("level %d price %q", i, pair[0])
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("level %d qty %q", i, pair[1])
		}
		levels = append(levels, model.BookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

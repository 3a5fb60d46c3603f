// Package binance implements the exchange surface for Binance spot.
// REST is api/v3; streams are the combined-stream endpoint. Prices and
// quantities arrive as strings and are parsed fail-fast.
package binance

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
	Name = "binance"

	defaultAPIURL = "https://api.binance.com"
	defaultWSURL  = "wss://stream.binance.com:9443/stream"

	maxKlineLimit = 1000
	maxTradeLimit = 1000
)

// Client is the Binance REST adapter. One attempt per call; retry and
// rate limiting live above.
type Client struct {
	httpClient *http.Client
	apiURL     string
	wsURL      string
}

// New returns a Client against the public production endpoints.
func New() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiURL:     defaultAPIURL,
		wsURL:      defaultWSURL,
	}
}

// SetAPIURL overrides the REST base URL (tests).
func (c *Client) SetAPIURL(u string) { c.apiURL = u }

// SetWSURL overrides the stream endpoint (tests).
func (c *Client) SetWSURL(u string) { c.wsURL = u }

func (c *Client) Name() string { return Name }

type errorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// get performs one GET, classifies transport and status failures, and
// returns the raw body on success.
func (c *Client) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	u := c.apiURL + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
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
		apiErr := exchange.ClassifyStatus(endpoint, resp.StatusCode, resp.Header)
		var venueErr errorResponse
		if json.Unmarshal(body, &venueErr) == nil && venueErr.Code != 0 {
			apiErr.Code = strconv.Itoa(venueErr.Code)
			apiErr.Msg = venueErr.Msg
		}
		return nil, apiErr
	}
	return body, nil
}

// FetchCandles requests /api/v3/klines from since (truncated to the
// interval) in ascending order. The rightmost bar may still be open;
// Closed is derived from the bar's close time.
func (c *Client) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, since time.Time, limit int) ([]exchange.Candle, error) {
	const endpoint = "/api/v3/klines"
	if !tf.Valid() {
		return nil, &exchange.APIError{Kind: exchange.KindExchange, Endpoint: endpoint, Msg: fmt.Sprintf("unsupported interval %q", tf)}
	}
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", tf.String()) // binance interval tokens match ours
	q.Set("startTime", strconv.FormatInt(tf.Truncate(since).UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, endpoint, q)
	if err != nil {
		return nil, err
	}

	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, exchange.NewParseError(endpoint, err)
	}

	now := time.Now().UTC()
	candles := make([]exchange.Candle, 0, len(rows))
	for i, row := range rows {
		cd, err := parseKlineRow(symbol, tf, row)
		if err != nil {
			return nil, exchange.NewParseError(endpoint, fmt.Errorf("kline %d: %w", i, err))
		}
		cd.Closed = !cd.OpenTime.Add(tf.Duration()).After(now)
		candles = append(candles, cd)
	}
	return candles, nil
}

// Kline rows are 12-element arrays:
// [openTime, "open", "high", "low", "close", "baseVol",
//  closeTime, "quoteVol", tradeCount, "takerBase", "takerQuote", ignore]
func parseKlineRow(symbol string, tf model.Timeframe, row []interface{}) (exchange.Candle, error) {
	if len(row) != 12 {
		return exchange.Candle{}, fmt.Errorf("len %d != 12", len(row))
	}
	openMs, err := jsonInt(row[0])
	if err != nil {
		return exchange.Candle{}, fmt.Errorf("open time: %w", err)
	}
	var prices [4]float64
	for i, name := range []string{"open", "high", "low", "close"} {
		prices[i], err = jsonPrice(row[i+1])
		if err != nil {
			return exchange.Candle{}, fmt.Errorf("%s: %w", name, err)
		}
	}
	baseVol, err := jsonPrice(row[5])
	if err != nil {
		return exchange.Candle{}, fmt.Errorf("base volume: %w", err)
	}
	quoteVol, err := jsonPrice(row[7])
	if err != nil {
		return exchange.Candle{}, fmt.Errorf("quote volume: %w", err)
	}
	trades, err := jsonInt(row[8])
	if err != nil {
		return exchange.Candle{}, fmt.Errorf("trade count: %w", err)
	}

	return exchange.Candle{
		Symbol:      symbol,
		Timeframe:   tf,
		OpenTime:    time.UnixMilli(openMs).UTC(),
		Open:        prices[0],
		High:        prices[1],
		Low:         prices[2],
		Close:       prices[3],
		BaseVolume:  baseVol,
		QuoteVolume: quoteVol,
		TradeCount:  trades,
	}, nil
}

type aggTrade struct {
	ID       int64  `json:"a"`
	Price    string `json:"p"`
	Quantity string `json:"q"`
	Time     int64  `json:"T"`
	// m: buyer is the maker, meaning the taker sold
	BuyerIsMaker bool `json:"m"`
}

// FetchTrades requests /api/v3/aggTrades from since in ascending order.
func (c *Client) FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]exchange.Trade, error) {
	const endpoint = "/api/v3/aggTrades"
	if limit <= 0 || limit > maxTradeLimit {
		limit = maxTradeLimit
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, endpoint, q)
	if err != nil {
		return nil, err
	}

	var rows []aggTrade
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, exchange.NewParseError(endpoint, err)
	}

	trades := make([]exchange.Trade, 0, len(rows))
	for i, r := range rows {
		price, err := strconv.ParseFloat(r.Price, 64)
		if err != nil {
			return nil, exchange.NewParseError(endpoint, fmt.Errorf("trade %d price %q", i, r.Price))
		}
		qty, err := strconv.ParseFloat(r.Quantity, 64)
		if err != nil {
			return nil, exchange.NewParseError(endpoint, fmt.Errorf("trade %d qty %q", i, r.Quantity))
		}
		trades = append(trades, exchange.Trade{
			Symbol:   symbol,
			ID:       strconv.FormatInt(r.ID, 10),
			Time:     time.UnixMilli(r.Time).UTC(),
			Price:    price,
			Quantity: qty,
			Side:     takerSide(r.BuyerIsMaker),
		})
	}
	return trades, nil
}

type depthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// FetchOrderBook requests /api/v3/depth. Binance snapshots carry no
// timestamp; Time is the local receive time.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	const endpoint = "/api/v3/depth"
	if depth <= 0 {
		depth = 100
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(depth))

	body, err := c.get(ctx, endpoint, q)
	if err != nil {
		return nil, err
	}

	var resp depthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, exchange.NewParseError(endpoint, err)
	}

	bids, err := parseLevels(resp.Bids)
	if err != nil {
		return nil, exchange.NewParseError(endpoint, fmt.Errorf("bids: %w", err))
	}
	asks, err := parseLevels(resp.Asks)
	if err != nil {
		return nil, exchange.NewParseError(endpoint, fmt.Errorf("asks: %w", err))
	}

	return &exchange.OrderBook{
		Symbol:   symbol,
		Time:     time.Now().UTC(),
		UpdateID: resp.LastUpdateID,
		Bids:     bids,
		Asks:     asks,
	}, nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
	} `json:"symbols"`
}

// FetchInstruments requests /api/v3/exchangeInfo and returns trading
// symbols only.
func (c *Client) FetchInstruments(ctx context.Context) ([]exchange.Instrument, error) {
	const endpoint = "/api/v3/exchangeInfo"

	body, err := c.get(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, exchange.NewParseError(endpoint, err)
	}

	out := make([]exchange.Instrument, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		out = append(out, exchange.Instrument{
			Symbol: s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Type:   model.MarketSpot,
		})
	}
	return out, nil
}

func takerSide(buyerIsMaker bool) model.Side {
	if buyerIsMaker {
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

func jsonInt(v interface{}) (int64, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("not a number: %T", v)
	}
	return int64(f), nil
}

func jsonPrice(v interface{}) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("not a string: %T", v)
	}
	return strconv.ParseFloat(s, 64)
}

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/pipeline"
)

// fakeDialer speaks a one-line JSON protocol against the test server.
type fakeDialer struct {
	url  string
	ping []byte
}

func (d *fakeDialer) Name() string { return "fakex" }

func (d *fakeDialer) WSURL([]exchange.Stream) string { return d.url }

func (d *fakeDialer) Heartbeat() []byte { return d.ping }

func (d *fakeDialer) SubscribeFrames([]exchange.Stream) ([][]byte, error) {
	return [][]byte{[]byte(`{"op":"subscribe"}`)}, nil
}

func (d *fakeDialer) Parse(raw []byte) (*exchange.Message, error) {
	var f struct {
		Type   string `json:"type"`
		OK     bool   `json:"ok"`
		Closed bool   `json:"closed"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	switch f.Type {
	case "ack":
		return &exchange.Message{Ack: &exchange.SubAck{OK: f.OK, Msg: "denied"}}, nil
	case "trade":
		return &exchange.Message{Trades: []exchange.Trade{{
			Symbol:   "BTCUSDT",
			ID:       "t1",
			Time:     time.Unix(1700000000, 0),
			Price:    50000,
			Quantity: 0.5,
			Side:     model.SideBuy,
		}}}, nil
	case "kline":
		return &exchange.Message{Klines: []exchange.Candle{{
			Symbol:    "BTCUSDT",
			Timeframe: model.TF1m,
			OpenTime:  time.Unix(1700000000, 0),
			Close:     50000,
			Closed:    f.Closed,
		}}}, nil
	case "depth":
		return &exchange.Message{Depth: &exchange.DepthUpdate{
			Symbol:        "BTCUSDT",
			FirstUpdateID: 1,
			FinalUpdateID: 2,
		}}, nil
	case "garbage":
		return nil, errors.New("malformed frame")
	}
	return &exchange.Message{}, nil
}

type fakeBooks struct {
	mu      sync.Mutex
	updates []exchange.DepthUpdate
	stales  []string
}

func (b *fakeBooks) Handle(_ context.Context, d exchange.DepthUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, d)
}

func (b *fakeBooks) MarkAllStale(_ context.Context, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stales = append(b.stales, reason)
}

func (b *fakeBooks) counts() (updates, stales int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.updates), len(b.stales)
}

// wsServer upgrades each request and hands the connection to handler.
func wsServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testWSConfig() config.WSConfig {
	return config.WSConfig{
		HeartbeatMs:     500,
		ReconnectBaseMs: 5,
		ReconnectMaxMs:  20,
		MaxAttempts:     10,
	}
}

func newTestSession(url string, cfg config.WSConfig, books DepthSink) (*Session, *pipeline.Queue[pipeline.Item[model.Trade]], *pipeline.Queue[pipeline.Item[model.Candle]]) {
	trades := pipeline.NewQueue[pipeline.Item[model.Trade]]("trades", 64)
	candles := pipeline.NewQueue[pipeline.Item[model.Candle]]("candles", 64)
	s := New(cfg, []exchange.Stream{
		{Kind: exchange.StreamTrades, Symbol: "BTCUSDT"},
		{Kind: exchange.StreamKlines, Symbol: "BTCUSDT", Timeframe: model.TF1m},
		{Kind: exchange.StreamOrderBook, Symbol: "BTCUSDT", Depth: 50},
	}, Deps{
		Dialer:  &fakeDialer{url: url},
		Trades:  trades,
		Candles: candles,
		Books:   books,
	})
	return s, trades, candles
}

func TestSessionGoesLiveAndRoutes(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		frames := []string{
			`{"type":"ack","ok":true}`,
			`{"type":"garbage"`,
			`{"type":"trade"}`,
			`{"type":"kline","closed":true}`,
			`{"type":"kline","closed":false}`,
			`{"type":"depth"}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Keep reading so pings are answered and the conn stays up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	books := &fakeBooks{}
	s, trades, candles := newTestSession(wsURL(srv), testWSConfig(), books)

	var states []State
	var mu sync.Mutex
	s.OnState = func(st State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		u, _ := books.counts()
		return trades.Len() == 1 && candles.Len() == 1 && u == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Live, s.State())

	got := trades.PopBatch(10)
	require.Len(t, got, 1)
	assert.Equal(t, "fakex", got[0].Exchange)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, "t1", got[0].Payload.TradeID)

	// Only the closed bar made it through.
	bars := candles.PopBatch(10)
	require.Len(t, bars, 1)
	assert.True(t, bars[0].Payload.OpenTime.Equal(time.Unix(1700000000, 0)))

	_, stales := books.counts()
	assert.Equal(t, 1, stales, "books invalidated once per connection")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop on cancel")
	}
	assert.Equal(t, Disconnected, s.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, Connecting)
	assert.Contains(t, states, Subscribing)
	assert.Contains(t, states, Live)
}

func TestSessionReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	srv := wsServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ack","ok":true}`)); err != nil {
			return
		}
		if n == 1 {
			return // drop the first connection right after going live
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	books := &fakeBooks{}
	s, _, _ := newTestSession(wsURL(srv), testWSConfig(), books)

	var reconnects atomic.Int32
	s.OnReconnect = func() { reconnects.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return conns.Load() == 2 && s.State() == Live
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, reconnects.Load(), int32(1))

	// One stale mark per connection, so books resynced after the drop.
	_, stales := books.counts()
	assert.Equal(t, 2, stales)

	cancel()
	<-done
}

func TestSessionFailsAfterMaxAttempts(t *testing.T) {
	cfg := config.WSConfig{
		HeartbeatMs:     500,
		ReconnectBaseMs: 1,
		ReconnectMaxMs:  2,
		MaxAttempts:     2,
	}
	s, _, _ := newTestSession("ws://127.0.0.1:1", cfg, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not give up")
	}
	assert.Equal(t, Failed, s.State())
}

func TestSessionTreatsRejectedSubscribeAsFailure(t *testing.T) {
	var conns atomic.Int32
	srv := wsServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ack","ok":false}`))
	})

	cfg := config.WSConfig{
		HeartbeatMs:     500,
		ReconnectBaseMs: 1,
		ReconnectMaxMs:  2,
		MaxAttempts:     1,
	}
	s, _, _ := newTestSession(wsURL(srv), cfg, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not give up")
	}
	assert.Equal(t, Failed, s.State())
	assert.Equal(t, int32(2), conns.Load(), "one initial try plus one retry")
}

func TestSessionSendsAppHeartbeat(t *testing.T) {
	pinged := make(chan struct{}, 16)
	srv := wsServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ack","ok":true}`)); err != nil {
			return
		}
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(frame) == `{"op":"ping"}` {
				select {
				case pinged <- struct{}{}:
				default:
				}
			}
		}
	})

	trades := pipeline.NewQueue[pipeline.Item[model.Trade]]("trades", 64)
	candles := pipeline.NewQueue[pipeline.Item[model.Candle]]("candles", 64)
	cfg := config.WSConfig{HeartbeatMs: 100, ReconnectBaseMs: 5, ReconnectMaxMs: 20, MaxAttempts: 10}
	s := New(cfg, []exchange.Stream{{Kind: exchange.StreamTrades, Symbol: "BTCUSDT"}}, Deps{
		Dialer:  &fakeDialer{url: wsURL(srv), ping: []byte(`{"op":"ping"}`)},
		Trades:  trades,
		Candles: candles,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	select {
	case <-pinged:
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat frame reached the server")
	}
	cancel()
	<-done
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := config.WSConfig{ReconnectBaseMs: 100, ReconnectMaxMs: 1000}
	s := &Session{cfg: cfg}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{9, time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, s.backoff(tc.attempt), "attempt %d", tc.attempt)
	}
}

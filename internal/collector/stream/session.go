// Package stream maintains websocket market-data sessions. A Session
// owns one connection to one venue, drives it through a small state
// machine (connect, subscribe, live), and routes parsed frames into the
// ingest queues and order-book managers. Reconnects are automatic with
// exponential backoff; books are invalidated on every new connection so
// the delta sequence restarts from a fresh snapshot.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/pipeline"
)

// State is one phase of the session lifecycle. The numeric values are
// stable and exported as a gauge.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribing
	Live
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Live:
		return "live"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	handshakeTimeout = 15 * time.Second
	controlTimeout   = 5 * time.Second
)

// DepthSink receives depth updates for one exchange's books.
type DepthSink interface {
	Handle(ctx context.Context, d exchange.DepthUpdate)
	MarkAllStale(ctx context.Context, reason string)
}

// Deps are the session's collaborators. Books may be nil when the
// session carries no order-book streams.
type Deps struct {
	Dialer  exchange.StreamDialer
	Trades  *pipeline.Queue[pipeline.Item[model.Trade]]
	Candles *pipeline.Queue[pipeline.Item[model.Candle]]
	Books   DepthSink
}

// Session is one venue websocket connection and its reconnect loop.
type Session struct {
	name    string
	dialer  exchange.StreamDialer
	cfg     config.WSConfig
	streams []exchange.Stream

	trades  *pipeline.Queue[pipeline.Item[model.Trade]]
	candles *pipeline.Queue[pipeline.Item[model.Candle]]
	books   DepthSink

	state   atomic.Int32
	writeMu sync.Mutex

	// OnState observes every state transition.
	OnState func(State)
	// OnMessage observes routed frames by stream family.
	OnMessage func(stream string, n int)
	// OnReconnect observes each reconnect attempt.
	OnReconnect func()
}

// New builds a session for the given subscriptions. Run starts it.
func New(cfg config.WSConfig, streams []exchange.Stream, deps Deps) *Session {
	return &Session{
		name:    deps.Dialer.Name(),
		dialer:  deps.Dialer,
		cfg:     cfg,
		streams: streams,
		trades:  deps.Trades,
		candles: deps.Candles,
		books:   deps.Books,
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	log.Info().
		Str("exchange", s.name).
		Str("state", st.String()).
		Msg("stream session state")
	if s.OnState != nil {
		s.OnState(st)
	}
}

// Run drives the session until ctx is cancelled or the reconnect budget
// is exhausted. Attempts reset every time the session reaches Live, so
// the budget bounds consecutive failures, not session lifetime.
func (s *Session) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return
		}
		live, err := s.connect(ctx)
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return
		}
		if live {
			attempt = 0
		}
		attempt++
		if s.cfg.MaxAttempts > 0 && attempt > s.cfg.MaxAttempts {
			s.setState(Failed)
			log.Error().
				Str("exchange", s.name).
				Int("attempts", attempt-1).
				Err(err).
				Msg("stream session gave up")
			return
		}
		s.setState(Reconnecting)
		if s.OnReconnect != nil {
			s.OnReconnect()
		}
		delay := s.backoff(attempt)
		log.Warn().
			Str("exchange", s.name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("stream session reconnecting")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.setState(Disconnected)
			return
		}
	}
}

// backoff doubles the base delay per consecutive failure, capped at the
// configured maximum.
func (s *Session) backoff(attempt int) time.Duration {
	delay := s.cfg.ReconnectBase()
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.ReconnectMax() {
			return s.cfg.ReconnectMax()
		}
	}
	if delay > s.cfg.ReconnectMax() {
		delay = s.cfg.ReconnectMax()
	}
	return delay
}

// connect runs one connection to completion: dial, subscribe, pump
// until the conn dies or ctx is cancelled. It reports whether the
// session reached Live so the caller can reset the attempt counter.
func (s *Session) connect(ctx context.Context) (live bool, err error) {
	s.setState(Connecting)
	url := s.dialer.WSURL(s.streams)
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	// The previous connection's delta sequence is void. Books refill
	// from fresh snapshots once updates flow again.
	if s.books != nil {
		s.books.MarkAllStale(ctx, "reconnect")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.closeConn(conn)
		case <-done:
		}
	}()

	s.setState(Subscribing)
	frames, err := s.dialer.SubscribeFrames(s.streams)
	if err != nil {
		return false, fmt.Errorf("render subscriptions: %w", err)
	}
	for _, frame := range frames {
		if err := s.write(conn, frame); err != nil {
			return false, fmt.Errorf("send subscription: %w", err)
		}
	}

	heartbeat := s.cfg.Heartbeat()
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(heartbeat))
	})
	go s.heartbeatLoop(conn, done)

	// One ack per subscribe frame; all acked means live.
	ackWant := len(frames)
	acked := 0
	if ackWant == 0 {
		s.setState(Live)
		live = true
	}
	for {
		if err := conn.SetReadDeadline(time.Now().Add(heartbeat)); err != nil {
			return live, err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return live, nil
			}
			return live, fmt.Errorf("read: %w", err)
		}
		msg, err := s.dialer.Parse(raw)
		if err != nil {
			log.Warn().
				Str("exchange", s.name).
				Err(err).
				Msg("unparseable stream frame")
			continue
		}
		if msg.Ack != nil {
			if !msg.Ack.OK {
				return live, fmt.Errorf("subscribe rejected: %s", msg.Ack.Msg)
			}
			acked++
			if acked >= ackWant && s.State() != Live {
				s.setState(Live)
				live = true
				log.Info().
					Str("exchange", s.name).
					Int("subscriptions", len(s.streams)).
					Msg("stream session live")
			}
			continue
		}
		s.route(ctx, msg)
	}
}

// route forwards one parsed frame. Closed klines feed the candle queue;
// forming bars are dropped here because partial bars never reach
// storage. Depth goes straight to the book managers so sequence gaps
// surface immediately.
func (s *Session) route(ctx context.Context, msg *exchange.Message) {
	switch {
	case len(msg.Trades) > 0:
		items := make([]pipeline.Item[model.Trade], 0, len(msg.Trades))
		for _, t := range msg.Trades {
			items = append(items, pipeline.Item[model.Trade]{
				Exchange: s.name,
				Symbol:   t.Symbol,
				Payload:  t.Model(0),
			})
		}
		s.trades.Push(items...)
		s.observe("trades", len(items))
	case len(msg.Klines) > 0:
		items := make([]pipeline.Item[model.Candle], 0, len(msg.Klines))
		for _, k := range msg.Klines {
			if !k.Closed {
				continue
			}
			items = append(items, pipeline.Item[model.Candle]{
				Exchange: s.name,
				Symbol:   k.Symbol,
				Payload:  k.Model(0),
			})
		}
		if len(items) > 0 {
			s.candles.Push(items...)
		}
		s.observe("klines", len(msg.Klines))
	case msg.Depth != nil:
		if s.books != nil {
			s.books.Handle(ctx, *msg.Depth)
		}
		s.observe("depth", 1)
	}
}

func (s *Session) observe(stream string, n int) {
	if s.OnMessage != nil {
		s.OnMessage(stream, n)
	}
}

// heartbeatLoop keeps the connection alive at half the read deadline.
// Venues with an application-level ping get that payload; the rest get
// protocol pings. Write errors are left for the read loop to notice.
func (s *Session) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	interval := s.cfg.Heartbeat() / 2
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			var err error
			if payload := s.dialer.Heartbeat(); payload != nil {
				err = s.write(conn, payload)
			} else {
				s.writeMu.Lock()
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlTimeout))
				s.writeMu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) write(conn *websocket.Conn, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// closeConn sends a normal closure and tears the connection down,
// unblocking any pending read.
func (s *Session) closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlTimeout))
	s.writeMu.Unlock()
	_ = conn.Close()
}

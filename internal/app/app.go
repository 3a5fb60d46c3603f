// Package app assembles the daemon: database, cache, metrics, exchange
// adapters, queues, writers, collectors, scanner, sweeper, retention,
// and the ops server, all run under one context with ordered shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/api"
	"github.com/quantfeed/quantfeed/internal/backfill"
	"github.com/quantfeed/quantfeed/internal/cache"
	"github.com/quantfeed/quantfeed/internal/collector/rest"
	"github.com/quantfeed/quantfeed/internal/collector/stream"
	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/exchange/binance"
	"github.com/quantfeed/quantfeed/internal/exchange/bybit"
	"github.com/quantfeed/quantfeed/internal/httpx"
	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/orderbook"
	"github.com/quantfeed/quantfeed/internal/pipeline"
	"github.com/quantfeed/quantfeed/internal/quality"
	"github.com/quantfeed/quantfeed/internal/ratelimit"
	"github.com/quantfeed/quantfeed/internal/store"
	"github.com/quantfeed/quantfeed/internal/store/postgres"
	"github.com/quantfeed/quantfeed/internal/writer"
)

// venue bundles everything one exchange runs: its adapter, its REST
// door, its queues and writers, and optionally a stream session with
// per-symbol book managers.
type venue struct {
	name string
	cfg  config.ExchangeConfig

	client exchange.Client
	dialer exchange.StreamDialer
	door   *httpx.Door

	symbols map[int64]string

	trades  *pipeline.Queue[pipeline.Item[model.Trade]]
	candles *pipeline.Queue[pipeline.Item[model.Candle]]
	snaps   *pipeline.Queue[pipeline.Item[model.BookSnapshot]]

	tradeWriter  *writer.Writer[model.Trade]
	candleWriter *writer.Writer[model.Candle]
	snapWriter   *writer.Writer[model.BookSnapshot]

	collector *rest.Collector
	session   *stream.Session
	books     *orderbook.Group
}

// App is the assembled daemon.
type App struct {
	cfg *config.Config

	db      *sqlx.DB
	st      *store.Store
	cache   *cache.Cache
	metrics *metrics.Registry
	letters *writer.Ring

	venues  []*venue
	scanner *quality.Scanner
	sweeper *backfill.Sweeper
	keeper  *store.Keeper
	server  *api.Server
}

// New connects the store, verifies the schema, registers exchanges and
// markets, and wires every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := postgres.Open(cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if err := postgres.Check(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		db:      db,
		st:      postgres.New(db),
		cache:   cache.New(cfg.Redis),
		metrics: metrics.New(),
		letters: writer.NewRing(128),
	}

	if a.cache.Enabled() {
		if err := a.cache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, live cache degraded")
		}
	}

	letters := writer.FanoutSink{a.letters, a.cache.DeadLetters()}
	sink := &errorLogSink{repo: a.st.ErrorLog}
	limiters := ratelimit.NewRegistry()

	// First pass: adapters, doors, and market registration, so the
	// shared resolver and the quality targets see every market id.
	exchangeIDs := make(map[string]int64)
	var targets []quality.Target

	for _, name := range cfg.EnabledExchanges() {
		ex := cfg.Exchanges[name]

		client, dialer, err := openAdapter(name)
		if err != nil {
			a.Close()
			return nil, err
		}

		limiter := ratelimit.New(ex.RateLimit.MinInterval(), ex.RateLimit.MaxConcurrent)
		limiters.Set(name, limiter)

		door := httpx.NewDoor(name, httpx.Policy{
			Attempts:   ex.Retry.Attempts,
			Base:       ex.Retry.Base(),
			Max:        ex.Retry.Max(),
			Multiplier: ex.Retry.Multiplier,
		}, limiter, sink)
		door.OnBackoff = func(kind exchange.ErrorKind, _ time.Duration) {
			a.metrics.RecordRetry(name, string(kind))
		}

		exchangeID, symbols, err := registerMarkets(ctx, a.st, client, door, ex)
		if err != nil {
			a.Close()
			return nil, err
		}
		exchangeIDs[name] = exchangeID

		for id, sym := range symbols {
			for _, raw := range ex.Timeframes {
				tf, err := model.ParseTimeframe(raw)
				if err != nil {
					continue
				}
				targets = append(targets, quality.Target{
					MarketID:  id,
					Exchange:  name,
					Symbol:    sym,
					Timeframe: tf,
				})
			}
		}

		a.venues = append(a.venues, &venue{
			name:    name,
			cfg:     ex,
			client:  client,
			dialer:  dialer,
			door:    door,
			symbols: symbols,
		})
	}

	// Second pass: queues, writers, collectors, sessions, books.
	resolver := writer.NewResolver(a.st.Markets, exchangeIDs, 4096)
	for _, v := range a.venues {
		a.wireVenue(v, resolver, letters)
	}

	a.scanner = quality.NewScanner(a.st, cfg.Quality, targets)
	a.scanner.OnScore = func(t quality.Target, score float64) {
		a.metrics.QualityScore.WithLabelValues(t.Exchange, t.Symbol, string(t.Timeframe)).Set(score)
	}

	a.sweeper = backfill.NewSweeper(a.st.Tasks, cfg.Backfill)
	a.sweeper.OnCounts = func(counts map[model.TaskStatus]int64) {
		for status, n := range counts {
			a.metrics.Tasks.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	a.keeper = store.NewKeeper(cfg.Retention, a.st.Candles, a.st.Trades, a.st.Snapshots)

	requeue := make(writer.RequeueGroup, 0, len(a.venues)*3)
	for _, v := range a.venues {
		requeue = append(requeue, v.candleWriter, v.tradeWriter, v.snapWriter)
	}
	a.server = api.NewServer(cfg.Server, api.Deps{
		Store:   a.st,
		Cache:   a.cache,
		Metrics: a.metrics,
		Letters: a.letters,
		Requeue: requeue,
		Live:    a.snapshot,
		Ping:    db.PingContext,
	})

	return a, nil
}

// wireVenue attaches queues, writers, the REST collector, and the
// stream session to a registered venue.
func (a *App) wireVenue(v *venue, resolver *writer.Resolver, letters writer.DeadLetterSink) {
	name := v.name
	ex := v.cfg

	v.trades = pipeline.NewQueue[pipeline.Item[model.Trade]](name+":trades", a.cfg.Queues.Trades)
	v.candles = pipeline.NewQueue[pipeline.Item[model.Candle]](name+":candles", a.cfg.Queues.Candles)
	v.snaps = pipeline.NewQueue[pipeline.Item[model.BookSnapshot]](name+":books", a.cfg.Queues.Books)

	v.candleWriter = writer.New(name+":candles", v.candles, writer.CandleFlush(resolver, a.st.Candles), ex.Writer, letters)
	v.candleWriter.OnFlush = a.onFlush
	v.candleWriter.OnRetry = a.onRetry
	v.candleWriter.OnDeadLetter = a.onDeadLetter

	v.tradeWriter = writer.New(name+":trades", v.trades, writer.TradeFlush(resolver, a.st.Trades), ex.Writer, letters)
	v.tradeWriter.OnFlush = a.onFlush
	v.tradeWriter.OnRetry = a.onRetry
	v.tradeWriter.OnDeadLetter = a.onDeadLetter

	v.snapWriter = writer.New(name+":books", v.snaps, writer.SnapshotFlush(resolver, a.st.Snapshots), ex.Writer, letters)
	v.snapWriter.OnFlush = a.onFlush
	v.snapWriter.OnRetry = a.onRetry
	v.snapWriter.OnDeadLetter = a.onDeadLetter

	v.collector = rest.New(ex, rest.Deps{
		Client:        v.client,
		Door:          v.door,
		Tasks:         a.st.Tasks,
		Candles:       v.candles,
		Trades:        v.trades,
		MarketSymbols: v.symbols,
		Workers:       1 + a.cfg.Backfill.Concurrency,
	})
	v.collector.OnResult = func(endpoint, result string) {
		a.metrics.RecordRequest(name, endpoint, result)
	}

	streams := buildStreams(ex)
	if len(streams) == 0 {
		return
	}

	if hasStream(ex.Streams, "orderbook") {
		v.books = orderbook.NewGroup()
		for _, sym := range ex.Symbols {
			sym := sym
			fetch := func(ctx context.Context) (*exchange.OrderBook, error) {
				var book *exchange.OrderBook
				err := v.door.Do(ctx, "depth", func(ctx context.Context) error {
					var ferr error
					book, ferr = v.client.FetchOrderBook(ctx, sym, ex.BookDepth)
					return ferr
				})
				return book, err
			}
			mgr := orderbook.NewManager(name, sym, fetch)
			mgr.OnResync = func(_ string) {
				a.metrics.BookResyncs.WithLabelValues(name, sym).Inc()
			}
			v.books.Add(sym, mgr)
		}
	}

	deps := stream.Deps{Dialer: v.dialer, Trades: v.trades, Candles: v.candles}
	if v.books != nil {
		deps.Books = v.books
	}
	v.session = stream.New(ex.WS, streams, deps)
	v.session.OnState = func(st stream.State) {
		a.metrics.SessionState.WithLabelValues(name).Set(float64(st))
	}
	v.session.OnMessage = func(streamName string, n int) {
		a.metrics.WSMessages.WithLabelValues(name, streamName).Add(float64(n))
	}
	v.session.OnReconnect = func() {
		a.metrics.WSReconnects.WithLabelValues(name).Inc()
	}
}

func (a *App) onFlush(topic string, rows int64, took time.Duration) {
	a.metrics.WriterFlushes.WithLabelValues(topic, "ok").Inc()
	a.metrics.WriterRows.WithLabelValues(topic).Add(float64(rows))
	a.metrics.FlushSeconds.WithLabelValues(topic).Observe(took.Seconds())
}

func (a *App) onRetry(topic string) {
	a.metrics.WriterFlushes.WithLabelValues(topic, "error").Inc()
}

func (a *App) onDeadLetter(topic string, _ int) {
	a.metrics.DeadLetters.WithLabelValues(topic).Inc()
}

// openAdapter maps a config key to its venue adapter.
func openAdapter(name string) (exchange.Client, exchange.StreamDialer, error) {
	switch name {
	case binance.Name:
		return binance.New(), binance.NewDialer(), nil
	case bybit.Name:
		return bybit.New(), bybit.NewDialer(), nil
	default:
		return nil, nil, fmt.Errorf("unknown exchange %q", name)
	}
}

// registerMarkets ensures exchange and market rows, enriching markets
// with instrument metadata when the venue answers. A venue outage at
// boot degrades to bare symbol rows; the resolver fills metadata later.
func registerMarkets(ctx context.Context, st *store.Store, client exchange.Client,
	door *httpx.Door, ex config.ExchangeConfig) (int64, map[int64]string, error) {

	name := client.Name()
	exchangeID, err := st.Exchanges.Ensure(ctx, model.Exchange{Name: name, DisplayName: name})
	if err != nil {
		return 0, nil, fmt.Errorf("register exchange %s: %w", name, err)
	}

	var instruments []exchange.Instrument
	ierr := door.Do(ctx, "instruments", func(ctx context.Context) error {
		var ferr error
		instruments, ferr = client.FetchInstruments(ctx)
		return ferr
	})
	if ierr != nil {
		log.Warn().Str("exchange", name).Err(ierr).
			Msg("instrument fetch failed, registering bare symbols")
	}
	meta := make(map[string]exchange.Instrument, len(instruments))
	for _, ins := range instruments {
		meta[ins.Symbol] = ins
	}

	symbols := make(map[int64]string, len(ex.Symbols))
	for _, sym := range ex.Symbols {
		m := model.Market{ExchangeID: exchangeID, Symbol: sym, Type: model.MarketSpot}
		if ins, ok := meta[sym]; ok {
			m.BaseAsset = ins.Base
			m.QuoteAsset = ins.Quote
			m.Type = ins.Type
		}
		id, err := st.Markets.Ensure(ctx, m)
		if err != nil {
			return 0, nil, fmt.Errorf("register market %s/%s: %w", name, sym, err)
		}
		symbols[id] = sym
	}

	log.Info().Str("exchange", name).Int("markets", len(symbols)).Msg("markets registered")
	return exchangeID, symbols, nil
}

// buildStreams expands the configured stream kinds over symbols and
// timeframes.
func buildStreams(ex config.ExchangeConfig) []exchange.Stream {
	var streams []exchange.Stream
	for _, kind := range ex.Streams {
		for _, sym := range ex.Symbols {
			switch kind {
			case "trades":
				streams = append(streams, exchange.Stream{Kind: exchange.StreamTrades, Symbol: sym})
			case "orderbook":
				streams = append(streams, exchange.Stream{Kind: exchange.StreamOrderBook, Symbol: sym, Depth: ex.BookDepth})
			case "klines":
				for _, raw := range ex.Timeframes {
					tf, err := model.ParseTimeframe(raw)
					if err != nil {
						continue
					}
					streams = append(streams, exchange.Stream{Kind: exchange.StreamKlines, Symbol: sym, Timeframe: tf})
				}
			}
		}
	}
	return streams
}

func hasStream(streams []string, kind string) bool {
	for _, s := range streams {
		if s == kind {
			return true
		}
	}
	return false
}

// errorLogSink appends exhausted REST failures to the store. The log is
// best effort; a failed insert never blocks a collector.
type errorLogSink struct {
	repo store.ErrorLogRepo
}

func (s *errorLogSink) LogAPIError(ctx context.Context, e model.APIErrorLog) {
	if err := s.repo.Insert(ctx, e); err != nil {
		log.Warn().Err(err).Msg("api error log insert failed")
	}
}

// Close releases held connections. Safe to call after a failed New.
func (a *App) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("cache close failed")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Warn().Err(err).Msg("db close failed")
		}
	}
}

package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/api"
	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/orderbook"
	"github.com/quantfeed/quantfeed/internal/pipeline"
)

const (
	mirrorEvery   = 10 * time.Second
	shutdownGrace = 30 * time.Second
)

// Run starts every component and blocks until ctx is cancelled or the
// ops server fails. Shutdown is ordered: intake stops first, writers
// drain what intake already queued, interrupted backfill tasks roll
// back to pending, and the ops server answers until the end.
func (a *App) Run(ctx context.Context) error {
	log.Info().
		Int("venues", len(a.venues)).
		Str("listen", a.cfg.Server.Addr()).
		Msg("quantfeed starting")

	// Writers outlive intake so rows queued during shutdown still
	// reach the final flush.
	writerCtx, stopWriters := context.WithCancel(context.Background())
	defer stopWriters()

	var writers sync.WaitGroup
	runWriter := func(run func(context.Context)) {
		writers.Add(1)
		go func() {
			defer writers.Done()
			run(writerCtx)
		}()
	}
	for _, v := range a.venues {
		runWriter(v.candleWriter.Run)
		runWriter(v.tradeWriter.Run)
		runWriter(v.snapWriter.Run)
	}

	intakeCtx, stopIntake := context.WithCancel(ctx)
	defer stopIntake()

	var intake sync.WaitGroup
	runIntake := func(run func(context.Context)) {
		intake.Add(1)
		go func() {
			defer intake.Done()
			run(intakeCtx)
		}()
	}
	for _, v := range a.venues {
		runIntake(v.collector.Run)
		if v.session != nil {
			runIntake(v.session.Run)
		}
		a.runBooks(intakeCtx, &intake, v)
	}
	runIntake(a.scanner.Run)
	runIntake(a.sweeper.Run)
	runIntake(a.keeper.Run)
	runIntake(a.mirror)

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.server.Start() }()

	var runErr error
	select {
	case <-intakeCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		runErr = err
		log.Error().Err(err).Msg("ops server failed")
	}

	stopIntake()
	intake.Wait()
	stopWriters()
	writers.Wait()

	grace, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	a.sweeper.ReleaseRunning(grace)
	if err := a.server.Shutdown(grace); err != nil {
		log.Warn().Err(err).Msg("ops server shutdown failed")
	}
	a.Close()

	log.Info().Msg("quantfeed stopped")
	return runErr
}

// runBooks starts the snapshot loop for every managed book. Each
// snapshot fans out to the persist queue and the live cache.
func (a *App) runBooks(ctx context.Context, wg *sync.WaitGroup, v *venue) {
	if v.books == nil {
		return
	}
	interval := time.Duration(v.cfg.SnapshotIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	v.books.Each(func(sym string, mgr *orderbook.Manager) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.Run(ctx, interval, v.cfg.BookDepth, func(snap model.BookSnapshot) {
				if n := v.snaps.Push(pipeline.Item[model.BookSnapshot]{
					Exchange: v.name,
					Symbol:   sym,
					Payload:  snap,
				}); n > 0 {
					log.Warn().Str("queue", v.snaps.Name()).Int("dropped", n).Msg("snapshot queue full")
				}
				a.cache.SetBookSnapshot(ctx, v.name, sym, snap)
			})
		}()
	})
}

// gauged is the queue surface the mirror and the status snapshot need,
// independent of element type.
type gauged interface {
	Name() string
	Len() int
	Drops() uint64
}

// mirror refreshes queue gauges and pushes depth counters to redis so
// operators can watch backpressure without scraping prometheus.
func (a *App) mirror(ctx context.Context) {
	ticker := time.NewTicker(mirrorEvery)
	defer ticker.Stop()

	seen := make(map[string]uint64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, v := range a.venues {
				a.mirrorQueue(ctx, v.trades, seen)
				a.mirrorQueue(ctx, v.candles, seen)
				a.mirrorQueue(ctx, v.snaps, seen)
			}
		}
	}
}

func (a *App) mirrorQueue(ctx context.Context, q gauged, seen map[string]uint64) {
	name := q.Name()
	depth := q.Len()
	total := q.Drops()

	a.metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
	a.metrics.QueueDrops.WithLabelValues(name).Add(float64(total - seen[name]))
	seen[name] = total

	a.cache.SetQueueDepth(ctx, name, depth, int64(total))
}

// snapshot reports live process state for the status endpoint.
func (a *App) snapshot() api.Snapshot {
	s := api.Snapshot{
		Sessions: make(map[string]string, len(a.venues)),
		Queues:   make(map[string]int, len(a.venues)*3),
		Drops:    make(map[string]int64, len(a.venues)*3),
		Breakers: make(map[string]string, len(a.venues)),
	}
	for _, v := range a.venues {
		if v.session != nil {
			s.Sessions[v.name] = v.session.State().String()
		}
		s.Breakers[v.name] = v.door.BreakerState()
		for _, q := range []gauged{v.trades, v.candles, v.snaps} {
			s.Queues[q.Name()] = q.Len()
			s.Drops[q.Name()] = int64(q.Drops())
		}
	}
	return s
}

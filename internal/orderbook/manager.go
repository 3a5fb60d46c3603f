package orderbook

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/model"
)

// FetchSnapshot pulls a fresh REST depth snapshot. The retry layer
// lives inside the closure; the manager only sees the final outcome.
type FetchSnapshot func(ctx context.Context) (*exchange.OrderBook, error)

// Manager keeps one symbol's book in sync with its stream. Deltas that
// arrive while the book is being rebuilt are buffered and replayed
// against the snapshot; anything at or before the snapshot's sequence
// is discarded.
type Manager struct {
	exchange string
	symbol   string
	fetch    FetchSnapshot

	// OnResync is called once per rebuild with the trigger (metrics
	// hook). Set before the first Handle.
	OnResync func(reason string)

	retryWait time.Duration
	bufferCap int

	mu        sync.Mutex
	book      *Book
	synced    bool
	resyncing bool
	buffer    []exchange.DepthUpdate
}

// NewManager builds an unsynced manager; the first delta triggers the
// initial snapshot fetch.
func NewManager(exchangeName, symbol string, fetch FetchSnapshot) *Manager {
	return &Manager{
		exchange:  exchangeName,
		symbol:    symbol,
		fetch:     fetch,
		retryWait: time.Second,
		bufferCap: 4096,
		book:      NewBook(exchangeName, symbol),
	}
}

// Handle ingests one stream delta. It never blocks on I/O: rebuilds run
// on their own goroutine while deltas keep buffering.
func (m *Manager) Handle(ctx context.Context, d exchange.DepthUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.Snapshot {
		// The venue replayed the full book in-stream.
		_ = m.book.Apply(d)
		m.synced = true
		m.buffer = m.buffer[:0]
		return
	}

	if !m.synced {
		m.bufferLocked(d)
		m.kickResyncLocked(ctx, "unsynced")
		return
	}

	if err := m.book.Apply(d); err != nil {
		log.Warn().
			Str("exchange", m.exchange).
			Str("symbol", m.symbol).
			Int64("book_seq", m.book.LastUpdateID()).
			Int64("delta_first", d.FirstUpdateID).
			Msg("order book sequence gap, rebuilding")
		m.synced = false
		m.buffer = append(m.buffer[:0], d)
		m.kickResyncLocked(ctx, "sequence_gap")
	}
}

// MarkStale forces a rebuild: queue overflow and reconnects both lose
// sequence continuity.
func (m *Manager) MarkStale(ctx context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced = false
	m.buffer = m.buffer[:0]
	m.kickResyncLocked(ctx, reason)
}

// Synced reports whether the book currently tracks the stream.
func (m *Manager) Synced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synced
}

// Snapshot projects the top depth levels, or false while unsynced or
// empty.
func (m *Manager) Snapshot(depth int) (model.BookSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.synced {
		return model.BookSnapshot{}, false
	}
	bids, asks := m.book.Depth()
	if bids == 0 && asks == 0 {
		return model.BookSnapshot{}, false
	}
	return m.book.Snapshot(depth), true
}

// Run emits a Top-N snapshot to sink every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration, depth int, sink func(model.BookSnapshot)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if snap, ok := m.Snapshot(depth); ok {
				sink(snap)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) bufferLocked(d exchange.DepthUpdate) {
	if len(m.buffer) >= m.bufferCap {
		m.buffer = m.buffer[:copy(m.buffer, m.buffer[1:])]
	}
	m.buffer = append(m.buffer, d)
}

func (m *Manager) kickResyncLocked(ctx context.Context, reason string) {
	if m.resyncing {
		return
	}
	m.resyncing = true
	if m.OnResync != nil {
		m.OnResync(reason)
	}
	go m.resync(ctx)
}

// resync fetches a snapshot, primes the book, and replays buffered
// deltas past the snapshot's sequence. A gap inside the replayed run
// means the buffer itself lost data, so it is discarded and a newer
// snapshot fetched.
func (m *Manager) resync(ctx context.Context) {
	for {
		snap, err := m.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.mu.Lock()
				m.resyncing = false
				m.mu.Unlock()
				return
			}
			log.Warn().
				Str("exchange", m.exchange).
				Str("symbol", m.symbol).
				Err(err).
				Msg("book snapshot fetch failed, retrying")
			select {
			case <-time.After(m.retryWait):
			case <-ctx.Done():
			}
			continue
		}

		m.mu.Lock()
		m.book.Prime(*snap)
		replayed := 0
		var replayErr error
		for _, d := range m.buffer {
			if d.FinalUpdateID <= snap.UpdateID {
				continue
			}
			if replayErr = m.book.Apply(d); replayErr != nil {
				break
			}
			replayed++
		}
		if replayErr != nil {
			m.buffer = m.buffer[:0]
			m.mu.Unlock()
			continue
		}
		m.buffer = m.buffer[:0]
		m.synced = true
		m.resyncing = false
		m.mu.Unlock()

		log.Info().
			Str("exchange", m.exchange).
			Str("symbol", m.symbol).
			Int64("seq", snap.UpdateID).
			Int("replayed", replayed).
			Msg("order book synced")
		return
	}
}

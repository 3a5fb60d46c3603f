package orderbook

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/exchange"
)

// Group routes depth updates to one exchange's per-symbol managers.
type Group struct {
	mu    sync.RWMutex
	books map[string]*Manager
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{books: make(map[string]*Manager)}
}

// Add registers the manager for a symbol at startup.
func (g *Group) Add(symbol string, m *Manager) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.books[symbol] = m
}

// Get returns the manager for a symbol.
func (g *Group) Get(symbol string) (*Manager, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.books[symbol]
	return m, ok
}

// Each calls fn for every managed symbol.
func (g *Group) Each(fn func(symbol string, m *Manager)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for sym, m := range g.books {
		fn(sym, m)
	}
}

// Handle routes one depth update by symbol. Updates for unmanaged
// symbols are dropped.
func (g *Group) Handle(ctx context.Context, d exchange.DepthUpdate) {
	m, ok := g.Get(d.Symbol)
	if !ok {
		log.Debug().Str("symbol", d.Symbol).Msg("depth update for unmanaged symbol dropped")
		return
	}
	m.Handle(ctx, d)
}

// MarkAllStale invalidates every book, forcing resyncs. Called when a
// stream session (re)connects and the delta sequence restarts.
func (g *Group) MarkAllStale(ctx context.Context, reason string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, m := range g.books {
		m.MarkStale(ctx, reason)
	}
}

// Package pricefeed gives the engine read access to the latest aggregated
// ticker per symbol.
//
// The View is a pure in-memory read for the scheduler and strategies: no
// blocking, no cancellation. It is written by the collector Feed (WebSocket
// stream with REST backfill) and, on startup, primed from the store's
// market_data cache so restarts have a last-known sample. Samples carry
// their collector timestamp; freshness decisions belong to the callers.
package pricefeed

import (
	"sync"

	"lop-keeper/pkg/types"
)

// View holds the latest ticker snapshot per symbol.
type View struct {
	mu    sync.RWMutex
	ticks map[string]types.TickerSnapshot
}

// NewView creates an empty view.
func NewView() *View {
	return &View{ticks: make(map[string]types.TickerSnapshot)}
}

// Update replaces the stored sample for the symbol.
func (v *View) Update(tick types.TickerSnapshot) {
	if tick.Symbol == "" {
		return
	}
	v.mu.Lock()
	v.ticks[tick.Symbol] = tick
	v.mu.Unlock()
}

// Price returns a copy of the latest sample for the symbol. The sample may
// be stale; callers check Timestamp against their own threshold.
func (v *View) Price(symbol string) (*types.TickerSnapshot, bool) {
	v.mu.RLock()
	tick, ok := v.ticks[symbol]
	v.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &tick, true
}

// Package marketdata ingests external market data: exchange orderbook
// depth on minute buckets and the oracle price stream that drives keeper
// triggers.
package marketdata

import (
	"sync"
	"time"

	"github.com/perpdex/syncd/internal/model"
)

// LastPrice is the in-process cache of the most recent accepted oracle
// tick per symbol. The keeper reads it on every evaluation, so it never
// touches the database on the hot path.
type LastPrice struct {
	mu    sync.RWMutex
	ticks map[string]model.PriceTick
}

// NewLastPrice creates an empty cache.
func NewLastPrice() *LastPrice {
	return &LastPrice{ticks: make(map[string]model.PriceTick)}
}

// Set records an accepted tick.
func (l *LastPrice) Set(tick model.PriceTick) {
	l.mu.Lock()
	l.ticks[tick.Symbol] = tick
	l.mu.Unlock()
}

// Get returns the last accepted tick for a symbol.
func (l *LastPrice) Get(symbol string) (model.PriceTick, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tick, ok := l.ticks[symbol]
	return tick, ok
}

// Fresh returns the last tick only if it was received within maxAge.
// Trigger decisions must never act on a stale price.
func (l *LastPrice) Fresh(symbol string, maxAge time.Duration) (model.PriceTick, bool) {
	tick, ok := l.Get(symbol)
	if !ok {
		return model.PriceTick{}, false
	}
	if time.Since(tick.ReceivedAt) > maxAge {
		return model.PriceTick{}, false
	}
	return tick, true
}

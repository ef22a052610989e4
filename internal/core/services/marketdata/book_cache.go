// Package marketdata holds the latest order book per symbol and the traded
// volume observed on the price feed.
package marketdata

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/pkg/clock"
)

// BookCache stores one immutable snapshot pointer per symbol. Readers never
// block writers: an update swaps the pointer.
type BookCache struct {
	clock    clock.Clock
	maxAge   time.Duration
	books    sync.Map // symbol -> *atomic.Pointer[domain.OrderBookSnapshot]
	updates  atomic.Uint64
	rejected atomic.Uint64
}

// NewBookCache creates a cache. Snapshots older than maxAge are reported
// stale; a non-positive maxAge disables staleness.
func NewBookCache(clk clock.Clock, maxAge time.Duration) *BookCache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &BookCache{clock: clk, maxAge: maxAge}
}

func (c *BookCache) slot(symbol string) *atomic.Pointer[domain.OrderBookSnapshot] {
	if v, ok := c.books.Load(symbol); ok {
		return v.(*atomic.Pointer[domain.OrderBookSnapshot])
	}
	v, _ := c.books.LoadOrStore(symbol, new(atomic.Pointer[domain.OrderBookSnapshot]))
	return v.(*atomic.Pointer[domain.OrderBookSnapshot])
}

// Update replaces the snapshot for its symbol. Snapshots older than the
// cached one are ignored and reported as false.
func (c *BookCache) Update(snap *domain.OrderBookSnapshot) bool {
	if snap == nil {
		return false
	}
	p := c.slot(snap.Symbol)
	for {
		cur := p.Load()
		if cur != nil && snap.Timestamp.Before(cur.Timestamp) {
			c.rejected.Add(1)
			return false
		}
		if p.CompareAndSwap(cur, snap) {
			c.updates.Add(1)
			return true
		}
	}
}

// Snapshot returns the latest snapshot for symbol
func (c *BookCache) Snapshot(symbol string) (*domain.OrderBookSnapshot, bool) {
	v, ok := c.books.Load(symbol)
	if !ok {
		return nil, false
	}
	snap := v.(*atomic.Pointer[domain.OrderBookSnapshot]).Load()
	return snap, snap != nil
}

// Fresh returns the latest snapshot and whether it is within maxAge.
// It returns ErrNoOrderBook when the symbol was never seen.
func (c *BookCache) Fresh(symbol string) (*domain.OrderBookSnapshot, bool, error) {
	snap, ok := c.Snapshot(symbol)
	if !ok {
		return nil, false, domain.NewError(domain.CodeNoOrderBook, "BookCache.Fresh", "no order book for %s", symbol)
	}
	if c.maxAge > 0 && snap.Age(c.clock.Now()) > c.maxAge {
		return snap, false, nil
	}
	return snap, true, nil
}

// Symbols lists every symbol with a snapshot
func (c *BookCache) Symbols() []string {
	var out []string
	c.books.Range(func(k, v any) bool {
		if v.(*atomic.Pointer[domain.OrderBookSnapshot]).Load() != nil {
			out = append(out, k.(string))
		}
		return true
	})
	return out
}

// Updates returns the number of accepted and rejected snapshot updates
func (c *BookCache) Updates() (accepted, rejected uint64) {
	return c.updates.Load(), c.rejected.Load()
}

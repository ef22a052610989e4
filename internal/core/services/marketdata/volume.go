package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/pkg/ring"
)

// Trade is one print observed on the feed
type Trade struct {
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

type symbolVolume struct {
	total  decimal.Decimal
	recent *ring.Ring[Trade]
	last   decimal.Decimal
}

// VolumeTracker accumulates traded volume per symbol and keeps a bounded
// window of recent prints.
type VolumeTracker struct {
	mu      sync.RWMutex
	window  int
	symbols map[string]*symbolVolume
}

// NewVolumeTracker keeps up to window recent trades per symbol
func NewVolumeTracker(window int) *VolumeTracker {
	return &VolumeTracker{window: window, symbols: make(map[string]*symbolVolume)}
}

// Record adds a trade. Non-positive volume only updates the last price.
func (t *VolumeTracker) Record(symbol string, trade Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sv, ok := t.symbols[symbol]
	if !ok {
		sv = &symbolVolume{recent: ring.New[Trade](t.window)}
		t.symbols[symbol] = sv
	}
	if trade.Price.IsPositive() {
		sv.last = trade.Price
	}
	if !trade.Volume.IsPositive() {
		return
	}
	sv.total = sv.total.Add(trade.Volume)
	sv.recent.Push(trade)
}

// TradedVolume returns cumulative traded volume for symbol
func (t *VolumeTracker) TradedVolume(symbol string) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if sv, ok := t.symbols[symbol]; ok {
		return sv.total
	}
	return decimal.Zero
}

// LastPrice returns the most recent traded price
func (t *VolumeTracker) LastPrice(symbol string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sv, ok := t.symbols[symbol]
	if !ok || sv.last.IsZero() {
		return decimal.Zero, false
	}
	return sv.last, true
}

// VolumeSince sums the retained prints at or after since. Prints evicted
// from the window are not counted.
func (t *VolumeTracker) VolumeSince(symbol string, since time.Time) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sv, ok := t.symbols[symbol]
	if !ok {
		return decimal.Zero
	}
	total := decimal.Zero
	sv.recent.Do(func(tr Trade) {
		if !tr.Timestamp.Before(since) {
			total = total.Add(tr.Volume)
		}
	})
	return total
}

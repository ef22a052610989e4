package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is one aggregated price in the book
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookSnapshot is an immutable view of a symbol's book. Bids are sorted
// best (highest) first, asks best (lowest) first. Snapshots are replaced
// wholesale; never mutate one after NewOrderBookSnapshot returns it.
type OrderBookSnapshot struct {
	Symbol    string          `json:"symbol"`
	Bids      []PriceLevel    `json:"bids"`
	Asks      []PriceLevel    `json:"asks"`
	MidPrice  decimal.Decimal `json:"mid_price"`
	Spread    decimal.Decimal `json:"spread"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewOrderBookSnapshot copies and sorts the levels, drops non-positive ones
// and derives mid price and spread.
func NewOrderBookSnapshot(symbol string, bids, asks []PriceLevel, ts time.Time) (*OrderBookSnapshot, error) {
	if symbol == "" {
		return nil, Validation("NewOrderBookSnapshot", "symbol is required")
	}
	b := cleanLevels(bids)
	a := cleanLevels(asks)
	if len(b) == 0 && len(a) == 0 {
		return nil, Validation("NewOrderBookSnapshot", "book for %s has no levels", symbol)
	}
	sort.SliceStable(b, func(i, j int) bool { return b[i].Price.GreaterThan(b[j].Price) })
	sort.SliceStable(a, func(i, j int) bool { return a[i].Price.LessThan(a[j].Price) })

	snap := &OrderBookSnapshot{Symbol: symbol, Bids: b, Asks: a, Timestamp: ts}
	switch {
	case len(b) > 0 && len(a) > 0:
		if b[0].Price.GreaterThan(a[0].Price) {
			return nil, Validation("NewOrderBookSnapshot", "crossed book for %s: bid %s > ask %s", symbol, b[0].Price, a[0].Price)
		}
		snap.MidPrice = b[0].Price.Add(a[0].Price).Div(decimal.NewFromInt(2))
		snap.Spread = a[0].Price.Sub(b[0].Price)
	case len(b) > 0:
		snap.MidPrice = b[0].Price
	default:
		snap.MidPrice = a[0].Price
	}
	return snap, nil
}

func cleanLevels(levels []PriceLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Price.IsPositive() && l.Size.IsPositive() {
			out = append(out, l)
		}
	}
	return out
}

// AggressingLevels returns the side of the book an order on side consumes:
// asks for a buy, bids for a sell.
func (s *OrderBookSnapshot) AggressingLevels(side Side) []PriceLevel {
	if side == SideBuy {
		return s.Asks
	}
	return s.Bids
}

// Depth sums visible size on the side consumed by an order on side
func (s *OrderBookSnapshot) Depth(side Side) decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.AggressingLevels(side) {
		total = total.Add(l.Size)
	}
	return total
}

// BestPrice returns the top of the aggressing side
func (s *OrderBookSnapshot) BestPrice(side Side) (decimal.Decimal, bool) {
	levels := s.AggressingLevels(side)
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	return levels[0].Price, true
}

// Age returns how old the snapshot is at now
func (s *OrderBookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

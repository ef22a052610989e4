package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SliceStatus represents the lifecycle of a child slice
type SliceStatus int

const (
	SlicePending SliceStatus = iota + 1
	SliceReleased
	SliceFilled
	SliceFailed
)

func (s SliceStatus) String() string {
	switch s {
	case SlicePending:
		return "PENDING"
	case SliceReleased:
		return "RELEASED"
	case SliceFilled:
		return "FILLED"
	case SliceFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ChildSlice is a partial order released by the scheduler for a venue and time
type ChildSlice struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parent_id"`
	RunID       string          `json:"run_id,omitempty"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	FilledQty   decimal.Decimal `json:"filled_quantity"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	ReleasedAt  *time.Time      `json:"released_at,omitempty"`
	Venue       string          `json:"venue,omitempty"`
	FillPrice   decimal.Decimal `json:"fill_price"`
	Status      SliceStatus     `json:"status"`
	Error       string          `json:"error,omitempty"`
}

// Fill is a single execution reported by a venue
type Fill struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	SliceID   string          `json:"slice_id,omitempty"`
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notional returns price * quantity
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}

// VWAP returns the fill-weighted average price of fills, zero when empty
func VWAP(fills []Fill) decimal.Decimal {
	qty := decimal.Zero
	notional := decimal.Zero
	for _, f := range fills {
		qty = qty.Add(f.Quantity)
		notional = notional.Add(f.Notional())
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty)
}

package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents whether the order is buying or selling
type Side int

const (
	SideBuy Side = iota + 1
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the other side of the book
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for buys and -1 for sells; multiplying a signed price
// difference by it yields an adverse-positive cost.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Valid reports whether the side is a known value
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide converts "BUY"/"SELL" into a Side
func ParseSide(s string) (Side, bool) {
	switch s {
	case "BUY", "buy":
		return SideBuy, true
	case "SELL", "sell":
		return SideSell, true
	default:
		return 0, false
	}
}

// MarshalText encodes the side as BUY or SELL
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts BUY or SELL in either case
func (s *Side) UnmarshalText(b []byte) error {
	v, ok := ParseSide(string(b))
	if !ok {
		return Validation("Side.UnmarshalText", "unknown side %q", string(b))
	}
	*s = v
	return nil
}

// OrderKind represents the conditional behaviour of a parent order
type OrderKind int

const (
	KindMarket OrderKind = iota + 1
	KindStopLoss
	KindTakeProfit
	KindOCO
	KindIceberg
	KindTrailingStop
	KindBracket
)

func (k OrderKind) String() string {
	switch k {
	case KindMarket:
		return "MARKET"
	case KindStopLoss:
		return "STOP_LOSS"
	case KindTakeProfit:
		return "TAKE_PROFIT"
	case KindOCO:
		return "OCO"
	case KindIceberg:
		return "ICEBERG"
	case KindTrailingStop:
		return "TRAILING_STOP"
	case KindBracket:
		return "BRACKET"
	default:
		return "UNKNOWN"
	}
}

func (k OrderKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// OrderStatus represents the current state of a parent order
type OrderStatus int

const (
	StatusPending OrderStatus = iota + 1
	StatusDormant
	StatusActive
	StatusTriggered
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusExpired
	StatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusDormant:
		return "DORMANT"
	case StatusActive:
		return "ACTIVE"
	case StatusTriggered:
		return "TRIGGERED"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpired:
		return "EXPIRED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// IsTerminal reports whether no further transition is possible
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired || s == StatusRejected
}

// orderTransitions is the parent order state machine. CANCELLED, EXPIRED and
// REJECTED are reachable from every non-terminal state.
var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusDormant, StatusActive, StatusTriggered},
	StatusDormant:         {StatusActive},
	StatusActive:          {StatusTriggered},
	StatusTriggered:       {StatusPartiallyFilled, StatusFilled},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled},
	StatusFilled:          {},
	StatusCancelled:       {},
	StatusExpired:         {},
	StatusRejected:        {},
}

// CanTransition implements the order state machine logic
func CanTransition(from, to OrderStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled || to == StatusExpired || to == StatusRejected {
		return true
	}
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TimeInForce represents how long the order remains live
type TimeInForce int

const (
	TimeInForceGTC TimeInForce = iota + 1 // Good Till Cancelled
	TimeInForceDAY                        // Expires at the next UTC midnight
	TimeInForceGTD                        // Good Till Date
	TimeInForceIOC                        // Immediate Or Cancel, market orders only
)

func (tif TimeInForce) String() string {
	switch tif {
	case TimeInForceGTC:
		return "GTC"
	case TimeInForceDAY:
		return "DAY"
	case TimeInForceGTD:
		return "GTD"
	case TimeInForceIOC:
		return "IOC"
	default:
		return "UNKNOWN"
	}
}

// ParseTimeInForce converts the wire name into a TimeInForce. Empty means GTC.
func ParseTimeInForce(s string) (TimeInForce, bool) {
	switch s {
	case "", "GTC":
		return TimeInForceGTC, true
	case "DAY":
		return TimeInForceDAY, true
	case "GTD":
		return TimeInForceGTD, true
	case "IOC":
		return TimeInForceIOC, true
	default:
		return 0, false
	}
}

// MarshalText encodes the wire name
func (tif TimeInForce) MarshalText() ([]byte, error) {
	return []byte(tif.String()), nil
}

// UnmarshalText accepts the wire name in either case
func (tif *TimeInForce) UnmarshalText(b []byte) error {
	v, ok := ParseTimeInForce(strings.ToUpper(string(b)))
	if !ok {
		return Validation("TimeInForce.UnmarshalText", "unknown time in force %q", string(b))
	}
	*tif = v
	return nil
}

// LegRole identifies which trigger an OCO or bracket leg carries
type LegRole int

const (
	LegNone LegRole = iota
	LegStop
	LegTakeProfit
	LegEntry
)

func (r LegRole) String() string {
	switch r {
	case LegStop:
		return "STOP"
	case LegTakeProfit:
		return "TAKE_PROFIT"
	case LegEntry:
		return "ENTRY"
	default:
		return "NONE"
	}
}

func (r LegRole) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// OrderLinks holds references between related parent orders
type OrderLinks struct {
	OCOSiblingID    string `json:"oco_sibling_id,omitempty"`
	BracketParentID string `json:"bracket_parent_id,omitempty"`
	StopLossLegID   string `json:"stop_loss_leg_id,omitempty"`
	TakeProfitLegID string `json:"take_profit_leg_id,omitempty"`
	ExecutionRunID  string `json:"execution_run_id,omitempty"`
	CurrentSliceID  string `json:"current_slice_id,omitempty"`
}

// ParentOrder is the order submitted by a caller. It is owned by the
// conditional order manager; everything handed out is a copy.
type ParentOrder struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Side              Side            `json:"side"`
	Kind              OrderKind       `json:"kind"`
	Role              LegRole         `json:"role"`
	TotalQuantity     decimal.Decimal `json:"total_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice      decimal.Decimal `json:"avg_fill_price"`
	StopPrice         decimal.Decimal `json:"stop_price"`
	TakeProfitPrice   decimal.Decimal `json:"take_profit_price"`
	TrailAmount       decimal.Decimal `json:"trail_amount"`
	Watermark         decimal.Decimal `json:"watermark"`
	VisibleQuantity   decimal.Decimal `json:"visible_quantity"`
	SliceOutstanding  decimal.Decimal `json:"slice_outstanding"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	Execution         *AlgoSpec       `json:"execution,omitempty"`
	Links             OrderLinks      `json:"links"`
	TimeInForce       TimeInForce     `json:"time_in_force"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	Status            OrderStatus     `json:"status"`
	Reason            string          `json:"reason,omitempty"`
	TriggerPrice      decimal.Decimal `json:"trigger_price"`
	Sequence          uint64          `json:"sequence"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	TriggeredAt       *time.Time      `json:"triggered_at,omitempty"`
}

// Clone returns a deep copy safe to hand to readers
func (o *ParentOrder) Clone() *ParentOrder {
	c := *o
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	if o.TriggeredAt != nil {
		t := *o.TriggeredAt
		c.TriggeredAt = &t
	}
	c.Execution = o.Execution.Clone()
	return &c
}

// IsTerminal reports whether the order reached a terminal status
func (o *ParentOrder) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// IsExpired checks if the order has passed its expiry at now
func (o *ParentOrder) IsExpired(now time.Time) bool {
	if o.ExpiresAt == nil {
		return false
	}
	return !now.Before(*o.ExpiresAt)
}

// ApplyFill accumulates a fill into the quantity and average price fields.
// It does not change Status.
func (o *ParentOrder) ApplyFill(qty, price decimal.Decimal) {
	notional := o.AvgFillPrice.Mul(o.FilledQuantity).Add(price.Mul(qty))
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.RemainingQuantity = o.TotalQuantity.Sub(o.FilledQuantity)
	if o.FilledQuantity.IsPositive() {
		o.AvgFillPrice = notional.Div(o.FilledQuantity)
	}
}

// CompletionFraction returns filled / total in [0, 1]
func (o *ParentOrder) CompletionFraction() float64 {
	if !o.TotalQuantity.IsPositive() {
		return 0
	}
	return o.FilledQuantity.Div(o.TotalQuantity).InexactFloat64()
}

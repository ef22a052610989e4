package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a notification published by the engine
type EventType string

const (
	EventOrderCreated     EventType = "order_created"
	EventOrderFilled      EventType = "order_filled"
	EventOrderCancelled   EventType = "order_cancelled"
	EventOrderExpired     EventType = "order_expired"
	EventOrderRejected    EventType = "order_rejected"
	EventStopTriggered    EventType = "stop_triggered"
	EventTrailUpdated     EventType = "trail_updated"
	EventBracketArmed     EventType = "bracket_armed"
	EventSliceReleased    EventType = "slice_released"
	EventRouteCreated     EventType = "route_created"
	EventRunCompleted     EventType = "run_completed"
	EventRunFailed        EventType = "run_failed"
	EventSlippageWarning  EventType = "slippage_warning"
	EventCriticalSlippage EventType = "critical_slippage"
)

// Event is the payload delivered to bus subscribers. Sequence is assigned
// by the bus at publish time.
type Event struct {
	Sequence    uint64          `json:"sequence"`
	Type        EventType       `json:"type"`
	OrderID     string          `json:"order_id,omitempty"`
	Symbol      string          `json:"symbol,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	SlippageBps float64         `json:"slippage_bps,omitempty"`
	Status      string          `json:"status,omitempty"`
	Message     string          `json:"message,omitempty"`
	Data        any             `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CostMode shifts the router's scoring weights
type CostMode int

const (
	CostModeBalanced CostMode = iota + 1
	CostModeAggressive
	CostModeConservative
)

func (m CostMode) String() string {
	switch m {
	case CostModeBalanced:
		return "BALANCED"
	case CostModeAggressive:
		return "AGGRESSIVE"
	case CostModeConservative:
		return "CONSERVATIVE"
	default:
		return "UNKNOWN"
	}
}

// ParseCostMode converts the wire name into a CostMode. Empty means BALANCED.
func ParseCostMode(s string) (CostMode, bool) {
	switch s {
	case "", "BALANCED":
		return CostModeBalanced, true
	case "AGGRESSIVE":
		return CostModeAggressive, true
	case "CONSERVATIVE":
		return CostModeConservative, true
	default:
		return 0, false
	}
}

func (m CostMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *CostMode) UnmarshalText(b []byte) error {
	v, ok := ParseCostMode(strings.ToUpper(string(b)))
	if !ok {
		return Validation("CostMode.UnmarshalText", "unknown cost mode %q", string(b))
	}
	*m = v
	return nil
}

// VenueScore is one venue's evaluated cost in a routing decision
type VenueScore struct {
	VenueID     string  `json:"venue_id"`
	FeeBps      float64 `json:"fee_bps"`
	SlippageBps float64 `json:"slippage_bps"`
	LatencyBps  float64 `json:"latency_bps"`
	Reliability float64 `json:"reliability_bps"`
	Total       float64 `json:"total"`
}

// RoutingDecision is the router's choice of venues for a quantity
type RoutingDecision struct {
	Symbol           string             `json:"symbol"`
	Side             Side               `json:"side"`
	Quantity         decimal.Decimal    `json:"quantity"`
	PrimaryVenue     string             `json:"primary_venue"`
	SplitRatio       map[string]float64 `json:"split_ratio,omitempty"`
	VenueOrder       []string           `json:"venue_order"`
	EstimatedCostBps float64            `json:"estimated_cost_bps"`
	EstimatedLatency time.Duration      `json:"estimated_latency"`
	Scores           []VenueScore       `json:"scores,omitempty"`
	Mode             CostMode           `json:"mode"`
	Deferred         bool               `json:"deferred"`
}

// IsSplit reports whether the decision spreads the quantity across venues
func (d *RoutingDecision) IsSplit() bool {
	return len(d.SplitRatio) > 1
}

// RouteLeg is the quantity sent to one venue
type RouteLeg struct {
	VenueID  string          `json:"venue_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Ratio    float64         `json:"ratio"`
}

// RouteStatus tracks an execution route
type RouteStatus int

const (
	RouteOpen RouteStatus = iota + 1
	RouteCompleted
)

func (s RouteStatus) String() string {
	if s == RouteCompleted {
		return "COMPLETED"
	}
	return "OPEN"
}

// ExecutionRoute binds an order to a concrete per-venue allocation
type ExecutionRoute struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Legs      []RouteLeg      `json:"legs"`
	Decision  RoutingDecision `json:"decision"`
	Status    RouteStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

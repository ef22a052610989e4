package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recommendation is the predictor's advice for an order
type Recommendation int

const (
	RecommendExecute Recommendation = iota + 1
	RecommendSplit
	RecommendDefer
)

func (r Recommendation) String() string {
	switch r {
	case RecommendExecute:
		return "EXECUTE"
	case RecommendSplit:
		return "SPLIT"
	case RecommendDefer:
		return "DEFER"
	default:
		return "UNKNOWN"
	}
}

// SlippageEstimate is computed on demand by the predictor
type SlippageEstimate struct {
	Symbol              string          `json:"symbol"`
	Side                Side            `json:"side"`
	Quantity            decimal.Decimal `json:"quantity"`
	ExpectedPrice       decimal.Decimal `json:"expected_price"`
	MidPrice            decimal.Decimal `json:"mid_price"`
	RawSlippagePct      float64         `json:"raw_slippage_pct"`
	ExpectedSlippagePct float64         `json:"expected_slippage_pct"`
	ImpactPct           float64         `json:"impact_pct,omitempty"`
	Confidence          float64         `json:"confidence"`
	DepthSufficient     bool            `json:"depth_sufficient"`
	LevelsConsumed      int             `json:"levels_consumed"`
	Stale               bool            `json:"stale"`
	Recommendation      Recommendation  `json:"recommendation"`
}

// SlippageRecord is one realized execution kept by the monitor
type SlippageRecord struct {
	OrderID       string          `json:"order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	ExpectedPrice decimal.Decimal `json:"expected_price"`
	ActualPrice   decimal.Decimal `json:"actual_price"`
	SlippageBps   float64         `json:"slippage_bps"`
	Venue         string          `json:"venue,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// AdverseBps returns slippage with cost positive for either side
func (r SlippageRecord) AdverseBps() float64 {
	return r.SlippageBps * r.Side.Sign()
}

// SlippageBps computes signed (actual - expected) / expected * 10000
func SlippageBps(expected, actual decimal.Decimal) float64 {
	if expected.IsZero() {
		return 0
	}
	return actual.Sub(expected).Div(expected).InexactFloat64() * 10000
}

// ExecutionTicket records the price expected when an order was submitted
type ExecutionTicket struct {
	OrderID       string          `json:"order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	ExpectedPrice decimal.Decimal `json:"expected_price"`
	SubmittedAt   time.Time       `json:"submitted_at"`
}

// Execution is a realized fill reported against a ticket. Symbol, Side and
// ExpectedPrice are only read when no ticket was registered for OrderID.
type Execution struct {
	OrderID       string          `json:"order_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Venue         string          `json:"venue,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Symbol        string          `json:"symbol,omitempty"`
	Side          Side            `json:"side,omitempty"`
	ExpectedPrice decimal.Decimal `json:"expected_price"`
}

// Standalone reports whether the execution carries enough to be scored
// without a ticket
func (e Execution) Standalone() bool {
	return e.Symbol != "" && e.Side.Valid() && e.ExpectedPrice.IsPositive()
}

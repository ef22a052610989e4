package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeeSchedule is a venue's fee model. Maker and taker fees are in basis
// points of notional; Fixed is charged per order.
type FeeSchedule struct {
	MakerBps float64         `json:"maker_bps"`
	TakerBps float64         `json:"taker_bps"`
	Fixed    decimal.Decimal `json:"fixed"`
}

// VenueProfile describes a simulated execution destination
type VenueProfile struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Fees        FeeSchedule                `json:"fees"`
	Latency     time.Duration              `json:"latency"`
	Reliability float64                    `json:"reliability"` // 0-1
	Symbols     []string                   `json:"symbols"`
	Liquidity   map[string]decimal.Decimal `json:"liquidity"`
	Available   bool                       `json:"available"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// Validate checks the profile is usable by the router
func (v *VenueProfile) Validate() error {
	const op = "VenueProfile.Validate"
	if v.ID == "" {
		return Validation(op, "venue id is required")
	}
	if v.Reliability < 0 || v.Reliability > 1 {
		return Validation(op, "reliability %.4f outside [0, 1]", v.Reliability)
	}
	if v.Fees.MakerBps < 0 || v.Fees.TakerBps < 0 || v.Fees.Fixed.IsNegative() {
		return Validation(op, "fees must be non-negative")
	}
	if v.Latency < 0 {
		return Validation(op, "latency must be non-negative")
	}
	for sym, liq := range v.Liquidity {
		if liq.IsNegative() {
			return Validation(op, "negative liquidity for %s", sym)
		}
	}
	return nil
}

// Supports reports whether the venue lists symbol
func (v *VenueProfile) Supports(symbol string) bool {
	for _, s := range v.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// LiquidityFor returns the live liquidity for symbol, zero when unknown
func (v *VenueProfile) LiquidityFor(symbol string) decimal.Decimal {
	if liq, ok := v.Liquidity[symbol]; ok {
		return liq
	}
	return decimal.Zero
}

// Clone returns a deep copy
func (v *VenueProfile) Clone() *VenueProfile {
	c := *v
	c.Symbols = append([]string(nil), v.Symbols...)
	c.Liquidity = make(map[string]decimal.Decimal, len(v.Liquidity))
	for k, val := range v.Liquidity {
		c.Liquidity[k] = val
	}
	return &c
}

package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// AlgoType selects the slicing strategy for an execution run
type AlgoType string

const (
	AlgoImmediate AlgoType = "IMMEDIATE"
	AlgoTWAP      AlgoType = "TWAP"
	AlgoVWAP      AlgoType = "VWAP"
	AlgoIceberg   AlgoType = "ICEBERG"
	AlgoPOV       AlgoType = "POV"
)

// TWAPParams releases Slices equal slices every Duration/Slices
type TWAPParams struct {
	Duration time.Duration `json:"duration"`
	Slices   int           `json:"slices"`
}

// VWAPParams releases one slice per weight, spread evenly across Duration.
// Weights must be non-negative and sum to 1.
type VWAPParams struct {
	Duration time.Duration `json:"duration"`
	Weights  []float64     `json:"weights"`
}

// IcebergParams releases VisibleQuantity at a time, waiting up to SliceTimeout
// for each slice to fill.
type IcebergParams struct {
	VisibleQuantity decimal.Decimal `json:"visible_quantity"`
	SliceTimeout    time.Duration   `json:"slice_timeout"`
}

// POVParams participates at ParticipationRate of the volume traded each
// Interval, never more than MaxSliceSize per slice, until Duration elapses.
type POVParams struct {
	ParticipationRate float64         `json:"participation_rate"`
	MaxSliceSize      decimal.Decimal `json:"max_slice_size"`
	Interval          time.Duration   `json:"interval"`
	Duration          time.Duration   `json:"duration"`
}

// AlgoSpec is a tagged variant: Type selects which parameter block is read
type AlgoSpec struct {
	Type    AlgoType       `json:"type"`
	TWAP    *TWAPParams    `json:"twap,omitempty"`
	VWAP    *VWAPParams    `json:"vwap,omitempty"`
	Iceberg *IcebergParams `json:"iceberg,omitempty"`
	POV     *POVParams     `json:"pov,omitempty"`
	Urgency float64        `json:"urgency"`
}

// Validate checks the parameter block matching Type
func (a *AlgoSpec) Validate() error {
	const op = "AlgoSpec.Validate"
	if a.Urgency < 0 || a.Urgency > 1 {
		return Validation(op, "urgency %.3f outside [0, 1]", a.Urgency)
	}
	switch a.Type {
	case AlgoImmediate:
		return nil
	case AlgoTWAP:
		if a.TWAP == nil {
			return Validation(op, "TWAP parameters missing")
		}
		if a.TWAP.Slices < 1 {
			return Validation(op, "TWAP slices must be at least 1")
		}
		if a.TWAP.Duration < 0 {
			return Validation(op, "TWAP duration must be non-negative")
		}
	case AlgoVWAP:
		if a.VWAP == nil || len(a.VWAP.Weights) == 0 {
			return Validation(op, "VWAP weight profile missing")
		}
		sum := 0.0
		for _, w := range a.VWAP.Weights {
			if w < 0 || math.IsNaN(w) {
				return Validation(op, "VWAP weights must be non-negative")
			}
			sum += w
		}
		if math.Abs(sum-1) > 1e-6 {
			return Validation(op, "VWAP weights sum to %.6f, expected 1", sum)
		}
		if a.VWAP.Duration < 0 {
			return Validation(op, "VWAP duration must be non-negative")
		}
	case AlgoIceberg:
		if a.Iceberg == nil || !a.Iceberg.VisibleQuantity.IsPositive() {
			return Validation(op, "iceberg visible quantity must be positive")
		}
		if a.Iceberg.SliceTimeout < 0 {
			return Validation(op, "iceberg slice timeout must be non-negative")
		}
	case AlgoPOV:
		if a.POV == nil {
			return Validation(op, "POV parameters missing")
		}
		if a.POV.ParticipationRate <= 0 || a.POV.ParticipationRate > 1 {
			return Validation(op, "participation rate %.4f outside (0, 1]", a.POV.ParticipationRate)
		}
		if !a.POV.MaxSliceSize.IsPositive() {
			return Validation(op, "POV max slice size must be positive")
		}
		if a.POV.Interval <= 0 || a.POV.Duration <= 0 {
			return Validation(op, "POV interval and duration must be positive")
		}
	default:
		return Validation(op, "unknown algorithm %q", a.Type)
	}
	return nil
}

// SliceCount is the number of slices TWAP and VWAP plan up front. Other
// algorithms size slices as they go and report zero.
func (a *AlgoSpec) SliceCount() int {
	switch {
	case a.Type == AlgoTWAP && a.TWAP != nil:
		return a.TWAP.Slices
	case a.Type == AlgoVWAP && a.VWAP != nil:
		return len(a.VWAP.Weights)
	}
	return 0
}

// Clone returns a deep copy
func (a *AlgoSpec) Clone() *AlgoSpec {
	if a == nil {
		return nil
	}
	c := *a
	if a.TWAP != nil {
		p := *a.TWAP
		c.TWAP = &p
	}
	if a.VWAP != nil {
		p := *a.VWAP
		p.Weights = append([]float64(nil), a.VWAP.Weights...)
		c.VWAP = &p
	}
	if a.Iceberg != nil {
		p := *a.Iceberg
		c.Iceberg = &p
	}
	if a.POV != nil {
		p := *a.POV
		c.POV = &p
	}
	return &c
}

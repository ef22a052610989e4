package handlers

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
)

// AlgoParams is the wire form of an execution algorithm. Durations are Go
// duration strings such as "90s" or "1h".
type AlgoParams struct {
	Type              string          `json:"type"`
	Urgency           float64         `json:"urgency"`
	Duration          string          `json:"duration,omitempty"`
	Slices            int             `json:"slices,omitempty"`
	Weights           []float64       `json:"weights,omitempty"`
	VisibleQuantity   decimal.Decimal `json:"visible_quantity"`
	SliceTimeout      string          `json:"slice_timeout,omitempty"`
	ParticipationRate float64         `json:"participation_rate,omitempty"`
	MaxSliceSize      decimal.Decimal `json:"max_slice_size"`
	Interval          string          `json:"interval,omitempty"`
}

// Spec converts the parameters into a validated domain.AlgoSpec
func (p *AlgoParams) Spec() (domain.AlgoSpec, error) {
	const op = "AlgoParams.Spec"
	spec := domain.AlgoSpec{Type: domain.AlgoType(strings.ToUpper(p.Type)), Urgency: p.Urgency}
	if spec.Type == "" {
		spec.Type = domain.AlgoImmediate
	}

	duration, err := parseDuration(op, "duration", p.Duration)
	if err != nil {
		return spec, err
	}
	sliceTimeout, err := parseDuration(op, "slice_timeout", p.SliceTimeout)
	if err != nil {
		return spec, err
	}
	interval, err := parseDuration(op, "interval", p.Interval)
	if err != nil {
		return spec, err
	}

	switch spec.Type {
	case domain.AlgoImmediate:
	case domain.AlgoTWAP:
		spec.TWAP = &domain.TWAPParams{Duration: duration, Slices: p.Slices}
	case domain.AlgoVWAP:
		spec.VWAP = &domain.VWAPParams{Duration: duration, Weights: p.Weights}
	case domain.AlgoIceberg:
		spec.Iceberg = &domain.IcebergParams{VisibleQuantity: p.VisibleQuantity, SliceTimeout: sliceTimeout}
	case domain.AlgoPOV:
		spec.POV = &domain.POVParams{
			ParticipationRate: p.ParticipationRate,
			MaxSliceSize:      p.MaxSliceSize,
			Interval:          interval,
			Duration:          duration,
		}
	default:
		return spec, domain.Validation(op, "unknown algorithm %q", p.Type)
	}
	if err := spec.Validate(); err != nil {
		return spec, err
	}
	return spec, nil
}

func parseDuration(op, name, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, domain.Validation(op, "%s %q is not a duration", name, raw)
	}
	return d, nil
}

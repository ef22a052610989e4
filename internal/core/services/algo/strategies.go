package algo

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
)

// strategyFunc drives one run to completion. It returns nil when the
// schedule ran out (the caller inspects the remainder), errRunFailed when the
// failure budget is exhausted, or a cancellation error.
type strategyFunc func(ctx context.Context, x *execution) error

// strategies is the dispatch table for the AlgoSpec tag
var strategies = map[domain.AlgoType]strategyFunc{
	domain.AlgoImmediate: runImmediate,
	domain.AlgoTWAP:      runTWAP,
	domain.AlgoVWAP:      runVWAP,
	domain.AlgoIceberg:   runIceberg,
	domain.AlgoPOV:       runPOV,
}

var errRunFailed = errors.New("consecutive slice failure limit reached")

// plannedSlice is a quantity released at an offset from the run start
type plannedSlice struct {
	Offset   time.Duration
	Quantity decimal.Decimal
}

// planTWAP splits total into n equal slices spaced duration/n apart. The
// last slice absorbs rounding.
func planTWAP(total decimal.Decimal, n int, duration time.Duration, precision int32) []plannedSlice {
	if n < 1 || !total.IsPositive() {
		return nil
	}
	interval := duration / time.Duration(n)
	each := total.Div(decimal.NewFromInt(int64(n))).Truncate(precision)
	plan := make([]plannedSlice, n)
	assigned := decimal.Zero
	for i := 0; i < n; i++ {
		qty := each
		if i == n-1 {
			qty = total.Sub(assigned)
		}
		assigned = assigned.Add(qty)
		plan[i] = plannedSlice{Offset: interval * time.Duration(i), Quantity: qty}
	}
	return plan
}

// planVWAP sizes one slice per weight interval. Zero-weight intervals are
// skipped; the last non-zero interval absorbs rounding.
func planVWAP(total decimal.Decimal, weights []float64, duration time.Duration, precision int32) []plannedSlice {
	if len(weights) == 0 || !total.IsPositive() {
		return nil
	}
	interval := duration / time.Duration(len(weights))
	last := -1
	for i, w := range weights {
		if w > 0 {
			last = i
		}
	}
	var plan []plannedSlice
	assigned := decimal.Zero
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		qty := total.Mul(decimal.NewFromFloat(w)).Truncate(precision)
		if i == last {
			qty = total.Sub(assigned)
		}
		if !qty.IsPositive() {
			continue
		}
		assigned = assigned.Add(qty)
		plan = append(plan, plannedSlice{Offset: interval * time.Duration(i), Quantity: qty})
	}
	return plan
}

// povSliceSize is participation * observed volume, capped by maxSlice and remaining
func povSliceSize(rate float64, observed, maxSlice, remaining decimal.Decimal, precision int32) decimal.Decimal {
	if rate <= 0 || !observed.IsPositive() || !remaining.IsPositive() {
		return decimal.Zero
	}
	size := observed.Mul(decimal.NewFromFloat(rate)).Truncate(precision)
	if maxSlice.IsPositive() {
		size = decimal.Min(size, maxSlice)
	}
	return decimal.Min(size, remaining)
}

// runImmediate places the whole remainder at once. A failed placement is
// retried after RetryDelay until the failure budget is spent.
func runImmediate(ctx context.Context, x *execution) error {
	for {
		remaining := x.run.remaining()
		if !remaining.IsPositive() {
			return nil
		}
		if _, err := x.executeSlice(ctx, remaining, x.now()); err != nil {
			if isCancel(err) {
				return err
			}
			if x.run.sliceOutcome(true) >= x.config.MaxConsecutiveFailures {
				return errRunFailed
			}
			if err := x.deps.Clock.Sleep(ctx, x.config.RetryDelay); err != nil {
				return err
			}
			continue
		}
		x.run.sliceOutcome(false)
	}
}

func runTWAP(ctx context.Context, x *execution) error {
	p := x.run.req.Algo.TWAP
	return x.runPlan(ctx, planTWAP(x.run.req.Quantity, p.Slices, p.Duration, x.precision()))
}

func runVWAP(ctx context.Context, x *execution) error {
	p := x.run.req.Algo.VWAP
	return x.runPlan(ctx, planVWAP(x.run.req.Quantity, p.Weights, p.Duration, x.precision()))
}

// runPlan releases planned slices at their offsets. Quantity a failed slice
// could not fill carries into the next one; the final slice takes whatever
// remains.
func (x *execution) runPlan(ctx context.Context, plan []plannedSlice) error {
	start := x.run.Result().StartedAt
	planned := decimal.Zero
	for i, ps := range plan {
		if err := x.sleepUntil(ctx, start.Add(ps.Offset)); err != nil {
			return err
		}
		planned = planned.Add(ps.Quantity)
		remaining := x.run.remaining()
		if !remaining.IsPositive() {
			return nil
		}
		// filled so far vs planned so far gives the carry
		qty := planned.Sub(x.run.req.Quantity.Sub(remaining))
		if i == len(plan)-1 || qty.GreaterThan(remaining) {
			qty = remaining
		}
		if !qty.IsPositive() {
			continue
		}
		if err := x.step(ctx, qty, start.Add(ps.Offset)); err != nil {
			return err
		}
	}
	return nil
}

func runIceberg(ctx context.Context, x *execution) error {
	p := x.run.req.Algo.Iceberg
	timeout := p.SliceTimeout
	if timeout <= 0 {
		timeout = x.config.DefaultSliceTimeout
	}
	for {
		remaining := x.run.remaining()
		if !remaining.IsPositive() {
			return nil
		}
		qty := decimal.Min(p.VisibleQuantity, remaining)
		sctx, cancel := context.WithTimeout(ctx, timeout)
		err := x.step(sctx, qty, x.now())
		cancel()
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func runPOV(ctx context.Context, x *execution) error {
	p := x.run.req.Algo.POV
	start := x.now()
	deadline := start.Add(p.Duration)
	last := x.volume.TradedVolume(x.run.req.Symbol)

	for tick := 1; ; tick++ {
		at := start.Add(p.Interval * time.Duration(tick))
		if at.After(deadline) {
			return nil
		}
		if err := x.sleepUntil(ctx, at); err != nil {
			return err
		}
		current := x.volume.TradedVolume(x.run.req.Symbol)
		observed := current.Sub(last)
		last = current

		remaining := x.run.remaining()
		if !remaining.IsPositive() {
			return nil
		}
		qty := povSliceSize(p.ParticipationRate, observed, p.MaxSliceSize, remaining, x.precision())
		if !qty.IsPositive() {
			continue
		}
		if err := x.step(ctx, qty, at); err != nil {
			return err
		}
	}
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, errRunCancelled) || errors.Is(err, errOrderNotLive)
}

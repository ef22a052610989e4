package algo

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/pkg/ring"
)

// RunStatus is the completion state of an execution run
type RunStatus int

const (
	RunRunning RunStatus = iota + 1
	RunCompleted
	RunExpired
	RunCancelled
	RunFailed
)

func (s RunStatus) String() string {
	switch s {
	case RunRunning:
		return "RUNNING"
	case RunCompleted:
		return "COMPLETED"
	case RunExpired:
		return "EXPIRED"
	case RunCancelled:
		return "CANCELLED"
	case RunFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the run has stopped releasing slices
func (s RunStatus) IsTerminal() bool {
	return s != RunRunning
}

// Request describes an execution run
type Request struct {
	OrderID  string          `json:"order_id"`
	Symbol   string          `json:"symbol"`
	Side     domain.Side     `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Algo     domain.AlgoSpec `json:"algo"`
}

// Result is a point-in-time view of a run
type Result struct {
	RunID               string              `json:"run_id"`
	OrderID             string              `json:"order_id"`
	Symbol              string              `json:"symbol"`
	Side                domain.Side         `json:"side"`
	Algo                domain.AlgoType     `json:"algo"`
	Quantity            decimal.Decimal     `json:"quantity"`
	FilledQuantity      decimal.Decimal     `json:"filled_quantity"`
	RemainingQuantity   decimal.Decimal     `json:"remaining_quantity"`
	AvgFillPrice        decimal.Decimal     `json:"avg_fill_price"`
	CompletionFraction  float64             `json:"completion_fraction"`
	Status              RunStatus           `json:"status"`
	SlicesReleased      int                 `json:"slices_released"`
	SlicesFailed        int                 `json:"slices_failed"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	Slices              []domain.ChildSlice `json:"slices"`
	StartedAt           time.Time           `json:"started_at"`
	FinishedAt          time.Time           `json:"finished_at,omitempty"`
	Error               string              `json:"error,omitempty"`
}

// Run is a handle on an execution in progress
type Run struct {
	id  string
	req Request

	// cancelled is only read and written inside the symbol's sequencer step
	cancelled bool
	stop      context.CancelFunc
	done      chan struct{}

	mu       sync.RWMutex
	result   Result
	notional decimal.Decimal
	slices   *ring.Ring[domain.ChildSlice]
}

func newRun(id string, req Request, history int, now time.Time) *Run {
	return &Run{
		id:   id,
		req:  req,
		done: make(chan struct{}),
		result: Result{
			RunID:             id,
			OrderID:           req.OrderID,
			Symbol:            req.Symbol,
			Side:              req.Side,
			Algo:              req.Algo.Type,
			Quantity:          req.Quantity,
			RemainingQuantity: req.Quantity,
			Status:            RunRunning,
			StartedAt:         now,
		},
		slices: ring.New[domain.ChildSlice](history),
	}
}

// ID returns the run identifier
func (r *Run) ID() string { return r.id }

// Done is closed once the run reaches a terminal status
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns a snapshot of the run's progress
func (r *Run) Result() *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := r.result
	res.Slices = r.slices.Slice()
	return &res
}

// Wait blocks until the run finishes or ctx is done
func (r *Run) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-r.done:
		return r.Result(), nil
	case <-ctx.Done():
		return r.Result(), ctx.Err()
	}
}

func (r *Run) remaining() decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result.RemainingQuantity
}

func (r *Run) recordSlice(slice domain.ChildSlice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slices.Push(slice)
	r.result.SlicesReleased++
}

func (r *Run) applyFill(fill domain.Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notional = r.notional.Add(fill.Notional())
	r.result.FilledQuantity = r.result.FilledQuantity.Add(fill.Quantity)
	r.result.RemainingQuantity = r.result.Quantity.Sub(r.result.FilledQuantity)
	if r.result.FilledQuantity.IsPositive() {
		r.result.AvgFillPrice = r.notional.Div(r.result.FilledQuantity)
	}
	if r.result.Quantity.IsPositive() {
		r.result.CompletionFraction = r.result.FilledQuantity.Div(r.result.Quantity).InexactFloat64()
	}
}

// sliceOutcome updates the failure counters and returns the consecutive count
func (r *Run) sliceOutcome(failed bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if failed {
		r.result.SlicesFailed++
		r.result.ConsecutiveFailures++
	} else {
		r.result.ConsecutiveFailures = 0
	}
	return r.result.ConsecutiveFailures
}

func (r *Run) finish(status RunStatus, err error, now time.Time) *Result {
	r.mu.Lock()
	r.result.Status = status
	r.result.FinishedAt = now
	if err != nil {
		r.result.Error = err.Error()
	}
	r.mu.Unlock()
	close(r.done)
	return r.Result()
}

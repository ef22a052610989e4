// Package algo implements the algorithmic execution scheduler. Runs are
// tagged variants (domain.AlgoSpec) dispatched through a strategy table;
// every slice is priced by the predictor, routed by the router and placed
// through a venue gateway inside the symbol's sequencer step.
package algo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/ports"
	"github.com/victoralfred/execution-engine/internal/core/services/sequencer"
	"github.com/victoralfred/execution-engine/pkg/clock"
	"go.uber.org/zap"
)

// Config contains configuration for the scheduler
type Config struct {
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	DefaultSliceTimeout    time.Duration `mapstructure:"default_slice_timeout"`
	RunRetention           int           `mapstructure:"run_retention"`
	SliceHistory           int           `mapstructure:"slice_history"`
	QuantityPrecision      int32         `mapstructure:"quantity_precision"`
	RetryDelay             time.Duration `mapstructure:"retry_delay"`
	MaxSlices              int           `mapstructure:"max_slices"`
}

// DefaultConfig returns reasonable default configuration
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 3,
		DefaultSliceTimeout:    30 * time.Second,
		RunRetention:           256,
		SliceHistory:           512,
		QuantityPrecision:      8,
		RetryDelay:             100 * time.Millisecond,
		MaxSlices:              10000,
	}
}

var (
	errRunCancelled = errors.New("run cancelled")
	errOrderNotLive = errors.New("parent order is no longer live")
)

// Predictor prices a slice against the cached book
type Predictor interface {
	UpdateOrderBook(snap *domain.OrderBookSnapshot) error
	EstimateSlippage(symbol string, side domain.Side, quantity decimal.Decimal) (*domain.SlippageEstimate, error)
}

// Router picks venues for a slice
type Router interface {
	RouteOrder(symbol string, side domain.Side, quantity decimal.Decimal, urgency float64) (*domain.RoutingDecision, error)
	CreateRoute(ctx context.Context, orderID, symbol string, side domain.Side, quantity decimal.Decimal, decision *domain.RoutingDecision) (*domain.ExecutionRoute, error)
	CompleteRoute(routeID string) error
}

// Recorder receives the expected price of each slice and its fills
type Recorder interface {
	RegisterOrder(ticket domain.ExecutionTicket) error
	RecordExecution(ctx context.Context, exec domain.Execution) (*domain.SlippageRecord, error)
}

// Hooks tie runs to parent orders. CheckLive and CommitFill run inside the
// symbol's sequencer step and must not call back into the sequencer.
type Hooks interface {
	CheckLive(tx *sequencer.Tx, orderID string) error
	CommitFill(tx *sequencer.Tx, orderID string, fill domain.Fill) error
	RunFinished(result *Result)
}

// Dependencies groups the scheduler's collaborators. Publisher, Recorder,
// Volume and Hooks are optional.
type Dependencies struct {
	Sequencer *sequencer.Sequencer
	Predictor Predictor
	Router    Router
	Gateway   ports.VenueGateway
	Volume    ports.VolumeSource
	Recorder  Recorder
	Publisher ports.EventPublisher
	Hooks     Hooks
	Clock     clock.Clock
}

// Scheduler starts and tracks execution runs
type Scheduler struct {
	config Config
	deps   Dependencies
	logger *zap.Logger

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	runs     map[string]*Run
	finished []string
}

// NewScheduler creates a scheduler. A nil logger disables logging.
func NewScheduler(config Config, deps Dependencies, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if config.MaxConsecutiveFailures < 1 {
		config.MaxConsecutiveFailures = 1
	}
	if config.RunRetention < 1 {
		config.RunRetention = DefaultConfig().RunRetention
	}
	if config.SliceHistory < 1 {
		config.SliceHistory = DefaultConfig().SliceHistory
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}
	if config.MaxSlices < 1 {
		config.MaxSlices = DefaultConfig().MaxSlices
	}
	if config.DefaultSliceTimeout <= 0 {
		config.DefaultSliceTimeout = DefaultConfig().DefaultSliceTimeout
	}
	root, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config: config,
		deps:   deps,
		logger: logger.Named("scheduler"),
		root:   root,
		cancel: cancel,
		runs:   make(map[string]*Run),
	}
}

// UpdateOrderBook forwards a snapshot to the shared book cache
func (s *Scheduler) UpdateOrderBook(snap *domain.OrderBookSnapshot) error {
	return s.deps.Predictor.UpdateOrderBook(snap)
}

// Start validates req and launches the run in the background
func (s *Scheduler) Start(ctx context.Context, req Request) (*Run, error) {
	const op = "Scheduler.Start"
	if req.Symbol == "" || !req.Side.Valid() {
		return nil, domain.Validation(op, "symbol and side are required")
	}
	if !req.Quantity.IsPositive() {
		return nil, domain.Validation(op, "quantity %s must be positive", req.Quantity)
	}
	if req.Algo.Type == "" {
		req.Algo.Type = domain.AlgoImmediate
	}
	if err := req.Algo.Validate(); err != nil {
		return nil, err
	}
	if n := req.Algo.SliceCount(); n > s.config.MaxSlices {
		return nil, domain.Validation(op, "%d slices exceed the limit of %d", n, s.config.MaxSlices)
	}
	strategy, ok := strategies[req.Algo.Type]
	if !ok {
		return nil, domain.Validation(op, "no strategy for %s", req.Algo.Type)
	}
	if req.Algo.Type == domain.AlgoPOV && s.deps.Volume == nil {
		return nil, domain.Validation(op, "POV requires a volume source")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.root.Err() != nil {
		return nil, domain.ErrShutdown
	}

	id := uuid.NewString()
	if req.OrderID == "" {
		req.OrderID = id
	}
	run := newRun(id, req, s.config.SliceHistory, s.deps.Clock.Now())
	runCtx, stop := context.WithCancel(s.root)
	run.stop = stop

	s.mu.Lock()
	s.runs[id] = run
	s.mu.Unlock()

	s.logger.Info("run started",
		zap.String("run", id),
		zap.String("order", req.OrderID),
		zap.String("symbol", req.Symbol),
		zap.String("algo", string(req.Algo.Type)),
		zap.String("quantity", req.Quantity.String()))

	x := &execution{Scheduler: s, run: run, volume: s.deps.Volume}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		err := strategy(runCtx, x)
		s.complete(run, err)
	}()
	return run, nil
}

// SubmitOrder starts a run and waits for it to finish
func (s *Scheduler) SubmitOrder(ctx context.Context, req Request) (*Result, error) {
	run, err := s.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return run.Wait(ctx)
}

// Cancel halts future slice releases of a run. Fills already committed are kept.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return domain.NewError(domain.CodeRunNotFound, "Scheduler.Cancel", "run %s not found", runID)
	}
	err := s.deps.Sequencer.Do(ctx, run.req.Symbol, func(*sequencer.Tx) error {
		if run.Result().Status.IsTerminal() {
			return domain.NewError(domain.CodeInvalidStateTransition, "Scheduler.Cancel", "run %s already finished", runID)
		}
		run.cancelled = true
		return nil
	})
	if err != nil {
		return err
	}
	run.stop()
	return nil
}

// CancelOrder cancels every active run executing orderID
func (s *Scheduler) CancelOrder(ctx context.Context, orderID string) int {
	s.mu.RLock()
	var ids []string
	for id, run := range s.runs {
		if run.req.OrderID == orderID && !run.Result().Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if err := s.Cancel(ctx, id); err == nil {
			n++
		}
	}
	return n
}

// Progress returns a snapshot of a run
func (s *Scheduler) Progress(runID string) (*Result, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.NewError(domain.CodeRunNotFound, "Scheduler.Progress", "run %s not found", runID)
	}
	return run.Result(), nil
}

// Runs returns snapshots of every retained run
func (s *Scheduler) Runs() []*Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Result, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.Result())
	}
	return out
}

// Close cancels every active run and waits for them to stop
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) complete(run *Run, err error) {
	status := RunExpired
	switch {
	case err == nil:
		if !run.remaining().IsPositive() {
			status = RunCompleted
		}
	case errors.Is(err, errRunFailed):
		status = RunFailed
		err = fmt.Errorf("%w: %s unfilled", err, run.remaining())
	case isCancel(err):
		status = RunCancelled
	default:
		status = RunFailed
	}
	res := run.finish(status, err, s.deps.Clock.Now())

	s.mu.Lock()
	s.finished = append(s.finished, run.id)
	for len(s.finished) > s.config.RunRetention {
		delete(s.runs, s.finished[0])
		s.finished = s.finished[1:]
	}
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("run", res.RunID),
		zap.String("order", res.OrderID),
		zap.String("status", res.Status.String()),
		zap.String("filled", res.FilledQuantity.String()),
		zap.String("remaining", res.RemainingQuantity.String()),
	}
	evType := domain.EventRunCompleted
	if status == RunFailed {
		evType = domain.EventRunFailed
		s.logger.Warn("run failed", append(fields, zap.String("error", res.Error))...)
	} else {
		s.logger.Info("run finished", fields...)
	}
	s.publish(domain.Event{
		Type:     evType,
		OrderID:  res.OrderID,
		Symbol:   res.Symbol,
		Price:    res.AvgFillPrice,
		Quantity: res.FilledQuantity,
		Status:   res.Status.String(),
		Message:  res.Error,
		Data:     res.RunID,
	})
	if s.deps.Hooks != nil {
		s.deps.Hooks.RunFinished(res)
	}
}

func (s *Scheduler) publish(ev domain.Event) {
	if s.deps.Publisher == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.deps.Clock.Now()
	}
	if err := s.deps.Publisher.Publish(s.root, ev); err != nil {
		s.logger.Debug("event not published", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// execution is the per-run context handed to a strategy
type execution struct {
	*Scheduler
	run    *Run
	volume ports.VolumeSource
}

func (x *execution) now() time.Time { return x.deps.Clock.Now() }
func (x *execution) precision() int32 { return x.config.QuantityPrecision }

func (x *execution) sleepUntil(ctx context.Context, at time.Time) error {
	return x.deps.Clock.Sleep(ctx, at.Sub(x.now()))
}

// step executes one slice and applies the failure budget
func (x *execution) step(ctx context.Context, qty decimal.Decimal, scheduledAt time.Time) error {
	_, err := x.executeSlice(ctx, qty, scheduledAt)
	if err == nil {
		x.run.sliceOutcome(false)
		return nil
	}
	if isCancel(err) {
		return err
	}
	if x.run.sliceOutcome(true) >= x.config.MaxConsecutiveFailures {
		return errRunFailed
	}
	return nil
}

// executeSlice prices, routes and places qty. Fills are committed inside the
// symbol step only if the run and its parent order are still live.
func (x *execution) executeSlice(ctx context.Context, qty decimal.Decimal, scheduledAt time.Time) (decimal.Decimal, error) {
	req := x.run.req
	slice := domain.ChildSlice{
		ID:          uuid.NewString(),
		ParentID:    req.OrderID,
		RunID:       x.run.id,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    qty,
		ScheduledAt: scheduledAt,
		Status:      domain.SlicePending,
	}
	fail := func(err error) (decimal.Decimal, error) {
		slice.Status = domain.SliceFailed
		slice.Error = err.Error()
		x.run.recordSlice(slice)
		if !isCancel(err) {
			x.logger.Warn("slice failed",
				zap.String("run", x.run.id),
				zap.String("slice", slice.ID),
				zap.String("quantity", qty.String()),
				zap.Error(err))
		}
		return decimal.Zero, err
	}

	est, err := x.deps.Predictor.EstimateSlippage(req.Symbol, req.Side, qty)
	if err != nil {
		return fail(err)
	}
	decision, err := x.deps.Router.RouteOrder(req.Symbol, req.Side, qty, req.Algo.Urgency)
	if err != nil {
		return fail(err)
	}
	route, err := x.deps.Router.CreateRoute(ctx, req.OrderID, req.Symbol, req.Side, qty, decision)
	if err != nil {
		return fail(err)
	}
	defer func() {
		_ = x.deps.Router.CompleteRoute(route.ID)
	}()
	slice.Venue = decision.PrimaryVenue

	if x.deps.Recorder != nil {
		ticket := domain.ExecutionTicket{
			OrderID:       slice.ID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Quantity:      qty,
			ExpectedPrice: est.ExpectedPrice,
			SubmittedAt:   x.now(),
		}
		if err := x.deps.Recorder.RegisterOrder(ticket); err != nil {
			x.logger.Debug("ticket not registered", zap.String("slice", slice.ID), zap.Error(err))
		}
	}

	var fills []domain.Fill
	err = x.deps.Sequencer.Do(ctx, req.Symbol, func(tx *sequencer.Tx) error {
		if x.run.cancelled {
			return errRunCancelled
		}
		if x.deps.Hooks != nil {
			if err := x.deps.Hooks.CheckLive(tx, req.OrderID); err != nil {
				return fmt.Errorf("%w: %v", errOrderNotLive, err)
			}
		}
		released := x.now()
		slice.ReleasedAt = &released
		slice.Status = domain.SliceReleased

		var legErrs []error
		for _, leg := range route.Legs {
			fill, err := x.deps.Gateway.Execute(ctx, leg.VenueID, &slice, leg.Quantity)
			if err != nil {
				legErrs = append(legErrs, fmt.Errorf("venue %s: %w", leg.VenueID, err))
				continue
			}
			if fill == nil || !fill.Quantity.IsPositive() {
				continue
			}
			fill.OrderID = req.OrderID
			fill.SliceID = slice.ID
			if x.deps.Hooks != nil {
				if err := x.deps.Hooks.CommitFill(tx, req.OrderID, *fill); err != nil {
					legErrs = append(legErrs, err)
					continue
				}
			}
			x.run.applyFill(*fill)
			fills = append(fills, *fill)
		}
		if len(fills) == 0 {
			if len(legErrs) > 0 {
				return fmt.Errorf("%w: %v", domain.ErrSliceFailed, errors.Join(legErrs...))
			}
			return domain.NewError(domain.CodeSliceFailed, "executeSlice", "no venue filled %s", qty)
		}

		filledFills := fills
		tx.After(func() { x.afterFill(ctx, slice, filledFills) })
		return nil
	})
	if err != nil {
		return fail(err)
	}

	filled := decimal.Zero
	for _, f := range fills {
		filled = filled.Add(f.Quantity)
	}
	slice.FilledQty = filled
	slice.FillPrice = domain.VWAP(fills)
	slice.Status = domain.SliceFilled
	x.run.recordSlice(slice)
	return filled, nil
}

func (x *execution) afterFill(ctx context.Context, slice domain.ChildSlice, fills []domain.Fill) {
	for _, f := range fills {
		var bps float64
		if x.deps.Recorder != nil {
			exec := domain.Execution{OrderID: slice.ID, Quantity: f.Quantity, Price: f.Price, Venue: f.Venue, Timestamp: f.Timestamp}
			rec, err := x.deps.Recorder.RecordExecution(context.WithoutCancel(ctx), exec)
			if err != nil {
				x.logger.Debug("execution not recorded", zap.String("slice", slice.ID), zap.Error(err))
			} else {
				bps = rec.SlippageBps
			}
		}
		x.publish(domain.Event{
			Type:        domain.EventSliceReleased,
			OrderID:     slice.ParentID,
			Symbol:      slice.Symbol,
			Price:       f.Price,
			Quantity:    f.Quantity,
			SlippageBps: bps,
			Message:     f.Venue,
			Data:        slice.ID,
		})
	}
}

// Package engine wires the execution components into one closed loop:
// triggered parent orders are dispatched to the scheduler, slices are priced
// by the predictor and placed through the router, realized fills are scored
// by the monitor, and the monitor recalibrates the predictor.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/ports"
	"github.com/victoralfred/execution-engine/internal/core/services/algo"
	"github.com/victoralfred/execution-engine/internal/core/services/marketdata"
	"github.com/victoralfred/execution-engine/internal/core/services/monitor"
	"github.com/victoralfred/execution-engine/internal/core/services/orders"
	"github.com/victoralfred/execution-engine/internal/core/services/routing"
	"github.com/victoralfred/execution-engine/internal/core/services/sequencer"
	"github.com/victoralfred/execution-engine/internal/core/services/slippage"
	"github.com/victoralfred/execution-engine/internal/events"
	"github.com/victoralfred/execution-engine/pkg/clock"
	"go.uber.org/zap"
)

// Config groups the configuration of every component
type Config struct {
	BookMaxAge   time.Duration    `mapstructure:"book_max_age"`
	VolumeWindow int              `mapstructure:"volume_window"`
	Sequencer    sequencer.Config `mapstructure:"sequencer"`
	Events       events.Config    `mapstructure:"events"`
	Predictor    slippage.Config  `mapstructure:"predictor"`
	Router       routing.Config   `mapstructure:"router"`
	Scheduler    algo.Config      `mapstructure:"scheduler"`
	Orders       orders.Config    `mapstructure:"orders"`
	Monitor      monitor.Config   `mapstructure:"monitor"`
}

// DefaultConfig returns reasonable default configuration
func DefaultConfig() Config {
	return Config{
		BookMaxAge:   5 * time.Second,
		VolumeWindow: 4096,
		Sequencer:    sequencer.DefaultConfig(),
		Events:       events.DefaultConfig(),
		Predictor:    slippage.DefaultConfig(),
		Router:       routing.DefaultConfig(),
		Scheduler:    algo.DefaultConfig(),
		Orders:       orders.DefaultConfig(),
		Monitor:      monitor.DefaultConfig(),
	}
}

// GatewayFactory builds the venue gateway once the book cache and the venue
// registry exist
type GatewayFactory func(books ports.BookSource, venues *routing.Router) ports.VenueGateway

// Engine is the facade over the execution components
type Engine struct {
	config Config
	clock  clock.Clock
	logger *zap.Logger

	bus       *events.Bus
	seq       *sequencer.Sequencer
	books     *marketdata.BookCache
	volume    *marketdata.VolumeTracker
	predictor *slippage.Predictor
	router    *routing.Router
	monitor   *monitor.Monitor
	orders    *orders.Manager
	scheduler *algo.Scheduler

	subs []*events.Subscription
}

// New builds every component and wires them together. A nil clock means
// the system clock.
func New(config Config, newGateway GatewayFactory, clk clock.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	e := &Engine{config: config, clock: clk, logger: logger.Named("engine")}

	e.bus = events.NewBus(config.Events, logger)
	e.seq = sequencer.New(config.Sequencer, logger)
	e.books = marketdata.NewBookCache(clk, config.BookMaxAge)
	e.volume = marketdata.NewVolumeTracker(config.VolumeWindow)
	e.predictor = slippage.NewPredictor(config.Predictor, e.books, clk, logger)
	e.router = routing.NewRouter(config.Router, e.predictor, e.bus, logger)
	e.monitor = monitor.NewMonitor(config.Monitor, e.bus, e.predictor, clk, logger)
	e.orders = orders.NewManager(config.Orders, e.seq, e.bus, clk, logger)
	e.scheduler = algo.NewScheduler(config.Scheduler, algo.Dependencies{
		Sequencer: e.seq,
		Predictor: e.predictor,
		Router:    e.router,
		Gateway:   newGateway(e.books, e.router),
		Volume:    e.volume,
		Recorder:  e.monitor,
		Publisher: e.bus,
		Hooks:     (*hooks)(e),
		Clock:     clk,
	}, logger)
	e.orders.SetDispatcher((*dispatcher)(e))

	// closing a parent order stops the runs working it
	e.subs = append(e.subs, e.bus.Subscribe(func(ctx context.Context, ev domain.Event) error {
		if n := e.scheduler.CancelOrder(ctx, ev.OrderID); n > 0 {
			e.logger.Info("runs cancelled", zap.String("order", ev.OrderID), zap.Int("runs", n))
		}
		return nil
	}, domain.EventOrderCancelled, domain.EventOrderExpired, domain.EventOrderRejected))

	return e
}

// Bus exposes the event channel
func (e *Engine) Bus() *events.Bus { return e.bus }

// Router exposes the venue registry
func (e *Engine) Router() *routing.Router { return e.router }

// Predictor exposes the slippage predictor
func (e *Engine) Predictor() *slippage.Predictor { return e.predictor }

// Monitor exposes the slippage monitor
func (e *Engine) Monitor() *monitor.Monitor { return e.monitor }

// Orders exposes the conditional order manager
func (e *Engine) Orders() *orders.Manager { return e.orders }

// Clock returns the clock every component reads
func (e *Engine) Clock() clock.Clock { return e.clock }

// Scheduler exposes the algorithmic scheduler
func (e *Engine) Scheduler() *algo.Scheduler { return e.scheduler }

// UpdateOrderBook replaces the cached book of snap.Symbol
func (e *Engine) UpdateOrderBook(snap *domain.OrderBookSnapshot) error {
	return e.predictor.UpdateOrderBook(snap)
}

// UpdateMarketPrice records a trade print and evaluates conditional orders.
// A zero volume only moves the price.
func (e *Engine) UpdateMarketPrice(ctx context.Context, symbol string, price, volume decimal.Decimal) ([]string, error) {
	if volume.IsNegative() {
		return nil, domain.Validation("UpdateMarketPrice", "volume %s must not be negative", volume)
	}
	if price.IsPositive() && volume.IsPositive() {
		e.volume.Record(symbol, marketdata.Trade{Price: price, Volume: volume, Timestamp: e.clock.Now()})
	}
	return e.orders.UpdateMarketPrice(ctx, symbol, price)
}

// RegisterVenue adds or replaces a venue
func (e *Engine) RegisterVenue(profile domain.VenueProfile) error {
	return e.router.RegisterVenue(profile)
}

// UpdateVenueLiquidity applies a liquidity feed update
func (e *Engine) UpdateVenueLiquidity(venueID, symbol string, liquidity decimal.Decimal) error {
	return e.router.UpdateVenueLiquidity(venueID, symbol, liquidity)
}

// SubmitAlgorithmicOrder runs req outside the conditional order book and
// waits for it to finish
func (e *Engine) SubmitAlgorithmicOrder(ctx context.Context, req algo.Request) (*algo.Result, error) {
	return e.scheduler.SubmitOrder(ctx, req)
}

// StartAlgorithmicOrder runs req in the background
func (e *Engine) StartAlgorithmicOrder(ctx context.Context, req algo.Request) (*algo.Run, error) {
	return e.scheduler.Start(ctx, req)
}

// CancelOrder cancels a parent order; its runs stop through the bus
func (e *Engine) CancelOrder(ctx context.Context, id string) (*domain.ParentOrder, error) {
	return e.orders.CancelOrder(ctx, id)
}

// ForwardTo streams events of the given types, or all events, to sink
func (e *Engine) ForwardTo(sink ports.EventSink, types ...domain.EventType) *events.Subscription {
	sub := e.bus.Subscribe(func(ctx context.Context, ev domain.Event) error {
		return sink.Send(ctx, ev)
	}, types...)
	e.subs = append(e.subs, sub)
	return sub
}

// Close stops the runs, the lanes and the bus in that order
func (e *Engine) Close() {
	e.scheduler.Close()
	e.seq.Close()
	for _, s := range e.subs {
		s.Unsubscribe()
	}
	e.bus.Close()
	e.logger.Info("engine stopped")
}

// dispatcher starts a run for each triggered parent order
type dispatcher Engine

func (d *dispatcher) Dispatch(ctx context.Context, order *domain.ParentOrder, qty decimal.Decimal) {
	e := (*Engine)(d)
	spec := domain.AlgoSpec{Type: domain.AlgoImmediate}
	if order.Execution != nil && order.Kind != domain.KindIceberg {
		spec = *order.Execution.Clone()
	}
	run, err := e.scheduler.Start(ctx, algo.Request{
		OrderID:  order.ID,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Quantity: qty,
		Algo:     spec,
	})
	if err != nil {
		e.logger.Warn("dispatch failed", zap.String("order", order.ID), zap.Error(err))
		if _, rerr := e.orders.RejectOrder(ctx, order.ID, err.Error()); rerr != nil {
			e.logger.Debug("reject skipped", zap.String("order", order.ID), zap.Error(rerr))
		}
		return
	}
	if err := e.orders.AttachRun(ctx, order.ID, run.ID()); err != nil {
		e.logger.Debug("run not attached", zap.String("order", order.ID), zap.Error(err))
	}
}

// hooks bind runs to the parent orders they execute. Runs started directly
// through the scheduler carry ids the manager does not know and are not
// constrained.
type hooks Engine

func standalone(err error) bool {
	return domain.CodeOf(err) == domain.CodeOrderNotFound
}

func (h *hooks) CheckLive(tx *sequencer.Tx, orderID string) error {
	if err := h.orders.CheckLive(tx, orderID); err != nil && !standalone(err) {
		return err
	}
	return nil
}

func (h *hooks) CommitFill(tx *sequencer.Tx, orderID string, fill domain.Fill) error {
	if err := h.orders.ApplyFillTx(tx, orderID, fill); err != nil && !standalone(err) {
		return err
	}
	return nil
}

// RunFinished settles the parent order once its run stops with quantity left
func (h *hooks) RunFinished(res *algo.Result) {
	ctx := context.Background()
	var err error
	switch res.Status {
	case algo.RunFailed:
		_, err = h.orders.RejectOrder(ctx, res.OrderID, res.Error)
	case algo.RunExpired:
		var o *domain.ParentOrder
		if o, err = h.orders.GetOrder(res.OrderID); err != nil {
			break
		}
		if o.Kind == domain.KindIceberg {
			err = h.orders.RefreshSlice(ctx, res.OrderID)
			break
		}
		_, err = h.orders.ExpireOrder(ctx, res.OrderID, "execution window ended with "+res.RemainingQuantity.String()+" unfilled")
	default:
		return
	}
	if err != nil && !standalone(err) && !errors.Is(err, domain.ErrInvalidStateTransition) {
		h.logger.Warn("parent order not settled", zap.String("order", res.OrderID), zap.Error(err))
	}
}

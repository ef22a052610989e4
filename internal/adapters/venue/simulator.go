// Package venue provides a simulated venue gateway. Fills are priced by
// walking the consolidated order book and capped by the liquidity the venue
// currently advertises.
package venue

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/ports"
	"github.com/victoralfred/execution-engine/pkg/clock"
	"go.uber.org/zap"
)

var bps = decimal.NewFromInt(10000)

// Config contains configuration for the simulator. Seed drives reliability
// failures, so runs with the same seed fail the same way. With
// UseReliability a venue rejects a placement with probability 1-Reliability.
type Config struct {
	Seed            int64 `mapstructure:"seed"`
	SimulateLatency bool  `mapstructure:"simulate_latency"`
	UseReliability  bool  `mapstructure:"use_reliability"`
}

// DefaultConfig returns reasonable default configuration
func DefaultConfig() Config {
	return Config{
		Seed:            1,
		SimulateLatency: false,
		UseReliability:  true,
	}
}

// Venues is the venue registry the simulator reads and depletes
type Venues interface {
	ports.LiquiditySource
	ConsumeLiquidity(venueID, symbol string, quantity decimal.Decimal)
}

// Stats counts simulator outcomes
type Stats struct {
	Placements uint64 `json:"placements"`
	Fills      uint64 `json:"fills"`
	Rejections uint64 `json:"rejections"`
}

// Simulator implements ports.VenueGateway without any external venue
type Simulator struct {
	config Config
	books  ports.BookSource
	venues Venues
	clock  clock.Clock
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	placements atomic.Uint64
	fills      atomic.Uint64
	rejections atomic.Uint64
}

// NewSimulator creates a simulator over books and venues
func NewSimulator(config Config, books ports.BookSource, venues Venues, clk clock.Clock, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Simulator{
		config: config,
		books:  books,
		venues: venues,
		clock:  clk,
		logger: logger.Named("venue-simulator"),
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// Execute fills up to quantity of slice on venueID. The fill may be smaller
// than requested when the venue or the book runs out; a zero fill is not an
// error.
func (s *Simulator) Execute(ctx context.Context, venueID string, slice *domain.ChildSlice, quantity decimal.Decimal) (*domain.Fill, error) {
	const op = "Simulator.Execute"
	if slice == nil || !quantity.IsPositive() {
		return nil, domain.Validation(op, "slice and a positive quantity are required")
	}
	s.placements.Add(1)

	v, err := s.venues.Venue(venueID)
	if err != nil {
		return nil, err
	}
	if !v.Available {
		s.rejections.Add(1)
		return nil, domain.NewError(domain.CodeSliceFailed, op, "venue %s is unavailable", venueID)
	}
	if s.config.UseReliability && s.draw() > v.Reliability {
		s.rejections.Add(1)
		s.logger.Debug("placement rejected", zap.String("venue", venueID), zap.String("slice", slice.ID))
		return nil, domain.NewError(domain.CodeSliceFailed, op, "venue %s rejected the placement", venueID)
	}
	if s.config.SimulateLatency && v.Latency > 0 {
		if err := s.clock.Sleep(ctx, v.Latency); err != nil {
			return nil, err
		}
	}

	snap, ok := s.books.Snapshot(slice.Symbol)
	if !ok {
		return nil, domain.NewError(domain.CodeNoOrderBook, op, "no order book for %s", slice.Symbol)
	}
	available, err := s.venues.VenueLiquidity(venueID, slice.Symbol)
	if err != nil {
		return nil, err
	}
	if quantity.GreaterThan(available) {
		quantity = available
	}

	levels := snap.Asks
	if slice.Side == domain.SideSell {
		levels = snap.Bids
	}
	filled, notional := walk(levels, quantity)

	fill := &domain.Fill{
		ID:        uuid.NewString(),
		OrderID:   slice.ParentID,
		SliceID:   slice.ID,
		Venue:     venueID,
		Symbol:    slice.Symbol,
		Side:      slice.Side,
		Quantity:  filled,
		Timestamp: s.clock.Now(),
	}
	if filled.IsZero() {
		return fill, nil
	}
	fill.Price = notional.Div(filled)
	fill.Fee = notional.Mul(decimal.NewFromFloat(v.Fees.TakerBps)).Div(bps).Add(v.Fees.Fixed)
	s.venues.ConsumeLiquidity(venueID, slice.Symbol, filled)
	s.fills.Add(1)

	s.logger.Debug("slice filled",
		zap.String("venue", venueID),
		zap.String("slice", slice.ID),
		zap.String("quantity", filled.String()),
		zap.String("price", fill.Price.String()),
		zap.Duration("latency", v.Latency))
	return fill, nil
}

// Stats returns the outcome counters
func (s *Simulator) Stats() Stats {
	return Stats{
		Placements: s.placements.Load(),
		Fills:      s.fills.Load(),
		Rejections: s.rejections.Load(),
	}
}

func (s *Simulator) draw() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// walk consumes levels best first and returns the filled quantity and its notional
func walk(levels []domain.PriceLevel, quantity decimal.Decimal) (filled, notional decimal.Decimal) {
	left := quantity
	for _, l := range levels {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(left, l.Size)
		filled = filled.Add(take)
		notional = notional.Add(take.Mul(l.Price))
		left = left.Sub(take)
	}
	return filled, notional
}


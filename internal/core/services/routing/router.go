// Package routing implements the smart router: venue scoring, liquidity
// splitting and execution route bookkeeping.
package routing

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/ports"
	"go.uber.org/zap"
)

// Config contains configuration for the router
type Config struct {
	Mode                   domain.CostMode `mapstructure:"mode"`
	MaxVenueFraction       float64         `mapstructure:"max_venue_fraction"`
	MaxVenues              int             `mapstructure:"max_venues"`
	LatencyPenaltyBpsPerMs float64         `mapstructure:"latency_penalty_bps_per_ms"`
	ReliabilityPenaltyBps  float64         `mapstructure:"reliability_penalty_bps"`
	MinReliability         float64         `mapstructure:"min_reliability"`
	QuantityPrecision      int32           `mapstructure:"quantity_precision"`
	RouteRetention         int             `mapstructure:"route_retention"`
}

// DefaultConfig returns reasonable default configuration
func DefaultConfig() Config {
	return Config{
		Mode:                   domain.CostModeBalanced,
		MaxVenueFraction:       0.5, // never take more than half a venue's book
		MaxVenues:              3,
		LatencyPenaltyBpsPerMs: 0.02,
		ReliabilityPenaltyBps:  50,
		MinReliability:         0.5,
		QuantityPrecision:      8,
		RouteRetention:         1000,
	}
}

// weights scale each score component for a cost mode
type weights struct {
	fee, slippage, latency, reliability float64
}

var modeWeights = map[domain.CostMode]weights{
	domain.CostModeBalanced:     {fee: 1, slippage: 1, latency: 1, reliability: 1},
	domain.CostModeAggressive:   {fee: 1.5, slippage: 1.5, latency: 0.5, reliability: 0.5},
	domain.CostModeConservative: {fee: 0.75, slippage: 0.75, latency: 1.5, reliability: 2},
}

// VenueEstimator prices a quantity against one venue's liquidity
type VenueEstimator interface {
	EstimateForVenue(symbol string, side domain.Side, quantity, venueLiquidity decimal.Decimal) (*domain.SlippageEstimate, error)
}

// Router chooses venues for a quantity
type Router struct {
	config    Config
	estimator VenueEstimator
	publisher ports.EventPublisher
	logger    *zap.Logger

	mu     sync.RWMutex
	venues map[string]*domain.VenueProfile
	mode   domain.CostMode

	routesMu   sync.RWMutex
	routes     map[string]*domain.ExecutionRoute
	routeOrder []string
}

// NewRouter creates a router. A nil publisher disables route events.
func NewRouter(config Config, estimator VenueEstimator, publisher ports.EventPublisher, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxVenues < 1 {
		config.MaxVenues = 1
	}
	if config.MaxVenueFraction <= 0 || config.MaxVenueFraction > 1 {
		config.MaxVenueFraction = 1
	}
	if config.RouteRetention < 1 {
		config.RouteRetention = DefaultConfig().RouteRetention
	}
	if _, ok := modeWeights[config.Mode]; !ok {
		config.Mode = domain.CostModeBalanced
	}
	return &Router{
		config:    config,
		estimator: estimator,
		publisher: publisher,
		logger:    logger.Named("router"),
		venues:    make(map[string]*domain.VenueProfile),
		mode:      config.Mode,
		routes:    make(map[string]*domain.ExecutionRoute),
	}
}

// RegisterVenue adds or replaces a venue
func (r *Router) RegisterVenue(profile domain.VenueProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	v := profile.Clone()
	v.Available = v.Reliability >= r.config.MinReliability
	v.UpdatedAt = time.Now()
	for sym := range v.Liquidity {
		if !v.Supports(sym) {
			v.Symbols = append(v.Symbols, sym)
		}
	}

	r.mu.Lock()
	r.venues[v.ID] = v
	r.mu.Unlock()

	r.logger.Info("venue registered",
		zap.String("venue", v.ID),
		zap.Strings("symbols", v.Symbols),
		zap.Float64("reliability", v.Reliability),
		zap.Bool("available", v.Available))
	return nil
}

// UpdateVenueLiquidity refreshes a venue's live liquidity for symbol
func (r *Router) UpdateVenueLiquidity(venueID, symbol string, liquidity decimal.Decimal) error {
	const op = "Router.UpdateVenueLiquidity"
	if liquidity.IsNegative() {
		return domain.Validation(op, "liquidity must be non-negative")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.venues[venueID]
	if !ok {
		return domain.NewError(domain.CodeVenueNotFound, op, "venue %s not registered", venueID)
	}
	if !v.Supports(symbol) {
		return domain.Validation(op, "venue %s does not list %s", venueID, symbol)
	}
	v.Liquidity[symbol] = liquidity
	v.UpdatedAt = time.Now()
	return nil
}

// ConsumeLiquidity subtracts filled quantity from a venue's live liquidity
func (r *Router) ConsumeLiquidity(venueID, symbol string, quantity decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.venues[venueID]; ok {
		left := v.LiquidityFor(symbol).Sub(quantity)
		if left.IsNegative() {
			left = decimal.Zero
		}
		v.Liquidity[symbol] = left
	}
}

// SetVenueAvailability marks a venue in or out of rotation
func (r *Router) SetVenueAvailability(venueID string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.venues[venueID]
	if !ok {
		return domain.NewError(domain.CodeVenueNotFound, "Router.SetVenueAvailability", "venue %s not registered", venueID)
	}
	v.Available = available
	return nil
}

// SetMode switches the cost optimization mode
func (r *Router) SetMode(mode domain.CostMode) error {
	if _, ok := modeWeights[mode]; !ok {
		return domain.Validation("Router.SetMode", "unknown cost mode %d", mode)
	}
	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()
	return nil
}

// Mode returns the active cost mode
func (r *Router) Mode() domain.CostMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// Venue returns a copy of a registered venue
func (r *Router) Venue(venueID string) (*domain.VenueProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[venueID]
	if !ok {
		return nil, domain.NewError(domain.CodeVenueNotFound, "Router.Venue", "venue %s not registered", venueID)
	}
	return v.Clone(), nil
}

// Venues returns copies of every registered venue sorted by id
func (r *Router) Venues() []*domain.VenueProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.VenueProfile, 0, len(r.venues))
	for _, v := range r.venues {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VenueLiquidity returns a venue's live liquidity for symbol
func (r *Router) VenueLiquidity(venueID, symbol string) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[venueID]
	if !ok {
		return decimal.Zero, domain.NewError(domain.CodeVenueNotFound, "Router.VenueLiquidity", "venue %s not registered", venueID)
	}
	return v.LiquidityFor(symbol), nil
}

type candidate struct {
	venue     *domain.VenueProfile
	liquidity decimal.Decimal
	score     domain.VenueScore
}

// RouteOrder scores every eligible venue and splits quantity when it exceeds
// MaxVenueFraction of the best venue's liquidity. When the eligible venues
// cannot absorb quantity within their fraction bounds it returns a deferred
// decision together with ErrInsufficientLiquidity.
func (r *Router) RouteOrder(symbol string, side domain.Side, quantity decimal.Decimal, urgency float64) (*domain.RoutingDecision, error) {
	const op = "Router.RouteOrder"
	if symbol == "" || !side.Valid() {
		return nil, domain.Validation(op, "symbol and side are required")
	}
	if !quantity.IsPositive() {
		return nil, domain.Validation(op, "quantity %s must be positive", quantity)
	}
	if urgency < 0 || urgency > 1 || math.IsNaN(urgency) {
		return nil, domain.Validation(op, "urgency %.3f outside [0, 1]", urgency)
	}

	r.mu.RLock()
	mode := r.mode
	var eligible []*domain.VenueProfile
	listed := 0
	for _, v := range r.venues {
		if !v.Supports(symbol) {
			continue
		}
		listed++
		if v.Available && v.Reliability >= r.config.MinReliability && v.LiquidityFor(symbol).IsPositive() {
			eligible = append(eligible, v.Clone())
		}
	}
	r.mu.RUnlock()

	decision := &domain.RoutingDecision{Symbol: symbol, Side: side, Quantity: quantity, Mode: mode}
	if listed == 0 {
		return nil, domain.NewError(domain.CodeVenueNotFound, op, "no venue lists %s", symbol)
	}
	if len(eligible) == 0 {
		decision.Deferred = true
		return decision, domain.NewError(domain.CodeInsufficientLiquidity, op, "no venue has liquidity for %s", symbol)
	}

	w := modeWeights[mode]
	cands := make([]candidate, 0, len(eligible))
	for _, v := range eligible {
		liq := v.LiquidityFor(symbol)
		score, err := r.score(v, symbol, side, quantity, liq, urgency, w)
		if err != nil {
			return nil, err
		}
		cands = append(cands, candidate{venue: v, liquidity: liq, score: score})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score.Total == cands[j].score.Total {
			return cands[i].venue.ID < cands[j].venue.ID
		}
		return cands[i].score.Total < cands[j].score.Total
	})
	for _, c := range cands {
		decision.Scores = append(decision.Scores, c.score)
	}
	decision.PrimaryVenue = cands[0].venue.ID

	alloc, ok := r.allocate(cands, quantity)
	if !ok {
		decision.Deferred = true
		r.logger.Warn("insufficient venue liquidity",
			zap.String("symbol", symbol),
			zap.String("quantity", quantity.String()),
			zap.Int("venues", len(cands)))
		return decision, domain.NewError(domain.CodeInsufficientLiquidity, op,
			"%s %s exceeds capacity of %d venue(s)", quantity, symbol, min(len(cands), r.config.MaxVenues)).
			WithDetail("quantity", quantity.String())
	}

	decision.SplitRatio = make(map[string]float64, len(alloc))
	sum := 0.0
	for i, a := range alloc {
		ratio := a.qty.Div(quantity).InexactFloat64()
		if i == len(alloc)-1 {
			ratio = 1 - sum
		}
		sum += ratio
		decision.SplitRatio[a.c.venue.ID] = ratio
		decision.VenueOrder = append(decision.VenueOrder, a.c.venue.ID)
		if a.c.venue.Latency > decision.EstimatedLatency {
			decision.EstimatedLatency = a.c.venue.Latency
		}

		score := a.c.score
		if len(alloc) > 1 {
			rescored, err := r.score(a.c.venue, symbol, side, a.qty, a.c.liquidity, urgency, w)
			if err != nil {
				return nil, err
			}
			score = rescored
		}
		decision.EstimatedCostBps += ratio * score.Total
	}
	return decision, nil
}

type allocation struct {
	c   candidate
	qty decimal.Decimal
}

// allocate fills the best venue up to its fraction and spreads the remainder
// over the next-best venues in proportion to their liquidity.
func (r *Router) allocate(cands []candidate, quantity decimal.Decimal) ([]allocation, bool) {
	fraction := decimal.NewFromFloat(r.config.MaxVenueFraction)
	best := cands[0]
	bestCap := best.liquidity.Mul(fraction)
	if quantity.LessThanOrEqual(bestCap) {
		return []allocation{{c: best, qty: quantity}}, true
	}

	n := min(len(cands), r.config.MaxVenues)
	others := cands[1:n]
	remainder := quantity.Sub(bestCap)
	otherLiq := decimal.Zero
	for _, c := range others {
		otherLiq = otherLiq.Add(c.liquidity)
	}
	if remainder.GreaterThan(otherLiq.Mul(fraction)) {
		return nil, false
	}

	out := []allocation{{c: best, qty: bestCap}}
	assigned := bestCap
	for i, c := range others {
		var qty decimal.Decimal
		if i == len(others)-1 {
			qty = quantity.Sub(assigned)
		} else {
			qty = remainder.Mul(c.liquidity).Div(otherLiq).Truncate(r.config.QuantityPrecision)
		}
		if !qty.IsPositive() {
			continue
		}
		assigned = assigned.Add(qty)
		out = append(out, allocation{c: c, qty: qty})
	}
	return out, true
}

func (r *Router) score(v *domain.VenueProfile, symbol string, side domain.Side, quantity, liquidity decimal.Decimal, urgency float64, w weights) (domain.VenueScore, error) {
	est, err := r.estimator.EstimateForVenue(symbol, side, quantity, liquidity)
	if err != nil {
		return domain.VenueScore{}, err
	}

	feeBps := v.Fees.TakerBps
	notional := quantity.Mul(est.MidPrice)
	if v.Fees.Fixed.IsPositive() && notional.IsPositive() {
		feeBps += v.Fees.Fixed.Div(notional).InexactFloat64() * 10000
	}
	latencyMs := float64(v.Latency) / float64(time.Millisecond)

	s := domain.VenueScore{
		VenueID:     v.ID,
		FeeBps:      feeBps,
		SlippageBps: est.ExpectedSlippagePct * 100,
		LatencyBps:  latencyMs * r.config.LatencyPenaltyBpsPerMs * (0.5 + urgency),
		Reliability: (1 - v.Reliability) * r.config.ReliabilityPenaltyBps,
	}
	s.Total = w.fee*s.FeeBps + w.slippage*s.SlippageBps + w.latency*s.LatencyBps + w.reliability*s.Reliability
	return s, nil
}

// CreateRoute turns a decision into per-venue legs. The last leg absorbs
// rounding so leg quantities always sum to quantity.
func (r *Router) CreateRoute(ctx context.Context, orderID, symbol string, side domain.Side, quantity decimal.Decimal, decision *domain.RoutingDecision) (*domain.ExecutionRoute, error) {
	const op = "Router.CreateRoute"
	if orderID == "" {
		return nil, domain.Validation(op, "order id is required")
	}
	if decision == nil || decision.Deferred || len(decision.VenueOrder) == 0 {
		return nil, domain.NewError(domain.CodeInsufficientLiquidity, op, "decision for %s is deferred", orderID)
	}
	if decision.Symbol != symbol || decision.Side != side {
		return nil, domain.Validation(op, "decision is for %s %s, not %s %s", decision.Side, decision.Symbol, side, symbol)
	}
	if !quantity.IsPositive() {
		return nil, domain.Validation(op, "quantity %s must be positive", quantity)
	}
	sum := 0.0
	for _, ratio := range decision.SplitRatio {
		sum += ratio
	}
	if math.IsNaN(sum) || math.Abs(sum-1) > 1e-6 {
		return nil, domain.Validation(op, "split ratios sum to %.8f", sum)
	}

	route := &domain.ExecutionRoute{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Decision:  *decision,
		Status:    domain.RouteOpen,
		CreatedAt: time.Now(),
	}
	assigned := decimal.Zero
	for i, venueID := range decision.VenueOrder {
		ratio := decision.SplitRatio[venueID]
		var qty decimal.Decimal
		if i == len(decision.VenueOrder)-1 {
			qty = quantity.Sub(assigned)
		} else {
			qty = quantity.Mul(decimal.NewFromFloat(ratio)).Truncate(r.config.QuantityPrecision)
		}
		if !qty.IsPositive() {
			continue
		}
		assigned = assigned.Add(qty)
		route.Legs = append(route.Legs, domain.RouteLeg{VenueID: venueID, Quantity: qty, Ratio: ratio})
	}

	r.routesMu.Lock()
	r.routes[route.ID] = route
	r.routeOrder = append(r.routeOrder, route.ID)
	for len(r.routeOrder) > r.config.RouteRetention {
		delete(r.routes, r.routeOrder[0])
		r.routeOrder = r.routeOrder[1:]
	}
	r.routesMu.Unlock()

	if r.publisher != nil {
		ev := domain.Event{
			Type:     domain.EventRouteCreated,
			OrderID:  orderID,
			Symbol:   symbol,
			Quantity: quantity,
			Message:  decision.PrimaryVenue,
			Data:     route.Legs,
		}
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.logger.Warn("route event not published", zap.String("route", route.ID), zap.Error(err))
		}
	}
	return route, nil
}

// GetRoute returns a copy of a retained route
func (r *Router) GetRoute(routeID string) (*domain.ExecutionRoute, bool) {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()
	route, ok := r.routes[routeID]
	if !ok {
		return nil, false
	}
	c := *route
	c.Legs = append([]domain.RouteLeg(nil), route.Legs...)
	return &c, true
}

// CompleteRoute marks a route as finished
func (r *Router) CompleteRoute(routeID string) error {
	r.routesMu.Lock()
	defer r.routesMu.Unlock()
	route, ok := r.routes[routeID]
	if !ok {
		return domain.NewError(domain.CodeOrderNotFound, "Router.CompleteRoute", "route %s not found", routeID)
	}
	route.Status = domain.RouteCompleted
	return nil
}

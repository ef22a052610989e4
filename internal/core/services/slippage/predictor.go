// Package slippage implements the slippage predictor: a book-walk cost model
// corrected by a per-symbol calibration factor learned from realized fills.
package slippage

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/pkg/clock"
	"github.com/victoralfred/execution-engine/pkg/ring"
	"go.uber.org/zap"
)

// Config contains configuration for the predictor
type Config struct {
	AcceptableSlippagePct float64         `mapstructure:"acceptable_slippage_pct"`
	CalibrationAlpha      float64         `mapstructure:"calibration_alpha"`
	MinCalibrationRatio   float64         `mapstructure:"min_calibration_ratio"`
	MaxCalibrationRatio   float64         `mapstructure:"max_calibration_ratio"`
	MinSamples            int             `mapstructure:"min_samples"`
	MinConfidence         float64         `mapstructure:"min_confidence"`
	StalePenalty          float64         `mapstructure:"stale_penalty"`
	ImpactCoefficient     float64         `mapstructure:"impact_coefficient"`
	HistorySize           int             `mapstructure:"history_size"`
	LotSize               decimal.Decimal `mapstructure:"lot_size"`
}

// DefaultConfig returns reasonable default configuration
func DefaultConfig() Config {
	return Config{
		AcceptableSlippagePct: 0.5,  // 50 bps
		CalibrationAlpha:      0.1,  // EW weight of the newest ratio
		MinCalibrationRatio:   0.25, // clamp for a single observation
		MaxCalibrationRatio:   4.0,
		MinSamples:            20,
		MinConfidence:         0.5,
		StalePenalty:          0.5,
		ImpactCoefficient:     0.01,
		HistorySize:           1000,
		LotSize:               decimal.NewFromInt(1),
	}
}

// BookStore is the order book cache the predictor reads and updates
type BookStore interface {
	Update(snap *domain.OrderBookSnapshot) bool
	Fresh(symbol string) (*domain.OrderBookSnapshot, bool, error)
}

type calibration struct {
	factor    float64
	samples   int
	refVolume decimal.Decimal
	history   *ring.Ring[domain.SlippageRecord]
}

// Stats reports predictor counters
type Stats struct {
	Estimations uint64 `json:"estimations"`
	StaleReads  uint64 `json:"stale_reads"`
	Records     uint64 `json:"records"`
	Symbols     int    `json:"symbols"`
}

var one = decimal.NewFromInt(1)

// Predictor estimates execution cost against the cached book
type Predictor struct {
	config Config
	books  BookStore
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.RWMutex
	states map[string]*calibration

	estimations atomic.Uint64
	staleReads  atomic.Uint64
	records     atomic.Uint64
}

// NewPredictor creates a predictor over books. A nil logger disables logging.
func NewPredictor(config Config, books BookStore, clk clock.Clock, logger *zap.Logger) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if !config.LotSize.IsPositive() {
		config.LotSize = decimal.NewFromInt(1)
	}
	if config.HistorySize < 1 {
		config.HistorySize = DefaultConfig().HistorySize
	}
	return &Predictor{
		config: config,
		books:  books,
		clock:  clk,
		logger: logger.Named("slippage"),
		states: make(map[string]*calibration),
	}
}

// UpdateOrderBook replaces the cached snapshot for the snapshot's symbol
func (p *Predictor) UpdateOrderBook(snap *domain.OrderBookSnapshot) error {
	if snap == nil {
		return domain.Validation("Predictor.UpdateOrderBook", "snapshot is nil")
	}
	if !p.books.Update(snap) {
		p.logger.Debug("out-of-order snapshot ignored",
			zap.String("symbol", snap.Symbol),
			zap.Time("timestamp", snap.Timestamp))
	}
	return nil
}

// EstimateSlippage walks the aggressing side of the book for quantity.
// ExpectedPrice is the uncalibrated VWAP; ExpectedSlippagePct is the
// calibrated cost versus mid, positive when adverse.
func (p *Predictor) EstimateSlippage(symbol string, side domain.Side, quantity decimal.Decimal) (*domain.SlippageEstimate, error) {
	const op = "Predictor.EstimateSlippage"
	if err := validateRequest(op, symbol, side, quantity); err != nil {
		return nil, err
	}
	snap, fresh, err := p.books.Fresh(symbol)
	if err != nil {
		return nil, err
	}
	return p.estimate(snap, fresh, side, quantity, one), nil
}

// EstimateLargeOrderSlippage adds a square-root market impact term when
// quantity exceeds the visible depth.
func (p *Predictor) EstimateLargeOrderSlippage(symbol string, side domain.Side, quantity decimal.Decimal) (*domain.SlippageEstimate, error) {
	const op = "Predictor.EstimateLargeOrderSlippage"
	if err := validateRequest(op, symbol, side, quantity); err != nil {
		return nil, err
	}
	snap, fresh, err := p.books.Fresh(symbol)
	if err != nil {
		return nil, err
	}
	est := p.estimate(snap, fresh, side, quantity, one)
	p.applyImpact(est, snap.Depth(side), p.referenceVolume(symbol))
	return est, nil
}

// EstimateForVenue prices quantity against the book scaled down to a venue's
// share of liquidity, including impact beyond that share.
func (p *Predictor) EstimateForVenue(symbol string, side domain.Side, quantity, venueLiquidity decimal.Decimal) (*domain.SlippageEstimate, error) {
	const op = "Predictor.EstimateForVenue"
	if err := validateRequest(op, symbol, side, quantity); err != nil {
		return nil, err
	}
	snap, fresh, err := p.books.Fresh(symbol)
	if err != nil {
		return nil, err
	}
	depth := snap.Depth(side)
	scale := one
	if depth.IsPositive() && venueLiquidity.LessThan(depth) {
		scale = venueLiquidity.Div(depth)
	}
	est := p.estimate(snap, fresh, side, quantity, scale)
	visible := depth.Mul(scale)
	p.applyImpact(est, visible, visible)
	return est, nil
}

// CalculateOptimalOrderSize returns the largest multiple of the lot size, up
// to the visible depth, whose calibrated estimate stays at or below targetPct.
func (p *Predictor) CalculateOptimalOrderSize(symbol string, side domain.Side, targetPct float64) (decimal.Decimal, error) {
	const op = "Predictor.CalculateOptimalOrderSize"
	if symbol == "" || !side.Valid() {
		return decimal.Zero, domain.Validation(op, "symbol and side are required")
	}
	if targetPct < 0 || math.IsNaN(targetPct) {
		return decimal.Zero, domain.Validation(op, "target %.4f must be non-negative", targetPct)
	}
	snap, fresh, err := p.books.Fresh(symbol)
	if err != nil {
		return decimal.Zero, err
	}

	lot := p.config.LotSize
	maxLots := snap.Depth(side).Div(lot).Floor().IntPart()
	within := func(lots int64) bool {
		est := p.estimate(snap, fresh, side, lot.Mul(decimal.NewFromInt(lots)), one)
		return est.ExpectedSlippagePct <= targetPct+1e-9
	}

	// estimates are non-decreasing in quantity, so the feasible lots form a prefix
	lo, hi := int64(0), maxLots
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if within(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lot.Mul(decimal.NewFromInt(lo)), nil
}

// RecordSlippage stores a realized execution and updates the calibration
// factor with the realized/predicted ratio measured against the current mid.
func (p *Predictor) RecordSlippage(symbol string, side domain.Side, quantity, expectedPrice, actualPrice decimal.Decimal) error {
	const op = "Predictor.RecordSlippage"
	if err := validateRequest(op, symbol, side, quantity); err != nil {
		return err
	}
	if !expectedPrice.IsPositive() || !actualPrice.IsPositive() {
		return domain.Validation(op, "prices must be positive")
	}

	var mid decimal.Decimal
	if snap, _, err := p.books.Fresh(symbol); err == nil {
		mid = snap.MidPrice
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state(symbol)
	st.history.Push(domain.SlippageRecord{
		Symbol:        symbol,
		Side:          side,
		Quantity:      quantity,
		ExpectedPrice: expectedPrice,
		ActualPrice:   actualPrice,
		SlippageBps:   domain.SlippageBps(expectedPrice, actualPrice),
		Timestamp:     p.clock.Now(),
	})
	st.samples++
	p.records.Add(1)

	if !mid.IsPositive() {
		return nil
	}
	sign := decimal.NewFromFloat(side.Sign())
	predicted := expectedPrice.Sub(mid).Mul(sign).InexactFloat64()
	realized := actualPrice.Sub(mid).Mul(sign).InexactFloat64()
	if predicted <= 1e-12 {
		// nothing to scale when the model predicted no cost
		return nil
	}
	ratio := clamp(realized/predicted, p.config.MinCalibrationRatio, p.config.MaxCalibrationRatio)
	st.factor = (1-p.config.CalibrationAlpha)*st.factor + p.config.CalibrationAlpha*ratio

	p.logger.Debug("calibration updated",
		zap.String("symbol", symbol),
		zap.Float64("ratio", ratio),
		zap.Float64("factor", st.factor),
		zap.Int("samples", st.samples))
	return nil
}

// CalibrationFactor returns the symbol's realized/predicted factor (1 when unknown)
func (p *Predictor) CalibrationFactor(symbol string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if st, ok := p.states[symbol]; ok {
		return st.factor
	}
	return 1
}

// SetReferenceVolume sets the volume the impact term is normalized by
func (p *Predictor) SetReferenceVolume(symbol string, volume decimal.Decimal) error {
	if !volume.IsPositive() {
		return domain.Validation("Predictor.SetReferenceVolume", "reference volume must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state(symbol).refVolume = volume
	return nil
}

// History returns the recorded executions for symbol, oldest first
func (p *Predictor) History(symbol string) []domain.SlippageRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if st, ok := p.states[symbol]; ok {
		return st.history.Slice()
	}
	return nil
}

// Stats returns predictor counters
func (p *Predictor) Stats() Stats {
	p.mu.RLock()
	n := len(p.states)
	p.mu.RUnlock()
	return Stats{
		Estimations: p.estimations.Load(),
		StaleReads:  p.staleReads.Load(),
		Records:     p.records.Load(),
		Symbols:     n,
	}
}

// state must be called with mu held for writing
func (p *Predictor) state(symbol string) *calibration {
	st, ok := p.states[symbol]
	if !ok {
		st = &calibration{factor: 1, history: ring.New[domain.SlippageRecord](p.config.HistorySize)}
		p.states[symbol] = st
	}
	return st
}

func (p *Predictor) calibrationFor(symbol string) (factor float64, samples int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if st, ok := p.states[symbol]; ok {
		return st.factor, st.samples
	}
	return 1, 0
}

func (p *Predictor) referenceVolume(symbol string) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if st, ok := p.states[symbol]; ok {
		return st.refVolume
	}
	return decimal.Zero
}

// estimate walks levels with every size multiplied by scale
func (p *Predictor) estimate(snap *domain.OrderBookSnapshot, fresh bool, side domain.Side, quantity, scale decimal.Decimal) *domain.SlippageEstimate {
	p.estimations.Add(1)
	if !fresh {
		p.staleReads.Add(1)
	}

	w := walkBook(snap.AggressingLevels(side), quantity, scale)
	est := &domain.SlippageEstimate{
		Symbol:          snap.Symbol,
		Side:            side,
		Quantity:        quantity,
		ExpectedPrice:   w.vwap,
		MidPrice:        snap.MidPrice,
		DepthSufficient: w.sufficient,
		LevelsConsumed:  w.levels,
		Stale:           !fresh,
	}
	if snap.MidPrice.IsPositive() && w.vwap.IsPositive() {
		est.RawSlippagePct = w.vwap.Sub(snap.MidPrice).Div(snap.MidPrice).InexactFloat64() * 100 * side.Sign()
	}

	factor, samples := p.calibrationFor(snap.Symbol)
	est.ExpectedSlippagePct = est.RawSlippagePct * factor

	confidence := 0.6
	if p.config.MinSamples > 0 {
		confidence += 0.3 * math.Min(1, float64(samples)/float64(p.config.MinSamples))
	} else {
		confidence += 0.3
	}
	if !w.sufficient {
		confidence *= w.filledFraction
	}
	if !fresh {
		confidence *= p.config.StalePenalty
	}
	est.Confidence = confidence
	est.Recommendation = p.recommend(est)
	return est
}

func (p *Predictor) applyImpact(est *domain.SlippageEstimate, visible, reference decimal.Decimal) {
	if est.Quantity.LessThanOrEqual(visible) {
		return
	}
	if !reference.IsPositive() {
		reference = visible
	}
	if !reference.IsPositive() {
		// no liquidity at all: charge impact as if quantity were the reference
		reference = est.Quantity
	}
	ratio := est.Quantity.Div(reference).InexactFloat64()
	est.ImpactPct = p.config.ImpactCoefficient * math.Sqrt(ratio) * 100
	est.ExpectedSlippagePct += est.ImpactPct
	if est.MidPrice.IsPositive() {
		move := (est.RawSlippagePct + est.ImpactPct) / 100 * est.Side.Sign()
		est.ExpectedPrice = est.MidPrice.Mul(decimal.NewFromFloat(1 + move))
	}
	est.Recommendation = p.recommend(est)
}

func (p *Predictor) recommend(est *domain.SlippageEstimate) domain.Recommendation {
	switch {
	case !est.DepthSufficient, est.Confidence < p.config.MinConfidence:
		return domain.RecommendDefer
	case est.ExpectedSlippagePct <= p.config.AcceptableSlippagePct:
		return domain.RecommendExecute
	default:
		return domain.RecommendSplit
	}
}

type walkResult struct {
	vwap           decimal.Decimal
	levels         int
	sufficient     bool
	filledFraction float64
}

// walkBook consumes levels best-first. Quantity beyond the book is priced at
// the worst visible level.
func walkBook(levels []domain.PriceLevel, quantity, scale decimal.Decimal) walkResult {
	remaining := quantity
	notional := decimal.Zero
	var worst decimal.Decimal
	res := walkResult{}

	for _, lvl := range levels {
		if !remaining.IsPositive() {
			break
		}
		size := lvl.Size.Mul(scale)
		if !size.IsPositive() {
			continue
		}
		take := decimal.Min(size, remaining)
		notional = notional.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
		worst = lvl.Price
		res.levels++
	}

	res.sufficient = !remaining.IsPositive()
	res.filledFraction = 1
	if !res.sufficient {
		res.filledFraction = quantity.Sub(remaining).Div(quantity).InexactFloat64()
		if worst.IsZero() && len(levels) > 0 {
			worst = levels[len(levels)-1].Price
		}
		notional = notional.Add(remaining.Mul(worst))
	}
	if quantity.IsPositive() {
		res.vwap = notional.Div(quantity)
	}
	return res
}

func validateRequest(op, symbol string, side domain.Side, quantity decimal.Decimal) error {
	if symbol == "" {
		return domain.Validation(op, "symbol is required")
	}
	if !side.Valid() {
		return domain.Validation(op, "invalid side %d", side)
	}
	if !quantity.IsPositive() {
		return domain.Validation(op, "quantity %s must be positive", quantity)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

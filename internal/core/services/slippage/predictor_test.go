package slippage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/services/marketdata"
	"github.com/victoralfred/execution-engine/pkg/clock"
)

var t0 = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func level(price, size string) domain.PriceLevel {
	return domain.PriceLevel{Price: d(price), Size: d(size)}
}

// scenarioBook is bids [1995x1000, 1990x1500], asks [2000x1000, 2005x1500]
func scenarioBook(t *testing.T, ts time.Time) *domain.OrderBookSnapshot {
	t.Helper()
	snap, err := domain.NewOrderBookSnapshot("ETH",
		[]domain.PriceLevel{level("1995", "1000"), level("1990", "1500")},
		[]domain.PriceLevel{level("2000", "1000"), level("2005", "1500")},
		ts)
	require.NoError(t, err)
	return snap
}

func setupPredictor(t *testing.T) (*Predictor, *clock.Simulated) {
	t.Helper()
	clk := clock.NewSimulated(t0)
	cache := marketdata.NewBookCache(clk, 5*time.Second)
	p := NewPredictor(DefaultConfig(), cache, clk, nil)
	require.NoError(t, p.UpdateOrderBook(scenarioBook(t, t0)))
	return p, clk
}

func TestEstimateSlippage_TopOfBook(t *testing.T) {
	p, _ := setupPredictor(t)

	est, err := p.EstimateSlippage("ETH", domain.SideBuy, d("500"))
	require.NoError(t, err)

	assert.True(t, est.ExpectedPrice.Equal(d("2000")), "expected price %s", est.ExpectedPrice)
	assert.True(t, est.MidPrice.Equal(d("1997.5")))
	assert.InDelta(t, 0.125, est.ExpectedSlippagePct, 0.001)
	assert.Equal(t, 1, est.LevelsConsumed)
	assert.True(t, est.DepthSufficient)
	assert.False(t, est.Stale)
	assert.Equal(t, domain.RecommendExecute, est.Recommendation)
	assert.InDelta(t, 0.6, est.Confidence, 1e-9)

	sell, err := p.EstimateSlippage("ETH", domain.SideSell, d("500"))
	require.NoError(t, err)
	assert.True(t, sell.ExpectedPrice.Equal(d("1995")))
	assert.InDelta(t, est.ExpectedSlippagePct, sell.ExpectedSlippagePct, 1e-9)
}

func TestEstimateSlippage_WalksLevels(t *testing.T) {
	p, _ := setupPredictor(t)

	est, err := p.EstimateSlippage("ETH", domain.SideBuy, d("2000"))
	require.NoError(t, err)
	// 1000 @ 2000 + 1000 @ 2005
	assert.True(t, est.ExpectedPrice.Equal(d("2002.5")), "got %s", est.ExpectedPrice)
	assert.Equal(t, 2, est.LevelsConsumed)
	assert.True(t, est.DepthSufficient)
}

func TestEstimateSlippage_InsufficientDepthDefers(t *testing.T) {
	p, _ := setupPredictor(t)

	est, err := p.EstimateSlippage("ETH", domain.SideBuy, d("3000"))
	require.NoError(t, err)
	assert.False(t, est.DepthSufficient)
	assert.Equal(t, domain.RecommendDefer, est.Recommendation)
	assert.InDelta(t, 0.6*2500.0/3000.0, est.Confidence, 1e-9)
	// remainder priced at the worst level
	assert.True(t, est.ExpectedPrice.Round(6).Equal(d("2003.333333")), "got %s", est.ExpectedPrice)
}

func TestEstimateSlippage_SplitAboveThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AcceptableSlippagePct = 0.1
	p := NewPredictor(cfg, marketdata.NewBookCache(nil, 0), nil, nil)
	require.NoError(t, p.UpdateOrderBook(scenarioBook(t, time.Now())))

	est, err := p.EstimateSlippage("ETH", domain.SideBuy, d("500"))
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendSplit, est.Recommendation)
}

func TestEstimateSlippage_StaleBookReducesConfidence(t *testing.T) {
	p, clk := setupPredictor(t)
	clk.Advance(time.Minute)

	est, err := p.EstimateSlippage("ETH", domain.SideBuy, d("500"))
	require.NoError(t, err)
	assert.True(t, est.Stale)
	assert.InDelta(t, 0.3, est.Confidence, 1e-9)
	assert.Equal(t, domain.RecommendDefer, est.Recommendation)
	assert.Equal(t, uint64(1), p.Stats().StaleReads)
}

func TestEstimateSlippage_Errors(t *testing.T) {
	p, _ := setupPredictor(t)

	_, err := p.EstimateSlippage("BTC", domain.SideBuy, d("1"))
	assert.ErrorIs(t, err, domain.ErrNoOrderBook)

	_, err = p.EstimateSlippage("ETH", domain.SideBuy, d("0"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = p.EstimateSlippage("ETH", domain.Side(9), d("1"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.ErrorIs(t, p.UpdateOrderBook(nil), domain.ErrValidation)
}

func TestEstimateSlippage_NonDecreasingInQuantity(t *testing.T) {
	p, _ := setupPredictor(t)

	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		prev := -1.0
		for q := int64(1); q <= 3500; q += 7 {
			est, err := p.EstimateSlippage("ETH", side, decimal.NewFromInt(q))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, est.ExpectedSlippagePct, prev-1e-12, "side %s q=%d", side, q)
			prev = est.ExpectedSlippagePct
		}
	}
}

func TestCalculateOptimalOrderSize(t *testing.T) {
	p, _ := setupPredictor(t)

	q, err := p.CalculateOptimalOrderSize("ETH", domain.SideBuy, 0.2)
	require.NoError(t, err)
	assert.True(t, q.Equal(d("1426")), "got %s", q)

	for _, target := range []float64{0.05, 0.13, 0.2, 0.3, 5} {
		q, err := p.CalculateOptimalOrderSize("ETH", domain.SideBuy, target)
		require.NoError(t, err)
		if q.IsPositive() {
			est, err := p.EstimateSlippage("ETH", domain.SideBuy, q)
			require.NoError(t, err)
			assert.LessOrEqual(t, est.ExpectedSlippagePct, target+1e-9)
		}
		next := q.Add(decimal.NewFromInt(1))
		if next.LessThanOrEqual(d("2500")) {
			est, err := p.EstimateSlippage("ETH", domain.SideBuy, next)
			require.NoError(t, err)
			assert.Greater(t, est.ExpectedSlippagePct, target, "target %.2f q=%s not maximal", target, q)
		}
	}

	q, err = p.CalculateOptimalOrderSize("ETH", domain.SideBuy, 0.05)
	require.NoError(t, err)
	assert.True(t, q.IsZero())

	_, err = p.CalculateOptimalOrderSize("ETH", domain.SideBuy, -1)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRecordSlippage_UpdatesCalibration(t *testing.T) {
	p, _ := setupPredictor(t)
	assert.Equal(t, 1.0, p.CalibrationFactor("ETH"))

	// predicted 2.5 above mid, realized 7.5 above mid: ratio 3
	require.NoError(t, p.RecordSlippage("ETH", domain.SideBuy, d("500"), d("2000"), d("2005")))
	assert.InDelta(t, 1.2, p.CalibrationFactor("ETH"), 1e-9)

	est, err := p.EstimateSlippage("ETH", domain.SideBuy, d("500"))
	require.NoError(t, err)
	assert.InDelta(t, est.RawSlippagePct*1.2, est.ExpectedSlippagePct, 1e-12)
	assert.InDelta(t, 0.6+0.3/20, est.Confidence, 1e-9)

	// a wild outlier is clamped to the max ratio
	require.NoError(t, p.RecordSlippage("ETH", domain.SideBuy, d("500"), d("2000"), d("2100")))
	assert.InDelta(t, 0.9*1.2+0.1*4, p.CalibrationFactor("ETH"), 1e-9)

	hist := p.History("ETH")
	require.Len(t, hist, 2)
	assert.InDelta(t, 25.0, hist[0].SlippageBps, 1e-9)
	assert.Equal(t, uint64(2), p.Stats().Records)

	assert.ErrorIs(t, p.RecordSlippage("ETH", domain.SideBuy, d("1"), d("0"), d("1")), domain.ErrValidation)
}

func TestRecordSlippage_StampsWithInjectedClock(t *testing.T) {
	p, clk := setupPredictor(t)

	require.NoError(t, p.RecordSlippage("ETH", domain.SideBuy, d("1"), d("2000"), d("2001")))
	clk.Advance(90 * time.Second)
	require.NoError(t, p.RecordSlippage("ETH", domain.SideBuy, d("1"), d("2000"), d("2002")))

	hist := p.History("ETH")
	require.Len(t, hist, 2)
	assert.Equal(t, t0, hist[0].Timestamp)
	assert.Equal(t, t0.Add(90*time.Second), hist[1].Timestamp)
}

func TestRecordSlippage_HistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	p := NewPredictor(cfg, marketdata.NewBookCache(nil, 0), nil, nil)
	require.NoError(t, p.UpdateOrderBook(scenarioBook(t, time.Now())))

	for i := 0; i < 5; i++ {
		require.NoError(t, p.RecordSlippage("ETH", domain.SideBuy, d("1"), d("2000"), decimal.NewFromInt(int64(2000+i))))
	}
	hist := p.History("ETH")
	require.Len(t, hist, 3)
	assert.True(t, hist[0].ActualPrice.Equal(d("2002")))
}

func TestEstimateLargeOrderSlippage(t *testing.T) {
	p, _ := setupPredictor(t)

	small, err := p.EstimateLargeOrderSlippage("ETH", domain.SideBuy, d("500"))
	require.NoError(t, err)
	assert.Zero(t, small.ImpactPct)

	base, err := p.EstimateSlippage("ETH", domain.SideBuy, d("5000"))
	require.NoError(t, err)
	large, err := p.EstimateLargeOrderSlippage("ETH", domain.SideBuy, d("5000"))
	require.NoError(t, err)
	// sqrt(5000 / 2500) * 0.01 * 100
	assert.InDelta(t, 1.41421356, large.ImpactPct, 1e-6)
	assert.InDelta(t, base.ExpectedSlippagePct+large.ImpactPct, large.ExpectedSlippagePct, 1e-9)
	assert.True(t, large.ExpectedPrice.GreaterThan(base.ExpectedPrice))

	require.NoError(t, p.SetReferenceVolume("ETH", d("20000")))
	withRef, err := p.EstimateLargeOrderSlippage("ETH", domain.SideBuy, d("5000"))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, withRef.ImpactPct, 1e-9)
	assert.ErrorIs(t, p.SetReferenceVolume("ETH", d("0")), domain.ErrValidation)
}

func TestEstimateForVenue(t *testing.T) {
	p, _ := setupPredictor(t)

	// venue holds a fifth of the book: 200 @ 2000, 300 @ 2005
	est, err := p.EstimateForVenue("ETH", domain.SideBuy, d("400"), d("500"))
	require.NoError(t, err)
	assert.True(t, est.ExpectedPrice.Equal(d("2002.5")), "got %s", est.ExpectedPrice)
	assert.True(t, est.DepthSufficient)
	assert.Zero(t, est.ImpactPct)

	over, err := p.EstimateForVenue("ETH", domain.SideBuy, d("1000"), d("500"))
	require.NoError(t, err)
	assert.False(t, over.DepthSufficient)
	assert.Greater(t, over.ImpactPct, 0.0)

	empty, err := p.EstimateForVenue("ETH", domain.SideBuy, d("10"), d("0"))
	require.NoError(t, err)
	assert.False(t, empty.DepthSufficient)
	assert.Equal(t, domain.RecommendDefer, empty.Recommendation)
}

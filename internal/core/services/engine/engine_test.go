package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/ports"
	"github.com/victoralfred/execution-engine/internal/core/services/algo"
	"github.com/victoralfred/execution-engine/internal/core/services/orders"
	"github.com/victoralfred/execution-engine/internal/core/services/routing"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type stubGateway struct {
	mu    sync.Mutex
	price decimal.Decimal
	calls int
	fail  func(call int) error
}

func (g *stubGateway) Execute(ctx context.Context, venueID string, slice *domain.ChildSlice, quantity decimal.Decimal) (*domain.Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.fail != nil {
		if err := g.fail(g.calls); err != nil {
			return nil, err
		}
	}
	return &domain.Fill{
		ID:        slice.ID + "-" + venueID,
		Venue:     venueID,
		Symbol:    slice.Symbol,
		Side:      slice.Side,
		Quantity:  quantity,
		Price:     g.price,
		Timestamp: time.Now(),
	}, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (g *stubGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (s *captureSink) Send(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) has(t domain.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func newEngine(t *testing.T, price string) (*Engine, *stubGateway) {
	t.Helper()
	gw := &stubGateway{price: d(price)}
	e := New(DefaultConfig(), func(ports.BookSource, *routing.Router) ports.VenueGateway { return gw }, nil, nil)
	t.Cleanup(e.Close)

	snap, err := domain.NewOrderBookSnapshot("ETH",
		[]domain.PriceLevel{{Price: d("99.9"), Size: d("100000")}},
		[]domain.PriceLevel{{Price: d("100.1"), Size: d("100000")}},
		time.Now())
	require.NoError(t, err)
	require.NoError(t, e.UpdateOrderBook(snap))
	require.NoError(t, e.RegisterVenue(domain.VenueProfile{
		ID:          "A",
		Fees:        domain.FeeSchedule{TakerBps: 1},
		Latency:     time.Millisecond,
		Reliability: 1,
		Symbols:     []string{"ETH"},
		Liquidity:   map[string]decimal.Decimal{"ETH": d("100000")},
	}))
	return e, gw
}

func waitStatus(t *testing.T, e *Engine, id string, want domain.OrderStatus) *domain.ParentOrder {
	t.Helper()
	var o *domain.ParentOrder
	require.Eventually(t, func() bool {
		var err error
		o, err = e.Orders().GetOrder(id)
		return err == nil && o.Status == want
	}, 2*time.Second, 5*time.Millisecond, "order %s never reached %s", id, want)
	return o
}

func TestStopLossClosesTheLoop(t *testing.T) {
	e, gw := newEngine(t, "99.8")
	sink := &captureSink{}
	e.ForwardTo(sink)
	ctx := context.Background()

	stop, err := e.Orders().CreateStopLossOrder(ctx, orders.OrderRequest{
		Symbol:    "ETH",
		Side:      domain.SideSell,
		Quantity:  d("10"),
		StopPrice: d("99"),
	})
	require.NoError(t, err)

	triggered, err := e.UpdateMarketPrice(ctx, "ETH", d("99.5"), d("5"))
	require.NoError(t, err)
	assert.Empty(t, triggered)

	triggered, err = e.UpdateMarketPrice(ctx, "ETH", d("98.9"), d("5"))
	require.NoError(t, err)
	assert.Equal(t, []string{stop.ID}, triggered)

	o := waitStatus(t, e, stop.ID, domain.StatusFilled)
	assert.True(t, o.FilledQuantity.Equal(d("10")))
	assert.True(t, o.AvgFillPrice.Equal(d("99.8")))
	assert.NotEmpty(t, o.Links.ExecutionRunID)
	assert.Equal(t, 1, gw.Calls())

	require.Eventually(t, func() bool {
		return e.Monitor().GetOverallStatistics().TotalExecutions == 1
	}, time.Second, 5*time.Millisecond)
	recs := e.Monitor().ExportRecords("ETH")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.SideSell, recs[0].Side)

	require.Eventually(t, func() bool {
		return sink.has(domain.EventOrderFilled) && sink.has(domain.EventRunCompleted)
	}, time.Second, 5*time.Millisecond)
	assert.True(t, sink.has(domain.EventStopTriggered))
}

func TestFailedRunRejectsParent(t *testing.T) {
	e, gw := newEngine(t, "100")

	// no book and no venue for BTC
	o, err := e.Orders().CreateMarketOrder(context.Background(), orders.OrderRequest{
		Symbol:   "BTC",
		Side:     domain.SideBuy,
		Quantity: d("1"),
	})
	require.NoError(t, err)

	got := waitStatus(t, e, o.ID, domain.StatusRejected)
	assert.NotEmpty(t, got.Reason)
	assert.Zero(t, gw.Calls())
}

func TestCancelledParentStopsItsRun(t *testing.T) {
	e, _ := newEngine(t, "100.1")
	ctx := context.Background()

	o, err := e.Orders().CreateMarketOrder(ctx, orders.OrderRequest{
		Symbol:   "ETH",
		Side:     domain.SideBuy,
		Quantity: d("100"),
		Execution: &domain.AlgoSpec{
			Type: domain.AlgoTWAP,
			TWAP: &domain.TWAPParams{Slices: 4, Duration: time.Hour},
		},
	})
	require.NoError(t, err)

	var runID string
	require.Eventually(t, func() bool {
		cur, err := e.Orders().GetOrder(o.ID)
		if err != nil {
			return false
		}
		runID = cur.Links.ExecutionRunID
		return runID != "" && cur.FilledQuantity.Equal(d("25"))
	}, 2*time.Second, 5*time.Millisecond)

	_, err = e.CancelOrder(ctx, o.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := e.Scheduler().Progress(runID)
		return err == nil && res.Status == algo.RunCancelled
	}, 2*time.Second, 5*time.Millisecond)

	cur, err := e.Orders().GetOrder(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cur.Status)
	assert.True(t, cur.FilledQuantity.Equal(d("25")))
}

func TestIcebergSurvivesTransientRejection(t *testing.T) {
	e, gw := newEngine(t, "100.1")
	gw.mu.Lock()
	gw.fail = func(call int) error {
		if call == 2 {
			return errors.New("venue busy")
		}
		return nil
	}
	gw.mu.Unlock()

	o, err := e.Orders().CreateIcebergOrder(context.Background(), orders.OrderRequest{
		Symbol:          "ETH",
		Side:            domain.SideBuy,
		Quantity:        d("500"),
		VisibleQuantity: d("100"),
	})
	require.NoError(t, err)

	got := waitStatus(t, e, o.ID, domain.StatusFilled)
	assert.True(t, got.FilledQuantity.Equal(d("500")))
	assert.Equal(t, 6, gw.Calls())
}

func TestIdleStreamDoesNotSlowOrderFlow(t *testing.T) {
	e, _ := newEngine(t, "100")
	_, sub := e.Bus().SubscribeChan(1)
	defer sub.Unsubscribe()

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := e.Orders().CreateStopLossOrder(context.Background(), orders.OrderRequest{
			Symbol:    "ETH",
			Side:      domain.SideSell,
			Quantity:  d("1"),
			StopPrice: d("90"),
		})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Positive(t, sub.Dropped())
}

func TestStandaloneRunIsNotConstrained(t *testing.T) {
	e, _ := newEngine(t, "100.1")

	res, err := e.SubmitAlgorithmicOrder(context.Background(), algo.Request{
		OrderID:  "external-1",
		Symbol:   "ETH",
		Side:     domain.SideBuy,
		Quantity: d("5"),
	})
	require.NoError(t, err)
	assert.Equal(t, algo.RunCompleted, res.Status)
	assert.True(t, res.FilledQuantity.Equal(d("5")))

	_, err = e.Orders().GetOrder("external-1")
	assert.True(t, errors.Is(err, domain.ErrOrderNotFound))
}

func TestUpdateMarketPriceRejectsNegativeVolume(t *testing.T) {
	e, _ := newEngine(t, "100")
	_, err := e.UpdateMarketPrice(context.Background(), "ETH", d("100"), d("-1"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

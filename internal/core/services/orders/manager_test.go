package orders

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/services/sequencer"
	"github.com/victoralfred/execution-engine/pkg/clock"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type dispatched struct {
	orderID  string
	quantity decimal.Decimal
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
}

func (r *recordingDispatcher) Dispatch(_ context.Context, o *domain.ParentOrder, qty decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, dispatched{orderID: o.ID, quantity: qty})
}

func (r *recordingDispatcher) snapshot() []dispatched {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatched(nil), r.calls...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(t domain.EventType) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	manager    *Manager
	dispatcher *recordingDispatcher
	publisher  *recordingPublisher
	clock      *clock.Simulated
}

func setup(t *testing.T) *fixture {
	t.Helper()
	seq := sequencer.New(sequencer.DefaultConfig(), nil)
	t.Cleanup(seq.Close)
	f := &fixture{
		dispatcher: &recordingDispatcher{},
		publisher:  &recordingPublisher{},
		clock:      clock.NewSimulated(time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)),
	}
	f.manager = NewManager(DefaultConfig(), seq, f.publisher, f.clock, nil)
	f.manager.SetDispatcher(f.dispatcher)
	return f
}

func (f *fixture) tick(t *testing.T, symbol, price string) []string {
	t.Helper()
	ids, err := f.manager.UpdateMarketPrice(context.Background(), symbol, d(price))
	require.NoError(t, err)
	return ids
}

func (f *fixture) status(t *testing.T, id string) domain.OrderStatus {
	t.Helper()
	o, err := f.manager.GetOrder(id)
	require.NoError(t, err)
	return o.Status
}

func fill(qty, price string) domain.Fill {
	return domain.Fill{Quantity: d(qty), Price: d(price), Venue: "A", Timestamp: time.Now()}
}

func TestCreateMarketOrder_DispatchesImmediately(t *testing.T) {
	f := setup(t)
	o, err := f.manager.CreateMarketOrder(context.Background(), OrderRequest{
		Symbol: "ETH", Side: domain.SideBuy, Quantity: d("5"), TimeInForce: domain.TimeInForceIOC,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusTriggered, o.Status)
	calls := f.dispatcher.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, o.ID, calls[0].orderID)
	assert.True(t, calls[0].quantity.Equal(d("5")))
	assert.Len(t, f.publisher.ofType(domain.EventOrderCreated), 1)
}

func TestCreate_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.manager.CreateStopLossOrder(ctx, OrderRequest{Symbol: "ETH", Side: domain.SideSell, Quantity: d("1")})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.manager.CreateStopLossOrder(ctx, OrderRequest{
		Symbol: "ETH", Side: domain.SideSell, Quantity: d("1"), StopPrice: d("90"), TimeInForce: domain.TimeInForceIOC,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	past := f.clock.Now().Add(-time.Minute)
	_, err = f.manager.CreateTakeProfitOrder(ctx, OrderRequest{
		Symbol: "ETH", Side: domain.SideSell, Quantity: d("1"), TakeProfitPrice: d("110"),
		TimeInForce: domain.TimeInForceGTD, ExpiresAt: &past,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.manager.CreateIcebergOrder(ctx, OrderRequest{
		Symbol: "ETH", Side: domain.SideBuy, Quantity: d("10"), VisibleQuantity: d("20"),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.manager.CreateBracketOrder(ctx, OrderRequest{
		Symbol: "ETH", Side: domain.SideBuy, Quantity: d("10"), StopPrice: d("110"), TakeProfitPrice: d("95"),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.manager.CreateMarketOrder(ctx, OrderRequest{
		Symbol: "ETH", Side: domain.SideBuy, Quantity: d("10"),
		Execution: &domain.AlgoSpec{Type: domain.AlgoTWAP},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStopLoss_TriggersOnceInAdverseDirection(t *testing.T) {
	f := setup(t)
	o, err := f.manager.CreateStopLossOrder(context.Background(), OrderRequest{
		Symbol: "ETH", Side: domain.SideSell, Quantity: d("3"), StopPrice: d("95"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, o.Status)

	assert.Empty(t, f.tick(t, "ETH", "100"))
	assert.Empty(t, f.tick(t, "ETH", "95.01"))
	assert.Equal(t, []string{o.ID}, f.tick(t, "ETH", "94.5"))
	assert.Empty(t, f.tick(t, "ETH", "90"))

	got, err := f.manager.GetOrder(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTriggered, got.Status)
	assert.True(t, got.TriggerPrice.Equal(d("94.5")))
	assert.Len(t, f.dispatcher.snapshot(), 1)

	triggers := f.publisher.ofType(domain.EventStopTriggered)
	require.Len(t, triggers, 1)
	assert.True(t, triggers[0].Price.Equal(d("94.5")))
}

func TestTakeProfit_BuySide(t *testing.T) {
	f := setup(t)
	o, err := f.manager.CreateTakeProfitOrder(context.Background(), OrderRequest{
		Symbol: "ETH", Side: domain.SideBuy, Quantity: d("1"), TakeProfitPrice: d("90"),
	})
	require.NoError(t, err)

	assert.Empty(t, f.tick(t, "ETH", "91"))
	assert.Equal(t, []string{o.ID}, f.tick(t, "ETH", "90"))
}

func TestOCO_ExactlyOneLegExecutes(t *testing.T) {
	f := setup(t)
	pair, err := f.manager.CreateOCOOrder(context.Background(), OrderRequest{
		Symbol: "ETH", Side: domain.SideSell, Quantity: d("2"), StopPrice: d("95"), TakeProfitPrice: d("110"),
	})
	require.NoError(t, err)
	assert.Equal(t, pair.TakeProfitLeg.ID, pair.StopLeg.Links.OCOSiblingID)

	assert.Equal(t, []string{pair.TakeProfitLeg.ID}, f.tick(t, "ETH", "111"))
	assert.Equal(t, domain.StatusTriggered, f.status(t, pair.TakeProfitLeg.ID))
	assert.Equal(t, domain.StatusCancelled, f.status(t, pair.StopLeg.ID))

	// the cancelled leg never triggers or fills
	assert.Empty(t, f.tick(t, "ETH", "90"))
	err = f.manager.ApplyFill(context.Background(), pair.StopLeg.ID, fill("2", "90"))
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	require.NoError(t, f.manager.ApplyFill(context.Background(), pair.TakeProfitLeg.ID, fill("2", "111")))
	assert.Equal(t, domain.StatusFilled, f.status(t, pair.TakeProfitLeg.ID))
	assert.Len(t, f.dispatcher.snapshot(), 1)
}

func TestOCO_SimultaneousCrossingFirstLegWins(t *testing.T) {
	f := setup(t)
	// both thresholds are crossed by 102
	pair, err := f.manager.CreateOCOOrder(context.Background(), OrderRequest{
		Symbol: "ETH", Side: domain.SideSell, Quantity: d("1"), StopPrice: d("105"), TakeProfitPrice: d("100"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{pair.StopLeg.ID}, f.tick(t, "ETH", "102"))
	assert.Equal(t, domain.StatusCancelled, f.status(t, pair.TakeProfitLeg.ID))
}

func TestTrailingStop_WatermarkOnlyImproves(t *testing.T) {
	f := setup(t)
	o, err := f.manager.CreateTrailingStopOrder(context.Background(), OrderRequest{
		Symbol: "ETH", Side: domain.SideSell, Quantity: d("1"), TrailAmount: d("5"),
	})
	require.NoError(t, err)

	for _, p := range []string{"100", "110", "105.5", "108", "112", "107.5"} {
		assert.Empty(t, f.tick(t, "ETH", p))
	}
	got, err := f.manager.GetOrder(o.ID)
	require.NoError(t, err)
	assert.True(t, got.Watermark.Equal(d("112")))
	assert.True(t, got.StopPrice.Equal(d("107")))

	updates := f.publisher.ofType(domain.EventTrailUpdated)
	require.Len(t, updates, 3)
	for i := 1; i < len(updates); i++ {
		assert.True(t, updates[i].Price.GreaterThan(updates[i-1].Price))
	}

	assert.Equal(t, []string{o.ID}, f.tick(t, "ETH", "107"))
}

func TestTrailingStop_BuySideSeeded(t *testing.T) {
	f := setup(t)
	o, err := f.manager.CreateTrailingStopOrder(context.Background(), OrderRequest{
		Symbol: "ETH", Side: domain.SideBuy, Quantity: d("1"), TrailAmount: d("2"), ReferencePrice: d("50"),
	})
	require.NoError(t, err)
	assert.True(t, o.StopPrice.Equal(d("52")))

	assert.Empty(t, f.tick(t, "ETH", "51"))
	assert.Empty(t, f.tick(t, "ETH", "48"))
	got, err := f.manager.GetOrder(o.ID)
	require.NoError(t, err)
	assert.True(t, got.StopPrice.Equal(d("50")))
	assert.Equal(t, []string{o.ID}, f.tick(t, "ETH", "50"))
}

func TestIceberg_ConservesQuantity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o, err := f.manager.CreateIcebergOrder(ctx, OrderRequest{
		Symbol: "ETH", Side: domain.SideBuy, Quantity: d("1000"), VisibleQuantity: d("300"),
	})
	require.NoError(t, err)
	assert.True(t, o.SliceOutstanding.Equal(d("300")))

	for i := 0; i < 10; i++ {
		calls := f.dispatcher.snapshot()
		last := calls[len(calls)-1]
		cur, err := f.manager.GetOrder(o.ID)
		require.NoError(t, err)
		if cur.IsTerminal() {
			break
		}
		require.True(t, last.quantity.LessThanOrEqual(cur.RemainingQuantity))
		// fill the visible slice in two parts
		half := last.quantity.Div(decimal.NewFromInt(2)).Truncate(0)
		require.NoError(t, f.manager.ApplyFill(ctx, o.ID, domain.Fill{Quantity: half, Price: d("100")}))
		require.NoError(t, f.manager.ApplyFill(ctx, o.ID, domain.Fill{Quantity: last.quantity.Sub(half), Price: d("100")}))
	}

	sum := decimal.Zero
	calls := f.dispatcher.snapshot()
	for _, c := range calls {
		sum = sum.Add(c.quantity)
		assert.True(t, c.quantity.LessThanOrEqual(d("300")))
	}
	require.Len(t, calls, 4)
	assert.True(t, calls[3].quantity.Equal(d("100")))
	assert.True(t, sum.Equal(d("1000")))
	assert.Equal(t, domain.StatusFilled, f.status(t, o.ID))
}

func TestIceberg_RefreshSlice(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o, err := f.manager.CreateIcebergOrder(ctx, OrderRequest{
		Symbol: "ETH", Side: domain.SideBuy, Quantity: d("100"), VisibleQuantity: d("40"),
	})
	require.NoError(t, err)
	require.NoError(t, f.manager.ApplyFill(ctx, o.ID, fill("10", "100")))

	require.NoError(t, f.manager.RefreshSlice(ctx, o.ID))
	calls := f.dispatcher.snapshot()
	require.Len(t, calls, 2)
	assert.True(t, calls[1].quantity.Equal(d("40")))

	_, err = f.manager.CreateMarketOrder(ctx, OrderRequest{Symbol: "ETH", Side: domain.SideBuy, Quantity: d("1")})
	require.NoError(t, err)
	assert.ErrorIs(t, f.manager.RefreshSlice(ctx, calls[0].orderID+"x"), domain.ErrOrderNotFound)
}

func TestBracket_LegsArmWithFilledQuantity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	br, err := f.manager.CreateBracketOrder(ctx, OrderRequest{
		Symbol: "ETH", Side: domain.SideBuy, Quantity: d("10"), StopPrice: d("95"), TakeProfitPrice: d("110"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTriggered, br.Entry.Status)
	assert.Equal(t, domain.StatusDormant, br.StopLeg.Status)
	assert.Equal(t, domain.SideSell, br.StopLeg.Side)

	// dormant legs ignore prices
	assert.Empty(t, f.tick(t, "ETH", "90"))

	require.NoError(t, f.manager.ApplyFill(ctx, br.Entry.ID, fill("4", "100")))
	stop, err := f.manager.GetOrder(br.StopLeg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stop.Status)
	assert.True(t, stop.TotalQuantity.Equal(d("4")))
	assert.Len(t, f.publisher.ofType(domain.EventBracketArmed), 2)

	require.NoError(t, f.manager.ApplyFill(ctx, br.Entry.ID, fill("6", "100")))
	tp, err := f.manager.GetOrder(br.TakeProfitLeg.ID)
	require.NoError(t, err)
	assert.True(t, tp.RemainingQuantity.Equal(d("10")))
	assert.Equal(t, domain.StatusFilled, f.status(t, br.Entry.ID))

	assert.Equal(t, []string{br.StopLeg.ID}, f.tick(t, "ETH", "94"))
	assert.Equal(t, domain.StatusCancelled, f.status(t, br.TakeProfitLeg.ID))

	calls := f.dispatcher.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, br.StopLeg.ID, calls[1].orderID)
	assert.True(t, calls[1].quantity.Equal(d("10")))
}

func TestBracket_LimitEntryTriggersOnPrice(t *testing.T) {
	f := setup(t)
	br, err := f.manager.CreateBracketOrder(context.Background(), OrderRequest{
		Symbol: "ETH", Side: domain.SideBuy, Quantity: d("1"),
		EntryPrice: d("100"), StopPrice: d("95"), TakeProfitPrice: d("110"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, br.Entry.Status)
	assert.Empty(t, f.dispatcher.snapshot())

	assert.Empty(t, f.tick(t, "ETH", "101"))
	assert.Equal(t, []string{br.Entry.ID}, f.tick(t, "ETH", "99.5"))
}

func TestCancelOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.manager.CancelOrder(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	br, err := f.manager.CreateBracketOrder(ctx, OrderRequest{
		Symbol: "ETH", Side: domain.SideSell, Quantity: d("1"), StopPrice: d("110"), TakeProfitPrice: d("90"),
	})
	require.NoError(t, err)

	got, err := f.manager.CancelOrder(ctx, br.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.StatusCancelled, f.status(t, br.StopLeg.ID))
	assert.Equal(t, domain.StatusCancelled, f.status(t, br.TakeProfitLeg.ID))
	assert.Len(t, f.publisher.ofType(domain.EventOrderCancelled), 3)

	_, err = f.manager.CancelOrder(ctx, br.Entry.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	err = f.manager.ApplyFill(ctx, br.Entry.ID, fill("1", "100"))
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestCancelOrder_KeepsFills(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o, err := f.manager.CreateMarketOrder(ctx, OrderRequest{Symbol: "ETH", Side: domain.SideBuy, Quantity: d("10")})
	require.NoError(t, err)
	require.NoError(t, f.manager.ApplyFill(ctx, o.ID, fill("4", "100")))

	got, err := f.manager.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(d("4")))
	assert.True(t, got.RemainingQuantity.Equal(d("6")))
}

func TestApplyFill_RejectsOverfill(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o, err := f.manager.CreateMarketOrder(ctx, OrderRequest{Symbol: "ETH", Side: domain.SideBuy, Quantity: d("10")})
	require.NoError(t, err)

	err = f.manager.ApplyFill(ctx, o.ID, fill("11", "100"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, f.manager.ApplyFill(ctx, o.ID, fill("4", "100")))
	require.NoError(t, f.manager.ApplyFill(ctx, o.ID, fill("6", "110")))
	got, err := f.manager.GetOrder(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, got.Status)
	assert.True(t, got.AvgFillPrice.Equal(d("106")))
	assert.Len(t, f.publisher.ofType(domain.EventOrderFilled), 2)
}

func TestTimeInForce_Expiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	expires := f.clock.Now().Add(time.Minute)
	pair, err := f.manager.CreateOCOOrder(ctx, OrderRequest{
		Symbol: "ETH", Side: domain.SideSell, Quantity: d("1"), StopPrice: d("90"), TakeProfitPrice: d("110"),
		TimeInForce: domain.TimeInForceGTD, ExpiresAt: &expires,
	})
	require.NoError(t, err)
	day, err := f.manager.CreateStopLossOrder(ctx, OrderRequest{
		Symbol: "ETH", Side: domain.SideSell, Quantity: d("1"), StopPrice: d("50"), TimeInForce: domain.TimeInForceDAY,
	})
	require.NoError(t, err)
	require.NotNil(t, day.ExpiresAt)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), *day.ExpiresAt)

	f.clock.Advance(2 * time.Minute)
	// crossing price, but expiry is evaluated first
	assert.Empty(t, f.tick(t, "ETH", "111"))
	assert.Equal(t, domain.StatusExpired, f.status(t, pair.StopLeg.ID))
	assert.Equal(t, domain.StatusExpired, f.status(t, pair.TakeProfitLeg.ID))
	assert.Equal(t, domain.StatusActive, f.status(t, day.ID))

	f.clock.Advance(9 * time.Hour)
	f.tick(t, "ETH", "100")
	assert.Equal(t, domain.StatusExpired, f.status(t, day.ID))
	assert.Len(t, f.publisher.ofType(domain.EventOrderExpired), 3)
}

func TestExpireStale_WithoutTicks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	expires := f.clock.Now().Add(time.Minute)
	gtd, err := f.manager.CreateStopLossOrder(ctx, OrderRequest{
		Symbol: "BTC", Side: domain.SideSell, Quantity: d("1"), StopPrice: d("90"),
		TimeInForce: domain.TimeInForceGTD, ExpiresAt: &expires,
	})
	require.NoError(t, err)
	gtc, err := f.manager.CreateStopLossOrder(ctx, OrderRequest{
		Symbol: "ETH", Side: domain.SideSell, Quantity: d("1"), StopPrice: d("90"),
	})
	require.NoError(t, err)

	n, err := f.manager.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Minute)
	n, err = f.manager.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.StatusExpired, f.status(t, gtd.ID))
	assert.Equal(t, domain.StatusActive, f.status(t, gtc.ID))
}

func TestRejectAndExpireOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o, err := f.manager.CreateMarketOrder(ctx, OrderRequest{Symbol: "ETH", Side: domain.SideBuy, Quantity: d("1")})
	require.NoError(t, err)

	got, err := f.manager.RejectOrder(ctx, o.ID, "no liquidity")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.Equal(t, "no liquidity", got.Reason)

	_, err = f.manager.ExpireOrder(ctx, o.ID, "late")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	assert.Equal(t, uint64(1), f.manager.Metrics().Rejected)
}

func TestCheckLive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o, err := f.manager.CreateStopLossOrder(ctx, OrderRequest{
		Symbol: "ETH", Side: domain.SideSell, Quantity: d("1"), StopPrice: d("90"),
	})
	require.NoError(t, err)

	check := func() error {
		return f.manager.seq.Do(ctx, "ETH", func(tx *sequencer.Tx) error {
			return f.manager.CheckLive(tx, o.ID)
		})
	}
	assert.ErrorIs(t, check(), domain.ErrInvalidStateTransition)
	f.tick(t, "ETH", "89")
	assert.NoError(t, check())
	_, err = f.manager.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, check(), domain.ErrInvalidStateTransition)
}

func TestManager_ConcurrentSymbols(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		symbol := fmt.Sprintf("SYM%d", s)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := f.manager.CreateStopLossOrder(ctx, OrderRequest{
					Symbol: symbol, Side: domain.SideSell, Quantity: d("1"), StopPrice: d("90"),
				})
				assert.NoError(t, err)
			}
			_, err := f.manager.UpdateMarketPrice(ctx, symbol, d("89"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(200), f.manager.Metrics().Triggered)
	assert.Len(t, f.dispatcher.snapshot(), 200)
	assert.Len(t, f.manager.Orders("SYM3", true), 25)
}

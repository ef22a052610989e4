// Package orders implements the conditional order manager. Every parent
// order lives on its symbol's sequencer lane; readers get the clone that was
// published when the last step committed.
package orders

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/ports"
	"github.com/victoralfred/execution-engine/internal/core/services/sequencer"
	"github.com/victoralfred/execution-engine/pkg/clock"
	"github.com/victoralfred/execution-engine/pkg/ring"
	"go.uber.org/zap"
)

// Config contains configuration for the order manager
type Config struct {
	MaxLiveOrders     int `mapstructure:"max_live_orders"`
	TerminalRetention int `mapstructure:"terminal_retention"`
}

// DefaultConfig returns reasonable default configuration
func DefaultConfig() Config {
	return Config{
		MaxLiveOrders:     100000,
		TerminalRetention: 10000,
	}
}

// Metrics tracks order management counters
type Metrics struct {
	Created   uint64 `json:"created"`
	Triggered uint64 `json:"triggered"`
	Filled    uint64 `json:"filled"`
	Cancelled uint64 `json:"cancelled"`
	Expired   uint64 `json:"expired"`
	Rejected  uint64 `json:"rejected"`
	Fills     uint64 `json:"fills"`
	Live      int64  `json:"live"`
}

// OrderRequest carries the fields of every create call. Each constructor
// reads only the fields its kind needs.
type OrderRequest struct {
	Symbol          string             `json:"symbol"`
	Side            domain.Side        `json:"side"`
	Quantity        decimal.Decimal    `json:"quantity"`
	StopPrice       decimal.Decimal    `json:"stop_price"`
	TakeProfitPrice decimal.Decimal    `json:"take_profit_price"`
	TrailAmount     decimal.Decimal    `json:"trail_amount"`
	VisibleQuantity decimal.Decimal    `json:"visible_quantity"`
	EntryPrice      decimal.Decimal    `json:"entry_price"`
	ReferencePrice  decimal.Decimal    `json:"reference_price"`
	TimeInForce     domain.TimeInForce `json:"time_in_force"`
	ExpiresAt       *time.Time         `json:"expires_at,omitempty"`
	Execution       *domain.AlgoSpec   `json:"execution,omitempty"`
}

// OCOOrder is the pair of linked legs created by CreateOCOOrder
type OCOOrder struct {
	StopLeg       *domain.ParentOrder `json:"stop_leg"`
	TakeProfitLeg *domain.ParentOrder `json:"take_profit_leg"`
}

// BracketOrder is an entry with its dormant protective legs
type BracketOrder struct {
	Entry         *domain.ParentOrder `json:"entry"`
	StopLeg       *domain.ParentOrder `json:"stop_leg"`
	TakeProfitLeg *domain.ParentOrder `json:"take_profit_leg"`
}

// symbolBook is the lane-owned state of one symbol
type symbolBook struct {
	orders map[string]*domain.ParentOrder
	live   []*domain.ParentOrder // registration order
	last   decimal.Decimal
}

func newSymbolBook() *symbolBook {
	return &symbolBook{orders: make(map[string]*domain.ParentOrder)}
}

// Manager owns every parent order
type Manager struct {
	config    Config
	seq       *sequencer.Sequencer
	publisher ports.EventPublisher
	clock     clock.Clock
	logger    *zap.Logger

	dispatchMu sync.RWMutex
	dispatcher ports.Dispatcher

	books     sync.Map // symbol -> *symbolBook, touched only in-lane
	published sync.Map // id -> *domain.ParentOrder
	symbols   sync.Map // id -> symbol

	retiredMu sync.Mutex
	retired   *ring.Ring[string]

	sequence  atomic.Uint64
	created   atomic.Uint64
	triggered atomic.Uint64
	filled    atomic.Uint64
	cancelled atomic.Uint64
	expired   atomic.Uint64
	rejected  atomic.Uint64
	fills     atomic.Uint64
	live      atomic.Int64
}

// NewManager creates an order manager. The dispatcher may be attached later
// with SetDispatcher; until then triggered orders only change state.
func NewManager(config Config, seq *sequencer.Sequencer, publisher ports.EventPublisher, clk clock.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if config.TerminalRetention < 1 {
		config.TerminalRetention = DefaultConfig().TerminalRetention
	}
	return &Manager{
		config:    config,
		seq:       seq,
		publisher: publisher,
		clock:     clk,
		logger:    logger.Named("orders"),
		retired:   ring.New[string](config.TerminalRetention),
	}
}

// SetDispatcher attaches the executor for triggered orders
func (m *Manager) SetDispatcher(d ports.Dispatcher) {
	m.dispatchMu.Lock()
	m.dispatcher = d
	m.dispatchMu.Unlock()
}

func (m *Manager) book(symbol string) *symbolBook {
	if v, ok := m.books.Load(symbol); ok {
		return v.(*symbolBook)
	}
	v, _ := m.books.LoadOrStore(symbol, newSymbolBook())
	return v.(*symbolBook)
}

// CreateMarketOrder registers an unconditional order and dispatches it
func (m *Manager) CreateMarketOrder(ctx context.Context, req OrderRequest) (*domain.ParentOrder, error) {
	const op = "CreateMarketOrder"
	if err := m.validateBase(op, req, true); err != nil {
		return nil, err
	}
	o := m.newOrder(req, domain.KindMarket, domain.LegNone)
	o.Status = domain.StatusTriggered
	o.TriggeredAt = &o.CreatedAt
	if err := m.register(ctx, o); err != nil {
		return nil, err
	}
	return m.snapshot(o.ID), nil
}

// CreateStopLossOrder registers an order that triggers when the price
// crosses StopPrice against the position it protects.
func (m *Manager) CreateStopLossOrder(ctx context.Context, req OrderRequest) (*domain.ParentOrder, error) {
	const op = "CreateStopLossOrder"
	if err := m.validateBase(op, req, false); err != nil {
		return nil, err
	}
	if !req.StopPrice.IsPositive() {
		return nil, domain.Validation(op, "stop price must be positive")
	}
	o := m.newOrder(req, domain.KindStopLoss, domain.LegStop)
	o.StopPrice = req.StopPrice
	o.Status = domain.StatusActive
	if err := m.register(ctx, o); err != nil {
		return nil, err
	}
	return m.snapshot(o.ID), nil
}

// CreateTakeProfitOrder registers an order that triggers when the price
// reaches TakeProfitPrice in the favourable direction.
func (m *Manager) CreateTakeProfitOrder(ctx context.Context, req OrderRequest) (*domain.ParentOrder, error) {
	const op = "CreateTakeProfitOrder"
	if err := m.validateBase(op, req, false); err != nil {
		return nil, err
	}
	if !req.TakeProfitPrice.IsPositive() {
		return nil, domain.Validation(op, "take-profit price must be positive")
	}
	o := m.newOrder(req, domain.KindTakeProfit, domain.LegTakeProfit)
	o.TakeProfitPrice = req.TakeProfitPrice
	o.Status = domain.StatusActive
	if err := m.register(ctx, o); err != nil {
		return nil, err
	}
	return m.snapshot(o.ID), nil
}

// CreateOCOOrder registers a stop leg and a take-profit leg of which at most
// one may execute. The stop leg is registered first and wins a tie.
func (m *Manager) CreateOCOOrder(ctx context.Context, req OrderRequest) (*OCOOrder, error) {
	const op = "CreateOCOOrder"
	if err := m.validateBase(op, req, false); err != nil {
		return nil, err
	}
	if !req.StopPrice.IsPositive() || !req.TakeProfitPrice.IsPositive() {
		return nil, domain.Validation(op, "stop and take-profit prices must be positive")
	}
	stop := m.newOrder(req, domain.KindOCO, domain.LegStop)
	stop.StopPrice = req.StopPrice
	stop.Status = domain.StatusActive
	tp := m.newOrder(req, domain.KindOCO, domain.LegTakeProfit)
	tp.TakeProfitPrice = req.TakeProfitPrice
	tp.Status = domain.StatusActive
	stop.Links.OCOSiblingID = tp.ID
	tp.Links.OCOSiblingID = stop.ID

	if err := m.register(ctx, stop, tp); err != nil {
		return nil, err
	}
	return &OCOOrder{StopLeg: m.snapshot(stop.ID), TakeProfitLeg: m.snapshot(tp.ID)}, nil
}

// CreateIcebergOrder registers an order that exposes at most VisibleQuantity
// at a time. The first slice is dispatched immediately.
func (m *Manager) CreateIcebergOrder(ctx context.Context, req OrderRequest) (*domain.ParentOrder, error) {
	const op = "CreateIcebergOrder"
	if err := m.validateBase(op, req, false); err != nil {
		return nil, err
	}
	if !req.VisibleQuantity.IsPositive() {
		return nil, domain.Validation(op, "visible quantity must be positive")
	}
	if req.VisibleQuantity.GreaterThan(req.Quantity) {
		return nil, domain.Validation(op, "visible quantity %s exceeds total %s", req.VisibleQuantity, req.Quantity)
	}
	o := m.newOrder(req, domain.KindIceberg, domain.LegNone)
	o.VisibleQuantity = req.VisibleQuantity
	o.Execution = nil
	o.Status = domain.StatusTriggered
	o.TriggeredAt = &o.CreatedAt
	if err := m.register(ctx, o); err != nil {
		return nil, err
	}
	return m.snapshot(o.ID), nil
}

// CreateTrailingStopOrder registers a stop that follows the best price seen
// by TrailAmount. ReferencePrice seeds the watermark; without it the first
// tick does.
func (m *Manager) CreateTrailingStopOrder(ctx context.Context, req OrderRequest) (*domain.ParentOrder, error) {
	const op = "CreateTrailingStopOrder"
	if err := m.validateBase(op, req, false); err != nil {
		return nil, err
	}
	if !req.TrailAmount.IsPositive() {
		return nil, domain.Validation(op, "trail amount must be positive")
	}
	if req.ReferencePrice.IsNegative() {
		return nil, domain.Validation(op, "reference price must not be negative")
	}
	o := m.newOrder(req, domain.KindTrailingStop, domain.LegStop)
	o.TrailAmount = req.TrailAmount
	if req.ReferencePrice.IsPositive() {
		o.Watermark = req.ReferencePrice
		o.StopPrice = trailStop(o.Side, o.Watermark, o.TrailAmount)
	}
	o.Status = domain.StatusActive
	if err := m.register(ctx, o); err != nil {
		return nil, err
	}
	return m.snapshot(o.ID), nil
}

// CreateBracketOrder registers an entry order with dormant stop-loss and
// take-profit legs on the opposite side. The legs arm with the filled
// entry quantity. A zero EntryPrice enters at market.
func (m *Manager) CreateBracketOrder(ctx context.Context, req OrderRequest) (*BracketOrder, error) {
	const op = "CreateBracketOrder"
	if err := m.validateBase(op, req, false); err != nil {
		return nil, err
	}
	if req.EntryPrice.IsNegative() {
		return nil, domain.Validation(op, "entry price must not be negative")
	}
	// the legs close the position the entry opens
	exit := req.Side.Opposite()
	if err := validateProtection(op, exit, req.StopPrice, req.TakeProfitPrice); err != nil {
		return nil, err
	}
	if req.EntryPrice.IsPositive() {
		if exit == domain.SideSell && (req.StopPrice.GreaterThanOrEqual(req.EntryPrice) || req.TakeProfitPrice.LessThanOrEqual(req.EntryPrice)) {
			return nil, domain.Validation(op, "long bracket needs stop < entry < take-profit")
		}
		if exit == domain.SideBuy && (req.StopPrice.LessThanOrEqual(req.EntryPrice) || req.TakeProfitPrice.GreaterThanOrEqual(req.EntryPrice)) {
			return nil, domain.Validation(op, "short bracket needs take-profit < entry < stop")
		}
	}

	entry := m.newOrder(req, domain.KindBracket, domain.LegEntry)
	entry.EntryPrice = req.EntryPrice
	entry.StopPrice = req.StopPrice
	entry.TakeProfitPrice = req.TakeProfitPrice
	if req.EntryPrice.IsPositive() {
		entry.Status = domain.StatusActive
	} else {
		entry.Status = domain.StatusTriggered
		entry.TriggeredAt = &entry.CreatedAt
	}

	legReq := req
	legReq.Side = exit
	legReq.Execution = nil
	stop := m.newOrder(legReq, domain.KindBracket, domain.LegStop)
	stop.StopPrice = req.StopPrice
	tp := m.newOrder(legReq, domain.KindBracket, domain.LegTakeProfit)
	tp.TakeProfitPrice = req.TakeProfitPrice
	for _, leg := range []*domain.ParentOrder{stop, tp} {
		leg.Status = domain.StatusDormant
		leg.TotalQuantity = decimal.Zero
		leg.RemainingQuantity = decimal.Zero
		leg.Links.BracketParentID = entry.ID
	}
	stop.Links.OCOSiblingID = tp.ID
	tp.Links.OCOSiblingID = stop.ID
	entry.Links.StopLossLegID = stop.ID
	entry.Links.TakeProfitLegID = tp.ID

	if err := m.register(ctx, entry, stop, tp); err != nil {
		return nil, err
	}
	return &BracketOrder{
		Entry:         m.snapshot(entry.ID),
		StopLeg:       m.snapshot(stop.ID),
		TakeProfitLeg: m.snapshot(tp.ID),
	}, nil
}

func (m *Manager) validateBase(op string, req OrderRequest, market bool) error {
	if req.Symbol == "" {
		return domain.Validation(op, "symbol is required")
	}
	if !req.Side.Valid() {
		return domain.Validation(op, "side is required")
	}
	if !req.Quantity.IsPositive() {
		return domain.Validation(op, "quantity %s must be positive", req.Quantity)
	}
	switch req.TimeInForce {
	case 0, domain.TimeInForceGTC, domain.TimeInForceDAY:
	case domain.TimeInForceIOC:
		if !market {
			return domain.Validation(op, "IOC is only valid for market orders")
		}
	case domain.TimeInForceGTD:
		if req.ExpiresAt == nil || !req.ExpiresAt.After(m.clock.Now()) {
			return domain.Validation(op, "GTD requires a future expiry")
		}
	default:
		return domain.Validation(op, "unknown time in force %d", req.TimeInForce)
	}
	if req.Execution != nil {
		if err := req.Execution.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// validateProtection checks stop and take-profit sit on the correct sides of
// each other for an exit on side
func validateProtection(op string, side domain.Side, stop, takeProfit decimal.Decimal) error {
	if !stop.IsPositive() || !takeProfit.IsPositive() {
		return domain.Validation(op, "stop and take-profit prices must be positive")
	}
	if side == domain.SideSell && !stop.LessThan(takeProfit) {
		return domain.Validation(op, "sell exit needs stop %s below take-profit %s", stop, takeProfit)
	}
	if side == domain.SideBuy && !stop.GreaterThan(takeProfit) {
		return domain.Validation(op, "buy exit needs stop %s above take-profit %s", stop, takeProfit)
	}
	return nil
}

func (m *Manager) newOrder(req OrderRequest, kind domain.OrderKind, role domain.LegRole) *domain.ParentOrder {
	now := m.clock.Now()
	tif := req.TimeInForce
	if tif == 0 {
		tif = domain.TimeInForceGTC
	}
	o := &domain.ParentOrder{
		ID:                uuid.NewString(),
		Symbol:            req.Symbol,
		Side:              req.Side,
		Kind:              kind,
		Role:              role,
		TotalQuantity:     req.Quantity,
		RemainingQuantity: req.Quantity,
		Execution:         req.Execution.Clone(),
		TimeInForce:       tif,
		Status:            domain.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	switch tif {
	case domain.TimeInForceDAY:
		midnight := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		o.ExpiresAt = &midnight
	case domain.TimeInForceGTD:
		t := *req.ExpiresAt
		o.ExpiresAt = &t
	}
	return o
}

// register adds orders to their lane in one step and publishes them
func (m *Manager) register(ctx context.Context, orders ...*domain.ParentOrder) error {
	symbol := orders[0].Symbol
	return m.seq.Do(ctx, symbol, func(tx *sequencer.Tx) error {
		b := m.book(symbol)
		if m.config.MaxLiveOrders > 0 && len(b.live)+len(orders) > m.config.MaxLiveOrders {
			return domain.Validation("register", "live order limit %d reached for %s", m.config.MaxLiveOrders, symbol)
		}
		for _, o := range orders {
			o.Sequence = m.sequence.Add(1)
			b.orders[o.ID] = o
			b.live = append(b.live, o)
			m.symbols.Store(o.ID, symbol)
			m.created.Add(1)
			m.live.Add(1)
			m.commit(o)

			ev := m.event(domain.EventOrderCreated, o)
			ev.Price = o.StopPrice
			m.emit(tx, ev)
			m.logger.Info("order created",
				zap.String("order", o.ID),
				zap.String("symbol", o.Symbol),
				zap.String("kind", o.Kind.String()),
				zap.String("side", o.Side.String()),
				zap.String("quantity", o.TotalQuantity.String()))
		}
		for _, o := range orders {
			if o.Status == domain.StatusTriggered {
				m.triggered.Add(1)
				m.dispatch(tx, o, m.releaseQuantity(o))
				m.commit(o)
			}
		}
		return nil
	})
}

// GetOrder returns the last committed view of an order
func (m *Manager) GetOrder(id string) (*domain.ParentOrder, error) {
	v, ok := m.published.Load(id)
	if !ok {
		return nil, domain.NewError(domain.CodeOrderNotFound, "GetOrder", "order %s not found", id)
	}
	return v.(*domain.ParentOrder).Clone(), nil
}

// Orders returns the committed views of orders for symbol, or every symbol
// when symbol is empty
func (m *Manager) Orders(symbol string, liveOnly bool) []*domain.ParentOrder {
	var out []*domain.ParentOrder
	m.published.Range(func(_, v any) bool {
		o := v.(*domain.ParentOrder)
		if symbol != "" && o.Symbol != symbol {
			return true
		}
		if liveOnly && o.IsTerminal() {
			return true
		}
		out = append(out, o.Clone())
		return true
	})
	return out
}

// Metrics returns a snapshot of the manager counters
func (m *Manager) Metrics() Metrics {
	return Metrics{
		Created:   m.created.Load(),
		Triggered: m.triggered.Load(),
		Filled:    m.filled.Load(),
		Cancelled: m.cancelled.Load(),
		Expired:   m.expired.Load(),
		Rejected:  m.rejected.Load(),
		Fills:     m.fills.Load(),
		Live:      m.live.Load(),
	}
}

func (m *Manager) snapshot(id string) *domain.ParentOrder {
	o, err := m.GetOrder(id)
	if err != nil {
		return nil
	}
	return o
}

// commit publishes o's current state to readers
func (m *Manager) commit(o *domain.ParentOrder) {
	o.UpdatedAt = m.clock.Now()
	m.published.Store(o.ID, o.Clone())
}

func (m *Manager) event(t domain.EventType, o *domain.ParentOrder) domain.Event {
	return domain.Event{
		Type:      t,
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Quantity:  o.RemainingQuantity,
		Status:    o.Status.String(),
		Message:   o.Reason,
		Timestamp: m.clock.Now(),
	}
}

// emit publishes ev after the step commits
func (m *Manager) emit(tx *sequencer.Tx, ev domain.Event) {
	if m.publisher == nil {
		return
	}
	tx.After(func() {
		if err := m.publisher.Publish(context.Background(), ev); err != nil {
			m.logger.Debug("event not published", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	})
}

// dispatch hands a triggered order to the executor after the step commits
func (m *Manager) dispatch(tx *sequencer.Tx, o *domain.ParentOrder, qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	m.dispatchMu.RLock()
	d := m.dispatcher
	m.dispatchMu.RUnlock()
	if d == nil {
		return
	}
	snap := o.Clone()
	tx.After(func() { d.Dispatch(context.Background(), snap, qty) })
}

// releaseQuantity is the amount to execute when o is dispatched
func (m *Manager) releaseQuantity(o *domain.ParentOrder) decimal.Decimal {
	if o.Kind != domain.KindIceberg {
		return o.RemainingQuantity
	}
	o.SliceOutstanding = decimal.Min(o.VisibleQuantity, o.RemainingQuantity)
	return o.SliceOutstanding
}

// retire drops terminal orders from the lane and bounds the published set
func (m *Manager) retire(b *symbolBook) {
	kept := b.live[:0]
	for _, o := range b.live {
		if !o.IsTerminal() {
			kept = append(kept, o)
			continue
		}
		delete(b.orders, o.ID)
		m.live.Add(-1)
		m.retiredMu.Lock()
		if m.retired.Len() == m.retired.Cap() {
			if old, ok := m.retired.Pop(); ok {
				m.published.Delete(old)
				m.symbols.Delete(old)
			}
		}
		m.retired.Push(o.ID)
		m.retiredMu.Unlock()
	}
	for i := len(kept); i < len(b.live); i++ {
		b.live[i] = nil
	}
	b.live = kept
}

// lookup resolves id inside the lane. Terminal orders that were retired
// are reported as invalid transitions rather than missing.
func (m *Manager) lookup(b *symbolBook, op, id string) (*domain.ParentOrder, error) {
	if o, ok := b.orders[id]; ok {
		return o, nil
	}
	if v, ok := m.published.Load(id); ok {
		o := v.(*domain.ParentOrder)
		return nil, domain.NewError(domain.CodeInvalidStateTransition, op, "order %s is %s", id, o.Status)
	}
	return nil, domain.NewError(domain.CodeOrderNotFound, op, "order %s not found", id)
}

func (m *Manager) symbolOf(op, id string) (string, error) {
	v, ok := m.symbols.Load(id)
	if !ok {
		return "", domain.NewError(domain.CodeOrderNotFound, op, "order %s not found", id)
	}
	return v.(string), nil
}

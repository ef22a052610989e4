// Package monitor compares realized fill prices with the prices expected at
// submission, raises threshold alerts and feeds the predictor's calibration.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/ports"
	"github.com/victoralfred/execution-engine/pkg/clock"
	"github.com/victoralfred/execution-engine/pkg/ring"
	"go.uber.org/zap"
)

// Config contains configuration for the slippage monitor
type Config struct {
	WarningThresholdBps  float64 `mapstructure:"warning_threshold_bps"`
	CriticalThresholdBps float64 `mapstructure:"critical_threshold_bps"`
	TargetBps            float64 `mapstructure:"target_bps"`
	BaselineBps          float64 `mapstructure:"baseline_bps"`
	HistorySize          int     `mapstructure:"history_size"`
	TicketRetention      int     `mapstructure:"ticket_retention"`
	AlertHistory         int     `mapstructure:"alert_history"`
	RollingWindow        int     `mapstructure:"rolling_window"`
}

// DefaultConfig returns reasonable default configuration. BaselineBps is the
// adverse slippage of a naive single market order.
func DefaultConfig() Config {
	return Config{
		WarningThresholdBps:  25,
		CriticalThresholdBps: 50,
		TargetBps:            10,
		BaselineBps:          30,
		HistorySize:          1000,
		TicketRetention:      10000,
		AlertHistory:         256,
		RollingWindow:        50,
	}
}

// Monitor records realized slippage per symbol
type Monitor struct {
	config     Config
	publisher  ports.EventPublisher
	calibrator ports.Calibrator
	clock      clock.Clock
	logger     *zap.Logger

	ticketMu    sync.Mutex
	tickets     map[string]domain.ExecutionTicket
	ticketOrder *ring.Ring[string]

	mu      sync.RWMutex
	history map[string]*ring.Ring[domain.SlippageRecord]
	alerts  *ring.Ring[domain.Alert]

	executions atomic.Uint64
	warnings   atomic.Uint64
	criticals  atomic.Uint64
}

// NewMonitor creates a monitor. publisher and calibrator may be nil.
func NewMonitor(config Config, publisher ports.EventPublisher, calibrator ports.Calibrator, clk clock.Clock, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	def := DefaultConfig()
	if config.HistorySize < 1 {
		config.HistorySize = def.HistorySize
	}
	if config.TicketRetention < 1 {
		config.TicketRetention = def.TicketRetention
	}
	if config.AlertHistory < 1 {
		config.AlertHistory = def.AlertHistory
	}
	if config.RollingWindow < 1 {
		config.RollingWindow = def.RollingWindow
	}
	return &Monitor{
		config:      config,
		publisher:   publisher,
		calibrator:  calibrator,
		clock:       clk,
		logger:      logger.Named("monitor"),
		tickets:     make(map[string]domain.ExecutionTicket),
		ticketOrder: ring.New[string](config.TicketRetention),
		history:     make(map[string]*ring.Ring[domain.SlippageRecord]),
		alerts:      ring.New[domain.Alert](config.AlertHistory),
	}
}

// RegisterOrder stores the price expected when an order was submitted.
// The oldest tickets are forgotten once TicketRetention is reached.
func (m *Monitor) RegisterOrder(ticket domain.ExecutionTicket) error {
	const op = "RegisterOrder"
	if ticket.OrderID == "" || ticket.Symbol == "" {
		return domain.Validation(op, "order id and symbol are required")
	}
	if !ticket.Side.Valid() {
		return domain.Validation(op, "side is required")
	}
	if !ticket.ExpectedPrice.IsPositive() {
		return domain.Validation(op, "expected price %s must be positive", ticket.ExpectedPrice)
	}
	if ticket.SubmittedAt.IsZero() {
		ticket.SubmittedAt = m.clock.Now()
	}

	m.ticketMu.Lock()
	defer m.ticketMu.Unlock()
	if _, exists := m.tickets[ticket.OrderID]; !exists {
		if m.ticketOrder.Len() == m.ticketOrder.Cap() {
			if old, ok := m.ticketOrder.Pop(); ok {
				delete(m.tickets, old)
			}
		}
		m.ticketOrder.Push(ticket.OrderID)
	}
	m.tickets[ticket.OrderID] = ticket
	return nil
}

// RecordExecution computes the slippage of a fill against its ticket,
// appends it to the symbol history and raises alerts. Both alert levels
// fire when the critical threshold is exceeded.
func (m *Monitor) RecordExecution(ctx context.Context, exec domain.Execution) (*domain.SlippageRecord, error) {
	const op = "RecordExecution"
	if !exec.Price.IsPositive() || !exec.Quantity.IsPositive() {
		return nil, domain.Validation(op, "execution price and quantity must be positive")
	}
	m.ticketMu.Lock()
	ticket, ok := m.tickets[exec.OrderID]
	m.ticketMu.Unlock()
	switch {
	case ok:
	case exec.Standalone():
		ticket = domain.ExecutionTicket{
			OrderID:       exec.OrderID,
			Symbol:        exec.Symbol,
			Side:          exec.Side,
			Quantity:      exec.Quantity,
			ExpectedPrice: exec.ExpectedPrice,
		}
	default:
		return nil, domain.NewError(domain.CodeOrderNotFound, op, "no ticket for order %s", exec.OrderID)
	}

	ts := exec.Timestamp
	if ts.IsZero() {
		ts = m.clock.Now()
	}
	rec := domain.SlippageRecord{
		OrderID:       exec.OrderID,
		Symbol:        ticket.Symbol,
		Side:          ticket.Side,
		Quantity:      exec.Quantity,
		ExpectedPrice: ticket.ExpectedPrice,
		ActualPrice:   exec.Price,
		SlippageBps:   domain.SlippageBps(ticket.ExpectedPrice, exec.Price),
		Venue:         exec.Venue,
		Timestamp:     ts,
	}

	m.mu.Lock()
	h, ok := m.history[rec.Symbol]
	if !ok {
		h = ring.New[domain.SlippageRecord](m.config.HistorySize)
		m.history[rec.Symbol] = h
	}
	h.Push(rec)
	m.mu.Unlock()
	m.executions.Add(1)

	m.logger.Debug("execution recorded",
		zap.String("order", rec.OrderID),
		zap.String("symbol", rec.Symbol),
		zap.Float64("slippage_bps", rec.SlippageBps))

	m.checkThresholds(ctx, rec)

	if m.calibrator != nil {
		if err := m.calibrator.RecordSlippage(rec.Symbol, rec.Side, rec.Quantity, rec.ExpectedPrice, rec.ActualPrice); err != nil {
			m.logger.Debug("calibration skipped", zap.String("symbol", rec.Symbol), zap.Error(err))
		}
	}
	return &rec, nil
}

func (m *Monitor) checkThresholds(ctx context.Context, rec domain.SlippageRecord) {
	adverse := rec.AdverseBps()
	if adverse > m.config.WarningThresholdBps {
		m.warnings.Add(1)
		m.raise(ctx, domain.AlertWarning, domain.EventSlippageWarning, m.config.WarningThresholdBps, rec)
	}
	if adverse > m.config.CriticalThresholdBps {
		m.criticals.Add(1)
		m.raise(ctx, domain.AlertCritical, domain.EventCriticalSlippage, m.config.CriticalThresholdBps, rec)
	}
}

func (m *Monitor) raise(ctx context.Context, kind domain.AlertKind, evType domain.EventType, threshold float64, rec domain.SlippageRecord) {
	alert := domain.Alert{
		Kind:        kind,
		OrderID:     rec.OrderID,
		Symbol:      rec.Symbol,
		SlippageBps: rec.SlippageBps,
		Threshold:   threshold,
		Message: fmt.Sprintf("%s slippage %.2f bps on %s %s exceeds %.2f bps",
			kind, rec.SlippageBps, rec.Side, rec.Symbol, threshold),
		Timestamp: rec.Timestamp,
	}
	m.mu.Lock()
	m.alerts.Push(alert)
	m.mu.Unlock()

	if kind == domain.AlertCritical {
		m.logger.Error(alert.Message, zap.String("order", rec.OrderID))
	} else {
		m.logger.Warn(alert.Message, zap.String("order", rec.OrderID))
	}
	if m.publisher == nil {
		return
	}
	ev := domain.Event{
		Type:        evType,
		OrderID:     rec.OrderID,
		Symbol:      rec.Symbol,
		Price:       rec.ActualPrice,
		Quantity:    rec.Quantity,
		SlippageBps: rec.SlippageBps,
		Message:     alert.Message,
		Data:        alert,
		Timestamp:   rec.Timestamp,
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.logger.Debug("alert not published", zap.Error(err))
	}
}

// Alerts returns the most recent alerts, oldest first
func (m *Monitor) Alerts() []domain.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alerts.Slice()
}

// ExportRecords returns the retained records for symbol, or for every
// symbol when symbol is empty, sorted by time
func (m *Monitor) ExportRecords(symbol string) []domain.SlippageRecord {
	m.mu.RLock()
	var out []domain.SlippageRecord
	for s, h := range m.history {
		if symbol != "" && s != symbol {
			continue
		}
		out = append(out, h.Slice()...)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Export writes every retained record through exporter
func (m *Monitor) Export(ctx context.Context, exporter ports.RecordExporter) (int, error) {
	records := m.ExportRecords("")
	if len(records) == 0 {
		return 0, nil
	}
	start := time.Now()
	n, err := exporter.ExportRecords(ctx, records)
	if err != nil {
		m.logger.Error("export failed",
			zap.String("exporter", exporter.Name()),
			zap.Int("written", n),
			zap.Error(err))
		return n, fmt.Errorf("export to %s: %w", exporter.Name(), err)
	}
	m.logger.Info("records exported",
		zap.String("exporter", exporter.Name()),
		zap.Int("records", n),
		zap.Duration("took", time.Since(start)))
	return n, nil
}

func (m *Monitor) records(symbol string) []domain.SlippageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.history[symbol]
	if !ok {
		return nil
	}
	return h.Slice()
}

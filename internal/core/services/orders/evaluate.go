package orders

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/services/sequencer"
	"go.uber.org/zap"
)

// UpdateMarketPrice evaluates every live order of symbol against price in
// registration order. Expiry is checked before triggers. It returns the ids
// of the orders this tick triggered.
func (m *Manager) UpdateMarketPrice(ctx context.Context, symbol string, price decimal.Decimal) ([]string, error) {
	if symbol == "" {
		return nil, domain.Validation("UpdateMarketPrice", "symbol is required")
	}
	if !price.IsPositive() {
		return nil, domain.Validation("UpdateMarketPrice", "price %s must be positive", price)
	}
	var triggered []string
	err := m.seq.Do(ctx, symbol, func(tx *sequencer.Tx) error {
		triggered = m.evaluate(tx, m.book(symbol), price)
		return nil
	})
	return triggered, err
}

// LastPrice returns the last price evaluated for symbol
func (m *Manager) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var last decimal.Decimal
	err := m.seq.Do(ctx, symbol, func(*sequencer.Tx) error {
		last = m.book(symbol).last
		return nil
	})
	return last, err
}

// ExpireStale expires every live order whose time in force has elapsed,
// without waiting for the next tick of its symbol. Triggers are left alone.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	var symbols []string
	m.books.Range(func(k, _ any) bool {
		symbols = append(symbols, k.(string))
		return true
	})
	expired := 0
	for _, symbol := range symbols {
		err := m.seq.Do(ctx, symbol, func(tx *sequencer.Tx) error {
			b := m.book(symbol)
			now := m.clock.Now()
			live := append([]*domain.ParentOrder(nil), b.live...)
			for _, o := range live {
				if !o.IsTerminal() && o.IsExpired(now) {
					m.finish(tx, b, o, domain.StatusExpired, "time in force elapsed")
					expired++
				}
			}
			m.retire(b)
			return nil
		})
		if err != nil {
			return expired, err
		}
	}
	return expired, nil
}

func (m *Manager) evaluate(tx *sequencer.Tx, b *symbolBook, price decimal.Decimal) []string {
	now := m.clock.Now()
	b.last = price

	var triggered []string
	live := append([]*domain.ParentOrder(nil), b.live...)
	for _, o := range live {
		// a sibling may have been closed earlier in this tick
		if o.IsTerminal() {
			continue
		}
		if o.IsExpired(now) {
			m.finish(tx, b, o, domain.StatusExpired, "time in force elapsed")
			continue
		}
		if o.Status != domain.StatusActive {
			continue
		}
		if m.crossed(tx, o, price) {
			m.trigger(tx, b, o, price)
			triggered = append(triggered, o.ID)
		}
	}
	m.retire(b)
	return triggered
}

// crossed reports whether price fires o's trigger. Trailing stops move their
// watermark first.
func (m *Manager) crossed(tx *sequencer.Tx, o *domain.ParentOrder, price decimal.Decimal) bool {
	switch o.Kind {
	case domain.KindStopLoss:
		return stopCrossed(o.Side, o.StopPrice, price)
	case domain.KindTakeProfit:
		return takeProfitCrossed(o.Side, o.TakeProfitPrice, price)
	case domain.KindTrailingStop:
		m.trail(tx, o, price)
		return stopCrossed(o.Side, o.StopPrice, price)
	case domain.KindOCO, domain.KindBracket:
		switch o.Role {
		case domain.LegStop:
			return stopCrossed(o.Side, o.StopPrice, price)
		case domain.LegTakeProfit:
			return takeProfitCrossed(o.Side, o.TakeProfitPrice, price)
		case domain.LegEntry:
			return entryCrossed(o.Side, o.EntryPrice, price)
		}
	}
	return false
}

// stopCrossed: a sell stop fires at or below the stop, a buy stop at or above
func stopCrossed(side domain.Side, stop, price decimal.Decimal) bool {
	if !stop.IsPositive() {
		return false
	}
	if side == domain.SideSell {
		return price.LessThanOrEqual(stop)
	}
	return price.GreaterThanOrEqual(stop)
}

func takeProfitCrossed(side domain.Side, target, price decimal.Decimal) bool {
	if !target.IsPositive() {
		return false
	}
	if side == domain.SideSell {
		return price.GreaterThanOrEqual(target)
	}
	return price.LessThanOrEqual(target)
}

func entryCrossed(side domain.Side, entry, price decimal.Decimal) bool {
	if side == domain.SideBuy {
		return price.LessThanOrEqual(entry)
	}
	return price.GreaterThanOrEqual(entry)
}

func trailStop(side domain.Side, watermark, trail decimal.Decimal) decimal.Decimal {
	if side == domain.SideSell {
		return watermark.Sub(trail)
	}
	return watermark.Add(trail)
}

// trail moves the watermark in the favourable direction only: up for a
// sell stop, down for a buy stop.
func (m *Manager) trail(tx *sequencer.Tx, o *domain.ParentOrder, price decimal.Decimal) {
	improved := o.Watermark.IsZero() ||
		(o.Side == domain.SideSell && price.GreaterThan(o.Watermark)) ||
		(o.Side == domain.SideBuy && price.LessThan(o.Watermark))
	if !improved {
		return
	}
	o.Watermark = price
	o.StopPrice = trailStop(o.Side, o.Watermark, o.TrailAmount)
	m.commit(o)

	ev := m.event(domain.EventTrailUpdated, o)
	ev.Price = o.StopPrice
	ev.Data = o.Watermark
	m.emit(tx, ev)
}

func (m *Manager) transition(o *domain.ParentOrder, to domain.OrderStatus, op string) error {
	if !domain.CanTransition(o.Status, to) {
		return domain.NewError(domain.CodeInvalidStateTransition, op,
			"order %s cannot move from %s to %s", o.ID, o.Status, to).
			WithDetail("order_id", o.ID)
	}
	o.Status = to
	return nil
}

// trigger moves o to TRIGGERED, closes its OCO sibling in the same step and
// dispatches it.
func (m *Manager) trigger(tx *sequencer.Tx, b *symbolBook, o *domain.ParentOrder, price decimal.Decimal) {
	if err := m.transition(o, domain.StatusTriggered, "trigger"); err != nil {
		m.logger.Error("trigger rejected", zap.String("order", o.ID), zap.Error(err))
		return
	}
	now := m.clock.Now()
	o.TriggerPrice = price
	o.TriggeredAt = &now
	m.triggered.Add(1)
	m.commit(o)

	if sib, ok := b.orders[o.Links.OCOSiblingID]; ok && !sib.IsTerminal() {
		m.finish(tx, b, sib, domain.StatusCancelled, fmt.Sprintf("OCO sibling %s triggered", o.ID))
	}

	ev := m.event(domain.EventStopTriggered, o)
	ev.Price = price
	ev.Data = o.Role.String()
	m.emit(tx, ev)
	m.logger.Info("order triggered",
		zap.String("order", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("kind", o.Kind.String()),
		zap.String("price", price.String()))

	m.dispatch(tx, o, m.releaseQuantity(o))
	m.commit(o)
}

var terminalEvents = map[domain.OrderStatus]domain.EventType{
	domain.StatusCancelled: domain.EventOrderCancelled,
	domain.StatusExpired:   domain.EventOrderExpired,
	domain.StatusRejected:  domain.EventOrderRejected,
}

// finish closes o with a CANCELLED, EXPIRED or REJECTED status and cascades
// to linked orders: the OCO sibling, and bracket legs that never armed.
func (m *Manager) finish(tx *sequencer.Tx, b *symbolBook, o *domain.ParentOrder, status domain.OrderStatus, reason string) {
	if err := m.transition(o, status, "finish"); err != nil {
		m.logger.Debug("finish skipped", zap.String("order", o.ID), zap.Error(err))
		return
	}
	o.Reason = reason
	m.commit(o)
	switch status {
	case domain.StatusCancelled:
		m.cancelled.Add(1)
	case domain.StatusExpired:
		m.expired.Add(1)
	case domain.StatusRejected:
		m.rejected.Add(1)
	}

	ev := m.event(terminalEvents[status], o)
	ev.Price = o.AvgFillPrice
	m.emit(tx, ev)
	m.logger.Info("order closed",
		zap.String("order", o.ID),
		zap.String("status", status.String()),
		zap.String("reason", reason))

	cascade := status
	if status == domain.StatusRejected {
		cascade = domain.StatusCancelled
	}
	linked := fmt.Sprintf("linked order %s %s", o.ID, status)
	if sib, ok := b.orders[o.Links.OCOSiblingID]; ok && !sib.IsTerminal() {
		m.finish(tx, b, sib, cascade, linked)
	}
	if o.Role == domain.LegEntry {
		for _, id := range []string{o.Links.StopLossLegID, o.Links.TakeProfitLegID} {
			if leg, ok := b.orders[id]; ok && leg.Status == domain.StatusDormant {
				m.finish(tx, b, leg, cascade, linked)
			}
		}
	}
}

// CancelOrder cancels a live order and its dependents. Fills already
// applied are kept.
func (m *Manager) CancelOrder(ctx context.Context, id string) (*domain.ParentOrder, error) {
	return m.close(ctx, "CancelOrder", id, domain.StatusCancelled, "cancelled by request")
}

// RejectOrder closes an order whose execution could not complete
func (m *Manager) RejectOrder(ctx context.Context, id, reason string) (*domain.ParentOrder, error) {
	return m.close(ctx, "RejectOrder", id, domain.StatusRejected, reason)
}

// ExpireOrder closes an order whose execution window ended with quantity left
func (m *Manager) ExpireOrder(ctx context.Context, id, reason string) (*domain.ParentOrder, error) {
	return m.close(ctx, "ExpireOrder", id, domain.StatusExpired, reason)
}

func (m *Manager) close(ctx context.Context, op, id string, status domain.OrderStatus, reason string) (*domain.ParentOrder, error) {
	symbol, err := m.symbolOf(op, id)
	if err != nil {
		return nil, err
	}
	var out *domain.ParentOrder
	err = m.seq.Do(ctx, symbol, func(tx *sequencer.Tx) error {
		b := m.book(symbol)
		o, err := m.lookup(b, op, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(o.Status, status) {
			return domain.NewError(domain.CodeInvalidStateTransition, op, "order %s is %s", id, o.Status)
		}
		m.finish(tx, b, o, status, reason)
		out = o.Clone()
		m.retire(b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

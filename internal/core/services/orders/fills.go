package orders

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/services/sequencer"
	"go.uber.org/zap"
)

func executable(o *domain.ParentOrder) bool {
	return o.Status == domain.StatusTriggered || o.Status == domain.StatusPartiallyFilled
}

// CheckLive reports whether fills may still be committed for id. It must be
// called inside the step of the order's symbol.
func (m *Manager) CheckLive(tx *sequencer.Tx, id string) error {
	o, err := m.lookup(m.book(tx.Key()), "CheckLive", id)
	if err != nil {
		return err
	}
	if !executable(o) {
		return domain.NewError(domain.CodeInvalidStateTransition, "CheckLive", "order %s is %s", id, o.Status)
	}
	return nil
}

// ApplyFill commits a fill against a triggered order
func (m *Manager) ApplyFill(ctx context.Context, id string, fill domain.Fill) error {
	symbol, err := m.symbolOf("ApplyFill", id)
	if err != nil {
		return err
	}
	return m.seq.Do(ctx, symbol, func(tx *sequencer.Tx) error {
		return m.ApplyFillTx(tx, id, fill)
	})
}

// ApplyFillTx commits a fill inside the current step. Fills on orders that
// are not executing are rejected, as are fills larger than the remainder.
func (m *Manager) ApplyFillTx(tx *sequencer.Tx, id string, fill domain.Fill) error {
	const op = "ApplyFill"
	b := m.book(tx.Key())
	o, err := m.lookup(b, op, id)
	if err != nil {
		return err
	}
	if !executable(o) {
		return domain.NewError(domain.CodeInvalidStateTransition, op, "order %s is %s", id, o.Status)
	}
	if !fill.Quantity.IsPositive() || !fill.Price.IsPositive() {
		return domain.Validation(op, "fill quantity and price must be positive")
	}
	if fill.Quantity.GreaterThan(o.RemainingQuantity) {
		return domain.Validation(op, "fill %s exceeds remaining %s", fill.Quantity, o.RemainingQuantity).
			WithDetail("order_id", id)
	}

	o.ApplyFill(fill.Quantity, fill.Price)
	next := domain.StatusPartiallyFilled
	if !o.RemainingQuantity.IsPositive() {
		next = domain.StatusFilled
	}
	if err := m.transition(o, next, op); err != nil {
		return err
	}
	m.fills.Add(1)
	if next == domain.StatusFilled {
		m.filled.Add(1)
	}
	m.commit(o)

	ev := m.event(domain.EventOrderFilled, o)
	ev.Price = fill.Price
	ev.Quantity = fill.Quantity
	ev.Data = fill.Venue
	m.emit(tx, ev)
	m.logger.Debug("fill applied",
		zap.String("order", id),
		zap.String("quantity", fill.Quantity.String()),
		zap.String("price", fill.Price.String()),
		zap.String("status", o.Status.String()))

	if o.Kind == domain.KindIceberg {
		o.SliceOutstanding = o.SliceOutstanding.Sub(fill.Quantity)
		if !o.SliceOutstanding.IsPositive() {
			o.SliceOutstanding = decimal.Zero
			if o.RemainingQuantity.IsPositive() {
				m.dispatch(tx, o, m.releaseQuantity(o))
			}
		}
		m.commit(o)
	}
	if o.Role == domain.LegEntry {
		m.arm(tx, b, o, fill)
	}
	m.retire(b)
	return nil
}

// arm activates the bracket legs and sizes them to the filled entry quantity
func (m *Manager) arm(tx *sequencer.Tx, b *symbolBook, entry *domain.ParentOrder, fill domain.Fill) {
	for _, id := range []string{entry.Links.StopLossLegID, entry.Links.TakeProfitLegID} {
		leg, ok := b.orders[id]
		if !ok || leg.IsTerminal() {
			continue
		}
		switch leg.Status {
		case domain.StatusDormant:
			if err := m.transition(leg, domain.StatusActive, "arm"); err != nil {
				continue
			}
			ev := m.event(domain.EventBracketArmed, leg)
			ev.Price = fill.Price
			ev.Quantity = fill.Quantity
			ev.Data = entry.ID
			m.emit(tx, ev)
		case domain.StatusActive:
		default:
			m.logger.Warn("bracket leg already executing, fill left unprotected",
				zap.String("leg", leg.ID),
				zap.String("quantity", fill.Quantity.String()))
			continue
		}
		leg.TotalQuantity = leg.TotalQuantity.Add(fill.Quantity)
		leg.RemainingQuantity = leg.RemainingQuantity.Add(fill.Quantity)
		m.commit(leg)
	}
}

// RefreshSlice releases the next visible slice of an iceberg whose current
// slice finished without filling completely
func (m *Manager) RefreshSlice(ctx context.Context, id string) error {
	const op = "RefreshSlice"
	symbol, err := m.symbolOf(op, id)
	if err != nil {
		return err
	}
	return m.seq.Do(ctx, symbol, func(tx *sequencer.Tx) error {
		o, err := m.lookup(m.book(symbol), op, id)
		if err != nil {
			return err
		}
		if o.Kind != domain.KindIceberg {
			return domain.Validation(op, "order %s is not an iceberg", id)
		}
		if !executable(o) {
			return domain.NewError(domain.CodeInvalidStateTransition, op, "order %s is %s", id, o.Status)
		}
		m.dispatch(tx, o, m.releaseQuantity(o))
		m.commit(o)
		return nil
	})
}

// AttachRun records the execution run working id
func (m *Manager) AttachRun(ctx context.Context, id, runID string) error {
	symbol, err := m.symbolOf("AttachRun", id)
	if err != nil {
		return err
	}
	return m.seq.Do(ctx, symbol, func(*sequencer.Tx) error {
		o, ok := m.book(symbol).orders[id]
		if !ok {
			return nil
		}
		o.Links.ExecutionRunID = runID
		m.commit(o)
		return nil
	})
}

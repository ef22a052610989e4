package ports

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
)

// VenueGateway places a child slice on a venue and reports the resulting fill.
// A fill with zero quantity means the venue accepted nothing.
type VenueGateway interface {
	// Execute sends quantity of the slice to venueID
	Execute(ctx context.Context, venueID string, slice *domain.ChildSlice, quantity decimal.Decimal) (*domain.Fill, error)
}

// BookSource exposes the latest order book snapshot per symbol
type BookSource interface {
	Snapshot(symbol string) (*domain.OrderBookSnapshot, bool)
}

// VolumeSource reports cumulative traded market volume per symbol.
// Consumers diff successive readings to obtain interval volume.
type VolumeSource interface {
	TradedVolume(symbol string) decimal.Decimal
}

// LiquiditySource reports the live liquidity a venue offers for a symbol
type LiquiditySource interface {
	VenueLiquidity(venueID, symbol string) (decimal.Decimal, error)
	Venue(venueID string) (*domain.VenueProfile, error)
}

// EventPublisher delivers engine notifications to subscribers
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// RecordExporter writes slippage records to an external store
type RecordExporter interface {
	// Name identifies the exporter in logs
	Name() string
	// ExportRecords writes records and returns how many were accepted
	ExportRecords(ctx context.Context, records []domain.SlippageRecord) (int, error)
}

// EventSink forwards engine events outside the process
type EventSink interface {
	Send(ctx context.Context, event domain.Event) error
	Close() error
}

// Calibrator receives realized executions so the predictor can correct its bias
type Calibrator interface {
	RecordSlippage(symbol string, side domain.Side, quantity, expectedPrice, actualPrice decimal.Decimal) error
}

// Dispatcher executes triggered parent orders. Quantity is the amount to
// execute now: the whole remainder, or one visible iceberg slice.
type Dispatcher interface {
	Dispatch(ctx context.Context, order *domain.ParentOrder, quantity decimal.Decimal)
}

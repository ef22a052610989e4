package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"go.uber.org/zap"
)

const schema = `
	CREATE TABLE IF NOT EXISTS slippage_records (
		id             BIGSERIAL PRIMARY KEY,
		order_id       TEXT NOT NULL,
		symbol         TEXT NOT NULL,
		side           TEXT NOT NULL,
		quantity       NUMERIC NOT NULL,
		expected_price NUMERIC NOT NULL,
		actual_price   NUMERIC NOT NULL,
		slippage_bps   DOUBLE PRECISION NOT NULL,
		venue          TEXT NOT NULL DEFAULT '',
		recorded_at    TIMESTAMPTZ NOT NULL,
		exported_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (order_id, venue, recorded_at)
	);

	CREATE INDEX IF NOT EXISTS idx_slippage_records_symbol_time
		ON slippage_records (symbol, recorded_at);
`

const insertRecord = `
	INSERT INTO slippage_records
		(order_id, symbol, side, quantity, expected_price, actual_price, slippage_bps, venue, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (order_id, venue, recorded_at) DO NOTHING
`

// RecordExporter writes slippage records in batches. Records already stored
// are skipped, so re-exporting the same history is harmless.
type RecordExporter struct {
	pool      *pgxpool.Pool
	batchSize int
	logger    *zap.Logger
}

// NewRecordExporter creates an exporter over pool
func NewRecordExporter(pool *pgxpool.Pool, batchSize int, logger *zap.Logger) *RecordExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize < 1 {
		batchSize = 500
	}
	return &RecordExporter{pool: pool, batchSize: batchSize, logger: logger.Named("postgres-exporter")}
}

// Name identifies the exporter
func (e *RecordExporter) Name() string { return "postgres" }

// Migrate creates the records table when missing
func (e *RecordExporter) Migrate(ctx context.Context) error {
	if _, err := e.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create slippage_records table: %w", err)
	}
	return nil
}

// ExportRecords inserts records and returns how many were new
func (e *RecordExporter) ExportRecords(ctx context.Context, records []domain.SlippageRecord) (int, error) {
	written := 0
	for start := 0; start < len(records); start += e.batchSize {
		end := min(start+e.batchSize, len(records))
		n, err := e.exportBatch(ctx, records[start:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (e *RecordExporter) exportBatch(ctx context.Context, records []domain.SlippageRecord) (int, error) {
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertRecord,
			r.OrderID,
			r.Symbol,
			r.Side.String(),
			r.Quantity,
			r.ExpectedPrice,
			r.ActualPrice,
			r.SlippageBps,
			r.Venue,
			r.Timestamp,
		)
	}

	results := e.pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for i := range records {
		tag, err := results.Exec()
		if err != nil {
			return written, fmt.Errorf("failed to insert record %s: %w", records[i].OrderID, err)
		}
		written += int(tag.RowsAffected())
	}
	e.logger.Debug("batch exported", zap.Int("records", len(records)), zap.Int("new", written))
	return written, nil
}

// Count returns how many records are stored for symbol, or in total when
// symbol is empty
func (e *RecordExporter) Count(ctx context.Context, symbol string) (int, error) {
	var n int
	err := e.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM slippage_records WHERE $1 = '' OR symbol = $1`, symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

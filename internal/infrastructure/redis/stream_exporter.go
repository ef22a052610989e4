// Package redis exports slippage records to a Redis stream.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"go.uber.org/zap"
)

// Config holds the stream exporter configuration
type Config struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Stream    string        `mapstructure:"stream"`
	MaxLen    int64         `mapstructure:"max_len"`
	DedupTTL  time.Duration `mapstructure:"dedup_ttl"`
	BatchSize int           `mapstructure:"batch_size"`
}

// DefaultConfig returns reasonable default configuration
func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		Stream:    "execution:slippage",
		MaxLen:    100000,
		DedupTTL:  24 * time.Hour,
		BatchSize: 500,
	}
}

// appendOnce adds a record to the stream unless its marker key exists. Each
// marker expires on its own after the dedup TTL.
const appendOnce = `
	if not redis.call('SET', KEYS[2], 1, 'NX', 'EX', ARGV[3]) then
		return 0
	end
	redis.call('XADD', KEYS[1], 'MAXLEN', '~', ARGV[1], '*', 'record', ARGV[2])
	return 1
`

// StreamExporter appends slippage records to a capped Redis stream. A marker
// key per exported record keeps repeated exports of the same history from
// duplicating entries.
type StreamExporter struct {
	client *redis.Client
	config Config
	logger *zap.Logger
}

// NewClient creates a Redis client from config
func NewClient(config Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
}

// NewStreamExporter creates an exporter using client
func NewStreamExporter(client *redis.Client, config Config, logger *zap.Logger) *StreamExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.Stream == "" {
		config.Stream = def.Stream
	}
	if config.MaxLen <= 0 {
		config.MaxLen = def.MaxLen
	}
	if config.DedupTTL <= 0 {
		config.DedupTTL = def.DedupTTL
	}
	if config.BatchSize < 1 {
		config.BatchSize = def.BatchSize
	}
	return &StreamExporter{client: client, config: config, logger: logger.Named("redis-exporter")}
}

// Name identifies the exporter
func (e *StreamExporter) Name() string { return "redis" }

func (e *StreamExporter) markerKey(r domain.SlippageRecord) string {
	return fmt.Sprintf("%s:exported:%s|%s|%d", e.config.Stream, r.OrderID, r.Venue, r.Timestamp.UnixNano())
}

// ExportRecords appends records not exported before and returns how many
// were new
func (e *StreamExporter) ExportRecords(ctx context.Context, records []domain.SlippageRecord) (int, error) {
	written := 0
	for start := 0; start < len(records); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(records))
		n, err := e.exportBatch(ctx, records[start:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (e *StreamExporter) exportBatch(ctx context.Context, records []domain.SlippageRecord) (int, error) {
	ttl := max(int(e.config.DedupTTL.Seconds()), 1)

	pipe := e.client.Pipeline()
	cmds := make([]*redis.Cmd, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize record %s: %w", r.OrderID, err)
		}
		keys := []string{e.config.Stream, e.markerKey(r)}
		cmds = append(cmds, pipe.Eval(ctx, appendOnce, keys, e.config.MaxLen, data, ttl))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("stream export failed: %w", err)
	}

	written := 0
	for _, cmd := range cmds {
		added, err := cmd.Int()
		if err != nil {
			return written, fmt.Errorf("unexpected result from stream export: %w", err)
		}
		written += added
	}
	e.logger.Debug("batch exported", zap.String("stream", e.config.Stream), zap.Int("new", written))
	return written, nil
}

// Tail returns up to n of the most recent records, newest first
func (e *StreamExporter) Tail(ctx context.Context, n int64) ([]domain.SlippageRecord, error) {
	msgs, err := e.client.XRevRangeN(ctx, e.config.Stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	out := make([]domain.SlippageRecord, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["record"].(string)
		if !ok {
			continue
		}
		var r domain.SlippageRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("failed to deserialize entry %s: %w", m.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Len returns the number of entries in the stream
func (e *StreamExporter) Len(ctx context.Context) (int64, error) {
	return e.client.XLen(ctx, e.config.Stream).Result()
}

// Package kafka forwards engine events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"go.uber.org/zap"
)

// Config holds the producer configuration
type Config struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns reasonable default configuration
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "execution-events",
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// MessageWriter is the part of *kafka.Writer the sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventSink publishes each event as a JSON message keyed by symbol, so events
// of one symbol stay ordered within their partition
type EventSink struct {
	writer MessageWriter
	logger *zap.Logger
}

// NewWriter creates a synchronous writer that waits for every replica
func NewWriter(config Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: config.BatchTimeout,
		WriteTimeout: config.WriteTimeout,
	}
}

// NewEventSink creates a sink over writer
func NewEventSink(writer MessageWriter, logger *zap.Logger) *EventSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventSink{writer: writer, logger: logger.Named("kafka-sink")}
}

// Send writes one event
func (s *EventSink) Send(ctx context.Context, event domain.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", event.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Symbol),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "sequence", Value: []byte(strconv.FormatUint(event.Sequence, 10))},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn("event not delivered",
			zap.String("type", string(event.Type)),
			zap.Uint64("sequence", event.Sequence),
			zap.Error(err))
		return fmt.Errorf("failed to write event %s: %w", event.Type, err)
	}
	return nil
}

// Close flushes and closes the writer
func (s *EventSink) Close() error {
	return s.writer.Close()
}

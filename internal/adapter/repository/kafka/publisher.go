// Package kafka publishes ingested records to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/V4T54L/chialog/internal/domain"
)

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one message per record, keyed by hostname so the records
// of a host stay ordered within a partition.
type Publisher struct {
	writer Writer
	logger *slog.Logger
}

// NewPublisher creates a publisher for topic on the given brokers.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Zstd,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewPublisherWithWriter(w, logger.With("component", "kafka_publisher", "topic", topic))
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w Writer, logger *slog.Logger) *Publisher {
	return &Publisher{writer: w, logger: logger}
}

// Publish implements domain.RecordPublisher.
func (p *Publisher) Publish(ctx context.Context, records []domain.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	msgs, err := encodeMessages(records)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("writing %d messages: %w", len(msgs), err)
	}
	p.logger.Debug("published records", "count", len(msgs))
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func encodeMessages(records []domain.LogRecord) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encoding record: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(rec.Hostname),
			Value: payload,
			Time:  rec.Timestamp,
			Headers: []kafka.Header{
				{Key: "level", Value: []byte(rec.Level)},
				{Key: "service", Value: []byte(rec.ServiceName)},
			},
		})
	}
	return msgs, nil
}

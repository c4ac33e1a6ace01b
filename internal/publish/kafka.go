// Package publish announces enriched cities on a Kafka topic.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/lox/eventweather/internal/models"
)

// messageWriter is the subset of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes one message per committed city batch.
type Writer struct {
	writer messageWriter
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for topic.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

func (w *Writer) Publish(ctx context.Context, msg models.CityEnriched) error {
	m, err := serializeToMessage(msg)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("publish %s: %w", string(m.Key), err)
	}
	w.logger.Debug("published enriched city", "city", msg.City, "state", msg.State)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage keys messages by city so one city's updates stay on a
// single partition.
func serializeToMessage(msg models.CityEnriched) (kafkago.Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize enriched city: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(msg.City + "|" + msg.State),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "run_id", Value: []byte(msg.RunID)},
			{Key: "enriched_at", Value: []byte(msg.EnrichedAt.Format(time.RFC3339))},
		},
	}, nil
}

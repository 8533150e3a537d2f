// Package kafka publishes order events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

// DefaultTopic receives order events when no topic is configured.
const DefaultTopic = "order.state.changed"

// ErrNoBrokers is returned when the publisher is created without brokers.
var ErrNoBrokers = errors.New("kafka brokers are required")

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds publisher configuration
type Config struct {
	Brokers []string
	Topic   string

	// BatchTimeout bounds how long a message waits for a batch (default: 10ms)
	BatchTimeout time.Duration
}

// Publisher implements payhook.EventPublisher on a Kafka topic.
// Messages are keyed by order id so one order's events stay ordered.
type Publisher struct {
	writer messageWriter
	topic  string
}

var _ payhook.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a publisher backed by a kafka.Writer
func NewPublisher(config Config) (*Publisher, error) {
	if len(config.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: config.BatchTimeout,
	}
	return newPublisher(writer, config.Topic), nil
}

func newPublisher(writer messageWriter, topic string) *Publisher {
	return &Publisher{writer: writer, topic: topic}
}

// PublishOrderEvent implements payhook.EventPublisher
func (p *Publisher) PublishOrderEvent(ctx context.Context, event *payhook.OrderEvent) error {
	if event == nil {
		return fmt.Errorf("order event is required")
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode order event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.OrderID),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer
func (p *Publisher) Close() error {
	return p.writer.Close()
}

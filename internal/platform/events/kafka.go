package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bookhaven/api/internal/services"
)

var _ services.LifecycleEventPublisher = (*KafkaPublisher)(nil)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes lifecycle events to a Kafka topic keyed by order.
type KafkaPublisher struct {
	w messageWriter
}

// KafkaOption customises the underlying writer.
type KafkaOption func(*kafka.Writer)

// WithKafkaLoggers routes writer diagnostics to the given printf-style loggers.
func WithKafkaLoggers(info, errs kafka.Logger) KafkaOption {
	return func(w *kafka.Writer) {
		w.Logger = info
		w.ErrorLogger = errs
	}
}

// NewKafkaPublisher configures a synchronous writer that waits for all in-sync replicas.
func NewKafkaPublisher(brokers []string, topic string, opts ...KafkaOption) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka lifecycle publisher: brokers are required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka lifecycle publisher: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return newKafkaPublisher(w), nil
}

func newKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

// PublishLifecycleEvent writes one message and waits for the acknowledgement.
func (p *KafkaPublisher) PublishLifecycleEvent(ctx context.Context, event services.LifecycleEvent) error {
	if p == nil || p.w == nil {
		return errors.New("kafka lifecycle publisher: not initialised")
	}
	event = prepare(event)
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}

	attrs := attributes(event)
	headers := make([]kafka.Header, 0, len(attrs))
	for _, name := range []string{"eventId", "type", "orderId", "purchaseId", "previousStatus", "currentStatus", "actorRole"} {
		if v, ok := attrs[name]; ok {
			headers = append(headers, kafka.Header{Key: name, Value: []byte(v)})
		}
	}

	if err := p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(partitionKey(event)),
		Value:   value,
		Headers: headers,
		Time:    event.OccurredAt,
	}); err != nil {
		return fmt.Errorf("publish lifecycle event: %w", err)
	}
	return nil
}

// Close releases the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.w == nil {
		return nil
	}
	return p.w.Close()
}

// Package event publishes payment status changes to kafka for downstream
// consumers (fulfillment, notifications, ledgers).
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const TypePaymentStatusChanged = "payment.status_changed"

// PaymentStatusChanged is emitted after a transition commits. Messages are
// keyed by order id so one order's events stay ordered on a partition.
type PaymentStatusChanged struct {
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id"`
	OrderID    string    `json:"order_id"`
	PaymentID  string    `json:"payment_id"`
	Gateway    string    `json:"gateway"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	ActorID    string    `json:"actor_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Writer is the subset of kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher interface {
	PaymentStatusChanged(ctx context.Context, e PaymentStatusChanged) error
	Close() error
}

type KafkaPublisher struct {
	writer Writer
	logger *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		// writes are synchronous on the request path; don't wait for a batch
		BatchTimeout: 10 * time.Millisecond,
	}
	return NewKafkaPublisherWithWriter(w, logger)
}

// NewKafkaPublisherWithWriter allows injecting a test writer.
func NewKafkaPublisherWithWriter(w Writer, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, logger: logger}
}

func (p *KafkaPublisher) PaymentStatusChanged(ctx context.Context, e PaymentStatusChanged) error {
	if e.Type == "" {
		e.Type = TypePaymentStatusChanged
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.Type, err)
	}

	msg := kafka.Message{
		Key:   []byte(e.OrderID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
			{Key: "tenant_id", Value: []byte(e.TenantID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.ErrorContext(ctx, "kafka write failed", "order_id", e.OrderID, "payment_id", e.PaymentID, "error", err)
		return fmt.Errorf("kafka write: %w", err)
	}
	p.logger.DebugContext(ctx, "published payment status change", "order_id", e.OrderID, "to", e.ToStatus)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher is used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) PaymentStatusChanged(context.Context, PaymentStatusChanged) error { return nil }

func (NoopPublisher) Close() error { return nil }

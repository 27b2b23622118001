package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultSettledTopic receives one event per payment that leaves PENDING
const DefaultSettledTopic = "payment.settled"

// PaymentSettledEvent is the message published to Kafka. It never carries the full card number.
type PaymentSettledEvent struct {
	PaymentID         string    `json:"payment_id"`
	IdempotencyKey    string    `json:"idempotency_key,omitempty"`
	Status            string    `json:"status"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	CardLastFour      string    `json:"card_last_four"`
	AuthorizationCode string    `json:"authorization_code,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	SettledAt         time.Time `json:"settled_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEventPublisher publishes settled payments, keyed by payment id
type KafkaEventPublisher struct {
	writer messageWriter
	logger *StructuredLogger
}

// NewKafkaWriter returns a writer for topic on broker
func NewKafkaWriter(broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaEventPublisher(writer messageWriter, logger *StructuredLogger) *KafkaEventPublisher {
	return &KafkaEventPublisher{writer: writer, logger: logger}
}

// PaymentSettled implements PaymentListener
func (p *KafkaEventPublisher) PaymentSettled(ctx context.Context, payment *Payment) error {
	event := PaymentSettledEvent{
		PaymentID:         payment.ID,
		IdempotencyKey:    payment.IdempotencyKey,
		Status:            string(payment.Status),
		Amount:            payment.Amount,
		Currency:          payment.Currency,
		CardLastFour:      payment.CardLastFour,
		AuthorizationCode: payment.AuthorizationCode,
		CreatedAt:         payment.CreatedAt,
		SettledAt:         time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode settled event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(payment.ID),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("publish settled event %s: %w", payment.ID, err)
	}

	p.logger.Debug("Settled event published", map[string]interface{}{
		"payment_id": payment.ID,
		"status":     event.Status,
		"operation":  "publish_settled",
	})
	return nil
}

func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}

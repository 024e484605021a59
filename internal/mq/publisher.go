package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип события.
type MessageType string

// Типы событий.
const (
	MessageTypeJobSubmitted   MessageType = "job.submitted"
	MessageTypeBatchCompleted MessageType = "batch.completed"
	MessageTypeJobFinished    MessageType = "job.finished"
	MessageTypeJobCancelled   MessageType = "job.cancelled"
	MessageTypeJobRetried     MessageType = "job.retried"
)

// Publisher публикует события в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger.With("component", "mq.publisher"),
	}
}

// Message — конверт события.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип события.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// JobEventPayload — состояние job в момент события
// (job.submitted, job.finished, job.cancelled, job.retried).
type JobEventPayload struct {
	TenantID         uuid.UUID `json:"tenant_id"`
	JobID            uuid.UUID `json:"job_id"`
	Status           string    `json:"status"`
	Target           string    `json:"target"`
	TotalRecords     int       `json:"total_records"`
	ProcessedRecords int       `json:"processed_records"`
	FailedRecords    int       `json:"failed_records"`

	// Batches — число batches, затронутых событием (для job.retried).
	Batches int `json:"batches,omitempty"`
}

// BatchCompletedPayload — итог одной попытки batch.
type BatchCompletedPayload struct {
	TenantID    uuid.UUID  `json:"tenant_id"`
	JobID       uuid.UUID  `json:"job_id"`
	BatchID     uuid.UUID  `json:"batch_id"`
	Sequence    int        `json:"sequence"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
	Discarded   bool       `json:"discarded,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published event",
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishEvent публикует событие в ExchangeEvents; routing key равен типу.
func (p *Publisher) PublishEvent(ctx context.Context, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	return p.Publish(ctx, ExchangeEvents, RoutingKeyFor(msgType), msg)
}

// PublishJobEvent публикует событие уровня job.
func (p *Publisher) PublishJobEvent(ctx context.Context, msgType MessageType, payload JobEventPayload) error {
	return p.PublishEvent(ctx, msgType, payload)
}

// PublishBatchCompleted публикует итог попытки batch.
func (p *Publisher) PublishBatchCompleted(ctx context.Context, payload BatchCompletedPayload) error {
	return p.PublishEvent(ctx, MessageTypeBatchCompleted, payload)
}

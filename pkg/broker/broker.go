// Package broker is the work queue abstraction: named durable queues, each
// with a dead-letter queue, consumed one message at a time.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jdziat/backtest-orchestrator/pkg/security"
)

// Broker errors
var (
	ErrClosed          = errors.New("broker: closed")
	ErrUnacked         = errors.New("broker: previous delivery not acknowledged")
	ErrPayloadTooLarge = errors.New("broker: payload too large")
	ErrAlreadySettled  = errors.New("broker: delivery already acknowledged")
)

// Message is one queued payload.
type Message struct {
	ID       string    `json:"id"`
	Queue    string    `json:"queue"`
	Body     []byte    `json:"body"`
	Reason   string    `json:"reason,omitempty"` // set on dead letters
	QueuedAt time.Time `json:"queued_at"`
}

// Decode unmarshals the body into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

// Delivery is a received message awaiting settlement.
type Delivery interface {
	Message() Message
	// Ack removes the message from its queue.
	Ack(ctx context.Context) error
	// Nack moves the message to its queue's dead-letter queue.
	Nack(ctx context.Context, reason string) error
	// Heartbeat tells the broker the consumer is still working on the message.
	Heartbeat(ctx context.Context) error
}

// Subscription is one consumer on one queue with a prefetch of exactly one:
// Receive fails with ErrUnacked until the previous delivery is settled.
type Subscription interface {
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// QueueStats is a point-in-time view of a queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Consumers int    `json:"consumers"`
	Ready     int64  `json:"ready"`
	Unacked   int64  `json:"unacked"`
	Dead      int64  `json:"dead"`
}

// Publisher appends messages to queues.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Broker delivers messages. It is never authoritative for job state.
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, queue, consumer string) (Subscription, error)
	Stats(ctx context.Context, queue string) (QueueStats, error)
	DeadLetters(ctx context.Context, queue string, limit int) ([]Message, error)
	Close() error
}

// PublishJSON marshals v and publishes it to queue.
func PublishJSON(ctx context.Context, b Publisher, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("broker: encode message: %w", err)
	}
	return b.Publish(ctx, queue, body)
}

func validatePublish(queue string, body []byte) error {
	if err := security.ValidateQueueName(queue); err != nil {
		return err
	}
	if len(body) > security.MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	return nil
}

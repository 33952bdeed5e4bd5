package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultTopic is where notifications are published.
const DefaultTopic = "notifications"

// Publisher is the subset of the Kafka producer used by KafkaEmitter.
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// KafkaEmitter publishes notifications as JSON records keyed by user id, so
// one user's notifications stay ordered within a partition.
type KafkaEmitter struct {
	publisher Publisher
	topic     string
	timeout   time.Duration
}

// NewKafkaEmitter creates an emitter on topic. An empty topic uses DefaultTopic.
func NewKafkaEmitter(publisher Publisher, topic string) *KafkaEmitter {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaEmitter{
		publisher: publisher,
		topic:     topic,
		timeout:   5 * time.Second,
	}
}

// Emit implements Emitter.
func (e *KafkaEmitter) Emit(ctx context.Context, n Notification) error {
	if n.UserID == "" {
		return &EmitError{Type: n.Type, Err: errors.New("user id is required")}
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return &EmitError{Type: n.Type, UserID: n.UserID, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.publisher.ProduceMessage(ctx, e.topic, n.UserID, payload); err != nil {
		return &EmitError{Type: n.Type, UserID: n.UserID, Err: err}
	}
	return nil
}

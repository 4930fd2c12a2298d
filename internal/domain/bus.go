package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe registers a handler in a named queue group.
	// Each message on the topic is delivered to one member of the group.
	QueueSubscribe(ctx context.Context, topic, queue string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Publisher is the publish half of EventBus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" mapstructure:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" mapstructure:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" mapstructure:"nats_url"`
	NATSToken         string `json:"-" mapstructure:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" mapstructure:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" mapstructure:"nats_reconnect_wait"` // seconds
}

// Topics published and consumed around the evaluation pipeline.
const (
	TopicTransactionSubmitted = "fraudwatch.transaction.submitted"
	TopicTransactionEvaluated = "fraudwatch.transaction.evaluated"
	TopicAlertCreated         = "fraudwatch.alert.created"
	TopicAlertReconcile       = "fraudwatch.alert.reconcile"
	TopicTransactionFailed    = "fraudwatch.transaction.failed"
)

// Failure reasons carried by FailedEvent.
const (
	FailureMalformed  = "malformed"
	FailureValidation = "validation"
	FailureDuplicate  = "duplicate"
	FailureOracle     = "oracle"
	FailurePersist    = "persist"
	FailureInternal   = "internal"
)

// FailedEvent reports a queued submission that was accepted with 202 but
// not recorded. TransactionID is empty when the payload could not be decoded.
type FailedEvent struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Reason        string `json:"reason"`
	Error         string `json:"error"`
	Retryable     bool   `json:"retryable"`
}

// ReconcileEvent asks the reconciler to repair the alert for one transaction.
type ReconcileEvent struct {
	TransactionID string `json:"transaction_id"`
}

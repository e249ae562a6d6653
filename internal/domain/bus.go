package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe registers a handler in a queue group.
	// Each message is delivered to one member of the group.
	QueueSubscribe(ctx context.Context, tenantID string, topic string, queue string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AllTenants subscribes to a topic across every tenant.
const AllTenants = "*"

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
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
	Type string `koanf:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `koanf:"channelbuffersize"`

	// NATS settings (Pro tier)
	NATSUrl           string `koanf:"natsurl"`
	NATSToken         string `koanf:"natstoken"`
	NATSMaxReconnects int    `koanf:"natsmaxreconnects"`
	NATSReconnectWait int    `koanf:"natsreconnectwait"` // seconds
}

// Standard topic names for the analysis lifecycle.
const (
	TopicAnalysisRequested = "kestrel.analysis.requested"
	TopicAnalysisProgress  = "kestrel.analysis.progress"
	TopicAnalysisCompleted = "kestrel.analysis.completed"
	TopicAnalysisFailed    = "kestrel.analysis.failed"
)

// AnalysisRequest is the payload of TopicAnalysisRequested.
type AnalysisRequest struct {
	AnalysisID   string        `json:"analysisId"`
	Transactions []Transaction `json:"transactions" validate:"required,min=1,dive"`
}

// AnalysisEvent is the payload of the progress, completed and failed topics.
type AnalysisEvent struct {
	AnalysisID string    `json:"analysisId"`
	TenantID   string    `json:"tenantId"`
	Progress   *Progress `json:"progress,omitempty"`
	RingCount  int       `json:"ringCount,omitempty"`
	Suspicious int       `json:"suspicious,omitempty"`
	Error      string    `json:"error,omitempty"`
}

package mq

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Routing keys of domain events published to the events exchange
const (
	RoutingReadingCreated    = "meter.reading.created"
	RoutingRollbackPerformed = "configuration.rollback.performed"
	RoutingRollbackReverted  = "configuration.rollback.reverted"
	RoutingRollbackNotify    = "configuration.rollback.notify"
)

// Event is the envelope of every published domain event
type Event struct {
	ID         string    `json:"event_id"`
	Type       string    `json:"event_type"`
	TenantID   int64     `json:"tenant_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// NewEvent stamps data with a fresh event id
func NewEvent(eventType string, tenantID int64, data any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// EventPublisher delivers domain events. Publish is called after the
// originating transaction committed.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event Event) error
}

// LogPublisher writes events to the log instead of a broker. Used when
// RabbitMQ is disabled.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements EventPublisher
func (p *LogPublisher) Publish(ctx context.Context, routingKey string, event Event) error {
	p.logger.Info("domain event",
		zap.String("routing_key", routingKey),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Int64("tenant_id", event.TenantID),
	)
	return nil
}

package out

import (
	"context"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
)

// =============================================================================
// Event ports
// =============================================================================

// EventPublisher is implemented by the internal event bus. Producers
// (sync engine, classification dispatcher) publish; consumers subscribe.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.Event)
}

// EventHandler consumes bus events. Handlers must not block.
type EventHandler func(ctx context.Context, event *domain.Event)

// EventSubscriber registers handlers for event types (all types when none given).
type EventSubscriber interface {
	Subscribe(name string, handler EventHandler, types ...domain.EventType) (unsubscribe func())
}

// RealtimePort fans events out to attached client connections of one owner.
type RealtimePort interface {
	Attach(ownerID uuid.UUID, connectionID string) (<-chan *domain.Event, error)
	Detach(connectionID string)
	Publish(ctx context.Context, ownerID uuid.UUID, event *domain.Event)
	ConnectionCount(ownerID uuid.UUID) int
}

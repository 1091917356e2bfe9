package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// EventChannel is the Redis Pub/Sub channel shared by all instances.
const EventChannel = "mailsync:events"

// relayEnvelope carries the fields Event hides from JSON.
type relayEnvelope struct {
	Origin  string          `json:"origin"`
	OwnerID uuid.UUID       `json:"owner_id"`
	Event   json.RawMessage `json:"event"`
}

// EventRelay bridges the in-process bus of split api/worker processes.
// Locally produced events are forwarded to Redis; events from other
// instances are republished on the local bus with their origin kept, so they
// are never forwarded again.
type EventRelay struct {
	client *redis.Client
	bus    out.EventPublisher
	origin string
	log    zerolog.Logger
}

func NewEventRelay(client *redis.Client, bus out.EventPublisher, origin string, log zerolog.Logger) *EventRelay {
	return &EventRelay{
		client: client,
		bus:    bus,
		origin: origin,
		log:    log.With().Str("component", "event_relay").Logger(),
	}
}

// Forward is registered as a bus subscriber.
func (r *EventRelay) Forward(ctx context.Context, event *domain.Event) {
	if event.Origin != r.origin {
		return
	}
	payload, err := encodeRelayEvent(event)
	if err != nil {
		r.log.Warn().Err(err).Str("event", string(event.Type)).Msg("[EventRelay.Forward] encode failed")
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(pubCtx, EventChannel, payload).Err(); err != nil {
		r.log.Warn().Err(err).Str("event", string(event.Type)).Msg("[EventRelay.Forward] publish failed")
	}
}

// Run receives remote events until ctx is cancelled.
func (r *EventRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, EventChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", EventChannel, err)
	}
	r.log.Info().Str("channel", EventChannel).Str("origin", r.origin).Msg("event relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := decodeRelayEvent([]byte(msg.Payload))
			if err != nil {
				r.log.Warn().Err(err).Msg("[EventRelay.Run] dropping malformed event")
				continue
			}
			if event.Origin == r.origin {
				continue
			}
			r.bus.Publish(ctx, event)
		}
	}
}

func encodeRelayEvent(event *domain.Event) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(relayEnvelope{Origin: event.Origin, OwnerID: event.OwnerID, Event: raw})
}

// decodeRelayEvent leaves Data as raw JSON; consumers only re-encode it.
func decodeRelayEvent(payload []byte) (*domain.Event, error) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if env.Origin == "" || env.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("relay envelope missing origin or owner")
	}

	var event struct {
		ID        string           `json:"id"`
		Type      domain.EventType `json:"type"`
		Data      json.RawMessage  `json:"data"`
		Timestamp time.Time        `json:"timestamp"`
	}
	if err := json.Unmarshal(env.Event, &event); err != nil {
		return nil, err
	}
	return &domain.Event{
		ID:        event.ID,
		Type:      event.Type,
		OwnerID:   env.OwnerID,
		Data:      event.Data,
		Timestamp: event.Timestamp,
		Origin:    env.Origin,
	}, nil
}

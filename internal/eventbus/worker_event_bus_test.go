package eventbus

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailsync_server/core/domain"
)

func TestBus_DeliversByType(t *testing.T) {
	bus := New("test", zerolog.Nop())
	owner := uuid.New()

	var got []domain.EventType
	bus.Subscribe("cache", func(ctx context.Context, e *domain.Event) {
		got = append(got, e.Type)
	}, domain.EventCategoryUpdated, domain.EventEmailSynced)

	bus.Publish(context.Background(), domain.NewEvent(owner, domain.EventEmailSynced, nil))
	bus.Publish(context.Background(), domain.NewEvent(owner, domain.EventSyncFailed, nil))
	bus.Publish(context.Background(), domain.NewEvent(owner, domain.EventCategoryUpdated, nil))

	if len(got) != 2 || got[0] != domain.EventEmailSynced || got[1] != domain.EventCategoryUpdated {
		t.Errorf("expected [email_synced category_updated], got %v", got)
	}
}

func TestBus_AllTypesWhenNoneGiven(t *testing.T) {
	bus := New("test", zerolog.Nop())
	count := 0
	bus.Subscribe("all", func(ctx context.Context, e *domain.Event) { count++ })

	for _, et := range domain.BroadcastEventTypes {
		bus.Publish(context.Background(), domain.NewEvent(uuid.New(), et, nil))
	}
	if count != len(domain.BroadcastEventTypes) {
		t.Errorf("expected %d deliveries, got %d", len(domain.BroadcastEventTypes), count)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New("test", zerolog.Nop())
	count := 0
	unsub := bus.Subscribe("x", func(ctx context.Context, e *domain.Event) { count++ })

	bus.Publish(context.Background(), domain.NewEvent(uuid.New(), domain.EventEmailSynced, nil))
	unsub()
	bus.Publish(context.Background(), domain.NewEvent(uuid.New(), domain.EventEmailSynced, nil))

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
	if bus.Stats().Subscribers != 0 {
		t.Errorf("expected no subscribers, got %d", bus.Stats().Subscribers)
	}
}

func TestBus_RecoversPanickingSubscriber(t *testing.T) {
	bus := New("test", zerolog.Nop())
	delivered := false

	bus.Subscribe("bad", func(ctx context.Context, e *domain.Event) { panic("boom") })
	bus.Subscribe("good", func(ctx context.Context, e *domain.Event) { delivered = true })

	bus.Publish(context.Background(), domain.NewEvent(uuid.New(), domain.EventEmailSynced, nil))

	if !delivered {
		t.Error("expected later subscriber to still receive the event")
	}
	if bus.Stats().Panics != 1 {
		t.Errorf("expected 1 recorded panic, got %d", bus.Stats().Panics)
	}
}

func TestBus_StampsOrigin(t *testing.T) {
	bus := New("worker-1", zerolog.Nop())
	var origin string
	bus.Subscribe("x", func(ctx context.Context, e *domain.Event) { origin = e.Origin })

	bus.Publish(context.Background(), domain.NewEvent(uuid.New(), domain.EventEmailSynced, nil))
	if origin != "worker-1" {
		t.Errorf("expected origin worker-1, got %q", origin)
	}

	relayed := domain.NewEvent(uuid.New(), domain.EventEmailSynced, nil)
	relayed.Origin = "api-7"
	bus.Publish(context.Background(), relayed)
	if origin != "api-7" {
		t.Errorf("expected relayed origin kept, got %q", origin)
	}
}

func TestBus_PreservesPerOwnerOrder(t *testing.T) {
	bus := New("test", zerolog.Nop())
	owner := uuid.New()

	var mu sync.Mutex
	var seen []int
	bus.Subscribe("order", func(ctx context.Context, e *domain.Event) {
		mu.Lock()
		seen = append(seen, e.Data.(int))
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		bus.Publish(context.Background(), domain.NewEvent(owner, domain.EventPhase2CategoryChanged, i))
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("expected event %d at position %d, got %d", i, i, v)
		}
	}
}

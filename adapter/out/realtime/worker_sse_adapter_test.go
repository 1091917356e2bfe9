package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailsync_server/core/domain"
)

func newTestBroadcaster(buffer int) *Broadcaster {
	return NewBroadcaster(buffer, zerolog.Nop())
}

func TestBroadcaster_ScopesEventsToOwner(t *testing.T) {
	b := newTestBroadcaster(8)
	alice, bob := uuid.New(), uuid.New()

	aliceCh, err := b.Attach(alice, "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bobCh, _ := b.Attach(bob, "b1")

	b.Publish(context.Background(), alice, domain.NewEvent(alice, domain.EventEmailSynced, nil))

	select {
	case ev := <-aliceCh:
		if ev.Type != domain.EventEmailSynced {
			t.Errorf("expected email_synced, got %s", ev.Type)
		}
	default:
		t.Fatal("expected alice to receive the event")
	}
	select {
	case ev := <-bobCh:
		t.Fatalf("expected bob to receive nothing, got %s", ev.Type)
	default:
	}
}

func TestBroadcaster_FansOutToEveryConnection(t *testing.T) {
	b := newTestBroadcaster(8)
	owner := uuid.New()
	tab1, _ := b.Attach(owner, "tab1")
	tab2, _ := b.Attach(owner, "tab2")

	if n := b.ConnectionCount(owner); n != 2 {
		t.Fatalf("expected 2 connections, got %d", n)
	}

	b.Publish(context.Background(), owner, domain.NewEvent(owner, domain.EventCategoryUpdated, nil))
	for name, ch := range map[string]<-chan *domain.Event{"tab1": tab1, "tab2": tab2} {
		if len(ch) != 1 {
			t.Errorf("expected %s to have 1 event, got %d", name, len(ch))
		}
	}
}

func TestBroadcaster_PreservesOrderAndSequence(t *testing.T) {
	b := newTestBroadcaster(16)
	owner := uuid.New()
	ch, _ := b.Attach(owner, "c")

	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), owner, domain.NewEvent(owner, domain.EventEmailSynced, i))
	}
	for want := 0; want < 5; want++ {
		ev := <-ch
		if ev.Data.(int) != want {
			t.Fatalf("expected event %d, got %v", want, ev.Data)
		}
		if ev.Seq != int64(want+1) {
			t.Errorf("expected seq %d, got %d", want+1, ev.Seq)
		}
	}
}

func TestBroadcaster_ConcurrentPublishersKeepSequenceOrder(t *testing.T) {
	const publishers, perPublisher = 8, 200
	b := newTestBroadcaster(publishers * perPublisher)
	owner := uuid.New()
	chs := make([]<-chan *domain.Event, 2)
	for i := range chs {
		chs[i], _ = b.Attach(owner, fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.Publish(context.Background(), owner, domain.NewEvent(owner, domain.EventEmailSynced, i))
			}
		}()
	}
	wg.Wait()

	for i, ch := range chs {
		if len(ch) != publishers*perPublisher {
			t.Fatalf("expected %d events on connection %d, got %d", publishers*perPublisher, i, len(ch))
		}
		var last int64
		for len(ch) > 0 {
			ev := <-ch
			if ev.Seq != last+1 {
				t.Fatalf("expected seq %d on connection %d, got %d", last+1, i, ev.Seq)
			}
			last = ev.Seq
		}
	}
}

func TestBroadcaster_DropsWhenBufferFull(t *testing.T) {
	b := newTestBroadcaster(2)
	owner := uuid.New()
	ch, _ := b.Attach(owner, "slow")

	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), owner, domain.NewEvent(owner, domain.EventEmailSynced, i))
	}

	if len(ch) != 2 {
		t.Errorf("expected buffer of 2, got %d", len(ch))
	}
	if s := b.Stats(); s.Dropped != 3 || s.Delivered != 2 {
		t.Errorf("expected 2 delivered / 3 dropped, got %+v", s)
	}
}

func TestBroadcaster_DetachClosesChannel(t *testing.T) {
	b := newTestBroadcaster(4)
	owner := uuid.New()
	ch, _ := b.Attach(owner, "c")

	b.Detach("c")
	b.Detach("c")

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed")
	}
	if n := b.ConnectionCount(owner); n != 0 {
		t.Errorf("expected no connections, got %d", n)
	}
	// publishing to an owner with no connections is a no-op
	b.Publish(context.Background(), owner, domain.NewEvent(owner, domain.EventEmailSynced, nil))
}

func TestBroadcaster_DuplicateAttach(t *testing.T) {
	b := newTestBroadcaster(4)
	owner := uuid.New()
	if _, err := b.Attach(owner, "dup"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.Attach(uuid.New(), "dup"); err != ErrAlreadyAttached {
		t.Errorf("expected ErrAlreadyAttached, got %v", err)
	}
}

func TestBroadcaster_ConcurrentAttachPublish(t *testing.T) {
	b := newTestBroadcaster(64)
	owners := make([]uuid.UUID, 8)
	for i := range owners {
		owners[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			owner := owners[i%len(owners)]
			ch, err := b.Attach(owner, id)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			go func() {
				for range ch {
				}
			}()
			b.Detach(id)
		}(i)
		go func(i int) {
			defer wg.Done()
			owner := owners[i%len(owners)]
			b.Publish(context.Background(), owner, domain.NewEvent(owner, domain.EventEmailSynced, i))
		}(i)
	}
	wg.Wait()

	if s := b.Stats(); s.Connections != 0 {
		t.Errorf("expected all connections detached, got %d", s.Connections)
	}
}

func TestSerializeEvent(t *testing.T) {
	ev := domain.NewEvent(uuid.New(), domain.EventPhase2BatchComplete, domain.Phase2BatchCompleteData{Processed: 3, CategoriesChanged: 1})
	ev.Seq = 4

	raw, err := SerializeEvent(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{`"type":"phase2_batch_complete"`, `"seq":4`, `"categoriesChanged":1`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("expected %s in %s", want, raw)
		}
	}
}

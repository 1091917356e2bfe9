// Package realtime fans bus events out to the open client connections of
// each owner.
package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/metrics"
)

const (
	shardCount        = 32
	DefaultBufferSize = 256
)

var (
	ErrAlreadyAttached = errors.New("connection already attached")
	ErrClosed          = errors.New("broadcaster closed")
)

// =============================================================================
// Broadcaster - RealtimePort 구현
// =============================================================================

type connection struct {
	id         string
	ch         chan *domain.Event
	attachedAt time.Time
	lastSentAt atomic.Int64 // unix nano
}

type ownerConns struct {
	// sendMu orders sequence assignment with delivery across publishers
	sendMu sync.Mutex
	seq    int64
	conns  map[string]*connection
}

type shard struct {
	mu     sync.RWMutex
	owners map[uuid.UUID]*ownerConns
}

// Broadcaster implements out.RealtimePort. Connections are sharded by owner
// so publishing for one owner never waits on another owner's attach/detach.
// Each connection is a FIFO channel; a full channel drops the event.
type Broadcaster struct {
	shards     [shardCount]*shard
	bufferSize int

	connMu    sync.Mutex
	connOwner map[string]uuid.UUID

	total     atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	closed    atomic.Bool

	log zerolog.Logger
}

func NewBroadcaster(bufferSize int, log zerolog.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	b := &Broadcaster{
		bufferSize: bufferSize,
		connOwner:  make(map[string]uuid.UUID),
		log:        log.With().Str("component", "realtime_broadcaster").Logger(),
	}
	for i := range b.shards {
		b.shards[i] = &shard{owners: make(map[uuid.UUID]*ownerConns)}
	}
	return b
}

func (b *Broadcaster) shardFor(ownerID uuid.UUID) *shard {
	return b.shards[int(ownerID[15])%shardCount]
}

// Attach registers a connection and returns its event channel. The channel
// is closed by Detach.
func (b *Broadcaster) Attach(ownerID uuid.UUID, connectionID string) (<-chan *domain.Event, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	b.connMu.Lock()
	if _, exists := b.connOwner[connectionID]; exists {
		b.connMu.Unlock()
		return nil, ErrAlreadyAttached
	}
	b.connOwner[connectionID] = ownerID
	b.connMu.Unlock()

	conn := &connection{
		id:         connectionID,
		ch:         make(chan *domain.Event, b.bufferSize),
		attachedAt: time.Now(),
	}

	s := b.shardFor(ownerID)
	s.mu.Lock()
	oc, ok := s.owners[ownerID]
	if !ok {
		oc = &ownerConns{conns: make(map[string]*connection)}
		s.owners[ownerID] = oc
	}
	oc.conns[connectionID] = conn
	perOwner := len(oc.conns)
	s.mu.Unlock()

	metrics.SetRealtimeConnections(int(b.total.Add(1)))
	b.log.Debug().
		Str("owner_id", ownerID.String()).
		Str("connection_id", connectionID).
		Int("owner_connections", perOwner).
		Msg("client attached")
	return conn.ch, nil
}

// Detach removes a connection and closes its channel. Unknown ids are ignored.
func (b *Broadcaster) Detach(connectionID string) {
	b.connMu.Lock()
	ownerID, ok := b.connOwner[connectionID]
	delete(b.connOwner, connectionID)
	b.connMu.Unlock()
	if !ok {
		return
	}

	s := b.shardFor(ownerID)
	s.mu.Lock()
	if oc, ok := s.owners[ownerID]; ok {
		if conn, ok := oc.conns[connectionID]; ok {
			delete(oc.conns, connectionID)
			close(conn.ch)
		}
		if len(oc.conns) == 0 {
			delete(s.owners, ownerID)
		}
	}
	s.mu.Unlock()

	metrics.SetRealtimeConnections(int(b.total.Add(-1)))
	b.log.Debug().Str("owner_id", ownerID.String()).Str("connection_id", connectionID).Msg("client detached")
}

// Publish delivers event to every connection of ownerID without blocking.
// The delivered copy carries the owner's next sequence number, and every
// connection receives an owner's events in sequence order.
func (b *Broadcaster) Publish(ctx context.Context, ownerID uuid.UUID, event *domain.Event) {
	if event == nil || b.closed.Load() {
		return
	}

	s := b.shardFor(ownerID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	oc, ok := s.owners[ownerID]
	if !ok || len(oc.conns) == 0 {
		return
	}

	oc.sendMu.Lock()
	defer oc.sendMu.Unlock()

	oc.seq++
	delivered := *event
	delivered.OwnerID = ownerID
	delivered.Seq = oc.seq

	now := time.Now().UnixNano()
	for _, conn := range oc.conns {
		select {
		case conn.ch <- &delivered:
			conn.lastSentAt.Store(now)
			b.delivered.Add(1)
			metrics.IncRealtime("delivered")
		default:
			b.dropped.Add(1)
			metrics.IncRealtime("dropped")
			b.log.Warn().
				Str("owner_id", ownerID.String()).
				Str("connection_id", conn.id).
				Str("event_type", string(event.Type)).
				Int64("seq", delivered.Seq).
				Msg("dropped event due to full buffer")
		}
	}
}

// HandleEvent is the event bus subscriber.
func (b *Broadcaster) HandleEvent(ctx context.Context, event *domain.Event) {
	b.Publish(ctx, event.OwnerID, event)
}

func (b *Broadcaster) ConnectionCount(ownerID uuid.UUID) int {
	s := b.shardFor(ownerID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if oc, ok := s.owners[ownerID]; ok {
		return len(oc.conns)
	}
	return 0
}

// Close detaches every connection.
func (b *Broadcaster) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.connMu.Lock()
	ids := make([]string, 0, len(b.connOwner))
	for id := range b.connOwner {
		ids = append(ids, id)
	}
	b.connMu.Unlock()

	for _, id := range ids {
		b.Detach(id)
	}
}

// Stats holds broadcaster counters.
type Stats struct {
	Connections int64 `json:"connections"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

func (b *Broadcaster) Stats() Stats {
	return Stats{
		Connections: b.total.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// =============================================================================
// Event Serialization
// =============================================================================

// SerializeEvent renders the SSE data line of an event.
func SerializeEvent(event *domain.Event) ([]byte, error) {
	return json.Marshal(struct {
		ID        string           `json:"id"`
		Type      domain.EventType `json:"type"`
		Seq       int64            `json:"seq"`
		Data      interface{}      `json:"data"`
		Timestamp string           `json:"timestamp"`
	}{
		ID:        event.ID,
		Type:      event.Type,
		Seq:       event.Seq,
		Data:      event.Data,
		Timestamp: event.Timestamp.Format(time.RFC3339Nano),
	})
}

var _ out.RealtimePort = (*Broadcaster)(nil)

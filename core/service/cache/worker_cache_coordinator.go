// Package cache holds per-owner derived aggregates (analytics summaries)
// and drops them whenever the owner's classifications change.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"
)

// =============================================================================
// Configuration
// =============================================================================

type Config struct {
	DefaultTTL time.Duration
	MaxEntries int           // across all owners
	L2Timeout  time.Duration // per Redis call
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL: 60 * time.Second,
		MaxEntries: 10000,
		L2Timeout:  500 * time.Millisecond,
	}
}

// L2 is the optional shared cache (pkg/cache.RedisCache).
type L2 interface {
	Get(ctx context.Context, ownerID uuid.UUID, key string) ([]byte, bool, error)
	Set(ctx context.Context, ownerID uuid.UUID, key string, value []byte, ttl time.Duration) error
	BumpGeneration(ctx context.Context, ownerID uuid.UUID) (int64, error)
}

// =============================================================================
// Coordinator
// =============================================================================

type entry struct {
	payload    []byte
	computedAt time.Time
	expiresAt  time.Time
	elem       *list.Element
}

type ownerShard struct {
	mu            sync.RWMutex
	entries       map[string]*entry
	invalidatedAt time.Time
	// bumped on every invalidation; guards computations that straddle one
	epoch uint64
}

type orderKey struct {
	ownerID uuid.UUID
	key     string
	entry   *entry
}

// Coordinator is an L1 cache sharded by owner with an optional write-through
// L2. An entry is served only while it is unexpired and was computed after
// the owner's last invalidation.
type Coordinator struct {
	cfg Config
	l2  L2
	now func() time.Time

	shardsMu sync.RWMutex
	shards   map[uuid.UUID]*ownerShard

	// global insertion order for eviction at MaxEntries
	orderMu sync.Mutex
	order   *list.List

	group singleflight.Group
}

func NewCoordinator(cfg Config, l2 L2) *Coordinator {
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.L2Timeout <= 0 {
		cfg.L2Timeout = def.L2Timeout
	}
	return &Coordinator{
		cfg:    cfg,
		l2:     l2,
		now:    time.Now,
		shards: make(map[uuid.UUID]*ownerShard),
		order:  list.New(),
	}
}

// SetClock replaces the time source (tests).
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Subscribe registers cache invalidation on the event bus.
func (c *Coordinator) Subscribe(bus out.EventSubscriber) func() {
	return bus.Subscribe("cache", func(ctx context.Context, ev *domain.Event) {
		c.Invalidate(ctx, ev.OwnerID)
	}, domain.CacheInvalidatingEventTypes...)
}

func (c *Coordinator) shard(ownerID uuid.UUID, create bool) *ownerShard {
	c.shardsMu.RLock()
	s, ok := c.shards[ownerID]
	c.shardsMu.RUnlock()
	if ok || !create {
		return s
	}

	c.shardsMu.Lock()
	defer c.shardsMu.Unlock()
	if s, ok = c.shards[ownerID]; !ok {
		s = &ownerShard{entries: make(map[string]*entry)}
		c.shards[ownerID] = s
	}
	return s
}

// Get returns the cached payload. L1 misses fall back to L2 when configured.
func (c *Coordinator) Get(ctx context.Context, ownerID uuid.UUID, key string) ([]byte, bool) {
	if payload, ok := c.getL1(ownerID, key); ok {
		metrics.IncCache("l1_hit")
		return payload, true
	}
	if c.l2 == nil {
		metrics.IncCache("miss")
		return nil, false
	}

	epoch := c.epoch(ownerID)
	l2ctx, cancel := context.WithTimeout(ctx, c.cfg.L2Timeout)
	defer cancel()
	payload, ok, err := c.l2.Get(l2ctx, ownerID, key)
	if err != nil {
		logger.Debug("[Coordinator.Get] l2 read failed for %s/%s: %v", ownerID, key, err)
	}
	if !ok {
		metrics.IncCache("miss")
		return nil, false
	}
	metrics.IncCache("l2_hit")
	c.setL1(ownerID, key, payload, c.cfg.DefaultTTL, epoch)
	return payload, true
}

func (c *Coordinator) getL1(ownerID uuid.UUID, key string) ([]byte, bool) {
	s := c.shard(ownerID, false)
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	e, ok := s.entries[key]
	invalidatedAt := s.invalidatedAt
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) || e.computedAt.Before(invalidatedAt) {
		c.remove(ownerID, key, e)
		return nil, false
	}
	return e.payload, true
}

// Set stores payload in L1 and writes it through to L2.
func (c *Coordinator) Set(ctx context.Context, ownerID uuid.UUID, key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	c.setL1(ownerID, key, payload, ttl, c.epoch(ownerID))
	c.setL2(ctx, ownerID, key, payload, ttl)
}

func (c *Coordinator) setL2(ctx context.Context, ownerID uuid.UUID, key string, payload []byte, ttl time.Duration) {
	if c.l2 == nil {
		return
	}
	l2ctx, cancel := context.WithTimeout(ctx, c.cfg.L2Timeout)
	defer cancel()
	if err := c.l2.Set(l2ctx, ownerID, key, payload, ttl); err != nil {
		logger.Debug("[Coordinator.Set] l2 write failed for %s/%s: %v", ownerID, key, err)
	}
}

// setL1 stores the entry unless the owner was invalidated after epoch was read.
func (c *Coordinator) setL1(ownerID uuid.UUID, key string, payload []byte, ttl time.Duration, epoch uint64) bool {
	s := c.shard(ownerID, true)
	now := c.now()

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	old := s.entries[key]
	e := &entry{payload: payload, computedAt: now, expiresAt: now.Add(ttl)}
	s.entries[key] = e
	s.mu.Unlock()

	c.orderMu.Lock()
	if old != nil && old.elem != nil {
		c.order.Remove(old.elem)
	}
	e.elem = c.order.PushBack(orderKey{ownerID: ownerID, key: key, entry: e})
	overflow := c.order.Len() - c.cfg.MaxEntries
	var evict []orderKey
	for i := 0; i < overflow; i++ {
		front := c.order.Front()
		evict = append(evict, c.order.Remove(front).(orderKey))
	}
	c.orderMu.Unlock()

	for _, k := range evict {
		c.dropEvicted(k)
		metrics.IncCache("evict")
	}
	return true
}

// Invalidate drops every cached aggregate of the owner, locally and in L2.
func (c *Coordinator) Invalidate(ctx context.Context, ownerID uuid.UUID) {
	s := c.shard(ownerID, true)

	s.mu.Lock()
	s.invalidatedAt = c.now()
	s.epoch++
	dropped := s.entries
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	c.orderMu.Lock()
	for _, e := range dropped {
		if e.elem != nil {
			c.order.Remove(e.elem)
		}
	}
	c.orderMu.Unlock()
	metrics.IncCache("invalidate")

	if c.l2 != nil {
		l2ctx, cancel := context.WithTimeout(ctx, c.cfg.L2Timeout)
		defer cancel()
		if _, err := c.l2.BumpGeneration(l2ctx, ownerID); err != nil {
			logger.Warn("[Coordinator.Invalidate] l2 generation bump failed for %s: %v", ownerID, err)
		}
	}
}

// Len returns the number of L1 entries.
func (c *Coordinator) Len() int {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	return c.order.Len()
}

func (c *Coordinator) epoch(ownerID uuid.UUID) uint64 {
	s := c.shard(ownerID, true)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func (c *Coordinator) remove(ownerID uuid.UUID, key string, e *entry) {
	s := c.shard(ownerID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.entries[key] != e {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	s.mu.Unlock()

	c.orderMu.Lock()
	if e.elem != nil {
		c.order.Remove(e.elem)
	}
	c.orderMu.Unlock()
}

// dropEvicted removes an entry whose order element was already unlinked.
func (c *Coordinator) dropEvicted(k orderKey) {
	s := c.shard(k.ownerID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[k.key]; ok && e == k.entry {
		delete(s.entries, k.key)
	}
}

// =============================================================================
// GetOrCompute
// =============================================================================

// GetOrCompute returns the cached value or computes, caches and returns it.
// Concurrent callers for the same owner and key share one computation. A
// result computed across an invalidation is returned but not cached.
func GetOrCompute[T any](ctx context.Context, c *Coordinator, ownerID uuid.UUID, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if payload, ok := c.Get(ctx, ownerID, key); ok {
		var v T
		if err := json.Unmarshal(payload, &v); err == nil {
			return v, nil
		}
	}

	flightKey := ownerID.String() + "/" + key
	v, err, _ := c.group.Do(flightKey, func() (interface{}, error) {
		epoch := c.epoch(ownerID)
		value, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if ttl <= 0 {
			ttl = c.cfg.DefaultTTL
		}
		if c.setL1(ownerID, key, payload, ttl, epoch) {
			c.setL2(ctx, ownerID, key, payload, ttl)
		}
		return value, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// Package ratelimit provides per-key token bucket limiting for provider calls.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// KeyedLimiter - owner 별 provider 호출 속도 제한
// =============================================================================

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerSecond float64       // per key
	BurstSize         int           // per key
	IdleTimeout       time.Duration // entries unused this long are dropped
	MaxEntries        int           // oldest entry evicted beyond this
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		BurstSize:         20,
		IdleTimeout:       10 * time.Minute,
		MaxEntries:        10000,
	}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// KeyedLimiter keeps one token bucket per key.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	cfg      Config
	stop     chan struct{}
	once     sync.Once
}

// NewKeyedLimiter creates a limiter and starts the idle-entry cleanup loop.
func NewKeyedLimiter(cfg Config) *KeyedLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = DefaultConfig().BurstSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}

	l := &KeyedLimiter{
		limiters: make(map[string]*limiterEntry),
		cfg:      cfg,
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *KeyedLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.cfg.MaxEntries {
			l.evictOldest()
		}
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize),
		}
		l.limiters[key] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

// Wait blocks until a token for key is available or ctx is done.
func (l *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return l.get(key).Wait(ctx)
}

// Allow reports whether a call for key may proceed now.
func (l *KeyedLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Close stops the cleanup loop.
func (l *KeyedLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *KeyedLimiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range l.limiters {
		if oldestKey == "" || e.lastAccess.Before(oldest) {
			oldestKey = k
			oldest = e.lastAccess
		}
	}
	if oldestKey != "" {
		delete(l.limiters, oldestKey)
	}
}

func (l *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.IdleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.cfg.IdleTimeout)
			l.mu.Lock()
			for k, e := range l.limiters {
				if e.lastAccess.Before(cutoff) {
					delete(l.limiters, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

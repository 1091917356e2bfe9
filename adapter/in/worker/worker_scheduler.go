package worker

import (
	"context"
	"sync"
	"time"

	"mailsync_server/pkg/logger"
)

// =============================================================================
// periodic - 스케줄러 공통 루프 (시작 시 1회 실행 후 interval 마다)
// =============================================================================

type periodic struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	tick     func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *periodic) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	logger.Info("[%s] Starting with interval %v", p.name, p.interval)
	go p.run(ctx, p.done)
}

// Stop cancels the loop and waits for the running tick to return.
func (p *periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}

	logger.Info("[%s] Stopping...", p.name)
	cancel()
	<-done
}

// SetCheckInterval sets the check interval (before Start).
func (p *periodic) SetCheckInterval(interval time.Duration) {
	p.interval = interval
}

func (p *periodic) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[%s] Stopped", p.name)
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *periodic) runOnce(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	p.tick(tickCtx)
}

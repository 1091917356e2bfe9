package worker

import (
	"context"
	"time"

	"mailsync_server/pkg/logger"
)

const maxCyclesPerTick = 10

// Phase2Runner is classification.Dispatcher.
type Phase2Runner interface {
	RunPhase2Cycle(ctx context.Context) (int, error)
}

// Phase2Scheduler drains the refined-classification queue. Each cycle takes
// one batch per owner; cycles repeat within a tick while work remains.
type Phase2Scheduler struct {
	periodic
	runner Phase2Runner
}

func NewPhase2Scheduler(runner Phase2Runner, interval time.Duration) *Phase2Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s := &Phase2Scheduler{runner: runner}
	s.periodic = periodic{
		name:     "Phase2Scheduler",
		interval: interval,
		timeout:  5 * time.Minute,
		tick:     func(ctx context.Context) { s.drain(ctx) },
	}
	return s
}

func (s *Phase2Scheduler) drain(ctx context.Context) int {
	total := 0
	for i := 0; i < maxCyclesPerTick && ctx.Err() == nil; i++ {
		n, err := s.runner.RunPhase2Cycle(ctx)
		total += n
		if err != nil {
			logger.Warn("[Phase2Scheduler] cycle failed after %d batches: %v", total, err)
			break
		}
		if n == 0 {
			break
		}
	}
	if total > 0 {
		logger.Debug("[Phase2Scheduler] processed %d batches", total)
	}
	return total
}

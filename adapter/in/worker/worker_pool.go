package worker

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mailsync_server/pkg/metrics"
)

// =============================================================================
// go-pkgz/pool 기반 Worker Pool
// =============================================================================

// Processor handles one job (Handler in production).
type Processor interface {
	Process(ctx context.Context, msg *Message) error
}

// DeadLetterSink stores jobs that exhausted their retries.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, stream string, job interface{}, reason string) error
}

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers          int                       // 워커 수
	BatchSize        int                       // 배치 처리 크기
	WorkerChanSize   int                       // 워커 채널 버퍼 크기
	JobTimeout       time.Duration             // 작업 타임아웃 (기본)
	JobTimeoutByType map[JobType]time.Duration // 작업 유형별 타임아웃
	MaxRetries       int
	RetryBase        time.Duration
	SubmitRate       float64 // jobs/sec admitted, 0 = unlimited
	SubmitBurst      int
	DLQSize          int
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        8,
		BatchSize:      1,
		WorkerChanSize: 100,
		JobTimeout:     60 * time.Second,
		JobTimeoutByType: map[JobType]time.Duration{
			JobMailFullSync:        30 * time.Minute, // 초기 동기화는 메일함 크기에 비례
			JobMailIncrementalSync: 3 * time.Minute,
			JobWatchEnsure:         30 * time.Second,
			JobReclassify:          30 * time.Minute,
		},
		MaxRetries:  3,
		RetryBase:   time.Second,
		SubmitRate:  100,
		SubmitBurst: 200,
		DLQSize:     100,
	}
}

// Pool runs jobs on two go-pkgz/pool worker groups (normal and priority)
// with per-type timeouts, retry with backoff and a dead letter queue.
type Pool struct {
	processor Processor
	config    *PoolConfig

	pool         *pool.WorkerGroup[*Message]
	priorityPool *pool.WorkerGroup[*Message]

	ctx    context.Context
	cancel context.CancelFunc

	metrics *PoolMetrics
	log     zerolog.Logger
	limiter *rate.Limiter

	deadLetters DeadLetterSink
	dlq         chan *deadJob
	dlqWg       sync.WaitGroup
	retryWg     sync.WaitGroup

	started bool
	mu      sync.Mutex
}

type deadJob struct {
	msg    *Message
	reason string
}

// PoolMetrics holds pool metrics.
type PoolMetrics struct {
	JobsProcessed  int64
	JobsFailed     int64
	JobsDropped    int64
	JobsRetried    int64
	JobsDead       int64
	AvgProcessTime int64 // milliseconds
	InFlight       int32
}

// NewPool creates a worker pool. deadLetters may be nil.
func NewPool(processor Processor, config *PoolConfig, deadLetters DeadLetterSink, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.DLQSize <= 0 {
		config.DLQSize = 100
	}

	limit := rate.Inf
	if config.SubmitRate > 0 {
		limit = rate.Limit(config.SubmitRate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		processor:   processor,
		config:      config,
		ctx:         ctx,
		cancel:      cancel,
		metrics:     &PoolMetrics{},
		log:         log.With().Str("component", "worker_pool").Logger(),
		limiter:     rate.NewLimiter(limit, config.SubmitBurst),
		deadLetters: deadLetters,
		dlq:         make(chan *deadJob, config.DLQSize),
	}
}

// Start starts the worker pool.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	worker := pool.WorkerFunc[*Message](func(ctx context.Context, msg *Message) error {
		return p.processJob(ctx, msg)
	})

	p.pool = pool.New[*Message](p.config.Workers, worker).
		WithBatchSize(p.config.BatchSize).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	// 우선순위 Worker Pool
	p.priorityPool = pool.New[*Message](p.config.Workers/4+1, worker).
		WithBatchSize(1).
		WithWorkerChanSize(p.config.WorkerChanSize/2 + 1).
		WithContinueOnError()

	if err := p.pool.Go(p.ctx); err != nil {
		return err
	}
	if err := p.priorityPool.Go(p.ctx); err != nil {
		return err
	}
	p.started = true

	p.dlqWg.Add(1)
	go p.dlqProcessor()
	go p.metricsReporter()

	p.log.Info().
		Int("workers", p.config.Workers).
		Int("max_retries", p.config.MaxRetries).
		Msg("worker pool started")
	return nil
}

// Stop waits for in-flight jobs (bounded) and stops the pool.
func (p *Pool) Stop() {
	p.log.Info().Msg("stopping worker pool...")

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if err := p.pool.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing main pool")
	}
	if err := p.priorityPool.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing priority pool")
	}

	p.cancel()
	p.retryWg.Wait()
	close(p.dlq)
	p.dlqWg.Wait()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
		Msg("worker pool stopped")
}

// Submit queues a job. It returns false when the pool is stopped or the
// admission rate is exceeded; the caller keeps ownership of the job.
func (p *Pool) Submit(msg *Message) bool {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return false
	}

	if !p.limiter.Allow() {
		atomic.AddInt64(&p.metrics.JobsDropped, 1)
		p.log.Warn().
			Str("job_id", msg.ID).
			Str("job_type", msg.Type).
			Msg("job rejected by admission rate")
		return false
	}

	atomic.AddInt32(&p.metrics.InFlight, 1)
	if msg.IsPriority() {
		p.priorityPool.Submit(msg)
	} else {
		p.pool.Submit(msg)
	}
	return true
}

// getJobTimeout returns the timeout for a job type.
func (p *Pool) getJobTimeout(jobType JobType) time.Duration {
	if timeout, ok := p.config.JobTimeoutByType[jobType]; ok {
		return timeout
	}
	return p.config.JobTimeout
}

// processJob runs one job with its timeout and decides between retry and DLQ.
func (p *Pool) processJob(ctx context.Context, msg *Message) error {
	start := time.Now()
	defer atomic.AddInt32(&p.metrics.InFlight, -1)

	jobCtx, cancel := context.WithTimeout(ctx, p.getJobTimeout(msg.Type))
	err := p.processor.Process(jobCtx, msg)
	cancel()

	p.updateAvgProcessTime(time.Since(start).Milliseconds())

	if err == nil {
		atomic.AddInt64(&p.metrics.JobsProcessed, 1)
		metrics.IncJob(msg.Type, "success")
		return nil
	}

	re, retryable := asRetryable(err)
	if retryable && msg.Retries < p.config.MaxRetries && ctx.Err() == nil {
		msg.Retries++
		atomic.AddInt64(&p.metrics.JobsRetried, 1)
		metrics.IncJob(msg.Type, "retry")

		delay := p.backoff(msg.Retries, re.After)
		p.log.Warn().
			Err(err).
			Str("job_id", msg.ID).
			Str("job_type", msg.Type).
			Int("retries", msg.Retries).
			Dur("backoff", delay).
			Msg("job failed, retrying")
		p.scheduleRetry(msg, delay)
		return err
	}

	atomic.AddInt64(&p.metrics.JobsFailed, 1)
	metrics.IncJob(msg.Type, "failed")
	p.log.Error().
		Err(err).
		Str("job_id", msg.ID).
		Str("job_type", msg.Type).
		Int("retries", msg.Retries).
		Msg("job processing failed")

	if retryable {
		// retries exhausted
		p.toDLQ(msg, err.Error())
	}
	return err
}

// backoff is base * 2^retries plus up to 500ms jitter, unless the failure
// carried its own delay.
func (p *Pool) backoff(retries int, after time.Duration) time.Duration {
	if after > 0 {
		return after
	}
	base := p.config.RetryBase
	if base <= 0 {
		base = time.Second
	}
	return base*time.Duration(1<<retries) + time.Duration(rand.Intn(500))*time.Millisecond
}

func (p *Pool) scheduleRetry(msg *Message, delay time.Duration) {
	p.retryWg.Add(1)
	go func() {
		defer p.retryWg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-p.ctx.Done():
			p.toDLQ(msg, "shutdown before retry")
		case <-timer.C:
			if !p.Submit(msg) {
				p.toDLQ(msg, "resubmit rejected")
			}
		}
	}()
}

// toDLQ must not be called after Stop has closed the dlq; Stop waits for
// pending retries first.
func (p *Pool) toDLQ(msg *Message, reason string) {
	select {
	case p.dlq <- &deadJob{msg: msg, reason: reason}:
	default:
		p.log.Error().Str("job_id", msg.ID).Msg("DLQ full, job lost")
	}
}

// updateAvgProcessTime keeps a moving average of job duration.
func (p *Pool) updateAvgProcessTime(elapsed int64) {
	current := atomic.LoadInt64(&p.metrics.AvgProcessTime)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgProcessTime, elapsed)
		return
	}
	atomic.StoreInt64(&p.metrics.AvgProcessTime, (current*9+elapsed)/10)
}

// dlqProcessor records permanently failed jobs.
func (p *Pool) dlqProcessor() {
	defer p.dlqWg.Done()

	for job := range p.dlq {
		atomic.AddInt64(&p.metrics.JobsDead, 1)
		metrics.IncJob(job.msg.Type, "dead")
		p.log.Error().
			Str("job_id", job.msg.ID).
			Str("job_type", job.msg.Type).
			Int("retries", job.msg.Retries).
			Str("reason", job.reason).
			Msg("DLQ: job permanently failed")

		if p.deadLetters == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.deadLetters.DeadLetter(ctx, streamOf(job.msg.Type), job.msg, job.reason); err != nil {
			p.log.Error().Err(err).Str("job_id", job.msg.ID).Msg("failed to persist dead letter")
		}
		cancel()
	}
}

// metricsReporter periodically logs metrics.
func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			m := p.GetMetrics()
			p.log.Info().
				Int64("processed", m.JobsProcessed).
				Int64("failed", m.JobsFailed).
				Int64("dropped", m.JobsDropped).
				Int64("retried", m.JobsRetried).
				Int64("dead", m.JobsDead).
				Int64("avg_process_ms", m.AvgProcessTime).
				Int32("in_flight", m.InFlight).
				Msg("worker pool metrics")
		}
	}
}

// GetMetrics returns current pool metrics.
func (p *Pool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed:  atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:     atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsDropped:    atomic.LoadInt64(&p.metrics.JobsDropped),
		JobsRetried:    atomic.LoadInt64(&p.metrics.JobsRetried),
		JobsDead:       atomic.LoadInt64(&p.metrics.JobsDead),
		AvgProcessTime: atomic.LoadInt64(&p.metrics.AvgProcessTime),
		InFlight:       atomic.LoadInt32(&p.metrics.InFlight),
	}
}

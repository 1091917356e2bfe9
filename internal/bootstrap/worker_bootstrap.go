package bootstrap

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"mailsync_server/adapter/in/worker"
	"mailsync_server/adapter/out/messaging"
	"mailsync_server/pkg/logger"
)

const consumerGroup = "mailsync-workers"

// Worker consumes the job streams and runs the periodic maintenance loops.
type Worker struct {
	pool     *worker.Pool
	consumer *messaging.Consumer
	deps     *Dependencies
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	zlog     zerolog.Logger

	watchRenewScheduler *worker.WatchRenewScheduler
	syncRetryScheduler  *worker.SyncRetryScheduler
	phase2Scheduler     *worker.Phase2Scheduler
}

func NewWorker(deps *Dependencies) *Worker {
	cfg := deps.Config
	zlog := deps.Log.With().Str("component", "worker").Logger()

	handler := worker.NewHandler(
		worker.NewSyncProcessor(deps.Engine, deps.SyncLock),
		worker.NewWatchProcessor(deps.Registrar),
		worker.NewReclassifyProcessor(deps.Reclassifier),
	)

	poolConfig := worker.DefaultPoolConfig()
	if cfg.WorkerCount > 0 {
		poolConfig.Workers = cfg.WorkerCount
	}
	if cfg.WorkerQueueSize > 0 {
		poolConfig.WorkerChanSize = cfg.WorkerQueueSize
	}
	if cfg.WorkerMaxRetries > 0 {
		poolConfig.MaxRetries = cfg.WorkerMaxRetries
	}
	pool := worker.NewPool(handler, poolConfig, deps.Producer, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	// Redis Stream Consumer 설정
	streams := []string{
		messaging.StreamMailSync,
		messaging.StreamWatchEnsure,
		messaging.StreamReclassify,
	}
	w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
		Group:                consumerGroup,
		Consumer:             cfg.InstanceID,
		Streams:              streams,
		Handler:              worker.NewStreamHandler(pool),
		Logger:               zlog,
		BatchSize:            cfg.ConsumerBatchSize,
		Block:                cfg.ConsumerBlock,
		PendingCheckInterval: cfg.ConsumerPendingCheck,
	})

	if cfg.SchedulerEnabled {
		w.watchRenewScheduler = worker.NewWatchRenewScheduler(deps.Registrar, cfg.WatchCheckInterval)
		w.syncRetryScheduler = worker.NewSyncRetryScheduler(deps.SyncStates, deps.Producer, deps.Dedup, cfg.SyncRetryCheckInterval)
		w.phase2Scheduler = worker.NewPhase2Scheduler(deps.Dispatcher, cfg.Phase2CycleInterval)
		logger.Info("[NewWorker] schedulers configured (watch renew, sync retry, phase 2)")
	}

	logger.Info("[NewWorker] consuming %d streams as %s/%s", len(streams), consumerGroup, cfg.InstanceID)
	return w
}

// Start blocks until Stop.
func (w *Worker) Start() error {
	if err := w.pool.Start(); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.zlog.Error().Err(err).Msg("redis stream consumer stopped")
		}
	}()

	if w.watchRenewScheduler != nil {
		w.watchRenewScheduler.Start()
		w.syncRetryScheduler.Start()
		w.phase2Scheduler.Start()
	}

	<-w.ctx.Done()
	return nil
}

// Stop cancels the consumer first so nothing new reaches the pool, then
// drains the pool.
func (w *Worker) Stop() {
	w.cancel()

	if w.watchRenewScheduler != nil {
		w.watchRenewScheduler.Stop()
		w.syncRetryScheduler.Stop()
		w.phase2Scheduler.Stop()
	}

	w.wg.Wait()
	w.pool.Stop()

	m := w.pool.GetMetrics()
	w.zlog.Info().
		Int64("processed", m.JobsProcessed).
		Int64("failed", m.JobsFailed).
		Int64("dead", m.JobsDead).
		Msg("worker stopped")
}

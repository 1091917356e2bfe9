package classification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"
	"mailsync_server/pkg/resilience"
)

// ConnectionChecker reports whether an owner still has a connected mailbox.
type ConnectionChecker interface {
	IsConnected(ctx context.Context, ownerID uuid.UUID) (bool, error)
}

type Config struct {
	BatchSize     int           // messages per scoring call
	Concurrency   int           // batches scored in parallel
	RetryCap      int           // attempts before a batch is dropped
	QueueLimit    int           // pending ids per owner
	HealthTimeout time.Duration // scorer health probe
	BatchTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     50,
		Concurrency:   4,
		RetryCap:      5,
		QueueLimit:    5000,
		HealthTimeout: 5 * time.Second,
		BatchTimeout:  2 * time.Minute,
	}
}

type pendingItem struct {
	id       int64
	attempts int
}

type ownerQueue struct {
	items []pendingItem
	seen  map[int64]struct{}
	gen   uint64
}

type phase2Batch struct {
	ownerID uuid.UUID
	items   []pendingItem
	gen     uint64
}

// Dispatcher classifies synced messages in two phases. Phase 1 runs inline
// with the sync; phase 2 drains per-owner queues through the scoring service.
type Dispatcher struct {
	messages out.MessageRepository
	owners   ConnectionChecker
	scorer   out.ScoringService
	events   out.EventPublisher
	retry    *resilience.RetryPolicy
	phase1   *Phase1Pipeline

	cfg Config

	mu      sync.Mutex
	queues  map[uuid.UUID]*ownerQueue
	gens    map[uuid.UUID]uint64
	cycleMu sync.Mutex
}

func NewDispatcher(
	messages out.MessageRepository,
	owners ConnectionChecker,
	scorer out.ScoringService,
	events out.EventPublisher,
	retry *resilience.RetryPolicy,
	cfg Config,
) *Dispatcher {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = def.RetryCap
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = def.QueueLimit
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	return &Dispatcher{
		messages: messages,
		owners:   owners,
		scorer:   scorer,
		events:   events,
		retry:    retry,
		phase1:   NewPhase1Pipeline(nil),
		cfg:      cfg,
		queues:   make(map[uuid.UUID]*ownerQueue),
		gens:     make(map[uuid.UUID]uint64),
	}
}

// =============================================================================
// Phase 1
// =============================================================================

// Classify assigns a phase-1 category to every message that has no phase-2
// result yet. The first assignment of a message emits no event.
func (d *Dispatcher) Classify(ctx context.Context, messages []*domain.Message) ([]domain.ClassificationResult, error) {
	results := make([]domain.ClassificationResult, 0, len(messages))
	var errs []error

	for _, m := range messages {
		if m == nil || m.ID == 0 || m.IsDeleted || m.HasFinalClassification() {
			continue
		}

		cls := d.phase1.Classify(ctx, ruleInputOf(m))
		previous := m.Category
		if err := d.messages.UpdateClassification(ctx, m.ID, cls); err != nil {
			errs = append(errs, err)
			continue
		}
		m.Category = cls.Label
		m.Classification = &cls

		changed := previous != "" && previous != cls.Label
		results = append(results, domain.ClassificationResult{
			MessageID:        m.ID,
			OwnerID:          m.OwnerID,
			PreviousCategory: previous,
			Classification:   cls,
			Changed:          changed,
		})
		if changed {
			d.publishCategoryUpdated(ctx, m, previous, cls)
		}
	}

	if len(errs) > 0 {
		return results, domain.NewSyncError(domain.ErrClassTransient, "classification.phase1", errors.Join(errs...))
	}
	return results, nil
}

// =============================================================================
// Phase 2 queue
// =============================================================================

// EnqueuePhase2 adds message ids to the owner's pending queue. Ids already
// pending are ignored; ids beyond the queue limit are dropped.
func (d *Dispatcher) EnqueuePhase2(ownerID uuid.UUID, messageIDs []int64) {
	if len(messageIDs) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queueLocked(ownerID)
	dropped := 0
	for _, id := range messageIDs {
		if _, ok := q.seen[id]; ok {
			continue
		}
		if len(q.items) >= d.cfg.QueueLimit {
			dropped++
			continue
		}
		q.seen[id] = struct{}{}
		q.items = append(q.items, pendingItem{id: id})
	}
	if dropped > 0 {
		logger.Warn("[Dispatcher.EnqueuePhase2] queue full for %s, dropped %d ids", ownerID, dropped)
	}
}

// DropOwner discards the owner's pending batches, including batches that are
// being scored right now.
func (d *Dispatcher) DropOwner(ownerID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.queues, ownerID)
	d.gens[ownerID]++
}

// Pending returns the number of queued ids for the owner.
func (d *Dispatcher) Pending(ownerID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[ownerID]; ok {
		return len(q.items)
	}
	return 0
}

func (d *Dispatcher) queueLocked(ownerID uuid.UUID) *ownerQueue {
	q, ok := d.queues[ownerID]
	if !ok {
		q = &ownerQueue{seen: make(map[int64]struct{}), gen: d.gens[ownerID]}
		d.queues[ownerID] = q
	}
	return q
}

// takeBatches pops at most one batch per owner.
func (d *Dispatcher) takeBatches() []*phase2Batch {
	d.mu.Lock()
	defer d.mu.Unlock()

	batches := make([]*phase2Batch, 0, len(d.queues))
	for ownerID, q := range d.queues {
		n := len(q.items)
		if n == 0 {
			delete(d.queues, ownerID)
			continue
		}
		if n > d.cfg.BatchSize {
			n = d.cfg.BatchSize
		}
		items := make([]pendingItem, n)
		copy(items, q.items[:n])
		q.items = q.items[n:]
		for _, it := range items {
			delete(q.seen, it.id)
		}
		batches = append(batches, &phase2Batch{ownerID: ownerID, items: items, gen: q.gen})
	}
	return batches
}

// requeue puts a failed batch back at the head of the owner's queue unless
// the owner was dropped meanwhile. Items past the retry cap are discarded.
func (d *Dispatcher) requeue(b *phase2Batch) (requeued, dropped int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gens[b.ownerID] != b.gen {
		return 0, len(b.items)
	}
	q := d.queueLocked(b.ownerID)
	retry := make([]pendingItem, 0, len(b.items))
	for _, it := range b.items {
		it.attempts++
		if it.attempts >= d.cfg.RetryCap {
			dropped++
			continue
		}
		if _, ok := q.seen[it.id]; ok {
			continue
		}
		q.seen[it.id] = struct{}{}
		retry = append(retry, it)
	}
	q.items = append(retry, q.items...)
	return len(retry), dropped
}

// =============================================================================
// Phase 2 cycle
// =============================================================================

// RunPhase2Cycle scores one batch per owner with bounded concurrency and
// returns the number of batches processed.
func (d *Dispatcher) RunPhase2Cycle(ctx context.Context) (int, error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	batches := d.takeBatches()
	if len(batches) == 0 {
		return 0, nil
	}

	worker := pool.WorkerFunc[*phase2Batch](func(ctx context.Context, b *phase2Batch) error {
		d.processBatch(ctx, b)
		return nil
	})
	workers := d.cfg.Concurrency
	if workers > len(batches) {
		workers = len(batches)
	}
	group := pool.New[*phase2Batch](workers, worker).WithContinueOnError()
	if err := group.Go(ctx); err != nil {
		return 0, err
	}
	for _, b := range batches {
		group.Submit(b)
	}
	if err := group.Close(ctx); err != nil {
		return len(batches), err
	}
	return len(batches), nil
}

func (d *Dispatcher) processBatch(ctx context.Context, b *phase2Batch) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.BatchTimeout)
	defer cancel()

	connected, err := d.owners.IsConnected(ctx, b.ownerID)
	if err != nil {
		logger.Warn("[Dispatcher.processBatch] connection check failed for %s: %v", b.ownerID, err)
		d.retryBatch(b, err)
		return
	}
	if !connected {
		logger.Debug("[Dispatcher.processBatch] owner %s disconnected, discarding %d ids", b.ownerID, len(b.items))
		d.DropOwner(b.ownerID)
		return
	}

	ids := make([]int64, len(b.items))
	for i, it := range b.items {
		ids[i] = it.id
	}
	loaded, err := d.messages.GetByIDs(ctx, b.ownerID, ids)
	if err != nil {
		logger.Warn("[Dispatcher.processBatch] failed to load messages for %s: %v", b.ownerID, err)
		d.retryBatch(b, err)
		return
	}

	msgs := make([]*domain.Message, 0, len(loaded))
	for _, m := range loaded {
		if m.IsDeleted || m.HasFinalClassification() {
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return
	}

	scores, err := d.score(ctx, msgs)
	if err != nil {
		d.retryBatch(b, err)
		return
	}

	processed, changed, failed := 0, 0, 0
	for i, m := range msgs {
		s := scores[i]
		if s.Error != "" || s.Label == "" {
			failed++
			continue
		}
		processed++

		cls := domain.Classification{
			Label:        s.Label,
			Confidence:   domain.ClampConfidence(s.Confidence),
			Phase:        domain.PhaseRefined,
			Source:       d.scorer.Name(),
			Scores:       s.Scores,
			ClassifiedAt: time.Now().UTC(),
		}
		if !domain.ShouldOverwrite(m.Classification, cls) {
			continue
		}
		if err := d.messages.UpdateClassification(ctx, m.ID, cls); err != nil {
			logger.Warn("[Dispatcher.processBatch] failed to store classification of %d: %v", m.ID, err)
			failed++
			continue
		}

		previous := m.Category
		m.Category = cls.Label
		m.Classification = &cls
		if previous != cls.Label {
			changed++
			d.publishCategoryUpdated(ctx, m, previous, cls)
			d.events.Publish(ctx, domain.NewEvent(b.ownerID, domain.EventPhase2CategoryChanged, domain.CategoryUpdatedData{
				MessageID:         m.ID,
				ProviderMessageID: m.ProviderMessageID,
				PreviousCategory:  previous,
				Category:          cls.Label,
				Confidence:        cls.Confidence,
				Phase:             cls.Phase,
			}))
		}
	}

	d.events.Publish(ctx, domain.NewEvent(b.ownerID, domain.EventPhase2BatchComplete, domain.Phase2BatchCompleteData{
		BatchID:           uuid.NewString(),
		Processed:         processed,
		CategoriesChanged: changed,
		Failed:            failed,
	}))
	metrics.IncPhase2Batch("ok", changed)
}

// score calls the scoring service through the retry policy. Any failure is
// reported as ClassificationUnavailable.
func (d *Dispatcher) score(ctx context.Context, msgs []*domain.Message) ([]domain.Score, error) {
	inputs := make([]domain.ScoringInput, len(msgs))
	for i, m := range msgs {
		inputs[i] = domain.ScoringInput{MessageID: m.ID, Subject: m.Subject, Body: m.ScoringText()}
	}

	scores, err := resilience.DoValue(ctx, d.retry, "classification.score", func(ctx context.Context) ([]domain.Score, error) {
		return d.scorer.Score(ctx, inputs)
	})
	if err != nil {
		return nil, domain.NewSyncError(domain.ErrClassClassificationUnavailable, "classification.score", err)
	}
	if len(scores) != len(inputs) {
		return nil, domain.NewSyncError(domain.ErrClassClassificationUnavailable, "classification.score",
			errors.New("scoring service returned a misaligned batch"))
	}
	return scores, nil
}

func (d *Dispatcher) retryBatch(b *phase2Batch, cause error) {
	requeued, dropped := d.requeue(b)
	metrics.IncPhase2Batch("unavailable", 0)
	if dropped > 0 {
		logger.WithOwner(b.ownerID).WithError(cause).
			Warn("[Dispatcher.retryBatch] dropped %d ids after %d attempts", dropped, d.cfg.RetryCap)
	}
	if requeued > 0 {
		logger.Debug("[Dispatcher.retryBatch] re-queued %d ids for %s", requeued, b.ownerID)
	}
}

func (d *Dispatcher) publishCategoryUpdated(ctx context.Context, m *domain.Message, previous domain.Category, cls domain.Classification) {
	d.events.Publish(ctx, domain.NewEvent(m.OwnerID, domain.EventCategoryUpdated, domain.CategoryUpdatedData{
		MessageID:         m.ID,
		ProviderMessageID: m.ProviderMessageID,
		PreviousCategory:  previous,
		Category:          cls.Label,
		Confidence:        cls.Confidence,
		Phase:             cls.Phase,
	}))
}

// =============================================================================
// Health
// =============================================================================

// ScorerHealth probes the scoring service. An unreachable service is
// reported as unavailable, not as an error.
func (d *Dispatcher) ScorerHealth(ctx context.Context) *out.ScorerHealth {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HealthTimeout)
	defer cancel()

	h, err := d.scorer.Health(ctx)
	if err != nil {
		return &out.ScorerHealth{
			Service:   d.scorer.Name(),
			Available: false,
			CheckedAt: time.Now().UTC(),
			Error:     err.Error(),
		}
	}
	return h
}

package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailsync_server/adapter/out/messaging"
	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeRunner struct {
	mu          sync.Mutex
	full        []uuid.UUID
	incremental []uint64
	err         error
}

func (r *fakeRunner) FullSync(ctx context.Context, ownerID uuid.UUID) (*domain.SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.full = append(r.full, ownerID)
	return &domain.SyncResult{Mode: domain.SyncModeFull}, r.err
}

func (r *fakeRunner) IncrementalSync(ctx context.Context, ownerID uuid.UUID, triggerCursor uint64) (*domain.SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incremental = append(r.incremental, triggerCursor)
	return &domain.SyncResult{Mode: domain.SyncModeIncremental}, r.err
}

type fakeLock struct {
	busy     bool
	released int
}

func (l *fakeLock) TryLock(ctx context.Context, key string) (func(), bool, error) {
	if l.busy {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

type fakeStatuses struct {
	due []*domain.SyncStatus
}

func (s *fakeStatuses) GetStatus(ctx context.Context, ownerID uuid.UUID) (*domain.SyncStatus, error) {
	return domain.NewSyncStatus(ownerID), nil
}
func (s *fakeStatuses) SaveStatus(ctx context.Context, status *domain.SyncStatus) error { return nil }
func (s *fakeStatuses) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.SyncStatus, error) {
	return s.due, nil
}

type fakeQueue struct {
	triggers []*domain.SyncTrigger
}

func (q *fakeQueue) EnqueueSync(ctx context.Context, trigger *domain.SyncTrigger) error {
	q.triggers = append(q.triggers, trigger)
	return nil
}

type fakeDedup struct {
	seen map[string]bool
}

func (d *fakeDedup) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}
func (d *fakeDedup) Forget(ctx context.Context, key string) error {
	delete(d.seen, key)
	return nil
}

type fakePhase2 struct {
	remaining []int
	calls     int
}

func (p *fakePhase2) RunPhase2Cycle(ctx context.Context) (int, error) {
	p.calls++
	if len(p.remaining) == 0 {
		return 0, nil
	}
	n := p.remaining[0]
	p.remaining = p.remaining[1:]
	return n, nil
}

type fakeReclassifier struct {
	opts in.ReclassifyOptions
	err  error
}

func (r *fakeReclassifier) ReclassifyAll(ctx context.Context, ownerID uuid.UUID, opts in.ReclassifyOptions) (*domain.ReclassificationRun, error) {
	r.opts = opts
	if r.err != nil {
		return nil, r.err
	}
	return &domain.ReclassificationRun{ID: "run"}, nil
}

func (r *fakeReclassifier) Rollback(ctx context.Context, ownerID uuid.UUID, backupID string) (*domain.RollbackStats, error) {
	return &domain.RollbackStats{}, nil
}

type scriptedProcessor struct {
	mu    sync.Mutex
	errs  []error
	calls int
	done  chan struct{}
}

func (p *scriptedProcessor) Process(ctx context.Context, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.calls < len(p.errs) {
		err = p.errs[p.calls]
	}
	p.calls++
	if err == nil && p.done != nil {
		close(p.done)
	}
	return err
}

type recordingDeadLetters struct {
	mu      sync.Mutex
	streams []string
	got     chan struct{}
}

func (d *recordingDeadLetters) DeadLetter(ctx context.Context, stream string, job interface{}, reason string) error {
	d.mu.Lock()
	d.streams = append(d.streams, stream)
	d.mu.Unlock()
	d.got <- struct{}{}
	return nil
}

func syncMessage(t *testing.T, owner uuid.UUID, mode domain.SyncMode, cursor uint64) *Message {
	t.Helper()
	data := `{"id":"t1","owner_id":"` + owner.String() + `","mode":"` + string(mode) + `","trigger_cursor":` + strconv.FormatUint(cursor, 10) + `,"source":"webhook"}`
	msg, err := MessageFromStream(messaging.StreamMailSync, []byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return msg
}

// =============================================================================
// Messages
// =============================================================================

func TestMessageFromStream(t *testing.T) {
	owner := uuid.New()
	tests := []struct {
		name     string
		stream   string
		data     string
		jobType  JobType
		priority Priority
		wantErr  bool
	}{
		{"incremental trigger", messaging.StreamMailSync, `{"owner_id":"` + owner.String() + `","mode":"incremental","trigger_cursor":9007199254740993,"source":"webhook"}`, JobMailIncrementalSync, PriorityNormal, false},
		{"full trigger from control", messaging.StreamMailSync, `{"owner_id":"` + owner.String() + `","mode":"full","source":"control"}`, JobMailFullSync, PriorityHigh, false},
		{"watch ensure", messaging.StreamWatchEnsure, `{"owner_id":"` + owner.String() + `"}`, JobWatchEnsure, PriorityNormal, false},
		{"reclassify", messaging.StreamReclassify, `{"owner_id":"` + owner.String() + `","batch_size":10}`, JobReclassify, PriorityLow, false},
		{"unknown stream", "other", `{}`, "", 0, true},
		{"bad json", messaging.StreamMailSync, `{`, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := MessageFromStream(tt.stream, []byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.Type != tt.jobType || msg.Priority != tt.priority {
				t.Errorf("expected %s/%d, got %s/%d", tt.jobType, tt.priority, msg.Type, msg.Priority)
			}
		})
	}
}

func TestParsePayload_KeepsLargeCursor(t *testing.T) {
	msg := syncMessage(t, uuid.New(), domain.SyncModeIncremental, 9007199254740993)

	payload, err := ParsePayload[SyncPayload](msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.TriggerCursor != 9007199254740993 {
		t.Errorf("expected exact cursor, got %d", payload.TriggerCursor)
	}
}

// =============================================================================
// Processors
// =============================================================================

func TestSyncProcessor_Process(t *testing.T) {
	owner := uuid.New()

	t.Run("incremental with cursor", func(t *testing.T) {
		runner, lock := &fakeRunner{}, &fakeLock{}
		p := NewSyncProcessor(runner, lock)
		if err := p.Process(context.Background(), syncMessage(t, owner, domain.SyncModeIncremental, 4242)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(runner.incremental) != 1 || runner.incremental[0] != 4242 {
			t.Errorf("expected incremental sync at 4242, got %v", runner.incremental)
		}
		if lock.released != 1 {
			t.Errorf("expected lock release, got %d", lock.released)
		}
	})

	t.Run("full", func(t *testing.T) {
		runner := &fakeRunner{}
		p := NewSyncProcessor(runner, nil)
		if err := p.Process(context.Background(), syncMessage(t, owner, domain.SyncModeFull, 0)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(runner.full) != 1 || runner.full[0] != owner {
			t.Errorf("expected full sync for owner, got %v", runner.full)
		}
	})

	t.Run("lock busy is retryable", func(t *testing.T) {
		runner := &fakeRunner{}
		p := NewSyncProcessor(runner, &fakeLock{busy: true})
		err := p.Process(context.Background(), syncMessage(t, owner, domain.SyncModeIncremental, 1))
		re, ok := asRetryable(err)
		if !ok || re.After != lockBusyRetry {
			t.Fatalf("expected retryable lock error, got %v", err)
		}
		if len(runner.incremental) != 0 {
			t.Error("expected no sync while locked")
		}
	})

	t.Run("sync failure is final", func(t *testing.T) {
		runner := &fakeRunner{err: domain.NewSyncError(domain.ErrClassTransient, "list", errors.New("503"))}
		p := NewSyncProcessor(runner, nil)
		err := p.Process(context.Background(), syncMessage(t, owner, domain.SyncModeIncremental, 1))
		if err == nil {
			t.Fatal("expected error")
		}
		if _, ok := asRetryable(err); ok {
			t.Error("expected sync failures to be left to the retry scheduler")
		}
	})

	t.Run("stopped sync is dropped", func(t *testing.T) {
		for _, mode := range []domain.SyncMode{domain.SyncModeFull, domain.SyncModeIncremental} {
			runner := &fakeRunner{err: domain.NewSyncError(domain.ErrClassFatal, "sync.start", domain.ErrSyncStopped)}
			p := NewSyncProcessor(runner, nil)
			if err := p.Process(context.Background(), syncMessage(t, owner, mode, 1)); err != nil {
				t.Errorf("expected nil for stopped %s sync, got %v", mode, err)
			}
		}
	})

	t.Run("bad owner", func(t *testing.T) {
		p := NewSyncProcessor(&fakeRunner{}, nil)
		msg := NewMessage(JobMailIncrementalSync, map[string]any{"owner_id": "nope"})
		if err := p.Process(context.Background(), msg); err == nil {
			t.Error("expected error for invalid owner")
		}
	})
}

type fakeWatches struct {
	err error
}

func (w *fakeWatches) EnsureWatch(ctx context.Context, ownerID uuid.UUID) (*domain.WatchSubscription, error) {
	if w.err != nil {
		return nil, w.err
	}
	return &domain.WatchSubscription{OwnerID: ownerID, Active: true, Expiry: time.Now().Add(time.Hour)}, nil
}

func (w *fakeWatches) Deregister(ctx context.Context, ownerID uuid.UUID) error { return nil }

func TestWatchProcessor_Process(t *testing.T) {
	owner := uuid.New()
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"registered", nil, false},
		{"sync stopped", domain.NewSyncError(domain.ErrClassFatal, "watch.ensure", domain.ErrSyncStopped), false},
		{"provider failure", domain.NewSyncError(domain.ErrClassTransient, "watch.register", errors.New("503")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewWatchProcessor(&fakeWatches{err: tt.err})
			msg := NewMessage(JobWatchEnsure, map[string]any{"owner_id": owner.String()})
			err := p.Process(context.Background(), msg)
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestReclassifyProcessor_RetriesUnavailableScorer(t *testing.T) {
	owner := uuid.New()
	r := &fakeReclassifier{err: domain.NewSyncError(domain.ErrClassClassificationUnavailable, "score", errors.New("down"))}
	p := NewReclassifyProcessor(r)

	msg := NewMessage(JobReclassify, map[string]any{"owner_id": owner.String(), "batch_size": 25, "confidence_threshold": 0.6})
	err := p.Process(context.Background(), msg)
	if _, ok := asRetryable(err); !ok {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if r.opts.BatchSize != 25 || r.opts.ConfidenceThreshold != 0.6 {
		t.Errorf("unexpected options %+v", r.opts)
	}

	r.err = domain.NewSyncError(domain.ErrClassDataIntegrity, "reclassify", errors.New("bad threshold"))
	if _, ok := asRetryable(p.Process(context.Background(), msg)); ok {
		t.Error("expected data integrity failure to be final")
	}
}

// =============================================================================
// Pool
// =============================================================================

func testPoolConfig() *PoolConfig {
	cfg := DefaultPoolConfig()
	cfg.Workers = 2
	cfg.MaxRetries = 2
	cfg.RetryBase = time.Millisecond
	cfg.SubmitRate = 0
	return cfg
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	proc := &scriptedProcessor{
		errs: []error{Retryable(errors.New("blip"), time.Millisecond)},
		done: make(chan struct{}),
	}
	p := NewPool(proc, testPoolConfig(), nil, zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Stop()

	if !p.Submit(NewMessage(JobWatchEnsure, nil)) {
		t.Fatal("expected submit to succeed")
	}
	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}

	m := p.GetMetrics()
	if m.JobsRetried != 1 {
		t.Errorf("expected 1 retry, got %d", m.JobsRetried)
	}
}

func TestPool_ExhaustedRetriesGoToDeadLetters(t *testing.T) {
	fail := Retryable(errors.New("still down"), time.Millisecond)
	proc := &scriptedProcessor{errs: []error{fail, fail, fail}}
	dead := &recordingDeadLetters{got: make(chan struct{}, 1)}
	p := NewPool(proc, testPoolConfig(), dead, zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Stop()

	p.Submit(NewMessage(JobReclassify, map[string]any{"owner_id": uuid.NewString()}))

	select {
	case <-dead.got:
	case <-time.After(2 * time.Second):
		t.Fatal("expected dead letter")
	}
	dead.mu.Lock()
	defer dead.mu.Unlock()
	if dead.streams[0] != messaging.StreamReclassify {
		t.Errorf("expected %s, got %s", messaging.StreamReclassify, dead.streams[0])
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", proc.calls)
	}
}

func TestPool_FinalErrorNotRetried(t *testing.T) {
	proc := &scriptedProcessor{errs: []error{errors.New("auth expired")}}
	p := NewPool(proc, testPoolConfig(), nil, zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Submit(NewMessage(JobWatchEnsure, nil))
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	m := p.GetMetrics()
	if m.JobsRetried != 0 || m.JobsFailed != 1 {
		t.Errorf("expected 1 failure without retry, got %+v", m)
	}
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	p := NewPool(&scriptedProcessor{}, testPoolConfig(), nil, zerolog.Nop())
	if p.Submit(NewMessage(JobWatchEnsure, nil)) {
		t.Error("expected submit to fail before start")
	}
}

func TestPool_Backoff(t *testing.T) {
	p := NewPool(&scriptedProcessor{}, &PoolConfig{RetryBase: 100 * time.Millisecond}, nil, zerolog.Nop())

	if got := p.backoff(1, 7*time.Second); got != 7*time.Second {
		t.Errorf("expected explicit delay, got %v", got)
	}
	got := p.backoff(2, 0)
	if got < 400*time.Millisecond || got >= 900*time.Millisecond {
		t.Errorf("expected 400ms-900ms, got %v", got)
	}
}

// =============================================================================
// Schedulers
// =============================================================================

func TestSyncRetryScheduler_QueuesDueRetries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	due := &domain.SyncStatus{OwnerID: uuid.New(), State: domain.SyncStateError, Mode: domain.SyncModeFull, NextRetryAt: now.Add(-time.Minute)}
	later := &domain.SyncStatus{OwnerID: uuid.New(), State: domain.SyncStateError, NextRetryAt: now.Add(time.Hour)}
	incremental := &domain.SyncStatus{OwnerID: uuid.New(), State: domain.SyncStateError, Mode: domain.SyncModeIncremental, NextRetryAt: now}

	queue := &fakeQueue{}
	s := NewSyncRetryScheduler(&fakeStatuses{due: []*domain.SyncStatus{due, later, incremental}}, queue, &fakeDedup{seen: map[string]bool{}}, time.Minute)
	s.now = func() time.Time { return now }

	if n := s.processPendingRetries(context.Background()); n != 2 {
		t.Fatalf("expected 2 queued, got %d", n)
	}
	if queue.triggers[0].OwnerID != due.OwnerID || queue.triggers[0].Mode != domain.SyncModeFull {
		t.Errorf("unexpected first trigger %+v", queue.triggers[0])
	}
	if queue.triggers[1].Mode != domain.SyncModeIncremental || queue.triggers[1].Source != "retry" {
		t.Errorf("unexpected second trigger %+v", queue.triggers[1])
	}

	// same slots on the next tick
	if n := s.processPendingRetries(context.Background()); n != 0 {
		t.Errorf("expected duplicate slots to be skipped, got %d", n)
	}
}

func TestPhase2Scheduler_DrainsUntilEmpty(t *testing.T) {
	runner := &fakePhase2{remaining: []int{3, 2}}
	s := NewPhase2Scheduler(runner, time.Minute)

	if got := s.drain(context.Background()); got != 5 {
		t.Errorf("expected 5 batches, got %d", got)
	}
	if runner.calls != 3 {
		t.Errorf("expected 3 cycles, got %d", runner.calls)
	}
}

type countingRenewer struct {
	calls chan struct{}
}

func (r *countingRenewer) RenewDue(ctx context.Context) (int, int, error) {
	r.calls <- struct{}{}
	return 1, 0, nil
}

func TestWatchRenewScheduler_RunsOnStart(t *testing.T) {
	renewer := &countingRenewer{calls: make(chan struct{}, 4)}
	s := NewWatchRenewScheduler(renewer, time.Hour)
	s.Start()
	defer s.Stop()

	select {
	case <-renewer.calls:
	case <-time.After(time.Second):
		t.Fatal("expected an immediate renewal pass")
	}
}

func TestStreamHandler_PoolRejection(t *testing.T) {
	p := NewPool(&scriptedProcessor{}, testPoolConfig(), nil, zerolog.Nop())
	h := NewStreamHandler(p)

	err := h.Handle(context.Background(), messaging.StreamWatchEnsure, []byte(`{"owner_id":"`+uuid.NewString()+`"}`))
	if !errors.Is(err, errPoolBusy) {
		t.Errorf("expected pool rejection, got %v", err)
	}
}

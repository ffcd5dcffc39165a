package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Alabobai/Alabobai-unified-sub008/capability"
	"github.com/Alabobai/Alabobai-unified-sub008/reliability"
	"github.com/Alabobai/Alabobai-unified-sub008/retriever"
)

// Options are the runner tunables. Zero values are replaced by defaults.
type Options struct {
	WatchdogInterval time.Duration
	RunStaleAfter    time.Duration
	MaxAttempts      int
	RetryBase        time.Duration
	RetryMax         time.Duration
	StepTimeout      time.Duration
	MaxPersistedRuns int
	PersistDebounce  time.Duration
	StorePath        string
	EventsPath       string
	// Origin is the default base URL steps are dispatched against when a
	// run carries no caller origin.
	Origin string
}

// withDefaults fills unset options.
func (o Options) withDefaults() Options {
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 5 * time.Second
	}
	if o.RunStaleAfter <= 0 {
		o.RunStaleAfter = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.MaxAttempts > 5 {
		o.MaxAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 1500 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 30 * time.Second
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 60 * time.Second
	}
	if o.MaxPersistedRuns <= 0 {
		o.MaxPersistedRuns = 400
	}
	if o.PersistDebounce <= 0 {
		o.PersistDebounce = 80 * time.Millisecond
	}
	if o.StorePath == "" {
		o.StorePath = "/tmp/alabobai-task-runs.json"
	}
	if o.EventsPath == "" {
		o.EventsPath = "/tmp/alabobai-task-runs.jsonl"
	}
	if o.Origin == "" {
		o.Origin = "http://127.0.0.1:8080"
	}
	return o
}

// Service is the task runner.
type Service struct {
	opts       Options
	catalog    *capability.Catalog
	retriever  *retriever.Retriever
	kernel     *reliability.Kernel
	dispatcher *Dispatcher
	store      *Store
	logger     *slog.Logger

	mu   sync.Mutex
	runs map[string]*TaskRun

	processing atomic.Bool
	kick       chan struct{}
	stop       chan struct{}
	wg         sync.WaitGroup

	now func() time.Time
}

// NewService builds a runner. The store is hydrated immediately; the
// watchdog starts on Start.
func NewService(opts Options, catalog *capability.Catalog, kernel *reliability.Kernel, logger *slog.Logger) *Service {
	opts = opts.withDefaults()
	s := &Service{
		opts:       opts,
		catalog:    catalog,
		retriever:  retriever.New(catalog),
		kernel:     kernel,
		dispatcher: NewDispatcher(kernel, opts.StepTimeout, logger),
		store:      NewStore(opts.StorePath, opts.EventsPath, opts.PersistDebounce, opts.MaxPersistedRuns, logger),
		logger:     logger,
		runs:       make(map[string]*TaskRun),
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		now:        time.Now,
	}
	for _, run := range s.store.Load() {
		r := run
		s.runs[r.ID] = &r
	}
	return s
}

// Dispatcher exposes the dispatcher so local handlers can be registered
// at wiring time.
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Start launches the watchdog goroutine.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.ProcessRuns(ctx)
			case <-s.kick:
				s.ProcessRuns(ctx)
			}
		}
	}()
	s.logger.Info("task runner started",
		"watchdogInterval", s.opts.WatchdogInterval,
		"storePath", s.opts.StorePath)
}

// Stop halts the watchdog and flushes the store.
func (s *Service) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.wg.Wait()
	s.store.Close()
	s.logger.Info("task runner stopped")
}

// Kick nudges the watchdog to reconcile soon.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SubmitRequest is the createTaskRun input.
type SubmitRequest struct {
	Task    string         `json:"task"`
	Context map[string]any `json:"context,omitempty"`
	DryRun  bool           `json:"dryRun,omitempty"`
	Origin  string         `json:"-"`
}

// Submit creates a run: the task is matched and planned synchronously,
// the run persisted in state planned, and the watchdog kicked. A task
// that matches nothing (including an empty task) still creates a run,
// which fails immediately with a diagnostic.
func (s *Service) Submit(req SubmitRequest) (*TaskRun, error) {
	result := s.retriever.Retrieve(req.Task, 0)
	now := s.now()

	run := &TaskRun{
		ID:                  uuid.NewString(),
		Task:                req.Task,
		Context:             req.Context,
		DryRun:              req.DryRun,
		Origin:              req.Origin,
		State:               StatePlanned,
		Attempt:             1,
		MaxAttempts:         s.opts.MaxAttempts,
		CreatedAt:           now,
		UpdatedAt:           now,
		Intent:              result.Intent,
		MatchedCapabilities: result.Matches,
		Plan:                result.Plan,
		Execution:           Execution{DryRun: req.DryRun},
		Checkpoint:          Checkpoint{NextStep: 1, UpdatedAt: now},
	}

	if len(run.Plan) == 0 {
		run.State = StateFailed
		run.LastError = "No suitable capability matched the task."
		run.CompletedAt = &now
		run.Status = classifyRun(run)
	}

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	metricRunsSubmitted.Inc()
	s.logEvent(run, "run.created", nil)
	s.logger.Info("run created", "runId", run.ID, "intent", run.Intent.Label, "steps", len(run.Plan), "dryRun", run.DryRun)
	s.persist()
	s.Kick()
	return run.clone(), nil
}

// Get returns a copy of one run.
func (s *Service) Get(id string) (*TaskRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	return run.clone(), true
}

// List returns up to limit runs, newest first. limit is clamped to
// 1..200, default 50.
func (s *Service) List(limit int) []*TaskRun {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	s.mu.Lock()
	all := make([]*TaskRun, 0, len(s.runs))
	for _, run := range s.runs {
		all = append(all, run.clone())
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// StateCounts reports how many runs sit in each lifecycle state, across
// the whole table.
func (s *Service) StateCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(s.runs))
	for _, run := range s.runs {
		counts[string(run.State)]++
	}
	return counts
}

// Pause requests a pause. Runs waiting to execute block immediately;
// a run mid-step blocks before its next step. Idempotent.
func (s *Service) Pause(id string) (*TaskRun, error) {
	s.mu.Lock()
	run, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("run %s not found", id)
	}
	run.PauseRequested = true
	if run.State == StatePlanned || run.State == StateRetrying {
		run.State = StateBlocked
	}
	run.UpdatedAt = s.now()
	out := run.clone()
	s.mu.Unlock()

	s.logEvent(out, "run.paused", nil)
	s.persist()
	return out, nil
}

// Resume clears a pause and reschedules a blocked run immediately.
func (s *Service) Resume(id string) (*TaskRun, error) {
	s.mu.Lock()
	run, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("run %s not found", id)
	}
	run.PauseRequested = false
	if run.State == StateBlocked {
		run.State = StateRetrying
		run.NextAttemptAt = s.now().UnixMilli()
	}
	run.UpdatedAt = s.now()
	out := run.clone()
	s.mu.Unlock()

	s.logEvent(out, "run.resumed", nil)
	s.persist()
	s.Kick()
	return out, nil
}

// Retry re-activates a run, terminal or not: attempt advances (capped at
// maxAttempts), the checkpoint rewinds to the first failed step, and the
// watchdog is kicked.
func (s *Service) Retry(id string) (*TaskRun, error) {
	s.mu.Lock()
	run, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("run %s not found", id)
	}
	now := s.now()
	run.PauseRequested = false
	run.State = StateRetrying
	if run.Attempt < run.MaxAttempts {
		run.Attempt++
	}
	if failed := run.firstFailedStep(); failed > 0 {
		run.Checkpoint.NextStep = failed
		run.Checkpoint.UpdatedAt = now
	}
	run.LastError = ""
	run.NextAttemptAt = now.UnixMilli()
	run.CompletedAt = nil
	run.Verification = nil
	run.Status = ""
	run.UpdatedAt = now
	out := run.clone()
	s.mu.Unlock()

	s.logEvent(out, "run.retry.requested", nil)
	s.persist()
	s.Kick()
	return out, nil
}

// WaitForRun polls until the run settles in succeeded, failed or blocked,
// or the timeout elapses. The last observed run is always returned.
func (s *Service) WaitForRun(ctx context.Context, id string, timeout, poll time.Duration) (*TaskRun, error) {
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		run, ok := s.Get(id)
		if !ok {
			return nil, fmt.Errorf("run %s not found", id)
		}
		if run.State.Terminal() || run.State == StateBlocked {
			return run, nil
		}
		if time.Now().After(deadline) {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// persist queues a snapshot of every run for the debounced writer. The
// in-memory table is pruned first so it stays within the same cap as the
// on-disk document.
func (s *Service) persist() {
	s.mu.Lock()
	s.pruneRuns()
	snapshot := make([]TaskRun, 0, len(s.runs))
	for _, run := range s.runs {
		snapshot = append(snapshot, *run.clone())
	}
	s.mu.Unlock()
	s.store.Save(snapshot)
}

// pruneRuns evicts the oldest settled runs once the table exceeds the
// persistence cap. Runs still in flight are never evicted. Caller holds
// the service mutex.
func (s *Service) pruneRuns() {
	over := len(s.runs) - s.opts.MaxPersistedRuns
	if over <= 0 {
		return
	}
	settled := make([]*TaskRun, 0, len(s.runs))
	for _, run := range s.runs {
		if run.State.Terminal() {
			settled = append(settled, run)
		}
	}
	sort.Slice(settled, func(i, j int) bool {
		return settled[i].CreatedAt.Before(settled[j].CreatedAt)
	})
	for _, run := range settled {
		if over <= 0 {
			return
		}
		delete(s.runs, run.ID)
		over--
	}
}

// FlushStore forces a pending snapshot to disk. Used by tests and
// shutdown.
func (s *Service) FlushStore() {
	s.store.Flush()
}

func (s *Service) logEvent(run *TaskRun, eventType string, extra map[string]any) {
	s.store.AppendEvent(Event{
		TS:         s.now(),
		Type:       eventType,
		RunID:      run.ID,
		State:      run.State,
		Attempt:    run.Attempt,
		Checkpoint: run.Checkpoint.NextStep,
		Extra:      extra,
	})
}

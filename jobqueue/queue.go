package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// warmupRetryMessage marks the forced stabilization retry of a video
// job's first successful attempt.
const warmupRetryMessage = "Warmup retry for video job stabilization"

// Executor performs the single logical call a job stands for.
type Executor func(ctx context.Context, job Job) (map[string]any, error)

// Options are the queue tunables. Zero values get defaults.
type Options struct {
	StorePath       string
	RetryBase       time.Duration
	RetryMax        time.Duration
	MaxAttempts     int
	ExecTimeout     time.Duration
	TickInterval    time.Duration
	PersistDebounce time.Duration
}

func (o Options) withDefaults() Options {
	if o.StorePath == "" {
		o.StorePath = "/tmp/alabobai-job-queue.json"
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 1200 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 15 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.MaxAttempts > 5 {
		o.MaxAttempts = 5
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = 90 * time.Second
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 2 * time.Second
	}
	if o.PersistDebounce <= 0 {
		o.PersistDebounce = 80 * time.Millisecond
	}
	return o
}

// Queue runs coarse-grained media jobs.
type Queue struct {
	opts     Options
	executor Executor
	store    *store
	logger   *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job

	processing atomic.Bool
	kick       chan struct{}
	stop       chan struct{}
	wg         sync.WaitGroup

	now func() time.Time
}

// New builds a queue and hydrates it from its store.
func New(opts Options, executor Executor, logger *slog.Logger) *Queue {
	opts = opts.withDefaults()
	q := &Queue{
		opts:     opts,
		executor: executor,
		store:    newStore(opts.StorePath, opts.PersistDebounce, logger),
		logger:   logger,
		jobs:     make(map[string]*Job),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	for _, job := range q.store.load() {
		j := job
		q.jobs[j.ID] = &j
	}
	return q
}

// Start launches the queue's reconcile ticker.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stop:
				return
			case <-ticker.C:
				q.Process(ctx)
			case <-q.kick:
				q.Process(ctx)
			}
		}
	}()
	q.logger.Info("job queue started", "storePath", q.opts.StorePath)
}

// Stop halts processing and flushes the store.
func (q *Queue) Stop() {
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}
	q.wg.Wait()
	q.store.close()
	q.logger.Info("job queue stopped")
}

// Kick nudges the queue to process soon.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Submit enqueues one job.
func (q *Queue) Submit(jobType Type, payload map[string]any) (*Job, error) {
	if !jobType.IsValid() {
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
	now := q.now()
	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     payload,
		Status:      StatusQueued,
		Attempt:     0,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		NextRunAt:   now.UnixMilli(),
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	q.logger.Info("job queued", "jobId", job.ID, "type", job.Type)
	q.persist()
	q.Kick()
	return job.clone(), nil
}

// Get returns a copy of one job.
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// List returns all jobs, newest first.
func (q *Queue) List() []*Job {
	q.mu.Lock()
	all := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		all = append(all, job.clone())
	}
	q.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all
}

func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.opts.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.opts.RetryMax {
			return q.opts.RetryMax
		}
	}
	if delay > q.opts.RetryMax {
		return q.opts.RetryMax
	}
	return delay
}

// Process runs every due job once. At most one invocation at a time.
func (q *Queue) Process(ctx context.Context) {
	if !q.processing.CompareAndSwap(false, true) {
		return
	}
	defer q.processing.Store(false)

	now := q.now()
	type dueJob struct {
		id      string
		created time.Time
	}
	var due []dueJob

	q.mu.Lock()
	for _, job := range q.jobs {
		ready := job.Status == StatusQueued ||
			(job.Status == StatusRetrying && job.NextRunAt <= now.UnixMilli())
		if ready {
			due = append(due, dueJob{id: job.ID, created: job.CreatedAt})
		}
	}
	q.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		return due[i].created.Before(due[j].created)
	})

	for _, d := range due {
		q.runJob(ctx, d.id)
	}
	if len(due) > 0 {
		q.persist()
	}
}

func (q *Queue) runJob(ctx context.Context, id string) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	now := q.now()
	job.Status = StatusRunning
	job.Attempt++
	job.UpdatedAt = now
	snapshot := *job
	q.mu.Unlock()
	q.persist()

	execCtx, cancel := context.WithTimeout(ctx, q.opts.ExecTimeout)
	result, err := q.executor(execCtx, snapshot)
	cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	now = q.now()
	job.UpdatedAt = now

	if err == nil {
		if job.Type == TypeVideo && !job.WarmupDone {
			// First successful video attempt is deliberately re-run once
			// to let the generation model stabilize.
			job.WarmupDone = true
			job.Status = StatusRetrying
			job.LastError = warmupRetryMessage
			job.NextRunAt = now.Add(q.backoff(job.Attempt)).UnixMilli()
			job.Result = result
			q.logger.Info("video warmup retry scheduled", "jobId", job.ID, "attempt", job.Attempt)
			return
		}
		job.Status = StatusSucceeded
		job.LastError = ""
		job.Result = result
		q.logger.Info("job succeeded", "jobId", job.ID, "attempt", job.Attempt)
		return
	}

	job.LastError = err.Error()
	if isTransient(err.Error()) && job.Attempt < job.MaxAttempts {
		job.Status = StatusRetrying
		job.NextRunAt = now.Add(q.backoff(job.Attempt)).UnixMilli()
		q.logger.Info("job retry scheduled", "jobId", job.ID, "attempt", job.Attempt, "error", job.LastError)
		return
	}
	job.Status = StatusFailed
	q.logger.Warn("job failed", "jobId", job.ID, "attempt", job.Attempt, "error", job.LastError)
}

func (q *Queue) persist() {
	q.mu.Lock()
	snapshot := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		snapshot = append(snapshot, *job)
	}
	q.mu.Unlock()
	q.store.save(snapshot)
}

// FlushStore forces pending job state to disk.
func (q *Queue) FlushStore() {
	q.store.flush()
}

// isTransient mirrors the runner's step-failure taxonomy.
func isTransient(msg string) bool {
	return transientJobError(msg)
}

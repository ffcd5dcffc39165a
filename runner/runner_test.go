package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alabobai/Alabobai-unified-sub008/capability"
	"github.com/Alabobai/Alabobai-unified-sub008/reliability"
	"github.com/Alabobai/Alabobai-unified-sub008/verifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, origin string) *Service {
	t.Helper()
	cat, err := capability.Load()
	require.NoError(t, err)

	dir := t.TempDir()
	s := NewService(Options{
		StorePath:       filepath.Join(dir, "runs.json"),
		EventsPath:      filepath.Join(dir, "runs.jsonl"),
		RetryBase:       10 * time.Millisecond,
		RetryMax:        100 * time.Millisecond,
		StepTimeout:     2 * time.Second,
		PersistDebounce: 5 * time.Millisecond,
		Origin:          origin,
	}, cat, reliability.NewKernel(), testLogger())
	t.Cleanup(s.Stop)
	return s
}

// makeRunnable rewinds a retrying run's next-attempt time so the next
// reconcile pass picks it up without sleeping through the backoff.
func makeRunnable(s *Service, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		run.NextAttemptAt = time.Now().Add(-time.Second).UnixMilli()
	}
}

func imageServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestImageGenerationHappyPath(t *testing.T) {
	srv := imageServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/media/image/generate", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "generate a logo for a robotics startup", payload["prompt"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"url": "https://cdn.example.com/logo.png"})
	})

	s := newTestService(t, srv.URL)
	run, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup"})
	require.NoError(t, err)
	assert.Equal(t, StatePlanned, run.State)
	assert.Equal(t, "media.image.generate", run.Intent.Label)
	require.Len(t, run.Plan, 1)

	s.ProcessRuns(context.Background())

	got, ok := s.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, verifier.StatusOK, got.Status)
	require.Len(t, got.Execution.Steps, 1)
	assert.True(t, got.Execution.Steps[0].OK)
	require.NotNil(t, got.Verification)
	assert.True(t, got.Verification.Verified)
	assert.NotNil(t, got.CompletedAt)
}

func TestDryRunSynthesizesWithoutHTTP(t *testing.T) {
	// Origin points at a closed port; any outbound call would fail.
	s := newTestService(t, "http://127.0.0.1:1")

	run, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup", DryRun: true})
	require.NoError(t, err)

	s.ProcessRuns(context.Background())

	got, ok := s.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, got.State)
	require.Len(t, got.Execution.Steps, 1)
	step := got.Execution.Steps[0]
	assert.True(t, step.OK)
	assert.Equal(t, 200, step.Status)
	assert.Equal(t, map[string]any{"dryRun": true}, step.Data)
}

func TestTransientFailureRetries(t *testing.T) {
	var calls atomic.Int32
	srv := imageServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"url": "https://cdn.example.com/logo.png"})
	})

	s := newTestService(t, srv.URL)
	run, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup"})
	require.NoError(t, err)

	s.ProcessRuns(context.Background())

	mid, ok := s.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, StateRetrying, mid.State)
	assert.Equal(t, 2, mid.Attempt)
	assert.Equal(t, "Request failed with status 503", mid.LastError)
	assert.Positive(t, mid.NextAttemptAt)

	makeRunnable(s, run.ID)
	s.ProcessRuns(context.Background())

	final, ok := s.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, final.State)
	assert.Equal(t, 2, final.Attempt)
	require.Len(t, final.Execution.Steps, 1)
	assert.True(t, final.Execution.Steps[0].OK)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExhaustedRetriesFail(t *testing.T) {
	srv := imageServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	s := newTestService(t, srv.URL)
	run, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		makeRunnable(s, run.ID)
		s.ProcessRuns(context.Background())
	}

	got, ok := s.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 3, got.Attempt)
	assert.Equal(t, "Request failed with status 500", got.LastError)
	assert.Equal(t, verifier.StatusDegraded, got.Status)
	require.NotNil(t, got.Verification)
	assert.False(t, got.Verification.Blocked)
	assert.InDelta(t, 0.2, got.Verification.Confidence, 0.15)
}

func TestVerificationBlock(t *testing.T) {
	srv := imageServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"url": "not a url"})
	})

	s := newTestService(t, srv.URL)
	run, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup"})
	require.NoError(t, err)

	s.ProcessRuns(context.Background())

	got, ok := s.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, StateBlocked, got.State)
	assert.Equal(t, verifier.StatusBlocked, got.Status)
	require.NotNil(t, got.Verification)
	assert.True(t, got.Verification.Blocked)
	assert.Contains(t, got.Diagnostics.Failures, "verification-blocked: output failed quality gate(s)")
	assert.NotEmpty(t, got.Diagnostics.Notes)

	// Step itself succeeded; only the quality gate failed.
	require.Len(t, got.Execution.Steps, 1)
	assert.True(t, got.Execution.Steps[0].OK)
}

func TestWatchdogRecoversStaleRun(t *testing.T) {
	srv := imageServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"url": "https://cdn.example.com/logo.png"})
	})

	s := newTestService(t, srv.URL)
	run, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup"})
	require.NoError(t, err)

	// Simulate a crashed process: the run is stuck in running with an
	// ancient heartbeat.
	stale := time.Now().Add(-time.Minute)
	s.mu.Lock()
	r := s.runs[run.ID]
	r.State = StateRunning
	r.HeartbeatAt = &stale
	s.mu.Unlock()

	s.ProcessRuns(context.Background())

	mid, ok := s.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, StateRetrying, mid.State)
	assert.Positive(t, mid.NextAttemptAt)

	makeRunnable(s, run.ID)
	s.ProcessRuns(context.Background())

	final, ok := s.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, final.State)
}

func TestPauseIsIdempotentAndResumeReschedules(t *testing.T) {
	s := newTestService(t, "http://127.0.0.1:1")
	run, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup"})
	require.NoError(t, err)

	paused, err := s.Pause(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, paused.State)
	assert.True(t, paused.PauseRequested)

	again, err := s.Pause(run.ID)
	require.NoError(t, err)
	assert.Equal(t, paused.State, again.State)
	assert.Equal(t, paused.PauseRequested, again.PauseRequested)

	// Paused runs are skipped by the reconcile loop.
	s.ProcessRuns(context.Background())
	skipped, _ := s.Get(run.ID)
	assert.Equal(t, StateBlocked, skipped.State)
	assert.Empty(t, skipped.Execution.Steps)

	resumed, err := s.Resume(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, resumed.State)
	assert.False(t, resumed.PauseRequested)
	assert.Positive(t, resumed.NextAttemptAt)
}

func TestRetryRewindsToFailedStepAndCapsAttempt(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := imageServer(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"url": "https://cdn.example.com/logo.png"})
	})

	s := newTestService(t, srv.URL)
	run, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup"})
	require.NoError(t, err)

	// 400 is not transient: the run fails on the first pass.
	s.ProcessRuns(context.Background())
	failed, _ := s.Get(run.ID)
	require.Equal(t, StateFailed, failed.State)

	fail.Store(false)
	retried, err := s.Retry(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, retried.State)
	assert.Equal(t, 2, retried.Attempt)
	assert.Equal(t, 1, retried.Checkpoint.NextStep)
	assert.Empty(t, retried.LastError)

	makeRunnable(s, run.ID)
	s.ProcessRuns(context.Background())
	final, _ := s.Get(run.ID)
	assert.Equal(t, StateSucceeded, final.State)

	// Attempt never exceeds maxAttempts, no matter how often retried.
	for i := 0; i < 5; i++ {
		again, err := s.Retry(run.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, again.Attempt, again.MaxAttempts)
	}
}

func TestLocalFallbackMarksRunDegraded(t *testing.T) {
	// Origin is unreachable; the registered local handler serves the step.
	s := newTestService(t, "http://127.0.0.1:1")
	s.Dispatcher().RegisterLocal("/api/media/image/generate", func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"url": "https://cdn.example.com/local.png"}, nil
	})

	run, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup"})
	require.NoError(t, err)

	s.ProcessRuns(context.Background())

	got, _ := s.Get(run.ID)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, verifier.StatusDegraded, got.Status)
	assert.True(t, got.Diagnostics.Degraded)
	assert.NotEmpty(t, got.Diagnostics.Notes)
}

func TestStoreRoundTrip(t *testing.T) {
	cat, err := capability.Load()
	require.NoError(t, err)

	dir := t.TempDir()
	opts := Options{
		StorePath:       filepath.Join(dir, "runs.json"),
		EventsPath:      filepath.Join(dir, "runs.jsonl"),
		PersistDebounce: time.Millisecond,
		Origin:          "http://127.0.0.1:1",
	}

	s1 := NewService(opts, cat, reliability.NewKernel(), testLogger())
	run, err := s1.Submit(SubmitRequest{Task: "generate a logo for a robotics startup"})
	require.NoError(t, err)
	s1.FlushStore()
	s1.Stop()

	s2 := NewService(opts, cat, reliability.NewKernel(), testLogger())
	defer s2.Stop()

	restored, ok := s2.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, run.Task, restored.Task)
	assert.Equal(t, run.State, restored.State)
	require.Len(t, restored.Plan, 1)
	assert.Equal(t, "media.image.generate", restored.Plan[0].CapabilityID)
}

func TestEmptyTaskFailsOnCreation(t *testing.T) {
	s := newTestService(t, "http://127.0.0.1:1")

	for _, task := range []string{"", "   "} {
		run, err := s.Submit(SubmitRequest{Task: task})
		require.NoError(t, err)
		assert.Equal(t, StateFailed, run.State)
		assert.Equal(t, "No suitable capability matched the task.", run.LastError)
		assert.Equal(t, verifier.StatusNoMatch, run.Status)
		assert.NotNil(t, run.CompletedAt)
		assert.Empty(t, run.Plan)

		// The failed run is retained and observable afterwards.
		got, ok := s.Get(run.ID)
		require.True(t, ok)
		assert.Equal(t, StateFailed, got.State)
	}
}

func TestRunTableStaysBounded(t *testing.T) {
	cat, err := capability.Load()
	require.NoError(t, err)

	dir := t.TempDir()
	s := NewService(Options{
		StorePath:        filepath.Join(dir, "runs.json"),
		EventsPath:       filepath.Join(dir, "runs.jsonl"),
		PersistDebounce:  time.Millisecond,
		MaxPersistedRuns: 5,
		Origin:           "http://127.0.0.1:1",
	}, cat, reliability.NewKernel(), testLogger())
	defer s.Stop()

	for i := 0; i < 8; i++ {
		_, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup", DryRun: true})
		require.NoError(t, err)
	}
	s.ProcessRuns(context.Background())

	last, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup", DryRun: true})
	require.NoError(t, err)

	runs := s.List(200)
	assert.LessOrEqual(t, len(runs), 5, "settled runs beyond the cap must be evicted")

	// The newest run survives the eviction.
	_, ok := s.Get(last.ID)
	assert.True(t, ok)
}

func TestStateCounts(t *testing.T) {
	s := newTestService(t, "http://127.0.0.1:1")

	first, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup", DryRun: true})
	require.NoError(t, err)
	_, err = s.Submit(SubmitRequest{Task: "research the robotics market", DryRun: true})
	require.NoError(t, err)
	_, err = s.Pause(first.ID)
	require.NoError(t, err)

	counts := s.StateCounts()
	assert.Equal(t, 1, counts[string(StatePlanned)])
	assert.Equal(t, 1, counts[string(StateBlocked)])
}

func TestRegisterLocalWhileDispatching(t *testing.T) {
	s := newTestService(t, "http://127.0.0.1:1")
	d := s.Dispatcher()
	handler := func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"url": "https://cdn.example.com/local.png"}, nil
	}
	d.RegisterLocal("/api/media/image/generate", handler)

	run, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			d.RegisterLocal("/api/proxy/fetch", handler)
		}
	}()
	s.ProcessRuns(context.Background())
	<-done

	got, _ := s.Get(run.ID)
	assert.Equal(t, StateSucceeded, got.State)
}

func TestListNewestFirst(t *testing.T) {
	s := newTestService(t, "http://127.0.0.1:1")
	first, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup", DryRun: true})
	require.NoError(t, err)

	s.mu.Lock()
	s.runs[first.ID].CreatedAt = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	second, err := s.Submit(SubmitRequest{Task: "research the robotics market", DryRun: true})
	require.NoError(t, err)

	runs := s.List(10)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)

	assert.Len(t, s.List(1), 1)
}

func TestWaitForRunReturnsOnTerminalState(t *testing.T) {
	s := newTestService(t, "http://127.0.0.1:1")
	run, err := s.Submit(SubmitRequest{Task: "generate a logo for a robotics startup", DryRun: true})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.ProcessRuns(context.Background())
	}()

	got, err := s.WaitForRun(context.Background(), run.ID, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
}

func TestProcessRunsIsReentrantSafe(t *testing.T) {
	s := newTestService(t, "http://127.0.0.1:1")
	s.processing.Store(true)

	// Must return immediately instead of deadlocking on the guard.
	done := make(chan struct{})
	go func() {
		s.ProcessRuns(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ProcessRuns blocked while another invocation was active")
	}
}

func TestBackoffProgression(t *testing.T) {
	s := newTestService(t, "http://127.0.0.1:1")
	s.opts.RetryBase = 1500 * time.Millisecond
	s.opts.RetryMax = 30 * time.Second

	assert.Equal(t, 1500*time.Millisecond, s.backoff(1))
	assert.Equal(t, 3*time.Second, s.backoff(2))
	assert.Equal(t, 6*time.Second, s.backoff(3))
	assert.Equal(t, 30*time.Second, s.backoff(10))
}

func TestIsTransientStepError(t *testing.T) {
	assert.True(t, isTransientStepError("Request failed with status 503"))
	assert.True(t, isTransientStepError("Request failed with status 429"))
	assert.True(t, isTransientStepError("step timeout after 60000ms"))
	assert.True(t, isTransientStepError("dial tcp: connection timed out"))
	assert.True(t, isTransientStepError("read: econnreset"))
	assert.True(t, isTransientStepError("Request failed with status 500"))
	assert.False(t, isTransientStepError("Request failed with status 400"))
	assert.False(t, isTransientStepError("circuit-open:media"))
	assert.False(t, isTransientStepError("exit code 5"), "a stray digit 5 must not count as transient")
	assert.False(t, isTransientStepError(""))
}

func TestUpsertStepResultReplacesAndSorts(t *testing.T) {
	run := &TaskRun{}
	run.upsertStepResult(StepResult{Step: 2, OK: false})
	run.upsertStepResult(StepResult{Step: 1, OK: true})
	run.upsertStepResult(StepResult{Step: 2, OK: true})

	require.Len(t, run.Execution.Steps, 2)
	assert.Equal(t, 1, run.Execution.Steps[0].Step)
	assert.Equal(t, 2, run.Execution.Steps[1].Step)
	assert.True(t, run.Execution.Steps[1].OK)
}

func TestPruneOldest(t *testing.T) {
	now := time.Now()
	runs := []TaskRun{
		{ID: "old", CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "mid", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "new", CreatedAt: now.Add(-1 * time.Hour)},
	}
	pruned := pruneOldest(runs, 2)
	require.Len(t, pruned, 2)
	assert.Equal(t, "mid", pruned[0].ID)
	assert.Equal(t, "new", pruned[1].ID)
}

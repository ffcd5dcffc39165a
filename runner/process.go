package runner

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Alabobai/Alabobai-unified-sub008/verifier"
)

// backoff computes the retry delay before the given attempt.
func (s *Service) backoff(attempt int) time.Duration {
	delay := s.opts.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.opts.RetryMax {
			return s.opts.RetryMax
		}
	}
	if delay > s.opts.RetryMax {
		return s.opts.RetryMax
	}
	return delay
}

// ProcessRuns is the reconcile loop: recover stale runs, collect runnable
// ones in creation order, and advance each through its plan. At most one
// invocation runs at a time; overlapping calls return immediately.
func (s *Service) ProcessRuns(ctx context.Context) {
	if !s.processing.CompareAndSwap(false, true) {
		return
	}
	defer s.processing.Store(false)
	metricWatchdogTicks.Inc()

	now := s.now()
	var runnable []*TaskRun
	staleRecovered := 0

	s.mu.Lock()
	for _, run := range s.runs {
		if run.State == StateRunning && run.HeartbeatAt != nil &&
			now.Sub(*run.HeartbeatAt) > s.opts.RunStaleAfter {
			staleRecovered++
			run.State = StateRetrying
			run.NextAttemptAt = now.Add(s.backoff(run.Attempt)).UnixMilli()
			run.UpdatedAt = now
			metricStaleRecoveries.Inc()
			s.logger.Warn("stale run recovered", "runId", run.ID, "attempt", run.Attempt)
			s.logEvent(run, "watchdog.stale.run", nil)
		}
	}
	for _, run := range s.runs {
		if run.PauseRequested {
			continue
		}
		switch run.State {
		case StatePlanned:
			runnable = append(runnable, run)
		case StateRetrying:
			if run.NextAttemptAt <= now.UnixMilli() {
				runnable = append(runnable, run)
			}
		}
	}
	sort.Slice(runnable, func(i, j int) bool {
		return runnable[i].CreatedAt.Before(runnable[j].CreatedAt)
	})
	ids := make([]string, len(runnable))
	for i, run := range runnable {
		ids[i] = run.ID
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.advance(ctx, id)
	}
	if len(ids) > 0 || staleRecovered > 0 {
		s.persist()
	}
}

// advance pushes one run as far through its plan as it can get in this
// reconcile pass.
func (s *Service) advance(ctx context.Context, id string) {
	s.mu.Lock()
	run, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	now := s.now()
	run.State = StateRunning
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.HeartbeatAt = &now
	run.UpdatedAt = now

	if run.DryRun {
		s.synthesizeDryRun(run)
		s.finalize(run)
		s.mu.Unlock()
		s.persist()
		return
	}

	origin := run.Origin
	if origin == "" {
		origin = s.opts.Origin
	}
	s.mu.Unlock()
	s.persist()

	for {
		s.mu.Lock()
		if run.PauseRequested {
			run.State = StateBlocked
			run.UpdatedAt = s.now()
			s.logEvent(run, "run.blocked", map[string]any{"reason": "pause requested"})
			s.mu.Unlock()
			s.persist()
			return
		}
		if run.Checkpoint.NextStep > len(run.Plan) {
			s.finalize(run)
			s.mu.Unlock()
			s.persist()
			return
		}
		step := run.Plan[run.Checkpoint.NextStep-1]
		hb := s.now()
		run.HeartbeatAt = &hb
		run.UpdatedAt = hb
		s.mu.Unlock()
		s.persist()

		result := s.dispatcher.Execute(ctx, origin, step)

		s.mu.Lock()
		run.upsertStepResult(result)
		now = s.now()
		run.UpdatedAt = now

		if result.OK {
			metricSteps.WithLabelValues("ok").Inc()
			run.Checkpoint.NextStep = step.Step + 1
			run.Checkpoint.UpdatedAt = now
			noteLocalFallback(run, result)
			s.logEvent(run, "run.step.succeeded", map[string]any{"step": step.Step, "capabilityId": step.CapabilityID})
			s.mu.Unlock()
			s.persist()
			continue
		}

		metricSteps.WithLabelValues("failed").Inc()
		run.LastError = result.Error
		run.Diagnostics.Degraded = true
		run.Diagnostics.Failures = append(run.Diagnostics.Failures,
			fmt.Sprintf("step %d (%s): %s", step.Step, step.CapabilityID, result.Error))

		if isTransientStepError(result.Error) && run.Attempt < run.MaxAttempts {
			delay := s.backoff(run.Attempt)
			run.Attempt++
			run.State = StateRetrying
			run.NextAttemptAt = now.Add(delay).UnixMilli()
			metricRetries.Inc()
			s.logger.Info("retry scheduled", "runId", run.ID, "step", step.Step, "attempt", run.Attempt, "error", result.Error)
			s.logEvent(run, "run.retry.scheduled", map[string]any{"step": step.Step, "error": result.Error})
			s.mu.Unlock()
			s.persist()
			return
		}

		s.finalize(run)
		s.mu.Unlock()
		s.persist()
		return
	}
}

// synthesizeDryRun fabricates a successful result for every remaining
// step without touching the network.
func (s *Service) synthesizeDryRun(run *TaskRun) {
	now := s.now()
	for i := run.Checkpoint.NextStep; i <= len(run.Plan); i++ {
		step := run.Plan[i-1]
		run.upsertStepResult(StepResult{
			Step:         step.Step,
			CapabilityID: step.CapabilityID,
			OK:           true,
			Status:       http.StatusOK,
			Route:        step.Route,
			Method:       step.Method,
			Data:         map[string]any{"dryRun": true},
		})
	}
	run.Checkpoint.NextStep = len(run.Plan) + 1
	run.Checkpoint.UpdatedAt = now
}

// noteLocalFallback lifts the degraded flag off a fallback-served step
// onto the run's diagnostics.
func noteLocalFallback(run *TaskRun, result StepResult) {
	data, ok := result.Data.(map[string]any)
	if !ok {
		return
	}
	if degraded, _ := data["degraded"].(bool); degraded {
		run.Diagnostics.Degraded = true
		run.Diagnostics.Notes = append(run.Diagnostics.Notes,
			fmt.Sprintf("step %d served by in-process fallback", result.Step))
	}
}

// finalize grades a finished run and settles its terminal state. Caller
// holds the service mutex.
func (s *Service) finalize(run *TaskRun) {
	now := s.now()

	summary := verifier.Verify(verifier.Input{
		IntentConfidence: run.Intent.Confidence,
		Steps:            s.verifierSteps(run),
		Degraded:         run.Diagnostics.Degraded,
		DryRun:           run.DryRun,
	})
	run.Verification = &summary
	run.CompletedAt = &now
	run.UpdatedAt = now

	switch {
	case summary.Blocked:
		run.State = StateBlocked
		run.Diagnostics.Failures = append(run.Diagnostics.Failures,
			"verification-blocked: output failed quality gate(s)")
		for _, check := range summary.Checks {
			if !check.OK && check.Remediation != "" {
				run.Diagnostics.Notes = append(run.Diagnostics.Notes, check.Remediation)
			}
		}
		s.logEvent(run, "run.blocked", map[string]any{"reason": "verification"})
	case run.Checkpoint.NextStep > len(run.Plan):
		run.State = StateSucceeded
		s.logEvent(run, "run.completed", nil)
	default:
		run.State = StateFailed
		s.logEvent(run, "run.failed", map[string]any{"error": run.LastError})
	}

	run.Status = classifyRun(run)
	metricRunsFinished.WithLabelValues(string(run.State)).Inc()
	s.logger.Info("run settled",
		"runId", run.ID,
		"state", run.State,
		"status", run.Status,
		"confidence", summary.Confidence,
		"attempt", run.Attempt)
}

// verifierSteps maps execution results to verifier step outcomes.
func (s *Service) verifierSteps(run *TaskRun) []verifier.StepOutcome {
	steps := make([]verifier.StepOutcome, 0, len(run.Execution.Steps))
	for _, res := range run.Execution.Steps {
		outcome := verifier.StepOutcome{
			CapabilityID: res.CapabilityID,
			OK:           res.OK,
		}
		if c, ok := s.catalog.Get(res.CapabilityID); ok {
			outcome.Domain = c.Domain.String()
		}
		if data, ok := res.Data.(map[string]any); ok {
			outcome.Data = data
		}
		steps = append(steps, outcome)
	}
	return steps
}

// classifyRun computes the coarse status grade for a settled run.
func classifyRun(run *TaskRun) verifier.Status {
	var summary verifier.Summary
	if run.Verification != nil {
		summary = *run.Verification
	}
	steps := make([]verifier.StepOutcome, 0, len(run.Execution.Steps))
	for _, res := range run.Execution.Steps {
		steps = append(steps, verifier.StepOutcome{CapabilityID: res.CapabilityID, OK: res.OK})
	}
	return verifier.Classify(steps, run.Diagnostics.Degraded, summary, len(run.MatchedCapabilities))
}

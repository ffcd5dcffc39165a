// Package runner owns task runs from submission to a terminal state. A
// single reconcile loop advances runs through their plans, checkpoints
// progress after every step, schedules retries with exponential backoff
// and recovers runs whose heartbeat went stale. All run state is mirrored
// to a JSON store and an append-only event log.
package runner

import (
	"sort"
	"time"

	"github.com/Alabobai/Alabobai-unified-sub008/retriever"
	"github.com/Alabobai/Alabobai-unified-sub008/verifier"
)

// State is the lifecycle state of a task run.
type State string

const (
	StatePlanned   State = "planned"
	StateRunning   State = "running"
	StateBlocked   State = "blocked"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether the state only changes via an explicit retry.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// StepResult records the outcome of one executed plan step.
type StepResult struct {
	Step         int    `json:"step"`
	CapabilityID string `json:"capabilityId"`
	OK           bool   `json:"ok"`
	Status       int    `json:"status"`
	Route        string `json:"route"`
	Method       string `json:"method"`
	Data         any    `json:"data,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Execution groups the step results of one run.
type Execution struct {
	DryRun bool         `json:"dryRun"`
	Steps  []StepResult `json:"steps"`
}

// Diagnostics accumulates degradation signals while a run executes.
type Diagnostics struct {
	Degraded bool     `json:"degraded"`
	Notes    []string `json:"notes,omitempty"`
	Failures []string `json:"failures,omitempty"`
}

// Checkpoint is the monotonically advancing progress watermark. NextStep
// is 1-based; a value past the plan length means every step completed.
type Checkpoint struct {
	NextStep  int       `json:"nextStep"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TaskRun is the central entity of the runtime.
type TaskRun struct {
	ID      string         `json:"id"`
	Task    string         `json:"task"`
	Context map[string]any `json:"context,omitempty"`
	DryRun  bool           `json:"dryRun"`
	Origin  string         `json:"origin,omitempty"`

	State       State           `json:"state"`
	Status      verifier.Status `json:"status,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeatAt,omitempty"`

	// NextAttemptAt is the earliest resume time in epoch milliseconds.
	NextAttemptAt  int64  `json:"nextAttemptAt,omitempty"`
	PauseRequested bool   `json:"pauseRequested"`
	LastError      string `json:"lastError,omitempty"`

	Intent              retriever.TaskIntent `json:"intent"`
	MatchedCapabilities []retriever.Match    `json:"matchedCapabilities"`
	Plan                []retriever.PlanStep `json:"plan"`

	Execution    Execution         `json:"execution"`
	Diagnostics  Diagnostics       `json:"diagnostics"`
	Verification *verifier.Summary `json:"verification,omitempty"`
	Checkpoint   Checkpoint        `json:"checkpoint"`
}

// upsertStepResult replaces any prior result for the same step and keeps
// the step list sorted ascending.
func (r *TaskRun) upsertStepResult(res StepResult) {
	for i := range r.Execution.Steps {
		if r.Execution.Steps[i].Step == res.Step {
			r.Execution.Steps[i] = res
			return
		}
	}
	r.Execution.Steps = append(r.Execution.Steps, res)
	sort.Slice(r.Execution.Steps, func(i, j int) bool {
		return r.Execution.Steps[i].Step < r.Execution.Steps[j].Step
	})
}

// firstFailedStep returns the step index of the earliest failed result,
// or 0 when every recorded step succeeded.
func (r *TaskRun) firstFailedStep() int {
	for _, s := range r.Execution.Steps {
		if !s.OK {
			return s.Step
		}
	}
	return 0
}

// clone returns a deep-enough copy for handing out across the API
// boundary. Slice headers are copied; element payloads are treated as
// read-only by callers.
func (r *TaskRun) clone() *TaskRun {
	out := *r
	out.Execution.Steps = append([]StepResult(nil), r.Execution.Steps...)
	out.Diagnostics.Notes = append([]string(nil), r.Diagnostics.Notes...)
	out.Diagnostics.Failures = append([]string(nil), r.Diagnostics.Failures...)
	out.MatchedCapabilities = append([]retriever.Match(nil), r.MatchedCapabilities...)
	out.Plan = append([]retriever.PlanStep(nil), r.Plan...)
	if r.Verification != nil {
		v := *r.Verification
		v.Checks = append([]verifier.Check(nil), r.Verification.Checks...)
		out.Verification = &v
	}
	return &out
}

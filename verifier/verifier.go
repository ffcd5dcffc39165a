// Package verifier grades finished runs. It applies domain validators to
// the step outputs, aggregates them into a verification summary, and maps
// the combination of execution, diagnostics and verification onto a
// coarse status grade.
package verifier

import (
	"fmt"
	"strings"
)

// Check is the outcome of one validator over one step's output.
type Check struct {
	CapabilityID string `json:"capabilityId"`
	Domain       string `json:"domain"`
	OK           bool   `json:"ok"`
	Message      string `json:"message"`
	Remediation  string `json:"remediation,omitempty"`
}

// Summary aggregates all checks for one run.
type Summary struct {
	Verified   bool    `json:"verified"`
	Blocked    bool    `json:"blocked"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary"`
	Checks     []Check `json:"checks"`
	Passed     int     `json:"passed"`
	Failed     int     `json:"failed"`
}

// StepOutcome is the slice of a run the verifier needs per step.
type StepOutcome struct {
	CapabilityID string
	Domain       string
	OK           bool
	Data         map[string]any
}

// Input carries everything Verify needs about a finished run.
type Input struct {
	IntentConfidence float64
	Steps            []StepOutcome
	Degraded         bool
	// DryRun skips the domain validators: synthesized step data has
	// nothing to grade.
	DryRun bool
}

// Verify grades a finished run. Validators only inspect steps that
// produced output; runtime failures lower confidence but never block.
func Verify(in Input) Summary {
	var checks []Check
	runtimeFailures := 0
	for _, step := range in.Steps {
		if !step.OK {
			runtimeFailures++
			continue
		}
		if in.DryRun {
			continue
		}
		if check, applies := validate(step); applies {
			checks = append(checks, check)
		}
	}

	passed, failed := 0, 0
	for _, c := range checks {
		if c.OK {
			passed++
		} else {
			failed++
		}
	}

	s := Summary{Checks: checks, Passed: passed, Failed: failed}

	if len(checks) == 0 && runtimeFailures == 0 {
		// Nothing to grade against: trust the intent signal.
		baseline := 0.78
		if in.Degraded {
			baseline = 0.45
		}
		s.Confidence = clamp01((in.IntentConfidence + baseline) / 2)
		s.Verified = !in.Degraded
		if in.DryRun {
			s.Summary = "Dry run; validators skipped."
		} else {
			s.Summary = "No applicable validators; accepted on intent confidence."
		}
		return s
	}

	s.Blocked = failed > 0

	ratio := 0.0
	if len(checks) > 0 {
		ratio = float64(passed) / float64(len(checks))
	}
	conf := in.IntentConfidence*0.35 + ratio*0.45
	if runtimeFailures > 0 {
		conf += 0.05
	} else {
		conf += 0.15
	}
	if !in.Degraded {
		conf += 0.05
	}
	s.Confidence = clamp01(conf)

	s.Verified = failed == 0 && runtimeFailures == 0 && !in.Degraded

	switch {
	case s.Blocked:
		s.Summary = fmt.Sprintf("%d of %d output checks failed quality gates.", failed, len(checks))
	case runtimeFailures > 0:
		s.Summary = fmt.Sprintf("%d step(s) failed at runtime; %d output check(s) passed.", runtimeFailures, passed)
	default:
		s.Summary = fmt.Sprintf("All %d output check(s) passed.", passed)
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Status is the coarse grade reported on a finished run.
type Status string

const (
	StatusOK       Status = "ok"
	StatusPartial  Status = "partial"
	StatusDegraded Status = "degraded"
	StatusNoMatch  Status = "no-match"
	StatusBlocked  Status = "blocked"
	StatusError    Status = "error"
)

// Classify maps a run's execution shape onto a status grade.
// matchCount is the number of capability matches the retriever produced.
func Classify(steps []StepOutcome, degraded bool, verification Summary, matchCount int) Status {
	if verification.Blocked {
		return StatusBlocked
	}
	if len(steps) == 0 {
		if matchCount == 0 {
			return StatusNoMatch
		}
		return StatusError
	}

	okSteps, failedSteps := 0, 0
	for _, s := range steps {
		if s.OK {
			okSteps++
		} else {
			failedSteps++
		}
	}
	switch {
	case failedSteps > 0 && okSteps > 0:
		return StatusPartial
	case failedSteps > 0:
		return StatusDegraded
	case degraded:
		return StatusDegraded
	default:
		return StatusOK
	}
}

// stringField fetches a string value under any of the keys.
func stringField(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := data[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

// listField fetches a non-empty list under any of the keys.
func listField(data map[string]any, keys ...string) []any {
	for _, key := range keys {
		if v, ok := data[key]; ok {
			if l, ok := v.([]any); ok && len(l) > 0 {
				return l
			}
		}
	}
	return nil
}

func mapField(data map[string]any, key string) map[string]any {
	if v, ok := data[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

func numberField(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Package jobqueue is the coarse-grained sibling of the task runner: one
// queued job maps to one logical media call. It keeps its own store,
// backoff policy and reconcile loop, independent of task runs.
package jobqueue

import (
	"time"
)

// Type selects which media generation a job performs.
type Type string

const (
	TypeImage Type = "image"
	TypeVideo Type = "video"
)

// IsValid checks the job type.
func (t Type) IsValid() bool {
	return t == TypeImage || t == TypeVideo
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a job is settled.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job is one coarse-grained generation request.
type Job struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      Status         `json:"status"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"maxAttempts"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	// NextRunAt is the earliest execution time in epoch milliseconds.
	NextRunAt int64          `json:"nextRunAt,omitempty"`
	LastError string         `json:"lastError,omitempty"`
	Result    map[string]any `json:"result,omitempty"`

	// warmupDone records that a video job already went through its
	// forced stabilization retry.
	WarmupDone bool `json:"warmupDone,omitempty"`
}

func (j *Job) clone() *Job {
	out := *j
	return &out
}

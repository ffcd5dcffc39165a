// Package config provides configuration loading and management for the
// capability execution runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Alabobai/Alabobai-unified-sub008/jobqueue"
	"github.com/Alabobai/Alabobai-unified-sub008/runner"
)

// Config represents the complete runtime configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Runner RunnerConfig `yaml:"runner"`
	Jobs   JobsConfig   `yaml:"jobs"`
}

// ServerConfig configures the control API
type ServerConfig struct {
	// Addr is the listen address for the control API
	Addr string `yaml:"addr"`
	// Origin is the base URL plan steps are dispatched against
	Origin string `yaml:"origin"`
	// ManifestPath overrides the embedded capability manifest when set
	ManifestPath string `yaml:"manifest_path"`
}

// RunnerConfig configures the task runner
type RunnerConfig struct {
	WatchdogIntervalMS uint64 `yaml:"watchdog_interval_ms"`
	RunStaleMS         uint64 `yaml:"run_stale_ms"`
	MaxAttempts        int    `yaml:"max_attempts"`
	RetryBaseMS        uint64 `yaml:"retry_base_ms"`
	RetryMaxMS         uint64 `yaml:"retry_max_ms"`
	StepTimeoutMS      uint64 `yaml:"step_timeout_ms"`
	MaxPersistedRuns   int    `yaml:"max_persisted_runs"`
	PersistDebounceMS  uint64 `yaml:"persist_debounce_ms"`
	StorePath          string `yaml:"store_path"`
	EventsPath         string `yaml:"events_path"`
}

// JobsConfig configures the coarse-grained job queue
type JobsConfig struct {
	RetryBaseMS        uint64 `yaml:"retry_base_ms"`
	RetryMaxMS         uint64 `yaml:"retry_max_ms"`
	MaxAttempts        int    `yaml:"max_attempts"`
	ExecutionTimeoutMS uint64 `yaml:"execution_timeout_ms"`
	StorePath          string `yaml:"store_path"`
}

// DefaultConfig returns a Config with the documented defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:   ":8080",
			Origin: "http://127.0.0.1:8080",
		},
		Runner: RunnerConfig{
			WatchdogIntervalMS: 5000,
			RunStaleMS:         30000,
			MaxAttempts:        3,
			RetryBaseMS:        1500,
			RetryMaxMS:         30000,
			StepTimeoutMS:      60000,
			MaxPersistedRuns:   400,
			PersistDebounceMS:  80,
			StorePath:          "/tmp/alabobai-task-runs.json",
			EventsPath:         "/tmp/alabobai-task-runs.jsonl",
		},
		Jobs: JobsConfig{
			RetryBaseMS:        1200,
			RetryMaxMS:         15000,
			MaxAttempts:        3,
			ExecutionTimeoutMS: 90000,
			StorePath:          "/tmp/alabobai-job-queue.json",
		},
	}
}

// Validate checks that the configuration is valid. MaxAttempts values are
// clamped into [1, 5] rather than rejected.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	if c.Runner.MaxAttempts < 1 {
		c.Runner.MaxAttempts = 1
	}
	if c.Runner.MaxAttempts > 5 {
		c.Runner.MaxAttempts = 5
	}
	if c.Jobs.MaxAttempts < 1 {
		c.Jobs.MaxAttempts = 1
	}
	if c.Jobs.MaxAttempts > 5 {
		c.Jobs.MaxAttempts = 5
	}
	if c.Runner.PersistDebounceMS == 0 {
		c.Runner.PersistDebounceMS = 80
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// ApplyEnv overlays the documented environment tunables onto the config
func (c *Config) ApplyEnv() {
	envString("ALABOBAI_ADDR", &c.Server.Addr)
	envString("ALABOBAI_ORIGIN", &c.Server.Origin)
	envString("ALABOBAI_MANIFEST_PATH", &c.Server.ManifestPath)

	envUint("TASK_WATCHDOG_INTERVAL_MS", &c.Runner.WatchdogIntervalMS)
	envUint("TASK_RUN_STALE_MS", &c.Runner.RunStaleMS)
	envInt("TASK_MAX_ATTEMPTS", &c.Runner.MaxAttempts)
	envUint("TASK_RETRY_BASE_MS", &c.Runner.RetryBaseMS)
	envUint("TASK_RETRY_MAX_MS", &c.Runner.RetryMaxMS)
	envUint("TASK_STEP_TIMEOUT_MS", &c.Runner.StepTimeoutMS)
	envInt("TASK_MAX_PERSISTED_RUNS", &c.Runner.MaxPersistedRuns)
	envUint("TASK_PERSIST_DEBOUNCE_MS", &c.Runner.PersistDebounceMS)
	envString("TASK_RUNTIME_STORE_PATH", &c.Runner.StorePath)
	envString("TASK_RUNTIME_EVENTS_PATH", &c.Runner.EventsPath)

	envUint("JOB_RETRY_BASE_MS", &c.Jobs.RetryBaseMS)
	envUint("JOB_RETRY_MAX_MS", &c.Jobs.RetryMaxMS)
	envInt("JOB_MAX_ATTEMPTS", &c.Jobs.MaxAttempts)
	envUint("JOB_EXECUTION_TIMEOUT_MS", &c.Jobs.ExecutionTimeoutMS)
	envString("JOB_QUEUE_STORE_PATH", &c.Jobs.StorePath)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envUint(key string, dst *uint64) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

// RunnerOptions converts the runner section into runner tunables
func (c *Config) RunnerOptions() runner.Options {
	return runner.Options{
		WatchdogInterval: time.Duration(c.Runner.WatchdogIntervalMS) * time.Millisecond,
		RunStaleAfter:    time.Duration(c.Runner.RunStaleMS) * time.Millisecond,
		MaxAttempts:      c.Runner.MaxAttempts,
		RetryBase:        time.Duration(c.Runner.RetryBaseMS) * time.Millisecond,
		RetryMax:         time.Duration(c.Runner.RetryMaxMS) * time.Millisecond,
		StepTimeout:      time.Duration(c.Runner.StepTimeoutMS) * time.Millisecond,
		MaxPersistedRuns: c.Runner.MaxPersistedRuns,
		PersistDebounce:  time.Duration(c.Runner.PersistDebounceMS) * time.Millisecond,
		StorePath:        c.Runner.StorePath,
		EventsPath:       c.Runner.EventsPath,
		Origin:           c.Server.Origin,
	}
}

// QueueOptions converts the jobs section into queue tunables
func (c *Config) QueueOptions() jobqueue.Options {
	return jobqueue.Options{
		StorePath:   c.Jobs.StorePath,
		RetryBase:   time.Duration(c.Jobs.RetryBaseMS) * time.Millisecond,
		RetryMax:    time.Duration(c.Jobs.RetryMaxMS) * time.Millisecond,
		MaxAttempts: c.Jobs.MaxAttempts,
		ExecTimeout: time.Duration(c.Jobs.ExecutionTimeoutMS) * time.Millisecond,
	}
}

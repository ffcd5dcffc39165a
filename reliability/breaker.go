// Package reliability wraps upstream calls with circuit breakers, bounded
// retries and cached health probes so one misbehaving capability endpoint
// cannot stall the whole runtime.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	// failureThreshold opens a breaker after this many consecutive failures.
	failureThreshold = 3
	// resetTimeout is how long an open breaker waits before probing again.
	resetTimeout = 20 * time.Second
	// halfOpenSuccesses closes a half-open breaker after this many
	// consecutive successes.
	halfOpenSuccesses = 2
)

// circuitOpenPrefix marks fail-fast refusals from an open breaker.
const circuitOpenPrefix = "circuit-open:"

// CircuitSnapshot is a point-in-time view of one breaker, for diagnostics.
type CircuitSnapshot struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Failures  uint32    `json:"failures"`
	Successes uint32    `json:"successes"`
	OpenedAt  time.Time `json:"openedAt,omitempty"`
}

// Kernel holds the process-wide breaker registry and health cache.
type Kernel struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	openedAt map[string]time.Time

	healthMu    sync.RWMutex
	healthCache map[string]HealthStatus
	healthTTL   time.Duration
	probeClient httpDoer
}

// NewKernel creates an empty kernel with default probe settings.
func NewKernel() *Kernel {
	return &Kernel{
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		openedAt:    make(map[string]time.Time),
		healthCache: make(map[string]HealthStatus),
		healthTTL:   defaultHealthTTL,
		probeClient: newProbeClient(),
	}
}

// breaker returns the breaker for name, creating it on first use.
func (k *Kernel) breaker(name string) *gobreaker.CircuitBreaker {
	k.mu.Lock()
	defer k.mu.Unlock()

	if cb, ok := k.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenSuccesses,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			k.mu.Lock()
			if to == gobreaker.StateOpen {
				k.openedAt[name] = time.Now()
			} else {
				delete(k.openedAt, name)
			}
			k.mu.Unlock()
		},
	})
	k.breakers[name] = cb
	return cb
}

// CanUse reports whether calls to name would currently be admitted.
func (k *Kernel) CanUse(name string) bool {
	return k.breaker(name).State() != gobreaker.StateOpen
}

// Snapshot reports the breaker state for name.
func (k *Kernel) Snapshot(name string) CircuitSnapshot {
	cb := k.breaker(name)
	counts := cb.Counts()

	k.mu.Lock()
	opened := k.openedAt[name]
	k.mu.Unlock()

	return CircuitSnapshot{
		Name:      name,
		State:     cb.State().String(),
		Failures:  counts.ConsecutiveFailures,
		Successes: counts.ConsecutiveSuccesses,
		OpenedAt:  opened,
	}
}

// Run executes fn behind the named breaker. When the breaker refuses the
// call the returned error carries the circuit-open sentinel.
func (k *Kernel) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	_, err := k.breaker(name).Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s%s", circuitOpenPrefix, name)
	}
	return err
}

// IsCircuitOpen reports whether err is a breaker fail-fast refusal.
func IsCircuitOpen(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), circuitOpenPrefix)
}

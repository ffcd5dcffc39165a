package reliability

import (
	"context"
	"strings"
	"time"
)

const (
	retryAttempts  = 2
	retryBaseDelay = 220 * time.Millisecond
	retryMaxDelay  = 2200 * time.Millisecond
)

// transientMarkers are substrings that classify an error as retryable.
// Any digit 5 in the message also counts, which deliberately sweeps in
// every 5xx status text.
var transientMarkers = []string{"timeout", "network", "fetch", "temporar", "429"}

// IsTransient reports whether err looks like a passing upstream failure.
// Circuit-open refusals are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsCircuitOpen(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return strings.Contains(msg, "5")
}

// retryDelay returns the exponential backoff before attempt n (1-based).
func retryDelay(attempt int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	if delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}

// RunWithRetry executes fn behind the named breaker with bounded retries.
// Only transient errors are retried; a circuit-open refusal fails fast.
func (k *Kernel) RunWithRetry(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = k.Run(ctx, name, fn)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == retryAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay(attempt)):
		}
	}
	return err
}

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Alabobai/Alabobai-unified-sub008/reliability"
	"github.com/Alabobai/Alabobai-unified-sub008/retriever"
)

// LocalHandler executes a capability in-process when its route is hosted
// by this process and the HTTP round trip is unavailable.
type LocalHandler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Dispatcher executes one plan step: HTTP against the run's origin first,
// then the local dispatch table, with a search-specific secondary
// fallback.
type Dispatcher struct {
	client      *http.Client
	kernel      *reliability.Kernel
	logger      *slog.Logger
	stepTimeout time.Duration

	localMu sync.RWMutex
	local   map[string]LocalHandler
}

// NewDispatcher creates a dispatcher with an empty local table.
func NewDispatcher(kernel *reliability.Kernel, stepTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:      &http.Client{},
		kernel:      kernel,
		logger:      logger,
		stepTimeout: stepTimeout,
		local:       make(map[string]LocalHandler),
	}
}

// RegisterLocal binds a route to an in-process handler. Safe to call
// while the reconcile loop is dispatching.
func (d *Dispatcher) RegisterLocal(route string, handler LocalHandler) {
	d.localMu.Lock()
	d.local[route] = handler
	d.localMu.Unlock()
}

func (d *Dispatcher) localHandler(route string) (LocalHandler, bool) {
	d.localMu.RLock()
	handler, ok := d.local[route]
	d.localMu.RUnlock()
	return handler, ok
}

// breakerName keys the circuit breaker by the capability's service
// family, the first segment of the id.
func breakerName(capabilityID string) string {
	if i := strings.Index(capabilityID, "."); i > 0 {
		return capabilityID[:i]
	}
	return capabilityID
}

// Execute runs one plan step and returns its recorded result. The
// returned result is always populated; failures are expressed through
// OK=false and Error.
func (d *Dispatcher) Execute(ctx context.Context, origin string, step retriever.PlanStep) StepResult {
	result := StepResult{
		Step:         step.Step,
		CapabilityID: step.CapabilityID,
		Route:        step.Route,
		Method:       step.Method,
	}

	stepCtx, cancel := context.WithTimeout(ctx, d.stepTimeout)
	defer cancel()

	status, data, err := d.dispatch(stepCtx, origin, step)
	if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("step timeout after %dms", d.stepTimeout.Milliseconds())
	}

	result.Status = status
	result.Data = data
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.OK = true
	return result
}

// dispatch tries HTTP, then the local table, then the proxy.search
// secondary fallback for research.search.
func (d *Dispatcher) dispatch(ctx context.Context, origin string, step retriever.PlanStep) (int, any, error) {
	status, data, err := d.callHTTP(ctx, origin, step.Route, step.Method, step.Payload, step.CapabilityID)
	if err == nil {
		return status, data, nil
	}
	if !fallbackEligible(err, status) {
		return status, data, err
	}

	if handler, ok := d.localHandler(step.Route); ok {
		localData, localErr := handler(ctx, step.Payload)
		if localErr == nil {
			d.logger.Info("step served by local handler", "route", step.Route, "capability", step.CapabilityID)
			return http.StatusOK, decorateLocalFallback(localData, step.Route), nil
		}
		err = localErr
	}

	if step.CapabilityID == "research.search" {
		if s, fallbackData, fErr := d.searchFallback(ctx, origin, step); fErr == nil {
			return s, fallbackData, nil
		}
	}
	return status, data, err
}

// fallbackEligible limits local fallback to connection failures and 404s;
// real upstream answers (including 5xx) stand as the step outcome.
func fallbackEligible(err error, status int) bool {
	if status == http.StatusNotFound {
		return true
	}
	return status == 0 && err != nil && !reliability.IsCircuitOpen(err)
}

// searchFallback retries a failed research.search through proxy.search.
func (d *Dispatcher) searchFallback(ctx context.Context, origin string, step retriever.PlanStep) (int, any, error) {
	payload := map[string]any{"query": step.Payload["query"]}

	status, data, err := d.callHTTP(ctx, origin, "/api/proxy/search", http.MethodPost, payload, "proxy.search")
	if err == nil {
		return status, data, nil
	}
	if handler, ok := d.localHandler("/api/proxy/search"); ok {
		localData, localErr := handler(ctx, payload)
		if localErr == nil {
			return http.StatusOK, decorateLocalFallback(localData, "/api/proxy/search"), nil
		}
		return 0, nil, localErr
	}
	return status, data, err
}

// decorateLocalFallback flags a local-handler response as degraded so the
// run surfaces that the primary upstream was bypassed.
func decorateLocalFallback(payload map[string]any, route string) map[string]any {
	return reliability.DegradedEnvelope(payload, reliability.ReliabilityInfo{
		Route:        route,
		Warning:      "primary upstream unreachable; served by in-process handler",
		Fallback:     "local",
		AttemptsUsed: 1,
	})
}

// callHTTP performs one capability call behind the family's circuit
// breaker. status is 0 when no HTTP response was received.
func (d *Dispatcher) callHTTP(ctx context.Context, origin, route, method string, payload map[string]any, capabilityID string) (int, any, error) {
	var (
		status int
		data   any
	)
	err := d.kernel.Run(ctx, breakerName(capabilityID), func(ctx context.Context) error {
		var callErr error
		status, data, callErr = d.doRequest(ctx, origin, route, method, payload)
		return callErr
	})
	return status, data, err
}

func (d *Dispatcher) doRequest(ctx context.Context, origin, route, method string, payload map[string]any) (int, any, error) {
	var body io.Reader
	if method == http.MethodPost {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, origin+route, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data := parseBody(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, data, fmt.Errorf("Request failed with status %d", resp.StatusCode)
	}
	return resp.StatusCode, data, nil
}

// parseBody decodes a response as JSON, falling back to text, falling
// back to nil.
func parseBody(r io.Reader) any {
	raw, err := io.ReadAll(io.LimitReader(r, 4<<20))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		return decoded
	}
	return string(raw)
}

// transientMarkers is the runner's step-failure retry predicate.
var transientMarkers = []string{
	"timeout", "timed out", "429", "500", "502", "503", "504",
	"network", "fetch", "econnreset", "temporary",
}

// isTransientStepError classifies a step failure as retryable.
// Circuit-open refusals are never retried.
func isTransientStepError(msg string) bool {
	if msg == "" {
		return false
	}
	if strings.HasPrefix(msg, "circuit-open:") {
		return false
	}
	lower := strings.ToLower(msg)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

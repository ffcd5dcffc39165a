package reliability

import (
	"context"
	"net/http"
	"time"
)

const (
	defaultProbeTimeout = 2500 * time.Millisecond
	defaultHealthTTL    = 4 * time.Second
)

// httpDoer lets tests substitute the probe transport.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func newProbeClient() *http.Client {
	return &http.Client{Timeout: defaultProbeTimeout}
}

// HealthStatus is one cached probe result for an upstream service.
type HealthStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checkedAt"`
	LatencyMS int64     `json:"latencyMs"`
	Error     string    `json:"error,omitempty"`
}

// CheckServiceHealth probes url with HEAD, falling back to GET when the
// server rejects HEAD. Results are cached per name for a short TTL so the
// reconcile loop does not hammer upstreams.
func (k *Kernel) CheckServiceHealth(ctx context.Context, name, url string) HealthStatus {
	k.healthMu.RLock()
	cached, ok := k.healthCache[name]
	k.healthMu.RUnlock()
	if ok && time.Since(cached.CheckedAt) < k.healthTTL {
		return cached
	}

	status := k.probe(ctx, name, url)

	k.healthMu.Lock()
	k.healthCache[name] = status
	k.healthMu.Unlock()
	return status
}

func (k *Kernel) probe(ctx context.Context, name, url string) HealthStatus {
	start := time.Now()
	status := HealthStatus{Name: name, CheckedAt: start}

	probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	resp, err := k.probeOnce(probeCtx, http.MethodHead, url)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		resp, err = k.probeOnce(probeCtx, http.MethodGet, url)
	}
	status.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = resp.StatusCode < 500
	return status
}

func (k *Kernel) probeOnce(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := k.probeClient.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

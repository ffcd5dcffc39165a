package jobqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Alabobai/Alabobai-unified-sub008/reliability"
)

// jobTransientMarkers matches the runner's step-failure taxonomy.
var jobTransientMarkers = []string{
	"timeout", "timed out", "429", "500", "502", "503", "504",
	"network", "fetch", "econnreset", "temporary",
}

func transientJobError(msg string) bool {
	if msg == "" || strings.HasPrefix(msg, "circuit-open:") {
		return false
	}
	lower := strings.ToLower(msg)
	for _, marker := range jobTransientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// NewHTTPExecutor returns an executor that POSTs the job payload to the
// media generation route for the job's type, behind the media circuit
// breaker.
func NewHTTPExecutor(kernel *reliability.Kernel, origin string) Executor {
	client := &http.Client{}
	return func(ctx context.Context, job Job) (map[string]any, error) {
		route := fmt.Sprintf("/api/media/%s/generate", job.Type)

		var result map[string]any
		err := kernel.Run(ctx, "media", func(ctx context.Context) error {
			encoded, err := json.Marshal(job.Payload)
			if err != nil {
				return fmt.Errorf("encode payload: %w", err)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, origin+route, bytes.NewReader(encoded))
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			if err != nil {
				return err
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return fmt.Errorf("Request failed with status %d", resp.StatusCode)
			}
			if err := json.Unmarshal(raw, &result); err != nil {
				result = map[string]any{"raw": string(raw)}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

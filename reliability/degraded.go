package reliability

// ReliabilityInfo explains why a response is flagged degraded.
type ReliabilityInfo struct {
	Route        string           `json:"route"`
	Warning      string           `json:"warning"`
	Fallback     string           `json:"fallback,omitempty"`
	AttemptsUsed int              `json:"attemptsUsed"`
	Health       *HealthStatus    `json:"health,omitempty"`
	Circuit      *CircuitSnapshot `json:"circuit,omitempty"`
}

// DegradedEnvelope decorates a successful payload with reliability
// metadata so callers can see the response was served on a fallback path.
func DegradedEnvelope(payload map[string]any, info ReliabilityInfo) map[string]any {
	out := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		out[k] = v
	}
	out["ok"] = true
	out["degraded"] = true
	out["reliability"] = info
	return out
}

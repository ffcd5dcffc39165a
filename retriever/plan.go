package retriever

import (
	"strings"

	"github.com/Alabobai/Alabobai-unified-sub008/capability"
)

// PlanStep is one executable step of a task plan.
type PlanStep struct {
	Step         int            `json:"step"`
	CapabilityID string         `json:"capabilityId"`
	Route        string         `json:"route"`
	Method       string         `json:"method"`
	Goal         string         `json:"goal"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// buildPlan emits a one-step plan for the top-ranked match. GET
// capabilities carry no payload; POST payloads start from the
// capability's default payload with the id-specific template merged on
// top.
func buildPlan(task string, matches []Match) []PlanStep {
	if len(matches) == 0 {
		return nil
	}
	top := matches[0].Capability

	step := PlanStep{
		Step:         1,
		CapabilityID: top.ID,
		Route:        top.Route,
		Method:       top.Method,
		Goal:         top.Description,
	}
	if top.Method == "POST" {
		step.Payload = buildPayload(top, task)
	}
	return []PlanStep{step}
}

func buildPayload(cap capability.Capability, task string) map[string]any {
	payload := make(map[string]any, len(cap.DefaultPayload)+3)
	for k, v := range cap.DefaultPayload {
		payload[k] = v
	}

	switch cap.ID {
	case "company.plan", "company.create":
		payload["name"] = deriveCompanyName(task)
		payload["companyType"] = "startup"
		payload["description"] = task
	case "chat.general":
		payload["messages"] = []map[string]any{
			{"role": "user", "content": task},
		}
	case "research.search", "proxy.search":
		payload["query"] = task
	case "research.fetch-page", "proxy.fetch", "proxy.extract":
		payload["url"] = firstURL(task)
	case "localai.ingest":
		payload["content"] = task
	case "webhook.dispatch":
		payload["event"] = task
	default:
		if strings.HasPrefix(cap.ID, "media.") {
			payload["prompt"] = task
		} else if len(payload) == 0 {
			payload["task"] = task
		}
	}
	return payload
}

// deriveCompanyName title-cases the first few meaningful task tokens.
func deriveCompanyName(task string) string {
	tokens := tokenize(stripExecutePrefix(task))
	if len(tokens) > 4 {
		tokens = tokens[:4]
	}
	if len(tokens) == 0 {
		return "New Company"
	}
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = strings.ToUpper(t[:1]) + t[1:]
	}
	return strings.Join(parts, " ")
}

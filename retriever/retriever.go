package retriever

import (
	"strings"

	"github.com/Alabobai/Alabobai-unified-sub008/capability"
)

// Result bundles everything the retriever derives from one task string.
type Result struct {
	Intent  TaskIntent `json:"intent"`
	Matches []Match    `json:"matches"`
	Plan    []PlanStep `json:"plan"`
}

// Retriever scores tasks against a capability catalog.
type Retriever struct {
	catalog *capability.Catalog
}

// New creates a retriever over the given catalog.
func New(catalog *capability.Catalog) *Retriever {
	return &Retriever{catalog: catalog}
}

// Retrieve maps a task to an intent, a ranked capability list, and a
// one-step plan. limit bounds the match list (default 5, clamped to
// 1..10). An empty task yields empty matches and an empty plan.
func (r *Retriever) Retrieve(task string, limit int) Result {
	intent := inferIntent(task)
	if strings.TrimSpace(task) == "" {
		return Result{Intent: intent}
	}

	stripped := stripExecutePrefix(task)
	normTask := normalize(stripped)
	taskTokens := tokenize(stripped)
	taskSet := tokenSet(taskTokens)
	hasURL := firstURL(strings.ToLower(task)) != ""

	matches := make([]Match, 0, r.catalog.Len())
	for _, c := range r.catalog.List() {
		matches = append(matches, scoreCapability(c, normTask, taskTokens, taskSet, hasURL))
	}
	rank(matches)

	fallback, _ := r.catalog.Get("chat.general")
	matches = filter(matches, limit, fallback)

	return Result{
		Intent:  intent,
		Matches: matches,
		Plan:    buildPlan(stripped, matches),
	}
}

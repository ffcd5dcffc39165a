package retriever

import (
	"math"
	"strings"
)

// TaskIntent is the coarse classification of what the task is asking for.
type TaskIntent struct {
	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
	NormalizedTask string  `json:"normalizedTask"`
}

// intentPhrases is scanned in order; earlier entries win ties on hit count.
var intentPhrases = []struct {
	phrase string
	label  string
}{
	{"business plan", "company.plan"},
	{"company plan", "company.plan"},
	{"create a company", "company.create"},
	{"knowledge base", "localai.ingest"},
	{"webhook", "webhook.dispatch"},
	{"logo", "media.image.generate"},
	{"image", "media.image.generate"},
	{"picture", "media.image.generate"},
	{"video", "media.video.generate"},
	{"research", "research.search"},
	{"search", "research.search"},
}

// inferIntent classifies the task against the fixed phrase table.
// Each matching phrase counts one hit for its label; the label with the
// most hits wins, confidence grows with hit count and is capped at 0.95.
func inferIntent(task string) TaskIntent {
	lower := strings.ToLower(task)
	normalized := normalize(stripExecutePrefix(task))

	hits := make(map[string]int)
	order := make(map[string]int)
	for i, entry := range intentPhrases {
		if strings.Contains(lower, entry.phrase) {
			if _, seen := hits[entry.label]; !seen {
				order[entry.label] = i
			}
			hits[entry.label]++
		}
	}

	best, bestHits, bestOrder := "", 0, 0
	for label, n := range hits {
		if n > bestHits || (n == bestHits && order[label] < bestOrder) {
			best, bestHits, bestOrder = label, n, order[label]
		}
	}

	if best == "" {
		return TaskIntent{Label: "chat.general", Confidence: 0.4, NormalizedTask: normalized}
	}
	return TaskIntent{
		Label:          best,
		Confidence:     math.Min(0.55+0.2*float64(bestHits), 0.95),
		NormalizedTask: normalized,
	}
}

package retriever

import (
	"math"
	"sort"
	"strings"

	"github.com/Alabobai/Alabobai-unified-sub008/capability"
)

// Match is one scored capability candidate.
type Match struct {
	Capability capability.Capability `json:"capability"`
	Score      float64               `json:"score"`
	Reasons    []string              `json:"reasons,omitempty"`
}

// actionWords maps a capability action verb to the task tokens that count
// as an alignment hit.
var actionWords = map[string]map[string]struct{}{
	"create":   set("create", "new", "build", "start", "setup"),
	"plan":     set("plan", "strategy", "roadmap"),
	"search":   set("search", "research", "find", "lookup", "discover"),
	"fetch":    set("fetch", "open", "load", "read", "visit", "crawl"),
	"extract":  set("extract", "parse", "scrape", "summarize"),
	"generate": set("generate", "make", "design", "draw", "produce"),
	"chat":     set("chat", "talk", "ask", "explain", "help"),
	"models":   set("model", "models"),
	"ingest":   set("ingest", "index", "embed", "store"),
}

var (
	urlHintTokens = set("url", "website", "webpage", "page", "link")
	webhookTokens = set("webhook", "integration", "event", "events", "dispatch")
	localAIStatus = set("model", "models", "stats", "statistics", "knowledge")
	localAITokens = set("local", "ollama", "model", "models", "stats", "statistics", "knowledge", "embed", "index", "ingest")

	urlRequiring = set("research.fetch-page", "proxy.fetch", "proxy.extract")
)

func set(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

func anyIn(tokens map[string]struct{}, wanted map[string]struct{}) bool {
	for t := range tokens {
		if _, ok := wanted[t]; ok {
			return true
		}
	}
	return false
}

// scoreCapability computes one capability's match score for the task.
// normTask keeps stopwords for phrase matching; taskTokens is the
// stopword-filtered token set.
func scoreCapability(cap capability.Capability, normTask string, taskTokens []string, taskSet map[string]struct{}, hasURL bool) Match {
	m := Match{Capability: cap}

	for _, tag := range cap.Tags {
		tagTokens := tokenize(tag)
		if len(tagTokens) == 0 {
			continue
		}
		overlap := 0
		for _, tt := range tagTokens {
			if _, ok := taskSet[tt]; ok {
				overlap++
			}
		}
		switch {
		case overlap == len(tagTokens):
			if len(tagTokens) > 1 {
				m.Score += 3.3
			} else {
				m.Score += 2.6
			}
			m.Reasons = append(m.Reasons, "tag-exact:"+tag)
		case overlap > 0:
			m.Score += 1.1 * float64(overlap)
			m.Reasons = append(m.Reasons, "tag-partial:"+tag)
		}
	}

	for _, trigger := range cap.Triggers {
		normTrigger := normalize(trigger)
		if containsPhrase(normTask, normTrigger) {
			m.Score += 5
			m.Reasons = append(m.Reasons, "trigger-exact:"+trigger)
			continue
		}
		trigTokens := tokenize(trigger)
		if len(trigTokens) == 0 {
			continue
		}
		overlap := 0
		for _, tt := range trigTokens {
			if _, ok := taskSet[tt]; ok {
				overlap++
			}
		}
		threshold := int(math.Ceil(0.6 * float64(len(trigTokens))))
		if overlap > 0 && overlap >= threshold {
			m.Score += math.Min(3, 1.25*float64(overlap))
			m.Reasons = append(m.Reasons, "trigger-partial:"+trigger)
		}
	}

	nameSet := fieldSet(cap.Name)
	idSet := fieldSet(cap.SpacedID())
	descSet := fieldSet(cap.Description)
	for _, token := range taskTokens {
		switch {
		case member(nameSet, token):
			m.Score += 1.4
		case member(idSet, token):
			m.Score += 1.2
		case member(descSet, token):
			m.Score += 0.7
		}
	}

	if _, ok := taskSet[cap.Domain.String()]; ok {
		m.Score += 1.4
	}

	if words := actionWordSet(cap.Action()); words != nil {
		for _, token := range taskTokens {
			if member(words, token) {
				m.Score += 1.2
			}
		}
	}

	if member(urlRequiring, cap.ID) && !hasURL && !anyIn(taskSet, urlHintTokens) {
		m.Score -= 2.2
	}
	if strings.HasPrefix(cap.ID, "webhook.") && !anyIn(taskSet, webhookTokens) {
		m.Score -= 2.8
	}
	if (cap.ID == "localai.models" || cap.ID == "localai.stats") && !anyIn(taskSet, localAIStatus) {
		m.Score -= 2
	}
	if strings.HasPrefix(cap.ID, "localai.") && !anyIn(taskSet, localAITokens) {
		m.Score -= 2.4
	}
	if cap.ID == "chat.general" {
		m.Score *= 0.6
	}

	return m
}

func member(s map[string]struct{}, key string) bool {
	_, ok := s[key]
	return ok
}

// actionWordSet resolves the alignment word set for an action segment.
// Hyphenated actions like "fetch-page" fall back to their first
// recognized sub-segment.
func actionWordSet(action string) map[string]struct{} {
	if words, ok := actionWords[action]; ok {
		return words
	}
	for _, part := range strings.Split(action, "-") {
		if words, ok := actionWords[part]; ok {
			return words
		}
	}
	return nil
}

func reasonCount(m Match, prefix string) int {
	n := 0
	for _, r := range m.Reasons {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

// rank sorts matches by score descending, breaking ties on exact-trigger
// count, exact-tag count, then id ascending.
func rank(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		at, bt := reasonCount(a, "trigger-exact:"), reasonCount(b, "trigger-exact:")
		if at != bt {
			return at > bt
		}
		ag, bg := reasonCount(a, "tag-exact:"), reasonCount(b, "tag-exact:")
		if ag != bg {
			return ag > bg
		}
		return a.Capability.ID < b.Capability.ID
	})
}

// filter applies the relative score floor and the broad-fallback rule,
// returning at most limit matches. fallback supplies the chat.general
// capability used when everything is filtered out.
func filter(matches []Match, limit int, fallback capability.Capability) []Match {
	if limit <= 0 {
		limit = 5
	}
	if limit > 10 {
		limit = 10
	}

	kept := matches[:0:0]
	if len(matches) > 0 {
		best := matches[0].Score
		floor := math.Max(2.4, 0.45*best)
		for _, m := range matches {
			if m.Score < floor {
				continue
			}
			if m.Capability.ID == "chat.general" && best >= 4.5 && m.Score < 0.85*best {
				continue
			}
			kept = append(kept, m)
		}
	}

	if len(kept) == 0 {
		kept = []Match{{Capability: fallback, Score: 1, Reasons: []string{"fallback"}}}
	}
	if len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}

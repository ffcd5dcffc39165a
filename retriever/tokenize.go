// Package retriever maps a natural-language task to registered capabilities.
// It is a pure scoring pipeline: tokenize the task, score every capability,
// rank and filter the matches, infer a task intent, and emit an execution
// plan for the best match. No I/O happens here.
package retriever

import (
	"regexp"
	"strings"
)

// stopwords are dropped from task and tag tokens before overlap scoring.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "am": {},
	"i": {}, "me": {}, "my": {}, "we": {}, "our": {}, "you": {}, "your": {},
	"please": {}, "want": {}, "would": {}, "like": {}, "need": {},
	"can": {}, "could": {}, "do": {}, "to": {},
}

var (
	executePrefixRe = regexp.MustCompile(`(?i)^\s*execute task\s*[:-]\s*`)
	urlRe           = regexp.MustCompile(`https?://[^\s]+`)
	spaceRe         = regexp.MustCompile(`\s+`)
	nonAlnumRe      = regexp.MustCompile(`[^a-z0-9]+`)
)

// stripExecutePrefix removes a leading "execute task:" / "execute task -"
// marker so operator-submitted tasks score the same as raw ones.
func stripExecutePrefix(task string) string {
	return executePrefixRe.ReplaceAllString(task, "")
}

// normalize lowercases, replaces non-alphanumerics with spaces and
// collapses whitespace. Stopwords are preserved so phrase matching
// still sees them.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = nonAlnumRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// tokenize normalizes and splits, dropping stopwords and single-character
// tokens.
func tokenize(s string) []string {
	fields := strings.Fields(normalize(s))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 1 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// tokenSet builds a membership set from a token slice.
func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// fieldSet builds a membership set from every whitespace field of the
// normalized string, stopwords included.
func fieldSet(s string) map[string]struct{} {
	fields := strings.Fields(normalize(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// containsPhrase reports whether phrase appears in text as a word-bounded
// substring. Both arguments must already be normalized.
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}

// firstURL returns the first http(s) URL in the task, or "".
func firstURL(task string) string {
	return urlRe.FindString(task)
}

package relevance

import (
	"regexp"
	"strings"
	"sync"
)

// containsCJK reports whether the term has any CJK unified ideograph.
// CJK terms match by substring since word boundaries do not apply.
func containsCJK(s string) bool {
	for _, r := range s {
		if r >= 0x4e00 && r <= 0x9fff {
			return true
		}
	}
	return false
}

var (
	termPatternMu    sync.Mutex
	termPatternCache = make(map[string]*regexp.Regexp)
)

func wordBoundaryPattern(term string) *regexp.Regexp {
	termPatternMu.Lock()
	defer termPatternMu.Unlock()
	if re, ok := termPatternCache[term]; ok {
		return re
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
	termPatternCache[term] = re
	return re
}

// matchTerm checks one term against text, case-insensitive. Word-boundary
// matching for non-CJK terms, substring containment for CJK terms.
func matchTerm(text, term string) bool {
	term = strings.TrimSpace(term)
	if term == "" {
		return false
	}
	if containsCJK(term) {
		return strings.Contains(strings.ToLower(text), strings.ToLower(term))
	}
	return wordBoundaryPattern(term).MatchString(text)
}

// matchTerms returns the subset of terms found in text.
func matchTerms(text string, terms []string) []string {
	var hits []string
	for _, term := range terms {
		if matchTerm(text, term) {
			hits = append(hits, term)
		}
	}
	return hits
}

package resolver

import (
	"strings"
	"unicode"
)

// stopWords are dropped during normalization: articles, conjunctions, and
// filler words that appear in roster names without carrying identity.
var stopWords = map[string]struct{}{
	"the":      {},
	"a":        {},
	"an":       {},
	"and":      {},
	"or":       {},
	"of":       {},
	"official": {},
	"page":     {},
	"profile":  {},
	"channel":  {},
	"onlyfans": {},
	"fansly":   {},
	"patreon":  {},
}

// normalize lowercases, converts punctuation to spaces, collapses
// whitespace, and removes stop words. The result is the comparison form
// used by every similarity signal.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	fields := strings.Fields(b.String())
	kept := fields[:0]
	for _, f := range fields {
		if _, skip := stopWords[f]; skip {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// tokens splits a normalized string into its word set.
func tokens(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.Fields(s) {
		set[f] = struct{}{}
	}
	return set
}

// bigrams returns the set of adjacent character pairs of s, ignoring spaces.
func bigrams(s string) map[string]struct{} {
	compact := strings.ReplaceAll(s, " ", "")
	set := make(map[string]struct{})
	runes := []rune(compact)
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}

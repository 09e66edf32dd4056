package resolver

import "strings"

// Signal weights for the composite score. They sum to 1.0 so the blend
// stays within [0, 1].
const (
	weightEditDistance = 0.20
	weightSequence     = 0.20
	weightJaroWinkler  = 0.25
	weightJaccard      = 0.20
	weightContainment  = 0.15

	jaroWinklerPrefixMax = 4
	jaroWinklerScaling   = 0.1
)

// compositeScore blends five independent similarity signals over two
// normalized strings. Exact matches are expected to be short-circuited by
// the caller before reaching this point.
func compositeScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	score := weightEditDistance*editDistanceSimilarity(a, b) +
		weightSequence*sequenceRatio(a, b) +
		weightJaroWinkler*jaroWinkler(a, b) +
		weightJaccard*jaccardSimilarity(a, b) +
		weightContainment*containmentSimilarity(a, b)
	if score > 1 {
		score = 1
	}
	return score
}

// editDistanceSimilarity converts Levenshtein distance into a [0,1]
// similarity: 1 - distance/maxLen.
func editDistanceSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(maxLen)
}

// levenshtein computes edit distance with a two-row rolling table.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// sequenceRatio is the classic Ratcliff-Obershelp matching ratio:
// 2 * matches / (len(a) + len(b)), with matches found by recursively
// splitting around the longest common substring.
func sequenceRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return 2 * float64(matchingChars(ra, rb)) / float64(total)
}

func matchingChars(a, b []rune) int {
	startA, startB, length := longestCommonSubstring(a, b)
	if length == 0 {
		return 0
	}
	matched := length
	matched += matchingChars(a[:startA], b[:startB])
	matched += matchingChars(a[startA+length:], b[startB+length:])
	return matched
}

func longestCommonSubstring(a, b []rune) (startA, startB, length int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > length {
					length = curr[j]
					startA = i - length
					startB = j - length
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
		for j := range curr {
			curr[j] = 0
		}
	}
	return startA, startB, length
}

// jaroWinkler computes Jaro similarity boosted by a shared prefix of up to
// four characters.
func jaroWinkler(a, b string) float64 {
	jaro := jaroSimilarity([]rune(a), []rune(b))
	if jaro == 0 {
		return 0
	}
	prefix := 0
	for i := 0; i < len(a) && i < len(b) && i < jaroWinklerPrefixMax; i++ {
		if a[i] != b[i] {
			break
		}
		prefix++
	}
	return jaro + float64(prefix)*jaroWinklerScaling*(1-jaro)
}

func jaroSimilarity(a, b []rune) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	window := len(a)
	if len(b) > window {
		window = len(b)
	}
	window = window/2 - 1
	if window < 0 {
		window = 0
	}

	matchedA := make([]bool, len(a))
	matchedB := make([]bool, len(b))
	matches := 0
	for i := range a {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		hi := i + window + 1
		if hi > len(b) {
			hi = len(b)
		}
		for j := lo; j < hi; j++ {
			if matchedB[j] || a[i] != b[j] {
				continue
			}
			matchedA[i] = true
			matchedB[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	j := 0
	for i := range a {
		if !matchedA[i] {
			continue
		}
		for !matchedB[j] {
			j++
		}
		if a[i] != b[j] {
			transpositions++
		}
		j++
	}
	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(len(a)) + m/float64(len(b)) + (m-t)/m) / 3
}

// jaccardSimilarity averages token-level and character-bigram Jaccard
// overlap, with a bonus when one token set fully contains the other.
func jaccardSimilarity(a, b string) float64 {
	tokenScore := setJaccard(tokens(a), tokens(b))
	bigramScore := setJaccard(bigrams(a), bigrams(b))
	score := (tokenScore + bigramScore) / 2

	ta, tb := tokens(a), tokens(b)
	if len(ta) > 0 && len(tb) > 0 && (isSubset(ta, tb) || isSubset(tb, ta)) {
		score += 0.25
		if score > 1 {
			score = 1
		}
	}
	return score
}

func setJaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func isSubset(small, big map[string]struct{}) bool {
	if len(small) > len(big) {
		return false
	}
	for k := range small {
		if _, ok := big[k]; !ok {
			return false
		}
	}
	return true
}

// containmentSimilarity scores substring containment: when one normalized
// string contains the other, the score grows with the length ratio of the
// shorter to the longer.
func containmentSimilarity(a, b string) float64 {
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if len(shorter) == 0 || !strings.Contains(longer, shorter) {
		return 0
	}
	ratio := float64(len(shorter)) / float64(len(longer))
	return 0.6 + 0.4*ratio
}

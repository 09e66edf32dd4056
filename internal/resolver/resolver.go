// Package resolver maps free-text queries to canonical roster targets using
// a fixed-weight blend of string similarity signals.
package resolver

import (
	"sort"

	"github.com/creatorcache/creatorcache/internal/content"
)

// Score thresholds shared by every resolve call.
const (
	autoAcceptScore  = 0.99
	defaultThreshold = 0.5
	defaultMaxResult = 8
)

// Config tunes resolution behavior.
type Config struct {
	// Threshold is the minimum composite score for a candidate to appear
	// in the ranked result list.
	Threshold float64
	// MaxResults caps the ranked list length.
	MaxResults int
	// MemoSize bounds the score memoization cache.
	MemoSize int
}

// ScoredTarget pairs a candidate with its best composite score.
type ScoredTarget struct {
	Target content.CanonicalTarget `json:"target"`
	Score  float64                 `json:"score"`
}

// Result is the outcome of a resolve call. Match is set when a single
// candidate was auto-accepted; otherwise Ranked holds candidates above the
// threshold in descending score order for caller-driven disambiguation.
// Both empty means no match — that is a normal outcome, not an error.
type Result struct {
	Match  *ScoredTarget  `json:"match,omitempty"`
	Ranked []ScoredTarget `json:"ranked,omitempty"`
}

// Resolver scores queries against candidate lists. It is safe for
// concurrent use; all state lives in the bounded memo cache.
type Resolver struct {
	threshold  float64
	maxResults int
	memo       *memoCache
}

// New builds a Resolver, filling zero config values with defaults.
func New(cfg Config) *Resolver {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResult
	}
	return &Resolver{
		threshold:  cfg.Threshold,
		maxResults: cfg.MaxResults,
		memo:       newMemoCache(cfg.MemoSize),
	}
}

// Resolve scores query against every candidate and returns either an
// auto-accepted match or a ranked shortlist. An empty candidate list yields
// an empty Result.
func (r *Resolver) Resolve(query string, candidates []content.CanonicalTarget) Result {
	if query == "" || len(candidates) == 0 {
		return Result{}
	}

	scored := make([]ScoredTarget, 0, len(candidates))
	for _, cand := range candidates {
		score := r.scoreCandidate(query, cand)
		if score >= autoAcceptScore {
			c := cand
			return Result{Match: &ScoredTarget{Target: c, Score: score}}
		}
		if score >= r.threshold {
			scored = append(scored, ScoredTarget{Target: cand, Score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > r.maxResults {
		scored = scored[:r.maxResults]
	}
	return Result{Ranked: scored}
}

// scoreCandidate returns the max score over the candidate's canonical name
// and all of its aliases.
func (r *Resolver) scoreCandidate(query string, cand content.CanonicalTarget) float64 {
	best := 0.0
	for _, name := range cand.Names() {
		if s := r.Score(query, name); s > best {
			best = s
		}
		if best >= 1 {
			break
		}
	}
	return best
}

// Score computes the memoized composite similarity of two raw strings.
// A normalized exact match short-circuits to 1.0.
func (r *Resolver) Score(a, b string) float64 {
	if score, ok := r.memo.get(a, b); ok {
		return score
	}

	na, nb := normalize(a), normalize(b)
	var score float64
	if na != "" && na == nb {
		score = 1.0
	} else {
		score = compositeScore(na, nb)
	}

	r.memo.put(a, b, score)
	return score
}

// MemoLen reports the current memo cache size. Exposed for stats reporting.
func (r *Resolver) MemoLen() int {
	return r.memo.len()
}

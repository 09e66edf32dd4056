package resolver

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorcache/creatorcache/internal/content"
)

func candidates(names ...string) []content.CanonicalTarget {
	out := make([]content.CanonicalTarget, 0, len(names))
	for i, n := range names {
		name, aliases := content.SplitAliases(n)
		out = append(out, content.CanonicalTarget{
			Name:      name,
			Aliases:   aliases,
			SourceURL: fmt.Sprintf("https://forum.example/creators/%d", i),
		})
	}
	return out
}

func TestResolveExactMatchShortCircuits(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	res := r.Resolve("Jane Doe", candidates("Someone Else", "jane doe", "Jane Dolittle"))

	require.NotNil(t, res.Match)
	assert.Equal(t, "jane doe", res.Match.Target.Name)
	assert.Equal(t, 1.0, res.Match.Score)
}

func TestResolveNormalizationIgnoresPunctuationAndFiller(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	res := r.Resolve("the JANE-doe (official)", candidates("Jane Doe"))

	require.NotNil(t, res.Match)
	assert.Equal(t, 1.0, res.Match.Score)
}

func TestResolveRankedListSortedAndCapped(t *testing.T) {
	t.Parallel()

	r := New(Config{Threshold: 0.3, MaxResults: 2})
	res := r.Resolve("jane", candidates("Jane Doe", "Jane Smith", "Janet Doolin", "Bob"))

	require.Nil(t, res.Match)
	require.Len(t, res.Ranked, 2)
	assert.GreaterOrEqual(t, res.Ranked[0].Score, res.Ranked[1].Score)
	for _, st := range res.Ranked {
		assert.GreaterOrEqual(t, st.Score, 0.3)
	}
}

func TestResolveEmptyInputs(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	assert.Equal(t, Result{}, r.Resolve("", candidates("Jane Doe")))
	assert.Equal(t, Result{}, r.Resolve("jane", nil))
}

func TestResolveDeterministic(t *testing.T) {
	t.Parallel()

	r := New(Config{Threshold: 0.2})
	cands := candidates("Jane Doe", "John Doe", "Janet Doolin")
	first := r.Resolve("jayne do", cands)
	second := r.Resolve("jayne do", cands)
	assert.Equal(t, first, second)
}

func TestScoreMemoKeyIsSymmetricAndCaseInsensitive(t *testing.T) {
	t.Parallel()

	r := New(Config{MemoSize: 100})
	s1 := r.Score("Jane Doe", "jane doe")
	require.Equal(t, 1, r.MemoLen())

	s2 := r.Score("jane doe", "Jane Doe")
	assert.Equal(t, s1, s2)
	assert.Equal(t, 1, r.MemoLen(), "reversed pair must hit the same memo entry")

	s3 := r.Score("JANE DOE", "Jane Doe")
	assert.Equal(t, s1, s3)
	assert.Equal(t, 1, r.MemoLen(), "case variants must hit the same memo entry")
}

func TestAliasScoresAtLeastAsHighAsCanonicalAlone(t *testing.T) {
	t.Parallel()

	r := New(Config{Threshold: 0.01})
	withAlias := r.scoreCandidate("beta", content.CanonicalTarget{
		Name: "Alpha", Aliases: []string{"Beta", "Gamma"},
	})
	withoutAlias := r.scoreCandidate("beta", content.CanonicalTarget{Name: "Alpha"})
	assert.GreaterOrEqual(t, withAlias, withoutAlias)
	assert.Equal(t, 1.0, withAlias, "alias exact match should score 1.0")
}

func TestMemoEvictsOldestWhenOverCapacity(t *testing.T) {
	t.Parallel()

	r := New(Config{MemoSize: 10})
	for i := 0; i < 11; i++ {
		r.Score(fmt.Sprintf("query-%d", i), "candidate")
	}
	// Capacity 10, one insertion over: the oldest 20% (2 entries) go.
	assert.Equal(t, 9, r.MemoLen())
}

func TestCompositeScoreSignals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{name: "identical", a: "jane doe", b: "jane doe", min: 0.99, max: 1.0},
		{name: "close typo", a: "jane doe", b: "jane do", min: 0.6, max: 1.0},
		{name: "token subset", a: "jane", b: "jane doe smith", min: 0.4, max: 1.0},
		{name: "unrelated", a: "jane doe", b: "zzqx vvbn", min: 0.0, max: 0.3},
		{name: "empty side", a: "", b: "jane", min: 0.0, max: 0.0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := compositeScore(tt.a, tt.b)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
		})
	}
}

func TestJaroWinklerPrefixBonus(t *testing.T) {
	t.Parallel()

	// Same edit distance from "janedoe", but one shares a 4-char prefix.
	withPrefix := jaroWinkler("janedoe", "janedxx")
	withoutPrefix := jaroWinkler("janedoe", "xxnedoe")
	assert.Greater(t, withPrefix, withoutPrefix)
}

func TestSequenceRatioBounds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, sequenceRatio("abc", "abc"))
	assert.Equal(t, 0.0, sequenceRatio("abc", "xyz"))
	mid := sequenceRatio("abcd", "abxd")
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 1.0)
}

func TestContainmentSimilarityGrowsWithLengthRatio(t *testing.T) {
	t.Parallel()

	closeLen := containmentSimilarity("jane doe", "jane doe x")
	farLen := containmentSimilarity("jane", "jane doe and many other words")
	assert.Greater(t, closeLen, farLen)
	assert.Equal(t, 0.0, containmentSimilarity("jane", "john"))
}

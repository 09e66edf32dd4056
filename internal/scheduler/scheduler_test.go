package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorcache/creatorcache/internal/cache"
	"github.com/creatorcache/creatorcache/internal/content"
	"github.com/creatorcache/creatorcache/internal/fetch"
	"github.com/creatorcache/creatorcache/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

// fakeFetcher serves canned bodies per URL and can fail a URL a fixed
// number of times before succeeding.
type fakeFetcher struct {
	mu        sync.Mutex
	bodies    map[string]string
	failures  map[string]int
	errs      map[string]error
	callCount map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		bodies:    map[string]string{},
		failures:  map[string]int{},
		errs:      map[string]error{},
		callCount: map[string]int{},
	}
}

func (f *fakeFetcher) setPage(url string, ext content.Extraction) {
	body, _ := json.Marshal(ext)
	f.mu.Lock()
	f.bodies[url] = string(body)
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount[url]++

	if err, ok := f.errs[url]; ok {
		return fetch.Result{}, err
	}
	if n := f.failures[url]; n > 0 {
		f.failures[url] = n - 1
		return fetch.Result{}, fmt.Errorf("fetch %s: connection reset", url)
	}
	body, ok := f.bodies[url]
	if !ok {
		return fetch.Result{}, fmt.Errorf("%w: status 404 for %s", fetch.ErrTerminal, url)
	}
	return fetch.Result{URL: url, Body: body, FetchedAt: time.Now()}, nil
}

func (f *fakeFetcher) calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[url]
}

// jsonExtractor decodes the canned JSON bodies produced by fakeFetcher.
var jsonExtractor = content.ExtractorFunc(func(html string) (content.Extraction, error) {
	var ext content.Extraction
	if err := json.Unmarshal([]byte(html), &ext); err != nil {
		return content.Extraction{}, fmt.Errorf("decode extraction: %w", err)
	}
	return ext, nil
})

// memStore is an in-memory Store implementation.
type memStore struct {
	mu      sync.Mutex
	records map[string]content.CreatorRecord
	puts    map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		records: map[string]content.CreatorRecord{},
		puts:    map[string]int{},
	}
}

func (m *memStore) key(name string) string { return strings.ToLower(name) }

func (m *memStore) Has(_ context.Context, name string, maxAge time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[m.key(name)]
	if !ok {
		return false
	}
	return maxAge <= 0 || time.Since(rec.LastScrapedAt) <= maxAge
}

func (m *memStore) Put(_ context.Context, record content.CreatorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[m.key(record.CanonicalName)] = record
	m.puts[m.key(record.CanonicalName)]++
	return nil
}

func (m *memStore) ListStale(_ context.Context, maxAge time.Duration, limit int) ([]cache.StaleCreator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []cache.StaleCreator
	for _, rec := range m.records {
		if time.Since(rec.LastScrapedAt) > maxAge {
			ts := rec.LastScrapedAt
			out = append(out, cache.StaleCreator{Name: rec.CanonicalName, SourceURL: rec.SourceURL, LastScrapedAt: &ts})
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) Sweep(_ context.Context, maxAge time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for k, rec := range m.records {
		if time.Since(rec.LastScrapedAt) > maxAge {
			delete(m.records, k)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memStore) CacheStats(_ context.Context) (cache.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cache.Stats{Creators: int64(len(m.records))}, nil
}

func (m *memStore) putCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[m.key(name)]
}

func (m *memStore) get(name string) (content.CreatorRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[m.key(name)]
	return rec, ok
}

// sliceSource serves a fixed target list.
type sliceSource struct {
	targets []content.CanonicalTarget
}

func (s *sliceSource) All(limit int) []content.CanonicalTarget {
	if limit > 0 && limit < len(s.targets) {
		return s.targets[:limit]
	}
	return s.targets
}

func (s *sliceSource) Lookup(name string) (content.CanonicalTarget, bool) {
	for _, t := range s.targets {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return content.CanonicalTarget{}, false
}

func testTarget(name string) content.CanonicalTarget {
	return content.CanonicalTarget{
		Name:      name,
		SourceURL: fmt.Sprintf("https://forum.example/creators/%s/", strings.ToLower(name)),
	}
}

func fastConfig() Config {
	return Config{
		Workers:         4,
		BatchSize:       50,
		PageConcurrency: 3,
		TargetTimeout:   5 * time.Second,
		Freshness:       24 * time.Hour,
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   10 * time.Millisecond,
		MainRetryRounds: 3,
	}
}

func newTestScheduler(t *testing.T, cfg Config, fetcher Fetcher, store Store, source TargetSource) *Scheduler {
	t.Helper()
	s, err := New(cfg, Deps{
		Fetcher:   fetcher,
		Extractor: jsonExtractor,
		Store:     store,
		Source:    source,
	})
	require.NoError(t, err)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestInitializeFromSourceSplitsAndProcesses(t *testing.T) {
	t.Parallel()

	names := []string{"Alpha", "Bravo", "Charlie", "Delta", "Echo"}
	targets := make([]content.CanonicalTarget, 0, len(names))
	fetcher := newFakeFetcher()
	store := newMemStore()
	for _, n := range names {
		tgt := testTarget(n)
		targets = append(targets, tgt)
		fetcher.setPage(tgt.SourceURL, content.Extraction{
			Items:         []content.Item{{Title: n + " post", URL: tgt.SourceURL + "p/1"}},
			MaxPageNumber: 1,
		})
	}
	// Two targets already have fresh cache records.
	for _, n := range names[:2] {
		require.NoError(t, store.Put(context.Background(), content.CreatorRecord{
			CanonicalName: n,
			SourceURL:     testTarget(n).SourceURL,
			LastScrapedAt: time.Now(),
		}))
	}

	s := newTestScheduler(t, fastConfig(), fetcher, store, &sliceSource{targets: targets})
	require.NoError(t, s.InitializeFromSource(context.Background(), 0))

	// The blocking part covers the three uncached targets.
	for _, n := range names[2:] {
		_, ok := store.get(n)
		assert.True(t, ok, "uncached target %s must be scraped by the priority phase", n)
	}

	// The background phase then refreshes the two cached targets.
	waitFor(t, 2*time.Second, func() bool {
		return store.putCount("Alpha") == 2 && store.putCount("Bravo") == 2
	}, "background phase must refresh the cached targets")

	stats := s.Stats()
	assert.Equal(t, int64(5), stats.Attempted)
	assert.Equal(t, int64(5), stats.Succeeded)
	assert.Equal(t, int64(0), stats.Failed)
	s.Stop()
}

func TestTransientFailureIsRetriedUntilSuccess(t *testing.T) {
	t.Parallel()

	tgt := testTarget("Flaky")
	fetcher := newFakeFetcher()
	fetcher.setPage(tgt.SourceURL, content.Extraction{
		Items: []content.Item{{Title: "post", URL: tgt.SourceURL + "p/1"}},
	})
	fetcher.mu.Lock()
	fetcher.failures[tgt.SourceURL] = 2
	fetcher.mu.Unlock()

	store := newMemStore()
	s := newTestScheduler(t, fastConfig(), fetcher, store, &sliceSource{targets: []content.CanonicalTarget{tgt}})
	require.NoError(t, s.InitializeFromSource(context.Background(), 0))
	s.Stop()

	_, ok := store.get("Flaky")
	assert.True(t, ok, "target must succeed within the retry rounds")
	assert.Equal(t, 3, fetcher.calls(tgt.SourceURL), "two failures then one success")
}

func TestTerminalFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	tgt := testTarget("Gone")
	fetcher := newFakeFetcher()
	// No body registered: the fake returns a terminal 404 error.

	store := newMemStore()
	s := newTestScheduler(t, fastConfig(), fetcher, store, &sliceSource{targets: []content.CanonicalTarget{tgt}})
	require.NoError(t, s.InitializeFromSource(context.Background(), 0))
	s.Stop()

	assert.Equal(t, 1, fetcher.calls(tgt.SourceURL), "terminal failures are attempted exactly once")
	_, ok := store.get("Gone")
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.Stats().Failed)
}

func TestPaginationFanOutMergesAndDedupes(t *testing.T) {
	t.Parallel()

	tgt := testTarget("Paged")
	fetcher := newFakeFetcher()
	fetcher.setPage(tgt.SourceURL, content.Extraction{
		Items: []content.Item{
			{Title: "one", URL: "https://forum.example/p/1"},
			{Title: "two", URL: "https://forum.example/p/2"},
		},
		SocialLinks:   map[string]string{"twitter": "https://twitter.example/paged"},
		MaxPageNumber: 3,
	})
	fetcher.setPage(tgt.SourceURL+"page-2", content.Extraction{
		Items: []content.Item{
			{Title: "two again", URL: "https://forum.example/p/2"},
			{Title: "three", URL: "https://forum.example/p/3"},
		},
	})
	fetcher.setPage(tgt.SourceURL+"page-3", content.Extraction{
		Items: []content.Item{
			{Title: "four", URL: "https://forum.example/p/4"},
		},
		SocialLinks: map[string]string{"instagram": "https://ig.example/paged"},
	})

	store := newMemStore()
	s := newTestScheduler(t, fastConfig(), fetcher, store, &sliceSource{targets: []content.CanonicalTarget{tgt}})
	require.NoError(t, s.InitializeFromSource(context.Background(), 0))
	s.Stop()

	rec, ok := store.get("Paged")
	require.True(t, ok)
	assert.Equal(t, 3, rec.TotalPages)
	require.Len(t, rec.Items, 4, "items must be deduplicated by URL across pages")
	assert.Equal(t, "https://twitter.example/paged", rec.SocialLinks["twitter"])
	assert.Equal(t, "https://ig.example/paged", rec.SocialLinks["instagram"])
	assert.Equal(t, 1, fetcher.calls(tgt.SourceURL+"page-2"))
	assert.Equal(t, 1, fetcher.calls(tgt.SourceURL+"page-3"))
}

func TestPageBudgetLimitsFanOut(t *testing.T) {
	t.Parallel()

	tgt := testTarget("Budgeted")
	fetcher := newFakeFetcher()
	fetcher.setPage(tgt.SourceURL, content.Extraction{
		Items:         []content.Item{{Title: "one", URL: "https://forum.example/p/1"}},
		MaxPageNumber: 5,
	})
	fetcher.setPage(tgt.SourceURL+"page-2", content.Extraction{
		Items: []content.Item{{Title: "two", URL: "https://forum.example/p/2"}},
	})

	cfg := fastConfig()
	cfg.PageBudget = 2
	store := newMemStore()
	s := newTestScheduler(t, cfg, fetcher, store, &sliceSource{targets: []content.CanonicalTarget{tgt}})
	require.NoError(t, s.InitializeFromSource(context.Background(), 0))
	s.Stop()

	rec, ok := store.get("Budgeted")
	require.True(t, ok)
	assert.Equal(t, 5, rec.TotalPages, "discovered page count is recorded even when not all pages are fetched")
	assert.Len(t, rec.Items, 2)
	assert.Equal(t, 0, fetcher.calls(tgt.SourceURL+"page-3"), "pages beyond the budget are not fetched")
}

func TestScrapeSpecificReportsUnknownNames(t *testing.T) {
	t.Parallel()

	tgt := testTarget("Known")
	fetcher := newFakeFetcher()
	fetcher.setPage(tgt.SourceURL, content.Extraction{
		Items: []content.Item{{Title: "post", URL: tgt.SourceURL + "p/1"}},
	})

	store := newMemStore()
	s := newTestScheduler(t, fastConfig(), fetcher, store, &sliceSource{targets: []content.CanonicalTarget{tgt}})

	err := s.ScrapeSpecific(context.Background(), []string{"Known", "Nobody"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Nobody")

	_, ok := store.get("Known")
	assert.True(t, ok, "known names are still processed")
}

func TestInitializeRejectsOverlappingRuns(t *testing.T) {
	t.Parallel()

	tgt := testTarget("Slow")
	fetcher := newFakeFetcher()
	fetcher.setPage(tgt.SourceURL, content.Extraction{})

	store := newMemStore()
	s := newTestScheduler(t, fastConfig(), fetcher, store, &sliceSource{targets: []content.CanonicalTarget{tgt}})

	s.runMu.Lock()
	err := s.InitializeFromSource(context.Background(), 0)
	s.runMu.Unlock()
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestCanceledContextStopsBetweenBatches(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	store := newMemStore()
	var targets []content.CanonicalTarget
	for i := 0; i < 10; i++ {
		tgt := testTarget(fmt.Sprintf("Creator%d", i))
		targets = append(targets, tgt)
		fetcher.setPage(tgt.SourceURL, content.Extraction{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastConfig()
	cfg.BatchSize = 2
	s := newTestScheduler(t, cfg, fetcher, store, &sliceSource{targets: targets})
	require.NoError(t, s.InitializeFromSource(ctx, 0))
	s.Stop()

	// The canceled context stops the run before any batch is dispatched.
	assert.Equal(t, int64(0), s.Stats().Attempted)
}

func TestHelperFunctions(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://f.example/c/page-2", pageURL("https://f.example/c/", 2))
	assert.Equal(t, "https://f.example/c/page-3", pageURL("https://f.example/c", 3))

	assert.Equal(t, time.Millisecond, nextDelay(0, time.Millisecond, time.Second))
	assert.Equal(t, 2*time.Millisecond, nextDelay(time.Millisecond, time.Millisecond, time.Second))
	assert.Equal(t, time.Second, nextDelay(800*time.Millisecond, time.Millisecond, time.Second))

	failed := []failedTarget{
		{Target: testTarget("a"), Delay: 4 * time.Millisecond},
		{Target: testTarget("b"), Delay: time.Millisecond},
		{Target: testTarget("c"), Delay: 4 * time.Millisecond},
		{Target: testTarget("d"), Delay: 2 * time.Millisecond},
	}
	sortByDelay(failed)
	groups := groupByDelay(failed)
	require.Len(t, groups, 3)
	assert.Len(t, groups[2], 2, "equal delays share one group and one wait")

	cfg := Config{Workers: 4, BatchSize: 10}
	assert.Equal(t, 5, cfg.backgroundBatch())
	assert.Equal(t, 2, cfg.backgroundWorkers())
	small := Config{Workers: 1, BatchSize: 1}
	assert.Equal(t, 1, small.backgroundBatch(), "background batch floor is 1")
	assert.Equal(t, 2, small.backgroundWorkers(), "background workers floor is 2")
}

func TestTrackerDurationWindowTrims(t *testing.T) {
	t.Parallel()

	p := newPerfTracker()
	p.beginRun("run")
	for i := 0; i < durationWindowMax+1; i++ {
		p.workerStarted()
		p.workerFinished(true, 1, time.Millisecond)
	}
	p.mu.Lock()
	n := len(p.durations)
	p.mu.Unlock()
	assert.Equal(t, durationWindowTrim, n, "window trims to half when it overflows")
}

func TestTrackerSuccessRate(t *testing.T) {
	t.Parallel()

	p := newPerfTracker()
	p.beginRun("run")
	assert.Equal(t, 1.0, p.successRate(), "optimistic before any work")

	for i := 0; i < 3; i++ {
		p.workerStarted()
		p.workerFinished(true, 1, time.Millisecond)
	}
	p.workerStarted()
	p.workerFinished(false, 0, time.Millisecond)
	assert.InDelta(t, 0.75, p.successRate(), 0.001)

	stats := p.snapshot()
	assert.Equal(t, int64(4), stats.Attempted)
	assert.Equal(t, int64(3), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, time.Millisecond, stats.AvgTargetDuration)
}

func TestRetryTargetGivenUpAfterRounds(t *testing.T) {
	t.Parallel()

	tgt := testTarget("Hopeless")
	fetcher := newFakeFetcher()
	fetcher.mu.Lock()
	fetcher.errs[tgt.SourceURL] = errors.New("connection refused")
	fetcher.mu.Unlock()

	store := newMemStore()
	cfg := fastConfig()
	s := newTestScheduler(t, cfg, fetcher, store, &sliceSource{targets: []content.CanonicalTarget{tgt}})
	require.NoError(t, s.InitializeFromSource(context.Background(), 0))
	s.Stop()

	// First pass plus three retry rounds.
	assert.Equal(t, 4, fetcher.calls(tgt.SourceURL))
	_, ok := store.get("Hopeless")
	assert.False(t, ok)
}

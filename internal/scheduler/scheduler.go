// Package scheduler walks the candidate roster through the fetch client
// and extractor in priority phases, with exponential-backoff retries and a
// reduced-footprint background refresh of already-cached targets.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/creatorcache/creatorcache/internal/cache"
	"github.com/creatorcache/creatorcache/internal/content"
	"github.com/creatorcache/creatorcache/internal/fetch"
	"github.com/creatorcache/creatorcache/internal/metrics"
)

// State is the scheduler's position in the run state machine.
type State string

// Run states. A run moves Idle -> Splitting -> Priority -> [Retry]* ->
// Background -> Idle.
const (
	StateIdle       State = "idle"
	StateSplitting  State = "splitting"
	StatePriority   State = "priority"
	StateRetry      State = "retry"
	StateBackground State = "background"
)

// Phase labels used in metrics and logs.
const (
	phasePriority   = "priority"
	phaseRetry      = "retry"
	phaseBackground = "background"
	phaseAdhoc      = "adhoc"
)

// ErrRunInProgress is returned when a blocking run is requested while
// another run holds the scheduler.
var ErrRunInProgress = errors.New("scheduling run already in progress")

// Fetcher retrieves one URL. Satisfied by *fetch.Client.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (fetch.Result, error)
}

// Store is the durable creator cache consumed by the scheduler.
type Store interface {
	Has(ctx context.Context, name string, maxAge time.Duration) bool
	Put(ctx context.Context, record content.CreatorRecord) error
	ListStale(ctx context.Context, maxAge time.Duration, limit int) ([]cache.StaleCreator, error)
	Sweep(ctx context.Context, maxAge time.Duration) (int64, error)
	CacheStats(ctx context.Context) (cache.Stats, error)
}

// TargetSource supplies roster targets.
type TargetSource interface {
	All(limit int) []content.CanonicalTarget
	Lookup(name string) (content.CanonicalTarget, bool)
}

// Config governs batch sizing, concurrency, and cadence.
type Config struct {
	Workers         int
	BatchSize       int
	PageConcurrency int
	// PageBudget caps pages fetched per target; 0 means unlimited.
	PageBudget    int
	TargetTimeout time.Duration
	// Freshness is the cache window used for splitting and refresh.
	Freshness time.Duration
	// RetainFor is the maximum record age before the retention sweep
	// deletes it.
	RetainFor       time.Duration
	RefreshInterval time.Duration
	SweepInterval   time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	// MainRetryRounds runs after the priority phase;
	// BackgroundRetryRounds after the background phase.
	MainRetryRounds       int
	BackgroundRetryRounds int
}

func (c *Config) fillDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PageConcurrency <= 0 {
		c.PageConcurrency = 3
	}
	if c.TargetTimeout <= 0 {
		c.TargetTimeout = 2 * time.Minute
	}
	if c.Freshness <= 0 {
		c.Freshness = 24 * time.Hour
	}
	if c.RetainFor <= 0 {
		c.RetainFor = 7 * 24 * time.Hour
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 6 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 24 * time.Hour
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.MainRetryRounds <= 0 {
		c.MainRetryRounds = 3
	}
	if c.BackgroundRetryRounds <= 0 {
		c.BackgroundRetryRounds = 1
	}
}

// backgroundBatch and backgroundWorkers halve the main-phase settings with
// explicit floors so the background phase never starves completely.
func (c Config) backgroundBatch() int {
	if b := c.BatchSize / 2; b > 1 {
		return b
	}
	return 1
}

func (c Config) backgroundWorkers() int {
	if w := c.Workers / 2; w > 2 {
		return w
	}
	return 2
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Fetcher   Fetcher
	Extractor content.Extractor
	Store     Store
	Source    TargetSource
	Logger    *zap.Logger
}

// Scheduler coordinates scraping runs. Safe for concurrent use; a single
// run executes at a time, and per-name in-flight locks keep overlapping
// ad-hoc requests from double-scraping one creator.
type Scheduler struct {
	cfg       Config
	fetcher   Fetcher
	extractor content.Extractor
	store     Store
	source    TargetSource
	logger    *zap.Logger

	tracker  *perfTracker
	inFlight sync.Map

	runMu   sync.Mutex
	running atomic.Bool
	stop    atomic.Bool

	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

type failureFn func(t content.CanonicalTarget, err error)

// New builds a Scheduler, filling zero config values with defaults.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	cfg.fillDefaults()
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("scheduler requires a fetcher")
	}
	if deps.Extractor == nil {
		return nil, fmt.Errorf("scheduler requires an extractor")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("scheduler requires a store")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("scheduler requires a target source")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		fetcher:   deps.Fetcher,
		extractor: deps.Extractor,
		store:     deps.Store,
		source:    deps.Source,
		logger:    logger,
		tracker:   newPerfTracker(),
	}, nil
}

// Stats returns a read-only snapshot of the current run.
func (s *Scheduler) Stats() Stats {
	return s.tracker.snapshot()
}

// Start launches the background refresh and retention loops. It returns
// immediately; use InitializeFromSource for the blocking startup run.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already started")
	}
	s.stop.Store(false)

	loopCtx, cancel := context.WithCancel(ctx)
	s.loopCancel = cancel
	s.wg.Add(1)
	go s.runLoop(loopCtx)
	s.logger.Info("scheduler started",
		zap.Duration("refresh_interval", s.cfg.RefreshInterval),
		zap.Duration("sweep_interval", s.cfg.SweepInterval))
	return nil
}

// Stop requests a graceful shutdown: the stop flag is honored between
// batches, the in-flight batch drains, and the background loops exit.
func (s *Scheduler) Stop() {
	s.stop.Store(true)
	if s.loopCancel != nil {
		s.loopCancel()
	}
	s.wg.Wait()
	s.running.Store(false)
	s.tracker.setState(StateIdle)
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	refresh := time.NewTicker(s.cfg.RefreshInterval)
	defer refresh.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			s.refreshStale(ctx)
		case <-sweep.C:
			s.runSweep(ctx)
		}
	}
}

// InitializeFromSource runs the startup scrape: split the roster by cache
// membership, process the uncached set synchronously (the priority phase
// plus its retry rounds), then refresh the already-cached set in the
// background. It blocks until the priority phase completes so the caller
// can gate readiness on it.
func (s *Scheduler) InitializeFromSource(ctx context.Context, maxCandidates int) error {
	if !s.runMu.TryLock() {
		return ErrRunInProgress
	}

	runID := uuid.NewString()
	s.tracker.beginRun(runID)
	s.tracker.setState(StateSplitting)
	log := s.logger.With(zap.String("run_id", runID))

	targets := s.source.All(maxCandidates)
	uncached, cached := s.split(ctx, targets)
	shuffleTargets(uncached)
	shuffleTargets(cached)
	log.Info("roster split",
		zap.Int("total", len(targets)),
		zap.Int("uncached", len(uncached)),
		zap.Int("cached", len(cached)))

	s.tracker.setState(StatePriority)
	failed := s.processBatches(ctx, uncached, phasePriority, s.cfg.BatchSize, s.cfg.Workers, false)
	failed = s.retryRounds(ctx, failed, s.cfg.MainRetryRounds)
	if len(failed) > 0 {
		log.Warn("priority phase left unresolved targets", zap.Int("count", len(failed)))
	}

	// Already-cached targets refresh behind the interactive path.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.runMu.Unlock()
		s.runBackgroundPhase(ctx, cached)
		s.tracker.setState(StateIdle)
	}()
	return nil
}

// ScrapeSpecific runs an ad-hoc targeted scrape for the given names,
// bypassing phase splitting. Unknown names are reported in the returned
// error; known names are still processed.
func (s *Scheduler) ScrapeSpecific(ctx context.Context, names []string) error {
	var (
		targets []content.CanonicalTarget
		unknown []string
	)
	for _, name := range names {
		if t, ok := s.source.Lookup(name); ok {
			targets = append(targets, t)
		} else {
			unknown = append(unknown, name)
		}
	}
	if len(targets) > 0 {
		failed := s.processBatches(ctx, targets, phaseAdhoc, s.cfg.BatchSize, s.cfg.Workers, false)
		s.retryRounds(ctx, failed, 1)
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown creators: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// split partitions targets by fresh-cache membership.
func (s *Scheduler) split(ctx context.Context, targets []content.CanonicalTarget) (uncached, cached []content.CanonicalTarget) {
	for _, t := range targets {
		if s.store.Has(ctx, t.Name, s.cfg.Freshness) {
			cached = append(cached, t)
		} else {
			uncached = append(uncached, t)
		}
	}
	return uncached, cached
}

// refreshStale is the periodic background pass over records past their
// freshness window, oldest first.
func (s *Scheduler) refreshStale(ctx context.Context) {
	if !s.runMu.TryLock() {
		s.logger.Debug("refresh skipped, run in progress")
		return
	}
	defer s.runMu.Unlock()

	stale, err := s.store.ListStale(ctx, s.cfg.Freshness, 0)
	if err != nil {
		s.logger.Error("list stale creators", zap.Error(err))
		return
	}
	if len(stale) == 0 {
		return
	}

	targets := make([]content.CanonicalTarget, 0, len(stale))
	for _, sc := range stale {
		targets = append(targets, content.CanonicalTarget{Name: sc.Name, SourceURL: sc.SourceURL})
	}
	s.tracker.beginRun(uuid.NewString())
	s.logger.Info("refreshing stale creators", zap.Int("count", len(targets)))
	s.runBackgroundPhase(ctx, targets)
	s.tracker.setState(StateIdle)
}

func (s *Scheduler) runBackgroundPhase(ctx context.Context, targets []content.CanonicalTarget) {
	if len(targets) == 0 || s.stopping(ctx) {
		return
	}
	s.tracker.setState(StateBackground)
	failed := s.processBatches(ctx, targets, phaseBackground,
		s.cfg.backgroundBatch(), s.cfg.backgroundWorkers(), true)
	s.retryRounds(ctx, failed, s.cfg.BackgroundRetryRounds)
}

func (s *Scheduler) runSweep(ctx context.Context) {
	deleted, err := s.store.Sweep(ctx, s.cfg.RetainFor)
	if err != nil {
		s.logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	if stats, err := s.store.CacheStats(ctx); err == nil {
		metrics.SetCacheRecords(stats.Creators)
	}
	s.logger.Info("retention sweep complete", zap.Int64("deleted", deleted))
}

// processBatches walks targets in fixed-size batches over a bounded worker
// pool. Transient failures are collected for retry; terminal failures are
// only counted. The stop flag is honored between batches, never mid-batch.
func (s *Scheduler) processBatches(ctx context.Context, targets []content.CanonicalTarget,
	phase string, batchSize, workers int, background bool) []failedTarget {

	var (
		mu     sync.Mutex
		failed []failedTarget
	)
	onFailure := func(t content.CanonicalTarget, err error) {
		mu.Lock()
		failed = append(failed, failedTarget{
			Target:   t,
			Err:      err,
			Delay:    s.cfg.RetryBaseDelay,
			Attempts: 1,
		})
		mu.Unlock()
	}
	s.dispatch(ctx, targets, phase, batchSize, workers, background, onFailure)
	return failed
}

// dispatch is the shared batch loop used by first-pass and retry phases.
func (s *Scheduler) dispatch(ctx context.Context, targets []content.CanonicalTarget,
	phase string, batchSize, workers int, background bool, onFailure failureFn) {

	if batchSize <= 0 {
		batchSize = 1
	}
	if workers <= 0 {
		workers = 1
	}
	for start := 0; start < len(targets); start += batchSize {
		if s.stopping(ctx) {
			return
		}
		if start > 0 {
			if err := sleepCtx(ctx, s.interBatchDelay(background)); err != nil {
				return
			}
		}
		end := start + batchSize
		if end > len(targets) {
			end = len(targets)
		}

		sem := make(chan struct{}, workers)
		var wg sync.WaitGroup
		for _, t := range targets[start:end] {
			wg.Add(1)
			go func(t content.CanonicalTarget) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				s.runTarget(ctx, t, phase, onFailure)
			}(t)
		}
		wg.Wait()
	}
}

// runTarget executes one target's unit of work and records the outcome.
func (s *Scheduler) runTarget(ctx context.Context, t content.CanonicalTarget, phase string, onFailure failureFn) {
	if _, busy := s.inFlight.LoadOrStore(strings.ToLower(t.Name), struct{}{}); busy {
		s.logger.Debug("creator already in flight, skipping", zap.String("name", t.Name))
		return
	}
	defer s.inFlight.Delete(strings.ToLower(t.Name))

	s.tracker.workerStarted()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := time.Now()
	items, err := s.scrapeTarget(ctx, t)
	duration := time.Since(start)
	if err != nil {
		s.tracker.workerFinished(false, 0, duration)
		metrics.ObserveTarget(phase, "failure", duration)
		s.logger.Warn("creator scrape failed",
			zap.String("name", t.Name),
			zap.String("phase", phase),
			zap.Error(err))
		// Terminal errors and canceled runs do not re-queue.
		if !errors.Is(err, fetch.ErrTerminal) && ctx.Err() == nil {
			onFailure(t, err)
		}
		return
	}
	s.tracker.workerFinished(true, items, duration)
	metrics.ObserveTarget(phase, "success", duration)
	s.logger.Debug("creator scraped",
		zap.String("name", t.Name),
		zap.Int("items", items),
		zap.Duration("duration", duration))
}

// scrapeTarget fetches a creator's primary page, extracts its content, and
// fans out over remaining pages under the page concurrency bound. The
// merged record replaces the cache entry in one write.
func (s *Scheduler) scrapeTarget(ctx context.Context, t content.CanonicalTarget) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TargetTimeout)
	defer cancel()

	first, err := s.fetcher.Fetch(ctx, t.SourceURL)
	if err != nil {
		return 0, fmt.Errorf("fetch first page: %w", err)
	}
	ext, err := s.extractor.Extract(first.Body)
	if err != nil {
		return 0, fmt.Errorf("extract first page: %w", err)
	}

	record := content.CreatorRecord{
		CanonicalName: t.Name,
		SourceURL:     t.SourceURL,
		Items:         ext.Items,
		PreviewImages: ext.PreviewImages,
		VideoLinks:    ext.VideoLinks,
		SocialLinks:   ext.SocialLinks,
		LastScrapedAt: time.Now(),
	}
	if record.SocialLinks == nil {
		record.SocialLinks = map[string]string{}
	}

	totalPages := ext.MaxPageNumber
	if totalPages < 1 {
		totalPages = 1
	}
	record.TotalPages = totalPages

	lastPage := totalPages
	if s.cfg.PageBudget > 0 && s.cfg.PageBudget < lastPage {
		lastPage = s.cfg.PageBudget
	}
	for _, extra := range s.fetchRemainingPages(ctx, t.SourceURL, lastPage) {
		record.Items = append(record.Items, extra.Items...)
		record.PreviewImages = append(record.PreviewImages, extra.PreviewImages...)
		record.VideoLinks = append(record.VideoLinks, extra.VideoLinks...)
		for platform, link := range extra.SocialLinks {
			if _, exists := record.SocialLinks[platform]; !exists {
				record.SocialLinks[platform] = link
			}
		}
	}
	record.Items = content.DedupeItems(record.Items)
	record.PreviewImages = dedupeMedia(record.PreviewImages)
	record.VideoLinks = dedupeMedia(record.VideoLinks)

	if err := s.store.Put(ctx, record); err != nil {
		return 0, fmt.Errorf("cache put: %w", err)
	}
	return len(record.Items), nil
}

// fetchRemainingPages fetches pages 2..lastPage concurrently. Page-level
// failures are logged and skipped; page 1 already succeeded, so the target
// still produces a record.
func (s *Scheduler) fetchRemainingPages(ctx context.Context, baseURL string, lastPage int) []content.Extraction {
	if lastPage < 2 {
		return nil
	}
	results := make([]*content.Extraction, lastPage+1)
	var g errgroup.Group
	g.SetLimit(s.cfg.PageConcurrency)
	for page := 2; page <= lastPage; page++ {
		page := page
		g.Go(func() error {
			res, err := s.fetcher.Fetch(ctx, pageURL(baseURL, page))
			if err != nil {
				s.logger.Debug("page fetch failed",
					zap.String("url", pageURL(baseURL, page)), zap.Error(err))
				return nil
			}
			ext, err := s.extractor.Extract(res.Body)
			if err != nil {
				s.logger.Debug("page extract failed",
					zap.String("url", pageURL(baseURL, page)), zap.Error(err))
				return nil
			}
			results[page] = &ext
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors

	out := make([]content.Extraction, 0, lastPage-1)
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// retryRounds re-dispatches failed targets in smaller batches with lower
// concurrency. Targets sharing a delay wait once as a group; each failure
// doubles the target's next delay up to the cap.
func (s *Scheduler) retryRounds(ctx context.Context, failed []failedTarget, rounds int) []failedTarget {
	batchSize := s.cfg.backgroundBatch()
	workers := s.cfg.backgroundWorkers()

	for round := 1; round <= rounds && len(failed) > 0; round++ {
		if s.stopping(ctx) {
			break
		}
		s.tracker.setState(StateRetry)
		s.tracker.setPendingRetries(len(failed))
		metrics.SetPendingRetries(len(failed))
		s.logger.Info("retry round",
			zap.Int("round", round),
			zap.Int("pending", len(failed)))

		sortByDelay(failed)

		var (
			mu   sync.Mutex
			next []failedTarget
		)
		for _, group := range groupByDelay(failed) {
			if s.stopping(ctx) {
				break
			}
			if group[0].Delay > 0 {
				if err := sleepCtx(ctx, group[0].Delay); err != nil {
					break
				}
			}

			prior := make(map[string]failedTarget, len(group))
			targets := make([]content.CanonicalTarget, 0, len(group))
			for _, f := range group {
				prior[strings.ToLower(f.Target.Name)] = f
				targets = append(targets, f.Target)
			}
			onFailure := func(t content.CanonicalTarget, err error) {
				prev := prior[strings.ToLower(t.Name)]
				mu.Lock()
				next = append(next, failedTarget{
					Target:   t,
					Err:      err,
					Delay:    nextDelay(prev.Delay, s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay),
					Attempts: prev.Attempts + 1,
				})
				mu.Unlock()
			}
			s.dispatch(ctx, targets, phaseRetry, batchSize, workers, false, onFailure)
		}
		failed = next
	}

	s.tracker.setPendingRetries(len(failed))
	metrics.SetPendingRetries(len(failed))
	return failed
}

// interBatchDelay derives the pause between batches from the run's
// success rate; background batches pace slower still.
func (s *Scheduler) interBatchDelay(background bool) time.Duration {
	rate := s.tracker.successRate()
	var lo, hi time.Duration
	switch {
	case rate > 0.9:
		lo, hi = 3*time.Second, 5*time.Second
	case rate > 0.7:
		lo, hi = 5*time.Second, 8*time.Second
	case rate > 0.5:
		lo, hi = 8*time.Second, 12*time.Second
	default:
		lo, hi = 15*time.Second, 20*time.Second
	}
	d := lo + time.Duration(rand.Int63n(int64(hi-lo)))
	if background {
		d = d * 3 / 2
	}
	return d
}

func (s *Scheduler) stopping(ctx context.Context) bool {
	return s.stop.Load() || ctx.Err() != nil
}

func pageURL(base string, page int) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return fmt.Sprintf("%spage-%d", base, page)
}

func shuffleTargets(targets []content.CanonicalTarget) {
	rand.Shuffle(len(targets), func(i, j int) {
		targets[i], targets[j] = targets[j], targets[i]
	})
}

func dedupeMedia(media []content.Media) []content.Media {
	seen := make(map[string]struct{}, len(media))
	out := media[:0:0]
	for _, m := range media {
		if _, ok := seen[m.URL]; ok {
			continue
		}
		seen[m.URL] = struct{}{}
		out = append(out, m)
	}
	return out
}

// sleepCtx waits for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

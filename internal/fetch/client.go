// Package fetch implements the adaptive HTTP fetch client: per-origin
// throttling driven by recent failure rates, a retry policy split by error
// class, rotating request headers, and a short-lived response cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/creatorcache/creatorcache/internal/metrics"
)

// Config controls fetch client behavior.
type Config struct {
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
	// Attempts is the retry budget for transient failures.
	Attempts int
	// MinDelay/MidDelay/MaxDelay are the adaptive per-origin delay bands.
	MinDelay time.Duration
	MidDelay time.Duration
	MaxDelay time.Duration
	// Jitter is added on top of the band delay to avoid synchronized bursts.
	Jitter time.Duration
	// BackoffCeiling caps exponential backoff after HTTP 429.
	BackoffCeiling time.Duration
	// CacheTTL and CacheSize bound the URL-keyed response cache.
	CacheTTL  time.Duration
	CacheSize int
	// RPS is a hard per-origin requests-per-second ceiling (0 = unlimited).
	RPS   float64
	Burst int
	// UserAgent, when set, pins the User-Agent instead of rotating it.
	UserAgent string
	// BaselineHeaders override rotated headers key by key.
	BaselineHeaders map[string]string
}

func (c *Config) fillDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 500 * time.Millisecond
	}
	if c.MidDelay <= 0 {
		c.MidDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = time.Minute
	}
	if c.CacheTTL < 0 {
		c.CacheTTL = 0
	}
}

// Result is a successful fetch: the body plus provenance metadata.
type Result struct {
	URL       string
	Body      string
	FetchedAt time.Time
	Origin    string
}

// ManyResult pairs one URL of a FetchMany batch with its outcome. Err is
// set per URL; a failing URL never fails the batch.
type ManyResult struct {
	URL    string
	Result Result
	Err    error
}

// Client fetches pages with adaptive throttling and retries. Safe for
// concurrent use.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	base    *colly.Collector
	headers *headerSource
	health  *healthTracker
	limiter *originLimiter
	cache   *responseCache
}

// New builds a Client, filling zero config values with defaults.
func New(cfg Config, logger *zap.Logger) *Client {
	cfg.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	base := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	base.WithTransport(newHTTPTransport())
	base.SetRequestTimeout(cfg.Timeout)

	overrides := make(map[string]string, len(cfg.BaselineHeaders)+1)
	for k, v := range cfg.BaselineHeaders {
		overrides[k] = v
	}
	if cfg.UserAgent != "" {
		overrides["User-Agent"] = cfg.UserAgent
	}

	return &Client{
		cfg:     cfg,
		logger:  logger,
		base:    base,
		headers: newHeaderSource(overrides),
		health:  newHealthTracker(cfg.MinDelay, cfg.MidDelay, cfg.MaxDelay, cfg.Jitter),
		limiter: newOriginLimiter(cfg.RPS, cfg.Burst),
		cache:   newResponseCache(cfg.CacheTTL, cfg.CacheSize),
	}
}

// Origin extracts the lowercase hostname used for throttling and health
// tracking. Empty means the URL is malformed.
func Origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Fetch retrieves one URL, applying the cache, adaptive delay, rate limit,
// and retry policy in that order.
func (c *Client) Fetch(ctx context.Context, rawURL string) (Result, error) {
	if res, ok := c.cache.get(rawURL, time.Now()); ok {
		metrics.ObserveFetch(rawURL, "cache_hit")
		return res, nil
	}

	origin := Origin(rawURL)
	if origin == "" {
		return Result{}, fmt.Errorf("%w: malformed url %q", ErrTerminal, rawURL)
	}

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		if delay := c.health.NextDelay(origin, time.Now()); delay > 0 {
			metrics.ObserveFetchDelay(origin, delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return Result{}, err
			}
		}
		if err := c.limiter.Wait(ctx, origin); err != nil {
			return Result{}, err
		}

		body, err := c.doRequest(ctx, rawURL)
		if err == nil {
			result := Result{
				URL:       rawURL,
				Body:      body,
				FetchedAt: time.Now(),
				Origin:    origin,
			}
			c.health.RecordSuccess(origin)
			c.cache.put(rawURL, result, result.FetchedAt)
			metrics.ObserveFetch(origin, "success")
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrTerminal) {
			c.health.RecordFailure(origin)
			metrics.ObserveFetch(origin, "terminal")
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		var wait time.Duration
		switch {
		case isRateLimited(err):
			wait = backoff
			backoff *= 2
			if backoff > c.cfg.BackoffCeiling {
				backoff = c.cfg.BackoffCeiling
			}
			c.logger.Warn("rate limited, backing off",
				zap.String("origin", origin),
				zap.Duration("backoff", wait),
				zap.Int("attempt", attempt))
		default:
			// Timeouts and transport resets: incremental delay with
			// jitter, fresh headers on the next attempt.
			wait = time.Duration(attempt)*time.Second + time.Duration(rand.Int63n(int64(time.Second)))
			c.logger.Debug("transient fetch error",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		if attempt < c.cfg.Attempts {
			if err := sleepCtx(ctx, wait); err != nil {
				return Result{}, err
			}
		}
	}

	c.health.RecordFailure(origin)
	metrics.ObserveFetch(origin, "error")
	return Result{}, fmt.Errorf("fetch %s: attempts exhausted: %w", rawURL, lastErr)
}

// FetchMany fetches a batch of URLs under a fixed-size semaphore. Results
// are returned in input order; each URL carries its own error.
func (c *Client) FetchMany(ctx context.Context, urls []string, maxConcurrency int) []ManyResult {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	results := make([]ManyResult, len(urls))
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			res, err := c.Fetch(ctx, u)
			results[i] = ManyResult{URL: u, Result: res, Err: err}
		}(i, u)
	}
	wg.Wait()
	return results
}

// OriginHealth reports the success/failure counters for one origin.
func (c *Client) OriginHealth(origin string) (successes, failures int) {
	return c.health.Snapshot(origin)
}

// doRequest executes a single HTTP GET through a cloned collector with a
// freshly drawn header set.
func (c *Client) doRequest(ctx context.Context, rawURL string) (string, error) {
	collector := c.base.Clone()
	collector.SetRequestTimeout(c.cfg.Timeout)

	headers := c.headers.next()
	var (
		body       []byte
		statusCode int
		respErr    error
	)
	collector.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Set(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		respErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if statusCode >= http.StatusBadRequest {
			return "", &StatusError{Code: statusCode, URL: rawURL}
		}
		if err != nil {
			return "", fmt.Errorf("visit %s: %w", rawURL, err)
		}
		if respErr != nil {
			return "", fmt.Errorf("response %s: %w", rawURL, respErr)
		}
		return string(body), nil
	}
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

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

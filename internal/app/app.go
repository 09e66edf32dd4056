// Package app initializes and holds the long-lived application services,
// acting as the dependency injection container for the service binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/creatorcache/creatorcache/internal/api"
	"github.com/creatorcache/creatorcache/internal/cache"
	"github.com/creatorcache/creatorcache/internal/config"
	"github.com/creatorcache/creatorcache/internal/extract"
	"github.com/creatorcache/creatorcache/internal/fetch"
	"github.com/creatorcache/creatorcache/internal/logging"
	"github.com/creatorcache/creatorcache/internal/metrics"
	"github.com/creatorcache/creatorcache/internal/resolver"
	"github.com/creatorcache/creatorcache/internal/roster"
	"github.com/creatorcache/creatorcache/internal/scheduler"
)

// App holds the shared services for the creator cache: the roster, the
// durable store, the fetch client, the scheduler, and the HTTP server.
// It is initialized once at startup and torn down by Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	roster    *roster.Roster
	store     *cache.Store
	fetcher   *fetch.Client
	resolver  *resolver.Resolver
	scheduler *scheduler.Scheduler
	server    *http.Server

	ready atomic.Bool
}

// New wires all services from the loaded configuration. It fails fast if
// any critical service cannot be initialized.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Log.Development)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}
	metrics.Init()

	ros, err := roster.New(roster.Config{
		Path: cfg.Roster.Path,
		TTL:  cfg.Roster.TTL,
	}, logging.Named(logger, "roster"))
	if err != nil {
		return nil, fmt.Errorf("init roster: %w", err)
	}

	store, err := cache.Open(cfg.Cache.Path, logging.Named(logger, "cache"))
	if err != nil {
		closeErr := ros.Close()
		return nil, errors.Join(fmt.Errorf("open cache: %w", err), closeErr)
	}

	fetcher := fetch.New(fetch.Config{
		Timeout:         cfg.Fetch.Timeout,
		Attempts:        cfg.Fetch.Attempts,
		MinDelay:        cfg.Fetch.MinDelay,
		MidDelay:        cfg.Fetch.MidDelay,
		MaxDelay:        cfg.Fetch.MaxDelay,
		Jitter:          cfg.Fetch.Jitter,
		BackoffCeiling:  cfg.Fetch.BackoffCeiling,
		CacheTTL:        cfg.Fetch.CacheTTL,
		CacheSize:       cfg.Fetch.CacheSize,
		RPS:             cfg.Fetch.RPS,
		UserAgent:       cfg.Fetch.UserAgent,
		BaselineHeaders: cfg.Fetch.BaselineHeaders,
	}, logging.Named(logger, "fetch"))

	res := resolver.New(resolver.Config{
		Threshold:  cfg.Resolver.Threshold,
		MaxResults: cfg.Resolver.MaxResults,
		MemoSize:   cfg.Resolver.MemoSize,
	})

	sched, err := scheduler.New(scheduler.Config{
		Workers:         cfg.Scheduler.Workers,
		BatchSize:       cfg.Scheduler.BatchSize,
		PageConcurrency: cfg.Scheduler.PageConcurrency,
		PageBudget:      cfg.Scheduler.PageBudget,
		TargetTimeout:   cfg.Scheduler.TargetTimeout,
		Freshness:       cfg.Cache.Freshness,
		RetainFor:       cfg.Cache.RetainFor,
		RefreshInterval: cfg.Scheduler.RefreshInterval,
		SweepInterval:   cfg.Scheduler.SweepInterval,
	}, scheduler.Deps{
		Fetcher:   fetcher,
		Extractor: extract.NewForum(),
		Store:     store,
		Source:    ros,
		Logger:    logging.Named(logger, "scheduler"),
	})
	if err != nil {
		closeErr := errors.Join(ros.Close(), store.Close())
		return nil, errors.Join(fmt.Errorf("init scheduler: %w", err), closeErr)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		roster:    ros,
		store:     store,
		fetcher:   fetcher,
		resolver:  res,
		scheduler: sched,
	}

	apiServer := api.NewServer(store, sched, ros, res, logging.Named(logger, "api"), a.ready.Load)
	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

// Scheduler exposes the scheduler for the binary's startup sequence.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Run starts the scheduler loops and the HTTP server, performs the
// startup scrape, and blocks until the context is canceled. The readiness
// endpoint flips once the startup priority phase has completed.
func (a *App) Run(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.cfg.Server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		if err := a.scheduler.InitializeFromSource(ctx, 0); err != nil {
			a.logger.Error("startup scrape failed", zap.Error(err))
			return
		}
		a.ready.Store(true)
		a.logger.Info("startup scrape complete, serving traffic")
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.scheduler.Stop()
	return nil
}

// Close tears down the remaining services and flushes the logger.
func (a *App) Close() {
	if err := a.roster.Close(); err != nil {
		a.logger.Warn("close roster", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close cache store", zap.Error(err))
	}
	if err := a.logger.Sync(); err != nil {
		// Syncing stdout sinks fails on some platforms; nothing to do.
		_ = err
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"shotmatch/internal/browser"
	"shotmatch/internal/capture"
	"shotmatch/internal/compare"
	"shotmatch/internal/config"
	"shotmatch/internal/history"
	"shotmatch/internal/logging"
	"shotmatch/internal/matcher"
	"shotmatch/internal/metrics"
	"shotmatch/internal/paths"
	"shotmatch/internal/reconcile"

	"go.uber.org/zap"
)

// backend captures pages once their URLs are registered.
type backend interface {
	capture.Capturer
	SetURL(target paths.Target, url string)
	Close() error
}

// openBackend starts the capture backend. Tests replace it.
var openBackend = openBrowserBackend

// newDiffer builds the comparison mechanism. Tests replace it.
var newDiffer = func(cfg *config.Config, logger *zap.Logger) compare.Differ {
	return compare.NewProcess(cfg.DifferSettings(), logger)
}

type browserBackend struct {
	*capture.Browser
	manager *browser.Manager
	source  *browser.URLSource
}

func openBrowserBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, error) {
	manager := browser.NewManager(cfg.BrowserSettings(), logging.For(logger, logging.CategoryBrowser))
	if err := manager.Start(ctx); err != nil {
		return nil, capture.Wrap(paths.Target{}, fmt.Errorf("start browser: %w", err))
	}
	source := browser.NewURLSource(manager, cfg.Browser.Viewports)
	return &browserBackend{
		Browser: capture.NewBrowser(source, cfg.TempDir, cfg.Browser.FullPage, logging.For(logger, logging.CategoryCapture)),
		manager: manager,
		source:  source,
	}, nil
}

func (b *browserBackend) SetURL(target paths.Target, url string) { b.source.Set(target, url) }

func (b *browserBackend) Close() error { return b.manager.Shutdown(context.Background()) }

// app is one configured pipeline with its supporting stores.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	backend backend
	matcher *matcher.Matcher
	history *history.Store
	metrics *metrics.Collector
}

// newApp builds the pipeline for cfg. A nil collector gets a fresh one.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) (*app, error) {
	if collector == nil {
		collector = metrics.New()
	}
	a := &app{cfg: cfg, logger: logger, metrics: collector}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.HistoryPath(), logging.For(logger, logging.CategoryHistory))
		if err != nil {
			return nil, err
		}
		a.history = store
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.backend = b

	mc := matcher.Config{
		Resolver:   cfg.Resolver(),
		Capturer:   b,
		Comparator: compare.NewComparator(newDiffer(cfg, logging.For(logger, logging.CategoryCompare)), logging.For(logger, logging.CategoryCompare)),
		Reconciler: reconcile.New(cfg.Mode(), logging.For(logger, logging.CategoryReconcile)),
		Defaults:   matcher.Options{Threshold: cfg.Threshold, ThresholdType: cfg.ThresholdType},
		Logger:     logging.For(logger, logging.CategoryPipeline),
		Observer:   a.metrics,
	}
	if a.history != nil {
		mc.Recorder = a.history
	}
	a.matcher, err = matcher.New(mc)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the backend and the history store.
func (a *app) Close() error {
	var errs []error
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	return errors.Join(errs...)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// commandContext is signalContext bounded by --timeout.
func commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signalContext(parent)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}

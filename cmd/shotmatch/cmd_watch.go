package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"slices"
	"time"

	"shotmatch/internal/logging"
	"shotmatch/internal/suite"
	"shotmatch/internal/watch"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchDebounce time.Duration
	watchNoServe  bool
)

// watchCmd re-runs a suite whenever the suite or config file changes.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-run a suite whenever its file changes",
	Long: `Runs the suite once, then again every time the suite file or the config
file is saved. Saving the config file rebuilds the pipeline with the new
settings first; an invalid config keeps the previous ones. The registration,
logging and metrics sections apply from startup only.

Prometheus metrics are served on metrics.listen_address under /metrics
until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watch.DefaultDebounce, "Quiet period before re-running")
	watchCmd.Flags().BoolVar(&watchNoServe, "no-metrics", false, "Do not serve /metrics")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if _, err := suite.Load(suitePath); err != nil {
		return err
	}

	// Watching runs until interrupted; --timeout does not apply.
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	log := logging.For(logger, logging.CategoryWatch)
	s, err := newWatchSession(ctx, cmd.OutOrStdout(), log)
	if err != nil {
		return err
	}
	defer s.Close()

	if !watchNoServe && cfg.Metrics.ListenAddress != "" {
		stop, err := serveMetrics(ctx, cfg.Metrics.ListenAddress, s.app.metrics.Handler(), log)
		if err != nil {
			return err
		}
		defer stop()
	}

	w, err := watch.New([]string{suitePath, configPath}, s.Trigger, watch.Options{
		Debounce: watchDebounce,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	s.Trigger(ctx, nil)
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	log.Info("Watching for changes", zap.String("suite", suitePath))
	<-w.Done()
	return nil
}

// watchSession holds the app a watch runs with and rebuilds it when the
// config file changes. Triggers never overlap.
type watchSession struct {
	app        *app
	configFile string
	out        io.Writer
	log        *zap.Logger
}

func newWatchSession(ctx context.Context, out io.Writer, log *zap.Logger) (*watchSession, error) {
	configFile, err := filepath.Abs(configPath)
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	return &watchSession{app: a, configFile: configFile, out: out, log: log}, nil
}

// Trigger reloads the config when it is among changed, then runs the suite.
func (s *watchSession) Trigger(ctx context.Context, changed []string) {
	if slices.Contains(changed, s.configFile) {
		s.reload(ctx)
	}
	s.app.rerun(ctx, s.out, s.log)
}

// reload swaps in an app built from the config file. The registration and
// the metrics collector carry over.
func (s *watchSession) reload(ctx context.Context) {
	next, err := loadConfig()
	if err != nil {
		s.log.Error("Config is invalid, keeping previous settings", zap.Error(err))
		return
	}
	next.Registration = s.app.cfg.Registration

	a, err := newApp(ctx, next, s.app.logger, s.app.metrics)
	if err != nil {
		s.log.Error("Rebuilding pipeline failed, keeping previous settings", zap.Error(err))
		return
	}
	if err := s.app.Close(); err != nil {
		s.log.Warn("Closing previous pipeline failed", zap.Error(err))
	}
	s.app = a
	s.log.Info("Configuration reloaded",
		zap.String("config", s.configFile),
		zap.Bool("update_baselines", next.UpdateBaselines),
		zap.Float64("threshold", next.Threshold),
		zap.Int("parallelism", next.Parallelism))
}

// Close releases the current app.
func (s *watchSession) Close() error { return s.app.Close() }

// rerun reloads the suite and runs it. Errors are logged; watching goes on.
func (a *app) rerun(ctx context.Context, out io.Writer, log *zap.Logger) {
	s, err := suite.Load(suitePath)
	if err != nil {
		log.Error("Suite is invalid, skipping run", zap.Error(err))
		return
	}
	sum, err := a.runSuite(ctx, s.Filter(suitePages...), out)
	if err != nil {
		log.Error("Run failed", zap.Error(err))
		return
	}
	log.Info("Run finished",
		zap.Int("passed", sum.Passed),
		zap.Int("failed", sum.Failed),
		zap.Int("errored", sum.Errored))
}

// serveMetrics serves handler on addr under /metrics until ctx is done or
// stop is called.
func serveMetrics(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()
	log.Info("Serving metrics", zap.String("addr", ln.Addr().String()))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-done
	}, nil
}

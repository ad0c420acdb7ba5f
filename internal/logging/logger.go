// Package logging builds the zap loggers used across shotmatch. Each
// subsystem logs through a named child of the root logger so output can be
// filtered by category.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a subsystem's child logger.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, configuration
	CategoryPipeline  Category = "pipeline"  // Capture → compare → reconcile runs
	CategoryBrowser   Category = "browser"   // Chrome lifecycle and page loading
	CategoryCapture   Category = "capture"   // Screenshot capture
	CategoryCompare   Category = "compare"   // Diff tool invocation
	CategoryReconcile Category = "reconcile" // Baseline promotion
	CategoryHistory   Category = "history"   // Run ledger
	CategoryWatch     Category = "watch"     // Suite file watching
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level   string // debug, info, warn, error
	Format  string // json, console
	Verbose bool   // forces debug level
}

// New builds the root logger.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	var cfg zap.Config
	switch strings.ToLower(opts.Format) {
	case "", "console", "text":
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(raw string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

// For returns the child logger of a category. A nil root yields a no-op
// logger.
func For(root *zap.Logger, category Category) *zap.Logger {
	if root == nil {
		return zap.NewNop()
	}
	return root.Named(string(category))
}

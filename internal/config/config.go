// Package config loads shotmatch configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"shotmatch/internal/browser"
	"shotmatch/internal/compare"
	"shotmatch/internal/logging"
	"shotmatch/internal/paths"
	"shotmatch/internal/reconcile"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "shotmatch.yaml"

// DefaultCommandName is the name the match command is registered under.
const DefaultCommandName = "matchScreenshot"

// Config holds all shotmatch configuration.
type Config struct {
	Registration Registration `yaml:"registration"`

	// ScreenshotFolder is the folder, below the root, holding all images.
	ScreenshotFolder string `yaml:"screenshot_folder"`

	// UpdateBaselines promotes every candidate regardless of verdict.
	UpdateBaselines bool `yaml:"update_baselines"`

	// Default comparison options, overridable per invocation.
	Threshold     float64 `yaml:"threshold"`
	ThresholdType string  `yaml:"threshold_type"`

	// TempDir receives raw captures before relocation.
	TempDir string `yaml:"temp_dir"`

	// Parallelism bounds concurrently processed targets in a batch.
	Parallelism int `yaml:"parallelism"`

	Browser BrowserConfig `yaml:"browser"`
	Differ  DifferConfig  `yaml:"differ"`
	History HistoryConfig `yaml:"history"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// Registration is set once at startup and never changes afterwards.
type Registration struct {
	CommandName string `yaml:"command_name"`
	RootFolder  string `yaml:"root_folder"`
}

// Register builds a registration, applying the defaults for empty values.
func Register(commandName, rootFolder string) Registration {
	if commandName == "" {
		commandName = DefaultCommandName
	}
	return Registration{CommandName: commandName, RootFolder: rootFolder}
}

// BrowserConfig configures Chrome.
type BrowserConfig struct {
	DebuggerURL       string                      `yaml:"debugger_url"`
	Launch            []string                    `yaml:"launch"`
	Headless          bool                        `yaml:"headless"`
	NavigationTimeout string                      `yaml:"navigation_timeout"`
	Settle            string                      `yaml:"settle"`
	FullPage          bool                        `yaml:"full_page"`
	Viewports         map[string]browser.Viewport `yaml:"viewports"`
}

// DifferConfig configures the external diff tool.
type DifferConfig struct {
	Binary         string   `yaml:"binary"`
	Args           []string `yaml:"args"`
	Timeout        string   `yaml:"timeout"`
	ResultTag      string   `yaml:"result_tag"`
	LegacyYay      bool     `yaml:"legacy_yay"`
	MaxOutputBytes int64    `yaml:"max_output_bytes"`
}

// HistoryConfig configures the run ledger.
type HistoryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// MetricsConfig configures the Prometheus endpoint served in watch mode.
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultViewports are the device presets available out of the box.
func DefaultViewports() map[string]browser.Viewport {
	return map[string]browser.Viewport{
		"desktop": {Width: 1920, Height: 1080},
		"laptop":  {Width: 1366, Height: 768},
		"tablet":  {Width: 768, Height: 1024, Mobile: true},
		"mobile":  {Width: 375, Height: 667, Mobile: true},
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	bd := browser.DefaultConfig()
	return &Config{
		Registration:     Register("", ""),
		ScreenshotFolder: paths.DefaultFolder,
		Threshold:        compare.DefaultThreshold,
		TempDir:          filepath.Join(os.TempDir(), "shotmatch"),
		Parallelism:      4,

		Browser: BrowserConfig{
			Headless:          bd.Headless,
			NavigationTimeout: bd.NavigationTimeout.String(),
			Settle:            bd.Settle.String(),
			Viewports:         DefaultViewports(),
		},

		Differ: DifferConfig{
			Binary:         compare.DefaultBinary,
			Timeout:        "60s",
			ResultTag:      compare.DefaultResultTag,
			MaxOutputBytes: 1 << 20,
		},

		History: HistoryConfig{
			Enabled:      true,
			DatabasePath: ".shotmatch/history.db",
		},

		Metrics: MetricsConfig{
			ListenAddress: "127.0.0.1:9464",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.Registration = Register(cfg.Registration.CommandName, cfg.Registration.RootFolder)
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// The host runner's flag name is honored as an alias.
	for _, key := range []string{"CYPRESS_UPDATE_SCREENSHOTS", "SHOTMATCH_UPDATE_BASELINES"} {
		if v, ok := envBool(key); ok {
			c.UpdateBaselines = v
		}
	}
	if root := os.Getenv("SHOTMATCH_ROOT"); root != "" {
		c.Registration.RootFolder = root
	}
	if bin := os.Getenv("SHOTMATCH_DIFF_BINARY"); bin != "" {
		c.Differ.Binary = bin
	}
	if url := os.Getenv("SHOTMATCH_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
	}
	if path := os.Getenv("SHOTMATCH_HISTORY_DB"); path != "" {
		c.History.DatabasePath = path
	}
	if level := os.Getenv("SHOTMATCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func envBool(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ScreenshotFolder) == "" {
		return fmt.Errorf("screenshot_folder must not be empty")
	}
	if filepath.IsAbs(c.ScreenshotFolder) {
		return fmt.Errorf("screenshot_folder %q must be relative to root_folder", c.ScreenshotFolder)
	}
	if c.Threshold < 0 {
		return fmt.Errorf("threshold must not be negative, got %v", c.Threshold)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1, got %d", c.Parallelism)
	}
	if len(c.Browser.Viewports) == 0 {
		return fmt.Errorf("at least one viewport must be configured")
	}
	for _, name := range slices.Sorted(maps.Keys(c.Browser.Viewports)) {
		vp := c.Browser.Viewports[name]
		if vp.Width <= 0 || vp.Height <= 0 {
			return fmt.Errorf("viewport %q has invalid size %dx%d", name, vp.Width, vp.Height)
		}
	}
	for _, d := range []struct{ field, raw string }{
		{"browser.navigation_timeout", c.Browser.NavigationTimeout},
		{"browser.settle", c.Browser.Settle},
		{"differ.timeout", c.Differ.Timeout},
	} {
		if d.raw == "" {
			continue
		}
		if _, err := time.ParseDuration(d.raw); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.field, d.raw, err)
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %w", err)
	}
	return nil
}

// Resolver returns the path resolver for this configuration.
func (c *Config) Resolver() paths.Resolver {
	return paths.NewResolver(c.Registration.RootFolder, c.ScreenshotFolder)
}

// Mode returns the reconciliation mode for this configuration.
func (c *Config) Mode() reconcile.Mode {
	return reconcile.Mode{UpdateBaselines: c.UpdateBaselines}
}

// BrowserSettings converts the browser section for the browser package.
func (c *Config) BrowserSettings() browser.Config {
	return browser.Config{
		DebuggerURL:       c.Browser.DebuggerURL,
		Launch:            c.Browser.Launch,
		Headless:          c.Browser.Headless,
		NavigationTimeout: parseDuration(c.Browser.NavigationTimeout, browser.DefaultConfig().NavigationTimeout),
		Settle:            parseDuration(c.Browser.Settle, 0),
	}
}

// DifferSettings converts the differ section for the compare package.
func (c *Config) DifferSettings() compare.ProcessConfig {
	return compare.ProcessConfig{
		Binary:         c.Differ.Binary,
		Args:           c.Differ.Args,
		Timeout:        parseDuration(c.Differ.Timeout, time.Minute),
		ResultTag:      c.Differ.ResultTag,
		LegacyYay:      c.Differ.LegacyYay,
		MaxOutputBytes: c.Differ.MaxOutputBytes,
	}
}

// HistoryPath returns the history database path, relative paths resolved
// against the root folder.
func (c *Config) HistoryPath() string {
	p := c.History.DatabasePath
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Registration.RootFolder, p)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

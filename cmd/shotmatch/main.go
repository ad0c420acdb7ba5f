// Command shotmatch captures pages, compares them against stored baselines
// and reconciles the images by verdict.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"shotmatch/internal/config"
	"shotmatch/internal/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath string
	rootFolder string
	update     bool
	verbose    bool
	timeout    time.Duration

	// Set by PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "shotmatch",
	Short: "Visual regression checks against stored baseline screenshots",
	Long: `shotmatch captures a screenshot of a page, compares it with the baseline
stored for its (domain, viewport, page) target and reconciles the images:

  no baseline        the capture becomes the baseline
  match              the capture replaces the baseline, stale diffs are removed
  mismatch           the capture and diff are kept for inspection (check fails)
  mismatch --update  the capture becomes the new baseline

Images live under <root>/<screenshot_folder>/{,new/,diff/}<domain>/<viewport>/<page>.png`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig()
		if err != nil {
			return err
		}

		l, err := logging.New(logging.Options{
			Level:   loaded.Logging.Level,
			Format:  loaded.Logging.Format,
			Verbose: verbose,
		})
		if err != nil {
			return err
		}
		cfg, logger = loaded, l
		logging.For(logger, logging.CategoryBoot).Debug("Configuration loaded",
			zap.String("config", configPath),
			zap.String("root", cfg.Registration.RootFolder),
			zap.String("folder", cfg.ScreenshotFolder),
			zap.Bool("update_baselines", cfg.UpdateBaselines))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file")
	rootCmd.PersistentFlags().StringVarP(&rootFolder, "root", "r", "", "Root folder the screenshot folder is resolved against (default: config or current directory)")
	rootCmd.PersistentFlags().BoolVarP(&update, "update", "u", false, "Promote every capture to baseline, even on mismatch")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Operation timeout")

	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(pathsCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads configPath and applies the --root and --update overrides.
func loadConfig() (*config.Config, error) {
	loaded, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if rootFolder != "" {
		loaded.Registration = config.Register(loaded.Registration.CommandName, rootFolder)
	}
	if update {
		loaded.UpdateBaselines = true
	}
	if err := loaded.Validate(); err != nil {
		return nil, err
	}
	return loaded, nil
}

// registerCommandName aliases the match command to the configured
// registration name. Aliases must exist before cobra resolves the command,
// so the config file is located in args ahead of the full parse. Load errors
// are left for PersistentPreRunE to report.
func registerCommandName(args []string) {
	fs := pflag.NewFlagSet("shotmatch", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	path := fs.StringP("config", "c", config.DefaultPath, "")
	fs.BoolP("help", "h", false, "")
	_ = fs.Parse(args)

	loaded, err := config.Load(*path)
	if err != nil {
		return
	}
	name := loaded.Registration.CommandName
	if name == "" || name == matchCmd.Name() {
		return
	}
	matchCmd.Aliases = []string{name}
}

func main() {
	registerCommandName(os.Args[1:])
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

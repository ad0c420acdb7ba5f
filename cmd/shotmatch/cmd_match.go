package main

import (
	"fmt"

	"shotmatch/internal/config"
	"shotmatch/internal/matcher"
	"shotmatch/internal/paths"
	"shotmatch/internal/report"

	"github.com/spf13/cobra"
)

var (
	matchURL           string
	matchThreshold     float64
	matchThresholdType string
)

// matchCmd checks a single target. It is also registered under the host
// command name.
var matchCmd = &cobra.Command{
	Use:     "match <name> <domain> <page> <viewport>",
	Aliases: []string{config.DefaultCommandName},
	Short:   "Capture one page and check it against its baseline",
	Long: `Captures the page at --url in the given viewport, compares it with the
baseline stored for (domain, viewport, page) and reconciles the images.

Exits non-zero when the check fails or the pipeline aborts. A mismatch
leaves the capture under new/ and the diff under diff/ for inspection.

Example:
  shotmatch match "Landing" shop home desktop --url https://shop.example.com/`,
	Args: cobra.ExactArgs(4),
	RunE: runMatch,
}

func init() {
	matchCmd.Flags().StringVar(&matchURL, "url", "", "URL of the page to capture (required)")
	matchCmd.Flags().Float64Var(&matchThreshold, "threshold", 0, "Allowed difference (default: config threshold)")
	matchCmd.Flags().StringVar(&matchThresholdType, "threshold-type", "", "Threshold unit passed to the diff tool")
	_ = matchCmd.MarkFlagRequired("url")
}

func runMatch(cmd *cobra.Command, args []string) error {
	req := matcher.Request{
		Name:    args[0],
		Target:  paths.Target{Domain: args[1], Page: args[2], Viewport: args[3]},
		Options: matcher.Options{Threshold: matchThreshold, ThresholdType: matchThresholdType},
	}
	if err := req.Target.Validate(); err != nil {
		return fmt.Errorf("%w: %w", matcher.ErrInvalidTarget, err)
	}

	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	a.backend.SetURL(req.Target, matchURL)
	res, err := a.matcher.Match(ctx, req)
	if err != nil {
		return err
	}

	if err := report.New(cfg.Registration.RootFolder).Results(cmd.OutOrStdout(), []matcher.Result{res}); err != nil {
		return err
	}
	return res.Check()
}

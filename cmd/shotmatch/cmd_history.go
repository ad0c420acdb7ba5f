package main

import (
	"fmt"
	"time"

	"shotmatch/internal/history"
	"shotmatch/internal/logging"
	"shotmatch/internal/report"

	"github.com/spf13/cobra"
)

var (
	historyQuery history.Query
	historyFail  bool
	historySince time.Duration
	historyPrune time.Duration
)

// historyCmd lists recorded runs.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded runs",
	Long: `Lists recorded runs from the history database, newest first.

Examples:
  shotmatch history --domain shop --failed
  shotmatch history --since 24h
  shotmatch history --prune 720h   # delete runs older than 30 days`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyQuery.Domain, "domain", "", "Only this domain")
	historyCmd.Flags().StringVar(&historyQuery.Viewport, "viewport", "", "Only this viewport")
	historyCmd.Flags().StringVar(&historyQuery.Page, "page", "", "Only this page")
	historyCmd.Flags().IntVarP(&historyQuery.Limit, "limit", "n", history.DefaultLimit, "Maximum entries")
	historyCmd.Flags().BoolVar(&historyFail, "failed", false, "Only failed checks")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "Only runs started within this duration")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "Delete runs older than this duration instead of listing")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if !cfg.History.Enabled {
		return fmt.Errorf("history is disabled in %s", configPath)
	}
	store, err := history.Open(cfg.HistoryPath(), logging.For(logger, logging.CategoryHistory))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	if historyPrune > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-historyPrune))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d runs\n", n)
		return nil
	}

	q := historyQuery
	if historyFail {
		q.Status = history.StatusFailed
	}
	if historySince > 0 {
		q.Since = time.Now().Add(-historySince)
	}
	entries, err := store.List(ctx, q)
	if err != nil {
		return err
	}
	return report.New(cfg.Registration.RootFolder).History(cmd.OutOrStdout(), entries)
}

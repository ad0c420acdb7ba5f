package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"shotmatch/internal/matcher"
	"shotmatch/internal/report"
	"shotmatch/internal/suite"

	"github.com/spf13/cobra"
)

var (
	suitePath  string
	suitePages []string
)

// runCmd checks every page of a suite file.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Check every page of a suite",
	Long: `Loads a suite file, checks each page in each of its viewports with up to
'parallelism' targets at once and prints a summary.

Exits non-zero when any check fails or aborts.`,
	Args: cobra.NoArgs,
	RunE: runSuite,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, watchCmd} {
		c.Flags().StringVarP(&suitePath, "suite", "s", "shotmatch.suite.yaml", "Suite file")
		c.Flags().StringSliceVarP(&suitePages, "page", "p", nil, "Only check these page ids")
	}
}

func runSuite(cmd *cobra.Command, args []string) error {
	s, err := suite.Load(suitePath)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := a.runSuite(ctx, s.Filter(suitePages...), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if !sum.OK() {
		return fmt.Errorf("%d of %d checks failed, %d aborted", sum.Failed, sum.Total, sum.Errored)
	}
	return nil
}

// runSuite checks every job of s and writes the report to w. Pipeline
// failures are reported, not returned.
func (a *app) runSuite(ctx context.Context, s *suite.Suite, w io.Writer) (matcher.Summary, error) {
	jobs := s.Jobs()
	reqs := make([]matcher.Request, len(jobs))
	for i, j := range jobs {
		a.backend.SetURL(j.Request.Target, j.URL)
		reqs[i] = j.Request
	}

	results, err := a.matcher.RunAll(ctx, reqs, a.cfg.Parallelism)
	if errors.Is(err, matcher.ErrDuplicateTarget) {
		return matcher.Summary{}, err
	}
	if err := report.New(a.cfg.Registration.RootFolder).Results(w, results); err != nil {
		return matcher.Summary{}, err
	}
	return matcher.Summarize(results), nil
}

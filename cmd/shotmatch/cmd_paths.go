package main

import (
	"fmt"

	"shotmatch/internal/paths"

	"github.com/spf13/cobra"
)

// pathsCmd prints where a target's images live.
var pathsCmd = &cobra.Command{
	Use:   "paths <domain> <page> <viewport>",
	Short: "Print the baseline, candidate and diff paths of a target",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := paths.Target{Domain: args[0], Page: args[1], Viewport: args[2]}
		if err := target.Validate(); err != nil {
			return err
		}
		r := cfg.Resolver()
		for _, kind := range []paths.Kind{paths.Baseline, paths.Candidate, paths.Diff} {
			fmt.Fprintf(cmd.OutOrStdout(), "%-9s %s\n", kind, r.Resolve(target, kind))
		}
		return nil
	},
}

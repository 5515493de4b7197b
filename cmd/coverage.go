package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"pipegate/runner"
)

func newCoverageCmd() *cobra.Command {
	var threshold float64
	var format string
	cmd := &cobra.Command{
		Use:   "coverage <report>",
		Short: "Fail when a coverage report is under the threshold",
		Example: `  pipegate coverage coverage.xml --min 80
  pipegate coverage cover.out --format gocover`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := runner.ReadCoverage(args[0], format)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total coverage %.2f%% (%d/%d lines, minimum %.2f%%)\n",
				rep.Percent, rep.Covered, rep.Total, threshold)
			return runner.CheckCoverage(rep, threshold)
		},
	}
	cmd.Flags().Float64Var(&threshold, "min", runner.DefaultCoverageThreshold, "Minimum total coverage in percent")
	cmd.Flags().StringVar(&format, "format", "", "Report format (cobertura, gocover); inferred from the extension when empty")
	return cmd
}

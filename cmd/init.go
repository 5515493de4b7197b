package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"pipegate/runner"
)

func newInitCmd() *cobra.Command {
	var dir string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default CI workflow to .pipegate/ci.yml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(dir, runner.DefaultWorkflowFile)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "Workflow already exists: %s\n", path)
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return errors.Wrap(err, "creating workflow directory")
			}
			if err := os.WriteFile(path, runner.DefaultWorkflowYAML(), 0o644); err != nil {
				return errors.Wrap(err, "writing workflow")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Created %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "Project directory")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing workflow")
	return cmd
}

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"pipegate/runner"
)

// errNotTriggered makes `check` exit non-zero without printing an error.
var errNotTriggered = errors.New("workflow not triggered")

func newCheckCmd() *cobra.Command {
	var event, branch string
	cmd := &cobra.Command{
		Use:   "check [workflow]",
		Short: "Validate a workflow and report whether an event triggers it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(".", runner.DefaultWorkflowFile)
			if len(args) == 1 {
				path = args[0]
			}

			wf, err := runner.LoadWorkflow(path)
			if err != nil {
				return err
			}
			ev, err := runner.ParseEvent(event, branch, "")
			if err != nil {
				return err
			}
			plan, err := wf.Plan()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !wf.Triggers(ev) {
				fmt.Fprintf(out, "⏭️  %s to %s does not trigger %q\n", ev.Kind, ev.Branch, wf.Name)
				return errNotTriggered
			}
			fmt.Fprintf(out, "✅ %s to %s triggers %q\n", ev.Kind, ev.Branch, wf.Name)
			for _, job := range plan {
				fmt.Fprintf(out, "📦 %s\n", job.DisplayName())
				for i := range job.Steps {
					fmt.Fprintf(out, "   %d. [%s] %s\n", i+1, job.Steps[i].StageKind(), job.Steps[i].DisplayName())
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&event, "event", "push", "Event kind (push, pull_request)")
	cmd.Flags().StringVar(&branch, "branch", "main", "Pushed branch, or target branch of the pull request")
	return cmd
}

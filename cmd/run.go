package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"pipegate/runner"
	"pipegate/runner/storage"
)

type runOptions struct {
	event     string
	branch    string
	sha       string
	dir       string
	job       string
	force     bool
	keep      bool
	noHistory bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [workflow]",
		Short: "Run a workflow locally in an isolated workspace",
		Example: `  pipegate run --event pull_request --branch main
  pipegate run .pipegate/ci.yml --sha $(git rev-parse HEAD)`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, root, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.event, "event", "push", "Event kind (push, pull_request)")
	cmd.Flags().StringVar(&opts.branch, "branch", "main", "Pushed branch, or target branch of the pull request")
	cmd.Flags().StringVar(&opts.sha, "sha", "", "Commit to check out (default HEAD)")
	cmd.Flags().StringVar(&opts.dir, "dir", ".", "Project directory")
	cmd.Flags().StringVar(&opts.job, "job", "", "Run only this job")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Run even if the event does not trigger the workflow")
	cmd.Flags().BoolVar(&opts.keep, "keep-workspace", false, "Keep the workspace after the run")
	cmd.Flags().BoolVar(&opts.noHistory, "no-history", false, "Do not record the run in the database")
	return cmd
}

func runRun(cmd *cobra.Command, root *rootOptions, opts *runOptions, args []string) error {
	out := cmd.OutOrStdout()

	ev, err := runner.ParseEvent(opts.event, opts.branch, opts.sha)
	if err != nil {
		return err
	}

	dir, err := filepath.Abs(opts.dir)
	if err != nil {
		return errors.Wrap(err, "resolving project directory")
	}
	path := filepath.Join(dir, runner.DefaultWorkflowFile)
	if len(args) == 1 {
		path = args[0]
	}

	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	var store *storage.Storage
	if !opts.noHistory {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create data directory")
		}
		store, err = storage.NewStorage(cfg.DBPath())
		if err != nil {
			return err
		}
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := runner.RunWorkflowFile(ctx, path, runner.RunOptions{
		Event:         ev,
		Project:       filepath.Base(dir),
		Source:        dir,
		Storage:       store,
		Stream:        out,
		WorkspaceRoot: cfg.WorkspaceDir(),
		ArtifactRoot:  cfg.ArtifactDir(),
		KeepWorkspace: cfg.KeepWorkspaces || opts.keep,
		Shell:         cfg.Shell,
		JobFilter:     opts.job,
		Force:         opts.force,
	})
	if result == nil {
		return err
	}

	if !result.Triggered {
		fmt.Fprintf(out, "⏭️  %s to %s does not trigger this workflow\n", ev.Kind, ev.Branch)
		return nil
	}

	fmt.Fprintf(out, "\n📊 Run ID: %d | Status: %s | Duration: %s\n", result.RunID, result.Status, result.Duration)
	for _, a := range result.Artifacts {
		fmt.Fprintf(out, "📎 %s\n", a)
	}
	if err != nil {
		if result.FailedStage != "" {
			fmt.Fprintf(out, "Failed stage: %s (%s)\n", result.FailedStage, result.FailedStep)
		}
		return err
	}
	return nil
}

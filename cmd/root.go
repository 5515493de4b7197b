package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pipegate/config"
	"pipegate/logx"
)

// Version is overridden at build time with -ldflags "-X pipegate/cmd.Version=...".
var Version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd builds the pipegate command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "pipegate",
		Short:         "Self-hosted CI gate",
		Long:          `pipegate runs declarative CI workflows for push and pull request events, stage by stage, and stops at the first failing stage.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultFile, "Config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(opts),
		newCheckCmd(),
		newServeCmd(opts),
		newInitCmd(),
		newCoverageCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI and prints the error, if any.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil && err != errNotTriggered {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

// loadConfig resolves config and sets up logging for commands that need it.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	logx.Init(cfg.LogLevel, nil)
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pipegate %s\n", Version)
		},
	}
}

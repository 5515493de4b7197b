package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pipegate/api"
	"pipegate/config"
	"pipegate/events"
	"pipegate/logx"
	"pipegate/runner"
	"pipegate/runner/storage"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the run dispatcher and the projects watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "Port to listen on (overrides config)")
	return cmd
}

// Serve runs the server until ctx is cancelled.
func Serve(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create data directory")
	}

	store, err := storage.NewStorage(cfg.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := runner.NewRegistry(cfg.ProjectsFile)
	if err != nil {
		return err
	}

	broker := events.GetBroker()
	dispatcher := runner.NewDispatcher(registry, store, broker, runner.DispatchOptions{
		MaxParallel:      cfg.MaxParallelRuns,
		CancelSuperseded: cfg.CancelSuperseded,
		WorkspaceRoot:    cfg.WorkspaceDir(),
		ArtifactRoot:     cfg.ArtifactDir(),
		KeepWorkspaces:   cfg.KeepWorkspaces,
		Shell:            cfg.Shell,
	})
	go dispatcher.Start()
	defer dispatcher.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(store, registry, dispatcher, broker),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// the server keeps running without live reload
		if err := registry.Watch(gctx); err != nil {
			logx.Warn("⚠️  projects watcher stopped", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		logx.Info("🚀 starting pipegate server", "port", cfg.Port, "projects", len(registry.Projects()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logx.Info("🛑 shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

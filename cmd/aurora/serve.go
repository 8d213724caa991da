package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yyd/aurora/config"
	"github.com/yyd/aurora/pkg/logger"
	"github.com/yyd/aurora/pkg/tracing"
	"github.com/yyd/aurora/pkg/version"
)

type serveOptions struct {
	port    int
	storage string
	watch   bool
}

func newServeCmd(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the event consumers and the learning loop",
		Example: `  aurora serve
  aurora serve --config config.yaml --port 9090
  aurora serve --storage sqlite --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			extra := make(map[string]interface{})
			if opts.port != 0 {
				extra["server.port"] = opts.port
			}
			if opts.storage != "" {
				extra["storage.type"] = opts.storage
			}
			cfg, loader, log, err := global.load(extra)
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			var watchPath string
			if opts.watch {
				watchPath = global.configPath
			}
			return serve(ctx, cfg, loader, watchPath, log)
		},
	}
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Override the HTTP port")
	cmd.Flags().StringVar(&opts.storage, "storage", "", "Override the storage backend (memory, badger, sqlite)")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "Reload hot-reloadable settings when the config file changes")
	return cmd
}

// serve runs until ctx is cancelled or the HTTP server fails, then shuts
// everything down within the configured shutdown timeout.
func serve(ctx context.Context, cfg *config.Config, loader *config.Loader, watchPath string, log *logger.Logger) error {
	log.Info("starting aurora",
		"version", version.Version,
		"commit", version.GitCommit,
		"environment", cfg.App.Environment,
	)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version, tracing.WithLogger(log.Logger))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return err
	}
	serverErr, err := a.start(ctx)
	if err != nil {
		a.stop(context.Background())
		return err
	}

	if watchPath != "" {
		watcher, err := config.NewWatcher(watchPath, loader, config.WithWatcherLogger(log.Logger))
		if err != nil {
			log.Warn("config watcher unavailable", "error", err)
		} else {
			watcher.OnChange(a.applyConfig)
			go func() {
				if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
					log.Warn("config watcher stopped", "error", err)
				}
			}()
			defer watcher.Stop()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case runErr = <-serverErr:
		if runErr != nil {
			log.Error("http server failed", "error", runErr)
		}
	}

	timeout := cfg.Server.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.stop(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", "error", err)
	}
	log.Info("aurora stopped")
	return runErr
}

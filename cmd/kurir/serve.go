package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/kurir"
	"github.com/ambiyansyah-risyal/kurir/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the fetch pipeline over HTTP",
		Long: `Serve runs the pipeline behind an HTTP API:

  POST   /v1/fetch            submit an identifier
  GET    /v1/policy           list policy routes
  GET    /v1/policy/resolve   explain how an identifier resolves
  DELETE /v1/cache            invalidate a cached identifier
  GET    /healthz             liveness and component state
  GET    /metrics             Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().StringP("addr", "a", "", "Listen address, overrides server.addr")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := kurir.NewProductionLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := kurir.NewMetricsCollector()
	trie := cfg.PolicyTrie()
	if cfg.Policy.File != "" {
		if cfg.Policy.Watch {
			watcher, err := kurir.WatchPolicy(cfg.Policy.File, trie, kurir.PolicyWatcherConfig{
				Logger:  logger,
				Metrics: metrics,
			})
			if err != nil {
				return err
			}
			defer func() { _ = watcher.Close() }()
		} else if err := loadPolicy(cfg, trie); err != nil {
			return err
		}
	} else {
		logger.Warn("No policy file configured", "default_action", cfg.Policy.DefaultAction)
	}

	opts, err := cfg.PipelineOptions(ctx)
	if err != nil {
		return err
	}
	p, err := kurir.NewPipeline(append(opts,
		kurir.WithPolicyTrie(trie),
		kurir.WithLogger(logger),
		kurir.WithMetricsCollector(metrics),
	)...)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	srv := server.New(p, server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exiting")
	return nil
}

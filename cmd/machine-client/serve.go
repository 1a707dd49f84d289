package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/goblinsan/multi-agent-machine-client/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured personas until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := initLogger(cfg.Log)
			defer func() { _ = logger.Sync() }()

			logger.Info("starting machine client",
				zap.String("version", Version),
				zap.String("build_time", BuildTime),
				zap.String("git_commit", GitCommit),
				zap.Strings("personas", cfg.Persona.Names),
				zap.String("transport", cfg.Transport.Type),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			return serve(ctx, a)
		},
	}
}

// serve runs the consumer and the operational HTTP endpoint until ctx is
// done or either fails, then releases a.
func serve(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.MetricsPort > 0 {
		handler := server.Chain(server.Handler(a.registry, a.health),
			server.Recovery(logger),
			server.RequestLogger(logger),
			server.SecurityHeaders(),
		)
		srv := server.NewManager(handler, server.ConfigFrom(cfg.Server), logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		if err := a.consumer.Start(gctx); err != nil {
			if len(a.consumer.Running()) == 0 {
				return err
			}
			logger.Warn("some persona loops failed to start",
				zap.Strings("running", a.consumer.Running()),
				zap.Error(err),
			)
		}
		logger.Info("machine client ready", zap.Strings("workflows", a.engine.Workflows()))
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	closeErr := a.close(shutdownCtx)
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		logger.Warn("shutdown finished with errors", zap.Error(closeErr))
	}
	logger.Info("machine client stopped")
	return nil
}

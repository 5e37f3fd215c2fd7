package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/befree-health/scheduling-api/pkg/config"
	"github.com/befree-health/scheduling-api/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep of current sessions and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logr, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logr.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, cfg, logr)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.reconciler.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Printf("scanned=%d consistent=%d repaired=%d orphaned=%d failed=%d\n",
				report.Scanned, report.Consistent, report.Repaired, report.Orphaned, report.Failed)
			return nil
		},
	}
}

func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logr, nil
}

func runServer() error {
	cfg, logr, err := loadRuntime()
	if err != nil {
		log.Println(err)
		return err
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, cfg, logr)
	if err != nil {
		logr.Error("bootstrap failed", zap.Error(err))
		return err
	}
	defer a.close()

	if cfg.Reconciliation.Enabled {
		if err := a.reconciler.Start(ctx); err != nil {
			return err
		}
		defer a.reconciler.Stop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(cfg, logr, a.metrics, a.tokens, a.handlers()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logr.Error("server failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	logr.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("server shutdown failed", zap.Error(err))
		return err
	}
	logr.Info("server stopped")
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"auth-session/internal/app"
	"auth-session/internal/db"
	"auth-session/internal/observability"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "authd",
		Short:         "Session and credential service",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server and the background sweeper",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Delete revoked and expired tokens once and print the counts",
			RunE: func(cmd *cobra.Command, args []string) error {
				return sweep(cmd.Context())
			},
		},
	)
	return root
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime, err := app.Build(ctx, app.Options{LoadDotEnv: true})
	if err != nil {
		return err
	}
	defer runtime.Close()

	logger := runtime.Logger
	go runtime.Sweeper.Run(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", runtime.Config.Port),
		Handler:           runtime.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_start", map[string]any{"addr": server.Addr})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", map[string]any{"error": err.Error()})
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info("server_shutdown", nil)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

func migrate(parent context.Context) error {
	_ = godotenv.Load()
	ctx := contextOrBackground(parent)
	logger := observability.NewLogger(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
	defer logger.Sync()

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return fmt.Errorf("missing required env: DATABASE_URL")
	}

	pool, err := db.Open(ctx, databaseURL, 2)
	if err != nil {
		logger.Error("open_database_failed", map[string]any{"error": err.Error()})
		return err
	}
	defer pool.Close()

	applied, err := db.RunMigrations(ctx, pool)
	if err != nil {
		logger.Error("migrations_failed", map[string]any{"error": err.Error()})
		return err
	}
	logger.Info("migrations_applied", map[string]any{"versions": applied, "count": len(applied)})
	return nil
}

func sweep(parent context.Context) error {
	ctx := contextOrBackground(parent)
	runtime, err := app.Build(ctx, app.Options{LoadDotEnv: true, SkipMigrations: true})
	if err != nil {
		return err
	}
	defer runtime.Close()

	result, err := runtime.Sweeper.SweepOnce(ctx)
	if err != nil {
		runtime.Logger.LogError("auth_sweep_failed", err, nil)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if encErr := encoder.Encode(result); encErr != nil {
		return encErr
	}
	return err
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

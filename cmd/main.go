package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/auroraai/profile-broker/internal/config"
	"github.com/auroraai/profile-broker/internal/container"
	"github.com/auroraai/profile-broker/internal/database"
	"github.com/joho/godotenv"
)

func main() {
	ctx := context.Background()

	if err := Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func Run(ctx context.Context) error {
	// Listen for interruptions for graceful shutdown support
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	// Missing .env is fine, the environment may be set directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return errors.Join(errors.New("loading configuration failed"), err)
	}

	var logHandler slog.Handler
	if cfg.Server.IsProduction() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	c, err := container.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := database.Migrate(ctx, c.Database); err != nil {
		return errors.Join(errors.New("migration failed"), err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      c.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("listening and serving", "addr", server.Addr)
		srvErr <- server.ListenAndServe()
	}()

	select {
	case err := <-srvErr:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}

		logger.Info("shutdown completed")
	}

	return nil
}

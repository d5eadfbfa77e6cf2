package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/strainwatch/internal/config"
	"github.com/ZanzyTHEbar/strainwatch/internal/database"
	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
	"github.com/ZanzyTHEbar/strainwatch/internal/monitoring"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Structured logging setup
	appLogger := monitoring.NewLoggerWithWriter(os.Stdout, monitoring.ParseLevel(cfg.LogLevel))
	slog.SetDefault(appLogger.Logger)
	appMetrics := monitoring.NewMetrics()

	if cfg.UsesDefaultSecret() {
		appLogger.Warn("JWT_SECRET is not set; tokens are signed with the built-in development secret")
	}

	db, err := database.NewDB(cfg.DBPath)
	if err != nil {
		appLogger.Error("Failed to initialize database", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer apperrors.SafeClose(db, "database")

	app := newServer(cfg, db, appMetrics, appLogger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	app.start(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.SystemLogger("server_start", "listening on :"+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.SystemLogger("server_shutdown", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}
	app.shutdown(shutdownCtx)
	stop()

	appLogger.SystemLogger("server_stopped", "bye")
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"

	"github.com/johnrirwin/samachar/internal/app"
	"github.com/johnrirwin/samachar/internal/config"
	"github.com/johnrirwin/samachar/internal/logging"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg)
	if err != nil {
		logging.New(logging.ParseLevel(cfg.Logging.Level)).Error("Failed to initialize", logging.WithField("error", err.Error()))
		os.Exit(1)
	}
	logger := application.Logger

	var g run.Group

	// Application: HTTP server, MCP stdio loop, or a single refresh.
	g.Add(func() error {
		return application.Run(ctx)
	}, func(error) {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		application.Shutdown(shutdownCtx)
	})

	// Signals
	stop := make(chan struct{})
	g.Add(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			logger.Info("Shutting down...", logging.WithField("signal", sig.String()))
		case <-stop:
		}
		return nil
	}, func(error) {
		close(stop)
	})

	if err := g.Run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server error", logging.WithField("error", err.Error()))
		os.Exit(1)
	}
}

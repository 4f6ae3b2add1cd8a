package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"trustledger/internal/platform/config"
	"trustledger/internal/platform/httpserver"
	"trustledger/internal/platform/logger"
)

var version = "dev"

// main loads config, builds the ledger and runs the HTTP server alongside the
// audit relay until a signal arrives. Business logic lives in internal services packages.
func main() {
	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("failed to build ledger", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	srv := httpserver.New(cfg.Server.Addr, app.Router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting trustledger", "addr", cfg.Server.Addr, "version", version, "backend", app.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if app.Relay != nil {
		g.Go(func() error {
			return app.Relay.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("ledger stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("ledger stopped")
}

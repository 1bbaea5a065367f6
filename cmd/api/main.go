// Package main implements the permit search API server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/constructiq/permit-search/engine/app"
	"github.com/constructiq/permit-search/engine/querylog"
	"github.com/constructiq/permit-search/pkg/config"
	"github.com/constructiq/permit-search/pkg/metrics"
	"github.com/constructiq/permit-search/pkg/mid"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
	}
	cfg, err := config.Load()
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewPermits(nil)
	srv := newServer(nil, nil, m, logger)

	// A failed startup still serves / and answers 503 elsewhere.
	a, err := app.New(ctx, cfg, m, logger)
	if err != nil {
		logger.Error("permit service failed to initialize", "err", err)
	} else {
		defer a.Close()
		srv.svc = a.Search()
		logger.Info("permit service initialized", "index", cfg.Qdrant.Index, "model", a.Embedder.Model())
	}
	if qlog, err := queryLogFor(a, cfg, logger); err != nil {
		logger.Error("query log disabled", "err", err)
	} else {
		srv.qlog = qlog
	}

	handler := mid.Chain(srv.routes(),
		mid.OTel("permit-search"),
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.Observe(m.HTTP),
		mid.CORS(mid.SplitOrigins(cfg.CORSOrigin)...),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// queryLogFor opens the query log through the app when it started, so
// entries are also published over NATS, and directly otherwise.
func queryLogFor(a *app.App, cfg config.Config, logger *slog.Logger) (queryLog, error) {
	if a != nil {
		return a.QueryLog()
	}
	return querylog.New(cfg.QueryLogPath, querylog.WithLogger(logger))
}

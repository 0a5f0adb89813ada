package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"exam-paper-orchestrator/internal/api"
	"exam-paper-orchestrator/internal/bootstrap"
	"exam-paper-orchestrator/internal/config"
	"exam-paper-orchestrator/internal/progress"
	"exam-paper-orchestrator/internal/ratelimit"
	workerproc "exam-paper-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("api startup failed", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	bus := progress.NewBus(cfg.Generation.ProgressBuffer, logger)
	limiter := ratelimit.NewTokenBucket(svc.Queue.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, api.Deps{
		Papers:    svc.Orchestrator,
		Quotas:    svc.Quota,
		Bank:      svc.Retriever,
		Materials: svc.Store,
		Limiter:   limiter,
		Events:    bus,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "port", cfg.HTTPPort, "embedded_worker", cfg.EmbeddedWorker)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// relayed events reach local stream subscribers through the bus
		return svc.Relay.Forward(gctx, bus, nil)
	})
	if cfg.EmbeddedWorker {
		if err := svc.RequeueUnfinished(ctx, logger); err != nil {
			logger.Warn("requeue unfinished jobs", "error", err)
		}
		hostname, _ := os.Hostname()
		processor := workerproc.NewProcessorWithID(cfg, svc.Queue, svc.Orchestrator, fmt.Sprintf("api-%s-%d", hostname, os.Getpid()), logger)
		g.Go(func() error {
			return processor.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("api stopped", "error", err)
		return
	}
	logger.Info("api stopped")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"exam-paper-orchestrator/internal/bootstrap"
	"exam-paper-orchestrator/internal/config"
	"exam-paper-orchestrator/internal/telemetry"
	workerproc "exam-paper-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("worker startup failed", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if err := svc.RequeueUnfinished(ctx, logger); err != nil {
		logger.Warn("requeue unfinished jobs", "error", err)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	processor := workerproc.NewProcessorWithID(cfg, svc.Queue, svc.Orchestrator, workerID, logger)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return metrics.Close()
	})
	g.Go(func() error {
		logger.Info("worker started", "worker_id", workerID, "visibility", cfg.VisibilityTimeout, "poll", cfg.WorkerPollInterval)
		return processor.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		return
	}
	logger.Info("worker stopped")
}

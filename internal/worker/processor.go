package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"exam-paper-orchestrator/internal/config"
	"exam-paper-orchestrator/internal/paper"
	"exam-paper-orchestrator/internal/queue"
	"exam-paper-orchestrator/internal/telemetry"
)

// Runner executes paper jobs. *paper.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, jobID string) error
	Reclaim(ctx context.Context, jobID string) (requeue bool, err error)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	runner   Runner
	workerID string
	logger   *slog.Logger
	maxIdle  time.Duration
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, runner Runner, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, runner, "", logger)
}

// NewProcessorWithID creates a processor with a specific worker ID for log correlation.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, runner Runner, workerID string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if workerID != "" {
		logger = logger.With("worker_id", workerID)
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		runner:   runner,
		workerID: workerID,
		logger:   logger,
		maxIdle:  30 * time.Second,
	}
}

// Run starts the main worker loop until context cancellation. One job runs at a time;
// concurrency inside a job is bounded by the orchestrator.
func (p *Processor) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		p.reclaim(ctx)
		p.observeQueue(ctx)

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait := backoffWithJitter(p.cfg.WorkerPollInterval, p.maxIdle, failures)
			p.logger.Warn("dequeue failed", "error", err, "retry_in", wait)
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		failures = 0
		if jobID == "" {
			if err := sleep(ctx, p.cfg.WorkerPollInterval); err != nil {
				return err
			}
			continue
		}

		p.process(ctx, jobID)
	}
}

// observeQueue publishes the queue-wide ready and leased counts.
func (p *Processor) observeQueue(ctx context.Context) {
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if leased, err := p.queue.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(leased))
	}
}

// process runs one leased job and acks it whatever the outcome. Failures are recorded
// on the job by the orchestrator and are resumed explicitly, never retried here.
func (p *Processor) process(ctx context.Context, jobID string) {
	logger := p.logger.With("job_id", jobID)
	logger.Info("paper job leased")
	stop := p.heartbeat(ctx, jobID)
	err := p.runner.Run(ctx, jobID)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, paper.ErrJobNotRunnable):
		logger.Warn("leased job is not runnable, dropping", "error", err)
	default:
		logger.Error("paper job failed", "error", err)
	}
	if err := p.queue.Ack(context.WithoutCancel(ctx), jobID); err != nil {
		logger.Error("ack failed", "error", err)
	}
}

// heartbeat keeps the lease alive while the job runs. The returned func stops it.
func (p *Processor) heartbeat(ctx context.Context, jobID string) func() {
	visibility := p.queue.VisibilityTimeout()
	interval := visibility / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, jobID, visibility); err != nil {
					p.logger.Warn("lease extension failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// reclaim returns expired leases to the ready list, or drops them when the
// orchestrator decides the job must be resumed by hand.
func (p *Processor) reclaim(ctx context.Context) {
	reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100)
	if err != nil {
		p.logger.Warn("requeue expired leases failed", "error", err)
		return
	}
	for _, id := range reclaimed {
		requeue, err := p.runner.Reclaim(ctx, id)
		if err != nil {
			p.logger.Warn("reclaim failed", "job_id", id, "error", err)
		}
		if requeue {
			p.logger.Info("expired lease requeued", "job_id", id)
			continue
		}
		if err := p.queue.Remove(ctx, id); err != nil {
			p.logger.Warn("remove reclaimed job failed", "job_id", id, "error", err)
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

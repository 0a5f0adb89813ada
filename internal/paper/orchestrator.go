package paper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"exam-paper-orchestrator/internal/artifact"
	"exam-paper-orchestrator/internal/config"
	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/progress"
	"exam-paper-orchestrator/internal/quota"
	"exam-paper-orchestrator/internal/store"
	"exam-paper-orchestrator/internal/telemetry"
	"exam-paper-orchestrator/internal/trace"
)

var (
	// ErrJobNotRunnable means the job is not in a state the requested transition accepts.
	ErrJobNotRunnable = errors.New("job is not runnable")
	// ErrJobNotCompleted means the operation needs a completed job.
	ErrJobNotCompleted = errors.New("job is not completed")
	// ErrPositionOutOfRange means the position is outside 1..total.
	ErrPositionOutOfRange = errors.New("position out of range")
	// ErrInvalidRequirement wraps validation failures of a submitted requirement.
	ErrInvalidRequirement = errors.New("invalid requirement")
	// ErrQuotaRejected means the owner's token quota does not admit the work.
	ErrQuotaRejected = errors.New("token quota rejected")
)

// Job lifecycle events.
const (
	EventJobStarted    = "job_started"
	EventDispatchStart = "dispatch_start"
	EventDispatchDone  = "dispatch_done"
	EventAssembleStart = "assemble_start"
	EventAssembleDone  = "assemble_done"
	EventRegenerated   = "question_regenerated"
	EventJobCompleted  = progress.EventJobCompleted
	EventJobFailed     = progress.EventJobFailed
)

const (
	paperContentType    = "application/json"
	defaultListPageSize = 50
)

// Deps are the collaborators of an Orchestrator. Materials, Scheduler and Events may be nil.
type Deps struct {
	Store      JobStore
	Quota      QuotaGate
	Finder     ExampleFinder
	Materials  MaterialSource
	Agents     Agents
	Artifacts  artifact.Store
	Events     progress.Publisher
	Scheduler  Scheduler
	Generation config.Generation
	Logger     *slog.Logger
}

// Orchestrator runs paper jobs and serves the control operations on them.
type Orchestrator struct {
	store      JobStore
	quota      QuotaGate
	finder     ExampleFinder
	dispatcher *Dispatcher
	agents     Agents
	artifacts  artifact.Store
	events     progress.Publisher
	scheduler  Scheduler
	gen        config.Generation
	logger     *slog.Logger
	now        func() time.Time

	// background runs jobs when no scheduler is configured
	background sync.WaitGroup
}

func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{
		store:      d.Store,
		quota:      d.Quota,
		finder:     d.Finder,
		dispatcher: NewDispatcher(d.Finder, d.Agents.Knowledge, d.Materials, d.Generation.FewShotCount, d.Logger),
		agents:     d.Agents,
		artifacts:  d.Artifacts,
		events:     d.Events,
		scheduler:  d.Scheduler,
		gen:        d.Generation,
		logger:     d.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates req, checks the owner's quota for the whole paper, creates a
// pending job and schedules it.
func (o *Orchestrator) Submit(ctx context.Context, ownerID string, req models.PaperRequirement) (models.JobRecord, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return models.JobRecord{}, fmt.Errorf("%w: %v", ErrInvalidRequirement, err)
	}
	if err := o.admit(ctx, ownerID, o.estimate(req.TotalQuestions())); err != nil {
		return models.JobRecord{}, err
	}
	job, err := o.store.CreateJob(ctx, ownerID, req)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("create job: %w", err)
	}
	telemetry.JobsSubmitted.Inc()
	if err := o.schedule(ctx, job.ID); err != nil {
		// a failed job can be resumed once the queue is back
		if ferr := o.store.FailJob(context.WithoutCancel(ctx), job.ID, err.Error(), nil); ferr != nil {
			o.logger.Error("could not mark unscheduled job failed", "job_id", job.ID, "error", ferr)
		}
		job.Status = models.StatusFailed
		return job, err
	}
	o.logger.Info("paper job submitted", "job_id", job.ID, "owner_id", ownerID, "questions", req.TotalQuestions())
	return job, nil
}

// Resume moves a failed job to resuming and schedules it again. Checkpointed
// positions are not regenerated.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	ok, err := o.store.MarkResuming(ctx, jobID)
	if err != nil {
		return fmt.Errorf("mark resuming: %w", err)
	}
	if !ok {
		if _, err := o.store.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("resume %s: %w", jobID, ErrJobNotRunnable)
	}
	o.logger.Info("paper job resuming", "job_id", jobID)
	return o.schedule(ctx, jobID)
}

func (o *Orchestrator) schedule(ctx context.Context, jobID string) error {
	if o.scheduler != nil {
		if err := o.scheduler.Enqueue(ctx, jobID); err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}
		return nil
	}
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		if err := o.Run(context.WithoutCancel(ctx), jobID); err != nil {
			o.logger.Error("paper job run failed", "job_id", jobID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until jobs started without a scheduler have returned.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// GetJob returns the job record.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (models.JobRecord, error) {
	return o.store.GetJob(ctx, jobID)
}

// List returns the owner's most recent jobs.
func (o *Orchestrator) List(ctx context.Context, ownerID string, limit int) ([]models.JobRecord, error) {
	if limit <= 0 {
		limit = defaultListPageSize
	}
	return o.store.ListJobs(ctx, ownerID, limit)
}

// Drafts returns the per-position audit rows of a job.
func (o *Orchestrator) Drafts(ctx context.Context, jobID string) ([]models.DraftLog, error) {
	return o.store.ListDrafts(ctx, jobID)
}

// Paper returns the stored paper document of a completed job.
func (o *Orchestrator) Paper(ctx context.Context, jobID string) ([]byte, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusCompleted || job.ArtifactID == nil {
		return nil, fmt.Errorf("paper %s: %w", jobID, ErrJobNotCompleted)
	}
	return o.artifacts.Get(ctx, *job.ArtifactID)
}

// Trace returns the recorded agent spans of the last run.
func (o *Orchestrator) Trace(ctx context.Context, jobID string) ([]byte, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(job.TraceLog) == 0 {
		return []byte("[]"), nil
	}
	return job.TraceLog, nil
}

// Delete removes a job that is not running, with its drafts and paper document.
func (o *Orchestrator) Delete(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.StatusRunning {
		return fmt.Errorf("delete %s: %w", jobID, ErrJobNotRunnable)
	}
	if r, ok := o.scheduler.(interface {
		Remove(ctx context.Context, jobID string) error
	}); ok {
		if err := r.Remove(ctx, jobID); err != nil {
			o.logger.Warn("could not remove job from queue", "job_id", jobID, "error", err)
		}
	}
	if job.ArtifactID != nil {
		if err := o.artifacts.Delete(ctx, *job.ArtifactID); err != nil && !errors.Is(err, artifact.ErrNotFound) {
			return fmt.Errorf("delete paper document: %w", err)
		}
	}
	if err := o.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	o.logger.Info("paper job deleted", "job_id", jobID)
	return nil
}

// Reclaim handles a job whose worker lease expired. Jobs that never started go back
// to the queue. A job left running is marked failed so it can be resumed from its
// checkpoint; requeue is false for it and for every other status.
func (o *Orchestrator) Reclaim(ctx context.Context, jobID string) (requeue bool, err error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	switch job.Status {
	case models.StatusPending, models.StatusResuming:
		return true, nil
	case models.StatusRunning:
		if err := o.store.FailJob(ctx, jobID, "worker lease expired before the job finished", nil); err != nil {
			return false, err
		}
		telemetry.JobsFailed.Inc()
		progress.Emitter(o.events, jobID)(EventJobFailed, map[string]any{"error": "worker lease expired"})
		o.logger.Warn("paper job interrupted, marked failed for resume", "job_id", jobID)
		return false, nil
	default:
		return false, nil
	}
}

// Run executes one job from pending or resuming to completed or failed.
// Errors after the job was claimed are recorded on the job; the returned error
// reports them as well.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (err error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != models.StatusPending && job.Status != models.StatusResuming {
		return fmt.Errorf("run %s in status %s: %w", jobID, job.Status, ErrJobNotRunnable)
	}

	emit := EmitFunc(progress.Emitter(o.events, jobID))
	collector := trace.NewCollector(trace.EmitFunc(emit))
	logger := o.logger.With("job_id", jobID)
	telemetry.JobsStarted.Inc()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			o.fail(ctx, jobID, err, collector, emit)
			return
		}
		logger.Info("paper job completed", "duration", time.Since(start))
	}()
	return o.run(trace.WithCollector(ctx, collector), job, emit, collector, logger)
}

func (o *Orchestrator) run(ctx context.Context, job models.JobRecord, emit EmitFunc, collector *trace.Collector, logger *slog.Logger) error {
	req := job.Requirement.WithDefaults()
	total := req.TotalQuestions()

	restored := make(map[int]models.CandidateQuestion)
	done := make(map[int]bool)
	for pos, q := range job.CompletedQuestions {
		if pos >= 1 && pos <= total {
			restored[pos] = q
			done[pos] = true
		}
	}

	board := NewActionBoard(total, len(done))
	if err := o.store.MarkRunning(ctx, job.ID, board.Snapshot()); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	remaining := total - len(done)
	governor := NewGovernor(o.gen.Concurrency)
	estimate := o.estimate(remaining)
	admitted := true
	if remaining > 0 {
		if err := o.admit(ctx, job.OwnerID, estimate); err != nil {
			if !errors.Is(err, ErrQuotaRejected) {
				return err
			}
			admitted = false
			governor.Exhaust(err.Error())
			logger.Warn("token quota exhausted before start, remaining positions will be skipped", "error", err)
		}
	}

	emit.emit(EventJobStarted, map[string]any{"total": total, "remaining": remaining, "restored": len(done), "resume_count": job.ResumeCount})
	emit.emit(EventDispatchStart, map[string]any{"total_questions": total})
	build := o.dispatcher.Build
	if governor.Exhausted() {
		build = o.dispatcher.Outline
	}
	tasks, err := build(ctx, req, done)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	emit.emit(EventDispatchDone, map[string]any{"task_count": len(tasks)})

	pipeline := &Pipeline{
		JobID:      job.ID,
		Agents:     o.agents,
		Governor:   governor,
		Board:      board,
		Checkpoint: o.store,
		Drafts:     o.store,
		Emit:       emit,
		SolveCount: o.gen.SolveCount,
		MaxRetry:   o.gen.MaxRetry,
		Logger:     o.logger,
	}
	stopFlush := o.flushProgress(ctx, job.ID, board)
	outcomes := runPipelines(ctx, pipeline, tasks)
	stopFlush()

	merged := make(map[int]models.ApprovedQuestion, total)
	for pos, q := range restored {
		merged[pos] = models.ApprovedQuestion{Position: pos, Question: q}
	}
	var warnings []string
	for _, out := range outcomes {
		if out.Err != nil {
			return out.Err
		}
		warnings = append(warnings, out.Warnings...)
		if out.Approved != nil {
			merged[out.Position] = *out.Approved
		}
	}

	approved := make([]models.ApprovedQuestion, 0, len(merged))
	checkpoint := make(map[int]models.CandidateQuestion, len(merged))
	for pos, a := range merged {
		approved = append(approved, a)
		checkpoint[pos] = a.Question
	}

	emit.emit(EventAssembleStart, map[string]any{"question_count": len(approved)})
	paperDoc, assembleWarnings, err := Assemble(req, approved, len(restored) > 0 || governor.Exhausted())
	if err != nil {
		return err
	}
	warnings = append(warnings, assembleWarnings...)

	body, err := json.Marshal(paperDoc)
	if err != nil {
		return fmt.Errorf("marshal paper: %w", err)
	}
	artifactID, err := o.artifacts.Put(ctx, artifact.PaperKey(job.ID), body, paperContentType)
	if err != nil {
		return fmt.Errorf("store paper: %w", err)
	}
	emit.emit(EventAssembleDone, map[string]any{"title": paperDoc.Title, "total": paperDoc.Total})

	var spent int64
	if admitted {
		spent = estimate
	}
	if o.quota != nil {
		if err := o.quota.Debit(ctx, job.OwnerID, spent); err != nil {
			return fmt.Errorf("debit quota: %w", err)
		}
	}

	traceLog, err := collector.JSON()
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	err = o.store.CompleteJob(ctx, job.ID, store.CompleteParams{
		Warnings:    warnings,
		Checkpoint:  checkpoint,
		ArtifactID:  artifactID,
		TraceLog:    traceLog,
		Tokens:      spent,
		Progress:    board.Snapshot(),
		CompletedAt: o.now(),
	})
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	telemetry.JobsCompleted.Inc()
	emit.emit(EventJobCompleted, map[string]any{
		"artifact_id":         artifactID,
		"total":               paperDoc.Total,
		"average_coefficient": paperDoc.AverageCoefficient,
		"warnings":            warnings,
	})
	return nil
}

// runPipelines runs every task concurrently and returns outcomes in position order.
func runPipelines(ctx context.Context, p *Pipeline, tasks []models.PositionTask) []Outcome {
	outcomes := make([]Outcome, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		p.Board.Set(task.Position, ActionQueued)
		wg.Add(1)
		go func(i int, task models.PositionTask) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.Board.Finish(task.Position, false)
					outcomes[i] = Outcome{
						Position: task.Position,
						Warnings: []string{fmt.Sprintf("position %d: pipeline error, skipped: %v", task.Position, r)},
					}
				}
			}()
			outcomes[i] = p.Run(ctx, task)
		}(i, task)
	}
	wg.Wait()
	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].Position < outcomes[j].Position })
	return outcomes
}

// flushProgress persists the board whenever it changed, at most once per interval.
// The returned func stops the flusher after a final write.
func (o *Orchestrator) flushProgress(ctx context.Context, jobID string, board *ActionBoard) func() {
	interval := o.gen.ProgressFlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	write := func() {
		if snap, ok := board.TakeDirty(); ok {
			if err := o.store.UpdateProgress(ctx, jobID, snap); err != nil {
				o.logger.Warn("progress update failed", "job_id", jobID, "error", err)
			}
		}
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
				write()
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
		write()
	}
}

func (o *Orchestrator) fail(ctx context.Context, jobID string, cause error, collector *trace.Collector, emit EmitFunc) {
	ctx = context.WithoutCancel(ctx)
	traceLog, _ := collector.JSON()
	if err := o.store.FailJob(ctx, jobID, cause.Error(), traceLog); err != nil {
		o.logger.Error("could not mark job failed", "job_id", jobID, "cause", cause, "error", err)
	}
	telemetry.JobsFailed.Inc()
	o.logger.Error("paper job failed", "job_id", jobID, "error", cause)
	emit.emit(EventJobFailed, map[string]any{"error": cause.Error()})
}

func (o *Orchestrator) estimate(questions int) int64 {
	return quota.Estimate(questions, o.gen.SolveCount, o.gen.AvgTokensPerQuestion)
}

// admit wraps quota refusals in ErrQuotaRejected. A nil gate admits everything.
func (o *Orchestrator) admit(ctx context.Context, ownerID string, tokens int64) error {
	if o.quota == nil {
		return nil
	}
	ok, msg, err := o.quota.CheckQuota(ctx, ownerID, tokens)
	if err != nil {
		return fmt.Errorf("check quota: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrQuotaRejected, msg)
	}
	return nil
}

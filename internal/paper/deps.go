// Package paper turns a paper requirement into an assembled exam paper: it builds
// position tasks, runs one generate/review/solve/calibrate pipeline per position under
// a per-job governor, and merges the results with any earlier checkpoint.
package paper

import (
	"context"

	"exam-paper-orchestrator/internal/agents"
	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/store"
)

// JobStore is the persistence the orchestrator needs.
type JobStore interface {
	CreateJob(ctx context.Context, ownerID string, req models.PaperRequirement) (models.JobRecord, error)
	GetJob(ctx context.Context, id string) (models.JobRecord, error)
	ListJobs(ctx context.Context, ownerID string, limit int) ([]models.JobRecord, error)
	MarkRunning(ctx context.Context, id string, progress models.Progress) error
	MarkResuming(ctx context.Context, id string) (bool, error)
	UpdateProgress(ctx context.Context, id string, progress models.Progress) error
	SaveCheckpointEntry(ctx context.Context, id string, position int, q models.CandidateQuestion) error
	CompleteJob(ctx context.Context, id string, p store.CompleteParams) error
	FailJob(ctx context.Context, id string, message string, traceLog []byte) error
	ReplaceCheckpointEntry(ctx context.Context, id string, position int, q models.CandidateQuestion, tokens int64) error
	DeleteJob(ctx context.Context, id string) error
	UpsertDraft(ctx context.Context, d models.DraftLog) error
	ListDrafts(ctx context.Context, jobID string) ([]models.DraftLog, error)
}

// QuotaGate admits and bills token usage.
type QuotaGate interface {
	CheckQuota(ctx context.Context, ownerID string, tokens int64) (bool, string, error)
	Debit(ctx context.Context, ownerID string, amount int64) error
}

// ExampleFinder is the tiered example lookup.
type ExampleFinder interface {
	FindExamples(ctx context.Context, subject, qType string, position int, region string, k int) ([]models.Example, error)
}

// MaterialSource supplies thematic material for a subject and question type.
type MaterialSource interface {
	Materials(ctx context.Context, subject, qType string, limit int) ([]string, error)
}

// Scheduler hands a job id to whatever runs Orchestrator.Run, typically the Redis queue.
type Scheduler interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Writer, Checker, Solver, Grader and KnowledgeInferer are the content agents.
type (
	Writer interface {
		Write(ctx context.Context, task models.PositionTask) (models.CandidateQuestion, error)
	}
	Checker interface {
		Check(ctx context.Context, q models.CandidateQuestion) models.QualityVerdict
	}
	Solver interface {
		Solve(ctx context.Context, q models.CandidateQuestion, attempt int) models.SolveAttempt
	}
	Grader interface {
		Grade(ctx context.Context, q models.CandidateQuestion, a models.SolveAttempt) models.GradeOutcome
	}
	KnowledgeInferer interface {
		Infer(ctx context.Context, subject string, position int, examples []models.Example) string
	}
)

// Agents is the set of content agents one job uses.
type Agents struct {
	Writer    Writer
	Checker   Checker
	Solver    Solver
	Grader    Grader
	Knowledge KnowledgeInferer
}

// AgentsFrom adapts the concrete agent set.
func AgentsFrom(s *agents.Set) Agents {
	return Agents{
		Writer:    s.Writer,
		Checker:   s.Checker,
		Solver:    s.Solver,
		Grader:    s.Grader,
		Knowledge: s.Knowledge,
	}
}

// EmitFunc publishes one progress event of the job being run.
type EmitFunc func(eventType string, payload map[string]any)

func (e EmitFunc) emit(eventType string, payload map[string]any) {
	if e != nil {
		e(eventType, payload)
	}
}

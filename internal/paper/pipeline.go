package paper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"exam-paper-orchestrator/internal/agents"
	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/telemetry"
	"exam-paper-orchestrator/internal/trace"
)

// Pipeline event types.
const (
	EventQuestionStart      = "question_start"
	EventQuestionError      = "question_error"
	EventQualityCheck       = "quality_check"
	EventQualityCheckFailed = "quality_check_failed"
	EventSolving            = "solving"
	EventDifficultyResult   = "difficulty_result"
	EventQuestionApproved   = "question_approved"
	EventDifficultyRetry    = "difficulty_retry"
	EventQuestionSkipped    = "question_skipped"
)

// CheckpointWriter persists one approved position of a job.
type CheckpointWriter interface {
	SaveCheckpointEntry(ctx context.Context, id string, position int, q models.CandidateQuestion) error
}

// DraftWriter records the per-position audit row.
type DraftWriter interface {
	UpsertDraft(ctx context.Context, d models.DraftLog) error
}

// Pipeline runs the generate, review, solve and calibrate loop for positions of one job.
// One Pipeline value is shared by every position of the job.
type Pipeline struct {
	JobID      string
	Agents     Agents
	Governor   *Governor
	Board      *ActionBoard
	Checkpoint CheckpointWriter
	Drafts     DraftWriter
	Emit       EmitFunc
	SolveCount int
	MaxRetry   int
	Logger     *slog.Logger
}

// Outcome is the terminal state of one position. Approved is nil when it was skipped.
// Err is set only for failures that must fail the job.
type Outcome struct {
	Position int
	Approved *models.ApprovedQuestion
	Warnings []string
	Err      error
}

// Run drives task to approved or skipped. The retry counter is shared by generation
// failures, quality rejections and difficulty misses, and the loop runs at most
// MaxRetry+1 iterations.
// A panic inside the loop skips the position with a warning instead of failing the job.
func (p *Pipeline) Run(ctx context.Context, task models.PositionTask) (out Outcome) {
	ctx = trace.WithPosition(ctx, task.Position)
	out = Outcome{Position: task.Position}
	logger := p.logger().With("job_id", p.JobID, "position", task.Position)
	var history []string
	held := func() {}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		held()
		logger.Error("position pipeline panicked", "panic", r)
		history = append(history, fmt.Sprintf("pipeline error: %v", r))
		out = Outcome{
			Position: task.Position,
			Warnings: []string{fmt.Sprintf("position %d: pipeline error, skipped: %v", task.Position, r)},
		}
		p.skip(ctx, task, history, "pipeline_error")
	}()

	for retry := 0; retry <= p.MaxRetry; {
		release, err := p.Governor.Acquire(ctx)
		if err != nil {
			out.Err = err
			return out
		}
		held = release
		if p.Governor.Exhausted() {
			release()
			out.Warnings = append(out.Warnings, fmt.Sprintf("position %d: token quota exhausted, skipped", task.Position))
			history = append(history, "quota exhausted: "+p.Governor.Reason())
			p.skip(ctx, task, history, "quota_exhausted")
			return out
		}

		task.RetryCount = retry
		p.Emit.emit(EventQuestionStart, map[string]any{
			"position":          task.Position,
			"type":              task.Type,
			"knowledge_point":   task.KnowledgePoint,
			"target_difficulty": task.TargetDifficulty,
			"retry_count":       retry,
		})
		p.Board.Set(task.Position, ActionGenerating)
		q, err := p.Agents.Writer.Write(ctx, task)
		if err != nil {
			release()
			if ctx.Err() != nil {
				out.Err = ctx.Err()
				return out
			}
			logger.Warn("question generation failed", "retry", retry, "error", err)
			task.RetryFeedback = "The previous attempt could not be used, write the question again: " + err.Error()
			history = append(history, "generate error: "+err.Error())
			telemetry.PipelineRetries.WithLabelValues(telemetry.CauseGenerate).Inc()
			retry++
			p.Emit.emit(EventQuestionError, map[string]any{"position": task.Position, "error": err.Error(), "retry_count": retry})
			continue
		}

		p.Board.Set(task.Position, ActionReviewing)
		p.Emit.emit(EventQualityCheck, map[string]any{"position": task.Position})
		qv := p.Agents.Checker.Check(ctx, q)
		qualityForced := false
		if !qv.Passed {
			reasons := strings.Join(qv.Reasons, "; ")
			if retry < p.MaxRetry {
				release()
				task.RetryFeedback = "Quality review rejected the question: " + reasons
				history = append(history, "quality rejected: "+reasons)
				telemetry.PipelineRetries.WithLabelValues(telemetry.CauseQuality).Inc()
				retry++
				p.Emit.emit(EventQualityCheckFailed, map[string]any{"position": task.Position, "reasons": qv.Reasons, "retry_count": retry})
				continue
			}
			logger.Warn("quality check still failing at retry limit, passing candidate", "reasons", reasons)
			qualityForced = true
			history = append(history, "quality rejected, force passed: "+reasons)
			out.Warnings = append(out.Warnings, fmt.Sprintf("position %d: quality check failed after %d retries, force passed: %s",
				task.Position, retry, reasons))
			p.Emit.emit(EventQualityCheckFailed, map[string]any{
				"position": task.Position, "reasons": qv.Reasons, "retry_count": retry, "force_pass": true,
			})
		}

		p.Board.Set(task.Position, ActionSolving)
		p.Emit.emit(EventSolving, map[string]any{"position": task.Position, "solve_count": p.SolveCount})
		grades := p.solveAndGrade(ctx, q)
		verdict := Calibrate(q, grades, retry, p.MaxRetry)
		release()

		p.Emit.emit(EventDifficultyResult, map[string]any{
			"position":       task.Position,
			"coefficient":    verdict.Coefficient,
			"decision":       verdict.Decision,
			"pass_count":     verdict.PassCount,
			"total_attempts": verdict.TotalAttempts,
			"forced":         verdict.Forced,
		})

		if verdict.Decision == models.DecisionApprove {
			if err := p.Checkpoint.SaveCheckpointEntry(ctx, p.JobID, task.Position, q); err != nil {
				out.Err = fmt.Errorf("checkpoint position %d: %w", task.Position, err)
				return out
			}
			out.Approved = &models.ApprovedQuestion{Position: task.Position, Question: q, Verdict: &verdict}
			p.Board.Finish(task.Position, true)

			status, outcome := models.DraftApproved, telemetry.OutcomeApproved
			if verdict.Forced || qualityForced {
				status, outcome = models.DraftWarning, telemetry.OutcomeForced
			}
			if verdict.Forced {
				history = append(history, verdict.Feedback)
			}
			telemetry.PositionsFinished.WithLabelValues(outcome).Inc()
			p.draft(ctx, task, status, q.Text, &verdict.Coefficient, history)
			p.Emit.emit(EventQuestionApproved, map[string]any{
				"position":    task.Position,
				"coefficient": verdict.Coefficient,
				"forced":      verdict.Forced,
			})
			return out
		}

		task.RetryFeedback = verdict.Feedback
		if task.RetryFeedback == "" {
			task.RetryFeedback = "Difficulty target not met, write a different question."
		}
		history = append(history, fmt.Sprintf("difficulty %.2f missed target", verdict.Coefficient))
		telemetry.PipelineRetries.WithLabelValues(telemetry.CauseDifficulty).Inc()
		retry++
		p.Emit.emit(EventDifficultyRetry, map[string]any{
			"position":    task.Position,
			"coefficient": verdict.Coefficient,
			"feedback":    verdict.Feedback,
			"retry_count": retry,
		})
	}

	out.Warnings = append(out.Warnings, fmt.Sprintf("position %d: exceeded max retry %d, skipped", task.Position, p.MaxRetry))
	p.skip(ctx, task, history, "max_retry")
	return out
}

// solveAndGrade runs all K pairs at once. Attempts whose solver could not be reached
// are left out of the grades.
func (p *Pipeline) solveAndGrade(ctx context.Context, q models.CandidateQuestion) []models.GradeOutcome {
	k := max(p.SolveCount, 0)
	results := make([]*models.GradeOutcome, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = nil
					p.logger().Error("solve attempt panicked, attempt dropped", "job_id", p.JobID, "attempt", i, "panic", r)
				}
			}()
			actx := trace.WithAttempt(ctx, i)
			attempt := p.Agents.Solver.Solve(actx, q, i)
			if attempt.Answer == agents.NoAnswer {
				return
			}
			g := p.Agents.Grader.Grade(actx, q, attempt)
			results[i] = &g
		}(i)
	}
	wg.Wait()

	grades := make([]models.GradeOutcome, 0, k)
	for _, g := range results {
		if g != nil {
			grades = append(grades, *g)
		}
	}
	return grades
}

func (p *Pipeline) skip(ctx context.Context, task models.PositionTask, history []string, reason string) {
	p.Board.Finish(task.Position, false)
	telemetry.PositionsFinished.WithLabelValues(telemetry.OutcomeSkipped).Inc()
	p.draft(ctx, task, models.DraftSkipped, "", nil, history)
	p.Emit.emit(EventQuestionSkipped, map[string]any{"position": task.Position, "reason": reason})
}

func (p *Pipeline) draft(ctx context.Context, task models.PositionTask, status, content string, coefficient *float64, history []string) {
	if p.Drafts == nil {
		return
	}
	d := models.DraftLog{
		JobID:          p.JobID,
		Position:       task.Position,
		Type:           task.Type,
		KnowledgePoint: task.KnowledgePoint,
		Status:         status,
		Content:        content,
		Coefficient:    coefficient,
		RetryHistory:   history,
	}
	if err := p.Drafts.UpsertDraft(ctx, d); err != nil {
		p.logger().Warn("draft log write failed", "job_id", p.JobID, "position", task.Position, "error", err)
	}
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

package paper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"exam-paper-orchestrator/internal/artifact"
	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/progress"
	"exam-paper-orchestrator/internal/quota"
	"exam-paper-orchestrator/internal/trace"
)

// RegenerateOne replaces a single question of a completed job. It generates and
// reviews up to RegenerateMaxRetry+1 candidates, accepting the last one even if the
// review still fails, and skips solving and calibration. The new question has no
// difficulty coefficient in the stored paper.
func (o *Orchestrator) RegenerateOne(ctx context.Context, jobID string, position int) (models.CandidateQuestion, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return models.CandidateQuestion{}, err
	}
	if job.Status != models.StatusCompleted {
		return models.CandidateQuestion{}, fmt.Errorf("regenerate in %s: %w", job.Status, ErrJobNotCompleted)
	}
	req := job.Requirement.WithDefaults()
	qType, ok := req.TypeAt(position)
	if !ok {
		return models.CandidateQuestion{}, fmt.Errorf("position %d of %d: %w", position, req.TotalQuestions(), ErrPositionOutOfRange)
	}
	estimate := quota.Estimate(1, 1, o.gen.AvgTokensPerQuestion)
	if err := o.admit(ctx, job.OwnerID, estimate); err != nil {
		return models.CandidateQuestion{}, err
	}

	emit := EmitFunc(progress.Emitter(o.events, jobID))
	collector := trace.NewCollector(trace.EmitFunc(emit))
	ctx = trace.WithPosition(trace.WithCollector(ctx, collector), position)
	logger := o.logger.With("job_id", jobID, "position", position)

	examples, err := o.finder.FindExamples(ctx, req.Subject, qType, position, req.TargetRegion, o.gen.FewShotCount)
	if err != nil {
		logger.Warn("example retrieval failed", "error", err)
		examples = nil
	}
	task := models.PositionTask{
		TaskID:            uuid.New().String(),
		Type:              qType,
		Position:          position,
		PositionLabel:     fmt.Sprintf("question %d", position),
		TargetDifficulty:  req.TargetDifficulty,
		Subject:           req.Subject,
		Examples:          examples,
		ExtraInstructions: req.ExtraNote,
	}
	if prev, ok := job.CompletedQuestions[position]; ok && prev.KnowledgePoint != "" {
		task.KnowledgePoint = prev.KnowledgePoint
		task.RetryFeedback = "Write a different question from the previous one:\n" + prev.Text
	} else {
		task.KnowledgePoint = o.dispatcher.inferKnowledge(ctx, req.Subject, position, examples)
	}

	q, history, forced, err := o.regenerate(ctx, task)
	if err != nil {
		return models.CandidateQuestion{}, err
	}

	if err := o.store.ReplaceCheckpointEntry(ctx, jobID, position, q, estimate); err != nil {
		return models.CandidateQuestion{}, fmt.Errorf("replace checkpoint: %w", err)
	}
	if job.ArtifactID != nil {
		if err := o.patchPaper(ctx, *job.ArtifactID, q, position); err != nil {
			return models.CandidateQuestion{}, err
		}
	}
	if o.quota != nil {
		if err := o.quota.Debit(ctx, job.OwnerID, estimate); err != nil {
			return models.CandidateQuestion{}, fmt.Errorf("debit quota: %w", err)
		}
	}

	status := models.DraftApproved
	if forced {
		status = models.DraftWarning
	}
	draft := models.DraftLog{
		JobID:          jobID,
		Position:       position,
		Type:           qType,
		KnowledgePoint: q.KnowledgePoint,
		Status:         status,
		Content:        q.Text,
		RetryHistory:   append(history, "regenerated"),
	}
	if err := o.store.UpsertDraft(ctx, draft); err != nil {
		logger.Warn("draft log write failed", "error", err)
	}
	emit.emit(EventRegenerated, map[string]any{"position": position, "forced": forced})
	logger.Info("question regenerated", "forced", forced)
	return q, nil
}

func (o *Orchestrator) regenerate(ctx context.Context, task models.PositionTask) (models.CandidateQuestion, []string, bool, error) {
	maxRetry := max(o.gen.RegenerateMaxRetry, 0)
	var (
		history []string
		lastErr error
	)
	for attempt := 0; attempt <= maxRetry; attempt++ {
		task.RetryCount = attempt
		q, err := o.agents.Writer.Write(ctx, task)
		if err != nil {
			if ctx.Err() != nil {
				return models.CandidateQuestion{}, nil, false, ctx.Err()
			}
			lastErr = err
			history = append(history, "generate error: "+err.Error())
			task.RetryFeedback = "The previous attempt could not be used, write the question again: " + err.Error()
			continue
		}
		v := o.agents.Checker.Check(ctx, q)
		if v.Passed {
			return q, history, false, nil
		}
		reasons := strings.Join(v.Reasons, "; ")
		if attempt == maxRetry {
			history = append(history, "quality rejected, force passed: "+reasons)
			return q, history, true, nil
		}
		history = append(history, "quality rejected: "+reasons)
		task.RetryFeedback = "Quality review rejected the question: " + reasons
	}
	return models.CandidateQuestion{}, history, false, fmt.Errorf("regenerate position %d: %w", task.Position, lastErr)
}

// patchPaper swaps the question numbered position in the stored paper document.
func (o *Orchestrator) patchPaper(ctx context.Context, artifactID string, q models.CandidateQuestion, position int) error {
	body, err := o.artifacts.Get(ctx, artifactID)
	if errors.Is(err, artifact.ErrNotFound) {
		o.logger.Warn("paper document missing, checkpoint updated only", "artifact_id", artifactID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load paper: %w", err)
	}
	var doc models.Paper
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("decode paper: %w", err)
	}

	replacement := models.AssembledQuestion{
		Number:        position,
		Type:          q.Type,
		Content:       q.Text,
		Options:       orderedOptions(q.Options),
		Answer:        q.Answer,
		Explanation:   q.Explanation,
		ScoringPoints: q.ScoringPoints,
	}
	found := false
	for i := range doc.Questions {
		if doc.Questions[i].Number == position {
			doc.Questions[i] = replacement
			found = true
			break
		}
	}
	if !found {
		doc.Questions = append(doc.Questions, replacement)
		sort.SliceStable(doc.Questions, func(i, j int) bool { return doc.Questions[i].Number < doc.Questions[j].Number })
		doc.Total = len(doc.Questions)
	}
	doc.AverageCoefficient = averageCoefficient(doc.Questions)

	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode paper: %w", err)
	}
	if _, err := o.artifacts.Put(ctx, artifactID, out, paperContentType); err != nil {
		return fmt.Errorf("store paper: %w", err)
	}
	return nil
}

func averageCoefficient(qs []models.AssembledQuestion) float64 {
	var sum float64
	n := 0
	for _, q := range qs {
		if q.Coefficient != nil {
			sum += *q.Coefficient
			n++
		}
	}
	if n == 0 {
		return 0.5
	}
	return round(sum/float64(n), 3)
}

package agents

import (
	"context"
	"log/slog"
	"strings"

	"exam-paper-orchestrator/internal/config"
	"exam-paper-orchestrator/internal/llm"
	"exam-paper-orchestrator/internal/models"
)

// QualityChecker reviews a candidate before it is solved.
type QualityChecker struct {
	gen      llm.Generator
	attempts int
	logger   *slog.Logger
}

func NewQualityChecker(gen llm.Generator, opts Options) *QualityChecker {
	return &QualityChecker{gen: withTrace(gen, "quality_checker"), attempts: max(opts.StructuredAttempts, 1), logger: opts.logger()}
}

type qualityReply struct {
	Passed  bool     `json:"passed"`
	Reasons []string `json:"reasons"`
}

// Check never fails. When the reviewer is unreachable or keeps replying garbage the
// candidate passes with a reason recording the skipped review, so a broken reviewer
// cannot burn the retry budget.
func (c *QualityChecker) Check(ctx context.Context, q models.CandidateQuestion) models.QualityVerdict {
	reply, err := llm.Structured(ctx, c.gen, config.RoleQuality, qualitySystem, qualityPrompt(q), llm.DecodeJSON[qualityReply], c.attempts)
	if err != nil {
		c.logger.Warn("quality check degraded, passing candidate", "task_id", q.TaskID, "error", err)
		return models.QualityVerdict{
			TaskID:  q.TaskID,
			Passed:  true,
			Reasons: []string{"quality check unavailable, passed without review: " + err.Error()},
		}
	}
	reasons := make([]string, 0, len(reply.Reasons))
	for _, r := range reply.Reasons {
		if r = strings.TrimSpace(r); r != "" {
			reasons = append(reasons, r)
		}
	}
	return models.QualityVerdict{TaskID: q.TaskID, Passed: reply.Passed, Reasons: reasons}
}

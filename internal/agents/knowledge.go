package agents

import (
	"context"
	"log/slog"
	"strings"

	"exam-paper-orchestrator/internal/config"
	"exam-paper-orchestrator/internal/llm"
	"exam-paper-orchestrator/internal/models"
)

const (
	maxKnowledgeExamples = 3
	maxKnowledgeRunes    = 50
)

// KnowledgeInferer names the knowledge point a position usually tests.
type KnowledgeInferer struct {
	gen    llm.Generator
	logger *slog.Logger
}

func NewKnowledgeInferer(gen llm.Generator, opts Options) *KnowledgeInferer {
	return &KnowledgeInferer{gen: withTrace(gen, "dispatcher"), logger: opts.logger()}
}

// GeneralKnowledgePoint is used when no examples or no reply are available.
func GeneralKnowledgePoint(subject string) string {
	return subject + " general"
}

// Infer reads up to three examples. It never fails.
func (k *KnowledgeInferer) Infer(ctx context.Context, subject string, position int, examples []models.Example) string {
	if len(examples) == 0 {
		return GeneralKnowledgePoint(subject)
	}
	if len(examples) > maxKnowledgeExamples {
		examples = examples[:maxKnowledgeExamples]
	}
	raw, err := k.gen.Generate(ctx, config.RoleDispatch, knowledgeSystem, knowledgePrompt(subject, position, examples))
	if err != nil {
		k.logger.Warn("knowledge point inference failed", "subject", subject, "position", position, "error", err)
		return GeneralKnowledgePoint(subject)
	}
	point, _, _ := strings.Cut(strings.TrimSpace(raw), "\n")
	point = truncateRunes(strings.TrimSpace(strings.Trim(point, `"'.`)), maxKnowledgeRunes)
	if point == "" {
		return GeneralKnowledgePoint(subject)
	}
	return point
}

// Package agents holds the content agents of a paper job: question writing,
// quality review, simulated solving, grading and knowledge point inference.
// Agents keep no per-call state and are shared by every pipeline of a job.
package agents

import (
	"context"
	"log/slog"

	"exam-paper-orchestrator/internal/config"
	"exam-paper-orchestrator/internal/llm"
	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/trace"
)

// Options tunes every agent built by New.
type Options struct {
	// StructuredAttempts bounds the self-correction rounds for JSON replies.
	StructuredAttempts int
	Logger             *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Set bundles one instance of each agent over a shared generator.
type Set struct {
	Writer    *QuestionWriter
	Checker   *QualityChecker
	Solver    *Solver
	Grader    *Grader
	Knowledge *KnowledgeInferer
}

// New builds all agents over gen. personas drives the solver pool.
func New(gen llm.Generator, personas []config.Persona, opts Options) *Set {
	if opts.StructuredAttempts < 1 {
		opts.StructuredAttempts = 2
	}
	return &Set{
		Writer:    NewQuestionWriter(gen, opts),
		Checker:   NewQualityChecker(gen, opts),
		Solver:    NewSolver(gen, personas, opts),
		Grader:    NewGrader(gen, opts),
		Knowledge: NewKnowledgeInferer(gen, opts),
	}
}

// traced records every Generate call as a span of the collector carried in ctx.
type traced struct {
	llm.Generator
	label string
}

func withTrace(gen llm.Generator, label string) llm.Generator {
	return traced{Generator: gen, label: label}
}

func (t traced) Generate(ctx context.Context, role, system, user string) (string, error) {
	c, position, attempt := trace.FromContext(ctx)
	id := c.Start(t.label, t.Generator.ModelName(role), system, user, position, attempt)
	out, err := t.Generator.Generate(ctx, role, system, user)
	c.End(id, out, err)
	return out, err
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func typeLabel(t string) string {
	switch t {
	case models.TypeSingleChoice:
		return "single choice"
	case models.TypeMultipleChoice:
		return "multiple choice"
	case models.TypeFillBlank:
		return "fill in the blank"
	case models.TypeShortAnswer:
		return "short answer"
	default:
		return t
	}
}

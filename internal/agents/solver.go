package agents

import (
	"context"
	"log/slog"
	"strings"

	"exam-paper-orchestrator/internal/config"
	"exam-paper-orchestrator/internal/llm"
	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/trace"
)

// NoAnswer is recorded when a simulated student could not be reached.
const NoAnswer = "(no answer)"

const maxAnswerRunes = 1000

// Solver simulates exam takers from a pool of personas. It never sees the answer key.
type Solver struct {
	gen      llm.Generator
	personas []config.Persona
	logger   *slog.Logger
}

// NewSolver falls back to the default persona when personas is empty.
func NewSolver(gen llm.Generator, personas []config.Persona, opts Options) *Solver {
	if len(personas) == 0 {
		personas = []config.Persona{config.DefaultPersona()}
	}
	return &Solver{gen: withTrace(gen, "solver"), personas: personas, logger: opts.logger()}
}

// Persona returns the persona that takes attempt.
func (s *Solver) Persona(attempt int) config.Persona {
	if attempt < 0 {
		attempt = -attempt
	}
	return s.personas[attempt%len(s.personas)]
}

// Solve answers q as the persona for attempt. Failures yield NoAnswer.
func (s *Solver) Solve(ctx context.Context, q models.CandidateQuestion, attempt int) models.SolveAttempt {
	p := s.Persona(attempt)
	out := models.SolveAttempt{TaskID: q.TaskID, AttemptIndex: attempt, Persona: p.Label}

	raw, err := s.gen.Generate(trace.WithAttempt(ctx, attempt), llm.PersonaRole(p.Label), solverSystem, solverPrompt(q))
	if err != nil {
		s.logger.Warn("solve attempt failed", "task_id", q.TaskID, "attempt", attempt, "persona", p.Label, "error", err)
		out.Answer = NoAnswer
		return out
	}
	out.Answer = truncateRunes(strings.TrimSpace(raw), maxAnswerRunes)
	if out.Answer == "" {
		out.Answer = NoAnswer
	}
	return out
}

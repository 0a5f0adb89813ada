package agents

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"exam-paper-orchestrator/internal/config"
	"exam-paper-orchestrator/internal/llm"
	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/trace"
)

// passScore is the partial score at which a free-form answer counts as correct.
const passScore = 0.6

var (
	conclusionLetter = regexp.MustCompile(`(?i:answer(?:\s+is)?|choose|chose|select|pick|option)\s*[:：]?\s*\(?([A-H])\b`)
	standaloneLetter = regexp.MustCompile(`\b([A-H])\b`)
	letterWord       = regexp.MustCompile(`\b[A-H]{1,8}\b`)
)

// Grader scores a simulated answer. Choice questions are graded locally; fill-blank and
// free-form questions go to the grade role.
type Grader struct {
	gen      llm.Generator
	attempts int
	logger   *slog.Logger
}

func NewGrader(gen llm.Generator, opts Options) *Grader {
	return &Grader{gen: withTrace(gen, "grader"), attempts: max(opts.StructuredAttempts, 1), logger: opts.logger()}
}

type gradeReply struct {
	Score     *float64 `json:"score"`
	Reasoning string   `json:"reasoning"`
}

func parseGrade(raw string) (gradeReply, error) {
	r, err := llm.DecodeJSON[gradeReply](raw)
	if err != nil {
		return r, err
	}
	if r.Score == nil {
		return r, fmt.Errorf(`"score" is missing`)
	}
	return r, nil
}

// Grade never fails; backend problems fall back to local heuristics.
func (g *Grader) Grade(ctx context.Context, q models.CandidateQuestion, a models.SolveAttempt) models.GradeOutcome {
	out := models.GradeOutcome{TaskID: q.TaskID, AttemptIndex: a.AttemptIndex}
	switch q.Type {
	case models.TypeSingleChoice:
		want := NormalizeLetters(q.Answer)
		got := SingleChoiceLetter(a.Answer)
		return objective(out, got != "" && got == want, fmt.Sprintf("key=%s answer=%s", want, display(got, a.Answer)))

	case models.TypeMultipleChoice:
		want := NormalizeLetters(q.Answer)
		got := MultipleChoiceLetters(a.Answer)
		return objective(out, got != "" && got == want, fmt.Sprintf("key=%s answer=%s", want, display(got, a.Answer)))

	case models.TypeFillBlank:
		return g.gradeFillBlank(ctx, q, a, out)

	default:
		score, reasoning, err := g.score(ctx, q, a)
		if err != nil {
			g.logger.Warn("grading failed, using neutral score", "task_id", q.TaskID, "attempt", a.AttemptIndex, "error", err)
			score, reasoning = 0.5, "grading unavailable, neutral score: "+err.Error()
		}
		out.PartialScore = &score
		out.Rationale = reasoning
		ok := err == nil && score >= passScore
		out.Correct = &ok
		return out
	}
}

func (g *Grader) gradeFillBlank(ctx context.Context, q models.CandidateQuestion, a models.SolveAttempt, out models.GradeOutcome) models.GradeOutcome {
	key := strings.TrimSpace(q.Answer)
	answer := strings.TrimSpace(a.Answer)
	if key == "" {
		score := 0.5
		out = objective(out, true, "no reference answer")
		out.PartialScore = &score
		return out
	}
	if strings.EqualFold(key, answer) {
		return objective(out, true, "exact match")
	}

	score, reasoning, err := g.score(ctx, q, a)
	if err != nil {
		g.logger.Warn("fill-blank grading failed, using substring match", "task_id", q.TaskID, "attempt", a.AttemptIndex, "error", err)
		k, s := strings.ToLower(key), strings.ToLower(answer)
		ok := s != "" && (strings.Contains(s, k) || strings.Contains(k, s))
		fallback := 0.2
		if ok {
			fallback = 0.8
		}
		out = objective(out, ok, "substring fallback: "+err.Error())
		out.PartialScore = &fallback
		return out
	}
	out = objective(out, score >= passScore, reasoning)
	out.PartialScore = &score
	return out
}

func (g *Grader) score(ctx context.Context, q models.CandidateQuestion, a models.SolveAttempt) (float64, string, error) {
	ctx = trace.WithAttempt(ctx, a.AttemptIndex)
	r, err := llm.Structured(ctx, g.gen, config.RoleGrade, graderSystem, graderPrompt(q, a.Answer), parseGrade, g.attempts)
	if err != nil {
		return 0, "", err
	}
	return min(max(*r.Score, 0), 1), r.Reasoning, nil
}

func objective(out models.GradeOutcome, correct bool, rationale string) models.GradeOutcome {
	score := 0.0
	if correct {
		score = 1
	}
	out.Correct = &correct
	out.PartialScore = &score
	out.Rationale = rationale
	return out
}

// SingleChoiceLetter picks the letter a student committed to: the last concluding
// phrase ("Answer: B") wins, otherwise the last standalone capital option letter.
func SingleChoiceLetter(answer string) string {
	if m := conclusionLetter.FindAllStringSubmatch(answer, -1); len(m) > 0 {
		return m[len(m)-1][1]
	}
	if t := strings.TrimSpace(answer); len(t) == 1 {
		return NormalizeLetters(t)
	}
	if m := standaloneLetter.FindAllStringSubmatch(answer, -1); len(m) > 0 {
		return m[len(m)-1][1]
	}
	return ""
}

// MultipleChoiceLetters returns the sorted letter set a student chose. Text after the
// last "Answer:" is preferred when present.
func MultipleChoiceLetters(answer string) string {
	tail := answer
	if loc := lastAnswerMarker(answer); loc >= 0 {
		tail = answer[loc:]
	}
	if t := strings.TrimSpace(tail); t != "" && strings.Trim(strings.ToLower(t), "abcdefgh ,") == "" {
		return NormalizeLetters(t)
	}
	return NormalizeLetters(strings.Join(letterWord.FindAllString(tail, -1), " "))
}

var answerMarker = regexp.MustCompile(`(?i)answer\s*(?:is)?\s*[:：]`)

func lastAnswerMarker(s string) int {
	locs := answerMarker.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return -1
	}
	return locs[len(locs)-1][1]
}

func display(letters, raw string) string {
	if letters != "" {
		return letters
	}
	return truncateRunes(strings.TrimSpace(raw), 10)
}

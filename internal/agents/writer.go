package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"exam-paper-orchestrator/internal/config"
	"exam-paper-orchestrator/internal/llm"
	"exam-paper-orchestrator/internal/models"
)

// QuestionWriter generates one candidate question for a position task.
type QuestionWriter struct {
	gen      llm.Generator
	attempts int
}

func NewQuestionWriter(gen llm.Generator, opts Options) *QuestionWriter {
	return &QuestionWriter{gen: withTrace(gen, "question_writer"), attempts: max(opts.StructuredAttempts, 1)}
}

type writerReply struct {
	Question      string            `json:"question"`
	Options       map[string]string `json:"options"`
	Answer        string            `json:"answer"`
	Explanation   string            `json:"explanation"`
	ScoringPoints string            `json:"scoring_points"`
}

// Write asks the question role for a candidate. The error is non-nil only when the
// backend failed or never produced a usable reply.
func (w *QuestionWriter) Write(ctx context.Context, task models.PositionTask) (models.CandidateQuestion, error) {
	parse := func(raw string) (models.CandidateQuestion, error) {
		reply, err := llm.DecodeJSON[writerReply](raw)
		if err != nil {
			return models.CandidateQuestion{}, err
		}
		return buildCandidate(task, reply)
	}
	q, err := llm.Structured(ctx, w.gen, config.RoleQuestion, writerSystem, writerPrompt(task), parse, w.attempts)
	if err != nil {
		return models.CandidateQuestion{}, fmt.Errorf("write position %d: %w", task.Position, err)
	}
	return q, nil
}

func buildCandidate(task models.PositionTask, r writerReply) (models.CandidateQuestion, error) {
	text := strings.TrimSpace(r.Question)
	if text == "" {
		return models.CandidateQuestion{}, errors.New(`"question" is empty`)
	}
	answer := strings.TrimSpace(r.Answer)
	if answer == "" {
		return models.CandidateQuestion{}, errors.New(`"answer" is empty`)
	}

	q := models.CandidateQuestion{
		TaskID:           task.TaskID,
		Type:             task.Type,
		Text:             text,
		Answer:           answer,
		Explanation:      strings.TrimSpace(r.Explanation),
		ScoringPoints:    strings.TrimSpace(r.ScoringPoints),
		KnowledgePoint:   task.KnowledgePoint,
		TargetDifficulty: task.TargetDifficulty,
	}
	if !models.IsChoice(task.Type) {
		return q, nil
	}

	opts := make(map[string]string, len(r.Options))
	for k, v := range r.Options {
		key := strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(k), ".")))
		if key == "" || strings.TrimSpace(v) == "" {
			continue
		}
		opts[key] = strings.TrimSpace(v)
	}
	if len(opts) < 2 {
		return models.CandidateQuestion{}, errors.New(`choice questions need at least two "options"`)
	}
	letters := NormalizeLetters(answer)
	if letters == "" {
		return models.CandidateQuestion{}, fmt.Errorf("answer %q names no option letter", answer)
	}
	for _, l := range letters {
		if _, ok := opts[string(l)]; !ok {
			return models.CandidateQuestion{}, fmt.Errorf("answer letter %c is not among the options", l)
		}
	}
	if task.Type == models.TypeSingleChoice && len(letters) != 1 {
		return models.CandidateQuestion{}, fmt.Errorf("single choice answer must be one letter, got %q", letters)
	}
	q.Options = opts
	q.Answer = letters
	return q, nil
}

// NormalizeLetters returns the distinct option letters named in s, sorted. Only words
// made entirely of capital option letters count, so "B. a membrane" is "B". A reply
// consisting of nothing but lower-case letters ("acd") is accepted as well.
func NormalizeLetters(s string) string {
	s = strings.TrimSpace(s)
	if s != "" && strings.Trim(s, "abcdefgh") == "" {
		s = strings.ToUpper(s)
	}
	seen := make(map[rune]bool)
	words := strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	for _, w := range words {
		if strings.Trim(w, "ABCDEFGH") != "" {
			continue
		}
		for _, r := range w {
			seen[r] = true
		}
	}
	out := make([]rune, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return string(out)
}

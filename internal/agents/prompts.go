package agents

import (
	"fmt"
	"sort"
	"strings"

	"exam-paper-orchestrator/internal/models"
)

const writerSystem = `You write exam questions for a mock paper. Each question must be
self-contained, unambiguous and answerable from the stated knowledge point alone.
Reply with a single JSON object and nothing else:
{"question": "...", "options": {"A": "...", "B": "..."}, "answer": "...",
 "explanation": "...", "scoring_points": "..."}
Omit "options" for questions without lettered options. For choice questions the answer
is the letter (single choice) or the letters (multiple choice) of the correct options.`

const qualitySystem = `You review exam questions before they reach a paper. Reject a question
when it is ambiguous, has no correct answer or more than one for single choice, leaks its
answer in the stem, contains factual errors, or does not match its declared type.
Reply with a single JSON object: {"passed": true|false, "reasons": ["..."]}`

const solverSystem = `You are an ordinary student sitting an exam. Answer the question on your
own, without looking anything up. Keep the reasoning short.`

const graderSystem = `You grade a student's answer against the reference answer and scoring
points. Award a score from 0 to 1, where 1 is fully correct.
Reply with a single JSON object: {"score": 0.0, "reasoning": "..."}`

const knowledgeSystem = `You analyse past exam questions. Name the single knowledge point the
given position most often tests, in a short phrase of at most ten words. Reply with the
phrase only.`

func writerPrompt(task models.PositionTask) string {
	lo, hi := models.DifficultyRange(task.TargetDifficulty)
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", task.Subject)
	fmt.Fprintf(&b, "Position: %s (question %d)\n", task.PositionLabel, task.Position)
	fmt.Fprintf(&b, "Question type: %s\n", typeLabel(task.Type))
	fmt.Fprintf(&b, "Knowledge point: %s\n", task.KnowledgePoint)
	fmt.Fprintf(&b, "Target difficulty: %s (between %.0f%% and %.0f%% of students should answer correctly)\n",
		task.TargetDifficulty, lo*100, hi*100)

	if len(task.Examples) > 0 {
		b.WriteString("\nPast questions at this position, for style and scope only:\n")
		for i, ex := range task.Examples {
			fmt.Fprintf(&b, "[%d] (%d %s) %s\n", i+1, ex.Year, ex.Region, truncateRunes(ex.Content, 300))
		}
	}
	if task.Material != "" {
		fmt.Fprintf(&b, "\nBuild the question around this material:\n%s\n", task.Material)
	}
	if task.ExtraInstructions != "" {
		fmt.Fprintf(&b, "\nAdditional instructions: %s\n", task.ExtraInstructions)
	}
	if task.RetryFeedback != "" {
		fmt.Fprintf(&b, "\nYour previous attempt was rejected (attempt %d). Fix this:\n%s\n",
			task.RetryCount, task.RetryFeedback)
	}
	switch task.Type {
	case models.TypeSingleChoice:
		b.WriteString("\nProvide four options A to D with exactly one correct option.\n")
	case models.TypeMultipleChoice:
		b.WriteString("\nProvide four options A to D with at least two correct options.\n")
	case models.TypeFillBlank:
		b.WriteString("\nMark the blank with ____ and give the exact expected text as the answer.\n")
	default:
		b.WriteString("\nGive a model answer and list the scoring points.\n")
	}
	return b.String()
}

func qualityPrompt(q models.CandidateQuestion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question type: %s\n", typeLabel(q.Type))
	fmt.Fprintf(&b, "Knowledge point: %s\n\n%s\n", q.KnowledgePoint, q.Text)
	b.WriteString(formatOptions(q.Options))
	fmt.Fprintf(&b, "\nReference answer: %s\n", q.Answer)
	if q.Explanation != "" {
		fmt.Fprintf(&b, "Explanation: %s\n", q.Explanation)
	}
	if q.ScoringPoints != "" {
		fmt.Fprintf(&b, "Scoring points: %s\n", q.ScoringPoints)
	}
	return b.String()
}

func solverPrompt(q models.CandidateQuestion) string {
	switch {
	case models.IsChoice(q.Type):
		hint := "Choose one option."
		if q.Type == models.TypeMultipleChoice {
			hint = "Choose every correct option."
		}
		return fmt.Sprintf("%s\n%s\n%s Finish with a line of the form \"Answer: X\".", q.Text, formatOptions(q.Options), hint)
	case q.Type == models.TypeFillBlank:
		return q.Text + "\n\nReply with the text that fills the blank only."
	default:
		return q.Text + "\n\nWrite your answer."
	}
}

func graderPrompt(q models.CandidateQuestion, studentAnswer string) string {
	points := q.ScoringPoints
	if points == "" {
		points = truncateRunes(q.Explanation, 300)
	}
	if points == "" {
		points = q.Answer
	}
	return fmt.Sprintf("Question:\n%s\n\nReference answer:\n%s\n\nScoring points:\n%s\n\nStudent answer:\n%s\n",
		truncateRunes(q.Text, 500), truncateRunes(q.Answer, 500), truncateRunes(points, 500), truncateRunes(studentAnswer, 500))
}

func knowledgePrompt(subject string, position int, examples []models.Example) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\nPosition: question %d\n\nPast questions at this position:\n", subject, position)
	for _, ex := range examples {
		fmt.Fprintf(&b, "[%d %s] %s\n\n", ex.Year, ex.Region, truncateRunes(ex.Content, 300))
	}
	return b.String()
}

func formatOptions(opts map[string]string) string {
	if len(opts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s. %s\n", k, opts[k])
	}
	return b.String()
}

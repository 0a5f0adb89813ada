package paper

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"exam-paper-orchestrator/internal/models"
)

// ErrNothingToAssemble means no position was approved and nothing was restored.
var ErrNothingToAssemble = errors.New("no approved questions to assemble")

var difficultyLabels = map[string]string{
	models.DifficultyEasy:   "Easy",
	models.DifficultyMedium: "Medium",
	models.DifficultyHard:   "Hard",
}

// Assemble renders the approved set as one paper, ordered by position. An empty set
// is an error unless tolerateEmpty is set. The returned warnings list every
// force-approved position in a single line.
func Assemble(req models.PaperRequirement, approved []models.ApprovedQuestion, tolerateEmpty bool) (models.Paper, []string, error) {
	if len(approved) == 0 && !tolerateEmpty {
		return models.Paper{}, nil, ErrNothingToAssemble
	}

	sorted := make([]models.ApprovedQuestion, len(approved))
	copy(sorted, approved)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	label, ok := difficultyLabels[req.TargetDifficulty]
	if !ok {
		label = req.TargetDifficulty
	}
	p := models.Paper{
		Title:            req.Subject + " mock exam paper",
		Subject:          req.Subject,
		TargetRegion:     req.TargetRegion,
		TargetDifficulty: req.TargetDifficulty,
		DifficultyLabel:  label,
		Total:            len(sorted),
		Questions:        make([]models.AssembledQuestion, 0, len(sorted)),
	}

	var (
		sum    float64
		scored int
		forced []string
	)
	for _, a := range sorted {
		q := models.AssembledQuestion{
			Number:        a.Position,
			Type:          a.Question.Type,
			Content:       a.Question.Text,
			Options:       orderedOptions(a.Question.Options),
			Answer:        a.Question.Answer,
			Explanation:   a.Question.Explanation,
			ScoringPoints: a.Question.ScoringPoints,
		}
		if a.Verdict != nil {
			c := a.Verdict.Coefficient
			q.Coefficient = &c
			sum += c
			scored++
			if a.Verdict.Forced {
				forced = append(forced, strconv.Itoa(a.Position))
			}
		}
		p.Questions = append(p.Questions, q)
	}

	p.AverageCoefficient = 0.5
	if scored > 0 {
		p.AverageCoefficient = round(sum/float64(scored), 3)
	}

	var warnings []string
	if len(forced) > 0 {
		warnings = append(warnings, fmt.Sprintf("positions %s: difficulty target not met within the retry budget, approved as forced",
			strings.Join(forced, ", ")))
	}
	return p, warnings, nil
}

func orderedOptions(opts map[string]string) []models.Option {
	if len(opts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]models.Option, 0, len(keys))
	for _, k := range keys {
		out = append(out, models.Option{Key: k, Value: opts[k]})
	}
	return out
}

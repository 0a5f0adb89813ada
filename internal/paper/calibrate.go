package paper

import (
	"fmt"
	"math"

	"exam-paper-orchestrator/internal/models"
)

// Calibrate turns the grades of K simulated attempts into a difficulty verdict.
// It is pure: identical input always yields an identical verdict.
//
// Objective types use the fraction answered correctly. Free-form types use the mean
// partial score and count scores of at least 0.6 as passes. An out-of-range
// coefficient is approved as forced once retryCount reaches maxRetry.
func Calibrate(q models.CandidateQuestion, grades []models.GradeOutcome, retryCount, maxRetry int) models.DifficultyVerdict {
	v := models.DifficultyVerdict{
		TaskID:        q.TaskID,
		TotalAttempts: len(grades),
		RetryCount:    retryCount,
	}
	if len(grades) == 0 {
		v.Coefficient = 0.5
		v.Decision = models.DecisionApprove
		v.Feedback = "no grade outcomes, default coefficient applied"
		return v
	}

	var coefficient float64
	if models.IsObjective(q.Type) {
		for _, g := range grades {
			if g.Correct != nil && *g.Correct {
				v.PassCount++
			}
		}
		coefficient = float64(v.PassCount) / float64(len(grades))
	} else {
		var sum float64
		for _, g := range grades {
			s := partialScore(g)
			sum += s
			if s >= 0.6 {
				v.PassCount++
			}
		}
		coefficient = sum / float64(len(grades))
	}
	v.Coefficient = round(coefficient, 4)

	lo, hi := models.DifficultyRange(q.TargetDifficulty)
	switch {
	case v.Coefficient >= lo && v.Coefficient <= hi:
		v.Decision = models.DecisionApprove
	case retryCount >= maxRetry:
		v.Decision = models.DecisionApprove
		v.Forced = true
		v.Feedback = fmt.Sprintf("coefficient %.2f outside target %.2f-%.2f after %d retries, approved as forced",
			v.Coefficient, lo, hi, retryCount)
	default:
		v.Decision = models.DecisionRetry
		v.Feedback = retryFeedback(v, lo, hi)
	}
	return v
}

func partialScore(g models.GradeOutcome) float64 {
	if g.PartialScore != nil {
		return *g.PartialScore
	}
	if g.Correct != nil && *g.Correct {
		return 1
	}
	return 0
}

func retryFeedback(v models.DifficultyVerdict, lo, hi float64) string {
	if v.Coefficient > hi {
		return fmt.Sprintf("Too easy: %d of %d simulated students passed (coefficient %.2f, target %.2f-%.2f). "+
			"Make it harder: require an extra reasoning step, use more plausible distractors, or test a finer point of the knowledge point.",
			v.PassCount, v.TotalAttempts, v.Coefficient, lo, hi)
	}
	return fmt.Sprintf("Too hard: only %d of %d simulated students passed (coefficient %.2f, target %.2f-%.2f). "+
		"Make it easier: state the stem more directly, remove misleading detail, or reduce the number of reasoning steps.",
		v.PassCount, v.TotalAttempts, v.Coefficient, lo, hi)
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

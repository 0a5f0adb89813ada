package models

// Example is one reference question pulled from the bank.
type Example struct {
	ID       string `json:"id"`
	Year     int    `json:"year"`
	Region   string `json:"region"`
	Content  string `json:"content"`
	Answer   string `json:"answer"`
	Position int    `json:"position"`
}

// PositionTask describes what to generate for one slot of the paper.
// Only its own pipeline mutates RetryFeedback and RetryCount.
type PositionTask struct {
	TaskID            string    `json:"task_id"`
	Type              string    `json:"type"`
	Position          int       `json:"position"`
	PositionLabel     string    `json:"position_label"`
	TargetDifficulty  string    `json:"target_difficulty"`
	KnowledgePoint    string    `json:"knowledge_point"`
	Subject           string    `json:"subject"`
	Examples          []Example `json:"examples,omitempty"`
	Material          string    `json:"material,omitempty"`
	ExtraInstructions string    `json:"extra_instructions,omitempty"`
	RetryFeedback     string    `json:"retry_feedback,omitempty"`
	RetryCount        int       `json:"retry_count"`
}

// CandidateQuestion is one generated question. A retry produces a new value.
type CandidateQuestion struct {
	TaskID           string            `json:"task_id"`
	Type             string            `json:"type"`
	Text             string            `json:"text"`
	Options          map[string]string `json:"options,omitempty"`
	Answer           string            `json:"answer"`
	Explanation      string            `json:"explanation"`
	ScoringPoints    string            `json:"scoring_points,omitempty"`
	KnowledgePoint   string            `json:"knowledge_point"`
	TargetDifficulty string            `json:"target_difficulty"`
}

// QualityVerdict is the quality checker's ruling on a candidate.
type QualityVerdict struct {
	TaskID  string   `json:"task_id"`
	Passed  bool     `json:"passed"`
	Reasons []string `json:"reasons,omitempty"`
}

// SolveAttempt is one simulated exam taker's answer.
type SolveAttempt struct {
	TaskID       string `json:"task_id"`
	AttemptIndex int    `json:"attempt_index"`
	Persona      string `json:"persona"`
	Answer       string `json:"answer"`
}

// GradeOutcome grades a SolveAttempt. Objective types set Correct, free-form types set PartialScore.
type GradeOutcome struct {
	TaskID       string   `json:"task_id"`
	AttemptIndex int      `json:"attempt_index"`
	Correct      *bool    `json:"correct,omitempty"`
	PartialScore *float64 `json:"partial_score,omitempty"`
	Rationale    string   `json:"rationale,omitempty"`
}

// Calibration decisions.
const (
	DecisionApprove = "approve"
	DecisionRetry   = "retry"
)

// DifficultyVerdict aggregates K grade outcomes.
type DifficultyVerdict struct {
	TaskID        string  `json:"task_id"`
	Coefficient   float64 `json:"coefficient"`
	PassCount     int     `json:"pass_count"`
	TotalAttempts int     `json:"total_attempts"`
	Decision      string  `json:"decision"`
	Feedback      string  `json:"feedback,omitempty"`
	RetryCount    int     `json:"retry_count"`
	Forced        bool    `json:"forced"`
}

// ApprovedQuestion pairs an approved candidate with its calibration.
// Verdict is nil for entries restored from a checkpoint.
type ApprovedQuestion struct {
	Position int                `json:"position"`
	Question CandidateQuestion  `json:"question"`
	Verdict  *DifficultyVerdict `json:"verdict,omitempty"`
}

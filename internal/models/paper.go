package models

// Option is one lettered choice rendered in order.
type Option struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AssembledQuestion is a numbered question in the final paper.
type AssembledQuestion struct {
	Number        int      `json:"number"`
	Type          string   `json:"type"`
	Content       string   `json:"content"`
	Options       []Option `json:"options,omitempty"`
	Answer        string   `json:"answer"`
	Explanation   string   `json:"explanation"`
	ScoringPoints string   `json:"scoring_points,omitempty"`
	Coefficient   *float64 `json:"difficulty_coefficient,omitempty"`
}

// Paper is the assembled document stored as the job artifact.
type Paper struct {
	Title              string              `json:"title"`
	Subject            string              `json:"subject"`
	TargetRegion       string              `json:"target_region"`
	TargetDifficulty   string              `json:"target_difficulty"`
	DifficultyLabel    string              `json:"difficulty_label"`
	AverageCoefficient float64             `json:"average_coefficient"`
	Total              int                 `json:"total"`
	Questions          []AssembledQuestion `json:"questions"`
}

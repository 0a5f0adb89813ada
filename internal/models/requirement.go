package models

// Question types understood by the agents and the calibrator.
const (
	TypeSingleChoice   = "single_choice"
	TypeMultipleChoice = "multiple_choice"
	TypeFillBlank      = "fill_blank"
	TypeShortAnswer    = "short_answer"
)

// Difficulty buckets. A higher coefficient means an easier question.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// IsChoice reports whether questions of type t carry lettered options.
func IsChoice(t string) bool {
	return t == TypeSingleChoice || t == TypeMultipleChoice
}

// IsObjective reports whether t is graded against an exact key.
func IsObjective(t string) bool {
	return IsChoice(t) || t == TypeFillBlank
}

// QuestionTypeSpec is one row of the paper distribution.
type QuestionTypeSpec struct {
	Type  string  `json:"type" validate:"required,qtype"`
	Count int     `json:"count" validate:"min=1"`
	Score float64 `json:"score" validate:"min=0"`
}

// DifficultyRatio splits same-type positions into easy/medium/hard.
type DifficultyRatio struct {
	Easy   float64 `json:"easy" validate:"min=0,max=1"`
	Medium float64 `json:"medium" validate:"min=0,max=1"`
	Hard   float64 `json:"hard" validate:"min=0,max=1"`
}

// IsZero reports whether no split was requested.
func (d DifficultyRatio) IsZero() bool {
	return d == DifficultyRatio{}
}

// BucketFor maps a 0..1 rank fraction within a type onto a bucket.
func (d DifficultyRatio) BucketFor(fraction float64) string {
	switch {
	case fraction < d.Easy:
		return DifficultyEasy
	case fraction < d.Easy+d.Medium:
		return DifficultyMedium
	default:
		return DifficultyHard
	}
}

// DefaultDifficultyRatio is a conventional split for mixed papers.
var DefaultDifficultyRatio = DifficultyRatio{Easy: 0.3, Medium: 0.5, Hard: 0.2}

// PaperRequirement is the immutable description of the paper to build.
type PaperRequirement struct {
	Subject          string             `json:"subject" validate:"required"`
	CourseID         string             `json:"course_id,omitempty"`
	TargetRegion     string             `json:"target_region"`
	TargetDifficulty string             `json:"target_difficulty" validate:"omitempty,oneof=easy medium hard"`
	Distribution     []QuestionTypeSpec `json:"distribution" validate:"required,min=1,dive"`
	DifficultyRatio  DifficultyRatio    `json:"difficulty_ratio"`
	UseMaterial      bool               `json:"use_material"`
	ExtraNote        string             `json:"extra_note,omitempty"`
}

// TotalQuestions is the number of positions the paper will have.
func (r PaperRequirement) TotalQuestions() int {
	n := 0
	for _, d := range r.Distribution {
		n += d.Count
	}
	return n
}

// WithDefaults fills optional fields left empty by the caller. An empty difficulty
// ratio stays empty: every position then targets TargetDifficulty.
func (r PaperRequirement) WithDefaults() PaperRequirement {
	if r.TargetDifficulty == "" {
		r.TargetDifficulty = DifficultyMedium
	}
	return r
}

// BucketAt is the target bucket of the rank-th (1-based) of count positions of one type.
func (r PaperRequirement) BucketAt(rank, count int) string {
	if r.DifficultyRatio.IsZero() {
		if r.TargetDifficulty == "" {
			return DifficultyMedium
		}
		return r.TargetDifficulty
	}
	fraction := float64(rank-1) / float64(max(count-1, 1))
	return r.DifficultyRatio.BucketFor(fraction)
}

// TypeAt returns the question type for a 1-based global position.
func (r PaperRequirement) TypeAt(position int) (string, bool) {
	if position < 1 {
		return "", false
	}
	seen := 0
	for _, d := range r.Distribution {
		if position <= seen+d.Count {
			return d.Type, true
		}
		seen += d.Count
	}
	return "", false
}

// DifficultyRange is the target coefficient interval of a bucket. Unknown buckets use medium.
func DifficultyRange(bucket string) (lo, hi float64) {
	switch bucket {
	case DifficultyEasy:
		return 0.65, 1.0
	case DifficultyHard:
		return 0.10, 0.50
	default:
		return 0.40, 0.75
	}
}

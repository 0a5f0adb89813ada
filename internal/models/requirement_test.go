package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func biologyRequirement() PaperRequirement {
	return PaperRequirement{
		Subject: "Biology",
		Distribution: []QuestionTypeSpec{
			{Type: TypeSingleChoice, Count: 2, Score: 2},
			{Type: TypeShortAnswer, Count: 1, Score: 10},
		},
	}
}

func TestRequirementPositions(t *testing.T) {
	req := biologyRequirement()
	assert.Equal(t, 3, req.TotalQuestions())

	cases := []struct {
		position int
		want     string
		ok       bool
	}{
		{0, "", false},
		{1, TypeSingleChoice, true},
		{2, TypeSingleChoice, true},
		{3, TypeShortAnswer, true},
		{4, "", false},
	}
	for _, tc := range cases {
		got, ok := req.TypeAt(tc.position)
		assert.Equal(t, tc.ok, ok, "position %d", tc.position)
		assert.Equal(t, tc.want, got, "position %d", tc.position)
	}
}

func TestRequirementDefaults(t *testing.T) {
	req := biologyRequirement().WithDefaults()
	assert.Equal(t, DifficultyMedium, req.TargetDifficulty)
	assert.True(t, req.DifficultyRatio.IsZero())

	req = PaperRequirement{TargetDifficulty: DifficultyHard, DifficultyRatio: DifficultyRatio{Hard: 1}}.WithDefaults()
	assert.Equal(t, DifficultyHard, req.TargetDifficulty)
	assert.Equal(t, 1.0, req.DifficultyRatio.Hard)
}

func TestRequirementValidate(t *testing.T) {
	require.NoError(t, biologyRequirement().WithDefaults().Validate())

	tests := []struct {
		name   string
		mutate func(*PaperRequirement)
	}{
		{"missing subject", func(r *PaperRequirement) { r.Subject = "" }},
		{"empty distribution", func(r *PaperRequirement) { r.Distribution = nil }},
		{"zero count", func(r *PaperRequirement) { r.Distribution[0].Count = 0 }},
		{"negative score", func(r *PaperRequirement) { r.Distribution[0].Score = -1 }},
		{"unknown type", func(r *PaperRequirement) { r.Distribution[0].Type = "essay" }},
		{"unknown difficulty", func(r *PaperRequirement) { r.TargetDifficulty = "brutal" }},
		{"ratio above one", func(r *PaperRequirement) { r.DifficultyRatio.Easy = 1.5 }},
		{"ratio sum above one", func(r *PaperRequirement) {
			r.DifficultyRatio = DifficultyRatio{Easy: 0.6, Medium: 0.6}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := biologyRequirement().WithDefaults()
			tc.mutate(&req)
			assert.Error(t, req.Validate())
		})
	}
}

func TestDifficultyRange(t *testing.T) {
	lo, hi := DifficultyRange(DifficultyEasy)
	assert.Equal(t, [2]float64{0.65, 1.0}, [2]float64{lo, hi})
	lo, hi = DifficultyRange(DifficultyHard)
	assert.Equal(t, [2]float64{0.10, 0.50}, [2]float64{lo, hi})
	lo, hi = DifficultyRange("unknown")
	assert.Equal(t, [2]float64{0.40, 0.75}, [2]float64{lo, hi})
}

func TestBucketAt(t *testing.T) {
	req := biologyRequirement().WithDefaults()
	for rank := 1; rank <= 3; rank++ {
		assert.Equal(t, DifficultyMedium, req.BucketAt(rank, 3), "no ratio keeps the paper target")
	}

	req.DifficultyRatio = DefaultDifficultyRatio
	assert.Equal(t, DifficultyEasy, req.BucketAt(1, 5))
	assert.Equal(t, DifficultyEasy, req.BucketAt(2, 5))
	assert.Equal(t, DifficultyMedium, req.BucketAt(3, 5))
	assert.Equal(t, DifficultyMedium, req.BucketAt(4, 5))
	assert.Equal(t, DifficultyHard, req.BucketAt(5, 5))
	assert.Equal(t, DifficultyEasy, req.BucketAt(1, 1), "single position ranks as the first")
}

package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var requirementValidate *validator.Validate

func init() {
	requirementValidate = validator.New()
	_ = requirementValidate.RegisterValidation("qtype", validateQuestionType)
}

func validateQuestionType(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case TypeSingleChoice, TypeMultipleChoice, TypeFillBlank, TypeShortAnswer:
		return true
	}
	return false
}

// Validate checks a requirement before a job is created for it.
func (r PaperRequirement) Validate() error {
	if err := requirementValidate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	ratio := r.DifficultyRatio
	if sum := ratio.Easy + ratio.Medium + ratio.Hard; sum > 1.0001 {
		return fmt.Errorf("difficulty ratio sums to %.2f", sum)
	}
	return nil
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// validateBody writes a 400 listing the failed fields when body does not validate.
func validateBody(w http.ResponseWriter, body any) bool {
	err := validate.Struct(body)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		http.Error(w, strings.Join(msgs, "; "), http.StatusBadRequest)
		return false
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
	return false
}

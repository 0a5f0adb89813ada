package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedOutput means the model never produced parseable structured output.
var ErrMalformedOutput = errors.New("malformed model output")

// Structured asks gen for structured output and feeds parse failures back into the
// prompt until parse succeeds or attempts are used up. Transport errors are returned as-is.
func Structured[T any](ctx context.Context, gen Generator, role, system, user string, parse func(string) (T, error), attempts int) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}
	prompt := user
	var lastErr error
	for i := 0; i < attempts; i++ {
		raw, err := gen.Generate(ctx, role, system, prompt)
		if err != nil {
			return zero, err
		}
		out, err := parse(raw)
		if err == nil {
			return out, nil
		}
		lastErr = err
		prompt = user + "\n\nYour previous reply could not be used:\n" + raw +
			"\n\nProblem: " + err.Error() +
			"\nReply again with only the corrected JSON object."
	}
	return zero, fmt.Errorf("%w after %d attempts: %v", ErrMalformedOutput, attempts, lastErr)
}

// ExtractJSON returns the outermost JSON object in text, fenced or bare.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = rest[:end]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", errors.New("no JSON object found")
	}
	return s[start : end+1], nil
}

// DecodeJSON extracts and unmarshals the JSON object in text into T.
func DecodeJSON[T any](text string) (T, error) {
	var out T
	raw, err := ExtractJSON(text)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("invalid JSON: %w", err)
	}
	return out, nil
}

// Package aiparse coerces free-form generative model output into typed values.
//
// Parsing walks a fixed chain of stages and never returns an error: the caller
// always gets a value plus the stage that produced it, so a real answer can be
// told apart from the safety default.
package aiparse

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Stage identifies which step of the chain produced a Result.
type Stage string

const (
	StageDirect  Stage = "direct"
	StageSpan    Stage = "span"
	StageProse   Stage = "prose"
	StageDefault Stage = "default"
)

const (
	DefaultMinProse = 20
	DefaultMaxProse = 2000
)

// Result is the outcome of Parse.
type Result[T any] struct {
	Value    T
	Stage    Stage
	Fallback bool // Value is the safety default
}

// Structured reports whether the value was decoded from structured output.
func (r Result[T]) Structured() bool {
	return r.Stage == StageDirect || r.Stage == StageSpan
}

// Options configures Parse for a target type.
type Options[T any] struct {
	// Validate rejects decoded values that are structurally valid JSON but
	// semantically wrong. Nil means validator struct tags.
	Validate func(T) error
	// Prose builds a value from plausible free text. Nil disables the prose stage.
	Prose func(text string) T
	// Default is returned when every other stage fails.
	Default T

	MinProse int
	MaxProse int
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct checks v against its `validate` struct tags.
// Non-struct values are accepted as is.
func ValidateStruct[T any](v T) error {
	err := validate.Struct(v)
	var inv *validator.InvalidValidationError
	if errors.As(err, &inv) {
		return nil
	}
	return err
}

// Parse runs the stage chain over raw.
func Parse[T any](raw string, opts Options[T]) Result[T] {
	check := opts.Validate
	if check == nil {
		check = ValidateStruct[T]
	}

	text := strings.TrimSpace(raw)

	if v, ok := decode(text, check); ok {
		return Result[T]{Value: v, Stage: StageDirect}
	}

	if span := outerSpan(stripCodeFences(text)); span != "" {
		if v, ok := decode(span, check); ok {
			return Result[T]{Value: v, Stage: StageSpan}
		}
	}

	if opts.Prose != nil && plausibleProse(text, opts.MinProse, opts.MaxProse) {
		return Result[T]{Value: opts.Prose(text), Stage: StageProse}
	}

	return Result[T]{Value: opts.Default, Stage: StageDefault, Fallback: true}
}

func decode[T any](s string, check func(T) error) (T, bool) {
	var v T
	if s == "" {
		return v, false
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		var zero T
		return zero, false
	}
	if err := check(v); err != nil {
		var zero T
		return zero, false
	}
	return v, true
}

// stripCodeFences removes a surrounding markdown fence such as ```json ... ```.
func stripCodeFences(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return s
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end != -1 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// outerSpan returns the text from the first '{' to the last '}'.
func outerSpan(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func plausibleProse(s string, min, max int) bool {
	if min <= 0 {
		min = DefaultMinProse
	}
	if max <= 0 {
		max = DefaultMaxProse
	}
	n := utf8.RuneCountInString(s)
	if n < min || n > max {
		return false
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") || strings.HasPrefix(s, "```") {
		return false
	}
	// key artifacts from truncated JSON
	return !strings.Contains(s, `":`)
}

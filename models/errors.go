package models

import (
	"errors"
	"fmt"
)

// Error categories surfaced to clients.
const (
	CategoryDecode     = "decode_error"
	CategoryTooLarge   = "too_large"
	CategoryValidation = "validation_error"
	CategoryModelLoad  = "model_load_error"
	CategoryNotLoaded  = "not_loaded"
	CategoryPreprocess = "preprocess_error"
	CategoryAnalysis   = "analysis_error"
)

// Validation rejection reasons.
const (
	ReasonTooSmall      = "too_small"
	ReasonAspectRatio   = "aspect_ratio"
	ReasonNotACat       = "not_a_cat"
	ReasonDetectorError = "detector_error"
)

func formatError(message string, cause error) string {
	if cause != nil {
		return fmt.Sprintf("%s: %v", message, cause)
	}
	return message
}

// DecodeError reports image bytes that are empty, unsupported or malformed.
type DecodeError struct {
	Message string
	Cause   error
}

func (e *DecodeError) Error() string    { return formatError(e.Message, e.Cause) }
func (e *DecodeError) Unwrap() error    { return e.Cause }
func (e *DecodeError) Category() string { return CategoryDecode }

// TooLargeError reports an upload above the byte or pixel limit.
type TooLargeError struct {
	Size  int64
	Limit int64
	Unit  string
}

// Size is zero when the total is unknown, e.g. for a chunked body cut off at the limit.
func (e *TooLargeError) Error() string {
	if e.Size <= 0 {
		return fmt.Sprintf("image too large: exceeds limit of %d %s", e.Limit, e.Unit)
	}
	return fmt.Sprintf("image too large: %d %s exceeds limit of %d %s", e.Size, e.Unit, e.Limit, e.Unit)
}
func (e *TooLargeError) Category() string { return CategoryTooLarge }

// ValidationError reports an image rejected by the presence gate.
type ValidationError struct {
	Reason  string
	Message string
	Cause   error
}

func (e *ValidationError) Error() string    { return formatError(e.Message, e.Cause) }
func (e *ValidationError) Unwrap() error    { return e.Cause }
func (e *ValidationError) Category() string { return CategoryValidation }

// ModelLoadError reports an architecture or weight load failure.
type ModelLoadError struct {
	Source  string
	Message string
	Cause   error
}

func (e *ModelLoadError) Error() string {
	msg := e.Message
	if e.Source != "" {
		msg = fmt.Sprintf("%s (source %q)", msg, e.Source)
	}
	return formatError(msg, e.Cause)
}
func (e *ModelLoadError) Unwrap() error    { return e.Cause }
func (e *ModelLoadError) Category() string { return CategoryModelLoad }

// NotLoadedError reports inference attempted before a model was loaded.
type NotLoadedError struct{}

func (e *NotLoadedError) Error() string    { return "model not loaded" }
func (e *NotLoadedError) Category() string { return CategoryNotLoaded }

// PreprocessError reports a malformed bitmap or tensor.
type PreprocessError struct {
	Message string
	Cause   error
}

func (e *PreprocessError) Error() string    { return formatError(e.Message, e.Cause) }
func (e *PreprocessError) Unwrap() error    { return e.Cause }
func (e *PreprocessError) Category() string { return CategoryPreprocess }

// AnalysisError is the catch-all for unexpected inference-stage failures.
type AnalysisError struct {
	Message string
	Cause   error
}

func (e *AnalysisError) Error() string    { return formatError(e.Message, e.Cause) }
func (e *AnalysisError) Unwrap() error    { return e.Cause }
func (e *AnalysisError) Category() string { return CategoryAnalysis }

type categorized interface {
	Category() string
}

// CategoryOf returns the category of the outermost categorized error in the
// chain, or CategoryAnalysis for anything else.
func CategoryOf(err error) string {
	if err == nil {
		return ""
	}

	var c categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return CategoryAnalysis
}

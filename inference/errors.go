package inference

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotFound     = errors.New("model not loaded")
	ErrMissingModelInput = errors.New("missing model input")
	ErrInferenceFailed   = errors.New("inference failed")
	ErrUnknownRuntime    = errors.New("unknown model runtime")
)

// ModelNotFoundError is returned when no session is loaded for a model.
type ModelNotFoundError struct {
	Model string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %q not loaded", e.Model)
}

func (e *ModelNotFoundError) Is(target error) bool { return target == ErrModelNotFound }

// MissingModelInputError names the first declared input absent from a
// feature map.
type MissingModelInputError struct {
	Model string
	Field string
}

func (e *MissingModelInputError) Error() string {
	return fmt.Sprintf("model %q: missing input %q", e.Model, e.Field)
}

func (e *MissingModelInputError) Is(target error) bool { return target == ErrMissingModelInput }

// InferenceError wraps a runtime failure for one model invocation.
type InferenceError struct {
	Model string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("model %q: inference failed: %v", e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

func (e *InferenceError) Is(target error) bool { return target == ErrInferenceFailed }

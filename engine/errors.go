package engine

import "errors"

// Errors returned by Engine operations. Callers match them with errors.Is;
// the API maps each one to an HTTP status.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotStarted    = errors.New("engine not started")
	ErrSaveFailed    = errors.New("failed to save config")
	ErrModelInUse    = errors.New("model is referenced by a binding")
	ErrModelMismatch = errors.New("artifact declares a different model name")
)

package policy

import (
	"errors"
	"fmt"
)

// Reason classifies why a write was refused before reaching equipment.
type Reason string

const (
	ReasonRateLimitExceeded   Reason = "RateLimitExceeded"
	ReasonConfirmationTimeout Reason = "ConfirmationTimeout"
	ReasonInvalidValue        Reason = "InvalidValue"
)

var (
	ErrRateLimitExceeded   = errors.New("write rate limit exceeded")
	ErrConfirmationTimeout = errors.New("write confirmation timed out")
	ErrInvalidValue        = errors.New("invalid write value")
	ErrUnknownCorrelation  = errors.New("no pending write with that correlation id")
)

// RejectionError is returned for every refused write. It matches the
// sentinel for its reason with errors.Is.
type RejectionError struct {
	Reason Reason
	TagID  string
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("write to %s rejected: %s", e.TagID, e.Reason)
	}
	return fmt.Sprintf("write to %s rejected: %s: %s", e.TagID, e.Reason, e.Detail)
}

// Is maps the reason onto its sentinel error.
func (e *RejectionError) Is(target error) bool {
	switch e.Reason {
	case ReasonRateLimitExceeded:
		return target == ErrRateLimitExceeded
	case ReasonConfirmationTimeout:
		return target == ErrConfirmationTimeout
	case ReasonInvalidValue:
		return target == ErrInvalidValue
	}
	return false
}

func reject(reason Reason, tagID, format string, args ...interface{}) *RejectionError {
	return &RejectionError{Reason: reason, TagID: tagID, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection extracts a RejectionError from err.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

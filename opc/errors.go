package opc

import (
	"errors"
	"fmt"
)

var (
	ErrNotApplicable   = errors.New("not applicable to this protocol")
	ErrNotConnected    = errors.New("not connected")
	ErrUnknownProtocol = errors.New("unknown protocol")
)

// CommError is a protocol communication failure: connect, read, write or
// browse did not complete against the server.
type CommError struct {
	ServerID   string
	Operation  string
	StatusCode uint32
	Err        error
}

// NewCommError wraps err with server and operation context.
func NewCommError(serverID, op string, status uint32, err error) *CommError {
	return &CommError{ServerID: serverID, Operation: op, StatusCode: status, Err: err}
}

func (e *CommError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed (status 0x%08X): %v", e.ServerID, e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.ServerID, e.Operation, e.Err)
}

func (e *CommError) Unwrap() error { return e.Err }

// NotApplicableError is returned when a capability is invoked on a protocol
// that does not provide it, e.g. Read on an HDA connection.
type NotApplicableError struct {
	Protocol  Protocol
	Operation string
}

func (e *NotApplicableError) Error() string {
	return fmt.Sprintf("%s: %s is not applicable to this protocol", e.Protocol.DisplayName(), e.Operation)
}

// Is matches ErrNotApplicable.
func (e *NotApplicableError) Is(target error) bool {
	return target == ErrNotApplicable
}

package session

import (
	"errors"
	"fmt"

	"github.com/Ceponce/finagle/pkg/wire"
)

// Session errors.
var (
	// ErrSessionClosed indicates the session is closed or closing; the
	// exchange was not (or will not be) completed.
	ErrSessionClosed = errors.New("session closed")

	// ErrUnexpectedReply indicates a response arrived for an unknown
	// exchange tag.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// StatusError is a non-success response from the peer. It fails only the
// exchange that received it; sibling exchanges and the session itself are
// unaffected.
type StatusError struct {
	Status  wire.Status
	Message string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Status, e.Message)
	}
	return e.Status.String()
}

package remote

import (
	"errors"
	"fmt"
)

// ErrUnavailable covers network and authentication failures. Retrying the
// same call later may succeed.
var ErrUnavailable = errors.New("remote store unavailable")

// ErrRejected covers permanent refusals for the given input: unknown id,
// invalid name, quota. Retrying without changing the input will not help.
var ErrRejected = errors.New("remote store rejected the request")

// Error records which remote call failed and for which id.
type Error struct {
	Op       string
	RemoteID string
	Err      error
}

func (e *Error) Error() string {
	if e.RemoteID != "" {
		return fmt.Sprintf("remote %s %s: %v", e.Op, e.RemoteID, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Unavailable wraps cause as a retryable failure of op.
func Unavailable(op, remoteID string, cause error) error {
	return &Error{Op: op, RemoteID: remoteID, Err: wrap(ErrUnavailable, cause)}
}

// Rejected wraps cause as a permanent failure of op.
func Rejected(op, remoteID string, cause error) error {
	return &Error{Op: op, RemoteID: remoteID, Err: wrap(ErrRejected, cause)}
}

func wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %v", kind, cause)
}

// IsRetryable reports whether err is a transient remote failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

package tree

import (
	"errors"
	"fmt"
)

// Mirror-side error kinds. Every error returned by the mirror layers wraps
// exactly one of these.
var (
	ErrNotFound      = errors.New("node not found")
	ErrInvalidParent = errors.New("parent must be a non-trashed folder")
	ErrInvalidMove   = errors.New("destination is the node itself or one of its descendants")
	ErrConflict      = errors.New("a sibling with the same name already exists")
	ErrInvalidName   = errors.New("invalid name")
)

// Error carries the operation and node an error kind applies to.
type Error struct {
	Op      string
	LocalID *int64
	Err     error
}

func (e *Error) Error() string {
	if e.LocalID != nil {
		return fmt.Sprintf("%s node %d: %v", e.Op, *e.LocalID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with the operation and node id.
func NewError(op string, localID *int64, err error) error {
	return &Error{Op: op, LocalID: localID, Err: err}
}

// ID returns a pointer to id, for optional parent references.
func ID(id int64) *int64 {
	return &id
}

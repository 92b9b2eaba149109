package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an action id is not in the queue
	ErrNotFound = errors.New("queue: action not found")

	// ErrInvalidAction wraps input validation failures
	ErrInvalidAction = errors.New("queue: invalid action")
)

// EnqueueFailure reports that an action could not be persisted. It is the
// one failure surfaced to the user immediately, since durability of the
// action cannot be guaranteed.
type EnqueueFailure struct {
	Kind     Kind
	TargetID string
	Err      error
}

func (e *EnqueueFailure) Error() string {
	return fmt.Sprintf("could not queue %s on %s: local storage unavailable: %v", e.Kind, e.TargetID, e.Err)
}

func (e *EnqueueFailure) Unwrap() error {
	return e.Err
}

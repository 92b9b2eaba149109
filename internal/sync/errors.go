package sync

import (
	"errors"
	"fmt"

	"github.com/tildaslashalef/venuesync/internal/queue"
	"github.com/tildaslashalef/venuesync/internal/remote"
)

// ErrNoActor is returned when no user is authenticated. Mutating operations
// require an actor.
var ErrNoActor = errors.New("no authenticated actor")

// PermanentError describes an action that will never sync. Its optimistic
// effect has been rolled back and the action sits in the failed list.
type PermanentError struct {
	ActionID string
	Kind     queue.Kind
	TargetID string
	Code     remote.Code
	Reason   string
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s on %s failed: %s", e.Kind, e.TargetID, e.Reason)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

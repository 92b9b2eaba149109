package queue

import (
	"fmt"
	"time"
)

// Kind is the type of a queued user interaction
type Kind string

const (
	KindLike     Kind = "like"
	KindUnlike   Kind = "unlike"
	KindComment  Kind = "comment"
	KindFollow   Kind = "follow"
	KindUnfollow Kind = "unfollow"
	KindReaction Kind = "reaction"
)

// Kinds lists every kind in a stable order
var Kinds = []Kind{KindLike, KindUnlike, KindComment, KindFollow, KindUnfollow, KindReaction}

// Family groups kinds that act on the same piece of state
func (k Kind) Family() string {
	switch k {
	case KindLike, KindUnlike:
		return "like"
	case KindFollow, KindUnfollow:
		return "follow"
	default:
		return string(k)
	}
}

// Opposite returns the kind that undoes k, if any
func (k Kind) Opposite() (Kind, bool) {
	switch k {
	case KindLike:
		return KindUnlike, true
	case KindUnlike:
		return KindLike, true
	case KindFollow:
		return KindUnfollow, true
	case KindUnfollow:
		return KindFollow, true
	}
	return "", false
}

// TargetsUser reports whether the target of k is a user rather than a post
func (k Kind) TargetsUser() bool {
	return k == KindFollow || k == KindUnfollow
}

// Status is the lifecycle state of a queued action
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFailed   Status = "failed"
	StatusSynced   Status = "synced"
)

// Step records how far an action got remotely, so settling it again after a
// crash does not repeat a write the server already acknowledged.
type Step int

const (
	StepNone Step = iota
	StepApplied
)

// Payload carries kind-specific data
type Payload struct {
	Text  string `json:"text,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}

// PendingAction is a durably queued user interaction
type PendingAction struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	TargetID         string    `json:"target_id"`
	ActorID          string    `json:"actor_id"`
	RecipientID      string    `json:"recipient_id,omitempty"`
	Payload          Payload   `json:"payload"`
	CreatedAt        time.Time `json:"created_at"`
	Attempts         int       `json:"attempts"`
	Status           Status    `json:"status"`
	NextAttemptAt    time.Time `json:"next_attempt_at,omitempty"`
	Step             Step      `json:"step"`
	SessionRefreshed bool      `json:"session_refreshed,omitempty"`
	FailReason       string    `json:"fail_reason,omitempty"`
	FailedAt         time.Time `json:"failed_at,omitempty"`
}

// Lane identifies the ordering lane of an action. Actions in one lane are
// synced strictly in enqueue order, one at a time.
func (a *PendingAction) Lane() string {
	return laneKey(a.ActorID, a.TargetID)
}

func laneKey(actorID, targetID string) string {
	return actorID + "|" + targetID
}

// Clone returns a copy safe to hand outside the queue
func (a *PendingAction) Clone() *PendingAction {
	c := *a
	return &c
}

// Input returns the input that would enqueue the same interaction again
func (a *PendingAction) Input() Input {
	return Input{
		Kind:        a.Kind,
		TargetID:    a.TargetID,
		ActorID:     a.ActorID,
		RecipientID: a.RecipientID,
		Text:        a.Payload.Text,
		Emoji:       a.Payload.Emoji,
	}
}

func (a *PendingAction) String() string {
	return fmt.Sprintf("%s(%s on %s)", a.Kind, a.ID, a.TargetID)
}

// Input describes a user gesture to enqueue
type Input struct {
	Kind        Kind   `validate:"required,oneof=like unlike comment follow unfollow reaction"`
	TargetID    string `validate:"required,max=128,excludes=:"`
	ActorID     string `validate:"required,max=128,excludes=:"`
	RecipientID string `validate:"omitempty,max=128"`
	Text        string `validate:"required_if=Kind comment,max=2000"`
	Emoji       string `validate:"required_if=Kind reaction,max=32,excludes=:"`
}

// Outcome describes what Enqueue did with an input
type Outcome string

const (
	// OutcomeQueued means a new action was persisted
	OutcomeQueued Outcome = "queued"
	// OutcomeDeduplicated means an identical action was already queued
	OutcomeDeduplicated Outcome = "deduplicated"
	// OutcomeCancelled means the input cancelled a queued opposite action and
	// neither remains in the queue
	OutcomeCancelled Outcome = "cancelled"
)

// EnqueueResult reports the effect of Enqueue
type EnqueueResult struct {
	Outcome Outcome
	// Action is the queued action for OutcomeQueued and OutcomeDeduplicated
	Action *PendingAction
	// Cancelled is the removed opposite action for OutcomeCancelled
	Cancelled *PendingAction
}

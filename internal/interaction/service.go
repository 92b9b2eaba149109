// Package interaction is the entry point for user gestures. Every gesture is
// queued durably first and then shown optimistically; syncing happens in the
// background.
package interaction

import (
	"context"
	"fmt"

	"github.com/tildaslashalef/venuesync/internal/auth"
	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/optimistic"
	"github.com/tildaslashalef/venuesync/internal/queue"
	"github.com/tildaslashalef/venuesync/internal/sync"
)

// Syncer is the part of the sync engine the service needs
type Syncer interface {
	SyncNow() error
}

// Result reports the effect of a gesture
type Result struct {
	Outcome queue.Outcome
	// Action is the queued action, nil when the gesture cancelled one
	Action *queue.PendingAction
	// Ref is the entity whose projection changed
	Ref optimistic.EntityRef
	// Displayed is the projection shown after the gesture
	Displayed optimistic.Snapshot
}

// GestureOption customizes a single gesture
type GestureOption func(*queue.Input)

// ForOwner names the owner of the target post, who is notified once the
// gesture syncs.
func ForOwner(userID string) GestureOption {
	return func(in *queue.Input) {
		in.RecipientID = userID
	}
}

// Service turns gestures into queued actions and optimistic updates
type Service struct {
	queue   *queue.Queue
	applier *optimistic.Applier
	session auth.Session
	syncer  Syncer
	logger  *loggy.Logger
}

// NewService creates a new interaction service
func NewService(q *queue.Queue, applier *optimistic.Applier, session auth.Session, syncer Syncer, logger *loggy.Logger) *Service {
	return &Service{
		queue:   q,
		applier: applier,
		session: session,
		syncer:  syncer,
		logger:  logger.Component("interaction"),
	}
}

// Like likes a post
func (s *Service) Like(ctx context.Context, postID string, opts ...GestureOption) (Result, error) {
	return s.gesture(ctx, queue.Input{Kind: queue.KindLike, TargetID: postID}, opts)
}

// Unlike removes the actor's like from a post
func (s *Service) Unlike(ctx context.Context, postID string, opts ...GestureOption) (Result, error) {
	return s.gesture(ctx, queue.Input{Kind: queue.KindUnlike, TargetID: postID}, opts)
}

// Comment adds a comment to a post
func (s *Service) Comment(ctx context.Context, postID, text string, opts ...GestureOption) (Result, error) {
	return s.gesture(ctx, queue.Input{Kind: queue.KindComment, TargetID: postID, Text: text}, opts)
}

// React adds an emoji reaction to a post
func (s *Service) React(ctx context.Context, postID, emoji string, opts ...GestureOption) (Result, error) {
	return s.gesture(ctx, queue.Input{Kind: queue.KindReaction, TargetID: postID, Emoji: emoji}, opts)
}

// Follow follows a user. The followed user is always the recipient.
func (s *Service) Follow(ctx context.Context, userID string) (Result, error) {
	return s.gesture(ctx, queue.Input{Kind: queue.KindFollow, TargetID: userID, RecipientID: userID}, nil)
}

// Unfollow stops following a user
func (s *Service) Unfollow(ctx context.Context, userID string) (Result, error) {
	return s.gesture(ctx, queue.Input{Kind: queue.KindUnfollow, TargetID: userID}, nil)
}

// RetryFailed moves a failed action back into the queue and shows it again
func (s *Service) RetryFailed(ctx context.Context, actionID string) (Result, error) {
	res, err := s.queue.RetryFailed(ctx, actionID)
	if err != nil {
		return Result{}, fmt.Errorf("retrying action %s: %w", actionID, err)
	}
	result := s.apply(res)
	s.kick()
	return result, nil
}

// DismissFailed drops a failed action the user has acknowledged
func (s *Service) DismissFailed(ctx context.Context, actionID string) error {
	if err := s.queue.DismissFailed(ctx, actionID); err != nil {
		return fmt.Errorf("dismissing action %s: %w", actionID, err)
	}
	return nil
}

// Displayed returns the projection currently shown for an entity
func (s *Service) Displayed(ref optimistic.EntityRef) (optimistic.Snapshot, bool) {
	return s.applier.Displayed(ref)
}

func (s *Service) gesture(ctx context.Context, in queue.Input, opts []GestureOption) (Result, error) {
	actor := s.session.ActorID()
	if actor == "" {
		return Result{}, sync.ErrNoActor
	}
	in.ActorID = actor
	for _, opt := range opts {
		opt(&in)
	}

	res, err := s.queue.Enqueue(ctx, in)
	if err != nil {
		// *queue.EnqueueFailure passes through unwrapped for the caller to show
		return Result{}, err
	}

	result := s.apply(res)
	s.logger.Debug("Gesture recorded", "kind", in.Kind, "target", in.TargetID, "outcome", res.Outcome)
	s.kick()
	return result, nil
}

// apply shows the effect of an enqueue. A deduplicated gesture is already
// reflected; a cancelled one withdraws the effect of the action it cancelled.
func (s *Service) apply(res queue.EnqueueResult) Result {
	result := Result{Outcome: res.Outcome, Action: res.Action}

	switch res.Outcome {
	case queue.OutcomeQueued:
		ref, d := optimistic.DeltaFor(res.Action)
		result.Ref = ref
		result.Displayed = s.applier.ApplyOptimistic(ref, d)
	case queue.OutcomeCancelled:
		ref, d := optimistic.DeltaFor(res.Cancelled)
		result.Ref = ref
		result.Action = nil
		result.Displayed = s.applier.Rollback(ref, d)
	case queue.OutcomeDeduplicated:
		ref, _ := optimistic.DeltaFor(res.Action)
		result.Ref = ref
		result.Displayed, _ = s.applier.Displayed(ref)
	}
	return result
}

func (s *Service) kick() {
	if s.syncer == nil {
		return
	}
	if err := s.syncer.SyncNow(); err != nil {
		s.logger.Debug("Sync not triggered", "error", err)
	}
}

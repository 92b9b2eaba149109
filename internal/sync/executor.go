package sync

import (
	"context"
	"time"

	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/optimistic"
	"github.com/tildaslashalef/venuesync/internal/queue"
	"github.com/tildaslashalef/venuesync/internal/remote"
)

// plan is the remote write that syncs one action
type plan struct {
	write   remote.Write
	observe func(s *optimistic.Snapshot, value int64)
}

func (p plan) op() string {
	return string(p.write.Op)
}

func planFor(a *queue.PendingAction, now time.Time) (plan, bool) {
	created := a.CreatedAt
	if created.IsZero() {
		created = now
	}
	stamp := created.UTC().Format(time.RFC3339Nano)

	insert := func(collection string, rec remote.Record, c remote.Counter) remote.Write {
		rec[remote.FieldCreatedAt] = stamp
		return remote.Write{ActionID: a.ID, Op: remote.OpInsert, Collection: collection, Record: rec, Counter: c}
	}
	remove := func(collection, id string, c remote.Counter) remote.Write {
		return remote.Write{ActionID: a.ID, Op: remote.OpDelete, Collection: collection, ID: id, Counter: c}
	}
	postCounter := func(field string, by int64) remote.Counter {
		return remote.Counter{Collection: remote.CollectionPosts, ID: a.TargetID, Field: field, By: by}
	}
	followerCounter := func(by int64) remote.Counter {
		return remote.Counter{Collection: remote.CollectionUsers, ID: a.TargetID, Field: remote.FieldFollowerCount, By: by}
	}

	likes := func(s *optimistic.Snapshot, v int64) { s.LikeCount = v }
	followers := func(s *optimistic.Snapshot, v int64) { s.FollowerCount = v }

	switch a.Kind {
	case queue.KindLike:
		return plan{
			write: insert(remote.CollectionLikes, remote.Record{
				remote.FieldID:      remote.LikeID(a.ActorID, a.TargetID),
				remote.FieldActorID: a.ActorID,
				remote.FieldPostID:  a.TargetID,
			}, postCounter(remote.FieldLikeCount, 1)),
			observe: likes,
		}, true
	case queue.KindUnlike:
		return plan{
			write:   remove(remote.CollectionLikes, remote.LikeID(a.ActorID, a.TargetID), postCounter(remote.FieldLikeCount, -1)),
			observe: likes,
		}, true
	case queue.KindComment:
		return plan{
			write: insert(remote.CollectionComments, remote.Record{
				remote.FieldID:      a.ID,
				remote.FieldActorID: a.ActorID,
				remote.FieldPostID:  a.TargetID,
				remote.FieldText:    a.Payload.Text,
			}, postCounter(remote.FieldCommentCount, 1)),
			observe: func(s *optimistic.Snapshot, v int64) { s.CommentCount = v },
		}, true
	case queue.KindReaction:
		return plan{
			write: insert(remote.CollectionReactions, remote.Record{
				remote.FieldID:      remote.ReactionID(a.ActorID, a.TargetID, a.Payload.Emoji),
				remote.FieldActorID: a.ActorID,
				remote.FieldPostID:  a.TargetID,
				remote.FieldEmoji:   a.Payload.Emoji,
			}, postCounter(remote.FieldReactionCount, 1)),
			observe: func(s *optimistic.Snapshot, v int64) { s.ReactionCount = v },
		}, true
	case queue.KindFollow:
		return plan{
			write: insert(remote.CollectionFollows, remote.Record{
				remote.FieldID:         remote.FollowID(a.ActorID, a.TargetID),
				remote.FieldFollowerID: a.ActorID,
				remote.FieldFolloweeID: a.TargetID,
			}, followerCounter(1)),
			observe: followers,
		}, true
	case queue.KindUnfollow:
		return plan{
			write:   remove(remote.CollectionFollows, remote.FollowID(a.ActorID, a.TargetID), followerCounter(-1)),
			observe: followers,
		}, true
	}

	return plan{}, false
}

// execution is the result of running a plan
type execution struct {
	counterValue int64
	observed     bool
}

// execute applies a's write unless an earlier attempt already got a success
// back and only settling the action failed. The store applies a write once
// per action, so a retry after a lost reply is safe.
func (e *Engine) execute(ctx context.Context, a *queue.PendingAction, p plan) (execution, error) {
	var res execution
	if a.Step >= queue.StepApplied {
		return res, nil
	}

	var value int64
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		value, err = e.store.Apply(ctx, p.write)
		return err
	})
	if err != nil {
		return res, err
	}

	a.Step = queue.StepApplied
	e.saveProgress(ctx, a)
	res.counterValue = value
	res.observed = true
	return res, nil
}

// refreshCounter reads the authoritative counter after a benign outcome,
// when this client did not apply the counter itself.
func (e *Engine) refreshCounter(ctx context.Context, p plan) (int64, bool) {
	c := p.write.Counter
	var rec remote.Record
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		rec, err = e.store.Get(ctx, c.Collection, c.ID)
		return err
	})
	if err != nil {
		loggy.FromContext(ctx).Debug("Counter refresh failed", "collection", c.Collection, "id", c.ID, "error", err)
		return 0, false
	}
	return rec.Int(c.Field), true
}

// call runs one remote call under the rate limit and the per-call timeout
func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	return fn(callCtx)
}

func (e *Engine) saveProgress(ctx context.Context, a *queue.PendingAction) {
	if err := e.queue.SaveProgress(ctx, a); err != nil {
		loggy.FromContext(ctx).Warn("Failed to persist sync progress", "step", a.Step, "error", err)
	}
}

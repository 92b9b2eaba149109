package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/venuesync/internal/kvstore"
	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/ulid"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestQueue(t *testing.T, store kvstore.Store, opts ...Option) *Queue {
	t.Helper()
	q, err := Open(context.Background(), store, loggy.NewNoopLogger(), opts...)
	require.NoError(t, err)
	return q
}

func like(target string) Input {
	return Input{Kind: KindLike, TargetID: target, ActorID: "u1"}
}

func unlike(target string) Input {
	return Input{Kind: KindUnlike, TargetID: target, ActorID: "u1"}
}

func mustEnqueue(t *testing.T, q *Queue, in Input) EnqueueResult {
	t.Helper()
	res, err := q.Enqueue(context.Background(), in)
	require.NoError(t, err)
	return res
}

func TestEnqueue_DuplicateLikeCoalescesToOne(t *testing.T) {
	q := newTestQueue(t, kvstore.NewMemoryStore())

	first := mustEnqueue(t, q, like("p1"))
	second := mustEnqueue(t, q, like("p1"))

	assert.Equal(t, OutcomeQueued, first.Outcome)
	assert.Equal(t, OutcomeDeduplicated, second.Outcome)
	assert.Equal(t, first.Action.ID, second.Action.ID)

	pending, _ := q.Counts()
	assert.Equal(t, 1, pending)
}

func TestEnqueue_LikeThenUnlikeCancels(t *testing.T) {
	store := kvstore.NewMemoryStore()
	q := newTestQueue(t, store)

	queued := mustEnqueue(t, q, like("p1"))
	res := mustEnqueue(t, q, unlike("p1"))

	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, queued.Action.ID, res.Cancelled.ID)

	pending, err := q.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	entries, err := store.ListByPrefix(context.Background(), pendingPrefix)
	require.NoError(t, err)
	assert.Empty(t, entries, "cancelled action must be removed from storage")
}

func TestEnqueue_FollowUnfollowCancels(t *testing.T) {
	q := newTestQueue(t, kvstore.NewMemoryStore())

	mustEnqueue(t, q, Input{Kind: KindUnfollow, TargetID: "u2", ActorID: "u1"})
	res := mustEnqueue(t, q, Input{Kind: KindFollow, TargetID: "u2", ActorID: "u1"})

	assert.Equal(t, OutcomeCancelled, res.Outcome)
	pending, _ := q.Counts()
	assert.Zero(t, pending)
}

func TestEnqueue_InFlightIsNeverCancelled(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore())

	liked := mustEnqueue(t, q, like("p1"))
	require.NoError(t, q.MarkInFlight(ctx, liked.Action.ID))

	again := mustEnqueue(t, q, like("p1"))
	assert.Equal(t, OutcomeDeduplicated, again.Outcome, "same direction dedupes against in-flight")

	res := mustEnqueue(t, q, unlike("p1"))
	assert.Equal(t, OutcomeQueued, res.Outcome, "opposite of an in-flight action must be sent")

	pending, _ := q.Counts()
	assert.Equal(t, 2, pending)

	// A later like cancels the queued unlike, leaving only the in-flight like
	res = mustEnqueue(t, q, like("p1"))
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	list, _ := q.ListPending(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, liked.Action.ID, list[0].ID)
}

func TestEnqueue_CommentsAndReactions(t *testing.T) {
	q := newTestQueue(t, kvstore.NewMemoryStore())

	comment := Input{Kind: KindComment, TargetID: "p1", ActorID: "u1", Text: "great"}
	assert.Equal(t, OutcomeQueued, mustEnqueue(t, q, comment).Outcome)
	assert.Equal(t, OutcomeQueued, mustEnqueue(t, q, comment).Outcome, "comments never coalesce")

	fire := Input{Kind: KindReaction, TargetID: "p1", ActorID: "u1", Emoji: "fire"}
	heart := Input{Kind: KindReaction, TargetID: "p1", ActorID: "u1", Emoji: "heart"}
	assert.Equal(t, OutcomeQueued, mustEnqueue(t, q, fire).Outcome)
	assert.Equal(t, OutcomeDeduplicated, mustEnqueue(t, q, fire).Outcome)
	assert.Equal(t, OutcomeQueued, mustEnqueue(t, q, heart).Outcome)

	pending, _ := q.Counts()
	assert.Equal(t, 4, pending)
}

func TestEnqueue_Validation(t *testing.T) {
	q := newTestQueue(t, kvstore.NewMemoryStore())

	tests := []struct {
		name string
		in   Input
	}{
		{"missing actor", Input{Kind: KindLike, TargetID: "p1"}},
		{"unknown kind", Input{Kind: "poke", TargetID: "p1", ActorID: "u1"}},
		{"comment without text", Input{Kind: KindComment, TargetID: "p1", ActorID: "u1"}},
		{"reaction without emoji", Input{Kind: KindReaction, TargetID: "p1", ActorID: "u1"}},
		{"separator in target", Input{Kind: KindLike, TargetID: "p:1", ActorID: "u1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrInvalidAction)
		})
	}
}

func TestEnqueue_StorageFailureIsReported(t *testing.T) {
	store := kvstore.NewMemoryStore()
	q := newTestQueue(t, store)

	store.FailWrites = errors.New("quota exceeded")
	_, err := q.Enqueue(context.Background(), like("p1"))

	var failure *EnqueueFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, KindLike, failure.Kind)
	assert.Contains(t, err.Error(), "quota exceeded")

	pending, _ := q.Counts()
	assert.Zero(t, pending, "an unpersisted action must not be queued")
}

func TestReloadKeepsOrder(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	q := newTestQueue(t, store)

	var ids []string
	for _, in := range []Input{like("p1"), like("p2"), {Kind: KindComment, TargetID: "p1", ActorID: "u1", Text: "hi"}} {
		ids = append(ids, mustEnqueue(t, q, in).Action.ID)
	}
	require.NoError(t, q.MarkInFlight(ctx, ids[0]))

	reloaded := newTestQueue(t, store)
	pending, err := reloaded.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, a := range pending {
		assert.Equal(t, ids[i], a.ID)
		assert.Equal(t, StatusPending, a.Status, "interrupted in-flight actions restart as pending")
	}
}

func TestDequeueNext_LaneOrdering(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore())

	a1 := mustEnqueue(t, q, like("p1")).Action
	c1 := mustEnqueue(t, q, Input{Kind: KindComment, TargetID: "p1", ActorID: "u1", Text: "x"}).Action
	b1 := mustEnqueue(t, q, like("p2")).Action

	next, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, a1.ID, next.ID)
	require.NoError(t, q.MarkInFlight(ctx, next.ID))

	next, err = q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, b1.ID, next.ID, "p1 lane is busy, p2 may proceed")
	require.NoError(t, q.MarkInFlight(ctx, next.ID))

	next, err = q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, q.MarkSynced(ctx, a1.ID))
	next, err = q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, next.ID)
}

func TestRequeueBackoffHoldsLane(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, kvstore.NewMemoryStore(), WithClock(clk.now))

	first := mustEnqueue(t, q, like("p1")).Action
	mustEnqueue(t, q, Input{Kind: KindComment, TargetID: "p1", ActorID: "u1", Text: "x"})

	require.NoError(t, q.MarkInFlight(ctx, first.ID))
	first.Attempts = 1
	require.NoError(t, q.Requeue(ctx, first, clk.t.Add(2*time.Second)))

	next, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "comment must wait behind the backed-off like")

	at, ok := q.NextRetryAt()
	require.True(t, ok)
	assert.Equal(t, clk.t.Add(2*time.Second), at)

	clk.t = clk.t.Add(3 * time.Second)
	next, err = q.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.ID, next.ID)
	assert.Equal(t, 1, next.Attempts)
}

func TestMarkFailedCapAndRetry(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), WithFailedCap(2))

	var ids []string
	for _, target := range []string{"p1", "p2", "p3"} {
		a := mustEnqueue(t, q, like(target)).Action
		_, err := q.MarkFailed(ctx, a.ID, "post deleted")
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	failed, err := q.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, ids[1], failed[0].ID, "oldest failure is evicted")
	assert.Equal(t, "post deleted", failed[0].FailReason)

	pending, failedCount := q.Counts()
	assert.Zero(t, pending)
	assert.Equal(t, 2, failedCount)

	res, err := q.RetryFailed(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.Equal(t, "p3", res.Action.TargetID)
	assert.NotEqual(t, ids[2], res.Action.ID)

	require.NoError(t, q.DismissFailed(ctx, ids[1]))
	assert.ErrorIs(t, q.DismissFailed(ctx, ids[1]), ErrNotFound)

	_, failedCount = q.Counts()
	assert.Zero(t, failedCount)
}

func TestRetryFailedKeepsEntryWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	q := newTestQueue(t, store)

	a := mustEnqueue(t, q, Input{Kind: KindComment, TargetID: "p1", ActorID: "u1", Text: "hello"}).Action
	_, err := q.MarkFailed(ctx, a.ID, "server rejected")
	require.NoError(t, err)

	store.FailWrites = errors.New("disk full")
	_, err = q.RetryFailed(ctx, a.ID)
	var failure *EnqueueFailure
	require.ErrorAs(t, err, &failure)

	failed, err := q.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1, "the interaction must not be lost")
	assert.Equal(t, a.ID, failed[0].ID)
	pending, failedCount := q.Counts()
	assert.Zero(t, pending)
	assert.Equal(t, 1, failedCount)

	store.FailWrites = nil
	res, err := q.RetryFailed(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Action.Payload.Text)

	failed, err = q.ListFailed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
	pending, failedCount = q.Counts()
	assert.Equal(t, 1, pending)
	assert.Zero(t, failedCount)
}

func TestTrimFailedEvictsOldestFailure(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, kvstore.NewMemoryStore(), WithFailedCap(2), WithClock(clk.now))

	early := mustEnqueue(t, q, like("p1")).Action
	middle := mustEnqueue(t, q, like("p2")).Action
	late := mustEnqueue(t, q, like("p3")).Action

	// failures land in a different order than the actions were created
	for _, a := range []*PendingAction{middle, late, early} {
		clk.t = clk.t.Add(time.Minute)
		_, err := q.MarkFailed(ctx, a.ID, "post deleted")
		require.NoError(t, err)
	}

	failed, err := q.ListFailed(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(failed))
	for _, f := range failed {
		ids = append(ids, f.ID)
	}
	assert.ElementsMatch(t, []string{late.ID, early.ID}, ids, "the first failure is evicted")
}

func TestUnknownIDs(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore())

	assert.ErrorIs(t, q.MarkInFlight(ctx, "act-missing"), ErrNotFound)
	assert.ErrorIs(t, q.MarkSynced(ctx, "act-missing"), ErrNotFound)
	_, err := q.MarkFailed(ctx, "act-missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, id := range []string{"act-missing", "", "../queue/pending/x", ulid.SyncLogID()} {
		assert.ErrorIs(t, q.DismissFailed(ctx, id), ErrNotFound, id)
		_, err = q.RetryFailed(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, id)
	}
}

func TestSaveProgress(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	q := newTestQueue(t, store)

	a := mustEnqueue(t, q, like("p1")).Action
	a.Step = StepApplied
	require.NoError(t, q.SaveProgress(ctx, a))

	reloaded := newTestQueue(t, store)
	lane := reloaded.PendingFor("u1", "p1")
	require.Len(t, lane, 1)
	assert.Equal(t, StepApplied, lane[0].Step)
}

func TestKindHelpers(t *testing.T) {
	opp, ok := KindLike.Opposite()
	assert.True(t, ok)
	assert.Equal(t, KindUnlike, opp)
	_, ok = KindComment.Opposite()
	assert.False(t, ok)
	assert.Equal(t, "follow", KindUnfollow.Family())
	assert.True(t, KindFollow.TargetsUser())
	assert.False(t, KindReaction.TargetsUser())
}

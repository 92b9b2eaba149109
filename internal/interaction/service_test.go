package interaction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/venuesync/internal/auth"
	"github.com/tildaslashalef/venuesync/internal/kvstore"
	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/optimistic"
	"github.com/tildaslashalef/venuesync/internal/queue"
	"github.com/tildaslashalef/venuesync/internal/sync"
)

type MockSyncer struct {
	mock.Mock
}

func (m *MockSyncer) SyncNow() error {
	args := m.Called()
	return args.Error(0)
}

// brokenStore accepts reads but fails every write
type brokenStore struct {
	*kvstore.MemoryStore
}

func (b brokenStore) Set(context.Context, string, []byte) error {
	return errors.New("disk full")
}

type fixture struct {
	queue   *queue.Queue
	applier *optimistic.Applier
	session *auth.Static
	syncer  *MockSyncer
	service *Service
}

func newFixture(t *testing.T, store kvstore.Store) *fixture {
	t.Helper()
	logger := loggy.NewNoopLogger()

	q, err := queue.Open(context.Background(), store, logger)
	require.NoError(t, err)

	f := &fixture{
		queue:   q,
		applier: optimistic.NewApplier(logger),
		session: auth.NewStatic("u1"),
		syncer:  new(MockSyncer),
	}
	f.syncer.On("SyncNow").Return(nil)
	f.service = NewService(q, f.applier, f.session, f.syncer, logger)
	return f
}

func TestLikeIsQueuedAndShown(t *testing.T) {
	f := newFixture(t, kvstore.NewMemoryStore())
	f.applier.Seed(optimistic.PostRef("p1"), optimistic.Snapshot{LikeCount: 10})

	res, err := f.service.Like(context.Background(), "p1", ForOwner("u9"))
	require.NoError(t, err)

	assert.Equal(t, queue.OutcomeQueued, res.Outcome)
	require.NotNil(t, res.Action)
	assert.Equal(t, "u1", res.Action.ActorID)
	assert.Equal(t, "u9", res.Action.RecipientID)
	assert.Equal(t, optimistic.PostRef("p1"), res.Ref)
	assert.Equal(t, int64(11), res.Displayed.LikeCount)
	assert.True(t, res.Displayed.LikedByMe)

	pending, failed := f.queue.Counts()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, failed)
	f.syncer.AssertNumberOfCalls(t, "SyncNow", 1)
}

func TestGestureKinds(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		run   func(*Service) (Result, error)
		ref   optimistic.EntityRef
		check func(*testing.T, optimistic.Snapshot)
	}{
		{
			name: "comment",
			run:  func(s *Service) (Result, error) { return s.Comment(ctx, "p1", "great set") },
			ref:  optimistic.PostRef("p1"),
			check: func(t *testing.T, snap optimistic.Snapshot) {
				assert.Equal(t, int64(1), snap.CommentCount)
			},
		},
		{
			name: "reaction",
			run:  func(s *Service) (Result, error) { return s.React(ctx, "p1", "fire") },
			ref:  optimistic.PostRef("p1"),
			check: func(t *testing.T, snap optimistic.Snapshot) {
				assert.Equal(t, int64(1), snap.ReactionCount)
			},
		},
		{
			name: "follow",
			run:  func(s *Service) (Result, error) { return s.Follow(ctx, "u2") },
			ref:  optimistic.UserRef("u2"),
			check: func(t *testing.T, snap optimistic.Snapshot) {
				assert.Equal(t, int64(1), snap.FollowerCount)
				assert.True(t, snap.FollowedByMe)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, kvstore.NewMemoryStore())

			res, err := tt.run(f.service)
			require.NoError(t, err)
			assert.Equal(t, queue.OutcomeQueued, res.Outcome)
			assert.Equal(t, tt.ref, res.Ref)

			displayed, ok := f.service.Displayed(tt.ref)
			require.True(t, ok)
			tt.check(t, displayed)
		})
	}
}

func TestFollowNotifiesFollowedUser(t *testing.T) {
	f := newFixture(t, kvstore.NewMemoryStore())

	res, err := f.service.Follow(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", res.Action.RecipientID)
}

func TestOppositeGestureCancelsPendingOne(t *testing.T) {
	f := newFixture(t, kvstore.NewMemoryStore())
	ctx := context.Background()
	f.applier.Seed(optimistic.PostRef("p1"), optimistic.Snapshot{LikeCount: 4})

	_, err := f.service.Like(ctx, "p1")
	require.NoError(t, err)

	res, err := f.service.Unlike(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, queue.OutcomeCancelled, res.Outcome)
	assert.Nil(t, res.Action)
	assert.Equal(t, int64(4), res.Displayed.LikeCount)
	assert.False(t, res.Displayed.LikedByMe)

	pending, _ := f.queue.Counts()
	assert.Equal(t, 0, pending)
}

func TestRepeatedGestureIsShownOnce(t *testing.T) {
	f := newFixture(t, kvstore.NewMemoryStore())
	ctx := context.Background()

	first, err := f.service.Like(ctx, "p1")
	require.NoError(t, err)
	second, err := f.service.Like(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, queue.OutcomeDeduplicated, second.Outcome)
	assert.Equal(t, first.Action.ID, second.Action.ID)
	assert.Equal(t, int64(1), second.Displayed.LikeCount)
}

func TestGestureWithoutActor(t *testing.T) {
	f := newFixture(t, kvstore.NewMemoryStore())
	f.session.SetActor("")

	_, err := f.service.Like(context.Background(), "p1")
	assert.ErrorIs(t, err, sync.ErrNoActor)

	pending, _ := f.queue.Counts()
	assert.Equal(t, 0, pending)
	f.syncer.AssertNotCalled(t, "SyncNow")
}

func TestEnqueueFailureIsSurfaced(t *testing.T) {
	f := newFixture(t, brokenStore{kvstore.NewMemoryStore()})

	_, err := f.service.Like(context.Background(), "p1")
	require.Error(t, err)

	var failure *queue.EnqueueFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, queue.KindLike, failure.Kind)
	assert.Equal(t, "p1", failure.TargetID)

	_, known := f.service.Displayed(optimistic.PostRef("p1"))
	assert.False(t, known)
}

func TestInvalidGesture(t *testing.T) {
	f := newFixture(t, kvstore.NewMemoryStore())

	_, err := f.service.Comment(context.Background(), "p1", "")
	assert.ErrorIs(t, err, queue.ErrInvalidAction)
}

func TestRetryAndDismissFailed(t *testing.T) {
	f := newFixture(t, kvstore.NewMemoryStore())
	ctx := context.Background()

	first, err := f.service.Comment(ctx, "p1", "first")
	require.NoError(t, err)
	second, err := f.service.Comment(ctx, "p1", "second")
	require.NoError(t, err)

	// the engine rolls back a permanent failure before recording it
	for _, res := range []Result{first, second} {
		ref, d := optimistic.DeltaFor(res.Action)
		f.applier.Rollback(ref, d)
		_, err := f.queue.MarkFailed(ctx, res.Action.ID, "the post or user no longer exists")
		require.NoError(t, err)
	}

	retried, err := f.service.RetryFailed(ctx, first.Action.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeQueued, retried.Outcome)
	assert.Equal(t, "first", retried.Action.Payload.Text)
	assert.NotEqual(t, first.Action.ID, retried.Action.ID)
	assert.Equal(t, int64(1), retried.Displayed.CommentCount)

	require.NoError(t, f.service.DismissFailed(ctx, second.Action.ID))

	pending, failed := f.queue.Counts()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, failed)

	_, err = f.service.RetryFailed(ctx, second.Action.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.ErrorIs(t, f.service.DismissFailed(ctx, "act-missing"), queue.ErrNotFound)
}

func TestSyncTriggerErrorIsNotFatal(t *testing.T) {
	logger := loggy.NewNoopLogger()
	q, err := queue.Open(context.Background(), kvstore.NewMemoryStore(), logger)
	require.NoError(t, err)

	syncer := new(MockSyncer)
	syncer.On("SyncNow").Return(errors.New("engine stopped"))

	s := NewService(q, optimistic.NewApplier(logger), auth.NewStatic("u1"), syncer, logger)
	res, err := s.Like(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeQueued, res.Outcome)
	syncer.AssertExpectations(t)
}

package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/venuesync/internal/auth"
	"github.com/tildaslashalef/venuesync/internal/config"
	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/optimistic"
	"github.com/tildaslashalef/venuesync/internal/remote"
	"github.com/tildaslashalef/venuesync/internal/remote/memstore"
)

const waitFor = 2 * time.Second

func testRealtimeConfig() config.RealtimeConfig {
	return config.RealtimeConfig{
		ResubscribeInitial: 5 * time.Millisecond,
		ResubscribeMax:     20 * time.Millisecond,
		StaleAfter:         3,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	store   *memstore.Store
	applier *optimistic.Applier
	session *auth.Static
	router  *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := loggy.NewNoopLogger()

	f := &fixture{
		store:   memstore.New(),
		applier: optimistic.NewApplier(logger),
		session: auth.NewStatic("u1"),
	}
	f.store.Seed(remote.CollectionPosts, remote.Record{remote.FieldID: "p1", remote.FieldLikeCount: int64(10)})
	f.store.Seed(remote.CollectionUsers, remote.Record{remote.FieldID: "u2", remote.FieldFollowerCount: int64(3)})

	f.router = NewRouter(f.store, f.applier, NewStoreLoader(f.store, f.session), f.session, testRealtimeConfig(), logger)
	t.Cleanup(f.router.Close)
	return f
}

func (f *fixture) waitChannels(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.store.ChannelCount() == n }, waitFor, 5*time.Millisecond)
}

func TestSubscribeSharesOneChannel(t *testing.T) {
	f := newFixture(t)

	a, err := f.router.Subscribe(EntityPost, "p1", func(Event) {})
	require.NoError(t, err)
	b, err := f.router.Subscribe(EntityPost, "p1", func(Event) {})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	f.waitChannels(t, 1)
	assert.Equal(t, 2, f.router.Subscribers(EntityPost, "p1"))

	a.Unsubscribe()
	a.Unsubscribe()
	assert.Equal(t, 1, f.router.Subscribers(EntityPost, "p1"))
	assert.Equal(t, 1, f.store.ChannelCount())

	b.Unsubscribe()
	assert.Equal(t, 0, f.router.Subscribers(EntityPost, "p1"))
	f.waitChannels(t, 0)
}

func TestSubscribeRejectsUnknownEntity(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Subscribe("album", "a1", func(Event) {})
	assert.Error(t, err)

	_, err = f.router.Subscribe(EntityPost, "", func(Event) {})
	assert.Error(t, err)
}

func TestRealtimeCountMergesWithPending(t *testing.T) {
	f := newFixture(t)
	ref := optimistic.PostRef("p1")

	f.applier.Seed(ref, optimistic.Snapshot{LikeCount: 9})
	f.applier.ApplyOptimistic(ref, optimistic.Delta{Likes: 1, Liked: 1})

	rec := &recorder{}
	_, err := f.router.Subscribe(EntityPost, "p1", rec.handle)
	require.NoError(t, err)
	f.waitChannels(t, 1)

	// another client liked the post
	require.NoError(t, f.store.Update(context.Background(), remote.CollectionPosts, "p1", remote.Record{remote.FieldLikeCount: int64(10)}))

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, 5*time.Millisecond)

	displayed, ok := f.applier.Displayed(ref)
	require.True(t, ok)
	assert.Equal(t, int64(11), displayed.LikeCount)
	assert.True(t, displayed.LikedByMe)

	ev := rec.all()[0]
	assert.Equal(t, EntityPost, ev.EntityType)
	assert.Equal(t, "p1", ev.EntityID)
	assert.Equal(t, ChangeUpdate, ev.ChangeKind)
	assert.Equal(t, remote.CollectionPosts, ev.Collection)
	assert.Equal(t, int64(10), ev.Payload.Int(remote.FieldLikeCount))
}

func TestHeldEntitySkipsRealtimeUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := optimistic.PostRef("p1")

	f.applier.Seed(ref, optimistic.Snapshot{LikeCount: 10})
	f.applier.ApplyOptimistic(ref, optimistic.Delta{Likes: 1, Liked: 1})
	release := f.applier.Hold(ref)

	rec := &recorder{}
	_, err := f.router.Subscribe(EntityPost, "p1", rec.handle)
	require.NoError(t, err)
	f.waitChannels(t, 1)

	// the local like already landed on the server
	require.NoError(t, f.store.Insert(ctx, remote.CollectionLikes, remote.Record{
		remote.FieldID: remote.LikeID("u1", "p1"), remote.FieldActorID: "u1", remote.FieldPostID: "p1",
	}))
	require.NoError(t, f.store.Update(ctx, remote.CollectionPosts, "p1", remote.Record{remote.FieldLikeCount: int64(11)}))
	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, 5*time.Millisecond)

	displayed, _ := f.applier.Displayed(ref)
	assert.Equal(t, int64(11), displayed.LikeCount, "no double count while held")

	st, _ := f.applier.State(ref)
	assert.Equal(t, int64(10), st.Confirmed.LikeCount)
	assert.False(t, st.Confirmed.LikedByMe)

	f.applier.Confirm(ref, optimistic.Delta{Likes: 1, Liked: 1})
	assert.True(t, release())

	require.NoError(t, f.store.Update(ctx, remote.CollectionPosts, "p1", remote.Record{remote.FieldLikeCount: int64(12)}))
	require.Eventually(t, func() bool { return rec.count() == 3 }, waitFor, 5*time.Millisecond)
	displayed, _ = f.applier.Displayed(ref)
	assert.Equal(t, int64(12), displayed.LikeCount)
}

func TestOwnRelationshipRowsSetFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &recorder{}
	_, err := f.router.Subscribe(EntityPost, "p1", rec.handle)
	require.NoError(t, err)
	_, err = f.router.Subscribe(EntityUser, "u2", rec.handle)
	require.NoError(t, err)
	f.waitChannels(t, 2)

	require.NoError(t, f.store.Insert(ctx, remote.CollectionLikes, remote.Record{
		remote.FieldID: remote.LikeID("u3", "p1"), remote.FieldActorID: "u3", remote.FieldPostID: "p1",
	}))
	require.NoError(t, f.store.Insert(ctx, remote.CollectionLikes, remote.Record{
		remote.FieldID: remote.LikeID("u1", "p1"), remote.FieldActorID: "u1", remote.FieldPostID: "p1",
	}))
	require.NoError(t, f.store.Insert(ctx, remote.CollectionFollows, remote.Record{
		remote.FieldID: remote.FollowID("u1", "u2"), remote.FieldFollowerID: "u1", remote.FieldFolloweeID: "u2",
	}))

	require.Eventually(t, func() bool { return rec.count() == 3 }, waitFor, 5*time.Millisecond)

	post, _ := f.applier.Displayed(optimistic.PostRef("p1"))
	assert.True(t, post.LikedByMe)
	user, _ := f.applier.Displayed(optimistic.UserRef("u2"))
	assert.True(t, user.FollowedByMe)

	require.NoError(t, f.store.Delete(ctx, remote.CollectionLikes, remote.LikeID("u1", "p1")))
	require.Eventually(t, func() bool { return rec.count() == 4 }, waitFor, 5*time.Millisecond)

	post, _ = f.applier.Displayed(optimistic.PostRef("p1"))
	assert.False(t, post.LikedByMe)
	assert.Equal(t, ChangeDelete, rec.all()[3].ChangeKind)
}

func TestHandlersAreIsolated(t *testing.T) {
	f := newFixture(t)

	first, second := &recorder{}, &recorder{}
	subFirst, err := f.router.Subscribe(EntityPost, "p1", first.handle)
	require.NoError(t, err)
	_, err = f.router.Subscribe(EntityPost, "p1", second.handle)
	require.NoError(t, err)
	f.waitChannels(t, 1)

	require.NoError(t, f.store.Update(context.Background(), remote.CollectionPosts, "p1", remote.Record{remote.FieldCommentCount: int64(1)}))
	require.Eventually(t, func() bool { return first.count() == 1 && second.count() == 1 }, waitFor, 5*time.Millisecond)

	subFirst.Unsubscribe()

	require.NoError(t, f.store.Update(context.Background(), remote.CollectionPosts, "p1", remote.Record{remote.FieldCommentCount: int64(2)}))
	require.Eventually(t, func() bool { return second.count() == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, first.count())
}

func TestDropResubscribesAndRefetches(t *testing.T) {
	f := newFixture(t)
	ref := optimistic.PostRef("p1")
	f.applier.Seed(ref, optimistic.Snapshot{LikeCount: 10})

	rec := &recorder{}
	_, err := f.router.Subscribe(EntityPost, "p1", rec.handle)
	require.NoError(t, err)
	f.waitChannels(t, 1)

	// changes made while the channel is down produce no events
	f.store.Seed(remote.CollectionPosts, remote.Record{remote.FieldID: "p1", remote.FieldLikeCount: int64(42)})
	f.store.DropChannels(remote.NewError(remote.CodeConnReset, "subscribe", "channels", errors.New("reset by peer")))

	require.Eventually(t, func() bool {
		for _, ev := range rec.all() {
			if ev.Resync {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	displayed, _ := f.applier.Displayed(ref)
	assert.Equal(t, int64(42), displayed.LikeCount)
	assert.False(t, f.router.IsStale(EntityPost, "p1"))
	f.waitChannels(t, 1)
}

type flakyOpener struct {
	inner   remote.ChannelOpener
	failing atomic.Bool
	calls   atomic.Int32
}

func (o *flakyOpener) OpenChannel(ctx context.Context, filters ...remote.Filter) (remote.Channel, error) {
	o.calls.Add(1)
	if o.failing.Load() {
		return nil, remote.NewError(remote.CodeUnavailable, "subscribe", "channels", errors.New("gateway down"))
	}
	return o.inner.OpenChannel(ctx, filters...)
}

func TestPersistentFailureSurfacesDrop(t *testing.T) {
	logger := loggy.NewNoopLogger()
	store := memstore.New()
	store.Seed(remote.CollectionUsers, remote.Record{remote.FieldID: "u2"})

	opener := &flakyOpener{inner: store}
	opener.failing.Store(true)

	router := NewRouter(opener, optimistic.NewApplier(logger), nil, auth.NewStatic("u1"), testRealtimeConfig(), logger)
	defer router.Close()

	var mu sync.Mutex
	var drops []*ChannelDrop
	router.OnDrop(func(d *ChannelDrop) {
		mu.Lock()
		defer mu.Unlock()
		drops = append(drops, d)
	})
	dropCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(drops)
	}

	_, err := router.Subscribe(EntityUser, "u2", func(Event) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dropCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.True(t, router.IsStale(EntityUser, "u2"))

	mu.Lock()
	first := drops[0]
	mu.Unlock()
	assert.False(t, first.Recovered)
	assert.GreaterOrEqual(t, first.Failures, 3)
	assert.Equal(t, remote.CodeUnavailable, remote.CodeOf(first))

	opener.failing.Store(false)
	require.Eventually(t, func() bool { return dropCount() == 2 }, waitFor, 5*time.Millisecond)

	mu.Lock()
	assert.True(t, drops[1].Recovered)
	mu.Unlock()
	assert.False(t, router.IsStale(EntityUser, "u2"))
	assert.Equal(t, 1, store.ChannelCount())
}

func TestFeedAndInboxRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	feed, inbox := &recorder{}, &recorder{}
	_, err := f.router.Subscribe(EntityFeed, FeedID, feed.handle)
	require.NoError(t, err)
	_, err = f.router.Subscribe(EntityInbox, "u1", inbox.handle)
	require.NoError(t, err)
	f.waitChannels(t, 2)

	require.NoError(t, f.store.Insert(ctx, remote.CollectionPosts, remote.Record{
		remote.FieldID: "p9", remote.FieldAuthorID: "u2", remote.FieldLikeCount: int64(0),
	}))
	require.NoError(t, f.store.Insert(ctx, remote.CollectionMessages, remote.Record{
		remote.FieldID: "m1", remote.FieldSenderID: "u2", remote.FieldRecipientID: "u1", remote.FieldText: "hi",
	}))
	require.NoError(t, f.store.Insert(ctx, remote.CollectionMessages, remote.Record{
		remote.FieldID: "m2", remote.FieldSenderID: "u1", remote.FieldRecipientID: "u2", remote.FieldText: "yo",
	}))

	require.Eventually(t, func() bool { return feed.count() == 1 && inbox.count() == 1 }, waitFor, 5*time.Millisecond)

	assert.Equal(t, ChangeInsert, feed.all()[0].ChangeKind)
	assert.Equal(t, "p9", feed.all()[0].Payload.ID())
	assert.Equal(t, "m1", inbox.all()[0].Payload.ID())

	_, known := f.applier.Displayed(optimistic.PostRef("p9"))
	assert.True(t, known)

	// updates to existing posts are not feed events
	require.NoError(t, f.store.Update(ctx, remote.CollectionPosts, "p1", remote.Record{remote.FieldLikeCount: int64(11)}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, feed.count())
}

func TestCloseStopsChannels(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Subscribe(EntityPost, "p1", func(Event) {})
	require.NoError(t, err)
	f.waitChannels(t, 1)

	f.router.Close()
	assert.Equal(t, 0, f.store.ChannelCount())

	_, err = f.router.Subscribe(EntityPost, "p1", func(Event) {})
	assert.Error(t, err)
}

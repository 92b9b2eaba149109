package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/venuesync/internal/remote"
)

func seeded() *Store {
	s := New()
	s.Seed(remote.CollectionPosts, remote.Record{"id": "p1", remote.FieldLikeCount: int64(5)})
	s.Seed(remote.CollectionUsers, remote.Record{"id": "u2"})
	return s
}

func TestInsertConstraints(t *testing.T) {
	ctx := context.Background()
	s := seeded()

	like := remote.Record{"id": remote.LikeID("u1", "p1"), remote.FieldActorID: "u1", remote.FieldPostID: "p1"}
	require.NoError(t, s.Insert(ctx, remote.CollectionLikes, like))

	err := s.Insert(ctx, remote.CollectionLikes, like)
	assert.Equal(t, remote.CodeUnique, remote.CodeOf(err))

	orphan := remote.Record{"id": "c1", remote.FieldPostID: "gone"}
	err = s.Insert(ctx, remote.CollectionComments, orphan)
	assert.Equal(t, remote.CodeForeignKey, remote.CodeOf(err))

	err = s.Insert(ctx, "orders", remote.Record{"id": "o1"})
	assert.Equal(t, remote.CodeUndefinedRelation, remote.CodeOf(err))

	err = s.Insert(ctx, remote.CollectionPosts, remote.Record{})
	assert.Equal(t, remote.CodeMalformed, remote.CodeOf(err))

	assert.Equal(t, 3, s.Calls("insert", remote.CollectionLikes)+s.Calls("insert", remote.CollectionComments))
}

func TestDeleteAndIncrement(t *testing.T) {
	ctx := context.Background()
	s := seeded()

	n, err := s.Increment(ctx, remote.CollectionPosts, "p1", remote.FieldLikeCount, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	rec, err := s.Get(ctx, remote.CollectionPosts, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.Int(remote.FieldLikeCount))

	_, err = s.Increment(ctx, remote.CollectionPosts, "nope", remote.FieldLikeCount, 1)
	assert.Equal(t, remote.CodeNotFound, remote.CodeOf(err))

	err = s.Delete(ctx, remote.CollectionLikes, "u1:p1")
	assert.Equal(t, remote.CodeNotFound, remote.CodeOf(err))
}

func likeWrite(actionID string) remote.Write {
	return remote.Write{
		ActionID:   actionID,
		Op:         remote.OpInsert,
		Collection: remote.CollectionLikes,
		Record:     remote.Record{"id": remote.LikeID("u1", "p1"), remote.FieldActorID: "u1", remote.FieldPostID: "p1"},
		Counter:    remote.Counter{Collection: remote.CollectionPosts, ID: "p1", Field: remote.FieldLikeCount, By: 1},
	}
}

func TestApply(t *testing.T) {
	ctx := context.Background()

	t.Run("row and counter together", func(t *testing.T) {
		s := seeded()
		n, err := s.Apply(ctx, likeWrite("act-1"))
		require.NoError(t, err)
		assert.Equal(t, int64(6), n)

		_, err = s.Get(ctx, remote.CollectionLikes, remote.LikeID("u1", "p1"))
		assert.NoError(t, err)
	})

	t.Run("replay of the same action", func(t *testing.T) {
		s := seeded()
		_, err := s.Apply(ctx, likeWrite("act-1"))
		require.NoError(t, err)

		n, err := s.Apply(ctx, likeWrite("act-1"))
		require.NoError(t, err)
		assert.Equal(t, int64(6), n)

		_, err = s.Apply(ctx, likeWrite("act-2"))
		assert.Equal(t, remote.CodeUnique, remote.CodeOf(err))

		post, _ := s.Get(ctx, remote.CollectionPosts, "p1")
		assert.Equal(t, int64(6), post.Int(remote.FieldLikeCount))
	})

	t.Run("counter fault leaves the row untouched", func(t *testing.T) {
		s := seeded()
		s.FailNext("increment", remote.CollectionPosts, remote.NewError(remote.CodeTimeout, "increment", remote.CollectionPosts, errors.New("slow")))

		_, err := s.Apply(ctx, likeWrite("act-1"))
		assert.Equal(t, remote.CodeTimeout, remote.CodeOf(err))
		_, err = s.Get(ctx, remote.CollectionLikes, remote.LikeID("u1", "p1"))
		assert.Equal(t, remote.CodeNotFound, remote.CodeOf(err))
	})

	t.Run("delete", func(t *testing.T) {
		s := seeded()
		_, err := s.Apply(ctx, likeWrite("act-1"))
		require.NoError(t, err)

		unlike := remote.Write{
			ActionID:   "act-2",
			Op:         remote.OpDelete,
			Collection: remote.CollectionLikes,
			ID:         remote.LikeID("u1", "p1"),
			Counter:    remote.Counter{Collection: remote.CollectionPosts, ID: "p1", Field: remote.FieldLikeCount, By: -1},
		}
		n, err := s.Apply(ctx, unlike)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		n, err = s.Apply(ctx, unlike)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		unlike.ActionID = "act-3"
		_, err = s.Apply(ctx, unlike)
		assert.Equal(t, remote.CodeNotFound, remote.CodeOf(err))
	})

	t.Run("missing parent", func(t *testing.T) {
		s := seeded()
		w := likeWrite("act-1")
		w.Record[remote.FieldPostID] = "gone"
		_, err := s.Apply(ctx, w)
		assert.Equal(t, remote.CodeForeignKey, remote.CodeOf(err))
		assert.Zero(t, s.Calls("increment", remote.CollectionPosts))
	})
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := seeded()

	unavailable := remote.NewError(remote.CodeUnavailable, "insert", remote.CollectionLikes, errors.New("503"))
	s.FailNext("insert", remote.CollectionLikes, unavailable)

	like := remote.Record{"id": "u1:p1", remote.FieldPostID: "p1"}
	assert.Equal(t, remote.CodeUnavailable, remote.CodeOf(s.Insert(ctx, remote.CollectionLikes, like)))
	assert.NoError(t, s.Insert(ctx, remote.CollectionLikes, like))
	assert.Equal(t, 2, s.Calls("insert", remote.CollectionLikes))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := s.Get(cancelled, remote.CollectionPosts, "p1")
	assert.Equal(t, remote.CodeTimeout, remote.CodeOf(err))
}

func TestChannels(t *testing.T) {
	ctx := context.Background()
	s := seeded()

	ch, err := s.OpenChannel(ctx, remote.Filter{Collection: remote.CollectionLikes, Field: remote.FieldPostID, Value: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.ChannelCount())

	s.Seed(remote.CollectionPosts, remote.Record{"id": "p2"})
	require.NoError(t, s.Insert(ctx, remote.CollectionLikes, remote.Record{"id": "u1:p2", remote.FieldPostID: "p2"}))
	require.NoError(t, s.Insert(ctx, remote.CollectionLikes, remote.Record{"id": "u1:p1", remote.FieldPostID: "p1"}))
	require.NoError(t, s.Delete(ctx, remote.CollectionLikes, "u1:p1"))

	first := receive(t, ch)
	assert.Equal(t, remote.OpInsert, first.Op)
	assert.Equal(t, "u1:p1", first.ID)

	second := receive(t, ch)
	assert.Equal(t, remote.OpDelete, second.Op)
	assert.Equal(t, "p1", second.Before.String(remote.FieldPostID))

	drop := errors.New("connection lost")
	s.DropChannels(drop)
	<-ch.Done()
	assert.Equal(t, drop, ch.Err())
	assert.Equal(t, 0, s.ChannelCount())
}

func receive(t *testing.T, ch remote.Channel) remote.ChangeEvent {
	t.Helper()
	select {
	case ev := <-ch.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return remote.ChangeEvent{}
	}
}

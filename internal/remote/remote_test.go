package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("liking post: %w", NewError(CodeUnique, "insert", CollectionLikes, nil))

	assert.Equal(t, CodeUnique, CodeOf(wrapped))
	assert.Equal(t, CodeTimeout, CodeOf(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("mystery")))
	assert.Equal(t, CodeUnknown, CodeOf(nil))
}

func TestErrorMessage(t *testing.T) {
	err := NewError(CodeForeignKey, "insert", CollectionComments, errors.New("post p1 missing"))

	assert.Equal(t, "remote insert comments: foreign_key_violation: post p1 missing", err.Error())
	assert.Equal(t, "code(99)", Code(99).String())
}

func TestRecordAccessors(t *testing.T) {
	rec := Record{"id": "p1", "like_count": float64(4), "comment_count": int64(2), "n": 3}

	assert.Equal(t, "p1", rec.ID())
	assert.Equal(t, int64(4), rec.Int(FieldLikeCount))
	assert.Equal(t, int64(2), rec.Int(FieldCommentCount))
	assert.Equal(t, int64(3), rec.Int("n"))
	assert.Equal(t, int64(0), rec.Int("missing"))

	clone := rec.Clone()
	clone["id"] = "p2"
	assert.Equal(t, "p1", rec.ID())
}

func TestFilterMatches(t *testing.T) {
	like := ChangeEvent{
		Op:         OpInsert,
		Collection: CollectionLikes,
		ID:         LikeID("u1", "p1"),
		After:      Record{FieldPostID: "p1", FieldActorID: "u1"},
	}
	unlike := ChangeEvent{
		Op:         OpDelete,
		Collection: CollectionLikes,
		ID:         LikeID("u1", "p1"),
		Before:     Record{FieldPostID: "p1", FieldActorID: "u1"},
	}

	assert.True(t, Filter{Collection: CollectionLikes, Field: FieldPostID, Value: "p1"}.Matches(like))
	assert.True(t, Filter{Collection: CollectionLikes, Field: FieldPostID, Value: "p1"}.Matches(unlike))
	assert.False(t, Filter{Collection: CollectionLikes, Field: FieldPostID, Value: "p2"}.Matches(like))
	assert.False(t, Filter{Collection: CollectionComments}.Matches(like))
	assert.True(t, Filter{Collection: CollectionLikes, Field: FieldPostID, Value: "*"}.Matches(like))
	assert.False(t, Filter{Collection: CollectionLikes, Ops: []Op{OpInsert}}.Matches(unlike))
	assert.True(t, Filter{Collection: CollectionLikes, Field: FieldID, Value: "u1:p1"}.Matches(like))
}

func TestPipe(t *testing.T) {
	closed := 0
	p := NewPipe(1, func() { closed++ })

	require.True(t, p.Emit(context.Background(), ChangeEvent{ID: "a"}))
	assert.False(t, p.TryEmit(ChangeEvent{ID: "b"}), "buffer is full")

	ev := <-p.Events()
	assert.Equal(t, "a", ev.ID)

	drop := errors.New("server went away")
	p.Fail(drop)
	require.NoError(t, p.Close())

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("pipe not done")
	}
	assert.Equal(t, drop, p.Err())
	assert.Equal(t, 1, closed)
	assert.False(t, p.Emit(context.Background(), ChangeEvent{}))
}

func TestCompositeIDs(t *testing.T) {
	assert.Equal(t, "u1:p1", LikeID("u1", "p1"))
	assert.Equal(t, "u1:p1:🔥", ReactionID("u1", "p1", "🔥"))
	assert.Equal(t, []string{"u1", "u2"}, SplitID(FollowID("u1", "u2")))
	assert.True(t, KnownCollection(CollectionFollows))
	assert.False(t, KnownCollection("orders"))
}

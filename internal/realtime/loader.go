package realtime

import (
	"context"
	"fmt"

	"github.com/tildaslashalef/venuesync/internal/auth"
	"github.com/tildaslashalef/venuesync/internal/optimistic"
	"github.com/tildaslashalef/venuesync/internal/remote"
)

// SnapshotLoader fetches the full confirmed state of an entity
type SnapshotLoader interface {
	Load(ctx context.Context, ref optimistic.EntityRef) (optimistic.Snapshot, error)
}

// StoreLoader loads snapshots from the remote store on behalf of the
// session's actor.
type StoreLoader struct {
	store   remote.Store
	session auth.Session
}

// NewStoreLoader creates a loader
func NewStoreLoader(store remote.Store, session auth.Session) *StoreLoader {
	return &StoreLoader{store: store, session: session}
}

// Load implements SnapshotLoader
func (l *StoreLoader) Load(ctx context.Context, ref optimistic.EntityRef) (optimistic.Snapshot, error) {
	actor := l.session.ActorID()

	switch ref.Type {
	case optimistic.EntityPost:
		row, err := l.store.Get(ctx, remote.CollectionPosts, ref.ID)
		if err != nil {
			return optimistic.Snapshot{}, fmt.Errorf("loading post %s: %w", ref.ID, err)
		}
		snap := optimistic.Snapshot{
			LikeCount:     row.Int(remote.FieldLikeCount),
			CommentCount:  row.Int(remote.FieldCommentCount),
			ReactionCount: row.Int(remote.FieldReactionCount),
		}
		if actor != "" {
			snap.LikedByMe, err = l.exists(ctx, remote.CollectionLikes, remote.LikeID(actor, ref.ID))
			if err != nil {
				return optimistic.Snapshot{}, err
			}
		}
		return snap, nil

	case optimistic.EntityUser:
		row, err := l.store.Get(ctx, remote.CollectionUsers, ref.ID)
		if err != nil {
			return optimistic.Snapshot{}, fmt.Errorf("loading user %s: %w", ref.ID, err)
		}
		snap := optimistic.Snapshot{FollowerCount: row.Int(remote.FieldFollowerCount)}
		if actor != "" {
			snap.FollowedByMe, err = l.exists(ctx, remote.CollectionFollows, remote.FollowID(actor, ref.ID))
			if err != nil {
				return optimistic.Snapshot{}, err
			}
		}
		return snap, nil
	}

	return optimistic.Snapshot{}, fmt.Errorf("no snapshot for entity type %q", ref.Type)
}

func (l *StoreLoader) exists(ctx context.Context, collection, id string) (bool, error) {
	_, err := l.store.Get(ctx, collection, id)
	if err == nil {
		return true, nil
	}
	if remote.CodeOf(err) == remote.CodeNotFound {
		return false, nil
	}
	return false, fmt.Errorf("checking %s %s: %w", collection, id, err)
}

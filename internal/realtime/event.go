package realtime

import (
	"fmt"
	"time"

	"github.com/tildaslashalef/venuesync/internal/remote"
)

// Entity classes a subscriber can follow
const (
	EntityPost  = "post"
	EntityUser  = "user"
	EntityFeed  = "feed"
	EntityInbox = "inbox"
)

// FeedID is the entity id of the global feed
const FeedID = "*"

// ChangeKind is the normalized kind of a change
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Event is a normalized change notification for one subscribed entity
type Event struct {
	EntityType string
	EntityID   string
	ChangeKind ChangeKind
	// Collection is the collection of the changed row
	Collection string
	Payload    remote.Record
	// Resync marks the synthetic event sent after a reconnect refetch: events
	// may have been missed and list views should reload.
	Resync      bool
	CommittedAt time.Time
}

// Handler receives the events of one subscription, in server-commit order
type Handler func(Event)

// ChannelDrop is surfaced when an entity's channel could not be restored
// after repeated attempts. Its state may be stale until recovery.
type ChannelDrop struct {
	EntityType string
	EntityID   string
	Failures   int
	Err        error
	// Recovered is set on the follow-up notice once the channel is back
	Recovered bool
}

func (d *ChannelDrop) Error() string {
	return fmt.Sprintf("realtime channel for %s/%s lost after %d attempts: %v", d.EntityType, d.EntityID, d.Failures, d.Err)
}

func (d *ChannelDrop) Unwrap() error {
	return d.Err
}

func changeKind(op remote.Op) ChangeKind {
	switch op {
	case remote.OpInsert:
		return ChangeInsert
	case remote.OpDelete:
		return ChangeDelete
	default:
		return ChangeUpdate
	}
}

// filtersFor returns the change filters of an entity class
func filtersFor(entityType, entityID string) ([]remote.Filter, error) {
	if entityID == "" {
		return nil, fmt.Errorf("empty entity id for %s", entityType)
	}

	switch entityType {
	case EntityPost:
		return []remote.Filter{
			{Collection: remote.CollectionPosts, Field: remote.FieldID, Value: entityID},
			{Collection: remote.CollectionLikes, Field: remote.FieldPostID, Value: entityID},
			{Collection: remote.CollectionComments, Field: remote.FieldPostID, Value: entityID},
			{Collection: remote.CollectionReactions, Field: remote.FieldPostID, Value: entityID},
		}, nil
	case EntityUser:
		return []remote.Filter{
			{Collection: remote.CollectionUsers, Field: remote.FieldID, Value: entityID},
			{Collection: remote.CollectionFollows, Field: remote.FieldFolloweeID, Value: entityID},
		}, nil
	case EntityFeed:
		return []remote.Filter{
			{Collection: remote.CollectionPosts, Ops: []remote.Op{remote.OpInsert}},
		}, nil
	case EntityInbox:
		return []remote.Filter{
			{Collection: remote.CollectionMessages, Field: remote.FieldRecipientID, Value: entityID},
		}, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", entityType)
}

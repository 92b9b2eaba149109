package remote

import "strings"

// Collections known to the store
const (
	CollectionPosts     = "posts"
	CollectionUsers     = "users"
	CollectionLikes     = "likes"
	CollectionComments  = "comments"
	CollectionReactions = "reactions"
	CollectionFollows   = "follows"
	CollectionMessages  = "messages"
)

// Field names shared by adapters, the sync engine and the realtime router
const (
	FieldID             = "id"
	FieldActorID        = "actor_id"
	FieldPostID         = "post_id"
	FieldAuthorID       = "author_id"
	FieldText           = "text"
	FieldEmoji          = "emoji"
	FieldFollowerID     = "follower_id"
	FieldFolloweeID     = "followee_id"
	FieldSenderID       = "sender_id"
	FieldRecipientID    = "recipient_id"
	FieldCreatedAt      = "created_at"
	FieldActionID       = "action_id"
	FieldLikeCount      = "like_count"
	FieldCommentCount   = "comment_count"
	FieldReactionCount  = "reaction_count"
	FieldFollowerCount  = "follower_count"
	FieldFollowingCount = "following_count"
)

// ForeignKey declares that Field must reference an existing row of Parent
type ForeignKey struct {
	Field  string
	Parent string
}

// Schema lists each collection with its foreign keys
var Schema = map[string][]ForeignKey{
	CollectionPosts:     nil,
	CollectionUsers:     nil,
	CollectionLikes:     {{Field: FieldPostID, Parent: CollectionPosts}},
	CollectionComments:  {{Field: FieldPostID, Parent: CollectionPosts}},
	CollectionReactions: {{Field: FieldPostID, Parent: CollectionPosts}},
	CollectionFollows:   {{Field: FieldFolloweeID, Parent: CollectionUsers}},
	CollectionMessages:  nil,
}

// KnownCollection reports whether the collection exists in the schema
func KnownCollection(collection string) bool {
	_, ok := Schema[collection]
	return ok
}

// Relationship rows use composite ids so the store's unique constraint on id
// is the (actor, target) uniqueness constraint.

// LikeID returns the id of the like row of actor on post
func LikeID(actorID, postID string) string {
	return actorID + ":" + postID
}

// ReactionID returns the id of a reaction row
func ReactionID(actorID, postID, emoji string) string {
	return actorID + ":" + postID + ":" + emoji
}

// FollowID returns the id of the follow row of follower on followee
func FollowID(followerID, followeeID string) string {
	return followerID + ":" + followeeID
}

// SplitID splits a composite id into its parts
func SplitID(id string) []string {
	return strings.Split(id, ":")
}

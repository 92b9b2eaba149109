package optimistic

import "github.com/tildaslashalef/venuesync/internal/queue"

// Entity types projected by the applier
const (
	EntityPost = "post"
	EntityUser = "user"
)

// EntityRef identifies one projected entity
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PostRef returns the ref of a post
func PostRef(id string) EntityRef {
	return EntityRef{Type: EntityPost, ID: id}
}

// UserRef returns the ref of a user
func UserRef(id string) EntityRef {
	return EntityRef{Type: EntityUser, ID: id}
}

func (r EntityRef) String() string {
	return r.Type + "/" + r.ID
}

// Snapshot is the server-visible state of an entity as seen by the local actor
type Snapshot struct {
	LikeCount     int64 `json:"like_count"`
	CommentCount  int64 `json:"comment_count"`
	ReactionCount int64 `json:"reaction_count"`
	FollowerCount int64 `json:"follower_count"`
	LikedByMe     bool  `json:"liked_by_me"`
	FollowedByMe  bool  `json:"followed_by_me"`
}

// Delta is a signed adjustment to a Snapshot
type Delta struct {
	Likes     int64
	Comments  int64
	Reactions int64
	Followers int64
	Liked     int
	Following int
}

// Add returns d + o
func (d Delta) Add(o Delta) Delta {
	return Delta{
		Likes:     d.Likes + o.Likes,
		Comments:  d.Comments + o.Comments,
		Reactions: d.Reactions + o.Reactions,
		Followers: d.Followers + o.Followers,
		Liked:     d.Liked + o.Liked,
		Following: d.Following + o.Following,
	}
}

// Neg returns -d
func (d Delta) Neg() Delta {
	return Delta{
		Likes:     -d.Likes,
		Comments:  -d.Comments,
		Reactions: -d.Reactions,
		Followers: -d.Followers,
		Liked:     -d.Liked,
		Following: -d.Following,
	}
}

// IsZero reports whether d changes nothing
func (d Delta) IsZero() bool {
	return d == Delta{}
}

// Apply returns s adjusted by d. Counts clamp at zero and flags stay boolean.
func (s Snapshot) Apply(d Delta) Snapshot {
	return Snapshot{
		LikeCount:     clampCount(s.LikeCount + d.Likes),
		CommentCount:  clampCount(s.CommentCount + d.Comments),
		ReactionCount: clampCount(s.ReactionCount + d.Reactions),
		FollowerCount: clampCount(s.FollowerCount + d.Followers),
		LikedByMe:     clampFlag(s.LikedByMe, d.Liked),
		FollowedByMe:  clampFlag(s.FollowedByMe, d.Following),
	}
}

func clampCount(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func clampFlag(v bool, d int) bool {
	n := d
	if v {
		n++
	}
	return n > 0
}

// State merges the confirmed server value with local unconfirmed intent
type State struct {
	Confirmed Snapshot
	Pending   Delta
}

// Displayed is what the user sees: Confirmed + Pending
func (s State) Displayed() Snapshot {
	return s.Confirmed.Apply(s.Pending)
}

// DeltaFor returns the entity an action adjusts and by how much
func DeltaFor(a *queue.PendingAction) (EntityRef, Delta) {
	switch a.Kind {
	case queue.KindLike:
		return PostRef(a.TargetID), Delta{Likes: 1, Liked: 1}
	case queue.KindUnlike:
		return PostRef(a.TargetID), Delta{Likes: -1, Liked: -1}
	case queue.KindComment:
		return PostRef(a.TargetID), Delta{Comments: 1}
	case queue.KindReaction:
		return PostRef(a.TargetID), Delta{Reactions: 1}
	case queue.KindFollow:
		return UserRef(a.TargetID), Delta{Followers: 1, Following: 1}
	case queue.KindUnfollow:
		return UserRef(a.TargetID), Delta{Followers: -1, Following: -1}
	}
	return EntityRef{}, Delta{}
}

// Package queue is the local action queue: it durably records user
// interactions until the sync engine has applied them to the remote store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tildaslashalef/venuesync/internal/kvstore"
	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/ulid"
)

const (
	pendingPrefix = "queue/pending/"
	failedPrefix  = "queue/failed/"

	// DefaultFailedCap bounds the failed list when no cap is configured
	DefaultFailedCap = 50
)

// Queue is the single writer of queued action state. Pending actions are
// cached in memory in enqueue order and written through to the store.
type Queue struct {
	mu        sync.Mutex
	store     kvstore.Store
	validate  *validator.Validate
	logger    *loggy.Logger
	failedCap int
	now       func() time.Time

	pending     []*PendingAction
	failedCount int
}

// Option configures a Queue
type Option func(*Queue)

// WithFailedCap sets the maximum number of failed actions retained
func WithFailedCap(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.failedCap = n
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// Open loads the queue persisted in store. Actions a previous session left
// in flight have an unknown outcome and go back to pending; the sync engine
// resumes them from their recorded step.
func Open(ctx context.Context, store kvstore.Store, logger *loggy.Logger, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:     store,
		validate:  validator.New(),
		logger:    logger.Component("queue"),
		failedCap: DefaultFailedCap,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	entries, err := store.ListByPrefix(ctx, pendingPrefix)
	if err != nil {
		return nil, fmt.Errorf("loading pending actions: %w", err)
	}

	for _, e := range entries {
		var a PendingAction
		if err := json.Unmarshal(e.Value, &a); err != nil {
			q.logger.Error("Dropping unreadable queue entry", "key", e.Key, "error", err)
			continue
		}
		if a.Status == StatusInFlight {
			a.Status = StatusPending
			if err := q.persist(ctx, pendingPrefix, &a); err != nil {
				return nil, fmt.Errorf("resetting in-flight action %s: %w", a.ID, err)
			}
			q.logger.Info("Recovered interrupted action", "id", a.ID, "kind", a.Kind, "step", a.Step)
		}
		q.pending = append(q.pending, &a)
	}
	sort.Slice(q.pending, func(i, j int) bool { return q.pending[i].ID < q.pending[j].ID })

	failed, err := store.ListByPrefix(ctx, failedPrefix)
	if err != nil {
		return nil, fmt.Errorf("loading failed actions: %w", err)
	}
	q.failedCount = len(failed)

	q.logger.Debug("Queue opened", "pending", len(q.pending), "failed", q.failedCount)
	return q, nil
}

func (q *Queue) persist(ctx context.Context, prefix string, a *PendingAction) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding action %s: %w", a.ID, err)
	}
	return q.store.Set(ctx, prefix+a.ID, data)
}

// Enqueue records a user gesture. It never touches the network. Opposite
// pending actions in the same lane cancel out, identical ones deduplicate,
// and comments always queue. A storage error is returned as *EnqueueFailure.
func (q *Queue) Enqueue(ctx context.Context, in Input) (EnqueueResult, error) {
	if err := q.validate.Struct(in); err != nil {
		return EnqueueResult{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if in.Kind != KindComment {
		if latest := q.latestInFamily(in); latest != nil {
			if latest.Kind == in.Kind {
				q.logger.Debug("Deduplicated action", "id", latest.ID, "kind", in.Kind, "target", in.TargetID)
				return EnqueueResult{Outcome: OutcomeDeduplicated, Action: latest.Clone()}, nil
			}
			if opposite, ok := in.Kind.Opposite(); ok && latest.Kind == opposite && latest.Status == StatusPending {
				if err := q.store.Remove(ctx, pendingPrefix+latest.ID); err != nil {
					return EnqueueResult{}, &EnqueueFailure{Kind: in.Kind, TargetID: in.TargetID, Err: err}
				}
				q.removePending(latest.ID)
				q.logger.Debug("Coalesced opposite actions", "cancelled", latest.ID, "kind", in.Kind, "target", in.TargetID)
				return EnqueueResult{Outcome: OutcomeCancelled, Cancelled: latest.Clone()}, nil
			}
		}
	}

	now := q.now()
	a := &PendingAction{
		ID:          ulid.ActionID(),
		Kind:        in.Kind,
		TargetID:    in.TargetID,
		ActorID:     in.ActorID,
		RecipientID: in.RecipientID,
		Payload:     Payload{Text: in.Text, Emoji: in.Emoji},
		CreatedAt:   now,
		Status:      StatusPending,
	}

	if err := q.persist(ctx, pendingPrefix, a); err != nil {
		q.logger.Error("Failed to persist action", "kind", a.Kind, "target", a.TargetID, "error", err)
		return EnqueueResult{}, &EnqueueFailure{Kind: in.Kind, TargetID: in.TargetID, Err: err}
	}

	q.pending = append(q.pending, a)
	q.logger.Debug("Enqueued action", "id", a.ID, "kind", a.Kind, "target", a.TargetID)
	return EnqueueResult{Outcome: OutcomeQueued, Action: a.Clone()}, nil
}

// latestInFamily returns the newest queued action in the lane of in that acts
// on the same state. Reactions only match the same emoji. Must hold q.mu.
func (q *Queue) latestInFamily(in Input) *PendingAction {
	lane := laneKey(in.ActorID, in.TargetID)
	for i := len(q.pending) - 1; i >= 0; i-- {
		a := q.pending[i]
		if a.Lane() != lane || a.Kind.Family() != in.Kind.Family() {
			continue
		}
		if in.Kind == KindReaction && a.Payload.Emoji != in.Emoji {
			continue
		}
		return a
	}
	return nil
}

// DequeueNext returns the oldest pending action that may be sent now, or nil.
// Only the head of each lane is eligible, and only while nothing else in the
// lane is in flight, so actions on one target apply in enqueue order. A head
// still waiting out its backoff holds back the rest of its lane.
func (q *Queue) DequeueNext(ctx context.Context) (*PendingAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	busy := make(map[string]bool)
	for _, a := range q.pending {
		if a.Status == StatusInFlight {
			busy[a.Lane()] = true
		}
	}

	seen := make(map[string]bool)
	for _, a := range q.pending {
		lane := a.Lane()
		if busy[lane] || seen[lane] {
			continue
		}
		seen[lane] = true
		if a.Status == StatusPending && !a.NextAttemptAt.After(now) {
			return a.Clone(), nil
		}
	}

	return nil, nil
}

func (q *Queue) find(id string) (int, *PendingAction) {
	for i, a := range q.pending {
		if a.ID == id {
			return i, a
		}
	}
	return -1, nil
}

func (q *Queue) removePending(id string) {
	if i, _ := q.find(id); i >= 0 {
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
	}
}

// update applies mutate to the stored action and writes it through. Must hold q.mu.
func (q *Queue) update(ctx context.Context, id string, mutate func(*PendingAction)) error {
	_, a := q.find(id)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := a.Clone()
	mutate(next)
	if err := q.persist(ctx, pendingPrefix, next); err != nil {
		return fmt.Errorf("persisting action %s: %w", id, err)
	}
	*a = *next
	return nil
}

// MarkInFlight records that the action's remote calls are being issued
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.update(ctx, id, func(a *PendingAction) {
		a.Status = StatusInFlight
	})
}

// SaveProgress persists the step and session flags of a after a partial success
func (q *Queue) SaveProgress(ctx context.Context, a *PendingAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.update(ctx, a.ID, func(stored *PendingAction) {
		stored.Step = a.Step
		stored.SessionRefreshed = a.SessionRefreshed
	})
}

// Requeue returns an action to pending with its updated attempt count. It will
// not be dequeued before nextAttemptAt.
func (q *Queue) Requeue(ctx context.Context, a *PendingAction, nextAttemptAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.update(ctx, a.ID, func(stored *PendingAction) {
		stored.Status = StatusPending
		stored.Attempts = a.Attempts
		stored.Step = a.Step
		stored.SessionRefreshed = a.SessionRefreshed
		stored.NextAttemptAt = nextAttemptAt
	})
}

// MarkSynced removes a successfully applied action from the queue
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, a := q.find(id); a == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := q.store.Remove(ctx, pendingPrefix+id); err != nil {
		return fmt.Errorf("removing synced action %s: %w", id, err)
	}
	q.removePending(id)
	return nil
}

// MarkFailed moves an action to the failed list with a user-facing reason.
// The failed list keeps the most recent failures up to the configured cap.
func (q *Queue) MarkFailed(ctx context.Context, id string, reason string) (*PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, a := q.find(id)
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	failed := a.Clone()
	failed.Status = StatusFailed
	failed.FailReason = reason
	failed.FailedAt = q.now()

	if err := q.persist(ctx, failedPrefix, failed); err != nil {
		return nil, fmt.Errorf("recording failed action %s: %w", id, err)
	}
	if err := q.store.Remove(ctx, pendingPrefix+id); err != nil {
		return nil, fmt.Errorf("removing failed action %s: %w", id, err)
	}
	q.removePending(id)
	q.failedCount++

	if err := q.trimFailed(ctx); err != nil {
		q.logger.Warn("Failed to trim failed list", "error", err)
	}

	return failed.Clone(), nil
}

// trimFailed evicts the entries that failed longest ago beyond the cap.
// Must hold q.mu.
func (q *Queue) trimFailed(ctx context.Context) error {
	if q.failedCount <= q.failedCap {
		return nil
	}

	entries, err := q.store.ListByPrefix(ctx, failedPrefix)
	if err != nil {
		return err
	}

	excess := len(entries) - q.failedCap
	if excess <= 0 {
		q.failedCount = len(entries)
		return nil
	}

	type failure struct {
		key string
		at  time.Time
	}
	byAge := make([]failure, 0, len(entries))
	for _, e := range entries {
		var a PendingAction
		if err := json.Unmarshal(e.Value, &a); err != nil {
			// unreadable entries go first
			byAge = append(byAge, failure{key: e.Key})
			continue
		}
		byAge = append(byAge, failure{key: e.Key, at: a.FailedAt})
	}
	sort.SliceStable(byAge, func(i, j int) bool {
		if !byAge[i].at.Equal(byAge[j].at) {
			return byAge[i].at.Before(byAge[j].at)
		}
		return byAge[i].key < byAge[j].key
	})

	for _, f := range byAge[:excess] {
		if err := q.store.Remove(ctx, f.key); err != nil {
			return err
		}
		q.logger.Debug("Evicted failed action", "key", f.key)
	}
	q.failedCount = q.failedCap
	return nil
}

// ListPending returns queued actions in enqueue order, in flight included
func (q *Queue) ListPending(ctx context.Context) ([]*PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*PendingAction, 0, len(q.pending))
	for _, a := range q.pending {
		out = append(out, a.Clone())
	}
	return out, nil
}

// ListFailed returns failed actions, oldest first
func (q *Queue) ListFailed(ctx context.Context) ([]*PendingAction, error) {
	entries, err := q.store.ListByPrefix(ctx, failedPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing failed actions: %w", err)
	}

	out := make([]*PendingAction, 0, len(entries))
	for _, e := range entries {
		var a PendingAction
		if err := json.Unmarshal(e.Value, &a); err != nil {
			q.logger.Warn("Skipping unreadable failed entry", "key", e.Key, "error", err)
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

// DismissFailed removes a failed action once the user has acknowledged it
func (q *Queue) DismissFailed(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.loadFailed(ctx, id); err != nil {
		return err
	}
	return q.removeFailed(ctx, id)
}

// RetryFailed enqueues the interaction of a failed action again and then
// drops the failed entry. The new action goes through coalescing like any
// other gesture. If it cannot be queued the failed entry stays.
func (q *Queue) RetryFailed(ctx context.Context, id string) (EnqueueResult, error) {
	q.mu.Lock()
	a, err := q.loadFailed(ctx, id)
	q.mu.Unlock()
	if err != nil {
		return EnqueueResult{}, err
	}

	res, err := q.Enqueue(ctx, a.Input())
	if err != nil {
		return EnqueueResult{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.removeFailed(ctx, id); err != nil {
		q.logger.Warn("Retried action stays in the failed list", "id", id, "error", err)
	}
	return res, nil
}

// loadFailed reads a failed action. Ids that are not action ids are never
// found. Must hold q.mu.
func (q *Queue) loadFailed(ctx context.Context, id string) (*PendingAction, error) {
	if parsed, err := ulid.Parse(id); err != nil || parsed.Prefix() != ulid.PrefixAction {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	data, err := q.store.Get(ctx, failedPrefix+id)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("loading failed action %s: %w", id, err)
	}

	var a PendingAction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding failed action %s: %w", id, err)
	}
	return &a, nil
}

// removeFailed deletes a failed entry. Must hold q.mu.
func (q *Queue) removeFailed(ctx context.Context, id string) error {
	if err := q.store.Remove(ctx, failedPrefix+id); err != nil {
		return fmt.Errorf("removing failed action %s: %w", id, err)
	}
	if q.failedCount > 0 {
		q.failedCount--
	}
	return nil
}

// Counts returns the number of queued and failed actions
func (q *Queue) Counts() (pending, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), q.failedCount
}

// NextRetryAt returns the earliest future time a backed-off action becomes
// eligible again.
func (q *Queue) NextRetryAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var next time.Time
	for _, a := range q.pending {
		if a.Status != StatusPending || !a.NextAttemptAt.After(now) {
			continue
		}
		if next.IsZero() || a.NextAttemptAt.Before(next) {
			next = a.NextAttemptAt
		}
	}
	return next, !next.IsZero()
}

// PendingFor returns the queued actions of a lane, oldest first
func (q *Queue) PendingFor(actorID, targetID string) []*PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane := laneKey(actorID, targetID)
	var out []*PendingAction
	for _, a := range q.pending {
		if a.Lane() == lane {
			out = append(out, a.Clone())
		}
	}
	return out
}

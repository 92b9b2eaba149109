// Package realtime fans push-change notifications from the remote store out
// to local subscribers. Subscribers of the same entity share one channel;
// the router keeps the channel alive across server-initiated drops and
// reconciles the optimistic projections with every change it sees.
package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tildaslashalef/venuesync/internal/auth"
	"github.com/tildaslashalef/venuesync/internal/config"
	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/optimistic"
	"github.com/tildaslashalef/venuesync/internal/remote"
	"github.com/tildaslashalef/venuesync/internal/ulid"
)

type entityKey struct {
	entityType string
	entityID   string
}

// entry is one shared channel and its subscribers
type entry struct {
	key      entityKey
	filters  []remote.Filter
	handlers map[string]Handler
	order    []string
	cancel   context.CancelFunc
	stale    bool
	failures int
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	id     string
	key    entityKey
	router *Router
	once   sync.Once
}

// ID returns the subscription id
func (s *Subscription) ID() string {
	return s.id
}

// Unsubscribe removes the handler. The shared channel is closed once its
// last subscriber is gone. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.router.unsubscribe(s)
	})
}

// Router maintains one reference-counted channel per subscribed entity
type Router struct {
	opener  remote.ChannelOpener
	applier *optimistic.Applier
	loader  SnapshotLoader
	session auth.Session
	cfg     config.RealtimeConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	entries    map[entityKey]*entry
	dropListen map[int]func(*ChannelDrop)
	nextListen int

	logger *loggy.Logger
}

// NewRouter creates a router. loader may be nil, in which case reconnects
// skip the refetch.
func NewRouter(opener remote.ChannelOpener, applier *optimistic.Applier, loader SnapshotLoader, session auth.Session, cfg config.RealtimeConfig, logger *loggy.Logger) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.StaleAfter < 1 {
		cfg.StaleAfter = 1
	}
	return &Router{
		opener:     opener,
		applier:    applier,
		loader:     loader,
		session:    session,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		entries:    make(map[entityKey]*entry),
		dropListen: make(map[int]func(*ChannelDrop)),
		logger:     logger.Component("realtime"),
	}
}

// Subscribe registers handler for the changes of one entity. It never
// blocks on the network: the channel is opened in the background.
func (r *Router) Subscribe(entityType, entityID string, handler Handler) (*Subscription, error) {
	filters, err := filtersFor(entityType, entityID)
	if err != nil {
		return nil, err
	}

	key := entityKey{entityType: entityType, entityID: entityID}
	sub := &Subscription{id: ulid.SubscriptionID(), key: key, router: r}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ctx.Err(); err != nil {
		return nil, errors.New("router closed")
	}

	e, ok := r.entries[key]
	if !ok {
		ctx, cancel := context.WithCancel(r.ctx)
		e = &entry{
			key:      key,
			filters:  filters,
			handlers: make(map[string]Handler),
			cancel:   cancel,
		}
		r.entries[key] = e

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.run(ctx, e)
		}()
		r.logger.Debug("Opening channel", "entity", entityType, "id", entityID)
	}

	e.handlers[sub.id] = handler
	e.order = append(e.order, sub.id)
	return sub, nil
}

func (r *Router) unsubscribe(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[s.key]
	if !ok {
		return
	}
	delete(e.handlers, s.id)
	for i, id := range e.order {
		if id == s.id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}

	if len(e.handlers) == 0 {
		delete(r.entries, s.key)
		e.cancel()
		r.logger.Debug("Closing channel", "entity", s.key.entityType, "id", s.key.entityID)
	}
}

// Subscribers returns the number of handlers on an entity
func (r *Router) Subscribers(entityType, entityID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[entityKey{entityType, entityID}]; ok {
		return len(e.handlers)
	}
	return 0
}

// IsStale reports whether the entity's channel is currently lost
func (r *Router) IsStale(entityType, entityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[entityKey{entityType, entityID}]; ok {
		return e.stale
	}
	return false
}

// OnDrop registers a listener for persistent channel loss and recovery
func (r *Router) OnDrop(l func(*ChannelDrop)) func() {
	r.mu.Lock()
	id := r.nextListen
	r.nextListen++
	r.dropListen[id] = l
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.dropListen, id)
		r.mu.Unlock()
	}
}

// Close tears down every channel and waits for the router goroutines
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	r.entries = make(map[entityKey]*entry)
	r.mu.Unlock()
}

// run owns the channel of one entry until its context ends
func (r *Router) run(ctx context.Context, e *entry) {
	reconnect := false
	for {
		ch, err := r.open(ctx, e)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("Giving up on channel", "entity", e.key.entityType, "id", e.key.entityID, "error", err)
			}
			return
		}

		if reconnect {
			r.refetch(ctx, e)
		}
		reconnect = true

		dropErr := r.pump(ctx, e, ch)
		if dropErr == nil {
			return
		}
		r.logger.Warn("Channel dropped, resubscribing", "entity", e.key.entityType, "id", e.key.entityID, "error", dropErr)
	}
}

// open opens the channel, retrying with backoff. Codes that can never
// succeed stop the retries.
func (r *Router) open(ctx context.Context, e *entry) (remote.Channel, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.ResubscribeInitial
	b.MaxInterval = r.cfg.ResubscribeMax
	b.MaxElapsedTime = 0

	var ch remote.Channel
	operation := func() error {
		var err error
		ch, err = r.opener.OpenChannel(ctx, e.filters...)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		switch remote.CodeOf(err) {
		case remote.CodeUndefinedRelation, remote.CodeMalformed:
			r.markFailure(e, err)
			return backoff.Permanent(err)
		case remote.CodeUnauthorized:
			if rerr := r.session.Refresh(ctx); rerr != nil {
				r.logger.Debug("Session refresh before resubscribe failed", "error", rerr)
			}
		}
		r.markFailure(e, err)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}

	r.markRecovered(e)
	return ch, nil
}

func (r *Router) markFailure(e *entry, err error) {
	r.mu.Lock()
	e.failures++
	var drop *ChannelDrop
	if e.failures >= r.cfg.StaleAfter && !e.stale {
		e.stale = true
		drop = &ChannelDrop{EntityType: e.key.entityType, EntityID: e.key.entityID, Failures: e.failures, Err: err}
	}
	r.mu.Unlock()

	if drop != nil {
		r.logger.Error("Channel lost, entity possibly stale", "entity", drop.EntityType, "id", drop.EntityID, "failures", drop.Failures, "error", err)
		r.emitDrop(drop)
	}
}

func (r *Router) markRecovered(e *entry) {
	r.mu.Lock()
	wasStale := e.stale
	failures := e.failures
	e.stale = false
	e.failures = 0
	r.mu.Unlock()

	if wasStale {
		r.emitDrop(&ChannelDrop{EntityType: e.key.entityType, EntityID: e.key.entityID, Failures: failures, Recovered: true})
	}
}

func (r *Router) emitDrop(d *ChannelDrop) {
	r.mu.Lock()
	ids := make([]int, 0, len(r.dropListen))
	for id := range r.dropListen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(*ChannelDrop), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, r.dropListen[id])
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l(d)
	}
}

// pump delivers events until the channel ends. It returns the drop error,
// or nil when the entry was torn down.
func (r *Router) pump(ctx context.Context, e *entry, ch remote.Channel) error {
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch.Events():
			r.handle(e, ev)
		case <-ch.Done():
			// deliver what was buffered before the drop
		drain:
			for {
				select {
				case ev := <-ch.Events():
					r.handle(e, ev)
				default:
					break drain
				}
			}
			if err := ch.Err(); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("channel closed by server")
		}
	}
}

// refetch closes the gap of events missed while disconnected
func (r *Router) refetch(ctx context.Context, e *entry) {
	var ref optimistic.EntityRef
	switch e.key.entityType {
	case EntityPost:
		ref = optimistic.PostRef(e.key.entityID)
	case EntityUser:
		ref = optimistic.UserRef(e.key.entityID)
	}

	if ref.ID != "" && r.loader != nil {
		snap, err := r.loader.Load(ctx, ref)
		if err != nil {
			r.logger.Warn("Refetch after reconnect failed", "entity", ref.String(), "error", err)
		} else {
			r.applier.ReconcileFromRealtime(ref, snap)
		}
	}

	r.dispatch(e, Event{
		EntityType:  e.key.entityType,
		EntityID:    e.key.entityID,
		ChangeKind:  ChangeUpdate,
		Resync:      true,
		CommittedAt: time.Now(),
	})
}

// handle normalizes one raw change, reconciles the projections and fans the
// event out to the entry's handlers.
func (r *Router) handle(e *entry, raw remote.ChangeEvent) {
	ev := Event{
		EntityType:  e.key.entityType,
		EntityID:    e.key.entityID,
		ChangeKind:  changeKind(raw.Op),
		Collection:  raw.Collection,
		Payload:     raw.Row(),
		CommittedAt: raw.CommittedAt,
	}

	r.reconcile(raw)
	r.dispatch(e, ev)
}

func (r *Router) dispatch(e *entry, ev Event) {
	r.mu.Lock()
	handlers := make([]Handler, 0, len(e.order))
	for _, id := range e.order {
		if h, ok := e.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// reconcile folds an authoritative change into the applier. Counters come
// from the parent row; relationship rows only matter for the local actor's
// own flags. Entities held by the sync engine skip these observations.
func (r *Router) reconcile(raw remote.ChangeEvent) {
	row := raw.Row()
	actor := r.session.ActorID()

	switch raw.Collection {
	case remote.CollectionPosts:
		ref := optimistic.PostRef(raw.ID)
		if raw.Op == remote.OpInsert {
			r.applier.Seed(ref, optimistic.Snapshot{
				LikeCount:     row.Int(remote.FieldLikeCount),
				CommentCount:  row.Int(remote.FieldCommentCount),
				ReactionCount: row.Int(remote.FieldReactionCount),
			})
			return
		}
		if raw.Op == remote.OpUpdate {
			r.applier.ObserveRealtime(ref, func(s *optimistic.Snapshot) {
				observeCount(row, remote.FieldLikeCount, &s.LikeCount)
				observeCount(row, remote.FieldCommentCount, &s.CommentCount)
				observeCount(row, remote.FieldReactionCount, &s.ReactionCount)
			})
		}

	case remote.CollectionUsers:
		if raw.Op == remote.OpUpdate {
			r.applier.ObserveRealtime(optimistic.UserRef(raw.ID), func(s *optimistic.Snapshot) {
				observeCount(row, remote.FieldFollowerCount, &s.FollowerCount)
			})
		}

	case remote.CollectionLikes:
		if actor != "" && row.String(remote.FieldActorID) == actor {
			liked := raw.Op != remote.OpDelete
			r.applier.ObserveRealtime(optimistic.PostRef(row.String(remote.FieldPostID)), func(s *optimistic.Snapshot) {
				s.LikedByMe = liked
			})
		}

	case remote.CollectionFollows:
		if actor != "" && row.String(remote.FieldFollowerID) == actor {
			following := raw.Op != remote.OpDelete
			r.applier.ObserveRealtime(optimistic.UserRef(row.String(remote.FieldFolloweeID)), func(s *optimistic.Snapshot) {
				s.FollowedByMe = following
			})
		}
	}
}

func observeCount(row remote.Record, field string, dst *int64) {
	if _, ok := row[field]; ok {
		*dst = row.Int(field)
	}
}

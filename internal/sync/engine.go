// Package sync drains the local action queue against the remote store. It
// classifies every failure, retries transient ones with backoff, rolls back
// permanent ones, and confirms the optimistic state of everything that made
// it to the server.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tildaslashalef/venuesync/internal/auth"
	"github.com/tildaslashalef/venuesync/internal/config"
	"github.com/tildaslashalef/venuesync/internal/conflict"
	"github.com/tildaslashalef/venuesync/internal/connectivity"
	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/notify"
	"github.com/tildaslashalef/venuesync/internal/optimistic"
	"github.com/tildaslashalef/venuesync/internal/queue"
	"github.com/tildaslashalef/venuesync/internal/remote"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Deps are the collaborators of an Engine
type Deps struct {
	Queue    *queue.Queue
	Store    remote.Store
	Applier  *optimistic.Applier
	Resolver *conflict.Resolver
	Monitor  *connectivity.Monitor
	Session  auth.Session
}

// Option configures an Engine
type Option func(*Engine)

// WithJournal records every attempt in j
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithDispatcher sends notifications for synced actions through d
func WithDispatcher(d *notify.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithCallTimeout bounds every remote call
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Status is the process-wide sync state
type Status struct {
	PendingCount    int
	FailedCount     int
	LastSyncAttempt time.Time
	IsOnline        bool
}

// EventType identifies what happened to an action
type EventType string

const (
	EventSynced   EventType = "synced"
	EventRetrying EventType = "retrying"
	EventFailed   EventType = "failed"
)

// Event is emitted after each processed action
type Event struct {
	Type    EventType
	Action  *queue.PendingAction
	Verdict conflict.Verdict
	// Err is a *PermanentError for EventFailed
	Err error
	At  time.Time
}

// DrainResult summarizes one drain pass
type DrainResult struct {
	Synced  int
	Retried int
	Failed  int
}

// Engine drains the queue
type Engine struct {
	queue      *queue.Queue
	store      remote.Store
	applier    *optimistic.Applier
	resolver   *conflict.Resolver
	monitor    *connectivity.Monitor
	session    auth.Session
	journal    Journal
	dispatcher *notify.Dispatcher

	cfg         config.SyncConfig
	callTimeout time.Duration
	limiter     *rate.Limiter
	refreshes   singleflight.Group
	now         func() time.Time

	trigger chan struct{}
	drainMu stdsync.Mutex

	mu              stdsync.Mutex
	lastSyncAttempt time.Time
	holds           map[string]func() bool
	listeners       map[int]func(Event)
	nextListener    int

	logger *loggy.Logger
}

// NewEngine creates an engine
func NewEngine(deps Deps, cfg config.SyncConfig, logger *loggy.Logger, opts ...Option) *Engine {
	e := &Engine{
		queue:       deps.Queue,
		store:       deps.Store,
		applier:     deps.Applier,
		resolver:    deps.Resolver,
		monitor:     deps.Monitor,
		session:     deps.Session,
		cfg:         cfg,
		callTimeout: 10 * time.Second,
		limiter:     newLimiter(cfg.RequestsPerSecond, cfg.Burst),
		now:         time.Now,
		trigger:     make(chan struct{}, 1),
		listeners:   make(map[int]func(Event)),
		holds:       make(map[string]func() bool),
		logger:      logger.Component("sync"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.Concurrency < 1 {
		e.cfg.Concurrency = 1
	}
	if e.cfg.MaxAttempts < 1 {
		e.cfg.MaxAttempts = 1
	}
	return e
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// OnEvent registers a listener for processed actions and returns its
// unsubscribe function. Listeners run on the draining goroutine.
func (e *Engine) OnEvent(l func(Event)) func() {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = l
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, e.listeners[id])
	}
	e.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// Status returns the current sync status
func (e *Engine) Status() Status {
	pending, failed := e.queue.Counts()

	e.mu.Lock()
	last := e.lastSyncAttempt
	e.mu.Unlock()

	return Status{
		PendingCount:    pending,
		FailedCount:     failed,
		LastSyncAttempt: last,
		IsOnline:        e.monitor.IsOnline(),
	}
}

// SyncNow asks a running engine to start a drain pass without waiting for
// the next tick.
func (e *Engine) SyncNow() error {
	if e.session.ActorID() == "" {
		return ErrNoActor
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Run drains on every trigger until ctx is done: connectivity restored, the
// periodic ticker, SyncNow, and the earliest backoff expiry.
func (e *Engine) Run(ctx context.Context) error {
	unsubscribe := e.monitor.OnChange(func(online bool) {
		if online {
			_ = e.SyncNow()
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	e.logger.Info("Sync engine started", "interval", e.cfg.Interval, "concurrency", e.cfg.Concurrency)

	_ = e.SyncNow()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Sync engine stopped")
			return nil
		case <-ticker.C:
		case <-e.trigger:
		case <-retry.C:
		}

		e.drainAndLog(ctx)

		if next, ok := e.queue.NextRetryAt(); ok {
			retry.Stop()
			retry.Reset(time.Until(next))
		}
	}
}

func (e *Engine) drainAndLog(ctx context.Context) {
	res, err := e.Drain(ctx)
	switch {
	case errors.Is(err, ErrNoActor):
		e.logger.Debug("Skipping drain without an authenticated actor")
	case err != nil && ctx.Err() == nil:
		e.logger.Error("Drain failed", "error", err)
	case res.Synced+res.Retried+res.Failed > 0:
		e.logger.Info("Drained queue", "synced", res.Synced, "retried", res.Retried, "failed", res.Failed)
	}
}

// Drain processes ready actions until none is ready or the monitor reports
// offline. Different lanes run in parallel up to the concurrency cap.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	if e.session.ActorID() == "" {
		return DrainResult{}, ErrNoActor
	}

	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	e.mu.Lock()
	e.lastSyncAttempt = e.now()
	e.mu.Unlock()

	e.releaseStaleHolds(ctx)

	var (
		g        errgroup.Group
		running  atomic.Int32
		resultMu stdsync.Mutex
		result   DrainResult
		firstErr error
	)
	g.SetLimit(e.cfg.Concurrency)
	done := make(chan struct{}, 1)

	for ctx.Err() == nil {
		if !e.monitor.IsOnline() {
			e.logger.Debug("Offline, pausing drain")
			break
		}

		// Sampled before dequeuing: a worker finishing in between may have
		// unblocked its lane.
		idle := running.Load() == 0
		a, err := e.queue.DequeueNext(ctx)
		if err != nil {
			firstErr = fmt.Errorf("dequeuing action: %w", err)
			break
		}
		if a == nil {
			if idle {
				break
			}
			select {
			case <-done:
			case <-ctx.Done():
			}
			continue
		}

		if err := e.queue.MarkInFlight(ctx, a.ID); err != nil {
			firstErr = fmt.Errorf("marking %s in flight: %w", a.ID, err)
			break
		}
		a.Status = queue.StatusInFlight

		running.Add(1)
		g.Go(func() error {
			defer func() {
				running.Add(-1)
				select {
				case done <- struct{}{}:
				default:
				}
			}()

			outcome, err := e.process(ctx, a)
			resultMu.Lock()
			switch outcome {
			case OutcomeSynced, OutcomeBenign:
				result.Synced++
			case OutcomeRetry:
				result.Retried++
			case OutcomeFailed:
				result.Failed++
			}
			resultMu.Unlock()
			return err
		})
	}

	if err := g.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}
	return result, firstErr
}

// process syncs one in-flight action and settles it. Its outcome is always
// classified: there is no path that leaves an action in flight.
func (e *Engine) process(ctx context.Context, a *queue.PendingAction) (Outcome, error) {
	ctx = loggy.WithActionID(loggy.WithLogger(ctx, e.logger), a.ID)
	started := e.now()
	log := NewSyncLog(a, started)

	p, ok := planFor(a, started)
	if !ok {
		err := fmt.Errorf("no sync plan for kind %q", a.Kind)
		verdict := conflict.Verdict{Class: conflict.Permanent, Reason: "unsupported interaction"}
		return OutcomeFailed, e.fail(ctx, a, p, verdict, err, log)
	}

	ref, _ := optimistic.DeltaFor(a)
	e.hold(a.ID, ref)

	res, err := e.execute(ctx, a, p)
	if err == nil {
		return OutcomeSynced, e.succeed(ctx, a, p, res, OutcomeSynced, conflict.Verdict{}, log)
	}

	op := p.op()
	var rerr *remote.Error
	if errors.As(err, &rerr) && rerr.Op != "" {
		op = rerr.Op
	}
	verdict := e.resolver.Classify(err, conflict.Attempt{
		Kind:             a.Kind,
		Op:               op,
		SessionRefreshed: a.SessionRefreshed,
	})

	switch verdict.Class {
	case conflict.Benign:
		loggy.FromContext(ctx).Debug("Benign conflict treated as success", "code", verdict.Code)
		return OutcomeBenign, e.succeed(ctx, a, p, res, OutcomeBenign, verdict, log)

	case conflict.Transient:
		if verdict.NeedsSessionRefresh {
			if rerr := e.refreshSession(ctx); rerr != nil {
				verdict.Class = conflict.Permanent
				verdict.NeedsSessionRefresh = false
				return OutcomeFailed, e.fail(ctx, a, p, verdict, fmt.Errorf("%w (refresh: %v)", err, rerr), log)
			}
			a.SessionRefreshed = true
			return OutcomeRetry, e.retry(ctx, a, p, verdict, err, e.now(), log)
		}

		a.Attempts++
		if a.Attempts >= e.cfg.MaxAttempts {
			verdict.Reason = fmt.Sprintf("gave up after %d attempts: %s", a.Attempts, verdict.Reason)
			return OutcomeFailed, e.fail(ctx, a, p, verdict, err, log)
		}
		return OutcomeRetry, e.retry(ctx, a, p, verdict, err, e.now().Add(e.backoffDelay(a.Attempts)), log)

	default:
		return OutcomeFailed, e.fail(ctx, a, p, verdict, err, log)
	}
}

// backoffDelay returns the delay before retry number attempts: exponential
// from the base, capped, with jitter.
func (e *Engine) backoffDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BackoffBase
	b.Multiplier = 2
	b.MaxInterval = e.cfg.BackoffMax
	b.RandomizationFactor = e.cfg.BackoffJitter
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// hold keeps realtime updates of ref from landing on top of the optimistic
// value while a's write is unsettled. A retried action keeps its hold.
func (e *Engine) hold(id string, ref optimistic.EntityRef) {
	if ref.ID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.holds[id]; ok {
		return
	}
	e.holds[id] = e.applier.Hold(ref)
}

// unhold releases the hold of a and re-reads the counter if realtime
// updates were deferred meanwhile.
func (e *Engine) unhold(ctx context.Context, a *queue.PendingAction, p plan) {
	e.mu.Lock()
	release, ok := e.holds[a.ID]
	delete(e.holds, a.ID)
	e.mu.Unlock()

	if !ok || !release() || p.observe == nil {
		return
	}
	if value, observed := e.refreshCounter(ctx, p); observed {
		ref, _ := optimistic.DeltaFor(a)
		e.applier.Observe(ref, func(s *optimistic.Snapshot) { p.observe(s, value) })
	}
}

// releaseStaleHolds drops holds of actions that left the queue without being
// processed, such as a retried like cancelled by an unlike.
func (e *Engine) releaseStaleHolds(ctx context.Context) {
	e.mu.Lock()
	n := len(e.holds)
	e.mu.Unlock()
	if n == 0 {
		return
	}

	pending, err := e.queue.ListPending(ctx)
	if err != nil {
		return
	}
	live := make(map[string]*queue.PendingAction, len(pending))
	for _, a := range pending {
		live[a.ID] = a
	}

	e.mu.Lock()
	var stale []func() bool
	for id, release := range e.holds {
		if _, ok := live[id]; !ok {
			stale = append(stale, release)
			delete(e.holds, id)
		}
	}
	e.mu.Unlock()

	for _, release := range stale {
		release()
	}
	if len(stale) > 0 {
		e.logger.Debug("Released holds of cancelled actions", "count", len(stale))
	}
}

// ambiguous reports whether a failed call may still have been applied
func ambiguous(err error) bool {
	switch remote.CodeOf(err) {
	case remote.CodeTimeout, remote.CodeConnReset:
		return true
	}
	return false
}

func (e *Engine) refreshSession(ctx context.Context) error {
	_, err, _ := e.refreshes.Do("refresh", func() (any, error) {
		e.logger.Info("Remote store rejected the session, refreshing")
		return nil, e.session.Refresh(ctx)
	})
	return err
}

func (e *Engine) succeed(ctx context.Context, a *queue.PendingAction, p plan, res execution, outcome Outcome, verdict conflict.Verdict, log *SyncLog) error {
	defer e.unhold(ctx, a, p)

	if err := e.queue.MarkSynced(ctx, a.ID); err != nil {
		return fmt.Errorf("marking %s synced: %w", a.ID, err)
	}

	ref, delta := optimistic.DeltaFor(a)
	e.applier.Confirm(ref, delta)

	value, observed := res.counterValue, res.observed
	if !observed {
		value, observed = e.refreshCounter(ctx, p)
	}
	if observed {
		e.applier.Observe(ref, func(s *optimistic.Snapshot) { p.observe(s, value) })
	}

	e.notify(a)
	e.record(ctx, log, outcome, verdict, nil)
	e.emit(Event{Type: EventSynced, Action: a, Verdict: verdict, At: e.now()})
	return nil
}

func (e *Engine) retry(ctx context.Context, a *queue.PendingAction, p plan, verdict conflict.Verdict, cause error, next time.Time, log *SyncLog) error {
	if !ambiguous(cause) {
		defer e.unhold(ctx, a, p)
	}

	if err := e.queue.Requeue(ctx, a, next); err != nil {
		return fmt.Errorf("requeueing %s: %w", a.ID, err)
	}
	a.Status = queue.StatusPending
	a.NextAttemptAt = next

	loggy.FromContext(ctx).Debug("Retrying action", "attempts", a.Attempts, "next", next, "error", cause)
	e.record(ctx, log, OutcomeRetry, verdict, cause)
	e.emit(Event{Type: EventRetrying, Action: a, Verdict: verdict, Err: cause, At: e.now()})
	return nil
}

func (e *Engine) fail(ctx context.Context, a *queue.PendingAction, p plan, verdict conflict.Verdict, cause error, log *SyncLog) error {
	defer e.unhold(ctx, a, p)

	failed, err := e.queue.MarkFailed(ctx, a.ID, verdict.Reason)
	if err != nil {
		return fmt.Errorf("marking %s failed: %w", a.ID, err)
	}

	ref, delta := optimistic.DeltaFor(a)
	e.applier.Rollback(ref, delta)

	perr := &PermanentError{
		ActionID: a.ID,
		Kind:     a.Kind,
		TargetID: a.TargetID,
		Code:     verdict.Code,
		Reason:   verdict.Reason,
		Err:      cause,
	}
	loggy.FromContext(ctx).WithError(cause).Warn("Action failed permanently", "kind", a.Kind, "target", a.TargetID, "reason", verdict.Reason)
	e.record(ctx, log, OutcomeFailed, verdict, cause)
	e.emit(Event{Type: EventFailed, Action: failed, Verdict: verdict, Err: perr, At: e.now()})
	return nil
}

func (e *Engine) notify(a *queue.PendingAction) {
	if e.dispatcher == nil || a.RecipientID == "" {
		return
	}
	switch a.Kind {
	case queue.KindLike, queue.KindComment, queue.KindReaction, queue.KindFollow:
	default:
		return
	}

	e.dispatcher.Send(a.RecipientID, notify.Message{
		Kind:      string(a.Kind),
		ActorID:   a.ActorID,
		TargetID:  a.TargetID,
		Text:      a.Payload.Text,
		CreatedAt: e.now(),
	})
}

func (e *Engine) record(ctx context.Context, log *SyncLog, outcome Outcome, verdict conflict.Verdict, cause error) {
	if e.journal == nil {
		return
	}

	errorType := ""
	if cause != nil || outcome == OutcomeBenign {
		errorType = verdict.Code.String()
	}
	log.Finish(outcome, errorType, cause, e.now())

	if err := e.journal.Record(ctx, log); err != nil {
		loggy.FromContext(ctx).Warn("Failed to record sync attempt", "action", loggy.ActionID(ctx), "error", err)
	}
}

// Package optimistic owns the in-memory projections of feed entities: the
// confirmed server value of each entity merged with the local actor's
// unconfirmed deltas.
package optimistic

import (
	"sort"
	"sync"

	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/queue"
)

// Listener receives the displayed value of an entity after every change
type Listener func(ref EntityRef, displayed Snapshot)

// Applier is the single writer of entity projections
type Applier struct {
	mu        sync.Mutex
	states    map[EntityRef]*State
	holds     map[EntityRef]int
	deferred  map[EntityRef]bool
	listeners map[int]Listener
	nextID    int
	logger    *loggy.Logger
}

// NewApplier creates an empty applier
func NewApplier(logger *loggy.Logger) *Applier {
	return &Applier{
		states:    make(map[EntityRef]*State),
		holds:     make(map[EntityRef]int),
		deferred:  make(map[EntityRef]bool),
		listeners: make(map[int]Listener),
		logger:    logger.Component("optimistic"),
	}
}

// OnChange registers a listener and returns its unsubscribe function
func (a *Applier) OnChange(l Listener) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = l
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// mutate runs fn on the state of ref under the lock and notifies listeners
// with the resulting displayed value once the lock is released.
func (a *Applier) mutate(ref EntityRef, fn func(*State)) Snapshot {
	displayed, _ := a.mutateUnlessHeld(ref, false, fn)
	return displayed
}

// mutateUnlessHeld is mutate for realtime observations: with respect set and
// ref held, the change is skipped and remembered as deferred.
func (a *Applier) mutateUnlessHeld(ref EntityRef, respect bool, fn func(*State)) (Snapshot, bool) {
	a.mu.Lock()
	if respect && a.holds[ref] > 0 {
		a.deferred[ref] = true
		var displayed Snapshot
		if st, ok := a.states[ref]; ok {
			displayed = st.Displayed()
		}
		a.mu.Unlock()
		return displayed, false
	}

	st, ok := a.states[ref]
	if !ok {
		st = &State{}
		a.states[ref] = st
	}
	fn(st)
	displayed := st.Displayed()
	listeners := a.snapshotListeners()
	a.mu.Unlock()

	for _, l := range listeners {
		l(ref, displayed)
	}
	return displayed, true
}

func (a *Applier) snapshotListeners() []Listener {
	ids := make([]int, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.listeners[id])
	}
	return out
}

// ApplyOptimistic adds d to the pending delta of ref and returns the new
// displayed value for immediate rendering.
func (a *Applier) ApplyOptimistic(ref EntityRef, d Delta) Snapshot {
	return a.mutate(ref, func(st *State) {
		st.Pending = st.Pending.Add(d)
	})
}

// Confirm folds a synced delta into the confirmed value and removes it from
// the pending delta.
func (a *Applier) Confirm(ref EntityRef, d Delta) Snapshot {
	return a.mutate(ref, func(st *State) {
		st.Confirmed = st.Confirmed.Apply(d)
		st.Pending = st.Pending.Add(d.Neg())
	})
}

// Rollback removes a failed delta from the pending delta. The confirmed value
// is untouched since the change never happened.
func (a *Applier) Rollback(ref EntityRef, d Delta) Snapshot {
	return a.mutate(ref, func(st *State) {
		st.Pending = st.Pending.Add(d.Neg())
	})
}

// ReconcileFromRealtime replaces the confirmed value wholesale with a fresher
// server snapshot. The pending delta keeps applying on top. While ref is held
// the snapshot is skipped.
func (a *Applier) ReconcileFromRealtime(ref EntityRef, confirmed Snapshot) Snapshot {
	displayed, _ := a.mutateUnlessHeld(ref, true, func(st *State) {
		st.Confirmed = confirmed
	})
	return displayed
}

// ObserveRealtime is Observe for values pushed by the realtime channel. It
// reports false when ref is held and the observation was deferred.
func (a *Applier) ObserveRealtime(ref EntityRef, fn func(*Snapshot)) (Snapshot, bool) {
	return a.mutateUnlessHeld(ref, true, func(st *State) {
		fn(&st.Confirmed)
		st.Confirmed = st.Confirmed.Apply(Delta{})
	})
}

// Hold defers realtime observations of ref while a write of the local actor
// to it is unsettled. The server value may already include that write, so
// adding the pending delta on top of it would overshoot. The returned
// release reports whether anything was deferred meanwhile; the caller then
// re-reads the entity.
func (a *Applier) Hold(ref EntityRef) (release func() bool) {
	a.mu.Lock()
	a.holds[ref]++
	a.mu.Unlock()

	var once sync.Once
	return func() bool {
		deferred := false
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.holds[ref]--
			if a.holds[ref] > 0 {
				return
			}
			delete(a.holds, ref)
			deferred = a.deferred[ref]
			delete(a.deferred, ref)
		})
		return deferred
	}
}

// Observe adjusts individual confirmed fields from an authoritative value,
// such as the result of an atomic counter update or a relationship row event.
func (a *Applier) Observe(ref EntityRef, fn func(*Snapshot)) Snapshot {
	return a.mutate(ref, func(st *State) {
		fn(&st.Confirmed)
		st.Confirmed = st.Confirmed.Apply(Delta{})
	})
}

// Seed sets the confirmed value of an entity the applier has not seen yet.
// It reports whether the value was used.
func (a *Applier) Seed(ref EntityRef, confirmed Snapshot) bool {
	a.mu.Lock()
	if _, ok := a.states[ref]; ok {
		a.mu.Unlock()
		return false
	}
	st := &State{Confirmed: confirmed}
	a.states[ref] = st
	displayed := st.Displayed()
	listeners := a.snapshotListeners()
	a.mu.Unlock()

	for _, l := range listeners {
		l(ref, displayed)
	}
	return true
}

// Rebuild recomputes every pending delta from the outstanding queue entries,
// as done after a reload. Confirmed values are kept.
func (a *Applier) Rebuild(pending []*queue.PendingAction) {
	sums := make(map[EntityRef]Delta)
	for _, action := range pending {
		if action.Status != queue.StatusPending && action.Status != queue.StatusInFlight {
			continue
		}
		ref, d := DeltaFor(action)
		if ref.ID == "" {
			continue
		}
		sums[ref] = sums[ref].Add(d)
	}

	a.mu.Lock()
	refs := make([]EntityRef, 0, len(a.states)+len(sums))
	for ref, st := range a.states {
		st.Pending = Delta{}
		refs = append(refs, ref)
	}
	for ref, d := range sums {
		st, ok := a.states[ref]
		if !ok {
			st = &State{}
			a.states[ref] = st
			refs = append(refs, ref)
		}
		st.Pending = d
	}
	a.mu.Unlock()

	a.logger.Debug("Rebuilt pending deltas", "entities", len(sums), "actions", len(pending))

	for _, ref := range refs {
		a.mutate(ref, func(*State) {})
	}
}

// Displayed returns the displayed value of ref
func (a *Applier) Displayed(ref EntityRef) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[ref]
	if !ok {
		return Snapshot{}, false
	}
	return st.Displayed(), true
}

// State returns a copy of the projection of ref
func (a *Applier) State(ref EntityRef) (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[ref]
	if !ok {
		return State{}, false
	}
	return *st, true
}

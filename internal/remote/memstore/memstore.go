// Package memstore is an in-process remote.Store with the same unique and
// foreign-key semantics as the hosted store. It backs the "memory" remote
// driver for local development and the package tests of the sync pipeline.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tildaslashalef/venuesync/internal/remote"
)

// Store implements remote.Store in memory
type Store struct {
	mu       sync.Mutex
	rows     map[string]map[string]remote.Record
	channels map[*channel]struct{}
	faults   map[string][]error
	calls    map[string]int
	applied  map[string]struct{}
	buffer   int
	now      func() time.Time
}

type channel struct {
	*remote.Pipe
	filters []remote.Filter
}

// New creates an empty store
func New() *Store {
	s := &Store{
		rows:     make(map[string]map[string]remote.Record),
		channels: make(map[*channel]struct{}),
		faults:   make(map[string][]error),
		calls:    make(map[string]int),
		applied:  make(map[string]struct{}),
		buffer:   64,
		now:      time.Now,
	}
	for collection := range remote.Schema {
		s.rows[collection] = make(map[string]remote.Record)
	}
	return s
}

func callKey(op, collection string) string {
	return op + ":" + collection
}

// FailNext queues err to be returned by the next op on collection. Errors
// queue up and are consumed one call at a time.
func (s *Store) FailNext(op, collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := callKey(op, collection)
	s.faults[key] = append(s.faults[key], err)
}

// Calls returns how many times op was invoked on collection, faults included
func (s *Store) Calls(op, collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callKey(op, collection)]
}

// TotalCalls returns the number of mutating calls made against the store
func (s *Store) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for key, n := range s.calls {
		if len(key) > 4 && key[:4] == "get:" {
			continue
		}
		total += n
	}
	return total
}

// ChannelCount returns the number of open channels
func (s *Store) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// DropChannels ends every open channel with err, as a server-initiated drop
func (s *Store) DropChannels(err error) {
	s.mu.Lock()
	open := make([]*channel, 0, len(s.channels))
	for ch := range s.channels {
		open = append(open, ch)
	}
	s.mu.Unlock()

	for _, ch := range open {
		ch.Fail(err)
	}
}

// begin records the call and pops an injected fault. Must hold s.mu.
func (s *Store) begin(ctx context.Context, op, collection string) error {
	key := callKey(op, collection)
	s.calls[key]++

	if err := ctx.Err(); err != nil {
		return remote.NewError(remote.CodeTimeout, op, collection, err)
	}

	if queued := s.faults[key]; len(queued) > 0 {
		s.faults[key] = queued[1:]
		return queued[0]
	}

	if op != "subscribe" && !remote.KnownCollection(collection) {
		return remote.NewError(remote.CodeUndefinedRelation, op, collection, fmt.Errorf("relation %q does not exist", collection))
	}
	return nil
}

// Seed writes a row without constraint checks or change events
func (s *Store) Seed(collection string, rec remote.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[collection] == nil {
		s.rows[collection] = make(map[string]remote.Record)
	}
	s.rows[collection][rec.ID()] = rec.Clone()
}

// Insert creates a row, enforcing the unique and foreign-key constraints
func (s *Store) Insert(ctx context.Context, collection string, rec remote.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx, "insert", collection); err != nil {
		return err
	}
	if err := s.checkInsert(collection, rec); err != nil {
		return err
	}
	s.insertRow(collection, rec)
	return nil
}

// checkInsert validates rec against the constraints. Must hold s.mu.
func (s *Store) checkInsert(collection string, rec remote.Record) error {
	id := rec.ID()
	if id == "" {
		return remote.NewError(remote.CodeMalformed, "insert", collection, fmt.Errorf("missing id"))
	}

	if _, exists := s.rows[collection][id]; exists {
		return remote.NewError(remote.CodeUnique, "insert", collection, fmt.Errorf("duplicate key %q", id))
	}

	for _, fk := range remote.Schema[collection] {
		parentID := rec.String(fk.Field)
		if _, ok := s.rows[fk.Parent][parentID]; !ok {
			return remote.NewError(remote.CodeForeignKey, "insert", collection,
				fmt.Errorf("%s %q not present in %s", fk.Field, parentID, fk.Parent))
		}
	}
	return nil
}

// insertRow stores a validated row. Must hold s.mu.
func (s *Store) insertRow(collection string, rec remote.Record) {
	row := rec.Clone()
	if _, ok := row[remote.FieldCreatedAt]; !ok {
		row[remote.FieldCreatedAt] = s.now().UTC().Format(time.RFC3339Nano)
	}
	s.rows[collection][rec.ID()] = row
	s.broadcast(remote.ChangeEvent{Op: remote.OpInsert, Collection: collection, ID: rec.ID(), After: row.Clone()})
}

// Get implements remote.Store
func (s *Store) Get(ctx context.Context, collection, id string) (remote.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx, "get", collection); err != nil {
		return nil, err
	}

	row, ok := s.rows[collection][id]
	if !ok {
		return nil, remote.NewError(remote.CodeNotFound, "get", collection, fmt.Errorf("%q not found", id))
	}
	return row.Clone(), nil
}

// Update merges fields into an existing row and emits an update event. It
// stands in for writes made by other clients.
func (s *Store) Update(ctx context.Context, collection, id string, fields remote.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx, "update", collection); err != nil {
		return err
	}

	row, ok := s.rows[collection][id]
	if !ok {
		return remote.NewError(remote.CodeNotFound, "update", collection, fmt.Errorf("%q not found", id))
	}

	before := row.Clone()
	for k, v := range fields {
		row[k] = v
	}
	s.broadcast(remote.ChangeEvent{Op: remote.OpUpdate, Collection: collection, ID: id, Before: before, After: row.Clone()})
	return nil
}

// Delete removes one row or returns CodeNotFound
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx, "delete", collection); err != nil {
		return err
	}
	if err := s.checkDelete(collection, id); err != nil {
		return err
	}
	s.deleteRow(collection, id)
	return nil
}

func (s *Store) checkDelete(collection, id string) error {
	if _, ok := s.rows[collection][id]; !ok {
		return remote.NewError(remote.CodeNotFound, "delete", collection, fmt.Errorf("%q not found", id))
	}
	return nil
}

func (s *Store) deleteRow(collection, id string) {
	row := s.rows[collection][id]
	delete(s.rows[collection], id)
	s.broadcast(remote.ChangeEvent{Op: remote.OpDelete, Collection: collection, ID: id, Before: row})
}

// Increment atomically adds by to a numeric field and returns the new value
func (s *Store) Increment(ctx context.Context, collection, id, field string, by int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx, "increment", collection); err != nil {
		return 0, err
	}
	if _, ok := s.rows[collection][id]; !ok {
		return 0, remote.NewError(remote.CodeNotFound, "increment", collection, fmt.Errorf("%q not found", id))
	}
	return s.incrementField(collection, id, field, by), nil
}

func (s *Store) incrementField(collection, id, field string, by int64) int64 {
	row := s.rows[collection][id]
	before := row.Clone()
	value := row.Int(field) + by
	row[field] = value
	s.broadcast(remote.ChangeEvent{Op: remote.OpUpdate, Collection: collection, ID: id, Before: before, After: row.Clone()})
	return value
}

// Apply implements remote.Store. Both halves of the write happen under one
// lock: either the row and the counter change together or nothing does.
func (s *Store) Apply(ctx context.Context, w remote.Write) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := string(w.Op)
	if err := s.begin(ctx, op, w.Collection); err != nil {
		return 0, err
	}

	c := w.Counter
	if _, done := s.applied[w.ActionID]; done && w.ActionID != "" {
		if counter, ok := s.rows[c.Collection][c.ID]; ok {
			return counter.Int(c.Field), nil
		}
	}

	var err error
	switch w.Op {
	case remote.OpInsert:
		err = s.checkInsert(w.Collection, w.Record)
	case remote.OpDelete:
		err = s.checkDelete(w.Collection, w.ID)
	default:
		err = remote.NewError(remote.CodeMalformed, op, w.Collection, fmt.Errorf("unsupported write %q", w.Op))
	}
	if err != nil {
		return 0, err
	}

	if err := s.begin(ctx, "increment", c.Collection); err != nil {
		return 0, err
	}
	if _, ok := s.rows[c.Collection][c.ID]; !ok {
		return 0, remote.NewError(remote.CodeNotFound, "increment", c.Collection, fmt.Errorf("%q not found", c.ID))
	}

	if w.Op == remote.OpInsert {
		s.insertRow(w.Collection, w.Record)
	} else {
		s.deleteRow(w.Collection, w.ID)
	}
	value := s.incrementField(c.Collection, c.ID, c.Field, c.By)
	if w.ActionID != "" {
		s.applied[w.ActionID] = struct{}{}
	}
	return value, nil
}

// OpenChannel implements remote.Store
func (s *Store) OpenChannel(ctx context.Context, filters ...remote.Filter) (remote.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx, "subscribe", "channels"); err != nil {
		return nil, err
	}

	ch := &channel{filters: filters}
	ch.Pipe = remote.NewPipe(s.buffer, func() {
		s.mu.Lock()
		delete(s.channels, ch)
		s.mu.Unlock()
	})
	s.channels[ch] = struct{}{}
	return ch, nil
}

// broadcast delivers ev to matching channels in commit order. Must hold s.mu.
func (s *Store) broadcast(ev remote.ChangeEvent) {
	ev.CommittedAt = s.now()
	for ch := range s.channels {
		if remote.MatchesAny(ch.filters, ev) {
			ch.TryEmit(ev)
		}
	}
}

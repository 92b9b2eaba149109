// Package remote defines the contract of the hosted data store the client
// synchronizes against: reads and relationship writes on named collections
// with structured conflict codes, atomic counters, and push-change channels.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Code is the closed set of failure conditions a Store reports
type Code int

const (
	CodeUnknown Code = iota
	CodeUnique
	CodeForeignKey
	CodeNotFound
	CodeUndefinedRelation
	CodeMalformed
	CodeUnauthorized
	CodeTimeout
	CodeUnavailable
	CodeConnReset
)

var codeNames = map[Code]string{
	CodeUnknown:           "unknown",
	CodeUnique:            "unique_violation",
	CodeForeignKey:        "foreign_key_violation",
	CodeNotFound:          "not_found",
	CodeUndefinedRelation: "undefined_relation",
	CodeMalformed:         "malformed_request",
	CodeUnauthorized:      "unauthorized",
	CodeTimeout:           "timeout",
	CodeUnavailable:       "unavailable",
	CodeConnReset:         "connection_reset",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "code(" + strconv.Itoa(int(c)) + ")"
}

// Error is returned by Store implementations for every failed call
type Error struct {
	Code       Code
	Op         string
	Collection string
	Err        error
}

// NewError builds an *Error
func NewError(code Code, op, collection string, err error) *Error {
	return &Error{Code: code, Op: op, Collection: collection, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("remote %s %s: %s", e.Op, e.Collection, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the Code of err. Context expiry maps to CodeTimeout so a
// caller-side deadline is classified like a server-side one.
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}

	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Code
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	return CodeUnknown
}

// Record is one row of a collection. Every record carries an "id" field.
type Record map[string]any

// ID returns the record id
func (r Record) ID() string {
	return r.String(FieldID)
}

// String returns a string field, or "" when absent
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Int returns a numeric field as int64. JSON decoding produces float64, the
// in-memory store keeps int64, so both are accepted.
func (r Record) Int(field string) int64 {
	switch v := r[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case int32:
		return int64(v)
	}
	return 0
}

// Clone returns a shallow copy of the record
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Op is the kind of a change event
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeEvent is a raw change notification pushed by the store
type ChangeEvent struct {
	Op          Op
	Collection  string
	ID          string
	Before      Record // nil for inserts
	After       Record // nil for deletes
	CommittedAt time.Time
}

// Row returns the most recent image of the changed row
func (e ChangeEvent) Row() Record {
	if e.After != nil {
		return e.After
	}
	return e.Before
}

// Filter selects the change events a channel delivers. An empty Field
// matches every row of Collection; Value "*" matches any value.
type Filter struct {
	Collection string `json:"collection"`
	Field      string `json:"field,omitempty"`
	Value      string `json:"value,omitempty"`
	Ops        []Op   `json:"ops,omitempty"`
}

// Matches reports whether ev passes the filter
func (f Filter) Matches(ev ChangeEvent) bool {
	if f.Collection != ev.Collection {
		return false
	}

	if len(f.Ops) > 0 {
		found := false
		for _, op := range f.Ops {
			if op == ev.Op {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.Field == "" || f.Value == "*" {
		return true
	}

	row := ev.Row()
	if f.Field == FieldID && ev.ID != "" {
		return ev.ID == f.Value
	}
	return row.String(f.Field) == f.Value
}

// MatchesAny reports whether ev passes at least one filter
func MatchesAny(filters []Filter, ev ChangeEvent) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// Channel is an open push-change subscription. It must be closed to release
// server resources. Done is closed when the channel ends for any reason; Err
// then reports a server-initiated drop, or nil after Close.
type Channel interface {
	Events() <-chan ChangeEvent
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Counter is a numeric field adjusted atomically by a Write
type Counter struct {
	Collection string
	ID         string
	Field      string
	By         int64
}

// Write inserts or deletes one relationship row and adjusts the counter that
// summarizes it.
type Write struct {
	// ActionID identifies the client action behind the write. Replaying an
	// action that was already applied reports success instead of a conflict.
	ActionID   string
	Op         Op // OpInsert or OpDelete
	Collection string
	Record     Record // row to insert
	ID         string // row to delete
	Counter    Counter
}

// RowID returns the id of the row the write touches
func (w Write) RowID() string {
	if w.Op == OpInsert {
		return w.Record.ID()
	}
	return w.ID
}

// Store is the remote data store
type Store interface {
	// Get returns one row or CodeNotFound
	Get(ctx context.Context, collection, id string) (Record, error)

	// Apply performs the row change and the counter adjustment of w once per
	// ActionID and returns the counter's new value. An insert over an
	// existing row yields CodeUnique and a delete of a missing row yields
	// CodeNotFound, unless the row is in that state because this same action
	// already ran; a missing parent row yields CodeForeignKey.
	Apply(ctx context.Context, w Write) (int64, error)

	// OpenChannel opens a push-change channel delivering events matching any filter
	OpenChannel(ctx context.Context, filters ...Filter) (Channel, error)
}

// ChannelOpener is implemented by transports that only provide push channels
type ChannelOpener interface {
	OpenChannel(ctx context.Context, filters ...Filter) (Channel, error)
}

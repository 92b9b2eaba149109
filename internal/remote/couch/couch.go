// Package couch implements remote.Store on CouchDB through kivik. Every
// collection shares one database; documents are keyed "collection:id" and
// carry a "collection" field so the changes feed can be routed.
package couch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver
	"github.com/tildaslashalef/venuesync/internal/config"
	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/remote"
)

const (
	fieldCollection = "collection"
	fieldDocID      = "_id"
	fieldRev        = "_rev"
	fieldDeleted    = "_deleted"

	// fieldDeleting marks a relationship row claimed by a pending delete
	fieldDeleting = "deleting_action"
	// fieldApplied lists the recent actions already counted on a document
	fieldApplied = "applied_actions"

	// maxCASAttempts bounds the read-modify-write loop of Increment and Delete
	maxCASAttempts = 10
	// appliedWindow is how many action ids a counter document remembers
	appliedWindow = 128
)

// errUnchanged aborts a casUpdate without writing
var errUnchanged = errors.New("document already up to date")

// Store implements remote.Store
type Store struct {
	client *kivik.Client
	db     *kivik.DB
	buffer int
	logger *loggy.Logger
}

// New connects to CouchDB and opens (optionally creating) the configured database
func New(ctx context.Context, cfg config.RemoteConfig, buffer int, logger *loggy.Logger) (*Store, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	if cfg.CreateDatabase {
		exists, err := client.DBExists(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to check database existence: %w", err)
		}
		if !exists {
			if err := client.CreateDB(ctx, cfg.Database); err != nil {
				return nil, fmt.Errorf("failed to create database: %w", err)
			}
			logger.Info("Created remote database", "name", cfg.Database)
		}
	}

	db := client.DB(cfg.Database)
	if err := db.Err(); err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database, err)
	}

	return &Store{
		client: client,
		db:     db,
		buffer: buffer,
		logger: logger.Component("couch"),
	}, nil
}

func buildDSN(cfg config.RemoteConfig) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid remote url: %w", err)
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return u.String(), nil
}

// Close releases the client
func (s *Store) Close() error {
	return s.client.Close()
}

func docID(collection, id string) string {
	return collection + ":" + id
}

// toDoc converts a record into the document stored for it
func toDoc(collection string, rec remote.Record) map[string]any {
	doc := make(map[string]any, len(rec)+2)
	for k, v := range rec {
		doc[k] = v
	}
	doc[fieldDocID] = docID(collection, rec.ID())
	doc[fieldCollection] = collection
	return doc
}

// fromDoc strips CouchDB bookkeeping fields from a document
func fromDoc(doc map[string]any) remote.Record {
	rec := make(remote.Record, len(doc))
	for k, v := range doc {
		if strings.HasPrefix(k, "_") || k == fieldCollection || k == fieldDeleting || k == fieldApplied {
			continue
		}
		rec[k] = v
	}
	return rec
}

// classify maps a kivik error onto the closed remote code set
func classify(op, collection string, err error) error {
	if err == nil {
		return nil
	}

	code := remote.CodeUnknown
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = remote.CodeTimeout
	case errors.Is(err, syscall.ECONNRESET):
		code = remote.CodeConnReset
	case errors.Is(err, syscall.ECONNREFUSED):
		code = remote.CodeUnavailable
	case errors.As(err, &netErr) && netErr.Timeout():
		code = remote.CodeTimeout
	default:
		switch kivik.HTTPStatus(err) {
		case 400:
			code = remote.CodeMalformed
		case 401, 403:
			code = remote.CodeUnauthorized
		case 404:
			code = remote.CodeNotFound
		case 409:
			code = remote.CodeUnique
		case 408, 504:
			code = remote.CodeTimeout
		case 500, 502, 503:
			code = remote.CodeUnavailable
		}
	}

	return remote.NewError(code, op, collection, err)
}

func checkCollection(op, collection string) error {
	if !remote.KnownCollection(collection) {
		return remote.NewError(remote.CodeUndefinedRelation, op, collection, fmt.Errorf("relation %q does not exist", collection))
	}
	return nil
}

func (s *Store) getDoc(ctx context.Context, collection, id string) (map[string]any, error) {
	var doc map[string]any
	if err := s.db.Get(ctx, docID(collection, id)).ScanDoc(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Insert creates a row. CouchDB has no foreign keys, so parent rows
// are checked with a read before the write.
func (s *Store) Insert(ctx context.Context, collection string, rec remote.Record) error {
	if err := checkCollection("insert", collection); err != nil {
		return err
	}
	if rec.ID() == "" {
		return remote.NewError(remote.CodeMalformed, "insert", collection, fmt.Errorf("missing id"))
	}

	for _, fk := range remote.Schema[collection] {
		if _, err := s.getDoc(ctx, fk.Parent, rec.String(fk.Field)); err != nil {
			if kivik.HTTPStatus(err) == 404 {
				return remote.NewError(remote.CodeForeignKey, "insert", collection,
					fmt.Errorf("%s %q not present in %s", fk.Field, rec.String(fk.Field), fk.Parent))
			}
			return classify("insert", collection, err)
		}
	}

	doc := toDoc(collection, rec)
	if _, ok := doc[remote.FieldCreatedAt]; !ok {
		doc[remote.FieldCreatedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	if _, err := s.db.Put(ctx, docID(collection, rec.ID()), doc); err != nil {
		return classify("insert", collection, err)
	}
	return nil
}

// Get implements remote.Store
func (s *Store) Get(ctx context.Context, collection, id string) (remote.Record, error) {
	if err := checkCollection("get", collection); err != nil {
		return nil, err
	}

	doc, err := s.getDoc(ctx, collection, id)
	if err != nil {
		return nil, classify("get", collection, err)
	}
	return fromDoc(doc), nil
}

// casUpdate reads the document, applies mutate and writes it back, retrying
// on revision conflicts. mutate returning errUnchanged skips the write; any
// other error aborts.
func (s *Store) casUpdate(ctx context.Context, op, collection, id string, mutate func(doc map[string]any) error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxCASAttempts),
		ctx,
	)

	err := backoff.Retry(func() error {
		doc, err := s.getDoc(ctx, collection, id)
		if err != nil {
			return backoff.Permanent(classify(op, collection, err))
		}

		if err := mutate(doc); err != nil {
			return backoff.Permanent(err)
		}

		if _, err := s.db.Put(ctx, docID(collection, id), doc); err != nil {
			if kivik.HTTPStatus(err) == 409 {
				s.logger.Debug("Revision conflict, retrying", "op", op, "collection", collection, "id", id)
				return err
			}
			return backoff.Permanent(classify(op, collection, err))
		}
		return nil
	}, policy)
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

// Delete removes one row. The tombstone keeps the row body so the changes
// feed can report which entity the deleted row referenced.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := checkCollection("delete", collection); err != nil {
		return err
	}

	err := s.casUpdate(ctx, "delete", collection, id, func(doc map[string]any) error {
		doc[fieldDeleted] = true
		return nil
	})
	return unwrapRetry("delete", collection, err)
}

// Increment adds by to a numeric field with an optimistic read-modify-write
// on the document revision, which CouchDB guarantees is atomic per document.
func (s *Store) Increment(ctx context.Context, collection, id, field string, by int64) (int64, error) {
	return s.incrementOnce(ctx, "", remote.Counter{Collection: collection, ID: id, Field: field, By: by})
}

// incrementOnce adjusts the counter unless actionID is among the actions the
// document already counted.
func (s *Store) incrementOnce(ctx context.Context, actionID string, c remote.Counter) (int64, error) {
	if err := checkCollection("increment", c.Collection); err != nil {
		return 0, err
	}

	var value int64
	err := s.casUpdate(ctx, "increment", c.Collection, c.ID, func(doc map[string]any) error {
		value = remote.Record(doc).Int(c.Field)
		applied := appliedActions(doc)
		if actionID != "" && contains(applied, actionID) {
			return errUnchanged
		}

		value += c.By
		doc[c.Field] = value
		if actionID != "" {
			applied = append(applied, actionID)
			if len(applied) > appliedWindow {
				applied = applied[len(applied)-appliedWindow:]
			}
			doc[fieldApplied] = applied
		}
		return nil
	})
	if err != nil {
		return 0, unwrapRetry("increment", c.Collection, err)
	}
	return value, nil
}

// Apply implements remote.Store. CouchDB only updates one document
// atomically, so the row and the counter are separate writes made safe to
// replay: inserted rows carry the action id, deletes claim the row before
// the counter moves, and the counter document remembers which actions it
// already counted. A retried action finishes whatever half it is missing.
func (s *Store) Apply(ctx context.Context, w remote.Write) (int64, error) {
	if err := checkCollection(string(w.Op), w.Collection); err != nil {
		return 0, err
	}

	switch w.Op {
	case remote.OpInsert:
		if err := s.insertOnce(ctx, w); err != nil {
			return 0, err
		}
		return s.incrementOnce(ctx, w.ActionID, w.Counter)

	case remote.OpDelete:
		if err := s.claimDelete(ctx, w); err != nil {
			if remote.CodeOf(err) == remote.CodeNotFound {
				if value, ok := s.countedValue(ctx, w); ok {
					return value, nil
				}
			}
			return 0, err
		}
		value, err := s.incrementOnce(ctx, w.ActionID, w.Counter)
		if err != nil {
			return 0, err
		}
		if err := s.Delete(ctx, w.Collection, w.ID); err != nil && remote.CodeOf(err) != remote.CodeNotFound {
			return 0, err
		}
		return value, nil
	}

	return 0, remote.NewError(remote.CodeMalformed, string(w.Op), w.Collection, fmt.Errorf("unsupported write %q", w.Op))
}

// insertOnce writes the row stamped with the action id. A conflict on a row
// carrying the same stamp is an earlier attempt of this action.
func (s *Store) insertOnce(ctx context.Context, w remote.Write) error {
	rec := w.Record.Clone()
	if w.ActionID != "" {
		rec[remote.FieldActionID] = w.ActionID
	}

	err := s.Insert(ctx, w.Collection, rec)
	if remote.CodeOf(err) != remote.CodeUnique || w.ActionID == "" {
		return err
	}

	doc, gerr := s.getDoc(ctx, w.Collection, rec.ID())
	if gerr == nil && doc[remote.FieldActionID] == w.ActionID {
		return nil
	}
	return err
}

// claimDelete marks the row as being deleted by w's action. A row claimed by
// another action counts as already gone.
func (s *Store) claimDelete(ctx context.Context, w remote.Write) error {
	err := s.casUpdate(ctx, "delete", w.Collection, w.ID, func(doc map[string]any) error {
		switch owner, _ := doc[fieldDeleting].(string); owner {
		case "":
			doc[fieldDeleting] = w.ActionID
			return nil
		case w.ActionID:
			return errUnchanged
		default:
			return remote.NewError(remote.CodeNotFound, "delete", w.Collection, fmt.Errorf("%q is being deleted by %s", w.ID, owner))
		}
	})
	return unwrapRetry("delete", w.Collection, err)
}

// countedValue reports the counter when w's action is already counted on it
func (s *Store) countedValue(ctx context.Context, w remote.Write) (int64, bool) {
	if w.ActionID == "" {
		return 0, false
	}
	doc, err := s.getDoc(ctx, w.Counter.Collection, w.Counter.ID)
	if err != nil || !contains(appliedActions(doc), w.ActionID) {
		return 0, false
	}
	return remote.Record(doc).Int(w.Counter.Field), true
}

func appliedActions(doc map[string]any) []string {
	raw, _ := doc[fieldApplied].([]any)
	out := make([]string, 0, len(raw)+1)
	for _, v := range raw {
		if id, ok := v.(string); ok {
			out = append(out, id)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// unwrapRetry makes sure an exhausted conflict retry still surfaces as a remote.Error
func unwrapRetry(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *remote.Error
	if errors.As(err, &rerr) {
		return rerr
	}
	if kivik.HTTPStatus(err) == 409 {
		return remote.NewError(remote.CodeUnavailable, op, collection, fmt.Errorf("too many revision conflicts: %w", err))
	}
	return classify(op, collection, err)
}

package couch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-kivik/kivik/v4"
	"github.com/tildaslashalef/venuesync/internal/remote"
)

// errFeedEnded reports a changes feed closed by the server
var errFeedEnded = errors.New("changes feed ended")

// OpenChannel follows the database _changes feed from "now" and delivers
// the events matching filters. The feed covers the whole database, so
// filtering happens client-side.
func (s *Store) OpenChannel(ctx context.Context, filters ...remote.Filter) (remote.Channel, error) {
	feedCtx, cancel := context.WithCancel(context.Background())

	changes := s.db.Changes(feedCtx, kivik.Params(map[string]interface{}{
		"feed":         "continuous",
		"include_docs": true,
		"since":        "now",
		"heartbeat":    30000,
	}))
	if err := changes.Err(); err != nil {
		cancel()
		return nil, classify("subscribe", "changes", err)
	}

	pipe := remote.NewPipe(s.buffer, func() {
		cancel()
		_ = changes.Close()
	})

	go func() {
		for changes.Next() {
			var doc map[string]any
			if err := changes.ScanDoc(&doc); err != nil {
				s.logger.Warn("Skipping undecodable change", "id", changes.ID(), "error", err)
				continue
			}

			ev, ok := toEvent(doc, changes.Deleted())
			if !ok || !remote.MatchesAny(filters, ev) {
				continue
			}
			if !pipe.Emit(feedCtx, ev) {
				return
			}
		}

		err := changes.Err()
		if feedCtx.Err() != nil {
			return
		}
		if err == nil {
			err = errFeedEnded
		}
		s.logger.Warn("Changes feed dropped", "error", err)
		pipe.Fail(classify("subscribe", "changes", err))
	}()

	// Opening is asynchronous; a caller cancelling ctx also ends the feed
	go func() {
		select {
		case <-ctx.Done():
			_ = pipe.Close()
		case <-pipe.Done():
		}
	}()

	return pipe, nil
}

// toEvent converts a changes-feed document into a ChangeEvent. Revision
// "1-..." is the first write of a document, anything later is an update.
func toEvent(doc map[string]any, deleted bool) (remote.ChangeEvent, bool) {
	collection, _ := doc[fieldCollection].(string)
	if collection == "" {
		return remote.ChangeEvent{}, false
	}

	rec := fromDoc(doc)
	ev := remote.ChangeEvent{
		Collection:  collection,
		ID:          rec.ID(),
		CommittedAt: time.Now(),
	}

	rev, _ := doc[fieldRev].(string)
	switch {
	case deleted:
		ev.Op = remote.OpDelete
		ev.Before = rec
	case strings.HasPrefix(rev, "1-"):
		ev.Op = remote.OpInsert
		ev.After = rec
	default:
		ev.Op = remote.OpUpdate
		ev.After = rec
	}

	return ev, true
}

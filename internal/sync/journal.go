package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/queue"
	"github.com/tildaslashalef/venuesync/internal/ulid"
)

// Outcome is the result of one sync attempt
type Outcome string

const (
	// OutcomeSynced means the remote calls succeeded
	OutcomeSynced Outcome = "synced"
	// OutcomeBenign means the remote store already had the desired state
	OutcomeBenign Outcome = "benign"
	// OutcomeRetry means the attempt failed transiently and was requeued
	OutcomeRetry Outcome = "retry"
	// OutcomeFailed means the action moved to the failed list
	OutcomeFailed Outcome = "failed"
)

// SyncLog is one journal entry: a single attempt at syncing an action
type SyncLog struct {
	ID           string     `json:"id"`
	ActionID     string     `json:"action_id"`
	Kind         queue.Kind `json:"kind"`
	TargetID     string     `json:"target_id"`
	Attempt      int        `json:"attempt"`
	Outcome      Outcome    `json:"outcome"`
	ErrorType    string     `json:"error_type,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at"`
}

// NewSyncLog starts a journal entry for an attempt at a
func NewSyncLog(a *queue.PendingAction, startedAt time.Time) *SyncLog {
	return &SyncLog{
		ActionID:   a.ID,
		Kind:       a.Kind,
		TargetID:   a.TargetID,
		Attempt:    a.Attempts + 1,
		StartedAt:  startedAt,
		FinishedAt: startedAt,
	}
}

// Finish records the outcome of the attempt
func (l *SyncLog) Finish(outcome Outcome, errorType string, err error, finishedAt time.Time) {
	l.Outcome = outcome
	l.ErrorType = errorType
	if err != nil {
		l.ErrorMessage = err.Error()
	}
	l.FinishedAt = finishedAt
}

// Journal stores sync attempts for diagnostics
type Journal interface {
	// Record stores a finished attempt
	Record(ctx context.Context, log *SyncLog) error

	// List returns attempts, newest first, optionally for one action
	List(ctx context.Context, actionID string, limit, offset int) ([]*SyncLog, error)

	// Latest returns the newest attempt of an action, nil when there is none
	Latest(ctx context.Context, actionID string) (*SyncLog, error)

	// Prune removes attempts that finished before the cutoff
	Prune(ctx context.Context, before time.Time) (int64, error)
}

var syncLogColumns = []string{
	"id", "action_id", "kind", "target_id", "attempt", "outcome",
	"error_type", "error_message", "started_at", "finished_at",
}

// SQLJournal implements Journal on the sync_logs table
type SQLJournal struct {
	db     *sql.DB
	logger *loggy.Logger
}

// NewSQLJournal creates a journal on db
func NewSQLJournal(db *sql.DB, logger *loggy.Logger) *SQLJournal {
	return &SQLJournal{
		db:     db,
		logger: logger.Component("journal"),
	}
}

// Record stores a finished attempt
func (j *SQLJournal) Record(ctx context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = ulid.SyncLogID()
	}

	q := squirrel.Insert("sync_logs").
		Columns(syncLogColumns...).
		Values(log.ID, log.ActionID, log.Kind, log.TargetID, log.Attempt, log.Outcome,
			log.ErrorType, log.ErrorMessage, log.StartedAt.UTC(), log.FinishedAt.UTC())

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building record sync log query: %w", err)
	}

	if _, err := j.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing record sync log query: %w", err)
	}

	return nil
}

// List returns attempts, newest first, optionally for one action
func (j *SQLJournal) List(ctx context.Context, actionID string, limit, offset int) ([]*SyncLog, error) {
	q := squirrel.Select(syncLogColumns...).
		From("sync_logs").
		OrderBy("started_at DESC", "id DESC")

	if actionID != "" {
		q = q.Where(squirrel.Eq{"action_id": actionID})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	if offset > 0 {
		q = q.Offset(uint64(offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list sync logs query: %w", err)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list sync logs query: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync log rows: %w", err)
	}

	return logs, nil
}

// Latest returns the newest attempt of an action
func (j *SQLJournal) Latest(ctx context.Context, actionID string) (*SyncLog, error) {
	q := squirrel.Select(syncLogColumns...).
		From("sync_logs").
		Where(squirrel.Eq{"action_id": actionID}).
		OrderBy("started_at DESC", "id DESC").
		Limit(1)

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building latest sync log query: %w", err)
	}

	log, err := scanSyncLog(j.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return log, nil
}

// Prune removes attempts that finished before the cutoff
func (j *SQLJournal) Prune(ctx context.Context, before time.Time) (int64, error) {
	q := squirrel.Delete("sync_logs").
		Where(squirrel.Lt{"finished_at": before.UTC()})

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building prune sync logs query: %w", err)
	}

	res, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing prune sync logs query: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading pruned row count: %w", err)
	}

	j.logger.Debug("Pruned sync journal", "removed", n, "before", before)
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncLog(row rowScanner) (*SyncLog, error) {
	var (
		log          SyncLog
		errorType    sql.NullString
		errorMessage sql.NullString
	)

	err := row.Scan(
		&log.ID,
		&log.ActionID,
		&log.Kind,
		&log.TargetID,
		&log.Attempt,
		&log.Outcome,
		&errorType,
		&errorMessage,
		&log.StartedAt,
		&log.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning sync log row: %w", err)
	}

	log.ErrorType = errorType.String
	log.ErrorMessage = errorMessage.String
	return &log, nil
}

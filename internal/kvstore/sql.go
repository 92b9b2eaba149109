package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/venuesync/internal/loggy"
)

// SQLStore implements Store on the kv table of the local SQLite database
type SQLStore struct {
	db     *sql.DB
	logger *loggy.Logger
	now    func() time.Time
}

// NewSQLStore creates a new SQL-backed store
func NewSQLStore(db *sql.DB, logger *loggy.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger.Component("kvstore"),
		now:    time.Now,
	}
}

// Get returns the value stored under key
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	query, args, err := squirrel.Select("value").
		From("kv").
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get query: %w", err)
	}

	var value []byte
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executing get query: %w", err)
	}

	return value, nil
}

// Set upserts value under key
func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	query, args, err := squirrel.Insert("kv").
		Columns("key", "value", "updated_at").
		Values(key, value, s.now().UTC()).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building set query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing set query: %w", err)
	}

	return nil
}

// Remove deletes key
func (s *SQLStore) Remove(ctx context.Context, key string) error {
	query, args, err := squirrel.Delete("kv").
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building remove query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing remove query: %w", err)
	}

	return nil
}

// ListByPrefix returns entries whose key starts with prefix. LIKE is avoided
// because SQLite compares it case-insensitively.
func (s *SQLStore) ListByPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	query, args, err := squirrel.Select("key", "value").
		From("kv").
		Where(squirrel.Expr("substr(key, 1, ?) = ?", len(prefix), prefix)).
		OrderBy("key ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scanning kv row: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating kv rows: %w", err)
	}

	s.logger.Debug("Listed keys", "prefix", prefix, "count", len(entries))
	return entries, nil
}

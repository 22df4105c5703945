package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultProcessedTable = "processed_punches"

// Store is a Postgres-backed dedup index. Insert-if-absent keeps the index
// atomically consistent across concurrent pollers and the push receiver.
type Store struct {
	db    *sql.DB
	table string
}

// NewStore constructs a store.
func NewStore(db *sql.DB, opts ...Option) *Store {
	store := &Store{db: db, table: defaultProcessedTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Option configures the store.
type Option func(*Store)

// WithTable overrides the table name.
func WithTable(table string) Option {
	return func(store *Store) {
		if table != "" {
			store.table = table
		}
	}
}

// Seen checks if the punch key was already processed for the device.
func (s *Store) Seen(ctx context.Context, deviceID, key string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("dedup store: nil db")
	}
	if deviceID == "" || key == "" {
		return false, errors.New("dedup store: invalid arguments")
	}
	query := fmt.Sprintf(`
SELECT EXISTS (
	SELECT 1 FROM %s WHERE device_id = $1 AND punch_key = $2
)`, s.table)
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, deviceID, key).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Record marks a punch key as processed.
func (s *Store) Record(ctx context.Context, deviceID, key string, day time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("dedup store: nil db")
	}
	if deviceID == "" || key == "" {
		return errors.New("dedup store: invalid arguments")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (device_id, punch_key, punch_day, processed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (device_id, punch_key)
DO NOTHING`, s.table)
	_, err := s.db.ExecContext(ctx, query, deviceID, key, day.UTC(), time.Now().UTC())
	return err
}

// EvictBefore deletes entries whose punch day is before the cutoff.
func (s *Store) EvictBefore(ctx context.Context, cutoff time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("dedup store: nil db")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE punch_day < $1`, s.table)
	_, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	return err
}

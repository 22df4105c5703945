package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	attendance "attendance-cloud/internal/attendance/domain"
	"attendance-cloud/internal/ingest/pushqueue"
)

const defaultQueueTable = "push_queue"

// Store is a Postgres-backed push queue. Rows survive a crash of the
// receiver; the drain loop replays them on the next start.
type Store struct {
	db    *sql.DB
	table string
}

// NewStore constructs a store.
func NewStore(db *sql.DB, opts ...Option) *Store {
	store := &Store{db: db, table: defaultQueueTable}
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

// Enqueue stores an accepted batch. Idempotent on batch id.
func (s *Store) Enqueue(ctx context.Context, batch pushqueue.Batch) error {
	if s == nil || s.db == nil {
		return errors.New("push queue: nil db")
	}
	if batch.ID == "" || batch.DeviceID == "" {
		return errors.New("push queue: batch missing id or device")
	}
	payload, err := json.Marshal(batch.Punches)
	if err != nil {
		return fmt.Errorf("push queue: encode punches: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, device_id, punches, enqueued_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`, s.table)
	_, err = s.db.ExecContext(ctx, query, batch.ID, batch.DeviceID, payload, batch.EnqueuedAt.UTC())
	return err
}

// Pending returns up to limit batches, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]pushqueue.Batch, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("push queue: nil db")
	}
	if limit <= 0 {
		limit = 64
	}
	query := fmt.Sprintf(`
SELECT id, device_id, punches, enqueued_at
FROM %s
ORDER BY enqueued_at, id
LIMIT $1`, s.table)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []pushqueue.Batch
	for rows.Next() {
		var (
			batch   pushqueue.Batch
			payload []byte
		)
		if err := rows.Scan(&batch.ID, &batch.DeviceID, &payload, &batch.EnqueuedAt); err != nil {
			return nil, err
		}
		var punches []attendance.RawPunch
		if err := json.Unmarshal(payload, &punches); err != nil {
			return nil, fmt.Errorf("push queue: decode punches for %s: %w", batch.ID, err)
		}
		batch.Punches = punches
		batch.EnqueuedAt = batch.EnqueuedAt.UTC()
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

// Complete deletes a reconciled batch.
func (s *Store) Complete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("push queue: nil db")
	}
	if id == "" {
		return errors.New("push queue: empty id")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

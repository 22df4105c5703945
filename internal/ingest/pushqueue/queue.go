// Package pushqueue is the durable accept queue for pushed punch batches.
// A batch is acknowledged to the device only after it is stored; anything
// left over from a crash is replayed on the next start, and the dedup
// index absorbs the resulting redeliveries.
package pushqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	attendance "attendance-cloud/internal/attendance/domain"
)

// ErrQueueFull is returned by Enqueue when the store refuses new batches.
var ErrQueueFull = errors.New("pushqueue: queue full")

// Batch is one accepted push payload awaiting reconciliation.
type Batch struct {
	ID         string
	DeviceID   string
	Punches    []attendance.RawPunch
	EnqueuedAt time.Time
}

// Store persists accepted batches until they are reconciled. Pending
// returns batches oldest first; Complete removes a reconciled batch.
type Store interface {
	Enqueue(ctx context.Context, batch Batch) error
	Pending(ctx context.Context, limit int) ([]Batch, error)
	Complete(ctx context.Context, id string) error
}

const defaultCapacity = 256

// MemoryStore is a bounded in-memory Store for tests and single-process
// runs without a database.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	batches  []Batch
}

// NewMemoryStore constructs a store holding at most capacity batches.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryStore{capacity: capacity}
}

// Enqueue appends a batch, refusing with ErrQueueFull at capacity.
func (s *MemoryStore) Enqueue(ctx context.Context, batch Batch) error {
	_ = ctx
	if batch.ID == "" || batch.DeviceID == "" {
		return errors.New("pushqueue: batch missing id or device")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) >= s.capacity {
		return ErrQueueFull
	}
	batch.Punches = append([]attendance.RawPunch(nil), batch.Punches...)
	s.batches = append(s.batches, batch)
	return nil
}

// Pending returns up to limit batches in arrival order.
func (s *MemoryStore) Pending(ctx context.Context, limit int) ([]Batch, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.batches) {
		limit = len(s.batches)
	}
	out := make([]Batch, 0, limit)
	for _, batch := range s.batches[:limit] {
		batch.Punches = append([]attendance.RawPunch(nil), batch.Punches...)
		out = append(out, batch)
	}
	return out, nil
}

// Complete removes the batch with the given id.
func (s *MemoryStore) Complete(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, batch := range s.batches {
		if batch.ID == id {
			s.batches = append(s.batches[:i], s.batches[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len reports the number of pending batches.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

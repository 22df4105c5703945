package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	attendance "attendance-cloud/internal/attendance/domain"
)

// AttendanceRepository is an in-memory repository for attendance records.
type AttendanceRepository struct {
	mu   sync.RWMutex
	data map[string]*attendance.Record

	// FailSaves makes the next N Save calls fail, for retry-path tests.
	FailSaves int
}

// NewAttendanceRepository constructs a repository.
func NewAttendanceRepository() *AttendanceRepository {
	return &AttendanceRepository{data: make(map[string]*attendance.Record)}
}

// recordKey keys by the civil date in the day's own location, matching the
// DATE column in the Postgres repository.
func recordKey(userID string, day time.Time) string {
	return fmt.Sprintf("%s|%s", userID, day.Format("2006-01-02"))
}

// GetOrCreate fetches or creates the record for (user, day).
func (r *AttendanceRepository) GetOrCreate(ctx context.Context, userID string, day time.Time) (*attendance.Record, bool, error) {
	_ = ctx
	if userID == "" {
		return nil, false, errors.New("attendance repo: empty user id")
	}
	key := recordKey(userID, day)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.data[key]; existing != nil {
		return existing.Clone(), false, nil
	}
	record, err := attendance.NewRecord(userID, day.UTC())
	if err != nil {
		return nil, false, err
	}
	r.data[key] = record.Clone()
	return record, true, nil
}

// Save persists a record. Like the Postgres repository it is optimistic:
// a record read before a concurrent write is refused with ErrStaleRecord.
func (r *AttendanceRepository) Save(ctx context.Context, record *attendance.Record) error {
	_ = ctx
	if record == nil {
		return errors.New("attendance repo: nil record")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailSaves > 0 {
		r.FailSaves--
		return errors.New("attendance repo: injected save failure")
	}
	key := recordKey(record.UserID, record.Day)
	stored, ok := r.data[key]
	if !ok {
		return fmt.Errorf("attendance repo: no row for user=%s day=%s", record.UserID, record.Day.Format("2006-01-02"))
	}
	if !stored.UpdatedAt.Equal(record.UpdatedAt) {
		return fmt.Errorf("attendance repo: user=%s day=%s: %w", record.UserID, record.Day.Format("2006-01-02"), attendance.ErrStaleRecord)
	}
	clone := record.Clone()
	clone.UpdatedAt = time.Now().UTC()
	r.data[key] = clone
	return nil
}

// Get returns the stored record, for test assertions.
func (r *AttendanceRepository) Get(userID string, day time.Time) *attendance.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record := r.data[recordKey(userID, day)]
	return record.Clone()
}

// Len returns the number of stored records.
func (r *AttendanceRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

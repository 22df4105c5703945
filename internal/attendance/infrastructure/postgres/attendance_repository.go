package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	attendance "attendance-cloud/internal/attendance/domain"
)

const defaultAttendanceTable = "attendance_records"

// AttendanceRepository is a Postgres implementation for attendance records.
type AttendanceRepository struct {
	db    *sql.DB
	table string
}

// NewAttendanceRepository constructs a repository.
func NewAttendanceRepository(db *sql.DB, opts ...AttendanceOption) *AttendanceRepository {
	repo := &AttendanceRepository{db: db, table: defaultAttendanceTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// AttendanceOption configures the repository.
type AttendanceOption func(*AttendanceRepository)

// WithAttendanceTable overrides the table name.
func WithAttendanceTable(table string) AttendanceOption {
	return func(repo *AttendanceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// GetOrCreate atomically fetches the record for (user, day), inserting an
// empty one when absent. ON CONFLICT keeps two concurrent reconcilers from
// racing a duplicate row.
func (r *AttendanceRepository) GetOrCreate(ctx context.Context, userID string, day time.Time) (*attendance.Record, bool, error) {
	if r == nil || r.db == nil {
		return nil, false, errors.New("attendance repo: nil db")
	}
	if userID == "" {
		return nil, false, errors.New("attendance repo: empty user id")
	}
	// The day column is a DATE holding the civil date in the canonical
	// zone. Truncating to UTC instead would shift zones ahead of UTC onto
	// the previous date.
	civil := civilDate(day)
	now := time.Now().UTC()

	insert := fmt.Sprintf(`
INSERT INTO %s (user_id, day, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (user_id, day) DO NOTHING`, r.table)
	result, err := r.db.ExecContext(ctx, insert, userID, civil, string(attendance.StatusPending), now)
	if err != nil {
		return nil, false, err
	}
	inserted, _ := result.RowsAffected()

	query := fmt.Sprintf(`
SELECT user_id, day, check_in, check_out, total_hours, status, source_device_id, created_at, updated_at
FROM %s
WHERE user_id = $1 AND day = $2
LIMIT 1`, r.table)

	var (
		record   attendance.Record
		checkIn  sql.NullTime
		checkOut sql.NullTime
		source   sql.NullString
		status   string
	)
	if err := r.db.QueryRowContext(ctx, query, userID, civil).Scan(
		&record.UserID,
		&record.Day,
		&checkIn,
		&checkOut,
		&record.TotalHours,
		&status,
		&source,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, false, err
	}
	record.Status = attendance.Status(status)
	if checkIn.Valid {
		ts := checkIn.Time.UTC()
		record.CheckIn = &ts
	}
	if checkOut.Valid {
		ts := checkOut.Time.UTC()
		record.CheckOut = &ts
	}
	if source.Valid {
		record.SourceDeviceID = source.String
	}
	record.Day = record.Day.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return &record, inserted > 0, nil
}

// Save persists the mutable fields of a record. The update is guarded by
// the updated_at value the record was read with: the reconcilers in the
// push receiver and the poller run in separate processes, so a concurrent
// write surfaces as ErrStaleRecord here instead of being overwritten.
func (r *AttendanceRepository) Save(ctx context.Context, record *attendance.Record) error {
	if r == nil || r.db == nil {
		return errors.New("attendance repo: nil db")
	}
	if record == nil {
		return errors.New("attendance repo: nil record")
	}
	civil := civilDate(record.Day)

	query := fmt.Sprintf(`
UPDATE %s SET
	check_in = $3,
	check_out = $4,
	total_hours = $5,
	status = $6,
	source_device_id = $7,
	updated_at = $8
WHERE user_id = $1 AND day = $2 AND updated_at = $9`, r.table)

	result, err := r.db.ExecContext(ctx, query,
		record.UserID,
		civil,
		record.CheckIn,
		record.CheckOut,
		record.TotalHours,
		string(record.Status),
		nullString(record.SourceDeviceID),
		time.Now().UTC(),
		record.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	exists := fmt.Sprintf(`
SELECT EXISTS (
	SELECT 1 FROM %s WHERE user_id = $1 AND day = $2
)`, r.table)
	var found bool
	if err := r.db.QueryRowContext(ctx, exists, record.UserID, civil).Scan(&found); err != nil {
		return err
	}
	if found {
		return fmt.Errorf("attendance repo: user=%s day=%s: %w", record.UserID, civil, attendance.ErrStaleRecord)
	}
	return fmt.Errorf("attendance repo: no row for user=%s day=%s", record.UserID, civil)
}

// civilDate formats the day in its own location; the repository keys rows
// by that date string, not by instant.
func civilDate(day time.Time) string {
	return day.Format("2006-01-02")
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

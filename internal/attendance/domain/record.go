package attendance

import (
	"context"
	"errors"
	"math"
	"time"
)

// Status is the derived state of a daily attendance record.
type Status string

const (
	StatusPending Status = "pending"
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusHalfDay Status = "half-day"
	StatusAbsent  Status = "absent"
	StatusLeave   Status = "leave"
)

var (
	// ErrCheckInAlreadySet is returned when a punch tries to replace an
	// existing check-in. First writer wins; overwriting risks corrupting
	// an already reconciled day.
	ErrCheckInAlreadySet = errors.New("attendance: check-in already set")
	// ErrCheckOutBeforeCheckIn is returned for an impossible interval,
	// usually clock skew or a misconfigured device.
	ErrCheckOutBeforeCheckIn = errors.New("attendance: check-out not after check-in")
	// ErrCheckOutNotLater is returned when a new check-out does not extend
	// the recorded one.
	ErrCheckOutNotLater = errors.New("attendance: check-out not later than recorded")
	// ErrStaleRecord is returned by Save when the stored row changed since
	// the record was read. The caller re-reads and re-applies; the domain
	// rules are re-evaluated against the fresh row.
	ErrStaleRecord = errors.New("attendance: record changed since read")
)

// Record is the single authoritative attendance row for one (user, day).
type Record struct {
	UserID         string
	Day            time.Time
	CheckIn        *time.Time
	CheckOut       *time.Time
	TotalHours     float64
	Status         Status
	SourceDeviceID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewRecord constructs an empty record for a (user, day) pair.
func NewRecord(userID string, day time.Time) (*Record, error) {
	if userID == "" {
		return nil, errors.New("attendance: empty user id")
	}
	if day.IsZero() {
		return nil, errors.New("attendance: zero day")
	}
	now := time.Now().UTC()
	return &Record{
		UserID:    userID,
		Day:       day,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// SetCheckIn records the check-in timestamp. The first writer wins; any
// later attempt is rejected with ErrCheckInAlreadySet.
func (r *Record) SetCheckIn(ts time.Time, deviceID string) error {
	if r.CheckIn != nil {
		return ErrCheckInAlreadySet
	}
	if r.CheckOut != nil && !r.CheckOut.After(ts) {
		return ErrCheckOutBeforeCheckIn
	}
	ts = ts.UTC()
	r.CheckIn = &ts
	if deviceID != "" {
		r.SourceDeviceID = deviceID
	}
	r.recomputeHours()
	return nil
}

// SetCheckOut records or extends the check-out timestamp. It must be
// strictly after the recorded check-in and later than any recorded
// check-out.
func (r *Record) SetCheckOut(ts time.Time, deviceID string) error {
	ts = ts.UTC()
	if r.CheckIn != nil && !ts.After(*r.CheckIn) {
		return ErrCheckOutBeforeCheckIn
	}
	if r.CheckOut != nil && !ts.After(*r.CheckOut) {
		return ErrCheckOutNotLater
	}
	r.CheckOut = &ts
	if deviceID != "" {
		r.SourceDeviceID = deviceID
	}
	r.recomputeHours()
	return nil
}

// recomputeHours derives total hours from the check-in/check-out pair.
// TotalHours is never set independently.
func (r *Record) recomputeHours() {
	if r.CheckIn == nil || r.CheckOut == nil {
		r.TotalHours = 0
		return
	}
	hours := r.CheckOut.Sub(*r.CheckIn).Hours()
	r.TotalHours = math.Round(hours*100) / 100
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.CheckIn != nil {
		ts := *r.CheckIn
		clone.CheckIn = &ts
	}
	if r.CheckOut != nil {
		ts := *r.CheckOut
		clone.CheckOut = &ts
	}
	return &clone
}

// Repository persists attendance records. GetOrCreate must be atomic for a
// (user, day) pair so concurrent reconcilers cannot race a duplicate row;
// the boolean reports whether the record was created by this call. Save is
// optimistic: it must refuse with ErrStaleRecord when the stored row
// changed since the record was read, so writers in separate processes
// cannot overwrite each other's punches.
type Repository interface {
	GetOrCreate(ctx context.Context, userID string, day time.Time) (*Record, bool, error)
	Save(ctx context.Context, record *Record) error
}

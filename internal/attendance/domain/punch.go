package attendance

import (
	"errors"
	"time"
)

// PunchStatus is the vendor status code carried on a raw punch. It is a
// hint, not authoritative; reconciliation decides the final assignment.
type PunchStatus string

const (
	PunchStatusCheckIn  PunchStatus = "check-in"
	PunchStatusCheckOut PunchStatus = "check-out"
	PunchStatusUnknown  PunchStatus = "unknown"
)

// RawPunch is a single punch event as fetched from or pushed by a terminal.
// It lives only in flight between a protocol adapter and the reconciler.
type RawPunch struct {
	DeviceID     string
	DeviceUserID string
	Timestamp    time.Time
	StatusCode   PunchStatus
}

// Validate checks punch invariants.
func (p RawPunch) Validate() error {
	if p.DeviceID == "" {
		return errors.New("punch: empty device id")
	}
	if p.DeviceUserID == "" {
		return errors.New("punch: empty device user id")
	}
	if p.Timestamp.IsZero() {
		return errors.New("punch: zero timestamp")
	}
	return nil
}

// Day returns the civil date of the punch in the given location.
func (p RawPunch) Day(loc *time.Location) time.Time {
	local := p.Timestamp.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

package masterdata

import (
	"context"
	"errors"
	"time"
)

// UserMapping binds a device-local user identifier to a system user.
type UserMapping struct {
	DeviceUserID string
	UserID       string
	EmployeeCode string
	OfficeID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks mapping invariants.
func (m UserMapping) Validate() error {
	if m.DeviceUserID == "" {
		return errors.New("user mapping: empty device user id")
	}
	if m.UserID == "" {
		return errors.New("user mapping: empty user id")
	}
	return nil
}

// UserMappingRepository resolves device-local identifiers.
// FindByDeviceUserID returns (nil, nil) when no mapping exists; an unmapped
// punch is a reportable soft failure, never a guess.
type UserMappingRepository interface {
	FindByDeviceUserID(ctx context.Context, deviceUserID string) (*UserMapping, error)
	Save(ctx context.Context, mapping *UserMapping) error
}

package masterdata

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ProtocolFamily identifies the wire protocol spoken by a terminal.
type ProtocolFamily string

const (
	FamilyZKT     ProtocolFamily = "zkt"
	FamilyESSL    ProtocolFamily = "essl"
	FamilyUnknown ProtocolFamily = "unknown"
)

// ParseFamily maps a stored family string to a ProtocolFamily.
func ParseFamily(value string) ProtocolFamily {
	switch ProtocolFamily(value) {
	case FamilyZKT:
		return FamilyZKT
	case FamilyESSL:
		return FamilyESSL
	default:
		return FamilyUnknown
	}
}

// HealthState is the last known health of a device.
type HealthState string

const (
	HealthOnline  HealthState = "online"
	HealthOffline HealthState = "offline"
	HealthError   HealthState = "error"
)

// Device represents a biometric terminal known to the registry.
type Device struct {
	ID           string
	Name         string
	Host         string
	Port         int
	Family       ProtocolFamily
	Active       bool
	PollInterval time.Duration
	LastSyncAt   *time.Time
	Health       HealthState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Addr returns the host:port dial address.
func (d Device) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Validate checks device invariants.
func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("device: empty id")
	}
	if d.Host == "" {
		return errors.New("device: empty host")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return errors.New("device: invalid port")
	}
	if d.Family == FamilyUnknown || d.Family == "" {
		return errors.New("device: unknown protocol family")
	}
	if d.PollInterval <= 0 {
		return errors.New("device: non-positive poll interval")
	}
	return nil
}

// DeviceRepository manages device persistence.
type DeviceRepository interface {
	Get(ctx context.Context, id string) (*Device, error)
	ListActive(ctx context.Context) ([]Device, error)
	Save(ctx context.Context, device *Device) error
	RecordSyncAttempt(ctx context.Context, id string, success bool, at time.Time) error
	SetHealth(ctx context.Context, id string, state HealthState) error
}

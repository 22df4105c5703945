package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	masterdata "attendance-cloud/internal/masterdata/domain"
)

// DeviceRepository is an in-memory repository for devices.
type DeviceRepository struct {
	mu   sync.RWMutex
	data map[string]*masterdata.Device
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{data: make(map[string]*masterdata.Device)}
}

// Get loads a device by id.
func (r *DeviceRepository) Get(ctx context.Context, id string) (*masterdata.Device, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	device := r.data[id]
	if device == nil {
		return nil, nil
	}
	clone := *device
	return &clone, nil
}

// ListActive loads devices flagged active.
func (r *DeviceRepository) ListActive(ctx context.Context) ([]masterdata.Device, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []masterdata.Device
	for _, device := range r.data {
		if device.Active {
			result = append(result, *device)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Save upserts a device.
func (r *DeviceRepository) Save(ctx context.Context, device *masterdata.Device) error {
	_ = ctx
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	clone := *device
	r.mu.Lock()
	r.data[device.ID] = &clone
	r.mu.Unlock()
	return nil
}

// RecordSyncAttempt records a poll attempt outcome.
func (r *DeviceRepository) RecordSyncAttempt(ctx context.Context, id string, success bool, at time.Time) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	device := r.data[id]
	if device == nil {
		return errors.New("device repo: unknown device " + id)
	}
	at = at.UTC()
	device.UpdatedAt = at
	if success {
		device.LastSyncAt = &at
		device.Health = masterdata.HealthOnline
	}
	return nil
}

// SetHealth updates the device health state.
func (r *DeviceRepository) SetHealth(ctx context.Context, id string, state masterdata.HealthState) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	device := r.data[id]
	if device == nil {
		return errors.New("device repo: unknown device " + id)
	}
	device.Health = state
	device.UpdatedAt = time.Now().UTC()
	return nil
}

package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	masterdata "attendance-cloud/internal/masterdata/domain"
)

// UserMappingRepository is an in-memory repository for identity mappings.
type UserMappingRepository struct {
	mu   sync.RWMutex
	data map[string]*masterdata.UserMapping
}

// NewUserMappingRepository constructs a repository.
func NewUserMappingRepository() *UserMappingRepository {
	return &UserMappingRepository{data: make(map[string]*masterdata.UserMapping)}
}

// FindByDeviceUserID resolves a device-local user id. Returns (nil, nil) when unmapped.
func (r *UserMappingRepository) FindByDeviceUserID(ctx context.Context, deviceUserID string) (*masterdata.UserMapping, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	mapping := r.data[deviceUserID]
	if mapping == nil {
		return nil, nil
	}
	clone := *mapping
	return &clone, nil
}

// Save upserts a mapping.
func (r *UserMappingRepository) Save(ctx context.Context, mapping *masterdata.UserMapping) error {
	_ = ctx
	if mapping == nil {
		return errors.New("user mapping repo: nil mapping")
	}
	if err := mapping.Validate(); err != nil {
		return err
	}
	clone := *mapping
	clone.UpdatedAt = time.Now().UTC()
	r.mu.Lock()
	r.data[mapping.DeviceUserID] = &clone
	r.mu.Unlock()
	return nil
}

package dedup

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Index tracks already-processed punch keys per device.
//
// A seen key means the punch is a redelivery and must be dropped without
// side effects. Implementations must be safe under concurrent access from
// all pollers and the push receiver.
type Index interface {
	Seen(ctx context.Context, deviceID, key string) (bool, error)
	Record(ctx context.Context, deviceID, key string, day time.Time) error
	// EvictBefore releases entries for days before the cutoff. Safe once a
	// day has fully closed and been reconciled; the persistence gateway is
	// the durable source of truth for anything older.
	EvictBefore(ctx context.Context, cutoff time.Time) error
}

const defaultMaxDaysPerDevice = 7

// MemoryIndex is a bounded in-memory Index, day-bucketed per device.
type MemoryIndex struct {
	mu      sync.RWMutex
	devices map[string]map[int64]map[string]struct{}
	maxDays int
}

// MemoryOption configures the index.
type MemoryOption func(*MemoryIndex)

// WithMaxDays bounds how many day buckets one device may hold.
func WithMaxDays(days int) MemoryOption {
	return func(idx *MemoryIndex) {
		if days > 0 {
			idx.maxDays = days
		}
	}
}

// NewMemoryIndex constructs an index.
func NewMemoryIndex(opts ...MemoryOption) *MemoryIndex {
	idx := &MemoryIndex{
		devices: make(map[string]map[int64]map[string]struct{}),
		maxDays: defaultMaxDaysPerDevice,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Seen reports whether the key was already recorded for the device.
func (idx *MemoryIndex) Seen(ctx context.Context, deviceID, key string) (bool, error) {
	_ = ctx
	if deviceID == "" || key == "" {
		return false, errors.New("dedup index: invalid arguments")
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, bucket := range idx.devices[deviceID] {
		if _, ok := bucket[key]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Record marks the key as processed under its punch day bucket.
func (idx *MemoryIndex) Record(ctx context.Context, deviceID, key string, day time.Time) error {
	_ = ctx
	if deviceID == "" || key == "" {
		return errors.New("dedup index: invalid arguments")
	}
	dayKey := dayBucket(day)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	buckets := idx.devices[deviceID]
	if buckets == nil {
		buckets = make(map[int64]map[string]struct{})
		idx.devices[deviceID] = buckets
	}
	bucket := buckets[dayKey]
	if bucket == nil {
		bucket = make(map[string]struct{})
		buckets[dayKey] = bucket
	}
	bucket[key] = struct{}{}

	for len(buckets) > idx.maxDays {
		oldest := int64(0)
		first := true
		for day := range buckets {
			if first || day < oldest {
				oldest = day
				first = false
			}
		}
		delete(buckets, oldest)
	}
	return nil
}

// EvictBefore drops all day buckets older than the cutoff day.
func (idx *MemoryIndex) EvictBefore(ctx context.Context, cutoff time.Time) error {
	_ = ctx
	cut := dayBucket(cutoff)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for deviceID, buckets := range idx.devices {
		for day := range buckets {
			if day < cut {
				delete(buckets, day)
			}
		}
		if len(buckets) == 0 {
			delete(idx.devices, deviceID)
		}
	}
	return nil
}

func dayBucket(day time.Time) int64 {
	d := day.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

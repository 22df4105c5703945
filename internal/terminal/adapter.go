// Package terminal isolates vendor wire formats from the rest of the
// ingestion pipeline. Each protocol family implements the same contract;
// downstream code never sees a vendor frame.
package terminal

import (
	"context"
	"fmt"
	"time"

	attendance "attendance-cloud/internal/attendance/domain"
	masterdata "attendance-cloud/internal/masterdata/domain"
)

// Conn is an open session with one terminal. Callers must Close on every
// exit path.
type Conn interface {
	// FetchPunchesSince returns punches observable since the watermark.
	// Families without incremental fetch return the full buffer filtered
	// client-side; the dedup index downstream handles the rest.
	FetchPunchesSince(ctx context.Context, watermark time.Time) ([]attendance.RawPunch, error)
	Close() error
}

// Adapter opens connections for one protocol family.
type Adapter interface {
	Connect(ctx context.Context, device masterdata.Device) (Conn, error)
}

// Registry selects the adapter for a device's protocol family.
type Registry struct {
	adapters map[masterdata.ProtocolFamily]Adapter
}

// NewRegistry constructs a registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[masterdata.ProtocolFamily]Adapter)}
}

// Register binds an adapter to a family.
func (r *Registry) Register(family masterdata.ProtocolFamily, adapter Adapter) {
	if r == nil || adapter == nil {
		return
	}
	r.adapters[family] = adapter
}

// ForFamily returns the adapter for a family.
func (r *Registry) ForFamily(family masterdata.ProtocolFamily) (Adapter, error) {
	if r == nil {
		return nil, fmt.Errorf("terminal: nil registry")
	}
	adapter, ok := r.adapters[family]
	if !ok {
		return nil, fmt.Errorf("terminal: no adapter for family %q", family)
	}
	return adapter, nil
}

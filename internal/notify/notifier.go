package notify

import "context"

// Event represents a downstream notification payload: an attendance record
// mutation or a device health alert.
type Event struct {
	Kind       string            `json:"kind"`
	UserID     string            `json:"user_id,omitempty"`
	Day        string            `json:"day,omitempty"`
	DeviceID   string            `json:"device_id,omitempty"`
	Action     string            `json:"action,omitempty"`
	CheckIn    string            `json:"check_in,omitempty"`
	CheckOut   string            `json:"check_out,omitempty"`
	TotalHours float64           `json:"total_hours,omitempty"`
	Status     string            `json:"status,omitempty"`
	Health     string            `json:"health,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Event kinds.
const (
	KindAttendance   = "attendance"
	KindDeviceHealth = "device-health"
)

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

package workhours

import (
	"testing"
	"time"

	attendance "attendance-cloud/internal/attendance/domain"
)

func testPolicy() Policy {
	return Policy{StartTime: "09:00", LateAfter: 15 * time.Minute, HalfDayBelow: 4}
}

func recordWith(t *testing.T, checkIn, checkOut time.Duration) *attendance.Record {
	t.Helper()
	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	record, err := attendance.NewRecord("user-1", day)
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if err := record.SetCheckIn(day.Add(checkIn), "dev-1"); err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if checkOut > 0 {
		if err := record.SetCheckOut(day.Add(checkOut), "dev-1"); err != nil {
			t.Fatalf("check-out: %v", err)
		}
	}
	return record
}

func TestDeriveStatus(t *testing.T) {
	policy := testPolicy()

	tests := []struct {
		name     string
		checkIn  time.Duration
		checkOut time.Duration
		want     attendance.Status
	}{
		{"on time full day", 9 * time.Hour, 18 * time.Hour, attendance.StatusPresent},
		{"within grace", 9*time.Hour + 10*time.Minute, 18 * time.Hour, attendance.StatusPresent},
		{"late", 9*time.Hour + 30*time.Minute, 18 * time.Hour, attendance.StatusLate},
		{"short day", 9 * time.Hour, 12 * time.Hour, attendance.StatusHalfDay},
		{"no check-out yet", 9 * time.Hour, 0, attendance.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := recordWith(t, tt.checkIn, tt.checkOut)
			if got := policy.DeriveStatus(record, time.UTC); got != tt.want {
				t.Fatalf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDeriveStatus_NilAndEmpty(t *testing.T) {
	policy := testPolicy()
	if got := policy.DeriveStatus(nil, time.UTC); got != attendance.StatusPending {
		t.Fatalf("nil record status = %s", got)
	}
}

func TestPolicyForOffice_Override(t *testing.T) {
	cfg := Config{
		Defaults: testPolicy(),
		Offices: map[string]Policy{
			"office-night": {StartTime: "21:00"},
		},
	}

	merged := cfg.PolicyForOffice("office-night")
	if merged.StartTime != "21:00" {
		t.Fatalf("start time = %s", merged.StartTime)
	}
	// Unset override fields inherit the defaults.
	if merged.LateAfter != 15*time.Minute || merged.HalfDayBelow != 4 {
		t.Fatalf("defaults not inherited: %+v", merged)
	}

	if got := cfg.PolicyForOffice("unknown-office"); got != cfg.Defaults {
		t.Fatalf("unknown office policy = %+v", got)
	}
}

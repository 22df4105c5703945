package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	attendance "attendance-cloud/internal/attendance/domain"
)

func TestAttendanceRepository_StaleSaveRefused(t *testing.T) {
	ctx := context.Background()
	repo := NewAttendanceRepository()
	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)

	first, _, err := repo.GetOrCreate(ctx, "user-1", day)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	second := first.Clone()

	in := time.Date(2026, time.March, 2, 9, 5, 0, 0, time.UTC)
	if err := first.SetCheckIn(in, "dev-1"); err != nil {
		t.Fatalf("set check-in: %v", err)
	}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}

	// The second handle was read before the first write landed; saving it
	// would overwrite the check-in, so it must be refused.
	if err := second.SetCheckIn(in.Add(15*time.Minute), "dev-2"); err != nil {
		t.Fatalf("set check-in on stale copy: %v", err)
	}
	err = repo.Save(ctx, second)
	if !errors.Is(err, attendance.ErrStaleRecord) {
		t.Fatalf("err = %v, want ErrStaleRecord", err)
	}

	stored := repo.Get("user-1", day)
	if stored.CheckIn == nil || !stored.CheckIn.Equal(in) {
		t.Fatalf("check-in = %v, want %v", stored.CheckIn, in)
	}
}

func TestAttendanceRepository_DayKeyIsCivilDate(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	ctx := context.Background()
	repo := NewAttendanceRepository()

	// Midnight March 2 in Kolkata is still March 1 in UTC; the key must
	// follow the civil date, not the UTC instant.
	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, kolkata)
	if _, created, err := repo.GetOrCreate(ctx, "user-1", day); err != nil || !created {
		t.Fatalf("get or create: created=%v err=%v", created, err)
	}

	sameDate := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	if _, created, err := repo.GetOrCreate(ctx, "user-1", sameDate); err != nil || created {
		t.Fatalf("same civil date split into a second row: created=%v err=%v", created, err)
	}
	if got := repo.Len(); got != 1 {
		t.Fatalf("record count = %d", got)
	}
}

package dedup

import (
	"testing"
	"time"
)

func TestKey_SameInstantDifferentZone(t *testing.T) {
	utc := time.Date(2026, time.March, 2, 3, 35, 0, 0, time.UTC)
	kolkata := time.FixedZone("IST", 5*3600+1800)
	local := utc.In(kolkata)

	a := Key("dev-1", "42", utc, "check-in")
	b := Key("dev-1", "42", local, "check-in")
	if a != b {
		t.Fatalf("keys differ for the same instant: %s vs %s", a, b)
	}
}

func TestKey_DistinguishesFields(t *testing.T) {
	ts := time.Date(2026, time.March, 2, 9, 5, 0, 0, time.UTC)
	base := Key("dev-1", "42", ts, "check-in")

	variants := []string{
		Key("dev-2", "42", ts, "check-in"),
		Key("dev-1", "43", ts, "check-in"),
		Key("dev-1", "42", ts.Add(time.Second), "check-in"),
		Key("dev-1", "42", ts, "check-out"),
	}
	for i, variant := range variants {
		if variant == base {
			t.Fatalf("variant %d collides with base key", i)
		}
	}
}

func TestKey_StableAcrossCalls(t *testing.T) {
	ts := time.Date(2026, time.March, 2, 9, 5, 0, 0, time.UTC)
	if Key("dev-1", "42", ts, "check-in") != Key("dev-1", "42", ts, "check-in") {
		t.Fatal("key is not deterministic")
	}
}

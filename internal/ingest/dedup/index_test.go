package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryIndex_RecordThenSeen(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)

	seen, err := idx.Seen(ctx, "dev-1", "key-1")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatal("unrecorded key reported seen")
	}

	if err := idx.Record(ctx, "dev-1", "key-1", day); err != nil {
		t.Fatalf("record: %v", err)
	}
	seen, err = idx.Seen(ctx, "dev-1", "key-1")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if !seen {
		t.Fatal("recorded key not seen")
	}

	// Keys are scoped per device.
	seen, err = idx.Seen(ctx, "dev-2", "key-1")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatal("key leaked across devices")
	}
}

func TestMemoryIndex_EvictBefore(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	old := time.Date(2026, time.February, 20, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)

	if err := idx.Record(ctx, "dev-1", "old-key", old); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := idx.Record(ctx, "dev-1", "recent-key", recent); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := idx.EvictBefore(ctx, recent); err != nil {
		t.Fatalf("evict: %v", err)
	}

	if seen, _ := idx.Seen(ctx, "dev-1", "old-key"); seen {
		t.Fatal("evicted key still seen")
	}
	if seen, _ := idx.Seen(ctx, "dev-1", "recent-key"); !seen {
		t.Fatal("recent key evicted")
	}
}

func TestMemoryIndex_BoundedDayBuckets(t *testing.T) {
	idx := NewMemoryIndex(WithMaxDays(3))
	ctx := context.Background()
	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		day := base.AddDate(0, 0, i)
		key := fmt.Sprintf("key-%d", i)
		if err := idx.Record(ctx, "dev-1", key, day); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	for i := 0; i < 2; i++ {
		if seen, _ := idx.Seen(ctx, "dev-1", fmt.Sprintf("key-%d", i)); seen {
			t.Fatalf("day %d survived the bound", i)
		}
	}
	for i := 2; i < 5; i++ {
		if seen, _ := idx.Seen(ctx, "dev-1", fmt.Sprintf("key-%d", i)); !seen {
			t.Fatalf("day %d dropped inside the bound", i)
		}
	}
}

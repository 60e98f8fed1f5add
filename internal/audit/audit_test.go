package audit

import (
	"context"
	"fmt"
	"testing"
)

func TestRecorderRecentIsBounded(t *testing.T) {
	trail := NewMemoryTrail()
	ctx := context.Background()

	total := DefaultRecentSize + 5
	for i := 0; i < total; i++ {
		trail.Append(ctx, Entry{
			Type:   TypeTransition,
			TaskID: fmt.Sprintf("task-%d", i),
			Detail: "move",
		})
	}

	recent := trail.Recent(0)
	if len(recent) != DefaultRecentSize {
		t.Fatalf("expected %d entries, got %d", DefaultRecentSize, len(recent))
	}
	// 最新在前。
	if recent[0].TaskID != fmt.Sprintf("task-%d", total-1) {
		t.Fatalf("expected newest entry first, got %s", recent[0].TaskID)
	}
	if recent[len(recent)-1].TaskID != fmt.Sprintf("task-%d", total-DefaultRecentSize) {
		t.Fatalf("unexpected oldest retained entry: %s", recent[len(recent)-1].TaskID)
	}
}

func TestRecorderRecentLimit(t *testing.T) {
	trail := NewRecorder(nil, WithRecentSize(4))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		trail.Append(ctx, Entry{Type: TypeExecution, TaskID: fmt.Sprintf("t%d", i)})
	}

	got := trail.Recent(2)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].TaskID != "t3" || got[1].TaskID != "t2" {
		t.Fatalf("unexpected order: %s, %s", got[0].TaskID, got[1].TaskID)
	}
}

func TestRecorderStampsTimestamp(t *testing.T) {
	trail := NewMemoryTrail()
	trail.Append(context.Background(), Entry{Type: TypeReminder, TaskID: "t1"})

	recent := trail.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(recent))
	}
	if recent[0].Timestamp == 0 {
		t.Fatal("expected timestamp to be stamped")
	}
}

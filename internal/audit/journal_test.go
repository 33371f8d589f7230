package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/qmlh/crewd/internal/clock"
)

func TestAppendAndTail(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	j, err := New(t.TempDir(), clk)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := j.Append(ctx, Entry{
			Kind:     "lock",
			AgentID:  fmt.Sprintf("a%d", i),
			Path:     "/f",
			Decision: "granted",
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		clk.Advance(time.Second)
	}

	entries, err := j.Tail(ctx, 0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Tail = %d entries, want 3", len(entries))
	}
	if entries[0].AgentID != "a0" || entries[2].AgentID != "a2" {
		t.Fatalf("entries out of order: %+v", entries)
	}
	if entries[1].Time.IsZero() {
		t.Fatal("zero timestamp not filled")
	}
}

func TestTailByteLimitDropsPartialLine(t *testing.T) {
	t.Parallel()

	j, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := j.Append(ctx, Entry{Kind: "sched", TaskID: fmt.Sprintf("task-%02d", i), Decision: "assigned"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := j.Tail(ctx, 512)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) == 0 || len(entries) >= 50 {
		t.Fatalf("Tail(512) = %d entries, want a strict suffix", len(entries))
	}
	// The suffix must end with the newest entry.
	if entries[len(entries)-1].TaskID != "task-49" {
		t.Fatalf("last entry = %+v", entries[len(entries)-1])
	}
}

func TestTailMissingJournal(t *testing.T) {
	t.Parallel()

	j, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entries, err := j.Tail(context.Background(), 0)
	if err != nil || entries != nil {
		t.Fatalf("Tail on empty journal = %v, %v", entries, err)
	}
}

package scheduler

import (
	"testing"
	"time"
)

// TestNextCronRunInclusiveOfNow covers Reschedule's "next run >= now"
// semantics: a reference time that itself matches the expression is a
// valid answer.
func TestNextCronRunInclusiveOfNow(t *testing.T) {
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	got, err := NextCronRun("0 0 9 * * *", now)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(now) {
		t.Fatalf("expected inclusive match to return now itself, got %s", got)
	}
}

// TestNextCronRunAfterExclusiveOfLastRun covers testable property #3:
// advance() must compute the least t strictly greater than last_run, not
// last_run itself, even when last_run lands exactly on a match.
func TestNextCronRunAfterExclusiveOfLastRun(t *testing.T) {
	lastRun := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	got, err := NextCronRunAfter("0 0 9 * * *", lastRun)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected next day's 09:00, got %s", got)
	}
}

// TestNextCronRunAfterMidwayBetweenTicks checks the non-boundary case
// still behaves like a normal "next tick after" search.
func TestNextCronRunAfterMidwayBetweenTicks(t *testing.T) {
	lastRun := time.Date(2026, 7, 30, 9, 0, 30, 0, time.UTC)
	got, err := NextCronRunAfter("0 0 9 * * *", lastRun)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected next day's 09:00, got %s", got)
	}
}

package retry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestShouldRetryRespectsMaxAttempts(t *testing.T) {
	p := DefaultPolicy() // MaxAttempts: 2
	if !p.ShouldRetry(1) {
		t.Fatalf("expected attempt 1 to be eligible for retry")
	}
	if p.ShouldRetry(2) {
		t.Fatalf("expected attempt 2 (final) to not retry")
	}
}

func TestNextDelayCappedAtMaxDelay(t *testing.T) {
	p := Policy{MaxAttempts: 10, MinDelay: time.Second, MaxDelay: 5 * time.Second, Jitter: 0}
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.NextDelay(attempt)
		if d > p.MaxDelay {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, p.MaxDelay)
		}
	}
}

type fakeNotifier struct {
	failureCalls atomic.Int32
	adminCalls   atomic.Int32
}

func (f *fakeNotifier) FailureNotify(_ context.Context, _, _, _, _ string) error {
	f.failureCalls.Add(1)
	return nil
}

func (f *fakeNotifier) AdminNotify(_ context.Context, _, _ string) error {
	f.adminCalls.Add(1)
	return nil
}

func TestNotifyDispatchesBothWhenUserInitiated(t *testing.T) {
	n := &fakeNotifier{}
	d := NewDispatcher(n)
	err := d.Notify(context.Background(), FinalFailure{TaskID: "t1", Channel: "email", ReplyTarget: "user@example.com", ErrorSummary: "boom"})
	if err != nil {
		t.Fatal(err)
	}
	if n.failureCalls.Load() != 1 || n.adminCalls.Load() != 1 {
		t.Fatalf("expected one failure notify and one admin notify, got %d/%d", n.failureCalls.Load(), n.adminCalls.Load())
	}
}

func TestNotifySkipsFailureNotifyWhenNotUserInitiated(t *testing.T) {
	n := &fakeNotifier{}
	d := NewDispatcher(n)
	_ = d.Notify(context.Background(), FinalFailure{TaskID: "t2", ErrorSummary: "boom"})
	if n.failureCalls.Load() != 0 {
		t.Fatalf("expected no failure notify for non-user-initiated task")
	}
	if n.adminCalls.Load() != 1 {
		t.Fatalf("expected admin notify always sent")
	}
}

func TestNotifyIsIdempotentPerTaskID(t *testing.T) {
	n := &fakeNotifier{}
	d := NewDispatcher(n)
	for i := 0; i < 3; i++ {
		_ = d.Notify(context.Background(), FinalFailure{TaskID: "t3", Channel: "slack", ReplyTarget: "C1", ErrorSummary: "boom"})
	}
	if n.failureCalls.Load() != 1 || n.adminCalls.Load() != 1 {
		t.Fatalf("expected idempotent notify to fire exactly once, got %d/%d", n.failureCalls.Load(), n.adminCalls.Load())
	}
}

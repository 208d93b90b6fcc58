package queue

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

func sampleEnvelope(employeeID string, receivedAt time.Time) Envelope {
	msg := envelope.InboundMessage{
		Channel:           envelope.ChannelEmail,
		ExternalMessageID: "m1",
		ReceivedAt:        receivedAt,
	}
	return NewEnvelope("tenant-a", employeeID, msg, "dk-1", "blob-1", 0)
}

// TestAtLeastOnceDeliveryAfterLeaseExpiry covers testable property 2: if
// claim_next crashes after a claim but before mark_done, a later
// claim_next returns the same envelope once its lease expires.
func TestAtLeastOnceDeliveryAfterLeaseExpiry(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	env := sampleEnvelope("emp-1", time.Now().UTC())
	if err := q.Enqueue(ctx, env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got1, ok, err := q.ClaimNext(ctx, "emp-1", 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first claim failed: ok=%v err=%v", ok, err)
	}
	if got1.EnvelopeID != env.EnvelopeID {
		t.Fatalf("unexpected envelope claimed")
	}

	// Simulate a crash: no mark_done. Claim again before lease expiry — must
	// be empty (still leased).
	if _, ok, _ := q.ClaimNext(ctx, "emp-1", 10*time.Millisecond); ok {
		t.Fatalf("expected no claimable envelope while lease is live")
	}

	time.Sleep(15 * time.Millisecond)

	got2, ok, err := q.ClaimNext(ctx, "emp-1", 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("second claim after lease expiry failed: ok=%v err=%v", ok, err)
	}
	if got2.EnvelopeID != env.EnvelopeID {
		t.Fatalf("expected same envelope reclaimed after lease expiry")
	}
	if got2.Attempts != 2 {
		t.Fatalf("expected attempts bumped to 2, got %d", got2.Attempts)
	}
}

func TestClaimNextIsPerEmployeePartitioned(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	e1 := sampleEnvelope("emp-1", time.Now().UTC())
	if err := q.Enqueue(ctx, e1); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := q.ClaimNext(ctx, "emp-2", time.Second); ok {
		t.Fatalf("employee emp-2 should not claim emp-1's envelope")
	}
	if _, ok, _ := q.ClaimNext(ctx, "emp-1", time.Second); !ok {
		t.Fatalf("employee emp-1 should claim its own envelope")
	}
}

func TestMarkFailedRetriesUntilMaxAttempts(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	env := sampleEnvelope("emp-1", time.Now().UTC())
	if err := q.Enqueue(ctx, env); err != nil {
		t.Fatal(err)
	}

	const maxAttempts = 2
	claimed, _, _ := q.ClaimNext(ctx, "emp-1", time.Minute)
	if err := q.MarkFailed(ctx, claimed.EnvelopeID, maxAttempts, "boom"); err != nil {
		t.Fatal(err)
	}
	// attempts=1 < maxAttempts=2 -> retried as Pending, claimable again.
	claimed2, ok, _ := q.ClaimNext(ctx, "emp-1", time.Minute)
	if !ok {
		t.Fatalf("expected retry to be claimable")
	}
	if claimed2.Attempts != 2 {
		t.Fatalf("expected attempts=2, got %d", claimed2.Attempts)
	}
	if err := q.MarkFailed(ctx, claimed2.EnvelopeID, maxAttempts, "boom again"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := q.ClaimNext(ctx, "emp-1", time.Minute); ok {
		t.Fatalf("expected envelope to be terminally Failed, not claimable")
	}
}

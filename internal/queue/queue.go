// Package queue implements the Durable Ingestion Queue: a
// process-crash-safe, per-employee partitioned FIFO-ish queue with leases
// and retries. The Postgres backend claims rows with row-level locking;
// the in-memory backend mirrors the same semantics for tests.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// Status is the envelope lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusLeased  Status = "leased"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Envelope is the durable queue row. Epoch is the thread-epoch value
// (internal/threadepoch) at the moment this inbound was accepted; it rides
// along to the RunTask the consumer builds from this envelope so dispatch
// can tell a stale RunTask from a current one.
type Envelope struct {
	EnvelopeID     uuid.UUID
	TenantID       string
	EmployeeID     string
	Channel        envelope.Channel
	DedupeKey      string
	RawBlobRef     string
	ParsedMessage  envelope.InboundMessage
	ReceivedAt     time.Time
	Epoch          int64
	Attempts       int
	Status         Status
	LeaseExpiresAt *time.Time
	LastError      string
}

// NewEnvelope constructs a Pending envelope with a fresh UUIDv7.
func NewEnvelope(tenantID, employeeID string, msg envelope.InboundMessage, dedupeKey, rawBlobRef string, epoch int64) Envelope {
	return Envelope{
		EnvelopeID:    uuid.Must(uuid.NewV7()),
		TenantID:      tenantID,
		EmployeeID:    employeeID,
		Channel:       msg.Channel,
		DedupeKey:     dedupeKey,
		RawBlobRef:    rawBlobRef,
		ParsedMessage: msg,
		ReceivedAt:    msg.ReceivedAt,
		Epoch:         epoch,
		Attempts:      0,
		Status:        StatusPending,
	}
}

// Queue is the Durable Ingestion Queue contract.
type Queue interface {
	// Enqueue inserts with status=Pending, attempts=0.
	Enqueue(ctx context.Context, env Envelope) error

	// ClaimNext atomically selects one Pending or lease-expired Leased row
	// for employeeID with the oldest received_at, bumps attempts, sets
	// status=Leased, lease_expires_at = now + leaseDuration, and returns it.
	// Returns ok=false if nothing is claimable.
	ClaimNext(ctx context.Context, employeeID string, leaseDuration time.Duration) (env Envelope, ok bool, err error)

	// MarkDone sets status=Done.
	MarkDone(ctx context.Context, envelopeID uuid.UUID) error

	// MarkFailed sets status=Failed once attempts >= maxAttempts, otherwise
	// resets to Pending (retry), leaving attempts as already bumped.
	MarkFailed(ctx context.Context, envelopeID uuid.UUID, maxAttempts int, lastErr string) error

	// Watchdog is a no-op maintenance hook: lease-expired Leased rows
	// become claimable again purely by ClaimNext's own WHERE clause;
	// exposed for observability (counts reclaimable rows) rather than
	// as a required mutation.
	Watchdog(ctx context.Context) (reclaimable int, err error)
}

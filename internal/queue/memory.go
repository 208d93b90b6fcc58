package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue implementation satisfying the full
// queue.Queue contract, used by tests and standalone (no-Postgres) mode.
// Safe for concurrent use.
type MemoryQueue struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Envelope
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{rows: make(map[uuid.UUID]*Envelope)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, env Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := env
	q.rows[env.EnvelopeID] = &cp
	return nil
}

// ClaimNext picks the oldest-by-received_at row for
// employeeID that is Pending, or Leased with an expired lease.
func (q *MemoryQueue) ClaimNext(_ context.Context, employeeID string, leaseDuration time.Duration) (Envelope, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	var best *Envelope
	for _, r := range q.rows {
		if r.EmployeeID != employeeID {
			continue
		}
		claimable := r.Status == StatusPending ||
			(r.Status == StatusLeased && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.Before(now))
		if !claimable {
			continue
		}
		if best == nil || r.ReceivedAt.Before(best.ReceivedAt) {
			best = r
		}
	}
	if best == nil {
		return Envelope{}, false, nil
	}

	best.Attempts++
	best.Status = StatusLeased
	exp := now.Add(leaseDuration)
	best.LeaseExpiresAt = &exp
	return *best, true, nil
}

func (q *MemoryQueue) MarkDone(_ context.Context, envelopeID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.rows[envelopeID]; ok {
		r.Status = StatusDone
		r.LeaseExpiresAt = nil
	}
	return nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, envelopeID uuid.UUID, maxAttempts int, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.rows[envelopeID]
	if !ok {
		return nil
	}
	r.LastError = lastErr
	r.LeaseExpiresAt = nil
	if r.Attempts >= maxAttempts {
		r.Status = StatusFailed
	} else {
		r.Status = StatusPending
	}
	return nil
}

// Snapshot returns a point-in-time copy of all rows, for tests and
// diagnostics; not part of the Queue contract.
func (q *MemoryQueue) Snapshot() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Envelope, 0, len(q.rows))
	for _, r := range q.rows {
		out = append(out, *r)
	}
	return out
}

func (q *MemoryQueue) Watchdog(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, r := range q.rows {
		if r.Status == StatusLeased && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.Before(now) {
			count++
		}
	}
	return count, nil
}

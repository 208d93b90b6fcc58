package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

func envChannel(s string) envelope.Channel { return envelope.Channel(s) }

// PostgresQueue implements Queue over a Postgres table with row-level
// locking (`FOR UPDATE SKIP LOCKED`).
type PostgresQueue struct {
	pool *pgxpool.Pool
}

func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env.ParsedMessage)
	if err != nil {
		return fmt.Errorf("queue: marshal parsed_message: %w", err)
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO ingestion_envelopes
			(envelope_id, tenant_id, employee_id, channel, dedupe_key, raw_blob_ref,
			 parsed_message, received_at, epoch, attempts, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 'pending')
	`, env.EnvelopeID, env.TenantID, env.EmployeeID, string(env.Channel), env.DedupeKey,
		env.RawBlobRef, payload, env.ReceivedAt, env.Epoch)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// ClaimNext selects the oldest claimable row for employeeID inside a
// transaction with FOR UPDATE SKIP LOCKED, so concurrent workers never
// double-claim the same row.
func (q *PostgresQueue) ClaimNext(ctx context.Context, employeeID string, leaseDuration time.Duration) (Envelope, bool, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return Envelope{}, false, fmt.Errorf("queue: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var env Envelope
	var payload []byte
	var channel string
	now := time.Now().UTC()

	row := tx.QueryRow(ctx, `
		SELECT envelope_id, tenant_id, employee_id, channel, dedupe_key, raw_blob_ref,
		       parsed_message, received_at, epoch, attempts
		FROM ingestion_envelopes
		WHERE employee_id = $1
		  AND (status = 'pending' OR (status = 'leased' AND lease_expires_at < $2))
		ORDER BY received_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, employeeID, now)

	if err := row.Scan(&env.EnvelopeID, &env.TenantID, &env.EmployeeID, &channel, &env.DedupeKey,
		&env.RawBlobRef, &payload, &env.ReceivedAt, &env.Epoch, &env.Attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Envelope{}, false, nil
		}
		return Envelope{}, false, fmt.Errorf("queue: claim select: %w", err)
	}
	env.Channel = envChannel(channel)
	if err := json.Unmarshal(payload, &env.ParsedMessage); err != nil {
		return Envelope{}, false, fmt.Errorf("queue: unmarshal parsed_message: %w", err)
	}

	env.Attempts++
	leaseExpires := now.Add(leaseDuration)
	env.Status = StatusLeased
	env.LeaseExpiresAt = &leaseExpires

	if _, err := tx.Exec(ctx, `
		UPDATE ingestion_envelopes
		SET status = 'leased', attempts = $2, lease_expires_at = $3
		WHERE envelope_id = $1
	`, env.EnvelopeID, env.Attempts, leaseExpires); err != nil {
		return Envelope{}, false, fmt.Errorf("queue: claim update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Envelope{}, false, fmt.Errorf("queue: claim commit: %w", err)
	}
	return env, true, nil
}

func (q *PostgresQueue) MarkDone(ctx context.Context, envelopeID uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE ingestion_envelopes SET status = 'done', lease_expires_at = NULL
		WHERE envelope_id = $1
	`, envelopeID)
	if err != nil {
		return fmt.Errorf("queue: mark_done: %w", err)
	}
	return nil
}

func (q *PostgresQueue) MarkFailed(ctx context.Context, envelopeID uuid.UUID, maxAttempts int, lastErr string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE ingestion_envelopes
		SET status = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'pending' END,
		    lease_expires_at = NULL,
		    last_error = $3
		WHERE envelope_id = $1
	`, envelopeID, maxAttempts, lastErr)
	if err != nil {
		return fmt.Errorf("queue: mark_failed: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Watchdog(ctx context.Context) (int, error) {
	var count int
	err := q.pool.QueryRow(ctx, `
		SELECT count(*) FROM ingestion_envelopes
		WHERE status = 'leased' AND lease_expires_at < now()
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("queue: watchdog: %w", err)
	}
	return count, nil
}

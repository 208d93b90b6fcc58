// Package dedupe implements an atomic check-and-insert over dedupe_key,
// backed by a unique-constrained Postgres table.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// Result is the outcome of a check_and_insert call.
type Result int

const (
	Fresh Result = iota
	Duplicate
)

// Key computes the stable dedupe_key: hash(channel, tenant_id,
// external_message_id).
func Key(channel envelope.Channel, tenantID, externalMessageID string) string {
	sum := sha256.Sum256([]byte(string(channel) + "|" + tenantID + "|" + externalMessageID))
	return hex.EncodeToString(sum[:])
}

// Store is the Dedupe Store contract.
type Store interface {
	// CheckAndInsert is atomic: a concurrent duplicate call for the same key
	// gets Duplicate.
	CheckAndInsert(ctx context.Context, dedupeKey string) (Result, error)
}

// PostgresStore implements Store via a unique-constrained table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CheckAndInsert(ctx context.Context, dedupeKey string) (Result, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dedupe_keys (dedupe_key, created_at) VALUES ($1, now())`,
		dedupeKey,
	)
	if err == nil {
		return Fresh, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return Duplicate, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Fresh, nil
	}
	return Fresh, fmt.Errorf("dedupe: check_and_insert: %w", err)
}

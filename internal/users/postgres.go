package users

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// PostgresStore implements Store with a unique index on
// (identifier_type, normalized_identifier) and an insert-or-select upsert,
// so concurrent first-calls for the same identifier resolve to one user_id.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, id envelope.Identifier) (uuid.UUID, error) {
	if err := validate(id); err != nil {
		return uuid.UUID{}, err
	}
	norm := Normalize(id)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("users: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	row := tx.QueryRow(ctx, `
		SELECT user_id FROM user_identifiers
		WHERE identifier_type = $1 AND identifier = $2
	`, string(norm.Type), norm.Value)
	err = row.Scan(&userID)
	switch {
	case err == nil:
		if _, uerr := tx.Exec(ctx, `UPDATE users SET last_seen_at = $2 WHERE user_id = $1`, userID, time.Now().UTC()); uerr != nil {
			return uuid.UUID{}, fmt.Errorf("users: touch last_seen: %w", uerr)
		}
		return userID, tx.Commit(ctx)
	case err != pgx.ErrNoRows:
		return uuid.UUID{}, fmt.Errorf("users: lookup: %w", err)
	}

	// Not found: create a new user and its identifier row atomically. A
	// concurrent racer doing the same thing will hit the unique index on
	// user_identifiers(identifier_type, identifier) and must retry the
	// lookup rather than create a second user.
	newID := uuid.New()
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO users (user_id, created_at, last_seen_at) VALUES ($1, $2, $2)
	`, newID, now); err != nil {
		return uuid.UUID{}, fmt.Errorf("users: insert user: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO user_identifiers (user_id, identifier_type, identifier)
		VALUES ($1, $2, $3)
	`, newID, string(norm.Type), norm.Value); err != nil {
		if isUniqueViolation(err) {
			return s.retryAfterRace(ctx, norm)
		}
		return uuid.UUID{}, fmt.Errorf("users: insert identifier: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return s.retryAfterRace(ctx, norm)
		}
		return uuid.UUID{}, fmt.Errorf("users: commit: %w", err)
	}
	return newID, nil
}

// retryAfterRace re-reads the winning row after a unique-violation race
// between two concurrent get_or_create calls for the same identifier.
func (s *PostgresStore) retryAfterRace(ctx context.Context, norm envelope.Identifier) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT user_id FROM user_identifiers WHERE identifier_type = $1 AND identifier = $2
	`, string(norm.Type), norm.Value).Scan(&userID)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("users: retry after race: %w", err)
	}
	return userID, nil
}

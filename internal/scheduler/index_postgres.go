package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresIndexStore implements IndexStore against a shared table, used
// as the global task_index referenced from every per-user SQLite store.
type PostgresIndexStore struct {
	pool *pgxpool.Pool
}

func NewPostgresIndexStore(pool *pgxpool.Pool) *PostgresIndexStore {
	return &PostgresIndexStore{pool: pool}
}

func (s *PostgresIndexStore) Upsert(ctx context.Context, row IndexRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_index (task_id, user_id, next_run, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			next_run = EXCLUDED.next_run,
			enabled = EXCLUDED.enabled
	`, row.TaskID, row.UserID, row.NextRun.UTC(), row.Enabled)
	if err != nil {
		return fmt.Errorf("scheduler: index upsert %s: %w", row.TaskID, err)
	}
	return nil
}

func (s *PostgresIndexStore) Remove(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM task_index WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("scheduler: index remove %s: %w", taskID, err)
	}
	return nil
}

// DueBefore implements the due-polling read:
//
//	SELECT task_id, user_id, next_run FROM task_index
//	WHERE enabled=1 AND next_run <= now ORDER BY next_run ASC LIMIT batch
//
// with the cron tie-break (task_id ascending) folded into the ORDER BY.
func (s *PostgresIndexStore) DueBefore(ctx context.Context, now time.Time, limit int) ([]IndexRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, user_id, next_run, enabled FROM task_index
		WHERE enabled = true AND next_run <= $1
		ORDER BY next_run ASC, task_id ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: due query: %w", err)
	}
	defer rows.Close()

	var out []IndexRow
	for rows.Next() {
		var r IndexRow
		if err := rows.Scan(&r.TaskID, &r.UserID, &r.NextRun, &r.Enabled); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

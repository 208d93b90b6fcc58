package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserStore is the per-user task store contract:
// one SQLite database per user holding tasks, send_reply_tasks,
// run_task_tasks, and task_executions. Every mutation that changes
// enabled/next_run must also be reflected in IndexStore; implementations
// of Scheduler.Create/Reschedule/Cancel do both under a single call so the
// two stores never drift for longer than one poll interval.
type UserStore interface {
	// CreateTask inserts a new task (and its kind-specific payload row).
	CreateTask(ctx context.Context, t Task) error
	// GetTask loads the full task payload by id.
	GetTask(ctx context.Context, taskID string) (Task, error)
	// UpdateAfterRun advances last_run/next_run/enabled after a dispatch,
	// per the cron/one-shot schedule rules.
	UpdateAfterRun(ctx context.Context, taskID string, lastRun time.Time, nextRun time.Time, enabled bool) error
	// SetEnabled disables or re-enables a task (used by the "cancel"
	// scheduler action).
	SetEnabled(ctx context.Context, taskID string, enabled bool) error
	// Reschedule replaces a task's schedule.
	Reschedule(ctx context.Context, taskID string, sched Schedule, nextRun time.Time) error
	// RecordExecution appends a task_executions row.
	RecordExecution(ctx context.Context, exec TaskExecution) error
	// ListEnabled returns every enabled task for this user, used to
	// rebuild the index after a crash or on cold start.
	ListEnabled(ctx context.Context) ([]IndexRow, error)
}

// UserStoreFactory resolves the per-user store for a user_id, opening
// (and migrating, if necessary) users/<user_id>/state/tasks.db on first
// use.
type UserStoreFactory interface {
	For(ctx context.Context, userID uuid.UUID) (UserStore, error)
}

// IndexStore is the derived global task_index contract: "contains exactly the enabled, future-or-due rows from
// every per-user store."
type IndexStore interface {
	// Upsert writes or updates one row.
	Upsert(ctx context.Context, row IndexRow) error
	// Remove deletes a row (used when a task is permanently retired).
	Remove(ctx context.Context, taskID string) error
	// DueBefore returns up to limit enabled rows with next_run <= now,
	// ordered by next_run ascending then task_id ascending.
	DueBefore(ctx context.Context, now time.Time, limit int) ([]IndexRow, error)
}

// Package schedaction applies the scheduler-action directives parsed by
// internal/followup to a scheduler.Scheduler.
package schedaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/dowhiz/internal/followup"
	"github.com/nextlevelbuilder/dowhiz/internal/scheduler"
)

// Scheduler is the subset of *scheduler.Scheduler this package drives.
type Scheduler interface {
	Cancel(ctx context.Context, userID uuid.UUID, taskID string) error
	Reschedule(ctx context.Context, userID uuid.UUID, taskID string, sched scheduler.Schedule) error
	Create(ctx context.Context, t scheduler.Task) error
}

// CurrentTask is the RunTask an agent's stdout directives apply against;
// create_run_task targets "the current workspace".
type CurrentTask struct {
	UserID      uuid.UUID
	WorkspaceDir string
	TenantID    string
	Channel     string
	ReplyFrom   string
	ThreadKey   string
	Epoch       int64
	ArchiveRoot string
}

// Apply runs every action in order. Failures on individual actions are
// collected and returned, but do not stop processing of the rest (cancel
// is a silent no-op if the task is not found or not owned; reschedule,
// create_run_task and unknown-action errors are returned for the caller
// to log).
func Apply(ctx context.Context, sched Scheduler, current CurrentTask, actions []followup.SchedulerActionSpec) []error {
	var errs []error
	for _, a := range actions {
		if err := applyOne(ctx, sched, current, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func applyOne(ctx context.Context, sched Scheduler, current CurrentTask, a followup.SchedulerActionSpec) error {
	switch a.Action {
	case "cancel":
		for _, taskID := range a.TaskIDs {
			// Ownership is enforced by Cancel operating within the
			// caller's own per-user store; a missing/foreign task_id is
			// a silent no-op here.
			_ = sched.Cancel(ctx, current.UserID, taskID)
		}
		return nil

	case "reschedule":
		if a.TaskID == "" || a.Schedule == nil {
			return fmt.Errorf("schedaction: reschedule requires task_id and schedule")
		}
		s, err := toSchedule(*a.Schedule)
		if err != nil {
			return fmt.Errorf("schedaction: reschedule %s: %w", a.TaskID, err)
		}
		return sched.Reschedule(ctx, current.UserID, a.TaskID, s)

	case "create_run_task":
		if a.Schedule == nil {
			return fmt.Errorf("schedaction: create_run_task requires schedule")
		}
		s, err := toSchedule(*a.Schedule)
		if err != nil {
			return fmt.Errorf("schedaction: create_run_task: %w", err)
		}
		nextRun := s.OneShotAt
		if s.Type == scheduler.ScheduleCron {
			nr, err := scheduler.NextCronRun(s.CronExpr, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("schedaction: create_run_task: %w", err)
			}
			nextRun = nr
		}
		return sched.Create(ctx, scheduler.Task{
			TaskID:  uuid.NewString(),
			UserID:  current.UserID,
			Kind:    scheduler.KindRunTask,
			Enabled: true,
			Schedule: s,
			NextRun: nextRun,
			RunTask: &scheduler.RunTaskPayload{
				TenantID:      current.TenantID,
				Channel:       current.Channel,
				WorkspaceDir:  current.WorkspaceDir,
				ModelName:     a.ModelName,
				Runner:        "claude",
				AgentDisabled: a.AgentDisabled,
				ReplyTo:       a.ReplyTo,
				ReplyFrom:     current.ReplyFrom,
				ThreadKey:     current.ThreadKey,
				Epoch:         current.Epoch,
				ArchiveRoot:   current.ArchiveRoot,
			},
		})

	default:
		return fmt.Errorf("schedaction: unknown action %q", a.Action)
	}
}

func toSchedule(s followup.ScheduleSpec) (scheduler.Schedule, error) {
	switch s.Type {
	case "cron":
		if err := scheduler.ValidateCronExpr(s.Expression); err != nil {
			return scheduler.Schedule{}, err
		}
		return scheduler.Schedule{Type: scheduler.ScheduleCron, CronExpr: s.Expression}, nil
	case "one_shot":
		at, err := followup.ParseRunAt(s.RunAt)
		if err != nil {
			return scheduler.Schedule{}, err
		}
		return scheduler.Schedule{Type: scheduler.ScheduleOneShot, OneShotAt: at}, nil
	default:
		return scheduler.Schedule{}, fmt.Errorf("schedaction: unknown schedule type %q", s.Type)
	}
}

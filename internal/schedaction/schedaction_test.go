package schedaction

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/dowhiz/internal/followup"
	"github.com/nextlevelbuilder/dowhiz/internal/scheduler"
)

type fakeScheduler struct {
	cancelled    []string
	rescheduled  map[string]scheduler.Schedule
	created      []scheduler.Task
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{rescheduled: make(map[string]scheduler.Schedule)}
}

func (f *fakeScheduler) Cancel(_ context.Context, _ uuid.UUID, taskID string) error {
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func (f *fakeScheduler) Reschedule(_ context.Context, _ uuid.UUID, taskID string, sched scheduler.Schedule) error {
	f.rescheduled[taskID] = sched
	return nil
}

func (f *fakeScheduler) Create(_ context.Context, t scheduler.Task) error {
	f.created = append(f.created, t)
	return nil
}

func TestApplyCancel(t *testing.T) {
	f := newFakeScheduler()
	errs := Apply(context.Background(), f, CurrentTask{UserID: uuid.New()}, []followup.SchedulerActionSpec{
		{Action: "cancel", TaskIDs: []string{"a", "b"}},
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(f.cancelled) != 2 {
		t.Fatalf("expected 2 cancellations, got %v", f.cancelled)
	}
}

func TestApplyRescheduleCron(t *testing.T) {
	f := newFakeScheduler()
	errs := Apply(context.Background(), f, CurrentTask{UserID: uuid.New()}, []followup.SchedulerActionSpec{
		{Action: "reschedule", TaskID: "t1", Schedule: &followup.ScheduleSpec{Type: "cron", Expression: "0 0 * * * *"}},
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	sched, ok := f.rescheduled["t1"]
	if !ok || sched.Type != scheduler.ScheduleCron {
		t.Fatalf("expected t1 rescheduled to cron, got %+v", f.rescheduled)
	}
}

func TestApplyRescheduleInvalidCronIsReported(t *testing.T) {
	f := newFakeScheduler()
	errs := Apply(context.Background(), f, CurrentTask{UserID: uuid.New()}, []followup.SchedulerActionSpec{
		{Action: "reschedule", TaskID: "t1", Schedule: &followup.ScheduleSpec{Type: "cron", Expression: "* * * * *"}},
	})
	if len(errs) != 1 {
		t.Fatalf("expected one error for invalid 5-field cron, got %v", errs)
	}
	if _, ok := f.rescheduled["t1"]; ok {
		t.Fatalf("expected no reschedule to be applied after validation failure")
	}
}

func TestApplyCreateRunTask(t *testing.T) {
	f := newFakeScheduler()
	userID := uuid.New()
	errs := Apply(context.Background(), f, CurrentTask{UserID: userID, WorkspaceDir: "/ws/1", TenantID: "tenant-1"}, []followup.SchedulerActionSpec{
		{Action: "create_run_task", Schedule: &followup.ScheduleSpec{Type: "one_shot", RunAt: "2026-08-01T00:00:00Z"}, ModelName: "gpt"},
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(f.created) != 1 {
		t.Fatalf("expected one task created, got %d", len(f.created))
	}
	created := f.created[0]
	if created.UserID != userID || created.Kind != scheduler.KindRunTask {
		t.Fatalf("unexpected created task: %+v", created)
	}
	if created.RunTask.WorkspaceDir != "/ws/1" {
		t.Fatalf("expected created task to target current workspace, got %q", created.RunTask.WorkspaceDir)
	}
}

func TestApplyUnknownActionIsReported(t *testing.T) {
	f := newFakeScheduler()
	errs := Apply(context.Background(), f, CurrentTask{UserID: uuid.New()}, []followup.SchedulerActionSpec{
		{Action: "nonsense"},
	})
	if len(errs) != 1 {
		t.Fatalf("expected one error for unknown action, got %v", errs)
	}
}

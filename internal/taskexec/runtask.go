// Package taskexec wires the scheduler, retry, and follow-up units —
// agentinvoker, followup, schedaction, reply, retry — into the two
// scheduler.Executor implementations the Scheduler actually dispatches:
// RunTask (invoke the agent, parse its follow-up directives) and
// SendReply (deliver the drafted reply).
package taskexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/dowhiz/internal/agentinvoker"
	"github.com/nextlevelbuilder/dowhiz/internal/followup"
	"github.com/nextlevelbuilder/dowhiz/internal/retry"
	"github.com/nextlevelbuilder/dowhiz/internal/schedaction"
	"github.com/nextlevelbuilder/dowhiz/internal/scheduler"
	"github.com/nextlevelbuilder/dowhiz/internal/telemetry"
)

// RunTaskExecutor implements scheduler.Executor for scheduler.KindRunTask:
// invoke the agent against the already-built workspace, apply any
// SCHEDULER_ACTIONS directives against the live scheduler, and turn a
// reply draft plus SCHEDULED_TASKS directives into successor tasks.
type RunTaskExecutor struct {
	Invoker  *agentinvoker.Invoker
	Sched    schedaction.Scheduler
	Policy   retry.Policy
	Notifier *retry.Dispatcher
	Log      *slog.Logger
}

func (e *RunTaskExecutor) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *RunTaskExecutor) Execute(ctx context.Context, t scheduler.Task) (scheduler.Outcome, error) {
	rt := t.RunTask
	if rt == nil {
		return scheduler.Outcome{}, &scheduler.TaskError{Kind: scheduler.ErrorPermanent, Message: "run_task: nil payload"}
	}

	req := agentinvoker.Request{
		WorkspaceDir:   rt.WorkspaceDir,
		Runner:         agentinvoker.Runner(rt.Runner),
		Model:          rt.ModelName,
		AgentDisabled:  rt.AgentDisabled,
		HasReplyTarget: len(rt.ReplyTo) > 0,
	}

	spanCtx, span := telemetry.Tracer().Start(ctx, "agentinvoker.Invoke",
		trace.WithAttributes(
			attribute.String("dowhiz.task_id", t.TaskID),
			attribute.String("dowhiz.tenant_id", rt.TenantID),
			attribute.String("dowhiz.channel", rt.Channel),
			attribute.String("dowhiz.runner", string(rt.Runner)),
			attribute.String("dowhiz.model", rt.ModelName),
		))
	result, err := e.Invoker.Invoke(spanCtx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return e.handleFailure(ctx, t, err)
	}
	span.SetAttributes(attribute.Int("dowhiz.exit_code", result.ExitCode))
	span.End()

	follow := followup.ParseStdout(result.Stdout)
	if follow.Err != nil {
		// Non-fatal: the malformed block is logged, not
		// allowed to block the reply.
		e.log().Warn("run_task: follow-up parse error", "task_id", t.TaskID, "error", follow.Err)
	}

	current := schedaction.CurrentTask{
		UserID:       t.UserID,
		WorkspaceDir: rt.WorkspaceDir,
		TenantID:     rt.TenantID,
		Channel:      rt.Channel,
		ReplyFrom:    rt.ReplyFrom,
		ThreadKey:    rt.ThreadKey,
		Epoch:        rt.Epoch,
		ArchiveRoot:  rt.ArchiveRoot,
	}
	for _, aerr := range schedaction.Apply(ctx, e.Sched, current, follow.SchedulerActions) {
		e.log().Warn("run_task: scheduler action failed", "task_id", t.TaskID, "error", aerr)
	}

	var outcome scheduler.Outcome
	if len(rt.ReplyTo) > 0 {
		outcome.NewTasks = append(outcome.NewTasks, buildSendReplyTask(t, rt))
	}
	for _, spec := range follow.ScheduledTasks {
		nt, serr := buildScheduledTask(t, spec)
		if serr != nil {
			e.log().Warn("run_task: scheduled task directive rejected", "task_id", t.TaskID, "error", serr)
			continue
		}
		outcome.NewTasks = append(outcome.NewTasks, nt)
	}
	return outcome, nil
}

// handleFailure classifies an agentinvoker failure and, if
// the task still has retries left, hands back a delayed successor task
// carrying the incremented attempt count instead of retrying in place.
func (e *RunTaskExecutor) handleFailure(ctx context.Context, t scheduler.Task, cause error) (scheduler.Outcome, error) {
	kind := scheduler.ErrorTransient
	if f, ok := cause.(*agentinvoker.Failure); ok {
		switch f.Kind {
		case agentinvoker.MissingRequiredOutput, agentinvoker.InvalidOutputBlock:
			kind = scheduler.ErrorPermanent
		}
	}
	taskErr := &scheduler.TaskError{Kind: kind, Message: cause.Error()}

	policy := e.Policy
	attempt := t.Attempts + 1
	if kind == scheduler.ErrorTransient && policy.ShouldRetry(attempt) {
		retryAt := time.Now().UTC().Add(policy.NextDelay(attempt))
		successor := t
		successor.TaskID = uuid.New().String()
		successor.Attempts = attempt
		successor.Schedule = scheduler.Schedule{Type: scheduler.ScheduleOneShot, OneShotAt: retryAt}
		successor.NextRun = retryAt
		successor.CreatedAt = time.Now().UTC()
		return scheduler.Outcome{NewTasks: []scheduler.Task{successor}}, taskErr
	}

	if e.Notifier != nil {
		target := ""
		if t.RunTask != nil && len(t.RunTask.ReplyTo) > 0 {
			target = t.RunTask.ReplyTo[0]
		}
		channel := ""
		if t.RunTask != nil {
			channel = t.RunTask.Channel
		}
		if nerr := e.Notifier.Notify(ctx, retry.FinalFailure{
			TaskID:       t.TaskID,
			Channel:      channel,
			ReplyTarget:  target,
			ErrorSummary: cause.Error(),
		}); nerr != nil {
			e.log().Error("run_task: final-failure notify failed", "task_id", t.TaskID, "error", nerr)
		}
	}
	return scheduler.Outcome{}, taskErr
}

func buildSendReplyTask(t scheduler.Task, rt *scheduler.RunTaskPayload) scheduler.Task {
	now := time.Now().UTC()
	return scheduler.Task{
		TaskID:      uuid.New().String(),
		UserID:      t.UserID,
		Kind:        scheduler.KindSendReply,
		Enabled:     true,
		Schedule:    scheduler.Schedule{Type: scheduler.ScheduleOneShot, OneShotAt: now},
		NextRun:     now,
		CreatedAt:   now,
		MaxAttempts: t.MaxAttempts,
		SendReply: &scheduler.SendReplyPayload{
			TenantID:       rt.TenantID,
			ThreadKey:      rt.ThreadKey,
			Epoch:          rt.Epoch,
			Channel:        rt.Channel,
			HTMLPath:       filepath.Join(rt.WorkspaceDir, "reply_email_draft.html"),
			AttachmentsDir: filepath.Join(rt.WorkspaceDir, "reply_email_attachments"),
			To:             rt.ReplyTo,
			InReplyTo:      rt.ThreadKey,
		},
	}
}

func buildScheduledTask(t scheduler.Task, spec followup.ScheduledTaskSpec) (scheduler.Task, error) {
	now := time.Now().UTC()
	nextRun := now
	switch {
	case spec.RunAt != "":
		ra, err := followup.ParseRunAt(spec.RunAt)
		if err != nil {
			return scheduler.Task{}, fmt.Errorf("scheduled task: %w", err)
		}
		nextRun = ra
	case spec.DelayMinutes != nil:
		nextRun = now.Add(time.Duration(*spec.DelayMinutes) * time.Minute)
	}

	nt := scheduler.Task{
		TaskID:      uuid.New().String(),
		UserID:      t.UserID,
		Enabled:     true,
		Schedule:    scheduler.Schedule{Type: scheduler.ScheduleOneShot, OneShotAt: nextRun},
		NextRun:     nextRun,
		CreatedAt:   now,
		MaxAttempts: t.MaxAttempts,
	}

	switch spec.Kind {
	case "run_task":
		rt := *t.RunTask
		nt.Kind = scheduler.KindRunTask
		nt.RunTask = &rt
	case "send_reply":
		nt.Kind = scheduler.KindSendReply
		sr := scheduler.SendReplyPayload{Channel: spec.Channel}
		if t.RunTask != nil {
			sr.TenantID = t.RunTask.TenantID
			sr.ThreadKey = t.RunTask.ThreadKey
			sr.Epoch = t.RunTask.Epoch
		}
		if len(spec.Payload) > 0 {
			var p scheduledSendReplyPayload
			if err := json.Unmarshal(spec.Payload, &p); err == nil {
				sr.To, sr.Cc, sr.Bcc = p.To, p.Cc, p.Bcc
				sr.Subject = p.Subject
				if t.RunTask != nil {
					if p.HTMLPath != "" {
						sr.HTMLPath = filepath.Join(t.RunTask.WorkspaceDir, p.HTMLPath)
					}
					if p.AttachmentsDir != "" {
						sr.AttachmentsDir = filepath.Join(t.RunTask.WorkspaceDir, p.AttachmentsDir)
					}
				}
			}
		}
		nt.SendReply = &sr
	default:
		return scheduler.Task{}, fmt.Errorf("scheduled task: unknown kind %q", spec.Kind)
	}
	return nt, nil
}

// scheduledSendReplyPayload is the channel-specific payload shape a
// SCHEDULED_TASKS send_reply entry may carry; all fields
// optional, unmatched ones are left zero.
type scheduledSendReplyPayload struct {
	To             []string `json:"to,omitempty"`
	Cc             []string `json:"cc,omitempty"`
	Bcc            []string `json:"bcc,omitempty"`
	Subject        string   `json:"subject,omitempty"`
	HTMLPath       string   `json:"html_path,omitempty"`
	AttachmentsDir string   `json:"attachments_dir,omitempty"`
}

// Package scheduler implements per-user task persistence, due-polling,
// concurrency gating, and dispatch. Each user's tasks live in their own
// SQLite database; a derived global index drives the due-poll loop.
package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a Task does when dispatched.
type Kind string

const (
	KindSendReply Kind = "send_reply"
	KindRunTask   Kind = "run_task"
	KindNoop      Kind = "noop"
)

// ScheduleType distinguishes a recurring cron schedule from a one-shot.
type ScheduleType string

const (
	ScheduleCron    ScheduleType = "cron"
	ScheduleOneShot ScheduleType = "one_shot"
)

// Schedule is either a 6-field UTC cron expression or a single RFC3339 UTC
// run time (Cron(expr) | OneShot(at)).
type Schedule struct {
	Type       ScheduleType
	CronExpr   string    // set when Type == ScheduleCron; "sec min hour day month weekday"
	OneShotAt  time.Time // set when Type == ScheduleOneShot
}

// ExecutionStatus is the lifecycle status of one task_executions row.
type ExecutionStatus string

const (
	ExecutionStarted   ExecutionStatus = "started"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// RunTaskPayload carries the fields a RunTask needs to invoke the agent.
type RunTaskPayload struct {
	TenantID      string
	Channel       string
	WorkspaceDir  string
	ModelName     string
	Runner        string // "codex" | "claude"
	AgentDisabled bool
	ReplyTo       []string
	ReplyFrom     string
	ThreadKey     string
	Epoch         int64
	ArchiveRoot   string
}

// SendReplyPayload carries the fields a SendReply needs to dispatch a
// reply. TenantID/ThreadKey/Epoch mirror the RunTask that produced it, so
// dispatch can re-check the thread epoch before sending: a RunTask can be
// superseded while its agent subprocess is still running, after the
// RunTask itself already cleared its own epoch check.
type SendReplyPayload struct {
	TenantID         string
	ThreadKey        string
	Epoch            int64
	Channel          string
	Subject          string
	HTMLPath         string
	AttachmentsDir   string
	To               []string
	Cc               []string
	Bcc              []string
	ReplyHints       map[string]string
	InReplyTo        string
	ReferencesHeader string
}

// Task is one per-user scheduler row.
type Task struct {
	TaskID      string
	UserID      uuid.UUID
	Kind        Kind
	Enabled     bool
	Schedule    Schedule
	NextRun     time.Time
	LastRun     *time.Time
	CreatedAt   time.Time
	RunTask     *RunTaskPayload
	SendReply   *SendReplyPayload
	Attempts    int
	MaxAttempts int
}

// IndexRow is one row of the derived global task_index. It is the cheap, queryable projection the due-polling loop
// scans; the full Task payload lives only in the owning user's store.
type IndexRow struct {
	TaskID  string
	UserID  uuid.UUID
	NextRun time.Time
	Enabled bool
}

// TaskExecution is one history row.
type TaskExecution struct {
	TaskID       string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       ExecutionStatus
	ErrorMessage string
	Attempts     int
}

// Outcome is what an executor returns on success.
// NewTasks lets an execution create successor tasks (SendReply after
// RunTask, or directives from the follow-up parser).
type Outcome struct {
	NewTasks []Task
}

// ErrorKind classifies an executor failure for task_executions.error_message
// and for deciding whether a retry is eligible.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorPermanent ErrorKind = "permanent"
)

// TaskError is the error type executors return.
type TaskError struct {
	Kind    ErrorKind
	Message string
}

func (e *TaskError) Error() string { return e.Message }
